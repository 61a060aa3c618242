// Copyright 2015 Tamás Demeter-Haludka
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package static

import (
	"bytes"
	"database/sql"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"sync"
	"testing"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/util"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/viper"
)

type testProfile struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Picture  Handle `json:"picture" readonly:"true" type:"image/*" maxsize:"1024"`
	Document Handle `json:"document" readonly:"true"`
}

var _ UploadDelegate = &memoryProfiles{}

var errProfileLocked = errors.New("profile is locked")

type memoryProfiles struct {
	mtx      sync.Mutex
	profiles map[string]*testProfile
}

func (m *memoryProfiles) Load(id string, r *http.Request) (blogify.Resource, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, sql.ErrNoRows
	}

	cp := *p
	return &cp, nil
}

func (m *memoryProfiles) Update(data blogify.Resource, r *http.Request) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	p := data.(*testProfile)
	if p.Name == "locked" {
		return errProfileLocked
	}
	m.profiles[p.UUID] = p

	return nil
}

func (m *memoryProfiles) add() *testProfile {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	p := &testProfile{UUID: uuid.NewString(), Name: "test"}
	m.profiles[p.UUID] = p

	cp := *p
	return &cp
}

func (m *memoryProfiles) lock(id string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.profiles[id].Name = "locked"
}

func (m *memoryProfiles) get(id string) *testProfile {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cp := *m.profiles[id]
	return &cp
}

var (
	testServer = &blogify.TestServer{}
	profiles   = &memoryProfiles{profiles: make(map[string]*testProfile)}
	service    *Service
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "blogify-static")
	if err != nil {
		panic(err)
	}

	testServer.StartAndCleanUp(m, func(cfg *viper.Viper, s *blogify.Server) error {
		store, err := NewFileStore(dir)
		if err != nil {
			return err
		}

		service = NewService(s.GetDBConnection(), store)
		if err = s.RegisterService(service); err != nil {
			return err
		}

		return s.RegisterService(service.UploadTarget("profiles", profiles).Authorize(func(r *http.Request, res blogify.Resource) bool {
			return r.Header.Get("X-Forbidden") == ""
		}))
	})
}

func multipartBody(contentType string, data []byte) (io.Reader, func(*http.Request)) {
	buf := bytes.NewBuffer(nil)
	w := multipart.NewWriter(buf)

	w.WriteField("comment", "not a file")

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="upload"`)
	h.Set("Content-Type", contentType)
	part, _ := w.CreatePart(h)
	part.Write(data)
	w.Close()

	return buf, func(req *http.Request) {
		req.Header.Set("Content-Type", w.FormDataContentType())
	}
}

func testPNG(width, height int) []byte {
	buf := bytes.NewBuffer(nil)
	png.Encode(buf, image.NewGray(image.Rect(0, 0, width, height)))
	return buf.Bytes()
}

func TestGetFile(t *testing.T) {
	Convey("Given a stored file", t, func() {
		tc := blogify.NewTestClient(testServer.URL())
		id, err := util.RandomHex(16)
		So(err, ShouldBeNil)
		So(service.Store.Write(id, "text/plain", []byte("hello")), ShouldBeNil)

		Convey("The file should be served with its content type", func() {
			tc.Request("GET", "/api/get/"+id, nil, nil, func(resp *http.Response) {
				So(resp.Header.Get("Content-Type"), ShouldEqual, "text/plain")
				So(tc.ReadBody(resp, false), ShouldEqual, "hello")
			}, http.StatusOK)
		})

		Convey("Missing files should not be found", func() {
			tc.Request("GET", "/api/get/ffffffffffffffffffffffffffffffff", nil, nil, nil, http.StatusNotFound)
			tc.Request("GET", "/api/get/nothing", nil, nil, nil, http.StatusNotFound)
		})

		Reset(func() {
			service.Store.Delete(id)
		})
	})
}

func TestUploadErrors(t *testing.T) {
	Convey("Given a profile", t, func() {
		tc := blogify.NewTestClient(testServer.URL())
		p := profiles.add()
		endpoint := "/api/profiles/" + p.UUID + "/upload?target="

		Convey("A missing profile should not be found", func() {
			body, ct := multipartBody("image/png", testPNG(1, 1))
			tc.Request("POST", "/api/profiles/"+uuid.NewString()+"/upload?target=picture", body, ct, nil, http.StatusNotFound)
		})

		Convey("The predicate should be checked", func() {
			body, ct := multipartBody("image/png", testPNG(1, 1))
			tc.Request("POST", endpoint+"picture", body, func(req *http.Request) {
				ct(req)
				req.Header.Set("X-Forbidden", "1")
			}, nil, http.StatusForbidden)
		})

		Convey("Only handles should be targets", func() {
			body, ct := multipartBody("image/png", testPNG(1, 1))
			tc.Request("POST", endpoint+"name", body, ct, nil, http.StatusBadRequest)
			body, ct = multipartBody("image/png", testPNG(1, 1))
			tc.Request("POST", endpoint+"nothing", body, ct, nil, http.StatusBadRequest)
		})

		Convey("A large file should be rejected", func() {
			body, ct := multipartBody("image/png", bytes.Repeat([]byte{1}, 2048))
			tc.Request("POST", endpoint+"picture", body, ct, nil, http.StatusRequestEntityTooLarge)
		})

		Convey("A file with a wrong content type should be rejected", func() {
			body, ct := multipartBody("application/pdf", []byte("%PDF"))
			tc.Request("POST", endpoint+"picture", body, ct, nil, http.StatusUnsupportedMediaType)
		})

		Convey("A request without a file should be rejected", func() {
			tc.Request("POST", endpoint+"picture", tc.JSONBuffer(map[string]string{}), nil, nil, http.StatusBadRequest)
		})

		Convey("Deleting a missing upload should not be found", func() {
			tc.Request("DELETE", endpoint+"picture", nil, nil, nil, http.StatusNotFound)
		})
	})
}

func TestUpload(t *testing.T) {
	if !testServer.HasDB() {
		t.Skip("the test database is not configured")
	}

	Convey("Given a profile", t, func() {
		tc := blogify.NewTestClient(testServer.URL())
		p := profiles.add()
		endpoint := "/api/profiles/" + p.UUID + "/upload?target="

		Convey("A picture should be uploaded", func() {
			img := testPNG(3, 2)
			info := map[string]interface{}{}
			body, ct := multipartBody("image/png", img)
			tc.Request("POST", endpoint+"picture", body, ct, func(resp *http.Response) {
				tc.DecodeJSON(resp, &info)
			}, http.StatusOK)

			id := info["id"].(string)
			So(info["contentType"], ShouldEqual, "image/png")
			So(info["width"], ShouldEqual, float64(3))
			So(info["height"], ShouldEqual, float64(2))
			So(profiles.get(p.UUID).Picture, ShouldEqual, Handle(id))

			tc.Request("GET", "/api/get/"+id, nil, nil, func(resp *http.Response) {
				So(resp.Header.Get("Content-Type"), ShouldEqual, "image/png")
				So([]byte(tc.ReadBody(resp, false)), ShouldResemble, img)
			}, http.StatusOK)

			tc.Request("GET", "/api/uploadables/"+id, nil, nil, func(resp *http.Response) {
				uploaded := map[string]interface{}{}
				tc.DecodeJSON(resp, &uploaded)
				So(uploaded["id"], ShouldEqual, id)
				So(uploaded["width"], ShouldEqual, float64(3))
			}, http.StatusOK)

			Convey("A new upload should replace the old one", func() {
				body, ct := multipartBody("image/png", testPNG(1, 1))
				tc.Request("POST", endpoint+"picture", body, ct, nil, http.StatusOK)

				So(profiles.get(p.UUID).Picture, ShouldNotEqual, Handle(id))
				_, _, err := service.Store.Read(id)
				So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
				tc.Request("GET", "/api/uploadables/"+id, nil, nil, nil, http.StatusNotFound)
			})

			Convey("The upload should be deleted", func() {
				tc.Request("DELETE", endpoint+"picture", nil, nil, nil, http.StatusNoContent)

				So(profiles.get(p.UUID).Picture.Valid(), ShouldBeFalse)
				tc.Request("GET", "/api/get/"+id, nil, nil, nil, http.StatusNotFound)
				tc.Request("DELETE", endpoint+"picture", nil, nil, nil, http.StatusNotFound)
			})
		})

		Convey("A failed upload should not leave its file behind", func() {
			profiles.lock(p.UUID)
			before, err := os.ReadDir(service.Store.Dir)
			So(err, ShouldBeNil)

			body, ct := multipartBody("image/png", testPNG(1, 1))
			tc.Request("POST", endpoint+"picture", body, ct, nil, http.StatusInternalServerError)

			after, err := os.ReadDir(service.Store.Dir)
			So(err, ShouldBeNil)
			So(after, ShouldHaveLength, len(before))
			So(profiles.get(p.UUID).Picture.Valid(), ShouldBeFalse)
		})

		Convey("Any file should be accepted without a type restriction", func() {
			info := map[string]interface{}{}
			body, ct := multipartBody("application/pdf", []byte("%PDF-1.4"))
			tc.Request("POST", endpoint+"document", body, ct, func(resp *http.Response) {
				tc.DecodeJSON(resp, &info)
			}, http.StatusOK)
			So(info["contentType"], ShouldEqual, "application/pdf")
			So(info, ShouldNotContainKey, "width")
		})
	})
}
