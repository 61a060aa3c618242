// Copyright 2016 Tamás Demeter-Haludka
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

package blogify

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type sliceOwner struct {
	ID string `json:"uuid"`
}

func (o *sliceOwner) GetID() string {
	return o.ID
}

type sliceBase struct {
	ID      string `json:"uuid"`
	Created int64  `json:"created" readonly:"true"`
}

type sliceResource struct {
	sliceBase
	Name     string        `json:"name" check:"[a-z]{3,8}"`
	Password string        `json:"password" noslice:"true"`
	Email    string        `json:"email" nosearch:"true"`
	Owner    *sliceOwner   `json:"owner"`
	Friends  []*sliceOwner `json:"friends"`
	Tags     []string      `json:"tags"`
	Nick     *string       `json:"nick" check:"[a-z]+"`
	Ignored  string        `json:"-"`
	secret   string
	Plain    int
}

func newSliceResource() *sliceResource {
	return &sliceResource{
		sliceBase: sliceBase{
			ID:      "e4b3a1f6-6a2d-4c57-9f53-2a7c4f0a5a11",
			Created: 42,
		},
		Name:     "alice",
		Password: "hash",
		Email:    "alice@example.com",
		Owner:    &sliceOwner{ID: "owner"},
		Friends:  []*sliceOwner{{ID: "f1"}, nil, {ID: "f2"}},
		Tags:     []string{"a", "b"},
		Ignored:  "ignored",
		secret:   "secret",
		Plain:    7,
	}
}

func raw(v string) json.RawMessage {
	return json.RawMessage(v)
}

func TestPropMap(t *testing.T) {
	Convey("Given a resource type", t, func() {
		pm := CachedPropMap(&sliceResource{})

		Convey("The properties should be in declaration order with the embedded ones flattened", func() {
			names := []string{}
			for _, h := range pm.Props {
				names = append(names, h.Name)
			}
			So(names, ShouldResemble, []string{"uuid", "created", "name", "password", "email", "owner", "friends", "tags", "nick", "Plain"})
		})

		Convey("The tags should be parsed", func() {
			h, ok := pm.Lookup("password")
			So(ok, ShouldBeTrue)
			So(h.NoSlice, ShouldBeTrue)

			h, _ = pm.Lookup("email")
			So(h.NoSearch, ShouldBeTrue)

			h, _ = pm.Lookup("uuid")
			So(h.ReadOnly, ShouldBeTrue)

			h, _ = pm.Lookup("name")
			So(h.CheckSource(), ShouldEqual, "[a-z]{3,8}")
		})

		Convey("The map should be cached", func() {
			So(CachedPropMap(sliceResource{}), ShouldPointTo, pm)
		})

		Convey("Non-struct types should panic", func() {
			So(func() { CachedPropMap(5) }, ShouldPanic)
		})
	})
}

func TestSlice(t *testing.T) {
	Convey("Given a resource", t, func() {
		res := newSliceResource()

		Convey("Slicing should always contain the id", func() {
			So(Slice(res, nil), ShouldResemble, map[string]interface{}{
				"uuid": res.ID,
			})
		})

		Convey("Slicing should return the requested properties", func() {
			So(Slice(res, []string{"name", "created", "name"}), ShouldResemble, map[string]interface{}{
				"uuid":    res.ID,
				"name":    "alice",
				"created": int64(42),
			})
		})

		Convey("Unknown and hidden properties should be reported", func() {
			So(Slice(res, []string{"password", "zzz", "aaa", "secret", "Ignored"}), ShouldResemble, map[string]interface{}{
				"uuid":          res.ID,
				NotFoundKey:     []string{"Ignored", "aaa", "secret", "zzz"},
				AccessDeniedKey: []string{"password"},
			})
		})

		Convey("References should be returned as ids", func() {
			s := Slice(res, []string{"owner", "friends", "tags"})
			So(s["owner"], ShouldEqual, "owner")
			So(s["friends"], ShouldResemble, []string{"f1", "f2"})
			So(s["tags"], ShouldResemble, []string{"a", "b"})

			res.Owner = nil
			So(Slice(res, []string{"owner"})["owner"], ShouldBeNil)
		})

		Convey("Sanitizing should return everything but the hidden properties", func() {
			s := Sanitize(res)
			So(s, ShouldContainKey, "email")
			So(s, ShouldContainKey, "Plain")
			So(s, ShouldNotContainKey, "password")
			So(s, ShouldNotContainKey, "Ignored")
			So(s, ShouldNotContainKey, "secret")
			So(len(s), ShouldEqual, 9)
		})

		Convey("The searchable properties should not contain the nosearch ones", func() {
			s := SanitizeSearchable(res)
			So(s, ShouldNotContainKey, "email")
			So(s, ShouldNotContainKey, "password")
			So(s["name"], ShouldEqual, "alice")
		})

		Convey("SliceOrSanitize should sanitize without fields", func() {
			So(SliceOrSanitize(res, nil), ShouldResemble, Sanitize(res))
			So(SliceOrSanitize(res, []string{}), ShouldResemble, Slice(res, []string{}))
		})
	})
}

func TestPatch(t *testing.T) {
	Convey("Given a resource", t, func() {
		res := newSliceResource()

		Convey("Patching should set the values", func() {
			So(Patch(res, map[string]json.RawMessage{
				"name": raw(`"bob"`),
				"tags": raw(`["x"]`),
				"nick": raw(`"bobby"`),
			}), ShouldBeNil)
			So(res.Name, ShouldEqual, "bob")
			So(res.Tags, ShouldResemble, []string{"x"})
			So(*res.Nick, ShouldEqual, "bobby")
		})

		Convey("Null should clear a pointer", func() {
			nick := "x"
			res.Nick = &nick
			So(Patch(res, map[string]json.RawMessage{"nick": raw(`null`)}), ShouldBeNil)
			So(res.Nick, ShouldBeNil)
		})

		Convey("Unknown, hidden and read only properties should be rejected", func() {
			for _, name := range []string{"nothing", "password", "uuid", "created"} {
				err := Patch(res, map[string]json.RawMessage{name: raw(`"x"`)})
				So(err, ShouldHaveSameTypeAs, InvalidPropertyError{})
				So(ErrorStatus(err), ShouldEqual, 400)
			}
			So(res.ID, ShouldEqual, "e4b3a1f6-6a2d-4c57-9f53-2a7c4f0a5a11")
			So(res.Password, ShouldEqual, "hash")
		})

		Convey("A failed patch should not change anything", func() {
			err := Patch(res, map[string]json.RawMessage{
				"name":  raw(`"bob"`),
				"Plain": raw(`"not a number"`),
			})
			So(err, ShouldResemble, InvalidPropertyError{Property: "Plain"})
			So(err.Error(), ShouldEqual, "invalid value for property 'Plain'")
			So(res.Name, ShouldEqual, "alice")
			So(res.Plain, ShouldEqual, 7)
		})
	})
}

func TestVerify(t *testing.T) {
	Convey("Given a resource with check expressions", t, func() {
		res := newSliceResource()

		Convey("A valid resource should pass", func() {
			So(Verify(res), ShouldBeNil)
		})

		Convey("The expression should match the whole value", func() {
			res.Name = "alice!"
			So(Verify(res), ShouldResemble, InvalidPropertyError{Property: "name"})

			res.Name = "al"
			So(Verify(res), ShouldNotBeNil)
		})

		Convey("Pointers should be checked when they are set", func() {
			nick := "NICK"
			res.Nick = &nick
			So(Verify(res), ShouldResemble, InvalidPropertyError{Property: "nick"})
		})

		Convey("The validations should be listed", func() {
			So(Validations(res), ShouldResemble, map[string]string{
				"name": "[a-z]{3,8}",
				"nick": "[a-z]+",
			})
		})
	})
}

func TestPropertyHandle(t *testing.T) {
	Convey("Given a property handle", t, func() {
		res := newSliceResource()
		h, ok := LookupProperty(res, "Plain")
		So(ok, ShouldBeTrue)

		Convey("It should get and set the value", func() {
			So(h.Get(res), ShouldEqual, 7)
			So(h.Set(res, 8), ShouldBeNil)
			So(res.Plain, ShouldEqual, 8)
		})

		Convey("Convertible values should be converted", func() {
			So(h.Set(res, int64(9)), ShouldBeNil)
			So(res.Plain, ShouldEqual, 9)
		})

		Convey("Incompatible values should be rejected", func() {
			So(h.Set(res, "x"), ShouldNotBeNil)
		})

		Convey("Nil should set the zero value", func() {
			So(h.Set(res, nil), ShouldBeNil)
			So(res.Plain, ShouldEqual, 0)
		})

		Convey("A value of a struct should not be settable", func() {
			So(h.Set(*res, 1), ShouldNotBeNil)
		})
	})
}
