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
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/aridwiprayogo/blogify"
)

// Max size of an upload without a maxsize tag.
var DefaultMaxSize int64 = 16 << 20

type UploadDelegate interface {
	Load(id string, r *http.Request) (blogify.Resource, error)
	Update(data blogify.Resource, r *http.Request) error
}

var _ blogify.Service = &UploadTarget{}

// Upload endpoints for the Handle properties of a resource type:
//
//     POST   /api/<name>/:id/upload?target=<property>  multipart upload, the first file part is saved
//     DELETE /api/<name>/:id/upload?target=<property>  removes the upload
type UploadTarget struct {
	service     *Service
	name        string
	delegate    UploadDelegate
	predicate   blogify.AuthPredicate
	middlewares []func(http.Handler) http.Handler
}

// Creates the upload endpoints of a resource type.
func (s *Service) UploadTarget(name string, delegate UploadDelegate, middlewares ...func(http.Handler) http.Handler) *UploadTarget {
	return &UploadTarget{
		service:     s,
		name:        name,
		delegate:    delegate,
		middlewares: middlewares,
	}
}

// Sets the predicate that decides who can change the uploads of a resource.
func (t *UploadTarget) Authorize(predicate blogify.AuthPredicate) *UploadTarget {
	t.predicate = predicate
	return t
}

func (t *UploadTarget) Register(srv *blogify.Server) error {
	path := "/api/" + t.name + "/:id/upload"
	middlewares := append([]func(http.Handler) http.Handler{}, t.middlewares...)
	middlewares = append(middlewares, blogify.TransactionMiddleware)

	srv.PostF(path, t.uploadHandler, middlewares...)
	srv.DeleteF(path, t.deleteHandler, middlewares...)

	return nil
}

func (t *UploadTarget) SchemaInstalled(db blogify.DB) bool {
	return true
}

func (t *UploadTarget) SchemaSQL() string {
	return ""
}

// Loads the resource and finds the target property. Fails with 404, 403 or 400.
func (t *UploadTarget) target(r *http.Request) (blogify.Resource, *blogify.PropertyHandle) {
	res, err := t.delegate.Load(blogify.UUIDParam(r, "id"), r)
	blogify.MaybeFailDB(err)
	if res == nil {
		blogify.Fail(http.StatusNotFound, nil)
	}

	if t.predicate != nil && !t.predicate(r, res) {
		blogify.Fail(http.StatusForbidden, nil)
	}

	target := r.URL.Query().Get("target")
	h, ok := blogify.LookupProperty(res, target)
	if !ok || h.Type != handleType {
		blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "invalid upload target: "+target))
	}

	return res, h
}

func maxSize(h *blogify.PropertyHandle) int64 {
	if size, err := strconv.ParseInt(h.Tag.Get("maxsize"), 10, 64); err == nil && size > 0 {
		return size
	}

	return DefaultMaxSize
}

// Checks a content type against a pattern like "image/*".
func ContentTypeMatches(pattern, contentType string) bool {
	if pattern == "" || pattern == "*/*" {
		return true
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(mediaType, strings.TrimSuffix(pattern, "*"))
	}

	return mediaType == pattern
}

// Reads the first file part of the multipart request body.
func readFilePart(r *http.Request, limit int64) (string, []byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, err
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			return "", nil, err
		}

		if part.FileName() == "" {
			part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, limit+1))
		part.Close()
		if err != nil {
			return "", nil, err
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		return contentType, data, nil
	}
}

func (t *UploadTarget) uploadHandler(w http.ResponseWriter, r *http.Request) {
	res, h := t.target(r)

	limit := maxSize(h)
	if r.ContentLength > 0 && r.ContentLength > limit+(1<<16) {
		blogify.Fail(http.StatusRequestEntityTooLarge, blogify.NewVerboseError("", "file is too large"))
	}

	contentType, data, err := readFilePart(r, limit)
	if errors.Is(err, io.EOF) {
		blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "missing file"))
	}
	blogify.MaybeFail(http.StatusBadRequest, err)

	if int64(len(data)) > limit {
		blogify.Fail(http.StatusRequestEntityTooLarge, blogify.NewVerboseError("", "file is too large"))
	}

	if !ContentTypeMatches(h.Tag.Get("type"), contentType) {
		blogify.Fail(http.StatusUnsupportedMediaType, blogify.NewVerboseError("", "property '"+h.Name+"' does not accept content type '"+contentType+"'"))
	}

	db := blogify.GetDB(r)

	info, err := t.service.Save(db, contentType, data)
	blogify.MaybeFailDB(err)

	previous := h.Value(res).(Handle)
	blogify.MaybeFail(http.StatusInternalServerError, h.Set(res, Handle(info.ID)))

	blogify.MaybeFailDB(t.delegate.Update(res, r))

	if previous.Valid() {
		blogify.MaybeFail(http.StatusInternalServerError, t.service.Remove(db, previous))
	}

	blogify.LogVerbose(r).Printf("uploaded %s (%s, %d bytes) to %s.%s\n", info.ID, contentType, len(data), t.name, h.Name)

	blogify.Render(r).JSON(info)
}

func (t *UploadTarget) deleteHandler(w http.ResponseWriter, r *http.Request) {
	res, h := t.target(r)

	previous := h.Value(res).(Handle)
	if !previous.Valid() {
		blogify.Fail(http.StatusNotFound, nil)
	}

	blogify.MaybeFail(http.StatusInternalServerError, h.Set(res, Handle("")))
	blogify.MaybeFailDB(t.delegate.Update(res, r))

	blogify.MaybeFail(http.StatusInternalServerError, t.service.Remove(blogify.GetDB(r), previous))

	blogify.Render(r).SetCode(http.StatusNoContent)
}
