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

/*
Uploaded files.

The files are kept in a FileStore, and every file has a row in the uploadable table.
Images that can be decoded (png, jpeg, gif) get their dimensions saved too.

Endpoints:

	GET /api/get/:id          the file itself
	GET /api/uploadables/:id  {"id", "contentType", "createdAt", "width", "height"}

Resources get their upload endpoints from UploadTarget.
*/
package static

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/util"
)

var _ blogify.Entity = &Uploadable{}

type Uploadable struct {
	ID          string    `json:"id" dbprimary:"true"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt" dbdefault:"now()"`
}

func (u *Uploadable) GetID() string {
	return u.ID
}

var _ blogify.Entity = &ImageMetadata{}

type ImageMetadata struct {
	ID     string `json:"id" dbprimary:"true" dbforeign:"uploadable.id,id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (m *ImageMetadata) GetID() string {
	return m.ID
}

// An uploadable with its image metadata, if there's any.
type UploadableInfo struct {
	*Uploadable
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

var _ blogify.Service = &Service{}

type Service struct {
	Store *FileStore
	ec    *blogify.EntityController
}

func NewService(db blogify.DB, store *FileStore) *Service {
	ec := blogify.NewEntityController(db)
	ec.Add(&Uploadable{}, nil)
	ec.Add(&ImageMetadata{}, nil)

	return &Service{
		Store: store,
		ec:    ec,
	}
}

// Stores a file, and saves its uploadable row. The file is deleted if the transaction of db rolls back.
func (s *Service) Save(db blogify.DB, contentType string, data []byte) (*UploadableInfo, error) {
	id, err := util.RandomHex(16)
	if err != nil {
		return nil, err
	}

	if err = s.Store.Write(id, contentType, data); err != nil {
		return nil, err
	}
	blogify.OnRollback(db, func() {
		s.Store.Delete(id)
	})

	info, err := s.saveRows(db, id, contentType, data)
	if err != nil {
		s.Store.Delete(id)
		return nil, err
	}

	return info, nil
}

func (s *Service) saveRows(db blogify.DB, id, contentType string, data []byte) (*UploadableInfo, error) {
	u := &Uploadable{
		ID:          id,
		ContentType: contentType,
	}
	if err := s.ec.Insert(db, u); err != nil {
		return nil, err
	}

	info := &UploadableInfo{Uploadable: u}

	if strings.HasPrefix(contentType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			meta := &ImageMetadata{
				ID:     id,
				Width:  cfg.Width,
				Height: cfg.Height,
			}
			if err = s.ec.Insert(db, meta); err != nil {
				return nil, err
			}
			info.Width = meta.Width
			info.Height = meta.Height
		}
	}

	return info, nil
}

// Deletes the rows of an uploaded file. The file itself is deleted when the transaction of db commits.
func (s *Service) Remove(db blogify.DB, h Handle) error {
	if !h.Valid() {
		return nil
	}

	if _, err := db.Exec(`DELETE FROM "uploadable" WHERE "id" = $1`, h.String()); err != nil {
		return err
	}

	blogify.AfterCommit(db, func() {
		s.Store.Delete(h.String())
	})

	return nil
}

// Loads an uploadable with its image metadata. Returns nil if it does not exist.
func (s *Service) Info(db blogify.DB, h Handle) (*UploadableInfo, error) {
	e, err := s.ec.Load(db, "uploadable", h.String())
	if err != nil || e == nil {
		return nil, err
	}

	info := &UploadableInfo{Uploadable: e.(*Uploadable)}

	meta, err := s.ec.Load(db, "imagemetadata", h.String())
	if err != nil {
		return nil, err
	}
	if meta != nil {
		info.Width = meta.(*ImageMetadata).Width
		info.Height = meta.(*ImageMetadata).Height
	}

	return info, nil
}

func (s *Service) Register(srv *blogify.Server) error {
	srv.GetF("/api/get/:id", s.getHandler)
	srv.GetF("/api/uploadables/:id", s.infoHandler)

	return nil
}

func (s *Service) getHandler(w http.ResponseWriter, r *http.Request) {
	id := blogify.GetParams(r).ByName("id")
	if !ValidID(id) {
		blogify.Fail(http.StatusNotFound, nil)
	}

	contentType, f, err := s.Store.Read(id)
	if errors.Is(err, os.ErrNotExist) {
		blogify.Fail(http.StatusNotFound, nil)
	}
	blogify.MaybeFail(http.StatusInternalServerError, err)

	w.Header().Set("X-Content-Type-Options", "nosniff")
	blogify.Render(r).Binary(contentType, "", f)
}

func (s *Service) infoHandler(w http.ResponseWriter, r *http.Request) {
	id := blogify.GetParams(r).ByName("id")
	if !ValidID(id) {
		blogify.Fail(http.StatusNotFound, nil)
	}

	info, err := s.Info(blogify.GetDB(r), Handle(id))
	blogify.MaybeFailDB(err)
	if info == nil {
		blogify.Fail(http.StatusNotFound, nil)
	}

	blogify.Render(r).JSON(info)
}

func (s *Service) SchemaInstalled(db blogify.DB) bool {
	return blogify.TableExists(db, "uploadable") && blogify.TableExists(db, "imagemetadata")
}

func (s *Service) SchemaSQL() string {
	return s.ec.SchemaSQL(&Uploadable{}) + "\n" + s.ec.SchemaSQL(&ImageMetadata{})
}
