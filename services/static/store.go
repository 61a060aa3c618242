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
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// The first bytes of every stored file.
var Signature = []byte{0x6c, 0x75, 0x63, 0x79}

var (
	ErrInvalidID        = errors.New("invalid file id")
	ErrInvalidSignature = errors.New("invalid file signature")
)

var idRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Checks if id is a valid file id.
func ValidID(id string) bool {
	return idRegex.MatchString(id)
}

// Stores the uploaded files in a directory.
//
// A file is named after its id, and it starts with Signature, the content type and a NUL byte, followed by the data.
type FileStore struct {
	Dir string
}

// Creates a file store, and creates its directory if it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}

	return filepath.Join(s.Dir, id), nil
}

// Writes a file.
func (s *FileStore) Write(id, contentType string, data []byte) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	w.Write(Signature)
	w.WriteString(contentType)
	w.WriteByte(0)
	w.Write(data)

	if err = w.Flush(); err != nil {
		f.Close()
		os.Remove(p)
		return err
	}

	return f.Close()
}

type storedFile struct {
	*bufio.Reader
	f *os.File
}

func (s storedFile) Close() error {
	return s.f.Close()
}

// Opens a file. Returns its content type and a reader positioned at its data.
//
// A missing file is an os.ErrNotExist error.
func (s *FileStore) Read(id string) (string, io.ReadCloser, error) {
	p, err := s.path(id)
	if err != nil {
		return "", nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return "", nil, err
	}

	r := bufio.NewReader(f)

	sig := make([]byte, len(Signature))
	if _, err = io.ReadFull(r, sig); err != nil || !bytes.Equal(sig, Signature) {
		f.Close()
		return "", nil, ErrInvalidSignature
	}

	contentType, err := r.ReadString(0)
	if err != nil {
		f.Close()
		return "", nil, ErrInvalidSignature
	}

	return contentType[:len(contentType)-1], storedFile{Reader: r, f: f}, nil
}

// Deletes a file. Deleting a missing file is not an error.
func (s *FileStore) Delete(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}

	if err = os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}
