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
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
)

var (
	_ sql.Scanner    = new(Handle)
	_ driver.Valuer  = Handle("")
	_ json.Marshaler = Handle("")
)

var handleType = reflect.TypeOf(Handle(""))

// A reference to an uploaded file. The empty handle means that nothing is uploaded.
//
// In the database it is a nullable varchar, in JSON a string or null.
//
// Struct tags of the Handle properties:
//
// - type: accepted content type pattern, e.g. "image/*". Defaults to "*/*".
//
// - maxsize: max size of the file in bytes. Defaults to DefaultMaxSize.
type Handle string

func (h Handle) Valid() bool {
	return h != ""
}

func (h Handle) String() string {
	return string(h)
}

func (h *Handle) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*h = ""
	case string:
		*h = Handle(v)
	case []byte:
		*h = Handle(v)
	default:
		return fmt.Errorf("cannot scan %T into a handle", src)
	}

	return nil
}

func (h Handle) Value() (driver.Value, error) {
	if !h.Valid() {
		return nil, nil
	}

	return string(h), nil
}

func (h Handle) MarshalJSON() ([]byte, error) {
	if !h.Valid() {
		return []byte("null"), nil
	}

	return json.Marshal(string(h))
}

func (h *Handle) UnmarshalJSON(b []byte) error {
	var s *string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	if s == nil {
		*h = ""
	} else {
		*h = Handle(*s)
	}

	return nil
}
