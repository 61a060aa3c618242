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

package blogify

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/aridwiprayogo/blogify/util"
	"github.com/google/uuid"
)

type contextKey string

// Upper limit of the amount query parameter.
var MaxPageLength = 100

// Pager is a function that implements pagination for listing endpoints.
//
// It extracts the "page" query from the url, and returns the offset to that given page.
// The parameter limit specifies the number of elements on a given page.
// Offsets above math.MaxInt32 are rejected with 400.
func Pager(r *http.Request, limit int) int {
	start := 0

	if page := r.URL.Query().Get("page"); page != "" {
		pagenum, err := strconv.Atoi(page)
		MaybeFail(http.StatusBadRequest, err)
		if pagenum < 1 {
			Fail(http.StatusBadRequest, NewVerboseError("", "page must be positive"))
		}
		if limit > 0 && pagenum-1 > math.MaxInt32/limit {
			Fail(http.StatusBadRequest, NewVerboseError("", "page is too large"))
		}
		start = (pagenum - 1) * limit
	}

	return start
}

// Returns the page length from the "amount" query, or def if it is missing.
//
// The value is capped at MaxPageLength.
func PageLength(r *http.Request, def int) int {
	amount := r.URL.Query().Get("amount")
	if amount == "" {
		return def
	}

	n, err := strconv.Atoi(amount)
	if err != nil || n < 1 {
		Fail(http.StatusBadRequest, NewVerboseError("", "invalid amount"))
	}
	if n > MaxPageLength {
		n = MaxPageLength
	}

	return n
}

// Returns the property names from the "fields" query. Nil means all properties.
func Fields(r *http.Request) []string {
	fields := r.URL.Query().Get("fields")
	if fields == "" {
		return nil
	}

	return util.SplitList(fields)
}

// Returns a route parameter that must be an UUID. Fails with 400 if it is not.
func UUIDParam(r *http.Request, name string) string {
	id := GetParams(r).ByName(name)
	if !IsUUID(id) {
		Fail(http.StatusBadRequest, NewVerboseError("", "invalid uuid: "+id))
	}

	return id
}

// Checks if s is a valid UUID.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

type Validator interface {
	Validate() error
}

func SetContext(r *http.Request, key, value interface{}) *http.Request {
	ctx := context.WithValue(r.Context(), key, value)
	return r.WithContext(ctx)
}
