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

package util

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Generates placeholders from start to end for an SQL query.
func GeneratePlaceholders(start, end uint) string {
	ret := ""
	if start == end {
		return ret
	}
	for i := start; i < end; i++ {
		ret += ", $" + strconv.Itoa(int(i))
	}

	return ret[2:]
}

// Converts a string slice into an interface{} slice.
func StringSliceToInterfaceSlice(s []string) []interface{} {
	is := make([]interface{}, len(s))
	for i, d := range s {
		is[i] = d
	}

	return is
}

// Reads the whole response body and converts it to a string.
func ResponseBodyToString(r *http.Response) string {
	b, err := ioutil.ReadAll(r.Body)
	if err != nil {
		log.Println(err)
		return ""
	}

	return string(b)
}

// Generates n random bytes and returns them hex encoded.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}

// Splits a comma separated list, dropping the empty items and the whitespace around them.
func SplitList(s string) []string {
	list := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}

	return list
}

var colorCodeRegex = regexp.MustCompile(`\[[0-9;]+m`)

func StripTerminalColorCodes(s string) string {
	return colorCodeRegex.ReplaceAllString(s, "")
}
