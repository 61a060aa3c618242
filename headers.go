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
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sets the Server header on every response.
func DefaultHeadersMiddleware(server string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", server)
			next.ServeHTTP(w, r)
		})
	}
}

// Maps media types to the max-age of the Cache-Control header.
type CachePolicy map[string]time.Duration

// Caches JSON for a minute, and scripts for half an hour.
var DefaultCachePolicy = CachePolicy{
	"application/json":       time.Minute,
	"application/javascript": 30 * time.Minute,
	"text/javascript":        30 * time.Minute,
}

func (p CachePolicy) header(contentType string) string {
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if maxAge, ok := p[mediaType]; ok {
		return "max-age=" + strconv.Itoa(int(maxAge.Seconds()))
	}

	return ""
}

type cachingResponseWriter struct {
	http.ResponseWriter
	policy      CachePolicy
	wroteHeader bool
}

func (c *cachingResponseWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.wroteHeader = true
		h := c.ResponseWriter.Header()
		if code == http.StatusOK && h.Get("Cache-Control") == "" {
			if v := c.policy.header(h.Get("Content-Type")); v != "" {
				h.Set("Cache-Control", v)
			}
		}
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *cachingResponseWriter) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	return c.ResponseWriter.Write(b)
}

func (c *cachingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(c.ResponseWriter).Hijack()
}

// Sets Cache-Control on successful GET responses, based on the Content-Type of the response.
//
// Handlers that set Cache-Control themselves are left alone.
func CachingHeadersMiddleware(policy CachePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(&cachingResponseWriter{
				ResponseWriter: w,
				policy:         policy,
			}, r)
		})
	}
}
