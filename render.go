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
	"bufio"
	"encoding/json"
	"html/template"
	"io"
	"net"
	"net/http"

	"github.com/golang/gddo/httputil"
)

const renderKey contextKey = "blogifyrender"

// Global switch for the ")]}',\n" JSON response prefix.
//
// This prefix increases security for browser-based applications, but requires extra support on the client side.
var JSONPrefix = false

// Middleware for the Render API.
//
// This middleware is automatically added with Bootstrap.
//
// This changes the behavior of the ResponseWriter in the following middlewares and the page handler. The ResponseWriter's WriteHeader() method will not write the headers, just sets the Code attribute of the Renderer struct in the page context. This hack is necessary, because else a middleware could write the headers before the Renderer. See the rendererResponseWriter.WriteHeader() method's documentation for more details.
func RendererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renderer := NewRenderer()
		r = SetContext(r, renderKey, renderer)
		next.ServeHTTP(&rendererResponseWriter{
			ResponseWriter: w,
			Renderer:       renderer,
		}, r)
		renderer.Render(w, r)
	})
}

// Gets the Renderer struct from the request context.
//
// Outside of the RendererMiddleware a detached Renderer is returned, which is never rendered.
func Render(r *http.Request) *Renderer {
	if rd, ok := r.Context().Value(renderKey).(*Renderer); ok {
		return rd
	}

	return NewRenderer()
}

// A per-request struct for the Render API.
//
// The Render API handles content negotiation with the client. The server's preference is the order how the offers are added by either the AddOffer() low-level method or the JSON()/HTML()/Text() higher level methods.
//
// A quick example how to use the Render API:
//
//     func pageHandler(w http.ResponseWriter, r *http.Request) {
//         ...
//         blogify.Render(r).
//             HTML(pageTemplate, data).
//             JSON(data)
//     }
//
// In this example, the server prefers rendering an HTML page / fragment, but it can render a JSON if that's the client's preference. The default is HTML, because that is the first offer.
type Renderer struct {
	handlers map[string]func(w http.ResponseWriter)
	offers   []string
	rendered bool
	Code     int // HTTP status code.
}

// Creates a new Renderer.
func NewRenderer() *Renderer {
	return &Renderer{
		handlers: make(map[string]func(w http.ResponseWriter)),
		offers:   make([]string, 0),
		rendered: false,
		Code:     0,
	}
}

// Sets the HTTP status code.
func (r *Renderer) SetCode(code int) *Renderer {
	r.Code = code
	return r
}

// Adds an offer for the content negotiation.
//
// See the Render() method for more information. The mediaType is the content type, the handler renders the data to the ResponseWriter.
// You probably want to use the JSON(), HTML(), Text() methods instead of this.
func (r *Renderer) AddOffer(mediaType string, handler func(w http.ResponseWriter)) *Renderer {
	r.offers = append(r.offers, mediaType)
	r.handlers[mediaType] = handler

	return r
}

// Adds a binary file offer for the Renderer struct.
//
// An empty filename serves the file inline. If reader is an io.ReadCloser, it will be closed automatically.
func (r *Renderer) Binary(mediaType, filename string, reader io.Reader) *Renderer {
	return r.AddOffer(mediaType, func(w http.ResponseWriter) {
		if filename != "" {
			w.Header().Set("Content-Disposition", "attachment; filename="+filename)
		}
		io.Copy(w, reader)
		if rc, ok := reader.(io.ReadCloser); ok {
			rc.Close()
		}
	})
}

// Adds a JSON offer for the Renderer struct.
func (r *Renderer) JSON(v interface{}) *Renderer {
	return r.AddOffer("application/json", func(w http.ResponseWriter) {
		if JSONPrefix {
			w.Write([]byte(")]}',\n"))
		}
		json.NewEncoder(w).Encode(v)
	})
}

// Adds an HTML offer for the Renderer struct.
func (r *Renderer) HTML(t *template.Template, v interface{}) *Renderer {
	return r.AddOffer("text/html", func(w http.ResponseWriter) {
		t.Execute(w, v)
	})
}

// Adds a plain text offer for the Renderer struct.
func (r *Renderer) Text(t string) *Renderer {
	return r.AddOffer("text/plain", func(w http.ResponseWriter) {
		w.Write([]byte(t))
	})
}

// Returns the content type the Renderer would choose for the request, or an empty string if there are no offers.
func (rr *Renderer) ContentType(r *http.Request) string {
	if len(rr.offers) == 0 {
		return ""
	}
	if len(rr.offers) == 1 {
		return rr.offers[0]
	}

	return httputil.NegotiateContentType(r, rr.offers, rr.offers[0])
}

// Renders best offer to the ResponseWriter according to the client's content type preferences.
func (rr *Renderer) Render(w http.ResponseWriter, r *http.Request) {
	if rr.rendered {
		return
	}

	defer func() {
		rr.rendered = true
	}()

	if len(rr.offers) == 0 {
		if rr.Code == 0 || rr.Code == http.StatusOK {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(rr.Code)
		}
		return
	}

	ct := rr.ContentType(r)

	w.Header().Set("Content-Type", ct)

	if rr.Code > 0 {
		w.WriteHeader(rr.Code)
	}

	rr.handlers[ct](w)
}

type rendererResponseWriter struct {
	http.ResponseWriter
	*Renderer
}

func (r *rendererResponseWriter) Write(b []byte) (int, error) {
	if !r.Renderer.rendered {
		if r.Renderer.Code == 0 {
			r.Renderer.Code = http.StatusOK
		}
		r.ResponseWriter.WriteHeader(r.Renderer.Code)
		r.Renderer.rendered = true
	}
	return r.ResponseWriter.Write(b)
}

// Takes over the connection. Nothing is rendered after a successful hijack.
func (r *rendererResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.Renderer.rendered = true
	}

	return conn, rw, err
}

// Overwrite of the WriteHeader function of the http.ResponseWriter interface.
//
// The reason why this method does not write the headers is that it allows the Renderer
// middleware to output the response code along with the HTTP headers.
// Without this hack, middlewares could output the headers before the
// Renderer would.
//
// However this method overwrites the Renderer's status code if the code is not set or the new code is not 200 or 0.
// Protocol switches are written right away, the connection is about to be hijacked.
func (r *rendererResponseWriter) WriteHeader(code int) {
	if code == http.StatusSwitchingProtocols {
		r.ResponseWriter.WriteHeader(code)
		r.Renderer.rendered = true
		return
	}

	if r.Renderer.Code == 0 || (code != http.StatusOK && code != 0) {
		r.Renderer.SetCode(code)
	}
}
