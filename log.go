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
	"bytes"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/aridwiprayogo/blogify/lib/log"
)

const logKey contextKey = "blogifylog"
const logBufKey contextKey = "blogifylogbuf"

func DefaultLoggerMiddleware(level log.LogLevel) func(http.Handler) http.Handler {
	return LoggerMiddleware(
		level,
		log.UserLogFactory,
		log.VerboseLogFactory,
		log.TraceLogFactory,
		os.Stdout,
	)
}

// Creates a per-request logger, which writes to lw and to a buffer.
//
// The buffer is shown on the error page in development mode, see RequestLogs().
func LoggerMiddleware(level log.LogLevel, userLogFactory, verboseLogFactory, traceLogFactory func(w io.Writer) log.Logger, lw io.Writer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buf := bytes.NewBuffer(nil)
			mw := io.MultiWriter(buf, lw)
			l := log.NewLogger(
				userLogFactory(mw),
				verboseLogFactory(mw),
				traceLogFactory(mw),
			)
			l.Level = level

			r = SetContext(r, logKey, l)
			r = SetContext(r, logBufKey, buf)

			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(s.ResponseWriter).Hijack()
	if err == nil && s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}

	return conn, rw, err
}

// Writes one user level line per request: method, path, status, size and duration.
func RequestLoggerMiddleware(l *log.Log) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			defer func() {
				status := rec.status
				if status == 0 {
					status = http.StatusOK
				}
				l.User().Printf("%s %s %d %dB %s\n", r.Method, r.URL.RequestURI(), status, rec.size, time.Since(start))
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// Returns the log messages of the current request.
func RequestLogs(r *http.Request) string {
	if buf, ok := r.Context().Value(logBufKey).(*bytes.Buffer); ok {
		return buf.String()
	}

	return ""
}

var discardLog = log.DefaultLogger(io.Discard).WithLevel(log.LOG_OFF)

func logFromContext(r *http.Request) *log.Log {
	if l, ok := r.Context().Value(logKey).(*log.Log); ok {
		return l
	}

	return discardLog
}

func LogUser(r *http.Request) log.Logger {
	return logFromContext(r).User()
}

func LogVerbose(r *http.Request) log.Logger {
	return logFromContext(r).Verbose()
}

func LogTrace(r *http.Request) log.Logger {
	return logFromContext(r).Trace()
}
