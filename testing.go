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
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/aridwiprayogo/blogify/lib/log"
	"github.com/aridwiprayogo/blogify/util"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/viper"
)

// A server for the tests of the services.
//
// The configuration is read from ConfigName (default: test.{toml,yaml,json}) in the working directory.
// Without PGConnectString the server runs without a database.
type TestServer struct {
	ConfigName string
	AssetsDir  string

	Config *viper.Viper
	Server *Server
	HTTP   *httptest.Server
}

// Starts the server, runs the tests, drops the database schema and exits.
func (s *TestServer) StartAndCleanUp(m *testing.M, setup func(cfg *viper.Viper, s *Server) error) {
	if err := s.Start(setup); err != nil {
		panic(err)
	}

	res := m.Run()

	s.Close()

	os.Exit(res)
}

func (s *TestServer) Start(setup func(cfg *viper.Viper, s *Server) error) error {
	if s.ConfigName == "" {
		s.ConfigName = "test"
	}
	if s.AssetsDir == "" {
		s.AssetsDir = "-"
	}

	cfg := viper.New()
	cfg.SetConfigName(s.ConfigName)
	cfg.AddConfigPath(".")
	cfg.AutomaticEnv()
	cfg.ReadInConfig()
	cfg.SetDefault("LogLevel", "off")
	cfg.Set("assetsDir", s.AssetsDir)
	cfg.Set("gzip", false)
	if !cfg.IsSet("secret") {
		secret, err := util.RandomHex(32)
		if err != nil {
			return err
		}
		cfg.Set("secret", secret)
	}

	srv, err := Bootstrap(cfg, log.DefaultLogger(io.Discard))
	if err != nil {
		return err
	}

	if setup != nil {
		if err := setup(cfg, srv); err != nil {
			return err
		}
	}

	s.Config = cfg
	s.Server = srv
	s.HTTP = httptest.NewServer(srv.Handler())

	return nil
}

// The base URL of the running server.
func (s *TestServer) URL() string {
	return s.HTTP.URL
}

func (s *TestServer) HasDB() bool {
	return s.Server.GetDBConnection() != nil
}

// Stops the server and drops everything from the test database.
func (s *TestServer) Close() {
	if s.HTTP != nil {
		s.HTTP.Close()
	}

	if s.Config == nil {
		return
	}

	if connStr := s.Config.GetString("PGConnectString"); connStr != "" {
		s.Server.Close()
		if conn, err := sql.Open("postgres", connStr); err == nil {
			conn.Exec(`
				DROP SCHEMA public CASCADE;
				CREATE SCHEMA public;
				GRANT ALL ON SCHEMA public TO public;
				COMMENT ON SCHEMA public IS 'standard public schema';
			`)
			conn.Close()
		}
	}
}

type TestClient struct {
	Client *http.Client
	// Sent as a bearer token when not empty.
	Token string
	base  string
}

func NewTestClient(base string) *TestClient {
	return &TestClient{
		Client: &http.Client{},
		base:   base,
	}
}

// Sends a request and asserts the status code of the response.
func (tc *TestClient) Request(method, endpoint string, body io.Reader, processReq func(*http.Request), processResp func(*http.Response), statusCode int) {
	req, err := http.NewRequest(method, tc.base+endpoint, body)
	So(err, ShouldBeNil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if tc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.Token)
	}
	if processReq != nil {
		processReq(req)
	}

	resp, err := tc.Client.Do(req)
	So(err, ShouldBeNil)
	defer resp.Body.Close()
	So(resp.StatusCode, ShouldEqual, statusCode)
	if processResp != nil {
		processResp(resp)
	}
}

func (tc *TestClient) JSONBuffer(v interface{}) io.Reader {
	buf := bytes.NewBuffer(nil)
	So(json.NewEncoder(buf).Encode(v), ShouldBeNil)
	return buf
}

// Decodes the response into v, and compares it to d.
func (tc *TestClient) AssertJSON(resp *http.Response, v, d interface{}) {
	tc.DecodeJSON(resp, v)
	So(v, ShouldResemble, d)
}

func (tc *TestClient) DecodeJSON(resp *http.Response, v interface{}) {
	body := tc.ReadBody(resp, JSONPrefix)
	So(json.Unmarshal([]byte(body), v), ShouldBeNil)
}

func (tc *TestClient) AssertFile(resp *http.Response, path string) {
	body, err := io.ReadAll(resp.Body)
	So(err, ShouldBeNil)

	file, err := os.ReadFile(path)
	So(err, ShouldBeNil)

	So(body, ShouldResemble, file)
}

func (tc *TestClient) ConsumePrefix(r *http.Response) bool {
	prefix := make([]byte, 6)
	_, err := io.ReadFull(r.Body, prefix)
	So(err, ShouldBeNil)
	return string(prefix) == ")]}',\n"
}

func (tc *TestClient) ReadBody(r *http.Response, JSONPrefix bool) string {
	if JSONPrefix {
		So(tc.ConsumePrefix(r), ShouldBeTrue)
	}

	b, err := io.ReadAll(r.Body)
	So(err, ShouldBeNil)

	return string(b)
}
