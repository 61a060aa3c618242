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
	"crypto/tls"
	"database/sql"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/aridwiprayogo/blogify/lib/log"
	"github.com/julienschmidt/httprouter"
	"github.com/spf13/viper"
)

// Version of the server, sent in the Server header.
const Version = "0.1.0"

const paramKey contextKey = "blogifyparam"

// ShutdownTimeout is the time the server waits for the open requests on shutdown.
var ShutdownTimeout = 10 * time.Second

// A service is an unit of functionality. It probably has database objects, that will be checked an installed when the service is added to the server.
type Service interface {
	// Register the Service endpoints
	Register(*Server) error
	// Checks if the schema is installed
	SchemaInstalled(db DB) bool
	// Construct SQL string to install the schema
	SchemaSQL() string
}

// Loads the configuration with viper.
//
// The file is either the given path, or config.{toml,yaml,json} from the working directory.
// A missing default config file is not an error, the values can come from the environment too.
func LoadConfig(path string) (*viper.Viper, error) {
	cfg := viper.New()
	if path != "" {
		cfg.SetConfigFile(path)
	} else {
		cfg.SetConfigName("config")
		cfg.AddConfigPath(".")
	}
	cfg.AutomaticEnv()

	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	setConfigDefaults(cfg)

	return cfg, nil
}

func setConfigDefaults(cfg *viper.Viper) {
	cfg.SetDefault("host", "localhost")
	cfg.SetDefault("port", "8080")
	cfg.SetDefault("gzip", true)
	cfg.SetDefault("assetsDir", "assets")
	cfg.SetDefault("publicDir", "public")
	cfg.SetDefault("root", true)
	cfg.SetDefault("JSONPrefix", false)
	cfg.SetDefault("LogLevel", "user")
}

// Sets up and starts a server, then blocks until ctx is cancelled.
//
// This function is a wrapper around Bootstrap() and Serve().
func Hop(ctx context.Context, cfg *viper.Viper, logger *log.Log, configure func(cfg *viper.Viper, s *Server) error) error {
	s, err := Bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := configure(cfg, s); err != nil {
		return err
	}

	addr := cfg.GetString("host") + ":" + cfg.GetString("port")

	return s.Serve(ctx, addr, cfg.GetString("certfile"), cfg.GetString("keyfile"))
}

// Sets up a Server with recommended middlewares.
//
// The parameter logger can be nil, the default is log.DefaultOSLogger().
//
// Config values:
//
// - PGConnectString string: connection string to Postgres. Without it the server has no database.
//
// - DBMaxIdleConn int: max idle connections. Defaults to 0 (no open connections are retained).
//
// - DBMaxOpenConn int: max open connections. Defaults to 0 (unlimited).
//
// - LogLevel: log level for the logger. Either a name or the numeric value of a log.LOG_* constant.
//
// - hsts (hsts.maxage duration, hsts.includesubdomains bool, hsts.preload bool, hsts.hostblacklist []string): configuration values for the HSTS middleware. See HSTSConfig structure
//
// - gzip bool: enables the gzip middleware. Default is true.
//
// - JSONPrefix bool: prefix JSON responses with ")]}',\n". Default is false.
//
// - assetsDir string: compiled frontend directory. The value - skips setting it up.
//
// - root bool: serve assetsDir/index.html on / and on every unknown page outside /api. Default is true.
func Bootstrap(cfg *viper.Viper, logger *log.Log) (*Server, error) {
	setConfigDefaults(cfg)

	level, err := log.ParseLevel(cfg.GetString("LogLevel"))
	if err != nil {
		return nil, err
	}

	var conn *sql.DB
	var dbMiddleware func(http.Handler) http.Handler
	if connStr := cfg.GetString("PGConnectString"); connStr != "" {
		dbMiddleware, conn, err = DBMiddleware(connStr, cfg.GetInt("DBMaxIdleConn"), cfg.GetInt("DBMaxOpenConn"))
		if err != nil {
			return nil, err
		}
	}

	s := NewServer(conn)

	if logger != nil {
		s.Logger = logger
	}
	s.Logger.Level = level

	JSONPrefix = cfg.GetBool("JSONPrefix")

	s.Use(RequestLoggerMiddleware(s.Logger))

	s.Use(DefaultLoggerMiddleware(s.Logger.Level))

	s.Use(DefaultHeadersMiddleware("blogify-core " + Version))

	hsts, ok, err := HSTSConfigFromViper(cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		s.Use(HSTSMiddleware(hsts))
	}

	if cfg.GetBool("gzip") {
		s.Use(GzipMiddleware)
	}

	s.Use(ErrorHandlerMiddleware(s.Logger.Level > log.LOG_USER))

	s.Use(CachingHeadersMiddleware(DefaultCachePolicy))

	s.Use(RendererMiddleware)

	if dbMiddleware != nil {
		s.Use(dbMiddleware)
	}

	assetsDir := cfg.GetString("assetsDir")
	if assetsDir != "-" {
		s.AddLocalDir("/assets", assetsDir)
		if cfg.GetBool("root") {
			s.SinglePageApplication(filepath.Join(assetsDir, "index.html"))
		}
	}

	return s, nil
}

// Compresses the responses with gzip. Websocket upgrades are passed through uncompressed.
func GzipMiddleware(next http.Handler) http.Handler {
	gz := gziphandler.GzipHandler(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		gz.ServeHTTP(w, r)
	})
}

// The main server struct.
type Server struct {
	*httprouter.Router
	conn        *sql.DB
	middlewares []func(http.Handler) http.Handler
	services    []Service
	onShutdown  []func()
	Logger      *log.Log
	TLSConfig   *tls.Config
}

// Creates a new server. The connection can be nil.
func NewServer(conn *sql.DB) *Server {
	router := httprouter.New()
	router.HandleMethodNotAllowed = false
	router.NotFound = http.HandlerFunc(apiNotFound)
	s := &Server{
		Router: router,
		conn:   conn,
		Logger: log.DefaultOSLogger(),
	}

	return s
}

func apiNotFound(w http.ResponseWriter, r *http.Request) {
	Fail(http.StatusNotFound, nil)
}

func (s *Server) Use(middleware ...func(http.Handler) http.Handler) {
	s.middlewares = append(s.middlewares, middleware...)
}

func (s *Server) Handler() http.Handler {
	return wrapHandler(s.Router, s.middlewares...)
}

func wrapHandler(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}

	return handler
}

func (s *Server) Handle(method, path string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) {
	handler = wrapHandler(handler, middlewares...)
	s.Router.Handle(method, path, httprouter.Handle(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		r = SetContext(r, paramKey, p)
		handler.ServeHTTP(w, r)
	}))
}

func (s *Server) Get(path string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodGet, path, handler, middlewares...)
}

func (s *Server) Post(path string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodPost, path, handler, middlewares...)
}

func (s *Server) Put(path string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodPut, path, handler, middlewares...)
}

func (s *Server) Delete(path string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodDelete, path, handler, middlewares...)
}

func (s *Server) Patch(path string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodPatch, path, handler, middlewares...)
}

func (s *Server) GetF(path string, handler http.HandlerFunc, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodGet, path, handler, middlewares...)
}

func (s *Server) PostF(path string, handler http.HandlerFunc, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodPost, path, handler, middlewares...)
}

func (s *Server) DeleteF(path string, handler http.HandlerFunc, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodDelete, path, handler, middlewares...)
}

func (s *Server) PatchF(path string, handler http.HandlerFunc, middlewares ...func(http.Handler) http.Handler) {
	s.Handle(http.MethodPatch, path, handler, middlewares...)
}

// Returns the route parameters of the request.
func GetParams(r *http.Request) httprouter.Params {
	p, _ := r.Context().Value(paramKey).(httprouter.Params)
	return p
}

// Returns the server's DB connection if there's any.
func (s *Server) GetDBConnection() DB {
	if s.conn == nil {
		return nil
	}
	return s.conn
}

// Adds a local directory to the router.
func (s *Server) AddLocalDir(prefix, path string) *Server {
	s.ServeFiles(prefix+"/*filepath", http.Dir(path))

	return s
}

// Adds a local file to the router.
func (s *Server) AddFile(path, file string) *Server {
	s.Get(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, file)
	}))

	return s
}

// Serves index on / and on every unknown GET path outside /api/.
//
// The frontend does its own routing, so a reload on a client side route must get the application too.
// Unknown /api/ paths still get a 404.
func (s *Server) SinglePageApplication(index string) *Server {
	s.AddFile("/", index)
	s.Router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
			apiNotFound(w, r)
			return
		}

		if _, err := os.Stat(index); err != nil {
			apiNotFound(w, r)
			return
		}

		LogTrace(r).Printf("serving %s for %s\n", index, r.URL.Path)
		http.ServeFile(w, r, index)
	})

	return s
}

// Registers a service on the server.
//
// The schema of the service gets installed if the server has a database and the schema is missing.
// See the Service interface for more information.
func (s *Server) RegisterService(svc Service) error {
	if err := svc.Register(s); err != nil {
		return err
	}
	s.services = append(s.services, svc)

	if s.conn != nil && !svc.SchemaInstalled(s.conn) {
		sql := svc.SchemaSQL()
		if _, err := s.conn.Exec(sql); err != nil {
			return WrapError(err, "installing schema failed:\n"+sql)
		}
	}

	return nil
}

// Returns the concatenated schema of the registered services. Services without a schema are skipped.
func (s *Server) SchemaSQL() string {
	parts := []string{}
	for _, svc := range s.services {
		if sql := strings.TrimSpace(svc.SchemaSQL()); sql != "" {
			parts = append(parts, sql)
		}
	}

	return strings.Join(parts, "\n\n") + "\n"
}

// Adds a function that runs when Serve shuts the server down.
//
// Hijacked connections (e.g. websockets) are not closed by the shutdown, their handlers should close them here.
func (s *Server) OnShutdown(f func()) {
	s.onShutdown = append(s.onShutdown, f)
}

// Closes the database connection.
func (s *Server) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// Starts an HTTP or HTTPS server and blocks until ctx is done or the server fails.
//
// HTTPS is used when both certFile and keyFile are given.
func (s *Server) Serve(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         s.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	for _, f := range s.onShutdown {
		srv.RegisterOnShutdown(f)
	}

	if stdlogger, ok := s.Logger.User().(*stdlog.Logger); ok {
		srv.ErrorLog = stdlogger
	}

	s.Logger.User().Printf("Starting server on %s\n", addr)

	serverErr := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		s.Logger.User().Println("Shutting down the server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
