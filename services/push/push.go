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
Real-time push service.

Logged in users open a websocket, and receive JSON messages about the activity they are interested in:

	GET /api/push   Authorization: Bearer <token> (or ?token=<token>) -> websocket

Every message has an event name and a payload:

	{"e": "ARTICLE_CREATE", "d": {...}}
	{"e": "NOTIFICATION_CREATE", "d": {"type", "emitter", "source", "timestamp"}}

Messages from the clients are not accepted. A client that sends one is disconnected.
*/
package push

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/lib/log"
	"github.com/aridwiprayogo/blogify/services/auth"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/viper"
)

const NotificationEvent = "NOTIFICATION_CREATE"

// A message to a client.
type Message struct {
	Event string      `json:"e"`
	Data  interface{} `json:"d"`
}

// Creates a message about a new resource, e.g. ARTICLE_CREATE for "article".
func CreateMessage(resourceType string, data interface{}) Message {
	return Message{
		Event: strings.ToUpper(resourceType) + "_CREATE",
		Data:  data,
	}
}

// Something a user did to another user or to its content.
type Notification struct {
	Type string `json:"type"`
	// The user who did it.
	Emitter string `json:"emitter"`
	// The uuid of the user or the content it was done to.
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func NotificationMessage(n Notification) Message {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	return Message{
		Event: NotificationEvent,
		Data:  n,
	}
}

type client struct {
	messages chan Message
	closed   chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.closed)
	})
}

var _ blogify.Service = &Service{}

type Service struct {
	auth    *auth.Service
	mtx     sync.RWMutex
	clients map[string]map[*client]struct{}
	Logger  *log.Log
	// Messages waiting for a slow client. Messages over the limit are dropped.
	QueueLength  int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// Allowed origins of the cross origin connections. See websocket.AcceptOptions.
	OriginPatterns []string
}

func NewService(a *auth.Service) *Service {
	return &Service{
		auth:         a,
		clients:      make(map[string]map[*client]struct{}),
		Logger:       log.DefaultOSLogger(),
		QueueLength:  64,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Creates a push service with the "push.originPatterns" and "push.pingInterval" config values.
func ServiceFromConfig(cfg *viper.Viper, a *auth.Service) *Service {
	s := NewService(a)
	s.OriginPatterns = cfg.GetStringSlice("push.originPatterns")
	if interval := cfg.GetDuration("push.pingInterval"); interval > 0 {
		s.PingInterval = interval
	}

	return s
}

func (s *Service) SchemaInstalled(db blogify.DB) bool {
	return true
}

func (s *Service) SchemaSQL() string {
	return ""
}

func (s *Service) Register(srv *blogify.Server) error {
	if srv.Logger != nil {
		s.Logger = srv.Logger
	}

	srv.GetF("/api/push", s.connectHandler, tokenQueryMiddleware, s.auth.LoggedInMiddleware)
	srv.OnShutdown(s.Close)

	return nil
}

// Browsers cannot set headers on websocket requests, the token can come in the query instead.
func tokenQueryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("token"); token != "" && r.Header.Get("Authorization") == "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) subscribe(user string) *client {
	c := &client{
		messages: make(chan Message, s.QueueLength),
		closed:   make(chan struct{}),
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.clients[user] == nil {
		s.clients[user] = make(map[*client]struct{})
	}
	s.clients[user][c] = struct{}{}

	return c
}

func (s *Service) unsubscribe(user string, c *client) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.clients[user], c)
	if len(s.clients[user]) == 0 {
		delete(s.clients, user)
	}
}

// Queues a message to every connection of the users. Offline users are skipped.
func (s *Service) Send(m Message, users ...string) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	seen := make(map[string]bool, len(users))
	for _, user := range users {
		if seen[user] {
			continue
		}
		seen[user] = true

		for c := range s.clients[user] {
			select {
			case c.messages <- m:
			default:
				s.Logger.Verbose().Printf("push queue of %s is full, dropping %s\n", user, m.Event)
			}
		}
	}
}

// The number of open connections of a user.
func (s *Service) Connections(user string) int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return len(s.clients[user])
}

// Closes every connection.
func (s *Service) Close() {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	for _, clients := range s.clients {
		for c := range clients {
			c.close()
		}
	}
}

func (s *Service) connectHandler(w http.ResponseWriter, r *http.Request) {
	user := auth.CurrentUser(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		blogify.LogVerbose(r).Printf("push connection of %s failed: %v\n", user, err)
		return
	}

	c := s.subscribe(user)
	defer s.unsubscribe(user, c)

	s.Logger.Verbose().Printf("push connection opened for %s\n", user)

	s.serve(conn.CloseRead(context.Background()), conn, c)

	s.Logger.Verbose().Printf("push connection closed for %s\n", user)
}

func (s *Service) serve(ctx context.Context, conn *websocket.Conn, c *client) {
	ping := time.NewTicker(s.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-c.closed:
			conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		case m := <-c.messages:
			if err := s.write(ctx, func(ctx context.Context) error {
				return wsjson.Write(ctx, conn, m)
			}); err != nil {
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ping.C:
			if err := s.write(ctx, conn.Ping); err != nil {
				conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (s *Service) write(ctx context.Context, f func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.WriteTimeout)
	defer cancel()

	return f(ctx)
}
