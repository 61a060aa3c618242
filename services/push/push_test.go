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


package push

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/services/auth"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/viper"
)

var _ auth.UserDelegate = &knownUsers{}

type knownUsers struct {
	mtx   sync.Mutex
	uuids map[string]bool
}

func (k *knownUsers) LoadCredentials(r *http.Request, username string) (string, string, error) {
	return "", "", blogify.ErrNoDB
}

func (k *knownUsers) CreateUser(r *http.Request, data *auth.SignupData, hash string) (blogify.Resource, error) {
	return nil, blogify.ErrNoDB
}

func (k *knownUsers) UserExists(r *http.Request, id string) (bool, error) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	return k.uuids[id], nil
}

func (k *knownUsers) add() string {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	id := uuid.NewString()
	k.uuids[id] = true

	return id
}

var (
	testServer = &blogify.TestServer{}
	users      = &knownUsers{uuids: make(map[string]bool)}
	tokens     *auth.Tokens
	service    *Service
)

func TestMain(m *testing.M) {
	testServer.StartAndCleanUp(m, func(cfg *viper.Viper, s *blogify.Server) error {
		var err error
		tokens, err = auth.TokensFromConfig(cfg)
		if err != nil {
			return err
		}

		a := auth.NewService(tokens, users)
		service = NewService(a)

		if err = s.RegisterService(a); err != nil {
			return err
		}

		return s.RegisterService(service)
	})
}

func pushURL() string {
	return "ws" + strings.TrimPrefix(testServer.URL(), "http") + "/api/push"
}

func connect(ctx context.Context, user string) *websocket.Conn {
	token, err := tokens.Issue(user)
	So(err, ShouldBeNil)

	conn, _, err := websocket.Dial(ctx, pushURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	So(err, ShouldBeNil)
	So(waitFor(func() bool { return service.Connections(user) == 1 }), ShouldBeTrue)

	return conn
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}

	return false
}

func TestMessages(t *testing.T) {
	Convey("Given some messages", t, func() {
		Convey("Create messages should be named after the resource", func() {
			m := CreateMessage("article", map[string]string{"uuid": "x"})
			So(m.Event, ShouldEqual, "ARTICLE_CREATE")
			So(m.Data, ShouldResemble, map[string]string{"uuid": "x"})
		})

		Convey("Notifications should get a timestamp", func() {
			m := NotificationMessage(Notification{Type: "follow", Emitter: "a", Source: "b"})
			So(m.Event, ShouldEqual, NotificationEvent)
			So(m.Data.(Notification).Timestamp.IsZero(), ShouldBeFalse)
		})
	})
}

func TestPush(t *testing.T) {
	Convey("Given a push service", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		Convey("A connection without a token should be rejected", func() {
			_, resp, err := websocket.Dial(ctx, pushURL(), nil)
			So(err, ShouldNotBeNil)
			So(resp, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("A connection with an invalid token should be rejected", func() {
			_, resp, err := websocket.Dial(ctx, pushURL()+"?token=invalid", nil)
			So(err, ShouldNotBeNil)
			So(resp, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
		})

		Convey("The token should be accepted from the query", func() {
			user := users.add()
			token, err := tokens.Issue(user)
			So(err, ShouldBeNil)

			conn, _, err := websocket.Dial(ctx, pushURL()+"?token="+token, nil)
			So(err, ShouldBeNil)
			defer conn.CloseNow()
			So(waitFor(func() bool { return service.Connections(user) == 1 }), ShouldBeTrue)
		})

		Convey("Given two connected users", func() {
			alice, bob := users.add(), users.add()
			aliceConn := connect(ctx, alice)
			defer aliceConn.CloseNow()
			bobConn := connect(ctx, bob)
			defer bobConn.CloseNow()

			Convey("Messages should only reach their recipients", func() {
				service.Send(CreateMessage("comment", map[string]string{"for": "bob"}), bob)
				service.Send(CreateMessage("article", map[string]string{"for": "alice"}), alice, alice)

				m := map[string]interface{}{}
				So(wsjson.Read(ctx, aliceConn, &m), ShouldBeNil)
				So(m["e"], ShouldEqual, "ARTICLE_CREATE")
				So(m["d"], ShouldResemble, map[string]interface{}{"for": "alice"})

				So(wsjson.Read(ctx, bobConn, &m), ShouldBeNil)
				So(m["e"], ShouldEqual, "COMMENT_CREATE")
				So(m["d"], ShouldResemble, map[string]interface{}{"for": "bob"})

				Convey("A message should be sent once to a repeated recipient", func() {
					service.Send(NotificationMessage(Notification{Type: "follow", Emitter: bob, Source: alice}), alice)
					So(wsjson.Read(ctx, aliceConn, &m), ShouldBeNil)
					So(m["e"], ShouldEqual, NotificationEvent)
					So(m["d"].(map[string]interface{})["emitter"], ShouldEqual, bob)
				})
			})

			Convey("Closed connections should be unsubscribed", func() {
				bobConn.Close(websocket.StatusNormalClosure, "")
				So(waitFor(func() bool { return service.Connections(bob) == 0 }), ShouldBeTrue)
				So(service.Connections(alice), ShouldEqual, 1)
			})

			Convey("Messages from the clients should close the connection", func() {
				So(wsjson.Write(ctx, bobConn, map[string]string{"e": "HELLO"}), ShouldBeNil)
				So(waitFor(func() bool { return service.Connections(bob) == 0 }), ShouldBeTrue)
			})

			Convey("Offline users should be skipped", func() {
				So(func() { service.Send(CreateMessage("article", nil), uuid.NewString()) }, ShouldNotPanic)
			})

			Convey("Closing the service should disconnect the clients", func() {
				service.Close()
				_, _, err := aliceConn.Read(ctx)
				So(websocket.CloseStatus(err), ShouldEqual, websocket.StatusGoingAway)
				So(waitFor(func() bool { return service.Connections(alice) == 0 }), ShouldBeTrue)
			})
		})
	})
}
