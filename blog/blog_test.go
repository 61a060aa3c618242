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

package blog

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
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

var (
	testServer = &blogify.TestServer{}
	testBlog   *Blog
)

func TestMain(m *testing.M) {
	auth.PASSWORD_HASH_N = 1024

	dir, err := os.MkdirTemp("", "blogify-blog")
	if err != nil {
		panic(err)
	}

	testServer.StartAndCleanUp(m, func(cfg *viper.Viper, s *blogify.Server) error {
		cfg.Set("publicDir", dir)

		testBlog, err = New(cfg, s.GetDBConnection())
		if err != nil {
			return err
		}

		return testBlog.Register(s)
	})
}

func request(tc *blogify.TestClient, method, endpoint string, body interface{}, status int) map[string]interface{} {
	data := map[string]interface{}{}
	var buf io.Reader
	if body != nil {
		buf = tc.JSONBuffer(body)
	}
	tc.Request(method, endpoint, buf, nil, func(resp *http.Response) {
		if status != http.StatusNoContent {
			tc.DecodeJSON(resp, &data)
		}
	}, status)

	return data
}

func list(tc *blogify.TestClient, endpoint string, status int) []map[string]interface{} {
	data := []map[string]interface{}{}
	tc.Request("GET", endpoint, nil, nil, func(resp *http.Response) {
		if status == http.StatusOK {
			tc.DecodeJSON(resp, &data)
		}
	}, status)

	return data
}

// Signs up and signs in a user. Returns a client with the token and the uuid of the user.
func newUser(username string) (*blogify.TestClient, string) {
	tc := blogify.NewTestClient(testServer.URL())

	user := request(tc, "POST", "/api/auth/signup", auth.SignupData{
		Username: username,
		Password: "correct horse",
		Name:     "Test " + username,
		Email:    username + "@example.com",
	}, http.StatusCreated)

	token := request(tc, "POST", "/api/auth/signin", auth.SigninData{
		Username: username,
		Password: "correct horse",
	}, http.StatusOK)

	tc.Token = token["token"].(string)

	return tc, user["uuid"].(string)
}

// Opens a push connection for the user of the client, and waits until it is registered.
func dialPush(ctx context.Context, tc *blogify.TestClient, id string) *websocket.Conn {
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(testServer.URL(), "http")+"/api/push", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tc.Token}},
	})
	So(err, ShouldBeNil)

	deadline := time.Now().Add(2 * time.Second)
	for testBlog.Push.Connections(id) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	So(testBlog.Push.Connections(id), ShouldEqual, 1)

	return conn
}

func readPush(ctx context.Context, conn *websocket.Conn) (string, map[string]interface{}) {
	m := struct {
		Event string                 `json:"e"`
		Data  map[string]interface{} `json:"d"`
	}{}
	So(wsjson.Read(ctx, conn, &m), ShouldBeNil)

	return m.Event, m.Data
}

func TestSchema(t *testing.T) {
	Convey("The schema should create the tables in order", t, func() {
		sql := testServer.Server.SchemaSQL()

		tables := []string{
			`CREATE TABLE "uploadable"`,
			`CREATE TABLE "user"`,
			`CREATE TABLE follows`,
			`CREATE TABLE "article"`,
			`CREATE TABLE article_categories`,
			`CREATE TABLE article_likes`,
			`CREATE TABLE "comment"`,
			`CREATE TABLE comment_likes`,
			`CREATE TABLE search_metadata`,
		}

		last := -1
		for _, table := range tables {
			pos := strings.Index(sql, table)
			So(pos, ShouldBeGreaterThan, last)
			last = pos
		}

		So(sql, ShouldContainSubstring, `CONSTRAINT user_username_key UNIQUE ("username")`)
		So(sql, ShouldContainSubstring, `REFERENCES "uploadable"("id") MATCH SIMPLE ON UPDATE RESTRICT ON DELETE SET NULL`)
		So(sql, ShouldContainSubstring, `"parentcomment" uuid,`)
	})
}

func TestArticleValidate(t *testing.T) {
	Convey("Categories should be normalized", t, func() {
		a := &Article{Categories: []string{" go", "web", "go ", "art"}}
		So(a.Validate(), ShouldBeNil)
		So(a.Categories, ShouldResemble, []string{"art", "go", "web"})

		a = &Article{}
		So(a.Validate(), ShouldBeNil)
		So(a.Categories, ShouldResemble, []string{})

		a = &Article{Categories: []string{"go", "  "}}
		So(a.Validate(), ShouldEqual, ErrInvalidCategory)
	})
}

func TestBuildTree(t *testing.T) {
	Convey("Given a comment thread", t, func() {
		parent := func(id string) *string { return &id }
		root := &Comment{UUID: "root", Content: "root"}
		a := &Comment{UUID: "a", Content: "a", ParentComment: parent("root")}
		b := &Comment{UUID: "b", Content: "b", ParentComment: parent("root")}
		c := &Comment{UUID: "c", Content: "c", ParentComment: parent("a")}
		children := map[string][]*Comment{
			"root": {a, b},
			"a":    {c},
		}

		Convey("The tree should be nested", func() {
			tree := buildTree(root, children, 5)
			So(tree["content"], ShouldEqual, "root")
			replies := tree["children"].([]map[string]interface{})
			So(replies, ShouldHaveLength, 2)
			So(replies[0]["content"], ShouldEqual, "a")
			So(replies[0]["children"], ShouldHaveLength, 1)
			So(replies[1]["children"], ShouldHaveLength, 0)
		})

		Convey("The depth should limit the tree", func() {
			tree := buildTree(root, children, 1)
			replies := tree["children"].([]map[string]interface{})
			So(replies, ShouldHaveLength, 2)
			So(replies[0], ShouldNotContainKey, "children")

			So(buildTree(root, children, 0), ShouldNotContainKey, "children")
		})
	})
}

func TestRestrictedEndpoints(t *testing.T) {
	Convey("Writing endpoints should require a user", t, func() {
		tc := blogify.NewTestClient(testServer.URL())
		id := uuid.NewString()

		tc.Request("POST", "/api/articles", tc.JSONBuffer(map[string]string{"title": "t"}), nil, nil, http.StatusUnauthorized)
		tc.Request("PATCH", "/api/articles/"+id, tc.JSONBuffer(map[string]string{"title": "t"}), nil, nil, http.StatusUnauthorized)
		tc.Request("DELETE", "/api/comments/"+id, nil, nil, nil, http.StatusUnauthorized)
		tc.Request("DELETE", "/api/users/"+id, nil, nil, nil, http.StatusUnauthorized)
		tc.Request("POST", "/api/articles/"+id+"/like", nil, nil, nil, http.StatusUnauthorized)
		tc.Request("GET", "/api/comments/"+id+"/like", nil, nil, nil, http.StatusUnauthorized)
		tc.Request("POST", "/api/users/"+id+"/follow", nil, nil, nil, http.StatusUnauthorized)
		tc.Request("POST", "/api/users/"+id+"/upload?target=profilePicture", nil, nil, nil, http.StatusUnauthorized)
	})

	Convey("The tree endpoint should validate its parameters", t, func() {
		tc := blogify.NewTestClient(testServer.URL())

		tc.Request("GET", "/api/comments/nothing/tree", nil, nil, nil, http.StatusBadRequest)
		tc.Request("GET", "/api/comments/"+uuid.NewString()+"/tree?depth=deep", nil, nil, nil, http.StatusBadRequest)
		tc.Request("GET", "/api/comments/"+uuid.NewString()+"/tree?depth=-1", nil, nil, nil, http.StatusBadRequest)
	})
}

func TestBlog(t *testing.T) {
	if !testServer.HasDB() {
		t.Skip("the test database is not configured")
	}

	Convey("Given two users and an article", t, func() {
		alice, aliceID := newUser("alice")
		bob, bobID := newUser("bob")

		article := request(alice, "POST", "/api/articles", map[string]interface{}{
			"title":      "Playing the xylophone",
			"content":    "A long story about mallets.",
			"summary":    "Mallets",
			"categories": []string{" music", "instruments", "music"},
		}, http.StatusCreated)
		articleID := article["uuid"].(string)

		So(article["createdBy"], ShouldEqual, aliceID)
		So(article["categories"], ShouldResemble, []interface{}{"instruments", "music"})
		So(article["likeCount"], ShouldEqual, float64(0))

		Convey("An article should not be written in the name of someone else", func() {
			request(alice, "POST", "/api/articles", map[string]interface{}{
				"title":     "Impostor",
				"content":   "text",
				"createdBy": bobID,
			}, http.StatusForbidden)
		})

		Convey("Only the author should change an article", func() {
			request(bob, "PATCH", "/api/articles/"+articleID, map[string]string{"title": "Hijacked"}, http.StatusForbidden)

			patched := request(alice, "PATCH", "/api/articles/"+articleID, map[string]interface{}{
				"title": "Playing the marimba",
			}, http.StatusOK)
			So(patched["title"], ShouldEqual, "Playing the marimba")
			So(patched["categories"], ShouldResemble, []interface{}{"instruments", "music"})

			request(alice, "PATCH", "/api/articles/"+articleID, map[string]interface{}{
				"createdBy": bobID,
			}, http.StatusBadRequest)
		})

		Convey("The articles should be listed", func() {
			So(list(alice, "/api/articles", http.StatusOK), ShouldHaveLength, 1)
			So(list(alice, "/api/articles?category=music", http.StatusOK), ShouldHaveLength, 1)
			So(list(alice, "/api/articles?category=cooking", http.StatusOK), ShouldHaveLength, 0)
			So(list(alice, "/api/users/"+aliceID+"/articles", http.StatusOK), ShouldHaveLength, 1)
			list(alice, "/api/users/"+bobID+"/articles", http.StatusNoContent)

			categories := list(alice, "/api/categories", http.StatusOK)
			So(categories, ShouldHaveLength, 2)
			So(categories[0]["articles"], ShouldEqual, float64(1))
		})

		Convey("The article should be liked and unliked", func() {
			res := request(bob, "POST", "/api/articles/"+articleID+"/like", nil, http.StatusOK)
			So(res["reason"], ShouldEqual, "article liked")

			bob.Request("GET", "/api/articles/"+articleID+"/like", nil, nil, func(resp *http.Response) {
				So(bob.ReadBody(resp, blogify.JSONPrefix), ShouldEqual, "true\n")
			}, http.StatusOK)

			So(request(bob, "GET", "/api/articles/"+articleID, nil, http.StatusOK)["likeCount"], ShouldEqual, float64(1))

			res = request(bob, "POST", "/api/articles/"+articleID+"/like", nil, http.StatusOK)
			So(res["reason"], ShouldEqual, "article unliked")
			So(request(bob, "GET", "/api/articles/"+articleID, nil, http.StatusOK)["likeCount"], ShouldEqual, float64(0))

			request(bob, "POST", "/api/articles/"+uuid.NewString()+"/like", nil, http.StatusNotFound)
		})

		Convey("Given a comment", func() {
			comment := request(bob, "POST", "/api/comments", map[string]interface{}{
				"article": articleID,
				"content": "Nice one",
			}, http.StatusCreated)
			commentID := comment["uuid"].(string)
			So(comment["commenter"], ShouldEqual, bobID)
			So(comment["parentComment"], ShouldBeNil)

			reply := request(alice, "POST", "/api/comments", map[string]interface{}{
				"article":       articleID,
				"parentComment": commentID,
				"content":       "Thanks",
			}, http.StatusCreated)

			Convey("Only the top level comments should be listed for the article", func() {
				comments := list(alice, "/api/articles/"+articleID+"/comments", http.StatusOK)
				So(comments, ShouldHaveLength, 1)
				So(comments[0]["uuid"], ShouldEqual, commentID)
			})

			Convey("The replies should be returned as a tree", func() {
				tree := request(alice, "GET", "/api/comments/"+commentID+"/tree", nil, http.StatusOK)
				children := tree["children"].([]interface{})
				So(children, ShouldHaveLength, 1)
				So(children[0].(map[string]interface{})["uuid"], ShouldEqual, reply["uuid"])

				tree = request(alice, "GET", "/api/comments/"+commentID+"/tree?depth=0", nil, http.StatusOK)
				So(tree, ShouldNotContainKey, "children")
			})

			Convey("A reply should belong to the article of its parent", func() {
				other := request(bob, "POST", "/api/articles", map[string]interface{}{
					"title":   "Other",
					"content": "text",
				}, http.StatusCreated)

				request(alice, "POST", "/api/comments", map[string]interface{}{
					"article":       other["uuid"],
					"parentComment": commentID,
					"content":       "Lost",
				}, http.StatusBadRequest)
			})

			Convey("The comment should be liked", func() {
				res := request(alice, "POST", "/api/comments/"+commentID+"/like", nil, http.StatusOK)
				So(res["reason"], ShouldEqual, "comment liked")
				So(request(alice, "GET", "/api/comments/"+commentID, nil, http.StatusOK)["likeCount"], ShouldEqual, float64(1))
			})

			Convey("Only the commenter should change the comment", func() {
				request(alice, "PATCH", "/api/comments/"+commentID, map[string]string{"content": "Bad one"}, http.StatusForbidden)
				request(bob, "PATCH", "/api/comments/"+commentID, map[string]string{"content": "Great one"}, http.StatusOK)
				request(alice, "DELETE", "/api/comments/"+commentID, nil, http.StatusForbidden)
				request(bob, "DELETE", "/api/comments/"+commentID, nil, http.StatusNoContent)
				request(bob, "GET", "/api/comments/"+reply["uuid"].(string), nil, http.StatusNotFound)
			})
		})

		Convey("Computed properties should not be taken from the client", func() {
			posted := request(alice, "POST", "/api/articles", map[string]interface{}{
				"title":     "Popular",
				"content":   "text",
				"likeCount": 7,
			}, http.StatusCreated)
			So(posted["likeCount"], ShouldEqual, float64(0))
			So(request(bob, "GET", "/api/articles/"+posted["uuid"].(string), nil, http.StatusOK)["likeCount"], ShouldEqual, float64(0))

			comment := request(bob, "POST", "/api/comments", map[string]interface{}{
				"article":   articleID,
				"content":   "first",
				"likeCount": 3,
			}, http.StatusCreated)
			So(comment["likeCount"], ShouldEqual, float64(0))
		})

		Convey("The activity should be pushed to the followers", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			aliceConn := dialPush(ctx, alice, aliceID)
			defer aliceConn.CloseNow()
			bobConn := dialPush(ctx, bob, bobID)
			defer bobConn.CloseNow()

			request(bob, "POST", "/api/users/"+aliceID+"/follow", nil, http.StatusOK)
			event, data := readPush(ctx, aliceConn)
			So(event, ShouldEqual, "NOTIFICATION_CREATE")
			So(data["type"], ShouldEqual, "follow")
			So(data["emitter"], ShouldEqual, bobID)
			So(data["source"], ShouldEqual, aliceID)

			posted := request(alice, "POST", "/api/articles", map[string]interface{}{
				"title":   "Tuning a glockenspiel",
				"content": "text",
			}, http.StatusCreated)
			event, data = readPush(ctx, bobConn)
			So(event, ShouldEqual, "ARTICLE_CREATE")
			So(data["uuid"], ShouldEqual, posted["uuid"])
			So(data["createdBy"], ShouldEqual, aliceID)
			So(data, ShouldNotContainKey, "content")

			comment := request(alice, "POST", "/api/comments", map[string]interface{}{
				"article": articleID,
				"content": "Any questions?",
			}, http.StatusCreated)
			event, data = readPush(ctx, bobConn)
			So(event, ShouldEqual, "COMMENT_CREATE")
			So(data["uuid"], ShouldEqual, comment["uuid"])
			So(data["commenter"], ShouldEqual, aliceID)

			reply := request(bob, "POST", "/api/comments", map[string]interface{}{
				"article":       articleID,
				"parentComment": comment["uuid"],
				"content":       "Yes",
			}, http.StatusCreated)
			event, data = readPush(ctx, aliceConn)
			So(event, ShouldEqual, "COMMENT_CREATE")
			So(data["uuid"], ShouldEqual, reply["uuid"])
		})

		Convey("Users should follow each other", func() {
			res := request(alice, "POST", "/api/users/"+bobID+"/follow", nil, http.StatusOK)
			So(res["following"], ShouldBeTrue)

			followers := list(alice, "/api/users/"+bobID+"/followers", http.StatusOK)
			So(followers, ShouldHaveLength, 1)
			So(followers[0]["uuid"], ShouldEqual, aliceID)
			So(list(alice, "/api/users/"+aliceID+"/following", http.StatusOK)[0]["uuid"], ShouldEqual, bobID)

			request(alice, "POST", "/api/users/"+aliceID+"/follow", nil, http.StatusBadRequest)
			request(alice, "POST", "/api/users/"+uuid.NewString()+"/follow", nil, http.StatusNotFound)

			res = request(alice, "POST", "/api/users/"+bobID+"/follow", nil, http.StatusOK)
			So(res["following"], ShouldBeFalse)
			list(alice, "/api/users/"+bobID+"/followers", http.StatusNoContent)
		})

		Convey("Users should be found by their usernames", func() {
			user := request(bob, "GET", "/api/usernames/alice", nil, http.StatusOK)
			So(user["uuid"], ShouldEqual, aliceID)
			So(user, ShouldNotContainKey, "password")

			So(list(bob, "/api/usernames/alice/articles", http.StatusOK), ShouldHaveLength, 1)
			request(bob, "GET", "/api/usernames/nobody", nil, http.StatusNotFound)
		})

		Convey("Users should only change themselves", func() {
			request(bob, "PATCH", "/api/users/"+aliceID, map[string]string{"name": "Eve"}, http.StatusForbidden)
			So(request(alice, "PATCH", "/api/users/"+aliceID, map[string]string{"name": "Alice Liddell"}, http.StatusOK)["name"], ShouldEqual, "Alice Liddell")
			request(alice, "PATCH", "/api/users/"+aliceID, map[string]bool{"isAdmin": true}, http.StatusBadRequest)
			request(alice, "PATCH", "/api/users/"+aliceID, map[string]string{"password": "plaintext"}, http.StatusBadRequest)
			request(alice, "PATCH", "/api/users/"+aliceID, map[string]string{"username": "bob"}, http.StatusConflict)
		})

		Convey("The articles and the users should be searchable", func() {
			results := list(bob, "/api/search/articles?q=xylophone", http.StatusOK)
			So(results, ShouldHaveLength, 1)
			So(results[0]["uuid"], ShouldEqual, articleID)

			So(list(bob, "/api/search/articles?q=xylophone&byUser="+bobID, http.StatusOK), ShouldHaveLength, 0)
			So(list(bob, "/api/search/users?q=alice", http.StatusOK)[0]["uuid"], ShouldEqual, aliceID)

			Convey("The index should be rebuilt", func() {
				count, err := testBlog.Reindex(context.Background(), testServer.Server.GetDBConnection())
				So(err, ShouldBeNil)
				So(count, ShouldEqual, 3)
				So(list(bob, "/api/search/articles?q=mallets", http.StatusOK), ShouldHaveLength, 1)
			})

			Convey("A deleted article should be removed from the index", func() {
				request(alice, "DELETE", "/api/articles/"+articleID, nil, http.StatusNoContent)
				So(list(bob, "/api/search/articles?q=xylophone", http.StatusOK), ShouldHaveLength, 0)
			})
		})

		Convey("An admin should delete anything", func() {
			request(bob, "DELETE", "/api/articles/"+articleID, nil, http.StatusForbidden)
			request(bob, "DELETE", "/api/users/"+aliceID, nil, http.StatusForbidden)

			_, err := testServer.Server.GetDBConnection().Exec(`UPDATE "user" SET isadmin = true WHERE uuid = $1`, bobID)
			So(err, ShouldBeNil)

			request(bob, "DELETE", "/api/articles/"+articleID, nil, http.StatusNoContent)
			request(bob, "GET", "/api/articles/"+articleID, nil, http.StatusNotFound)
			request(bob, "DELETE", "/api/users/"+aliceID, nil, http.StatusNoContent)
			request(bob, "GET", "/api/users/"+aliceID, nil, http.StatusNotFound)
		})

		Convey("A user should delete itself", func() {
			request(alice, "DELETE", "/api/users/"+aliceID, nil, http.StatusNoContent)
			request(bob, "GET", "/api/articles/"+articleID, nil, http.StatusNotFound)
			So(list(bob, "/api/search/users?q=alice", http.StatusOK), ShouldHaveLength, 0)
		})

		Reset(func() {
			db := testServer.Server.GetDBConnection()
			db.Exec(`DELETE FROM "user"`)
			testBlog.Search.PurgeIndex(context.Background(), db)
		})
	})
}
