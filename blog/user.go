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
	"net/http"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/services/auth"
	"github.com/aridwiprayogo/blogify/services/search"
	"github.com/aridwiprayogo/blogify/services/static"
	"github.com/aridwiprayogo/blogify/util"
)

var _ blogify.Entity = &User{}

type User struct {
	UUID           string        `json:"uuid" dbtype:"uuid" dbdefault:"uuid_generate_v4()"`
	Username       string        `json:"username" dbunique:"true" check:"[a-zA-Z0-9_.-]{3,32}"`
	Password       string        `json:"password" noslice:"true"`
	Name           string        `json:"name"`
	Email          string        `json:"email" nosearch:"true" check:"([^@\\s]+@[^@\\s]+)?"`
	ProfilePicture static.Handle `json:"profilePicture" dbnull:"true" dbforeign:"uploadable.id,profilepicture,restrict,set null" readonly:"true" type:"image/*" maxsize:"4194304"`
	CoverPicture   static.Handle `json:"coverPicture" dbnull:"true" dbforeign:"uploadable.id,coverpicture,restrict,set null" readonly:"true" type:"image/*" maxsize:"4194304"`
	IsAdmin        bool          `json:"isAdmin" dbdefault:"false" readonly:"true"`
}

func (u *User) GetID() string {
	return u.UUID
}

var userConstraintMessages = map[string]string{
	"user_username_key": "username is taken",
}

const followsSchema = `
CREATE TABLE follows(
	follower uuid NOT NULL,
	following uuid NOT NULL,
	CONSTRAINT follows_follower_fkey FOREIGN KEY (follower) REFERENCES "user"(uuid) MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE,
	CONSTRAINT follows_following_fkey FOREIGN KEY (following) REFERENCES "user"(uuid) MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE,
	CONSTRAINT follows_self_check CHECK (follower <> following),
	CONSTRAINT follows_pkey PRIMARY KEY (following, follower)
);
`

type userSchema struct{}

func (userSchema) SchemaSQL() string {
	return followsSchema
}

func (userSchema) SchemaInstalled(db blogify.DB) bool {
	return blogify.TableExists(db, "follows")
}

type userLister struct {
	b *Blog
}

func (l userLister) List(r *http.Request, start, limit int) (string, []interface{}) {
	return "SELECT " + l.b.ec.FieldList("user") + ` FROM "user" u ORDER BY u.username LIMIT $1 OFFSET $2`,
		[]interface{}{limit, start}
}

func (b *Blog) userResource() *blogify.ResourceController {
	res := blogify.EntityResource(b.ec, &User{}, blogify.EntityResourceConfig{
		Name:              "users",
		DisablePost:       true,
		PatchMiddlewares:  []func(http.Handler) http.Handler{b.Auth.LoggedInMiddleware},
		DeleteMiddlewares: []func(http.Handler) http.Handler{b.Auth.LoggedInMiddleware},
		Predicates: map[blogify.Operation]blogify.AuthPredicate{
			blogify.OperationPatch:  b.isSelf,
			blogify.OperationDelete: b.isSelfOrAdmin,
		},
		EntityResourceLister:      userLister{b: b},
		EntityResourceExtraSchema: userSchema{},
	})

	res.ExtraEndpoints = func(srv *blogify.Server) error {
		srv.GetF("/api/usernames/:username", b.usernameHandler)
		srv.GetF("/api/usernames/:username/articles", b.usernameArticlesHandler)
		srv.Get("/api/users/:id/articles", blogify.RelatedList(b.userArticles))
		srv.Get("/api/users/:id/followers", blogify.RelatedList(b.followers))
		srv.Get("/api/users/:id/following", blogify.RelatedList(b.following))
		srv.Post("/api/users/:id/follow", http.HandlerFunc(b.followHandler), b.Auth.LoggedInMiddleware, blogify.TransactionMiddleware)
		srv.Get("/api/users/:id/follow", http.HandlerFunc(b.isFollowingHandler), b.Auth.LoggedInMiddleware)

		return nil
	}

	return res
}

func (b *Blog) loadUserByName(db blogify.DB, username string) (*User, error) {
	users, err := b.ec.LoadFromQuery(db, "user", "SELECT "+b.ec.FieldList("user")+` FROM "user" u WHERE u.username = $1`, username)
	if err != nil || len(users) == 0 {
		return nil, err
	}

	return users[0].(*User), nil
}

func (b *Blog) usernameHandler(w http.ResponseWriter, r *http.Request) {
	u, err := b.loadUserByName(blogify.GetDB(r), blogify.GetParams(r).ByName("username"))
	blogify.MaybeFailDB(err)
	if u == nil {
		blogify.Fail(http.StatusNotFound, nil)
	}

	blogify.SliceFormatter{}.FormatSingle(r, u, blogify.Render(r))
}

func (b *Blog) usernameArticlesHandler(w http.ResponseWriter, r *http.Request) {
	db := blogify.GetDB(r)

	u, err := b.loadUserByName(db, blogify.GetParams(r).ByName("username"))
	blogify.MaybeFailDB(err)
	if u == nil {
		blogify.Fail(http.StatusNotFound, nil)
	}

	articles, err := b.userArticles(r, u.UUID)
	blogify.MaybeFailDB(err)
	if len(articles) == 0 {
		blogify.Render(r).SetCode(http.StatusNoContent)
		return
	}

	blogify.SliceFormatter{}.FormatMulti(r, articles, blogify.Render(r))
}

func (b *Blog) relatedUsers(r *http.Request, query, id string) ([]blogify.Resource, error) {
	limit := blogify.PageLength(r, 25)
	start := blogify.Pager(r, limit)

	users, err := b.ec.LoadFromQuery(blogify.GetDB(r), "user",
		"SELECT "+b.ec.FieldList("user")+` FROM "user" u `+query+" ORDER BY u.username LIMIT $2 OFFSET $3",
		id, limit, start)

	return blogify.EntitiesToResources(users), err
}

func (b *Blog) followers(r *http.Request, id string) ([]blogify.Resource, error) {
	return b.relatedUsers(r, "JOIN follows f ON f.follower = u.uuid WHERE f.following = $1", id)
}

func (b *Blog) following(r *http.Request, id string) ([]blogify.Resource, error) {
	return b.relatedUsers(r, "JOIN follows f ON f.following = u.uuid WHERE f.follower = $1", id)
}

// Checks if follower follows following.
func IsFollowing(db blogify.DB, follower, following string) (bool, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM follows WHERE follower = $1 AND following = $2)", follower, following).Scan(&exists)
	return exists, err
}

// Follows a user, or unfollows it if it is already followed. Returns the new state.
func ToggleFollow(db blogify.DB, follower, following string) (bool, error) {
	res, err := db.Exec("DELETE FROM follows WHERE follower = $1 AND following = $2", follower, following)
	if err != nil {
		return false, err
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	_, err = db.Exec("INSERT INTO follows(follower, following) VALUES($1, $2)", follower, following)
	return err == nil, err
}

func (b *Blog) followHandler(w http.ResponseWriter, r *http.Request) {
	id := blogify.UUIDParam(r, "id")
	current := auth.CurrentUser(r)
	if id == current {
		blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "users cannot follow themselves"))
	}

	db := blogify.GetDB(r)

	u, err := b.ec.Load(db, "user", id)
	blogify.MaybeFailDB(err)
	if u == nil {
		blogify.Fail(http.StatusNotFound, nil)
	}

	following, err := ToggleFollow(db, current, id)
	blogify.MaybeFailDB(err)

	reason := "user unfollowed"
	if following {
		reason = "user followed"
		b.notifyFollow(r, id)
	}

	blogify.Render(r).JSON(map[string]interface{}{
		"reason":    reason,
		"following": following,
	})
}

func (b *Blog) isFollowingHandler(w http.ResponseWriter, r *http.Request) {
	id := blogify.UUIDParam(r, "id")

	following, err := IsFollowing(blogify.GetDB(r), auth.CurrentUser(r), id)
	blogify.MaybeFailDB(err)

	blogify.Render(r).JSON(following)
}

var _ auth.UserDelegate = &userDelegate{}

type userDelegate struct {
	b *Blog
}

func (d *userDelegate) LoadCredentials(r *http.Request, username string) (string, string, error) {
	var uuid, hash string
	err := blogify.GetDB(r).QueryRow(`SELECT uuid, password FROM "user" WHERE username = $1`, username).Scan(&uuid, &hash)
	return uuid, hash, err
}

func (d *userDelegate) CreateUser(r *http.Request, data *auth.SignupData, hash string) (blogify.Resource, error) {
	u := &User{
		Username: data.Username,
		Password: hash,
		Name:     data.Name,
		Email:    data.Email,
	}

	if err := blogify.Verify(u); err != nil {
		return nil, err
	}

	if err := d.b.ec.Insert(blogify.GetDB(r), u); err != nil {
		return nil, blogify.ConvertDBError(err, blogify.ConstraintErrorConverter(userConstraintMessages))
	}

	return u, nil
}

func (d *userDelegate) UserExists(r *http.Request, uuid string) (bool, error) {
	var exists bool
	err := blogify.GetDB(r).QueryRow(`SELECT EXISTS(SELECT 1 FROM "user" WHERE uuid = $1)`, uuid).Scan(&exists)
	return exists, err
}

var _ static.UploadDelegate = &userUploadDelegate{}

type userUploadDelegate struct {
	b *Blog
}

func (d *userUploadDelegate) Load(id string, r *http.Request) (blogify.Resource, error) {
	u, err := d.b.ec.Load(blogify.GetDB(r), "user", id)
	if u == nil {
		return nil, err
	}

	return u, err
}

func (d *userUploadDelegate) Update(data blogify.Resource, r *http.Request) error {
	return d.b.ec.Update(blogify.GetDB(r), data.(*User))
}

var _ search.Delegate = &userSearchDelegate{}

type userSearchDelegate struct {
	b *Blog
}

func (d *userSearchDelegate) IndexEntity(e blogify.Entity) []search.IndexData {
	u := e.(*User)
	return search.IndexDataFromResource("en", u, map[string]float64{
		"username": 1,
		"name":     0.8,
	}, u.UUID)
}

func (d *userSearchDelegate) LoadEntities(db blogify.DB, uuids []string) ([]blogify.Entity, error) {
	return d.b.ec.LoadFromQuery(db, "user",
		"SELECT "+d.b.ec.FieldList("user")+` FROM "user" u WHERE u.uuid IN (`+util.GeneratePlaceholders(1, uint(len(uuids))+1)+")",
		util.StringSliceToInterfaceSlice(uuids)...)
}
