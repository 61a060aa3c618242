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

/*
The blog: users, articles, comments, likes and follows.

Every resource has the generic CRUD endpoints (see blogify.ResourceController), with these restrictions:

- users are created with the signup endpoint of the auth service. A user can only change itself, and can be deleted by itself or by an admin.

- articles and comments can be created by the logged in users, changed by their authors, and deleted by their authors or by an admin.

Articles and users are indexed by the search service.

New articles and comments are pushed to the followers of their authors (see the push service).
The author of the article and of the parent comment get new comments too, and users are notified when someone follows them.
*/
package blog

import (
	"context"
	"net/http"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/services/auth"
	"github.com/aridwiprayogo/blogify/services/push"
	"github.com/aridwiprayogo/blogify/services/search"
	"github.com/aridwiprayogo/blogify/services/static"
	"github.com/spf13/viper"
)

const (
	DefaultTreeDepth = 5
	MaxTreeDepth     = 20
)

type Blog struct {
	ec     *blogify.EntityController
	Auth   *auth.Service
	Search *search.Service
	Static *static.Service
	Push   *push.Service
}

// Creates the blog with its services from the configuration.
//
// Config values: secret, tokenTTL (auth), publicDir (uploads), search.cacheTTL and redis.* (search cache), push.* (websockets).
func New(cfg *viper.Viper, db blogify.DB) (*Blog, error) {
	tokens, err := auth.TokensFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := static.NewFileStore(cfg.GetString("publicDir"))
	if err != nil {
		return nil, err
	}

	b := &Blog{
		ec:     blogify.NewEntityController(db),
		Search: search.NewService(search.CacheFromConfig(cfg)),
		Static: static.NewService(db, store),
	}
	b.Auth = auth.NewService(tokens, &userDelegate{b: b})
	b.Push = push.ServiceFromConfig(cfg, b.Auth)

	b.ec.
		Add(&User{}, nil).
		Add(&Article{}, nil).
		Add(&Comment{}, nil)

	b.Search.
		AddDelegate("users", &userSearchDelegate{b: b}).
		AddDelegate("articles", &articleSearchDelegate{b: b})

	b.ec.AddReadEvent("article", blogify.EntityReadEventCallback{AfterCallback: b.loadArticleExtras})
	b.ec.AddReadEvent("comment", blogify.EntityReadEventCallback{AfterCallback: b.loadCommentLikes})

	b.ec.AddInsertEvent("article", blogify.EntityWriteEventCallback{AfterCallback: b.saveCategories}, b.Search.IndexEvent("articles"))
	b.ec.AddUpdateEvent("article", blogify.EntityWriteEventCallback{AfterCallback: b.saveCategories}, b.Search.IndexEvent("articles"))
	b.ec.AddDeleteEvent("article", b.Search.RemoveEvent())

	b.ec.AddInsertEvent("user", b.Search.IndexEvent("users"))
	b.ec.AddUpdateEvent("user", b.Search.IndexEvent("users"))
	b.ec.AddDeleteEvent("user", blogify.EntityWriteEventCallback{
		BeforeCallback: func(db blogify.DB, entityType string, e blogify.Entity) error {
			return b.Search.RemoveOwner(context.Background(), db, e.GetID())
		},
	}, b.Search.RemoveEvent())

	return b, nil
}

// Registers the services of the blog.
func (b *Blog) Register(s *blogify.Server) error {
	for _, svc := range []blogify.Service{
		b.Static,
		b.userResource(),
		b.articleResource(),
		b.commentResource(),
		b.Auth,
		b.Push,
		b.Search,
		b.Static.UploadTarget("users", &userUploadDelegate{b: b}, b.Auth.LoggedInMiddleware).Authorize(b.isSelf),
	} {
		if err := s.RegisterService(svc); err != nil {
			return err
		}
	}

	return nil
}

// Sets up the blog on a server.
func Configure(cfg *viper.Viper, s *blogify.Server) error {
	b, err := New(cfg, s.GetDBConnection())
	if err != nil {
		return err
	}

	return b.Register(s)
}

// Rebuilds the search index from the database.
func (b *Blog) Reindex(ctx context.Context, db blogify.DB) (int, error) {
	if err := b.Search.PurgeIndex(ctx, db); err != nil {
		return 0, err
	}

	count := 0

	users, err := b.ec.LoadFromQuery(db, "user", "SELECT "+b.ec.FieldList("user")+` FROM "user" u`)
	if err != nil {
		return count, err
	}
	for _, u := range users {
		if err = b.Search.IndexEntity(ctx, db, "users", u); err != nil {
			return count, err
		}
		count++
	}

	articles, err := b.ec.LoadFromQuery(db, "article", "SELECT "+b.ec.FieldList("article")+` FROM "article" a`)
	if err != nil {
		return count, err
	}
	for _, a := range articles {
		if err = b.Search.IndexEntity(ctx, db, "articles", a); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

// Checks if the logged in user is an admin.
func (b *Blog) isAdmin(r *http.Request) bool {
	uuid := auth.CurrentUser(r)
	if uuid == "" {
		return false
	}

	u, err := b.ec.Load(blogify.GetDB(r), "user", uuid)
	blogify.MaybeFailDB(err)

	return u != nil && u.(*User).IsAdmin
}

// Allows the request if the resource is the logged in user.
func (b *Blog) isSelf(r *http.Request, res blogify.Resource) bool {
	u, ok := res.(*User)
	return ok && u.UUID == auth.CurrentUser(r)
}

func (b *Blog) isSelfOrAdmin(r *http.Request, res blogify.Resource) bool {
	return b.isSelf(r, res) || b.isAdmin(r)
}
