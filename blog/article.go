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
	"sort"
	"strings"
	"time"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/services/auth"
	"github.com/aridwiprayogo/blogify/services/search"
	"github.com/aridwiprayogo/blogify/util"
)

var ErrInvalidCategory = blogify.NewVerboseError("invalid category", "categories must not be empty")

var _ blogify.Entity = &Article{}
var _ blogify.Validator = &Article{}

type Article struct {
	UUID       string    `json:"uuid" dbtype:"uuid" dbdefault:"uuid_generate_v4()"`
	Title      string    `json:"title" check:".{1,255}"`
	CreatedAt  time.Time `json:"createdAt" dbdefault:"now()" readonly:"true"`
	CreatedBy  string    `json:"createdBy" dbtype:"uuid" dbforeign:"user.uuid,createdby" readonly:"true"`
	Content    string    `json:"content" check:"(?s).+"`
	Summary    string    `json:"summary"`
	Categories []string  `json:"categories" nodb:"true"`
	LikeCount  int       `json:"likeCount" nodb:"true" readonly:"true"`
}

func (a *Article) GetID() string {
	return a.UUID
}

// Normalizes the categories: trimmed, unique and sorted.
func (a *Article) Validate() error {
	seen := map[string]bool{}
	categories := []string{}
	for _, c := range a.Categories {
		c = strings.TrimSpace(c)
		if c == "" {
			return ErrInvalidCategory
		}
		if !seen[c] {
			seen[c] = true
			categories = append(categories, c)
		}
	}

	sort.Strings(categories)
	a.Categories = categories

	return nil
}

const articleSchema = `
CREATE TABLE article_categories(
	article uuid NOT NULL,
	name character varying NOT NULL,
	CONSTRAINT article_categories_article_fkey FOREIGN KEY (article) REFERENCES "article"(uuid) MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE,
	CONSTRAINT article_categories_pkey PRIMARY KEY (article, name)
);

CREATE INDEX article_categories_name_idx ON article_categories(name);

CREATE TABLE article_likes(
	"user" uuid NOT NULL,
	article uuid NOT NULL,
	CONSTRAINT article_likes_user_fkey FOREIGN KEY ("user") REFERENCES "user"(uuid) MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE,
	CONSTRAINT article_likes_article_fkey FOREIGN KEY (article) REFERENCES "article"(uuid) MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE,
	CONSTRAINT article_likes_pkey PRIMARY KEY ("user", article)
);
`

type articleSchemaSQL struct{}

func (articleSchemaSQL) SchemaSQL() string {
	return articleSchema
}

func (articleSchemaSQL) SchemaInstalled(db blogify.DB) bool {
	return blogify.TableExists(db, "article_categories") && blogify.TableExists(db, "article_likes")
}

type articleLister struct {
	b *Blog
}

// Lists the articles, newest first. The "category" query filters by category.
func (l articleLister) List(r *http.Request, start, limit int) (string, []interface{}) {
	query := "SELECT " + l.b.ec.FieldList("article") + ` FROM "article" a`
	args := []interface{}{limit, start}

	if category := r.URL.Query().Get("category"); category != "" {
		query += " WHERE EXISTS(SELECT 1 FROM article_categories ac WHERE ac.article = a.uuid AND ac.name = $3)"
		args = append(args, category)
	}

	return query + " ORDER BY a.createdat DESC LIMIT $1 OFFSET $2", args
}

// Allows the request if the article is written by the logged in user.
func (b *Blog) isAuthor(r *http.Request, res blogify.Resource) bool {
	a, ok := res.(*Article)
	return ok && a.CreatedBy == auth.CurrentUser(r)
}

func (b *Blog) isAuthorOrAdmin(r *http.Request, res blogify.Resource) bool {
	return b.isAuthor(r, res) || b.isAdmin(r)
}

func (b *Blog) articleResource() *blogify.ResourceController {
	loggedIn := []func(http.Handler) http.Handler{b.Auth.LoggedInMiddleware}

	res := blogify.EntityResource(b.ec, &Article{}, blogify.EntityResourceConfig{
		Name: "articles",
		Validator: func(data blogify.Resource, r *http.Request) {
			if a := data.(*Article); a.CreatedBy == "" {
				a.CreatedBy = auth.CurrentUser(r)
			}
		},
		PostMiddlewares:   loggedIn,
		PatchMiddlewares:  loggedIn,
		DeleteMiddlewares: loggedIn,
		Predicates: map[blogify.Operation]blogify.AuthPredicate{
			blogify.OperationPost:   b.isAuthor,
			blogify.OperationPatch:  b.isAuthor,
			blogify.OperationDelete: b.isAuthorOrAdmin,
		},
		EntityResourceLister:      articleLister{b: b},
		EntityResourceExtraSchema: articleSchemaSQL{},
	})

	res.AddPostEvent(blogify.ClearProperties("likeCount"), blogify.CommittedEvent(b.pushArticle))

	res.ExtraEndpoints = func(srv *blogify.Server) error {
		liked, toggle := b.likeHandlers("article", "article_likes")
		srv.Get("/api/articles/:id/comments", blogify.RelatedList(b.articleComments))
		srv.Get("/api/articles/:id/like", liked, b.Auth.LoggedInMiddleware)
		srv.Post("/api/articles/:id/like", toggle, b.Auth.LoggedInMiddleware, blogify.TransactionMiddleware)
		srv.GetF("/api/categories", b.categoriesHandler)

		return nil
	}

	return res
}

func (b *Blog) userArticles(r *http.Request, id string) ([]blogify.Resource, error) {
	limit := blogify.PageLength(r, 25)
	start := blogify.Pager(r, limit)

	articles, err := b.ec.LoadFromQuery(blogify.GetDB(r), "article",
		"SELECT "+b.ec.FieldList("article")+` FROM "article" a WHERE a.createdby = $1 ORDER BY a.createdat DESC LIMIT $2 OFFSET $3`,
		id, limit, start)

	return blogify.EntitiesToResources(articles), err
}

// Loads the categories and the like counts of the articles.
func (b *Blog) loadArticleExtras(db blogify.DB, entityType string, entities []blogify.Entity, err error) ([]blogify.Entity, error) {
	if err != nil || len(entities) == 0 {
		return entities, err
	}

	articles := make(map[string]*Article, len(entities))
	ids := make([]string, len(entities))
	for i, e := range entities {
		a := e.(*Article)
		a.Categories = []string{}
		articles[a.UUID] = a
		ids[i] = a.UUID
	}

	placeholders := util.GeneratePlaceholders(1, uint(len(ids))+1)
	args := util.StringSliceToInterfaceSlice(ids)

	rows, err := db.Query("SELECT article, name FROM article_categories WHERE article IN ("+placeholders+") ORDER BY name", args...)
	if err != nil {
		return entities, err
	}
	for rows.Next() {
		var id, name string
		if err = rows.Scan(&id, &name); err != nil {
			rows.Close()
			return entities, err
		}
		articles[id].Categories = append(articles[id].Categories, name)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return entities, err
	}

	return entities, loadCounts(db, "SELECT article, COUNT(*) FROM article_likes WHERE article IN ("+placeholders+") GROUP BY article", args, func(id string, count int) {
		articles[id].LikeCount = count
	})
}

// Runs a query returning (uuid, count) rows.
func loadCounts(db blogify.DB, query string, args []interface{}, set func(id string, count int)) error {
	rows, err := db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var count int
		if err = rows.Scan(&id, &count); err != nil {
			return err
		}
		set(id, count)
	}

	return rows.Err()
}

// Replaces the stored categories of an article.
func (b *Blog) saveCategories(db blogify.DB, entityType string, e blogify.Entity) error {
	a := e.(*Article)

	if _, err := db.Exec("DELETE FROM article_categories WHERE article = $1", a.UUID); err != nil {
		return err
	}

	if a.Categories == nil {
		a.Categories = []string{}
	}

	if len(a.Categories) == 0 {
		return nil
	}

	values := make([]string, len(a.Categories))
	args := []interface{}{a.UUID}
	for i, c := range a.Categories {
		values[i] = "($1, " + util.GeneratePlaceholders(uint(i)+2, uint(i)+3) + ")"
		args = append(args, c)
	}

	_, err := db.Exec("INSERT INTO article_categories(article, name) VALUES "+strings.Join(values, ", "), args...)
	return err
}

func (b *Blog) categoriesHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := blogify.GetDB(r).Query("SELECT name, COUNT(*) FROM article_categories GROUP BY name ORDER BY COUNT(*) DESC, name")
	blogify.MaybeFailDB(err)
	defer rows.Close()

	type category struct {
		Name     string `json:"name"`
		Articles int    `json:"articles"`
	}

	categories := []category{}
	for rows.Next() {
		c := category{}
		blogify.MaybeFailDB(rows.Scan(&c.Name, &c.Articles))
		categories = append(categories, c)
	}
	blogify.MaybeFailDB(rows.Err())

	blogify.Render(r).JSON(categories)
}

// Checks if a user likes a row in a like table.
func liked(db blogify.DB, table, column, user, id string) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE "user" = $1 AND `+column+` = $2)`, user, id).Scan(&exists)
	return exists, err
}

// Likes a row, or removes the like if it exists. Returns the new state.
func toggleLike(db blogify.DB, table, column, user, id string) (bool, error) {
	res, err := db.Exec(`DELETE FROM `+table+` WHERE "user" = $1 AND `+column+` = $2`, user, id)
	if err != nil {
		return false, err
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	_, err = db.Exec(`INSERT INTO `+table+`("user", `+column+`) VALUES($1, $2)`, user, id)
	return err == nil, err
}

// Handlers for the like endpoints of an entity type.
//
// GET returns if the logged in user likes the entity, POST toggles the like.
func (b *Blog) likeHandlers(entityType, table string) (http.HandlerFunc, http.HandlerFunc) {
	load := func(r *http.Request) string {
		id := blogify.UUIDParam(r, "id")
		e, err := b.ec.Load(blogify.GetDB(r), entityType, id)
		blogify.MaybeFailDB(err)
		if e == nil {
			blogify.Fail(http.StatusNotFound, nil)
		}

		return id
	}

	get := func(w http.ResponseWriter, r *http.Request) {
		id := load(r)

		l, err := liked(blogify.GetDB(r), table, entityType, auth.CurrentUser(r), id)
		blogify.MaybeFailDB(err)

		blogify.Render(r).JSON(l)
	}

	toggle := func(w http.ResponseWriter, r *http.Request) {
		id := load(r)

		l, err := toggleLike(blogify.GetDB(r), table, entityType, auth.CurrentUser(r), id)
		blogify.MaybeFailDB(err)

		reason := entityType + " unliked"
		if l {
			reason = entityType + " liked"
		}

		blogify.Render(r).JSON(map[string]interface{}{
			"reason": reason,
			"liked":  l,
		})
	}

	return get, toggle
}

var _ search.Delegate = &articleSearchDelegate{}

type articleSearchDelegate struct {
	b *Blog
}

func (d *articleSearchDelegate) IndexEntity(e blogify.Entity) []search.IndexData {
	a := e.(*Article)
	return search.IndexDataFromResource("en", a, map[string]float64{
		"title":      0.8,
		"categories": 0.6,
		"summary":    0.5,
		"content":    0.3,
	}, a.CreatedBy)
}

func (d *articleSearchDelegate) LoadEntities(db blogify.DB, uuids []string) ([]blogify.Entity, error) {
	return d.b.ec.LoadFromQuery(db, "article",
		"SELECT "+d.b.ec.FieldList("article")+` FROM "article" a WHERE a.uuid IN (`+util.GeneratePlaceholders(1, uint(len(uuids))+1)+")",
		util.StringSliceToInterfaceSlice(uuids)...)
}
