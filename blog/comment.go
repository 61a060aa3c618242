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
	"strconv"
	"time"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/services/auth"
	"github.com/aridwiprayogo/blogify/util"
)

var _ blogify.Entity = &Comment{}

type Comment struct {
	UUID          string    `json:"uuid" dbtype:"uuid" dbdefault:"uuid_generate_v4()"`
	Commenter     string    `json:"commenter" dbtype:"uuid" dbforeign:"user.uuid,commenter" readonly:"true"`
	Article       string    `json:"article" dbtype:"uuid" dbforeign:"article.uuid,article" readonly:"true"`
	ParentComment *string   `json:"parentComment" dbtype:"uuid" dbnull:"true" dbforeign:"comment.uuid,parentcomment" readonly:"true"`
	Content       string    `json:"content" check:"(?s).+"`
	CreatedAt     time.Time `json:"createdAt" dbdefault:"now()" readonly:"true"`
	LikeCount     int       `json:"likeCount" nodb:"true" readonly:"true"`
}

func (c *Comment) GetID() string {
	return c.UUID
}

const commentSchema = `
CREATE INDEX comment_article_idx ON "comment"(article);
CREATE INDEX comment_parentcomment_idx ON "comment"(parentcomment);

CREATE TABLE comment_likes(
	"user" uuid NOT NULL,
	comment uuid NOT NULL,
	CONSTRAINT comment_likes_user_fkey FOREIGN KEY ("user") REFERENCES "user"(uuid) MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE,
	CONSTRAINT comment_likes_comment_fkey FOREIGN KEY (comment) REFERENCES "comment"(uuid) MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE,
	CONSTRAINT comment_likes_pkey PRIMARY KEY ("user", comment)
);
`

type commentSchemaSQL struct{}

func (commentSchemaSQL) SchemaSQL() string {
	return commentSchema
}

func (commentSchemaSQL) SchemaInstalled(db blogify.DB) bool {
	return blogify.TableExists(db, "comment_likes")
}

// Allows the request if the comment is written by the logged in user.
func (b *Blog) isCommenter(r *http.Request, res blogify.Resource) bool {
	c, ok := res.(*Comment)
	return ok && c.Commenter == auth.CurrentUser(r)
}

func (b *Blog) isCommenterOrAdmin(r *http.Request, res blogify.Resource) bool {
	return b.isCommenter(r, res) || b.isAdmin(r)
}

// Fills the commenter, and checks that the parent comment belongs to the same article.
func (b *Blog) validateComment(data blogify.Resource, r *http.Request) {
	c := data.(*Comment)
	if c.Commenter == "" {
		c.Commenter = auth.CurrentUser(r)
	}

	if c.ParentComment == nil {
		return
	}

	if !blogify.IsUUID(*c.ParentComment) {
		blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "invalid parent comment"))
	}

	parent, err := b.ec.Load(blogify.GetDB(r), "comment", *c.ParentComment)
	blogify.MaybeFailDB(err)
	if parent == nil || parent.(*Comment).Article != c.Article {
		blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "the parent comment must belong to the same article"))
	}
}

func (b *Blog) commentResource() *blogify.ResourceController {
	loggedIn := []func(http.Handler) http.Handler{b.Auth.LoggedInMiddleware}

	res := blogify.EntityResource(b.ec, &Comment{}, blogify.EntityResourceConfig{
		Name:              "comments",
		ListOrder:         `c."createdat" DESC`,
		Validator:         b.validateComment,
		PostMiddlewares:   loggedIn,
		PatchMiddlewares:  loggedIn,
		DeleteMiddlewares: loggedIn,
		Predicates: map[blogify.Operation]blogify.AuthPredicate{
			blogify.OperationPost:   b.isCommenter,
			blogify.OperationPatch:  b.isCommenter,
			blogify.OperationDelete: b.isCommenterOrAdmin,
		},
		EntityResourceExtraSchema: commentSchemaSQL{},
	})

	res.AddPostEvent(blogify.ClearProperties("likeCount"), blogify.CommittedEvent(b.pushComment))

	res.ExtraEndpoints = func(srv *blogify.Server) error {
		liked, toggle := b.likeHandlers("comment", "comment_likes")
		srv.GetF("/api/comments/:id/tree", b.commentTreeHandler)
		srv.Get("/api/comments/:id/like", liked, b.Auth.LoggedInMiddleware)
		srv.Post("/api/comments/:id/like", toggle, b.Auth.LoggedInMiddleware, blogify.TransactionMiddleware)

		return nil
	}

	return res
}

// Lists the top level comments of an article.
func (b *Blog) articleComments(r *http.Request, id string) ([]blogify.Resource, error) {
	limit := blogify.PageLength(r, 25)
	start := blogify.Pager(r, limit)

	comments, err := b.ec.LoadFromQuery(blogify.GetDB(r), "comment",
		"SELECT "+b.ec.FieldList("comment")+` FROM "comment" c WHERE c.article = $1 AND c.parentcomment IS NULL ORDER BY c.createdat LIMIT $2 OFFSET $3`,
		id, limit, start)

	return blogify.EntitiesToResources(comments), err
}

func (b *Blog) loadCommentLikes(db blogify.DB, entityType string, entities []blogify.Entity, err error) ([]blogify.Entity, error) {
	if err != nil || len(entities) == 0 {
		return entities, err
	}

	comments := make(map[string]*Comment, len(entities))
	ids := make([]string, len(entities))
	for i, e := range entities {
		c := e.(*Comment)
		comments[c.UUID] = c
		ids[i] = c.UUID
	}

	return entities, loadCounts(db,
		"SELECT comment, COUNT(*) FROM comment_likes WHERE comment IN ("+util.GeneratePlaceholders(1, uint(len(ids))+1)+") GROUP BY comment",
		util.StringSliceToInterfaceSlice(ids), func(id string, count int) {
			comments[id].LikeCount = count
		})
}

// Loads the replies of the given comments, oldest first.
func (b *Blog) replies(db blogify.DB, parents []string) ([]*Comment, error) {
	entities, err := b.ec.LoadFromQuery(db, "comment",
		"SELECT "+b.ec.FieldList("comment")+` FROM "comment" c WHERE c.parentcomment IN (`+util.GeneratePlaceholders(1, uint(len(parents))+1)+") ORDER BY c.createdat",
		util.StringSliceToInterfaceSlice(parents)...)
	if err != nil {
		return nil, err
	}

	comments := make([]*Comment, len(entities))
	for i, e := range entities {
		comments[i] = e.(*Comment)
	}

	return comments, nil
}

// Loads the replies of a comment, depth levels deep.
func (b *Blog) CommentTree(db blogify.DB, root *Comment, depth int) (map[string]interface{}, error) {
	children := map[string][]*Comment{}

	level := []string{root.UUID}
	for i := 0; i < depth && len(level) > 0; i++ {
		replies, err := b.replies(db, level)
		if err != nil {
			return nil, err
		}

		level = level[:0]
		for _, c := range replies {
			children[*c.ParentComment] = append(children[*c.ParentComment], c)
			level = append(level, c.UUID)
		}
	}

	return buildTree(root, children, depth), nil
}

// Builds the nested representation of a comment. The "children" key is missing below the given depth.
func buildTree(c *Comment, children map[string][]*Comment, depth int) map[string]interface{} {
	node := blogify.Sanitize(c)
	if depth <= 0 {
		return node
	}

	list := []map[string]interface{}{}
	for _, child := range children[c.UUID] {
		list = append(list, buildTree(child, children, depth-1))
	}
	node["children"] = list

	return node
}

// Parses the "depth" query of the tree endpoint.
func treeDepth(r *http.Request) int {
	d := r.URL.Query().Get("depth")
	if d == "" {
		return DefaultTreeDepth
	}

	depth, err := strconv.Atoi(d)
	if err != nil || depth < 0 {
		blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "invalid depth"))
	}
	if depth > MaxTreeDepth {
		depth = MaxTreeDepth
	}

	return depth
}

func (b *Blog) commentTreeHandler(w http.ResponseWriter, r *http.Request) {
	id := blogify.UUIDParam(r, "id")
	depth := treeDepth(r)

	db := blogify.GetDB(r)

	root, err := b.ec.Load(db, "comment", id)
	blogify.MaybeFailDB(err)
	if root == nil {
		blogify.Fail(http.StatusNotFound, nil)
	}

	tree, err := b.CommentTree(db, root.(*Comment), depth)
	blogify.MaybeFailDB(err)

	blogify.Render(r).JSON(tree)
}
