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


package blog

import (
	"net/http"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/services/auth"
	"github.com/aridwiprayogo/blogify/services/push"
)

var (
	articlePushFields = []string{"uuid", "title", "summary", "categories", "createdBy", "createdAt"}
	commentPushFields = []string{"uuid", "article", "parentComment", "commenter", "createdAt"}
)

// Returns the followers of a user.
func followers(db blogify.DB, user string) ([]string, error) {
	rows, err := db.Query("SELECT follower FROM follows WHERE following = $1", user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func without(ids []string, id string) []string {
	filtered := make([]string, 0, len(ids))
	for _, i := range ids {
		if i != id {
			filtered = append(filtered, i)
		}
	}

	return filtered
}

// New articles go to the followers of the author.
func (b *Blog) pushArticle(r *http.Request, res blogify.Resource) func() {
	a := res.(*Article)

	recipients, err := followers(blogify.GetDB(r), a.CreatedBy)
	blogify.MaybeFailDB(err)
	if len(recipients) == 0 {
		return nil
	}

	m := push.CreateMessage("article", blogify.Slice(a, articlePushFields))

	return func() {
		b.Push.Send(m, recipients...)
	}
}

// New comments go to the followers of the commenter, the author of the article and the author of the parent comment.
func (b *Blog) pushComment(r *http.Request, res blogify.Resource) func() {
	c := res.(*Comment)
	db := blogify.GetDB(r)

	recipients, err := followers(db, c.Commenter)
	blogify.MaybeFailDB(err)

	var author string
	blogify.MaybeFailDB(db.QueryRow(`SELECT createdby FROM "article" WHERE uuid = $1`, c.Article).Scan(&author))
	recipients = append(recipients, author)

	if c.ParentComment != nil {
		var parentCommenter string
		blogify.MaybeFailDB(db.QueryRow(`SELECT commenter FROM "comment" WHERE uuid = $1`, *c.ParentComment).Scan(&parentCommenter))
		recipients = append(recipients, parentCommenter)
	}

	recipients = without(recipients, c.Commenter)
	if len(recipients) == 0 {
		return nil
	}

	m := push.CreateMessage("comment", blogify.Slice(c, commentPushFields))

	return func() {
		b.Push.Send(m, recipients...)
	}
}

// Notifies the followed user once the follow is committed.
func (b *Blog) notifyFollow(r *http.Request, following string) {
	m := push.NotificationMessage(push.Notification{
		Type:    "follow",
		Emitter: auth.CurrentUser(r),
		Source:  following,
	})

	blogify.AfterCommit(blogify.GetDB(r), func() {
		b.Push.Send(m, following)
	})
}
