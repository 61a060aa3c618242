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
Keyword search service.

Entities are indexed as a list of stemmed keywords with a relevance between 0 and 1.
A search returns the entities that contain any of the keywords, ordered by the summed relevance.

Endpoints:

	POST /api/search        {"search", "owners", "types"} -> [{"entity", "type"}]
	GET  /api/search/:type  ?q=<search>&byUser=<uuid>&fields=<list> -> [entity]
*/
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/aridwiprayogo/blogify"
	"github.com/aridwiprayogo/blogify/lib/log"
	"github.com/aridwiprayogo/blogify/util"
)

// The owner of the entries without an owner.
const NoOwner = "00000000-0000-0000-0000-000000000000"

var ErrDelegateNotFound = errors.New("delegate not found")

// A keyword of an entity.
type IndexData struct {
	Keyword   string
	Relevance float64
	Owner     string
}

// A matching entity in the index.
type Match struct {
	UUID      string  `json:"uuid"`
	Type      string  `json:"type"`
	Relevance float64 `json:"relevance"`
}

// A search result with its loaded entity.
type Result struct {
	Match
	Entity blogify.Entity
}

// Indexes and loads the entities of one type.
type Delegate interface {
	IndexEntity(e blogify.Entity) []IndexData
	LoadEntities(db blogify.DB, uuids []string) ([]blogify.Entity, error)
}

var _ blogify.Service = &Service{}

type Service struct {
	delegates map[string]Delegate
	cache     Cache
	// Language of the stemmer used for the search keywords.
	Lang string
	// Max number of matches of a search.
	MaxResults int
	Logger     *log.Log
}

// Creates a search service. The cache can be nil.
func NewService(cache Cache) *Service {
	return &Service{
		delegates:  make(map[string]Delegate),
		cache:      cache,
		Lang:       "en",
		MaxResults: 100,
		Logger:     log.DefaultOSLogger(),
	}
}

// Adds a delegate for an entity type. The type name is also the name of the search endpoint.
func (s *Service) AddDelegate(entityType string, delegate Delegate) *Service {
	s.delegates[entityType] = delegate
	return s
}

// Checks if an entity type has a delegate.
func (s *Service) HasDelegate(entityType string) bool {
	_, ok := s.delegates[entityType]
	return ok
}

// Returns the sorted, stemmed keywords of a search string.
func (s *Service) Keywords(search string) []string {
	keywords := TextToStemmedWords(s.Lang, search)
	sort.Strings(keywords)
	return keywords
}

func cacheKey(keywords, owners, types []string) string {
	o := append([]string{}, owners...)
	sort.Strings(o)
	t := append([]string{}, types...)
	sort.Strings(t)

	return strings.Join(keywords, " ") + "|" + strings.Join(o, ",") + "|" + strings.Join(t, ",")
}

// Finds the matching entries in the index.
//
// The results can be restricted to owners and to entity types. Empty lists mean no restriction.
func (s *Service) Find(ctx context.Context, db blogify.DB, search string, owners, types []string) ([]Match, error) {
	keywords := s.Keywords(search)
	if len(keywords) == 0 {
		return []Match{}, nil
	}

	key := cacheKey(keywords, owners, types)
	if s.cache != nil {
		if matches, err := s.cache.Get(ctx, key); err == nil && matches != nil {
			return matches, nil
		}
	}

	args := util.StringSliceToInterfaceSlice(keywords)
	filter := ""
	if len(owners) > 0 {
		filter += " AND t.owner IN (" + util.GeneratePlaceholders(uint(len(args))+1, uint(len(args)+len(owners))+1) + ")"
		args = append(args, util.StringSliceToInterfaceSlice(owners)...)
	}
	if len(types) > 0 {
		filter += " AND t.type IN (" + util.GeneratePlaceholders(uint(len(args))+1, uint(len(args)+len(types))+1) + ")"
		args = append(args, util.StringSliceToInterfaceSlice(types)...)
	}

	rows, err := db.Query(`
		WITH
			uuids AS (SELECT uuid, SUM(relevance) rel FROM search_metadata WHERE keyword IN (`+util.GeneratePlaceholders(1, uint(len(keywords))+1)+`) GROUP BY uuid),
			types AS (SELECT DISTINCT uuid, type, owner FROM search_metadata)
		SELECT t.uuid, t.type, u.rel FROM uuids u NATURAL JOIN types t WHERE u.rel > 0`+filter+` ORDER BY u.rel DESC, t.uuid
		LIMIT `+fmt.Sprint(s.MaxResults), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		m := Match{}
		if err = rows.Scan(&m.UUID, &m.Type, &m.Relevance); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, key, matches)
	}

	return matches, nil
}

// Searches the index and loads the matching entities.
//
// Entities that no longer exist are left out.
func (s *Service) Search(ctx context.Context, db blogify.DB, search string, owners, types []string) ([]Result, error) {
	matches, err := s.Find(ctx, db, search, owners, types)
	if err != nil {
		return nil, err
	}

	uuids := make(map[string][]string)
	for _, m := range matches {
		uuids[m.Type] = append(uuids[m.Type], m.UUID)
	}

	entities := make(map[string]blogify.Entity)
	for t, u := range uuids {
		delegate, ok := s.delegates[t]
		if !ok {
			return nil, ErrDelegateNotFound
		}

		loaded, err := delegate.LoadEntities(db, u)
		if err != nil {
			return nil, err
		}

		for _, e := range loaded {
			entities[e.GetID()] = e
		}
	}

	results := []Result{}
	for _, m := range matches {
		if e, ok := entities[m.UUID]; ok {
			results = append(results, Result{Match: m, Entity: e})
		}
	}

	return results, nil
}

// Merges the entries of the same keyword. The relevances are summed, but they never exceed 1.
func MergeIndexData(data []IndexData) []IndexData {
	merged := []IndexData{}
	positions := make(map[string]int)

	for _, d := range data {
		if d.Keyword == "" || d.Relevance <= 0 {
			continue
		}
		if d.Owner == "" {
			d.Owner = NoOwner
		}

		key := d.Keyword + "\x00" + d.Owner
		if i, ok := positions[key]; ok {
			merged[i].Relevance += d.Relevance
		} else {
			positions[key] = len(merged)
			merged = append(merged, d)
		}
	}

	for i := range merged {
		if merged[i].Relevance > 1 {
			merged[i].Relevance = 1
		}
	}

	return merged
}

// Replaces the index entries of an entity.
func (s *Service) IndexEntity(ctx context.Context, db blogify.DB, entityType string, e blogify.Entity) error {
	delegate, ok := s.delegates[entityType]
	if !ok {
		return ErrDelegateNotFound
	}

	if _, err := db.Exec("DELETE FROM search_metadata WHERE uuid = $1", e.GetID()); err != nil {
		return err
	}

	data := MergeIndexData(delegate.IndexEntity(e))
	if len(data) > 0 {
		placeholders := make([]string, len(data))
		values := make([]interface{}, 0, len(data)*5)
		for i, d := range data {
			placeholders[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", i*5+1, i*5+2, i*5+3, i*5+4, i*5+5)
			values = append(values, e.GetID(), entityType, d.Keyword, d.Relevance, d.Owner)
		}

		if _, err := db.Exec("INSERT INTO search_metadata(uuid, type, keyword, relevance, owner) VALUES "+strings.Join(placeholders, ", "), values...); err != nil {
			return err
		}
	}

	s.invalidate(ctx, db)

	return nil
}

// Removes an entity from the index.
func (s *Service) RemoveEntity(ctx context.Context, db blogify.DB, uuid string) error {
	if _, err := db.Exec("DELETE FROM search_metadata WHERE uuid = $1", uuid); err != nil {
		return err
	}

	s.invalidate(ctx, db)

	return nil
}

// Removes every entry of an owner from the index.
func (s *Service) RemoveOwner(ctx context.Context, db blogify.DB, owner string) error {
	if _, err := db.Exec("DELETE FROM search_metadata WHERE owner = $1", owner); err != nil {
		return err
	}

	s.invalidate(ctx, db)

	return nil
}

// Removes everything from the index.
func (s *Service) PurgeIndex(ctx context.Context, db blogify.DB) error {
	if _, err := db.Exec("DELETE FROM search_metadata"); err != nil {
		return err
	}

	s.invalidate(ctx, db)

	return nil
}

// Invalidates the cache when the transaction of db commits.
//
// Cache errors are logged, the index itself is already written.
func (s *Service) invalidate(ctx context.Context, db blogify.DB) {
	if s.cache == nil {
		return
	}

	blogify.AfterCommit(db, func() {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.Logger.User().Printf("search cache invalidation failed: %v\n", err)
		}
	})
}

// An entity write event that keeps the index up to date.
//
// Inserts and updates index the entity, deletes remove it.
func (s *Service) IndexEvent(indexType string) blogify.EntityWriteEvent {
	return blogify.EntityWriteEventCallback{
		AfterCallback: func(db blogify.DB, entityType string, e blogify.Entity) error {
			return s.IndexEntity(context.Background(), db, indexType, e)
		},
	}
}

func (s *Service) RemoveEvent() blogify.EntityWriteEvent {
	return blogify.EntityWriteEventCallback{
		AfterCallback: func(db blogify.DB, entityType string, e blogify.Entity) error {
			return s.RemoveEntity(context.Background(), db, e.GetID())
		},
	}
}

func (s *Service) Register(srv *blogify.Server) error {
	if srv.Logger != nil {
		s.Logger = srv.Logger
	}

	srv.PostF("/api/search", s.searchHandler)
	srv.GetF("/api/search/:type", s.typeSearchHandler)

	return nil
}

type PostData struct {
	Search string   `json:"search"`
	Owners []string `json:"owners"`
	Types  []string `json:"types"`
}

func (s *Service) searchHandler(w http.ResponseWriter, r *http.Request) {
	d := PostData{}
	blogify.MustDecode(r, &d)

	for _, owner := range d.Owners {
		if !blogify.IsUUID(owner) {
			blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "invalid owner"))
		}
	}
	for _, t := range d.Types {
		if !s.HasDelegate(t) {
			blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "invalid type: "+t))
		}
	}

	results, err := s.Search(r.Context(), blogify.GetDB(r), d.Search, d.Owners, d.Types)
	blogify.MaybeFail(http.StatusInternalServerError, err)

	out := make([]map[string]interface{}, len(results))
	for i, res := range results {
		out[i] = map[string]interface{}{
			"entity": blogify.Sanitize(res.Entity),
			"type":   res.Type,
		}
	}

	blogify.Render(r).JSON(out)
}

func (s *Service) typeSearchHandler(w http.ResponseWriter, r *http.Request) {
	entityType := blogify.GetParams(r).ByName("type")
	if !s.HasDelegate(entityType) {
		blogify.Fail(http.StatusNotFound, nil)
	}

	q := r.URL.Query()
	owners := []string{}
	if byUser := q.Get("byUser"); byUser != "" {
		if !blogify.IsUUID(byUser) {
			blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "invalid user"))
		}
		owners = append(owners, byUser)
	}

	list := []blogify.Resource{}
	if strings.TrimSpace(q.Get("q")) != "" {
		results, err := s.Search(r.Context(), blogify.GetDB(r), q.Get("q"), owners, []string{entityType})
		blogify.MaybeFail(http.StatusInternalServerError, err)
		for _, res := range results {
			list = append(list, res.Entity)
		}
	}

	blogify.SliceFormatter{}.FormatMulti(r, list, blogify.Render(r))
}

func (s *Service) SchemaInstalled(db blogify.DB) bool {
	return blogify.TableExists(db, "search_metadata")
}

func (s *Service) SchemaSQL() string {
	return `
		CREATE TABLE search_metadata (
			uuid uuid NOT NULL,
			type character varying NOT NULL,
			owner uuid NOT NULL DEFAULT '` + NoOwner + `',
			keyword character varying NOT NULL,
			relevance double precision NOT NULL,
			CONSTRAINT search_metadata_pkey PRIMARY KEY (uuid, keyword, owner),
			CONSTRAINT search_metadata_keyword_check CHECK (keyword::text <> ''::text),
			CONSTRAINT search_metadata_relevance_check CHECK (relevance <= 1::double precision AND relevance >= 0::double precision)
		);

		CREATE INDEX search_metadata_keyword_idx
			ON search_metadata
			USING hash (keyword);
	`
}
