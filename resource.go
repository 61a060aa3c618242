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

package blogify

import (
	"encoding/json"
	"errors"
	"net/http"
)

var ErrNoEndpoints = errors.New("no endpoints are enabled for this resource")

// A resource is a pointer to a struct. Its properties are described by CachedPropMap().
type Resource interface {
}

type ResourceListDelegate interface {
	List(r *http.Request, start, limit int) ([]Resource, error)
	PageLength() int
}

type ResourcePostDelegate interface {
	Empty() Resource
	Validate(data Resource, r *http.Request)
	Insert(data Resource, r *http.Request) error
}

type ResourceGetDelegate interface {
	Load(id string, r *http.Request) (Resource, error)
}

type ResourcePatchDelegate interface {
	Load(id string, r *http.Request) (Resource, error)
	Validate(data Resource, r *http.Request)
	Update(data Resource, r *http.Request) error
}

type ResourceDeleteDelegate interface {
	Load(id string, r *http.Request) (Resource, error)
	Delete(data Resource, r *http.Request) error
}

type ResourcePathOverrider interface {
	OverridePath(string) string
}

type ResourceFormatter interface {
	FormatSingle(*http.Request, Resource, *Renderer)
	FormatMulti(*http.Request, []Resource, *Renderer)
}

type ResourceControllerDelegate interface {
	GetName() string
	GetTables() []string
	GetSchemaSQL() string
	SchemaInstalled(db DB) bool
}

// Decides if the current request may access a resource.
//
// Authentication is done by middlewares before the pipeline runs; the predicate
// only gets requests that passed them.
type AuthPredicate func(r *http.Request, res Resource) bool

// The operations of a ResourceController.
type Operation int

const (
	OperationList Operation = iota
	OperationPost
	OperationGet
	OperationPatch
	OperationDelete
)

var _ ResourceFormatter = SliceFormatter{}

// Formats resources with Slice() if the request has a "fields" query, with Sanitize() otherwise.
type SliceFormatter struct{}

func (SliceFormatter) FormatSingle(r *http.Request, res Resource, rd *Renderer) {
	rd.JSON(SliceOrSanitize(res, Fields(r)))
}

func (SliceFormatter) FormatMulti(r *http.Request, list []Resource, rd *Renderer) {
	fields := Fields(r)
	out := make([]map[string]interface{}, len(list))
	for i, res := range list {
		out[i] = SliceOrSanitize(res, fields)
	}

	rd.JSON(out)
}

var _ Service = &ResourceController{}

// A Service exposing a resource type through the standard endpoints:
//
//     GET    /api/<name>             list
//     POST   /api/<name>             create
//     GET    /api/<name>/:id         fetch
//     PATCH  /api/<name>/:id         partial update
//     DELETE /api/<name>/:id         delete
//     GET    /api/validations/<name> check expressions of the properties
//
// Every write operation runs the same pipeline: authorize, fetch, mutate, respond.
// Errors are mapped to status codes with ErrorStatus().
type ResourceController struct {
	ResourceFormatter
	delegate ResourceControllerDelegate

	listDelegate    ResourceListDelegate
	listMiddlewares []func(http.Handler) http.Handler

	postDelegate    ResourcePostDelegate
	postMiddlewares []func(http.Handler) http.Handler

	getDelegate    ResourceGetDelegate
	getMiddlewares []func(http.Handler) http.Handler

	patchDelegate    ResourcePatchDelegate
	patchMiddlewares []func(http.Handler) http.Handler

	deleteDelegate    ResourceDeleteDelegate
	deleteMiddlewares []func(http.Handler) http.Handler

	predicates map[Operation]AuthPredicate

	postEvents   resourceEvents
	getEvents    resourceEvents
	patchEvents  resourceEvents
	deleteEvents resourceEvents

	// Prototype for the validations endpoint. Nil disables the endpoint.
	Prototype Resource

	ExtraEndpoints func(s *Server) error
}

func NewResourceController(delegate ResourceControllerDelegate) *ResourceController {
	return &ResourceController{
		ResourceFormatter: SliceFormatter{},
		delegate:          delegate,
		predicates:        make(map[Operation]AuthPredicate),
	}
}

func (res *ResourceController) GetName() string {
	return res.delegate.GetName()
}

func (res *ResourceController) AddPostEvent(evt ...ResourceEvent) *ResourceController {
	res.postEvents = append(res.postEvents, evt...)
	return res
}

func (res *ResourceController) AddGetEvent(evt ...ResourceEvent) *ResourceController {
	res.getEvents = append(res.getEvents, evt...)
	return res
}

func (res *ResourceController) AddPatchEvent(evt ...ResourceEvent) *ResourceController {
	res.patchEvents = append(res.patchEvents, evt...)
	return res
}

func (res *ResourceController) AddDeleteEvent(evt ...ResourceEvent) *ResourceController {
	res.deleteEvents = append(res.deleteEvents, evt...)
	return res
}

// Sets the auth predicate of an operation. Operations without a predicate are open to everyone who passed the middlewares.
func (res *ResourceController) Authorize(op Operation, predicate AuthPredicate) *ResourceController {
	res.predicates[op] = predicate
	return res
}

func (res *ResourceController) List(d ResourceListDelegate, middlewares ...func(http.Handler) http.Handler) *ResourceController {
	res.listDelegate = d
	res.listMiddlewares = middlewares

	return res
}

// Enables the create endpoint. The handler always runs in a transaction, after the given middlewares.
func (res *ResourceController) Post(d ResourcePostDelegate, middlewares ...func(http.Handler) http.Handler) *ResourceController {
	res.postDelegate = d
	res.postMiddlewares = withTransaction(middlewares)

	return res
}

func (res *ResourceController) Get(d ResourceGetDelegate, middlewares ...func(http.Handler) http.Handler) *ResourceController {
	res.getDelegate = d
	res.getMiddlewares = middlewares

	return res
}

// Enables the partial update endpoint. The handler always runs in a transaction, after the given middlewares.
func (res *ResourceController) Patch(d ResourcePatchDelegate, middlewares ...func(http.Handler) http.Handler) *ResourceController {
	res.patchDelegate = d
	res.patchMiddlewares = withTransaction(middlewares)

	return res
}

// Enables the delete endpoint. The handler always runs in a transaction, after the given middlewares.
func (res *ResourceController) Delete(d ResourceDeleteDelegate, middlewares ...func(http.Handler) http.Handler) *ResourceController {
	res.deleteDelegate = d
	res.deleteMiddlewares = withTransaction(middlewares)

	return res
}

func withTransaction(middlewares []func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	return append(append([]func(http.Handler) http.Handler{}, middlewares...), TransactionMiddleware)
}

func (res *ResourceController) authorize(op Operation, r *http.Request, d Resource) {
	if p := res.predicates[op]; p != nil && !p(r, d) {
		Fail(http.StatusForbidden, NewVerboseError("", "access denied"))
	}
}

// Loads a resource or fails with the status code of the error, or 404 if there is nothing to load.
func loadResource(load func(id string, r *http.Request) (Resource, error), id string, r *http.Request) Resource {
	d, err := load(id, r)
	MaybeFailDB(err)
	if d == nil {
		Fail(http.StatusNotFound, nil)
	}

	return d
}

func (res *ResourceController) listHandler(w http.ResponseWriter, r *http.Request) {
	limit := PageLength(r, res.listDelegate.PageLength())
	start := Pager(r, limit)

	list, err := res.listDelegate.List(r, start, limit)
	MaybeFailDB(err)

	if p := res.predicates[OperationList]; p != nil {
		filtered := make([]Resource, 0, len(list))
		for _, d := range list {
			if p(r, d) {
				filtered = append(filtered, d)
			}
		}
		list = filtered
	}

	res.ResourceFormatter.FormatMulti(r, list, Render(r))
}

func (res *ResourceController) postHandler(w http.ResponseWriter, r *http.Request) {
	d := res.postDelegate.Empty()
	MustDecode(r, d)

	res.postEvents.invokeBefore(r, d)

	MaybeFail(http.StatusBadRequest, Verify(d))

	res.postDelegate.Validate(d, r)

	if v, ok := d.(Validator); ok {
		MaybeFail(http.StatusBadRequest, v.Validate())
	}

	res.authorize(OperationPost, r, d)

	res.postEvents.invokeInside(r, d)

	MaybeFailDB(res.postDelegate.Insert(d, r))

	res.postEvents.invokeAfter(r, d)

	res.ResourceFormatter.FormatSingle(r, d, Render(r).SetCode(http.StatusCreated))
}

func (res *ResourceController) getHandler(w http.ResponseWriter, r *http.Request) {
	id := UUIDParam(r, "id")

	res.getEvents.invokeBefore(r, nil)

	d := loadResource(res.getDelegate.Load, id, r)

	res.authorize(OperationGet, r, d)

	res.getEvents.invokeAfter(r, d)

	res.ResourceFormatter.FormatSingle(r, d, Render(r))
}

func (res *ResourceController) patchHandler(w http.ResponseWriter, r *http.Request) {
	id := UUIDParam(r, "id")

	values := map[string]json.RawMessage{}
	MustDecode(r, &values)

	d := loadResource(res.patchDelegate.Load, id, r)

	res.authorize(OperationPatch, r, d)

	res.patchEvents.invokeBefore(r, d)

	MaybeFail(http.StatusBadRequest, Patch(d, values))
	MaybeFail(http.StatusBadRequest, Verify(d))

	res.patchDelegate.Validate(d, r)

	if v, ok := d.(Validator); ok {
		MaybeFail(http.StatusBadRequest, v.Validate())
	}

	res.patchEvents.invokeInside(r, d)

	MaybeFailDB(res.patchDelegate.Update(d, r))

	res.patchEvents.invokeAfter(r, d)

	res.ResourceFormatter.FormatSingle(r, d, Render(r))
}

func (res *ResourceController) deleteHandler(w http.ResponseWriter, r *http.Request) {
	id := UUIDParam(r, "id")

	res.deleteEvents.invokeBefore(r, nil)

	d := loadResource(res.deleteDelegate.Load, id, r)

	res.authorize(OperationDelete, r, d)

	res.deleteEvents.invokeInside(r, d)

	MaybeFailDB(res.deleteDelegate.Delete(d, r))

	res.deleteEvents.invokeAfter(r, d)

	Render(r).SetCode(http.StatusNoContent)
}

func (res *ResourceController) validationsHandler(w http.ResponseWriter, r *http.Request) {
	Render(r).JSON(Validations(res.Prototype))
}

func overridePath(d interface{}, path string) string {
	if po, ok := d.(ResourcePathOverrider); ok {
		return po.OverridePath(path)
	}

	return path
}

func (res *ResourceController) Register(srv *Server) error {
	if res.listDelegate == nil && res.postDelegate == nil && res.getDelegate == nil && res.patchDelegate == nil && res.deleteDelegate == nil && res.ExtraEndpoints == nil {
		return ErrNoEndpoints
	}

	base := "/api/" + res.delegate.GetName()
	id := base + "/:id"

	if res.listDelegate != nil {
		srv.Get(overridePath(res.listDelegate, base), http.HandlerFunc(res.listHandler), res.listMiddlewares...)
	}

	if res.postDelegate != nil {
		srv.Post(overridePath(res.postDelegate, base), http.HandlerFunc(res.postHandler), res.postMiddlewares...)
	}

	if res.getDelegate != nil {
		srv.Get(overridePath(res.getDelegate, id), http.HandlerFunc(res.getHandler), res.getMiddlewares...)
	}

	if res.patchDelegate != nil {
		srv.Patch(overridePath(res.patchDelegate, id), http.HandlerFunc(res.patchHandler), res.patchMiddlewares...)
	}

	if res.deleteDelegate != nil {
		srv.Delete(overridePath(res.deleteDelegate, id), http.HandlerFunc(res.deleteHandler), res.deleteMiddlewares...)
	}

	if res.Prototype != nil {
		srv.Get("/api/validations/"+res.delegate.GetName(), http.HandlerFunc(res.validationsHandler))
	}

	if res.ExtraEndpoints != nil {
		return res.ExtraEndpoints(srv)
	}
	return nil
}

func (res *ResourceController) SchemaInstalled(db DB) bool {
	installed := true

	for _, table := range res.delegate.GetTables() {
		installed = installed && TableExists(db, table)
	}

	return installed && res.delegate.SchemaInstalled(db)
}

func (res *ResourceController) SchemaSQL() string {
	return res.delegate.GetSchemaSQL()
}

// Creates a handler that lists the resources related to the resource in the "id" route parameter.
//
// An empty list is answered with 204 No Content.
func RelatedList(fetch func(r *http.Request, id string) ([]Resource, error)) http.Handler {
	return RelatedListWithFormatter(SliceFormatter{}, fetch)
}

func RelatedListWithFormatter(f ResourceFormatter, fetch func(r *http.Request, id string) ([]Resource, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := UUIDParam(r, "id")

		list, err := fetch(r, id)
		MaybeFailDB(err)

		if len(list) == 0 {
			Render(r).SetCode(http.StatusNoContent)
			return
		}

		f.FormatMulti(r, list, Render(r))
	})
}
