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
	"net/http"
	"strconv"
)

// Creates a ResourceController for an entity type registered in ec.
func EntityResource(ec *EntityController, entity Entity, config EntityResourceConfig) *ResourceController {
	delegate := newEntityResourceDelegate(ec, entity, config)

	res := NewResourceController(delegate)
	res.Prototype = entity

	if !config.DisableList {
		res.List(delegate, config.ListMiddlewares...)
	}

	if !config.DisablePost {
		res.Post(delegate, config.PostMiddlewares...)
	}

	if !config.DisableGet {
		res.Get(delegate, config.GetMiddlewares...)
	}

	if !config.DisablePatch {
		res.Patch(delegate, config.PatchMiddlewares...)
	}

	if !config.DisableDelete {
		res.Delete(delegate, config.DeleteMiddlewares...)
	}

	for op, p := range config.Predicates {
		res.Authorize(op, p)
	}

	return res
}

type EntityResourceExtraSchema interface {
	SchemaSQL() string
	SchemaInstalled(DB) bool
}

// Returns the list query and its arguments. The query must select the columns in the order of EntityController.FieldList().
type EntityResourceLister interface {
	List(r *http.Request, start, limit int) (string, []interface{})
}

type EntityResourceLoader interface {
	Load(id string, r *http.Request) (Resource, error)
}

type EntityResourceConfig struct {
	// Name in the URL. Defaults to the entity type.
	Name string
	// ORDER BY clause of the default list query, e.g. `a."createdat" DESC`.
	ListOrder string
	PageLen   int
	Validator func(data Resource, r *http.Request)

	DisableList   bool
	DisablePost   bool
	DisableGet    bool
	DisablePatch  bool
	DisableDelete bool

	ListMiddlewares   []func(http.Handler) http.Handler
	PostMiddlewares   []func(http.Handler) http.Handler
	GetMiddlewares    []func(http.Handler) http.Handler
	PatchMiddlewares  []func(http.Handler) http.Handler
	DeleteMiddlewares []func(http.Handler) http.Handler

	Predicates map[Operation]AuthPredicate

	EntityResourceLister
	EntityResourceLoader
	EntityResourceExtraSchema
}

var _ ResourceControllerDelegate = &entityResourceDelegate{}
var _ ResourceListDelegate = &entityResourceDelegate{}
var _ ResourcePostDelegate = &entityResourceDelegate{}
var _ ResourceGetDelegate = &entityResourceDelegate{}
var _ ResourcePatchDelegate = &entityResourceDelegate{}
var _ ResourceDeleteDelegate = &entityResourceDelegate{}

type entityResourceDelegate struct {
	EntityResourceConfig
	controller  *EntityController
	entity      Entity
	machineName string
}

func newEntityResourceDelegate(ec *EntityController, entity Entity, config EntityResourceConfig) *entityResourceDelegate {
	er := &entityResourceDelegate{
		controller:           ec,
		entity:               entity,
		machineName:          ec.Type(entity),
		EntityResourceConfig: config,
	}

	if er.PageLen == 0 {
		er.PageLen = 25
	}

	if er.Name == "" {
		er.Name = er.machineName
	}

	return er
}

func (er *entityResourceDelegate) getEntity(data Resource) Entity {
	e, ok := data.(Entity)
	if !ok || er.controller.Type(e) != er.machineName {
		panic("invalid entity")
	}

	return e
}

func (er *entityResourceDelegate) List(r *http.Request, start, limit int) ([]Resource, error) {
	query, args := "", []interface{}{}
	if er.EntityResourceLister != nil {
		query, args = er.EntityResourceLister.List(r, start, limit)
	} else {
		query = "SELECT " + er.controller.FieldList(er.machineName) + " FROM \"" + er.machineName + "\" " + er.controller.TableAbbrev(er.machineName)
		if er.ListOrder != "" {
			query += " ORDER BY " + er.ListOrder
		}
		query += " LIMIT " + strconv.Itoa(limit) + " OFFSET " + strconv.Itoa(start)
	}
	entities, err := er.controller.LoadFromQuery(GetDB(r), er.machineName, query, args...)
	if err != nil {
		return []Resource{}, err
	}

	return EntitiesToResources(entities), nil
}

func (er *entityResourceDelegate) PageLength() int {
	return er.PageLen
}

func (er *entityResourceDelegate) Empty() Resource {
	return er.controller.Empty(er.machineName)
}

func (er *entityResourceDelegate) Validate(data Resource, r *http.Request) {
	if er.Validator != nil {
		er.Validator(data, r)
	}
	e := er.getEntity(data)
	MaybeFail(http.StatusBadRequest, er.controller.Validate(e))
}

func (er *entityResourceDelegate) Insert(data Resource, r *http.Request) error {
	return er.controller.Insert(GetDB(r), er.getEntity(data))
}

func (er *entityResourceDelegate) Load(id string, r *http.Request) (Resource, error) {
	if er.EntityResourceLoader != nil {
		return er.EntityResourceLoader.Load(id, r)
	}

	entity, err := er.controller.Load(GetDB(r), er.machineName, id)
	if entity == nil {
		return nil, err
	}
	return entity, err
}

func (er *entityResourceDelegate) Update(data Resource, r *http.Request) error {
	return er.controller.Update(GetDB(r), er.getEntity(data))
}

func (er *entityResourceDelegate) Delete(data Resource, r *http.Request) error {
	return er.controller.Delete(GetDB(r), er.getEntity(data))
}

func (er *entityResourceDelegate) GetName() string {
	return er.Name
}

func (er *entityResourceDelegate) GetTables() []string {
	return []string{er.machineName}
}

func (er *entityResourceDelegate) GetSchemaSQL() string {
	sql := er.controller.SchemaSQL(er.entity)

	if er.EntityResourceExtraSchema != nil {
		sql += er.EntityResourceExtraSchema.SchemaSQL()
	}

	return sql
}

func (er *entityResourceDelegate) SchemaInstalled(db DB) bool {
	if er.EntityResourceExtraSchema != nil {
		return er.EntityResourceExtraSchema.SchemaInstalled(db)
	}

	return true
}

// Converts a list of entities to a list of resources.
func EntitiesToResources(entities []Entity) []Resource {
	resources := make([]Resource, len(entities))
	for i, e := range entities {
		resources[i] = e
	}

	return resources
}
