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

type EntityReadEvent interface {
	Before(db DB, entityType string, query string, args []interface{}) (string, []interface{})
	After(db DB, entityType string, entities []Entity, err error) ([]Entity, error)
}

// A write event's Before() can abort the operation by returning an error.
type EntityWriteEvent interface {
	Before(db DB, entityType string, e Entity) error
	After(db DB, entityType string, e Entity, err error) error
}

// Implements EntityReadEvent with callbacks. Both callbacks are optional.
type EntityReadEventCallback struct {
	BeforeCallback func(db DB, entityType string, query string, args []interface{}) (string, []interface{})
	AfterCallback  func(db DB, entityType string, entities []Entity, err error) ([]Entity, error)
}

func (c EntityReadEventCallback) Before(db DB, entityType string, query string, args []interface{}) (string, []interface{}) {
	if c.BeforeCallback == nil {
		return query, args
	}

	return c.BeforeCallback(db, entityType, query, args)
}

func (c EntityReadEventCallback) After(db DB, entityType string, entities []Entity, err error) ([]Entity, error) {
	if c.AfterCallback == nil {
		return entities, err
	}

	return c.AfterCallback(db, entityType, entities, err)
}

// Implements EntityWriteEvent with callbacks. Both callbacks are optional.
//
// AfterCallback is only called when the operation succeeded.
type EntityWriteEventCallback struct {
	BeforeCallback func(db DB, entityType string, e Entity) error
	AfterCallback  func(db DB, entityType string, e Entity) error
}

func (c EntityWriteEventCallback) Before(db DB, entityType string, e Entity) error {
	if c.BeforeCallback == nil {
		return nil
	}

	return c.BeforeCallback(db, entityType, e)
}

func (c EntityWriteEventCallback) After(db DB, entityType string, e Entity, err error) error {
	if err != nil || c.AfterCallback == nil {
		return err
	}

	return c.AfterCallback(db, entityType, e)
}

type entityReadEvents []EntityReadEvent

func (e entityReadEvents) invokeBefore(db DB, entityType string, query string, args []interface{}) (string, []interface{}) {
	for _, evt := range e {
		query, args = evt.Before(db, entityType, query, args)
	}

	return query, args
}

func (e entityReadEvents) invokeAfter(db DB, entityType string, entities []Entity, err error) ([]Entity, error) {
	for _, evt := range e {
		entities, err = evt.After(db, entityType, entities, err)
	}

	return entities, err
}

type entityWriteEvents []EntityWriteEvent

func (e entityWriteEvents) invokeBefore(db DB, entityType string, entity Entity) error {
	for _, evt := range e {
		if err := evt.Before(db, entityType, entity); err != nil {
			return err
		}
	}

	return nil
}

func (e entityWriteEvents) invokeAfter(db DB, entityType string, entity Entity, err error) error {
	for _, evt := range e {
		err = evt.After(db, entityType, entity, err)
	}

	return err
}
