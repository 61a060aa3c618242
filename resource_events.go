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


package blogify

import (
	"net/http"
)

// Hooks into an operation of a ResourceController.
//
// Before runs first. Its resource is nil for get and delete, and the decoded, unvalidated resource for post.
// Inside runs right before the resource is written, After runs after the write.
// Get has no Inside step. The hooks of post, patch and delete run inside the transaction of the operation.
type ResourceEvent interface {
	Before(*http.Request, Resource)
	Inside(*http.Request, Resource)
	After(*http.Request, Resource)
}

type resourceEvents []ResourceEvent

func (e resourceEvents) invokeBefore(r *http.Request, res Resource) {
	for _, evt := range e {
		evt.Before(r, res)
	}
}

func (e resourceEvents) invokeInside(r *http.Request, res Resource) {
	for _, evt := range e {
		evt.Inside(r, res)
	}
}

func (e resourceEvents) invokeAfter(r *http.Request, res Resource) {
	for _, evt := range e {
		evt.After(r, res)
	}
}

var _ ResourceEvent = ResourceEventCallback{}

// A ResourceEvent from functions. Nil functions are skipped.
type ResourceEventCallback struct {
	BeforeCallback func(*http.Request, Resource)
	InsideCallback func(*http.Request, Resource)
	AfterCallback  func(*http.Request, Resource)
}

func (c ResourceEventCallback) Before(r *http.Request, res Resource) {
	if c.BeforeCallback != nil {
		c.BeforeCallback(r, res)
	}
}

func (c ResourceEventCallback) Inside(r *http.Request, res Resource) {
	if c.InsideCallback != nil {
		c.InsideCallback(r, res)
	}
}

func (c ResourceEventCallback) After(r *http.Request, res Resource) {
	if c.AfterCallback != nil {
		c.AfterCallback(r, res)
	}
}

// Resets properties of a posted resource to their zero values.
//
// The computed properties (counters, aggregates) of a new resource are not taken from the client.
// Panics when a property does not exist.
func ClearProperties(names ...string) ResourceEvent {
	return ResourceEventCallback{
		BeforeCallback: func(r *http.Request, res Resource) {
			for _, name := range names {
				h, ok := LookupProperty(res, name)
				if !ok {
					panic("unknown property: " + name)
				}
				MaybeFail(http.StatusInternalServerError, h.Set(res, nil))
			}
		},
	}
}

// Runs work after the transaction of a successful write commits.
//
// prepare is called right after the write, still in the transaction, so it can query the database.
// The function it returns is called after the commit; nil means there is nothing to do.
// Without a transaction the returned function is called immediately.
func CommittedEvent(prepare func(*http.Request, Resource) func()) ResourceEvent {
	return ResourceEventCallback{
		AfterCallback: func(r *http.Request, res Resource) {
			f := prepare(r, res)
			if f == nil {
				return
			}

			if db, ok := r.Context().Value(dbConnectionKey).(DB); ok && db != nil {
				AfterCommit(db, f)
			} else {
				f()
			}
		},
	}
}
