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
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Property names reported by Slice() for the requested properties that could not be returned.
const (
	NotFoundKey     = "_notFound"
	AccessDeniedKey = "_accessDenied"
)

// Name of the identifier property. It is always part of a slice and it is never patchable.
var IDProperty = "uuid"

// A property value that has an identity is output as its id, not as a nested object.
type identifier interface {
	GetID() string
}

var identifierType = reflect.TypeOf((*identifier)(nil)).Elem()

// InvalidPropertyError is returned when a property cannot be read, written or validated.
type InvalidPropertyError struct {
	Property string
	Reason   string // defaults to "invalid value for"
}

func (e InvalidPropertyError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "invalid value for"
	}

	return reason + " property '" + e.Property + "'"
}

func (e InvalidPropertyError) VerboseError() string {
	return e.Error()
}

// Describes one exported property of a resource type.
//
// Struct tags:
//
// - json: the name of the property. "-" skips the field.
//
// - noslice:"true": the property is never output and never patched.
//
// - nosearch:"true": the property is not indexed by the search.
//
// - readonly:"true": the property is output, but it cannot be patched.
//
// - check:"regexp": string values must fully match the expression.
type PropertyHandle struct {
	Name     string
	Index    []int
	Type     reflect.Type
	Tag      reflect.StructTag
	NoSlice  bool
	NoSearch bool
	ReadOnly bool
	Check    *regexp.Regexp
	check    string
}

// Returns the value of the property of res, converted to its output form.
func (h *PropertyHandle) Get(res interface{}) interface{} {
	return outputValue(h.field(res))
}

// Sets the property of res. The value must be assignable to the field.
func (h *PropertyHandle) Set(res interface{}, value interface{}) error {
	f := h.field(res)
	if !f.CanSet() {
		return InvalidPropertyError{Property: h.Name, Reason: "unsettable"}
	}

	if value == nil {
		f.Set(reflect.Zero(h.Type))
		return nil
	}

	v := reflect.ValueOf(value)
	if !v.Type().AssignableTo(h.Type) {
		if !v.Type().ConvertibleTo(h.Type) {
			return InvalidPropertyError{Property: h.Name}
		}
		v = v.Convert(h.Type)
	}

	f.Set(v)

	return nil
}

// Returns the raw field value.
func (h *PropertyHandle) Value(res interface{}) interface{} {
	return h.field(res).Interface()
}

func (h *PropertyHandle) field(res interface{}) reflect.Value {
	return indirectValue(reflect.ValueOf(res)).FieldByIndex(h.Index)
}

// The validation expression as it was written in the tag.
func (h *PropertyHandle) CheckSource() string {
	return h.check
}

func (h *PropertyHandle) verify(res interface{}) bool {
	if h.Check == nil {
		return true
	}

	f := h.field(res)
	if f.Kind() == reflect.Ptr {
		if f.IsNil() {
			return true
		}
		f = f.Elem()
	}
	if f.Kind() != reflect.String {
		return true
	}

	return h.Check.MatchString(f.String())
}

// The properties of a resource type in declaration order.
type PropMap struct {
	Type   reflect.Type
	Props  []*PropertyHandle
	byName map[string]*PropertyHandle
}

// Returns a property by name.
func (pm *PropMap) Lookup(name string) (*PropertyHandle, bool) {
	h, ok := pm.byName[name]
	return h, ok
}

var propMapCache sync.Map

// Returns the property map of the type of res. The maps are built once per type.
//
// Panics if res is not a struct or a pointer to a struct.
func CachedPropMap(res interface{}) *PropMap {
	t := reflect.TypeOf(res)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("%T is not a struct", res))
	}

	if pm, ok := propMapCache.Load(t); ok {
		return pm.(*PropMap)
	}

	pm := buildPropMap(t)
	actual, _ := propMapCache.LoadOrStore(t, pm)

	return actual.(*PropMap)
}

func buildPropMap(t reflect.Type) *PropMap {
	pm := &PropMap{
		Type:   t,
		byName: make(map[string]*PropertyHandle),
	}

	collectProps(pm, t, nil)

	return pm
}

func collectProps(pm *PropMap, t reflect.Type, prefix []int) {
	n := t.NumField()
	for i := 0; i < n; i++ {
		f := t.Field(i)
		index := append(append([]int{}, prefix...), i)

		name, tagged := jsonName(f)
		if name == "-" {
			continue
		}

		if f.Anonymous && !tagged && f.Type.Kind() == reflect.Struct {
			collectProps(pm, f.Type, index)
			continue
		}

		if f.PkgPath != "" {
			continue
		}

		if _, exists := pm.byName[name]; exists {
			continue
		}

		h := &PropertyHandle{
			Name:     name,
			Index:    index,
			Type:     f.Type,
			Tag:      f.Tag,
			NoSlice:  f.Tag.Get("noslice") == "true",
			NoSearch: f.Tag.Get("nosearch") == "true",
			ReadOnly: f.Tag.Get("readonly") == "true" || name == IDProperty,
		}

		if check := f.Tag.Get("check"); check != "" {
			h.check = check
			h.Check = regexp.MustCompile("^(?:" + check + ")$")
		}

		pm.Props = append(pm.Props, h)
		pm.byName[name] = h
	}
}

func jsonName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}

	name := strings.Split(tag, ",")[0]
	if name == "" {
		return f.Name, false
	}

	return name, true
}

func indirectValue(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		v = v.Elem()
	}

	return v
}

func outputValue(v reflect.Value) interface{} {
	if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) && v.IsNil() {
		return nil
	}

	if v.Type().Implements(identifierType) && v.Kind() == reflect.Ptr {
		return v.Interface().(identifier).GetID()
	}

	if v.Kind() == reflect.Slice && v.Type().Elem().Implements(identifierType) && v.Type().Elem().Kind() == reflect.Ptr {
		ids := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			if el := v.Index(i); !el.IsNil() {
				ids = append(ids, el.Interface().(identifier).GetID())
			}
		}
		return ids
	}

	return v.Interface()
}

// Selects the requested properties of a resource.
//
// The id property is always part of the result. Unknown properties are listed under "_notFound",
// noslice properties under "_accessDenied"; these keys are only present when they are not empty.
func Slice(res Resource, fields []string) map[string]interface{} {
	pm := CachedPropMap(res)
	out := make(map[string]interface{}, len(fields)+1)

	if h, ok := pm.Lookup(IDProperty); ok {
		out[IDProperty] = h.Get(res)
	}

	notFound := []string{}
	accessDenied := []string{}
	seen := map[string]bool{IDProperty: true}

	for _, name := range fields {
		if seen[name] {
			continue
		}
		seen[name] = true

		h, ok := pm.Lookup(name)
		switch {
		case !ok:
			notFound = append(notFound, name)
		case h.NoSlice:
			accessDenied = append(accessDenied, name)
		default:
			out[name] = h.Get(res)
		}
	}

	if len(notFound) > 0 {
		sort.Strings(notFound)
		out[NotFoundKey] = notFound
	}

	if len(accessDenied) > 0 {
		sort.Strings(accessDenied)
		out[AccessDeniedKey] = accessDenied
	}

	return out
}

// Returns every property of a resource, except the noslice ones.
func Sanitize(res Resource) map[string]interface{} {
	return sanitize(res, false)
}

// Returns the properties of a resource that can be indexed by the search: everything except the noslice and the nosearch ones.
func SanitizeSearchable(res Resource) map[string]interface{} {
	return sanitize(res, true)
}

func sanitize(res Resource, searchable bool) map[string]interface{} {
	pm := CachedPropMap(res)
	out := make(map[string]interface{}, len(pm.Props))

	for _, h := range pm.Props {
		if h.NoSlice || (searchable && h.NoSearch) {
			continue
		}

		out[h.Name] = h.Get(res)
	}

	return out
}

// Slices the resource if fields are given, sanitizes it otherwise.
func SliceOrSanitize(res Resource, fields []string) map[string]interface{} {
	if fields == nil {
		return Sanitize(res)
	}

	return Slice(res, fields)
}

// Applies a partial update to a resource.
//
// Every value is decoded into the type of its property before anything is changed, so a failed patch leaves the resource intact.
// Unknown, noslice and read only properties are rejected.
func Patch(res Resource, values map[string]json.RawMessage) error {
	pm := CachedPropMap(res)

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	decoded := make([]reflect.Value, len(names))
	handles := make([]*PropertyHandle, len(names))

	for i, name := range names {
		h, ok := pm.Lookup(name)
		if !ok {
			return InvalidPropertyError{Property: name, Reason: "unknown"}
		}
		if h.NoSlice {
			return InvalidPropertyError{Property: name, Reason: "inaccessible"}
		}
		if h.ReadOnly {
			return InvalidPropertyError{Property: name, Reason: "read only"}
		}

		v := reflect.New(h.Type)
		if err := json.Unmarshal(values[name], v.Interface()); err != nil {
			return InvalidPropertyError{Property: name}
		}

		decoded[i] = v.Elem()
		handles[i] = h
	}

	for i, h := range handles {
		h.field(res).Set(decoded[i])
	}

	return nil
}

// Checks the string properties of a resource against their check expressions.
//
// Returns an InvalidPropertyError for the first property that does not match.
func Verify(res Resource) error {
	pm := CachedPropMap(res)

	for _, h := range pm.Props {
		if !h.verify(res) {
			return InvalidPropertyError{Property: h.Name}
		}
	}

	return nil
}

// Returns the validation expressions of a resource type, keyed by property name.
func Validations(res Resource) map[string]string {
	pm := CachedPropMap(res)
	out := make(map[string]string)

	for _, h := range pm.Props {
		if h.Check != nil {
			out[h.Name] = h.check
		}
	}

	return out
}

// Returns a property handle of a resource.
func LookupProperty(res Resource, name string) (*PropertyHandle, bool) {
	return CachedPropMap(res).Lookup(name)
}
