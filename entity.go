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
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/aridwiprayogo/blogify/util"
)

// Interface for the entities.
//
// Types implementing the Entity interface are expected to be pointers to structs.
//
// Struct tags of the fields:
//
// - dbtype: the column type. Defaults to the EntityDBTypeMap entry of the Go type.
//
// - dbdefault: the column default. Columns with a default are filled by the database on insert.
//
// - dbprimary:"true": part of the primary key. Without it the first column is the primary key.
//
// - dbforeign: foreign key, "table.reffield,field,onupdate,ondelete". The last three parts are optional.
//
// - dbnull:"true": nullable column.
//
// - dbunique:"true": unique column.
//
// - nodb:"true": the field is not persisted.
type Entity interface {
	GetID() string
}

type EntityInserter interface {
	Insert(DB) error
}

type EntityUpdater interface {
	Update(DB) error
}

type EntityDeleter interface {
	Delete(DB) error
}

// Maps Go types to PostgreSQL types
var EntityDBTypeMap = map[string]string{
	"string":  "character varying",
	"int64":   "int8",
	"int32":   "int4",
	"int16":   "int2",
	"int":     "int",
	"float32": "float4",
	"float64": "float8",
	"bool":    "bool",
	"Time":    "timestamp with time zone",
	"struct":  "jsonb",
}

type EntityDelegate interface {
	Validate(e Entity) error
	AlterSQL(string) string
}

type entityData struct {
	Type         reflect.Type
	FieldList    string
	Delegate     EntityDelegate
	Columns      []int
	FieldIndexes struct {
		PrimaryKey []int
		Field      []int
		NoDefaults []int
		Defaults   []int
		JSON       []int
	}
	Queries struct {
		Select string
		Insert string
		Update string
		Delete string
	}
	readEvents   entityReadEvents
	insertEvents entityWriteEvents
	updateEvents entityWriteEvents
	deleteEvents entityWriteEvents
}

// Generates and runs the SQL of the registered entity types.
type EntityController struct {
	db          DB
	entityTypes map[string]*entityData
}

func NewEntityController(db DB) *EntityController {
	return &EntityController{
		db:          db,
		entityTypes: make(map[string]*entityData),
	}
}

func (ec *EntityController) getData(e Entity) (string, *entityData) {
	if e == nil {
		panic("entity is nil")
	}

	name := ec.Type(e)
	if d, ok := ec.entityTypes[name]; ok {
		return name, d
	}
	panic("entity type " + name + " is not added to the controller")
}

func (ec *EntityController) getDataByName(name string) *entityData {
	if d, ok := ec.entityTypes[name]; ok {
		return d
	}
	panic("entity type " + name + " is not added to the controller")
}

// Returns the machine name of the entity type, which is also the name of its table.
func (ec *EntityController) Type(e Entity) string {
	return strings.ToLower(reflect.TypeOf(e).Elem().Name())
}

func columnName(f reflect.StructField) string {
	return strings.ToLower(f.Name)
}

func isColumn(f reflect.StructField) bool {
	return f.PkgPath == "" && f.Tag.Get("nodb") != "true"
}

func (ec *EntityController) Add(e Entity, delegate EntityDelegate) *EntityController {
	if reflect.TypeOf(e).Kind() != reflect.Ptr {
		panic("entity must be a pointer")
	}

	entityType := reflect.TypeOf(e).Elem()
	name := ec.Type(e)

	if _, exists := ec.entityTypes[name]; exists {
		panic("entity is already registered")
	}

	data := &entityData{
		Type:     entityType,
		Delegate: delegate,
	}
	ec.entityTypes[name] = data

	for i := 0; i < entityType.NumField(); i++ {
		if isColumn(entityType.Field(i)) {
			data.Columns = append(data.Columns, i)
		}
	}

	prefix := ec.TableAbbrev(name)

	fieldlist := make([]string, len(data.Columns))
	for i, f := range data.Columns {
		fieldlist[i] = prefix + "." + columnName(entityType.Field(f))
	}
	data.FieldList = strings.Join(fieldlist, ", ")

	data.FieldIndexes.PrimaryKey, data.FieldIndexes.Field, data.FieldIndexes.NoDefaults, data.FieldIndexes.Defaults, data.FieldIndexes.JSON = ec.getEntityFieldIndexes(entityType, data.Columns)

	data.Queries.Select = ec.createSelectQuery(name, prefix, entityType)
	data.Queries.Insert = ec.createInsertQuery(name, entityType)
	data.Queries.Update = ec.createUpdateQuery(name, entityType)
	data.Queries.Delete = ec.createDeleteQuery(name, entityType)

	return ec
}

// Adds events that run around every load of the entity type.
func (ec *EntityController) AddReadEvent(entityType string, evt ...EntityReadEvent) *EntityController {
	d := ec.getDataByName(entityType)
	d.readEvents = append(d.readEvents, evt...)
	return ec
}

// Adds events that run around Insert().
func (ec *EntityController) AddInsertEvent(entityType string, evt ...EntityWriteEvent) *EntityController {
	d := ec.getDataByName(entityType)
	d.insertEvents = append(d.insertEvents, evt...)
	return ec
}

// Adds events that run around Update().
func (ec *EntityController) AddUpdateEvent(entityType string, evt ...EntityWriteEvent) *EntityController {
	d := ec.getDataByName(entityType)
	d.updateEvents = append(d.updateEvents, evt...)
	return ec
}

// Adds events that run around Delete().
func (ec *EntityController) AddDeleteEvent(entityType string, evt ...EntityWriteEvent) *EntityController {
	d := ec.getDataByName(entityType)
	d.deleteEvents = append(d.deleteEvents, evt...)
	return ec
}

func (ec *EntityController) TableAbbrev(name string) string {
	return strings.ToLower(ec.getDataByName(name).Type.Name()[:1])
}

// Returns the comma separated column list of the entity type, prefixed with the table abbreviation.
func (ec *EntityController) FieldList(name string) string {
	return ec.getDataByName(name).FieldList
}

func (ec *EntityController) createSelectQuery(name, prefix string, entityType reflect.Type) string {
	data := ec.entityTypes[name]
	sql := "SELECT " + data.FieldList + " FROM \"" + name + "\" " + prefix + " WHERE "
	conds := make([]string, len(data.FieldIndexes.PrimaryKey))
	for i, f := range data.FieldIndexes.PrimaryKey {
		conds[i] = fmt.Sprintf("\"%s\" = $%d", columnName(entityType.Field(f)), i+1)
	}

	sql += strings.Join(conds, " AND ")

	return sql
}

func (ec *EntityController) createInsertQuery(name string, entityType reflect.Type) string {
	data := ec.entityTypes[name]
	fieldlist := make([]string, len(data.FieldIndexes.NoDefaults))
	for i, f := range data.FieldIndexes.NoDefaults {
		fieldlist[i] = "\"" + columnName(entityType.Field(f)) + "\""
	}
	placeholders := util.GeneratePlaceholders(1, uint(len(data.FieldIndexes.NoDefaults)+1))
	sql := "INSERT INTO \"" + name + "\"(" + strings.Join(fieldlist, ", ") + ") VALUES(" + placeholders + ")"

	if len(data.FieldIndexes.Defaults) > 0 {
		returning := make([]string, len(data.FieldIndexes.Defaults))
		for i, f := range data.FieldIndexes.Defaults {
			returning[i] = "\"" + columnName(entityType.Field(f)) + "\""
		}
		sql += " RETURNING " + strings.Join(returning, ", ")
	}

	return sql
}

func (ec *EntityController) createUpdateQuery(name string, entityType reflect.Type) string {
	data := ec.entityTypes[name]
	placeholder := 1

	fields := make([]string, len(data.FieldIndexes.Field))
	for i, f := range data.FieldIndexes.Field {
		fields[i] = fmt.Sprintf("\"%s\" = $%d", columnName(entityType.Field(f)), placeholder)
		placeholder++
	}

	conds := make([]string, len(data.FieldIndexes.PrimaryKey))
	for i, f := range data.FieldIndexes.PrimaryKey {
		conds[i] = fmt.Sprintf("\"%s\" = $%d", columnName(entityType.Field(f)), placeholder)
		placeholder++
	}

	return "UPDATE \"" + name + "\" SET " + strings.Join(fields, ", ") + " WHERE " + strings.Join(conds, " AND ")
}

func (ec *EntityController) createDeleteQuery(name string, entityType reflect.Type) string {
	data := ec.entityTypes[name]
	sql := "DELETE FROM \"" + name + "\" WHERE "
	conds := make([]string, len(data.FieldIndexes.PrimaryKey))
	for i, f := range data.FieldIndexes.PrimaryKey {
		conds[i] = fmt.Sprintf("\"%s\" = $%d", columnName(entityType.Field(f)), i+1)
	}

	sql += strings.Join(conds, " AND ")

	return sql
}

type entityForeignKey struct {
	table     string
	reffields []string
	fields    []string
	onUpdate  string
	onDelete  string
}

// syntax: table.field1.field2,field1.field2,cascade,cascade
func parseForeignKey(decl string) entityForeignKey {
	fkey := entityForeignKey{}
	parts := strings.Split(decl, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}

	firstPart := strings.Split(parts[0], ".")
	if len(firstPart) < 2 {
		panic("invalid foreign key syntax")
	}
	fkey.table = firstPart[0]
	fkey.reffields = firstPart[1:]

	if len(parts) > 1 && parts[1] != "" {
		fkey.fields = strings.Split(parts[1], ".")
	} else {
		fkey.fields = fkey.reffields
	}

	if len(parts) > 2 && parts[2] != "" {
		fkey.onUpdate = strings.ToUpper(parts[2])
	} else {
		fkey.onUpdate = "CASCADE"
	}

	if len(parts) > 3 && parts[3] != "" {
		fkey.onDelete = strings.ToUpper(parts[3])
	} else {
		fkey.onDelete = "CASCADE"
	}

	return fkey
}

func quoteAll(fields []string) []string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = "\"" + f + "\""
	}

	return quoted
}

func (ec *EntityController) SchemaSQL(e Entity) string {
	name, data := ec.getData(e)

	primaryKey := []string{}
	unique := []string{}
	foreignKey := []entityForeignKey{}
	sql := "CREATE TABLE \"" + name + "\"(\n"

	for _, i := range data.Columns {
		field := data.Type.Field(i)
		fieldName := columnName(field)
		sqlType := ec.getDBType(field)
		fieldDefault := ""
		if def := field.Tag.Get("dbdefault"); def != "" {
			fieldDefault = " DEFAULT " + def
		}
		nullable := " NOT NULL"
		if field.Tag.Get("dbnull") == "true" {
			nullable = ""
		}

		if field.Tag.Get("dbprimary") == "true" {
			primaryKey = append(primaryKey, fieldName)
		}

		if field.Tag.Get("dbunique") == "true" {
			unique = append(unique, fieldName)
		}

		if fkdef := field.Tag.Get("dbforeign"); fkdef != "" {
			fk := parseForeignKey(fkdef)
			foreignKey = append(foreignKey, fk)
		}

		sql += "\t\"" + fieldName + "\" " + sqlType + nullable + fieldDefault + ",\n"
	}

	if len(primaryKey) == 0 {
		primaryKey = append(primaryKey, columnName(data.Type.Field(data.Columns[0])))
	}

	sql += "\n"

	for _, fkey := range foreignKey {
		fkname := name + "_" + strings.Join(fkey.fields, "_") + "_fkey"
		sql += "\tCONSTRAINT " + fkname + " " +
			"FOREIGN KEY (" + strings.Join(quoteAll(fkey.fields), ", ") + ") " +
			"REFERENCES \"" + fkey.table + "\"(" + strings.Join(quoteAll(fkey.reffields), ", ") + ") " +
			"MATCH SIMPLE ON UPDATE " + fkey.onUpdate + " ON DELETE " + fkey.onDelete + ",\n"
	}

	for _, u := range unique {
		sql += "\tCONSTRAINT " + name + "_" + u + "_key UNIQUE (\"" + u + "\"),\n"
	}

	sql += "\tCONSTRAINT " + name + "_pkey PRIMARY KEY (" + strings.Join(quoteAll(primaryKey), ", ") + ")\n"

	sql += ");\n"

	if data.Delegate != nil {
		sql = data.Delegate.AlterSQL(sql)
	}

	return sql
}

func (ec *EntityController) getDBType(field reflect.StructField) string {
	if sqlType := field.Tag.Get("dbtype"); sqlType != "" {
		return sqlType
	}

	t := field.Type
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if sqlType := EntityDBTypeMap[t.Name()]; sqlType != "" {
		return sqlType
	}
	if sqlType := EntityDBTypeMap[t.Kind().String()]; sqlType != "" {
		return sqlType
	}

	return ""
}

func (ec *EntityController) getEntityFieldIndexes(entityType reflect.Type, columns []int) ([]int, []int, []int, []int, []int) {
	primaries := []int{}
	fields := []int{}
	nodefaults := []int{}
	defaults := []int{}
	jsons := []int{}

	for _, i := range columns {
		field := entityType.Field(i)
		if field.Tag.Get("dbprimary") == "true" {
			primaries = append(primaries, i)
		} else {
			fields = append(fields, i)
		}
		if field.Tag.Get("dbdefault") == "" {
			nodefaults = append(nodefaults, i)
		} else {
			defaults = append(defaults, i)
		}
		if dbtype := ec.getDBType(field); dbtype == "jsonb" || dbtype == "json" {
			jsons = append(jsons, i)
		}
	}

	if len(primaries) == 0 {
		primaries, fields = fields[:1], fields[1:]
	}

	return primaries, fields, nodefaults, defaults, jsons
}

func (ec *EntityController) Empty(name string) Entity {
	return reflect.New(ec.getDataByName(name).Type).Interface().(Entity)
}

// Loads an entity by its primary key. Returns nil without an error if the entity does not exist.
func (ec *EntityController) Load(db DB, entityType string, keys ...interface{}) (Entity, error) {
	entities, err := ec.LoadFromQuery(db, entityType, ec.getDataByName(entityType).Queries.Select, keys...)
	if err != nil {
		return nil, err
	}

	if len(entities) != 1 {
		return nil, nil
	}

	return entities[0], nil
}

// Loads entities with a custom query. The query must select the columns in the order of FieldList().
func (ec *EntityController) LoadFromQuery(db DB, entityType string, query string, args ...interface{}) ([]Entity, error) {
	if db == nil {
		db = ec.db
	}
	data := ec.getDataByName(entityType)

	query, args = data.readEvents.invokeBefore(db, entityType, query, args)

	entities, err := ec.loadFromQuery(db, entityType, data, query, args)

	return data.readEvents.invokeAfter(db, entityType, entities, err)
}

func (ec *EntityController) loadFromQuery(db DB, entityType string, data *entityData, query string, args []interface{}) ([]Entity, error) {
	entities := []Entity{}
	rows, err := db.Query(query, args...)
	if err != nil {
		return []Entity{}, err
	}
	defer rows.Close()

	for rows.Next() {
		e := ec.Empty(entityType)
		v := reflect.ValueOf(e).Elem()
		pointers := make([]interface{}, len(data.Columns))
		for i, f := range data.Columns {
			pointers[i] = ec.scanDataPointer(v, data, f)
		}
		if err := rows.Scan(pointers...); err != nil {
			return []Entity{}, err
		}

		if err := ec.fixJSONStruct(v, data, pointers); err != nil {
			return []Entity{}, err
		}

		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return []Entity{}, err
	}

	return entities, nil
}

func (ec *EntityController) Insert(db DB, e Entity) error {
	if db == nil {
		db = ec.db
	}
	name, data := ec.getData(e)

	if err := data.insertEvents.invokeBefore(db, name, e); err != nil {
		return err
	}

	var err error
	if ei, ok := e.(EntityInserter); ok {
		err = ei.Insert(db)
	} else {
		err = ec.insert(db, data, e)
	}

	return data.insertEvents.invokeAfter(db, name, e, err)
}

func (ec *EntityController) insert(db DB, data *entityData, e Entity) error {
	v := reflect.ValueOf(e).Elem()
	args := make([]interface{}, len(data.FieldIndexes.NoDefaults))
	for i, f := range data.FieldIndexes.NoDefaults {
		args[i] = ec.fieldData(v, data, f)
	}

	if len(data.FieldIndexes.Defaults) == 0 {
		_, err := db.Exec(data.Queries.Insert, args...)
		return err
	}

	returning := make([]interface{}, len(data.FieldIndexes.Defaults))
	for i, f := range data.FieldIndexes.Defaults {
		returning[i] = ec.scanDataPointer(v, data, f)
	}

	if err := db.QueryRow(data.Queries.Insert, args...).Scan(returning...); err != nil {
		return err
	}

	for i, f := range data.FieldIndexes.Defaults {
		if !ec.isJSONField(data, f) {
			continue
		}
		if err := json.Unmarshal([]byte(*(returning[i].(*string))), v.Field(f).Addr().Interface()); err != nil {
			return err
		}
	}

	return nil
}

func (ec *EntityController) Update(db DB, e Entity) error {
	if db == nil {
		db = ec.db
	}
	name, data := ec.getData(e)

	if err := data.updateEvents.invokeBefore(db, name, e); err != nil {
		return err
	}

	var err error
	if eu, ok := e.(EntityUpdater); ok {
		err = eu.Update(db)
	} else {
		v := reflect.ValueOf(e).Elem()
		fields := make([]interface{}, len(data.FieldIndexes.Field))
		for i, f := range data.FieldIndexes.Field {
			fields[i] = ec.fieldData(v, data, f)
		}
		pkey := make([]interface{}, len(data.FieldIndexes.PrimaryKey))
		for i, f := range data.FieldIndexes.PrimaryKey {
			pkey[i] = ec.fieldData(v, data, f)
		}

		_, err = db.Exec(data.Queries.Update, append(fields, pkey...)...)
	}

	return data.updateEvents.invokeAfter(db, name, e, err)
}

func (ec *EntityController) Delete(db DB, e Entity) error {
	if db == nil {
		db = ec.db
	}
	name, data := ec.getData(e)

	if err := data.deleteEvents.invokeBefore(db, name, e); err != nil {
		return err
	}

	var err error
	if ed, ok := e.(EntityDeleter); ok {
		err = ed.Delete(db)
	} else {
		v := reflect.ValueOf(e).Elem()
		pkey := make([]interface{}, len(data.FieldIndexes.PrimaryKey))
		for i, f := range data.FieldIndexes.PrimaryKey {
			pkey[i] = ec.fieldData(v, data, f)
		}

		_, err = db.Exec(data.Queries.Delete, pkey...)
	}

	return data.deleteEvents.invokeAfter(db, name, e, err)
}

func (ec *EntityController) Validate(e Entity) error {
	if v, ok := e.(Validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	_, data := ec.getData(e)
	if data.Delegate != nil {
		return data.Delegate.Validate(e)
	}

	return nil
}

// Decodes the scanned JSON columns into their fields. pointers is indexed by column position.
func (ec *EntityController) fixJSONStruct(v reflect.Value, data *entityData, pointers []interface{}) error {
	for pos, i := range data.Columns {
		if !ec.isJSONField(data, i) {
			continue
		}
		raw := []byte(*(pointers[pos].(*string)))
		field := v.Field(i).Addr().Interface()
		if err := json.Unmarshal(raw, field); err != nil {
			return err
		}
	}

	return nil
}

func (ec *EntityController) scanDataPointer(v reflect.Value, data *entityData, i int) interface{} {
	if ec.isJSONField(data, i) {
		return new(string)
	}

	return v.Field(i).Addr().Interface()
}

func (ec *EntityController) fieldData(v reflect.Value, data *entityData, i int) interface{} {
	iface := v.Field(i).Interface()
	if ec.isJSONField(data, i) {
		js, _ := json.Marshal(iface)
		return js
	}

	return iface
}

func (ec *EntityController) isJSONField(data *entityData, i int) bool {
	for _, id := range data.FieldIndexes.JSON {
		if id == i {
			return true
		}
	}

	return false
}
