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
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/viper"
)

func init() {
	ServerSetups = append(ServerSetups, func(cfg *viper.Viper, s *Server) error {
		ec := NewEntityController(s.GetDBConnection())
		ec.Add(&TestEntity{}, nil)
		res := EntityResource(ec, &TestEntity{}, EntityResourceConfig{
			Name:      "testentities",
			ListOrder: `t."created" ASC`,
		})
		return s.RegisterService(res)
	})
}

var _ Entity = &TestEntity{}

type TestEntityJSON struct {
	A int
	B string
}

type TestEntity struct {
	UUID    string         `json:"uuid" dbtype:"uuid" dbdefault:"uuid_generate_v4()"`
	Mail    string         `json:"mail" check:"[^@]+@[^@]+"`
	Created time.Time      `json:"created" dbdefault:"now()" readonly:"true"`
	JS      TestEntityJSON `json:"js"`
	Extra   string         `json:"extra" nodb:"true"`
}

func (t *TestEntity) GetID() string {
	return t.UUID
}

var _ Entity = &simpleEntity{}

type simpleEntity struct {
	UUID    string    `dbtype:"uuid" dbdefault:"uuid_generate_v4()"`
	Mail    string    `dbunique:"true"`
	Created time.Time
	Owner   string  `dbtype:"uuid" dbforeign:"user.uuid,owner"`
	Parent  *string `dbtype:"uuid" dbnull:"true" dbforeign:"simpleentity.uuid,parent,cascade,set null"`
	Cached  []string `nodb:"true"`
	hidden  string
}

const simpleEntityTable = `CREATE TABLE "simpleentity"(
	"uuid" uuid NOT NULL DEFAULT uuid_generate_v4(),
	"mail" character varying NOT NULL,
	"created" timestamp with time zone NOT NULL,
	"owner" uuid NOT NULL,
	"parent" uuid,

	CONSTRAINT simpleentity_owner_fkey FOREIGN KEY ("owner") REFERENCES "user"("uuid") MATCH SIMPLE ON UPDATE CASCADE ON DELETE CASCADE,
	CONSTRAINT simpleentity_parent_fkey FOREIGN KEY ("parent") REFERENCES "simpleentity"("uuid") MATCH SIMPLE ON UPDATE CASCADE ON DELETE SET NULL,
	CONSTRAINT simpleentity_mail_key UNIQUE ("mail"),
	CONSTRAINT simpleentity_pkey PRIMARY KEY ("uuid")
);
`

func (se *simpleEntity) GetID() string {
	return se.UUID
}

type compositeEntity struct {
	A     string `dbprimary:"true"`
	B     string `dbprimary:"true"`
	Score float64
}

func (c *compositeEntity) GetID() string {
	return c.A + c.B
}

type alteringDelegate struct{}

func (alteringDelegate) Validate(e Entity) error {
	return nil
}

func (alteringDelegate) AlterSQL(sql string) string {
	return sql + "CREATE INDEX compositeentity_score_idx ON \"compositeentity\"(\"score\");\n"
}

func TestEntityControllerSQL(t *testing.T) {
	Convey("Given an entity controller", t, func() {
		ec := NewEntityController(nil)
		ec.Add(&simpleEntity{}, nil)
		name, data := ec.getData(&simpleEntity{})
		So(name, ShouldEqual, "simpleentity")

		Convey("Schema SQL should match", func() {
			schema := ec.SchemaSQL(&simpleEntity{})
			So(schema, ShouldEqual, simpleEntityTable)
		})

		Convey("Query SQL statements should match", func() {
			So(data.Queries.Select, ShouldEqual, `SELECT s.uuid, s.mail, s.created, s.owner, s.parent FROM "simpleentity" s WHERE "uuid" = $1`)
			So(data.Queries.Insert, ShouldEqual, `INSERT INTO "simpleentity"("mail", "created", "owner", "parent") VALUES($1, $2, $3, $4) RETURNING "uuid"`)
			So(data.Queries.Update, ShouldEqual, `UPDATE "simpleentity" SET "mail" = $1, "created" = $2, "owner" = $3, "parent" = $4 WHERE "uuid" = $5`)
			So(data.Queries.Delete, ShouldEqual, `DELETE FROM "simpleentity" WHERE "uuid" = $1`)
		})

		Convey("Fields which are not persisted should not be columns", func() {
			So(data.Columns, ShouldResemble, []int{0, 1, 2, 3, 4})
			So(ec.FieldList("simpleentity"), ShouldNotContainSubstring, "cached")
		})

		Convey("Adding the same type twice should panic", func() {
			So(func() { ec.Add(&simpleEntity{}, nil) }, ShouldPanic)
		})

		Convey("Unknown types should panic", func() {
			So(func() { ec.Empty("nothing") }, ShouldPanic)
		})

		Convey("Empty should return a new entity of the type", func() {
			e := ec.Empty("simpleentity")
			So(e, ShouldHaveSameTypeAs, &simpleEntity{})
		})
	})

	Convey("Given an entity with a composite primary key", t, func() {
		ec := NewEntityController(nil)
		ec.Add(&compositeEntity{}, alteringDelegate{})
		_, data := ec.getData(&compositeEntity{})

		Convey("Every primary key column should be in the conditions", func() {
			So(data.Queries.Update, ShouldEqual, `UPDATE "compositeentity" SET "score" = $1 WHERE "a" = $2 AND "b" = $3`)
			So(data.Queries.Insert, ShouldEqual, `INSERT INTO "compositeentity"("a", "b", "score") VALUES($1, $2, $3)`)
		})

		Convey("The delegate should alter the schema", func() {
			schema := ec.SchemaSQL(&compositeEntity{})
			So(schema, ShouldContainSubstring, `CONSTRAINT compositeentity_pkey PRIMARY KEY ("a", "b")`)
			So(schema, ShouldContainSubstring, `"score" float8 NOT NULL`)
			So(strings.HasSuffix(schema, "compositeentity_score_idx ON \"compositeentity\"(\"score\");\n"), ShouldBeTrue)
		})
	})
}

func TestParseForeignKey(t *testing.T) {
	Convey("Given foreign key declarations", t, func() {
		Convey("The defaults should be filled in", func() {
			fk := parseForeignKey("user.uuid")
			So(fk.table, ShouldEqual, "user")
			So(fk.reffields, ShouldResemble, []string{"uuid"})
			So(fk.fields, ShouldResemble, []string{"uuid"})
			So(fk.onUpdate, ShouldEqual, "CASCADE")
			So(fk.onDelete, ShouldEqual, "CASCADE")
		})

		Convey("Every part should be parsed", func() {
			fk := parseForeignKey("article.uuid, article, restrict, set null")
			So(fk.fields, ShouldResemble, []string{"article"})
			So(fk.onUpdate, ShouldEqual, "RESTRICT")
			So(fk.onDelete, ShouldEqual, "SET NULL")
		})

		Convey("A declaration without a field should panic", func() {
			So(func() { parseForeignKey("user") }, ShouldPanic)
		})
	})
}

func TestEntityCRUD(t *testing.T) {
	if !testServer.HasDB() {
		t.Skip("the test database is not configured")
	}

	Convey("Given a test entity service", t, func() {
		tc := NewTestClient(testServer.URL())

		Convey("An invalid entity should be rejected", func() {
			tc.Request("POST", "/api/testentities", tc.JSONBuffer(map[string]string{"mail": "nope"}), nil, nil, http.StatusBadRequest)
		})

		Convey("It should save an entity", func() {
			t := &TestEntity{
				Mail: "test@example.com",
				JS: TestEntityJSON{
					A: 5,
					B: "asdf",
				},
			}
			tc.Request("POST", "/api/testentities", tc.JSONBuffer(t), nil, func(resp *http.Response) {
				t2 := &TestEntity{}
				tc.DecodeJSON(resp, t2)
				So(t2.UUID, ShouldNotEqual, "")
				So(t2.Created.IsZero(), ShouldBeFalse)
				So(t2.JS, ShouldResemble, t.JS)
				t = t2
			}, http.StatusCreated)

			Convey("It should find the entity", func() {
				tc.Request("GET", "/api/testentities/"+t.UUID, nil, nil, func(resp *http.Response) {
					found := &TestEntity{}
					tc.DecodeJSON(resp, found)
					So(found.UUID, ShouldEqual, t.UUID)
					So(found.Mail, ShouldEqual, t.Mail)
					So(found.JS, ShouldResemble, t.JS)
				}, http.StatusOK)

				Convey("It should be sliced", func() {
					tc.Request("GET", "/api/testentities/"+t.UUID+"?fields=mail,nothing", nil, nil, func(resp *http.Response) {
						tc.AssertJSON(resp, &map[string]interface{}{}, &map[string]interface{}{
							"uuid":      t.UUID,
							"mail":      t.Mail,
							"_notFound": []interface{}{"nothing"},
						})
					}, http.StatusOK)
				})

				Convey("It should be the only entity in the listing", func() {
					tc.Request("GET", "/api/testentities?fields=mail", nil, nil, func(resp *http.Response) {
						tc.AssertJSON(resp, &[]map[string]interface{}{}, &[]map[string]interface{}{
							{"uuid": t.UUID, "mail": t.Mail},
						})
					}, http.StatusOK)
				})

				Convey("It should be patched", func() {
					tc.Request("PATCH", "/api/testentities/"+t.UUID, tc.JSONBuffer(map[string]string{"mail": "test2@example.com"}), nil, func(resp *http.Response) {
						patched := &TestEntity{}
						tc.DecodeJSON(resp, patched)
						So(patched.Mail, ShouldEqual, "test2@example.com")
					}, http.StatusOK)

					Convey("The patch should be saved", func() {
						tc.Request("GET", "/api/testentities/"+t.UUID+"?fields=mail", nil, nil, func(resp *http.Response) {
							tc.AssertJSON(resp, &map[string]interface{}{}, &map[string]interface{}{
								"uuid": t.UUID,
								"mail": "test2@example.com",
							})
						}, http.StatusOK)
					})
				})

				Convey("A read only property should not be patched", func() {
					tc.Request("PATCH", "/api/testentities/"+t.UUID, tc.JSONBuffer(map[string]string{"created": time.Now().Format(time.RFC3339)}), nil, nil, http.StatusBadRequest)
				})

				Convey("It should be deleted", func() {
					tc.Request("DELETE", "/api/testentities/"+t.UUID, nil, nil, nil, http.StatusNoContent)

					Convey("It should be gone", func() {
						tc.Request("GET", "/api/testentities/"+t.UUID, nil, nil, nil, http.StatusNotFound)
						tc.Request("DELETE", "/api/testentities/"+t.UUID, nil, nil, nil, http.StatusNotFound)
					})
				})
			})
		})

		Reset(func() {
			testServer.Server.GetDBConnection().Exec(`TRUNCATE "testentity"`)
		})
	})
}
