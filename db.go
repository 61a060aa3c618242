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
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lib/pq"
)

const dbConnectionKey contextKey = "blogifydb"

var ErrNoDB = errors.New("no database connection")

// An abstraction over *sql.DB and *sql.Tx
type DB interface {
	Exec(string, ...interface{}) (sql.Result, error)
	Query(string, ...interface{}) (*sql.Rows, error)
	QueryRow(string, ...interface{}) *sql.Row
	Prepare(string) (*sql.Stmt, error)
}

// Gets the DB from the request context.
//
// Fails with 500 if the server has no database.
func GetDB(r *http.Request) DB {
	db, ok := r.Context().Value(dbConnectionKey).(DB)
	if !ok || db == nil {
		Fail(http.StatusInternalServerError, ErrNoDB)
	}

	return db
}

// Puts a DB into the request context.
func WithDB(r *http.Request, db DB) *http.Request {
	return SetContext(r, dbConnectionKey, db)
}

func connectToDB(connectString string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", connectString)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(`
		CREATE EXTENSION IF NOT EXISTS plpgsql WITH SCHEMA pg_catalog;
		CREATE EXTENSION IF NOT EXISTS "uuid-ossp" WITH SCHEMA public;
		SET search_path = public, pg_catalog;
	`)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// Connects to the database. Dial errors are retried once a second.
func ConnectDB(connectString string, tries uint) (*sql.DB, error) {
	conn, err := connectToDB(connectString)
	if err != nil {
		var operr *net.OpError
		if errors.As(err, &operr) && operr.Op == "dial" && tries > 0 {
			<-time.After(time.Second)
			return ConnectDB(connectString, tries-1)
		}
		return nil, err
	}

	return conn, nil
}

// A middleware to manage the database connection. Currently only PostgreSQL is supported.
//
// This middleware is automatically added to the server with Bootstrap if the config has a connect string.
func DBMiddleware(connectString string, maxIdleConnections, maxOpenConnections int) (func(http.Handler) http.Handler, *sql.DB, error) {
	conn, err := ConnectDB(connectString, 10)
	if err != nil {
		return nil, nil, err
	}

	conn.SetMaxIdleConns(maxIdleConnections)
	conn.SetMaxOpenConns(maxOpenConnections)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, WithDB(r, conn))
		})
	}, conn, nil
}

// Wraps the rest of the request into a transaction.
//
// The transaction is committed when the handler returns, and rolled back when it panics.
// The handlers can hook into the end of the transaction with AfterCommit() and OnRollback().
// Requests without a *sql.DB in the context (no database, or already in a transaction) pass through.
func TransactionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dbconn, ok := r.Context().Value(dbConnectionKey).(*sql.DB)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		sqltx, err := dbconn.Begin()
		MaybeFail(http.StatusInternalServerError, err)
		tx := &Tx{Tx: sqltx}
		defer tx.Rollback()

		next.ServeHTTP(w, WithDB(r, tx))

		MaybeFail(http.StatusInternalServerError, tx.Commit())
	})
}

// A transaction with callbacks for its outcome.
type Tx struct {
	*sql.Tx
	afterCommit []func()
	onRollback  []func()
}

func (t *Tx) AfterCommit(f func()) {
	t.afterCommit = append(t.afterCommit, f)
}

func (t *Tx) OnRollback(f func()) {
	t.onRollback = append(t.onRollback, f)
}

// Commits the transaction. A failed commit runs the rollback callbacks.
func (t *Tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		t.finish(t.onRollback)
		return err
	}

	t.finish(t.afterCommit)

	return nil
}

// Rolls back the transaction. Calling it on a finished transaction is a noop.
func (t *Tx) Rollback() error {
	err := t.Tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return err
	}

	t.finish(t.onRollback)

	return err
}

func (t *Tx) finish(callbacks []func()) {
	t.afterCommit = nil
	t.onRollback = nil
	for _, f := range callbacks {
		f()
	}
}

type txCallbacks interface {
	AfterCommit(func())
	OnRollback(func())
}

// Runs f when the transaction of db commits. Outside of a transaction f runs immediately.
func AfterCommit(db DB, f func()) {
	if tx, ok := db.(txCallbacks); ok {
		tx.AfterCommit(f)
		return
	}

	f()
}

// Runs f when the transaction of db rolls back. Outside of a transaction f never runs.
func OnRollback(db DB, f func()) {
	if tx, ok := db.(txCallbacks); ok {
		tx.OnRollback(f)
	}
}

// Checks if a table exists in the database.
func TableExists(db DB, table string) bool {
	var found bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_catalog.pg_class c JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace WHERE n.nspname = 'public' AND c.relname = $1 AND c.relkind = 'r');", table).Scan(&found)
	if err != nil {
		panic(err)
	}

	return found
}

// Postgres error codes with a client side cause.
var badRequestCodes = map[pq.ErrorCode]bool{
	"23502": true, // not_null_violation
	"23503": true, // foreign_key_violation
	"23514": true, // check_violation
	"22P02": true, // invalid_text_representation
	"22001": true, // string_data_right_truncation
}

// Maps an error to a HTTP status code.
//
// sql.ErrNoRows is 404, unique violations are 409, constraint and input errors are 400, everything else is 500.
func ErrorStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound
	}

	var perr *pq.Error
	if errors.As(err, &perr) {
		if perr.Code == "23505" {
			return http.StatusConflict
		}
		if badRequestCodes[perr.Code] {
			return http.StatusBadRequest
		}
	}

	var ierr InvalidPropertyError
	if errors.As(err, &ierr) {
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

// Calls Fail() with the status code from ErrorStatus() if err is not nil.
//
// Postgres errors are converted to a VerboseError first, so the user gets the message without the internals.
// Errors that are already VerboseErrors are kept.
func MaybeFailDB(err error) {
	if err == nil {
		return
	}

	if _, ok := err.(VerboseError); !ok {
		err = ConvertDBError(err, DefaultDBErrorConverter)
	}

	Fail(ErrorStatus(err), err)
}

// Converts an error with conv if that error is *pq.Error.
//
// Useful when processing database errors (e.g. constraint violations), so the user can get a nice error message.
func ConvertDBError(err error, conv func(*pq.Error) VerboseError) error {
	if err == nil {
		return nil
	}

	var perr *pq.Error
	if errors.As(err, &perr) {
		return conv(perr)
	}

	return err
}

// Converts a Postgres error to a VerboseError showing only its message.
func DefaultDBErrorConverter(err *pq.Error) VerboseError {
	return WrapError(err, err.Message)
}

// Converts errors of the constraints in msgMap to their messages.
func ConstraintErrorConverter(msgMap map[string]string) func(*pq.Error) VerboseError {
	return func(err *pq.Error) VerboseError {
		if msg, ok := msgMap[err.Constraint]; ok {
			return WrapError(err, msg)
		}

		return DefaultDBErrorConverter(err)
	}
}

func DBErrorToVerboseString(err *pq.Error) string {
	return fmt.Sprintf(`
	Severity         %s
	Code             %s
	Message          %s
	Detail           %s
	Hint             %s
	Table            %s
	Column           %s
	Constraint       %s
`,
		err.Severity,
		err.Code,
		err.Message,
		err.Detail,
		err.Hint,
		err.Table,
		err.Column,
		err.Constraint,
	)
}
