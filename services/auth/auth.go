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
Authentication service.

Users sign in with a username and a password, and get a signed token in return.
The token is sent back in the Authorization header as "Bearer <token>".

Endpoints:

	POST /api/auth/signin   {"username", "password"} -> {"token"}
	POST /api/auth/signup   {"username", "password", "name", "email"} -> the new user
	GET  /api/auth/:token   -> {"uuid"} of the token's user
*/
package auth

import (
	"net/http"
	"strings"

	"github.com/aridwiprayogo/blogify"
)

const userKey contextKey = "authuser"

type contextKey string

var _ blogify.Service = &Service{}

// Auth service settings.
type Service struct {
	Tokens *Tokens
	user   UserDelegate
	// Formats the user after the signup. Defaults to blogify.SliceFormatter.
	Formatter blogify.ResourceFormatter
}

// Creates a new auth service.
func NewService(tokens *Tokens, user UserDelegate) *Service {
	return &Service{
		Tokens:    tokens,
		user:      user,
		Formatter: blogify.SliceFormatter{},
	}
}

func (s *Service) SchemaInstalled(db blogify.DB) bool {
	return true
}

func (s *Service) SchemaSQL() string {
	return ""
}

func (s *Service) Register(srv *blogify.Server) error {
	srv.PostF("/api/auth/signin", s.signinHandler)
	srv.PostF("/api/auth/signup", s.signupHandler, blogify.TransactionMiddleware)
	srv.GetF("/api/auth/:token", s.tokenHandler)

	return nil
}

func (s *Service) signinHandler(w http.ResponseWriter, r *http.Request) {
	data := SigninData{}
	blogify.MustDecode(r, &data)

	uuid, hash, err := s.user.LoadCredentials(r, data.Username)
	blogify.MaybeFailDB(err)

	ok, err := VerifyPassword(data.Password, hash)
	blogify.MaybeFail(http.StatusInternalServerError, err)
	if !ok {
		blogify.Fail(http.StatusForbidden, blogify.NewVerboseError("", "username/password invalid"))
	}

	token, err := s.Tokens.Issue(uuid)
	blogify.MaybeFail(http.StatusInternalServerError, err)

	blogify.LogVerbose(r).Printf("issued token for %s\n", uuid)

	blogify.Render(r).JSON(map[string]string{"token": token})
}

func (s *Service) signupHandler(w http.ResponseWriter, r *http.Request) {
	data := &SignupData{}
	blogify.MustDecode(r, data)

	blogify.MaybeFail(http.StatusBadRequest, blogify.Verify(data))

	hash, err := HashPassword(data.Password)
	blogify.MaybeFail(http.StatusInternalServerError, err)

	user, err := s.user.CreateUser(r, data, hash)
	blogify.MaybeFailDB(err)

	s.Formatter.FormatSingle(r, user, blogify.Render(r).SetCode(http.StatusCreated))
}

func (s *Service) tokenHandler(w http.ResponseWriter, r *http.Request) {
	uuid := s.authenticate(r, blogify.GetParams(r).ByName("token"))

	blogify.Render(r).JSON(map[string]string{"uuid": uuid})
}

// Validates the token, and checks if its user exists. Fails with 403 if any of them fails.
func (s *Service) authenticate(r *http.Request, token string) string {
	uuid, err := s.Tokens.Validate(token)
	if err != nil {
		blogify.LogVerbose(r).Printf("invalid token attempted: %v\n", err)
		blogify.Fail(http.StatusForbidden, blogify.WrapError(err, "invalid token"))
	}

	exists, err := s.user.UserExists(r, uuid)
	blogify.MaybeFail(http.StatusInternalServerError, err)
	if !exists {
		blogify.Fail(http.StatusForbidden, blogify.NewVerboseError("", "invalid token"))
	}

	return uuid
}

// Restricts the endpoint to the users with a valid token.
//
// A missing Authorization header is 401, a header without a bearer token is 400, an invalid token is 403.
// The uuid of the user is available with CurrentUser() in the following handlers.
func (s *Service) LoggedInMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			blogify.Fail(http.StatusUnauthorized, blogify.NewVerboseError("", "missing token"))
		}

		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token == "" {
			blogify.Fail(http.StatusBadRequest, blogify.NewVerboseError("", "malformed token"))
		}

		uuid := s.authenticate(r, token)

		next.ServeHTTP(w, WithUser(r, uuid))
	})
}

// Returns the uuid of the logged in user, or an empty string.
func CurrentUser(r *http.Request) string {
	uuid, _ := r.Context().Value(userKey).(string)
	return uuid
}

// Puts the uuid of a user into the request context.
func WithUser(r *http.Request, uuid string) *http.Request {
	return blogify.SetContext(r, userKey, uuid)
}
