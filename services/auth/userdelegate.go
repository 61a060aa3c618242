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

package auth

import (
	"net/http"

	"github.com/aridwiprayogo/blogify"
)

// Delegate interface for user management. This decouples the user management from the auth service.
//
// The errors are mapped to status codes with blogify.ErrorStatus(), so sql.ErrNoRows means that the user does not exist.
type UserDelegate interface {
	// Returns the uuid and the password hash of the user with the given username.
	LoadCredentials(r *http.Request, username string) (uuid, hash string, err error)
	// Creates a user from the signup data. The password is already hashed.
	CreateUser(r *http.Request, data *SignupData, hash string) (blogify.Resource, error)
	// Checks if the user still exists.
	UserExists(r *http.Request, uuid string) (bool, error)
}

type SigninData struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SignupData struct {
	Username string `json:"username"`
	Password string `json:"password" check:".{8,}"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}
