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
	"encoding/hex"
	"errors"
	"time"

	"github.com/aridwiprayogo/blogify"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/viper"
)

const (
	Issuer = "blogify"

	// Allowed clock skew when checking the time based claims.
	Leeway = time.Second

	DefaultTokenTTL = 7 * 24 * time.Hour

	MinSecretLength = 32
)

var (
	ErrSecretTooShort = errors.New("the secret must be at least 32 bytes long")
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
)

// Issues and validates the signed tokens of the users.
//
// The tokens are HS512 signed JWTs. The subject is the uuid of the user.
type Tokens struct {
	secret []byte
	TTL    time.Duration
	now    func() time.Time
}

func NewTokens(secret []byte, ttl time.Duration) (*Tokens, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}

	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &Tokens{
		secret: secret,
		TTL:    ttl,
		now:    time.Now,
	}, nil
}

// Creates Tokens from the hex encoded "secret" and the "tokenTTL" config values.
func TokensFromConfig(cfg *viper.Viper) (*Tokens, error) {
	secret, err := hex.DecodeString(cfg.GetString("secret"))
	if err != nil {
		return nil, err
	}

	return NewTokens(secret, cfg.GetDuration("tokenTTL"))
}

// Creates a token for a user.
func (t *Tokens) Issue(uuid string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   uuid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.TTL)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(t.secret)
}

// Validates a token and returns the uuid of its user.
func (t *Tokens) Validate(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return "", blogify.WrapError(err, ErrInvalidToken.Error())
	}

	now := t.now()

	if !claims.VerifyIssuer(Issuer, true) {
		return "", ErrInvalidToken
	}

	if !claims.VerifyExpiresAt(now.Add(-Leeway), true) {
		return "", ErrTokenExpired
	}

	if !claims.VerifyIssuedAt(now.Add(Leeway), false) || !claims.VerifyNotBefore(now.Add(Leeway), false) {
		return "", ErrInvalidToken
	}

	if !blogify.IsUUID(claims.Subject) {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}
