// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package auth resolves an incoming request's credentials to a local
// account and checks that account's AuthLevel against what an endpoint
// requires (spec §6).
package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/scidata-fed/librarian/core"
)

// ErrInvalidCredentials is returned when a username/password pair does not
// match a known account.
var ErrInvalidCredentials = errors.New("invalid credentials")

// HashPassword returns a bcrypt hash suitable for storage in
// core.User.PasswordHash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks password against a bcrypt hash previously produced
// by HashPassword, returning ErrInvalidCredentials on mismatch.
func VerifyPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// UserStore is the subset of metadatadb.DB that credential resolution
// needs, kept narrow so auth doesn't import metadatadb directly (avoiding
// an import cycle with packages metadatadb itself may eventually need to
// authorize against).
type UserStore interface {
	GetUser(name string) (core.User, error)
}

// Authenticate resolves a username/password pair to a core.User, or
// ErrInvalidCredentials if the account doesn't exist or the password
// doesn't match.
func Authenticate(store UserStore, username, password string) (core.User, error) {
	u, err := store.GetUser(username)
	if err != nil {
		return core.User{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return core.User{}, err
	}
	return u, nil
}

// Authorize checks that a resolved user's AuthLevel satisfies an
// endpoint's required minimum (spec §6). Peer callbacks authenticate
// differently (a decrypted peer authenticator implies core.AuthCallback)
// and don't go through this path; see the api package's middleware.
func Authorize(u core.User, required core.AuthLevel) error {
	if !u.Level.Satisfies(required) {
		return &core.InvalidAuthLevelError{Level: u.Level.String()}
	}
	return nil
}
