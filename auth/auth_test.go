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

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scidata-fed/librarian/core"
)

type fakeUserStore map[string]core.User

func (f fakeUserStore) GetUser(name string) (core.User, error) {
	u, found := f[name]
	if !found {
		return core.User{}, assert.AnError
	}
	return u, nil
}

func TestHashAndVerifyPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.NoError(t, VerifyPassword(hash, "correct horse battery staple"))
	assert.ErrorIs(t, VerifyPassword(hash, "wrong password"), ErrInvalidCredentials)
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	store := fakeUserStore{}
	_, err := Authenticate(store, "ghost", "anything")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	hash, err := HashPassword("s3cr3t")
	require.NoError(t, err)
	store := fakeUserStore{"alice": core.User{Name: "alice", PasswordHash: hash, Level: core.AuthReadWrite}}

	_, err = Authenticate(store, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateAcceptsCorrectPassword(t *testing.T) {
	hash, err := HashPassword("s3cr3t")
	require.NoError(t, err)
	store := fakeUserStore{"alice": core.User{Name: "alice", PasswordHash: hash, Level: core.AuthReadWrite}}

	u, err := Authenticate(store, "alice", "s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
}

func TestAuthorizeEnforcesMinimumLevel(t *testing.T) {
	u := core.User{Name: "bob", Level: core.AuthReadOnly}
	assert.NoError(t, Authorize(u, core.AuthReadOnly))
	assert.Error(t, Authorize(u, core.AuthAdmin))
}
