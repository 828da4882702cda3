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

package api

import (
	"encoding/base64"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scidata-fed/librarian/auth"
	"github.com/scidata-fed/librarian/core"
)

// authLevelMetadataKey is the huma.Operation.Metadata key holding an
// endpoint's minimum required core.AuthLevel (spec §6). Operations that
// omit it (huma's own generated docs routes) require AuthNone; the ping
// endpoint sets AuthNone explicitly.
const authLevelMetadataKey = "authLevel"

type ctxKey int

const (
	userCtxKey ctxKey = iota
	peerCtxKey
)

// withAuthLevel attaches an endpoint's minimum required AuthLevel to a huma
// Operation's metadata, read back by authMiddleware.
func withAuthLevel(op huma.Operation, level core.AuthLevel) huma.Operation {
	if op.Metadata == nil {
		op.Metadata = map[string]any{}
	}
	op.Metadata[authLevelMetadataKey] = level
	return op
}

// requiredAuthLevel reads back the level withAuthLevel attached, defaulting
// to AuthNone.
func requiredAuthLevel(op *huma.Operation) core.AuthLevel {
	if op == nil || op.Metadata == nil {
		return core.AuthNone
	}
	if lvl, ok := op.Metadata[authLevelMetadataKey].(core.AuthLevel); ok {
		return lvl
	}
	return core.AuthNone
}

// callerFromContext returns the core.User resolved for the current request
// by authMiddleware (the zero value, AuthNone, for anonymous callers).
func callerFromContext(ctx interface {
	Value(any) any
}) core.User {
	if u, ok := ctx.Value(userCtxKey).(core.User); ok {
		return u
	}
	return core.User{Level: core.AuthNone}
}

// callingPeerFromContext returns the name of the peer identified by a
// matched Bearer authenticator, and whether one was identified at all.
func callingPeerFromContext(ctx interface {
	Value(any) any
}) (string, bool) {
	name, ok := ctx.Value(peerCtxKey).(string)
	return name, ok
}

// authMiddleware resolves every incoming request's credentials to either a
// local core.User (HTTP Basic: username/password, checked via
// auth.Authenticate) or a federation peer (HTTP Bearer: the peer's
// decrypted authenticator, matched against every known peer's
// EncryptedAuth -- a successful match implies core.AuthCallback directly,
// without ever consulting the user table, per auth.Authorize's doc
// comment). It rejects the request before the handler runs if the
// resolved level doesn't satisfy the operation's declared minimum.
func (s *Server) authMiddleware(api huma.API) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		required := requiredAuthLevel(ctx.Operation())

		header := ctx.Header("Authorization")
		user, peerName, identifiedPeer, err := s.resolveCaller(header)
		if err != nil {
			huma.WriteErr(api, ctx, 401, "authentication failed", err)
			return
		}

		level := user.Level
		if identifiedPeer {
			level = core.AuthCallback
		}
		if !level.Satisfies(required) {
			huma.WriteErr(api, ctx, 401, "insufficient authorization level")
			return
		}

		newCtx := huma.WithValue(ctx, userCtxKey, user)
		if identifiedPeer {
			newCtx = huma.WithValue(newCtx, peerCtxKey, peerName)
		}
		next(newCtx)
	}
}

// resolveCaller decodes an Authorization header into either a local user
// (Basic) or an identified peer (Bearer). An empty header resolves to the
// anonymous (AuthNone) user with no error, so that NONE-level endpoints
// (ping) remain reachable without credentials.
func (s *Server) resolveCaller(header string) (user core.User, peerName string, identifiedPeer bool, err error) {
	if header == "" {
		return core.User{Level: core.AuthNone}, "", false, nil
	}

	switch {
	case strings.HasPrefix(header, "Basic "):
		decoded, decodeErr := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
		if decodeErr != nil {
			return core.User{}, "", false, decodeErr
		}
		username, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return core.User{}, "", false, auth.ErrInvalidCredentials
		}
		u, authErr := auth.Authenticate(s.db, username, password)
		if authErr != nil {
			return core.User{}, "", false, authErr
		}
		return u, "", false, nil

	case strings.HasPrefix(header, "Bearer "):
		token := strings.TrimPrefix(header, "Bearer ")
		name, found, peerErr := s.matchPeerAuthenticator(token)
		if peerErr != nil {
			return core.User{}, "", false, peerErr
		}
		if !found {
			return core.User{}, "", false, auth.ErrInvalidCredentials
		}
		return core.User{Level: core.AuthCallback}, name, true, nil

	default:
		return core.User{}, "", false, auth.ErrInvalidCredentials
	}
}

// matchPeerAuthenticator looks for a registered peer whose decrypted
// authenticator equals token, identifying the calling peer (spec §4.4: the
// authenticator travels as the Authorization header of peer-to-peer
// calls).
func (s *Server) matchPeerAuthenticator(token string) (string, bool, error) {
	all, err := s.db.ListPeers()
	if err != nil {
		return "", false, err
	}
	for _, p := range all {
		full, err := s.db.GetPeer(p.Name)
		if err != nil {
			return "", false, err
		}
		_, plain, err := s.peers.AuthorizedClient(full)
		if err != nil {
			continue // a peer encrypted under a retired key we no longer hold
		}
		if plain == token {
			return p.Name, true, nil
		}
	}
	return "", false, nil
}
