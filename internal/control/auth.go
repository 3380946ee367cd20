// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireBearerToken wraps next with a check against the configured
// bearer token hash. An empty hash disables auth entirely, for local
// development against an unexposed control surface.
//
// The token is hashed at rest with bcrypt and compared with
// bcrypt.CompareHashAndPassword's constant-time posture, rather than a
// plaintext or fast-hash comparison — this also protects the config
// file itself from leaking the live token if it is ever exposed.
func (s *Server) requireBearerToken(next http.Handler) http.Handler {
	if s.bearerHash == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.bearerHash), []byte(token)); err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
