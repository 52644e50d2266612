// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package ruleapi is the narrow admin HTTP surface named in the
// domain-stack wiring: Rule CRUD and the human-review queue, kept
// deliberately small (no dashboard, no IdP integration) — the rest of
// authentication/authorization is an out-of-scope external
// collaborator per spec §1; this package only parses and verifies the
// bearer-token contract at the boundary.
package ruleapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"compliancecore/logger"
)

type contextKey string

const subjectContextKey contextKey = "ruleapi_subject"

// jwtAuth builds middleware that requires a valid HS256 bearer token
// signed with secret. A missing/malformed/expired token is rejected
// with 401 before the wrapped handler ever runs; the token's "sub"
// claim (the reviewer or operator identity) is stashed in the request
// context for handlers that need an actor identity (e.g. recording
// human feedback).
func jwtAuth(secret string, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil {
				if log != nil {
					log.Warn("", "", "rejected admin request with invalid token", map[string]interface{}{"error": err.Error()})
				}
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			subject, _ := claims.GetSubject()
			ctx := context.WithValue(r.Context(), subjectContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// subjectFromContext returns the authenticated caller's subject claim,
// or "" if none was set (e.g. in tests that bypass jwtAuth).
func subjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectContextKey).(string); ok {
		return v
	}
	return ""
}
