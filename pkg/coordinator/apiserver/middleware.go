/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the validated caller attached to the request context.
type Identity struct {
	Role string
}

// RoleOperator may hit mutating routes; RoleReader only the read surface.
const (
	RoleOperator = "operator"
	RoleReader   = "reader"
)

func identityFrom(r *http.Request) (Identity, bool) {
	id, ok := r.Context().Value(identityKey).(Identity)
	return id, ok
}

// withIdentity resolves a bearer token to an identity when one is presented.
// It never rejects; requireAuth does that on the routes that need it.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if token, found := strings.CutPrefix(header, "Bearer "); found {
			if role, ok := s.cfg.Tokens[token]; ok {
				ctx := context.WithValue(r.Context(), identityKey, Identity{Role: role})
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without a validated identity.
func requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identityFrom(r); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole rejects identities below the needed role. Operators may do
// everything a reader may.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := identityFrom(r)
			if role == RoleOperator && id.Role != RoleOperator {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "Insufficient permissions"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	rateLimitMax    = 5
	rateLimitWindow = 15 * time.Minute
)

// rateLimiter caps mutating calls per caller per route inside a fixed window.
type rateLimiter struct {
	hits *cache.Cache
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{hits: cache.New(rateLimitWindow, time.Minute)}
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("%s %s %s", callerKey(r), r.Method, r.URL.Path)
		if err := l.hits.Add(key, int64(1), cache.DefaultExpiration); err != nil {
			n, _ := l.hits.IncrementInt64(key, 1)
			if n > rateLimitMax {
				writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "Too many requests"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	return r.RemoteAddr
}

// requestLogger logs each request line through zap rather than chi's default printer.
func requestLogger(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}
