// birch/handlers/middleware.go
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"birch/utils"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// IdentityKey holds the caller's hashed identity token. The raw cookie
	// value never travels further than this middleware.
	IdentityKey ContextKey = "identity"
)

// IdentityMiddleware ensures every caller has a persistent identity cookie
// and puts its salted hash on the request context.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("birch_id")
		var token string
		if err != nil || cookie.Value == "" {
			token = uuid.New().String()
			http.SetCookie(w, &http.Cookie{
				Name:     "birch_id",
				Value:    token,
				Path:     "/",
				Expires:  utils.GetTime().Add(365 * 24 * time.Hour),
				HttpOnly: true,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
			})
		} else {
			token = cookie.Value
		}

		ctx := context.WithValue(r.Context(), IdentityKey, utils.HashToken(token))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// identity pulls the hashed caller identity off the context.
func identity(r *http.Request) string {
	id, _ := r.Context().Value(IdentityKey).(string)
	return id
}

// NewStructuredLogger logs one line per request through slog.
func NewStructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
			)
		})
	}
}
