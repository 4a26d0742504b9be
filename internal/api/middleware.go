package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

type userKey struct{}

// UserFromContext returns the authenticated API user, if any.
func UserFromContext(ctx context.Context) string {
	u, _ := ctx.Value(userKey{}).(string)
	return u
}

// HashPassword hashes an API user password for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// BasicAuth authenticates requests against the ledger users table.
func BasicAuth(store *ledger.SQLStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, password, ok := r.BasicAuth()
			if !ok {
				unauthorized(w)
				return
			}
			u, err := store.GetUser(r.Context(), name)
			if err != nil {
				slog.Warn("Unknown API user", slog.String("user", name))
				unauthorized(w)
				return
			}
			if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
				slog.Warn("Invalid API credentials", slog.String("user", name))
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, name)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="repobuilder"`)
	writeJSON(w, http.StatusUnauthorized, Response{Success: false, Error: "unauthorized"})
}

// requestLogger logs one line per request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(start)))
	})
}
