package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", duration.Milliseconds(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
		if s.metrics != nil {
			s.metrics.CountAPIRequest(r.Method, r.URL.Path, ww.Status(), duration)
		}
	})
}

// authMiddleware authenticates requests against the configured tenant API
// keys and stores the resolved tenant ID in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Authorization")
		if key != "" {
			key = strings.TrimPrefix(key, "Bearer ")
		} else {
			key = r.Header.Get("X-API-Key")
		}

		if key == "" {
			s.sendError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		tenantID, ok := s.authenticate(key)
		if !ok {
			s.sendError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate compares the presented key against every tenant's stored
// bcrypt hash and returns the matching tenant ID.
func (s *Server) authenticate(key string) (string, bool) {
	for id, tenant := range s.config.Tenants {
		if tenant.APIKeyHash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(tenant.APIKeyHash), []byte(key)) == nil {
			return id, true
		}
	}
	return "", false
}

// tenantID extracts the authenticated tenant from the request context.
func tenantID(r *http.Request) string {
	id, _ := r.Context().Value(tenantContextKey).(string)
	return id
}
