package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/service"
)

// AuthMiddleware returns an http.Handler that validates the Bearer token
// in the Authorization header against the expected admin token.
func AuthMiddleware(adminToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			WriteError(w, http.StatusForbidden, service.CodeForbidden, "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusForbidden, service.CodeForbidden, "invalid Authorization header format")
			return
		}

		if auth[len(prefix):] != adminToken {
			WriteError(w, http.StatusForbidden, service.CodeForbidden, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// TimeoutMiddleware bounds each request by a deadline. The handler runs
// against a buffered writer; when the deadline fires first the client gets
// a TIMEOUT envelope and the handler's late output is discarded.
func TimeoutMiddleware(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		buf := newBufferedResponse()
		done := make(chan struct{})
		go func() {
			defer close(done)
			next.ServeHTTP(buf, r.WithContext(ctx))
		}()

		select {
		case <-done:
			buf.flushTo(w)
		case <-ctx.Done():
			WriteError(w, http.StatusGatewayTimeout, service.CodeTimeout, "request deadline exceeded")
		}
	})
}
