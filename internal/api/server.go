package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/vvidic/simple-lookup-service/internal/service"
)

// Server wraps the HTTP server and mux for the lookup API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an API server wired with all routes. An empty
// adminToken leaves subscription management open.
func NewServer(
	host string,
	port int,
	adminToken string,
	maxBodyBytes int64,
	requestTimeout time.Duration,
	svc *service.LookupService,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth, no body/deadline middleware)
	mux.Handle("GET /healthz", HandleHealthz())

	lookup := http.NewServeMux()
	lookup.Handle("POST /lookup/records", HandleRegister(svc))
	lookup.Handle("GET /lookup/records", HandleQueryLive(svc))
	lookup.Handle("GET /lookup/records/{uri}", HandleGetRecord(svc))
	lookup.Handle("POST /lookup/records/{uri}", HandleRenew(svc))
	lookup.Handle("DELETE /lookup/records/{uri}", HandleDeleteRecord(svc))

	// The archive namespace accepts queries only.
	lookup.Handle("GET /lookup/services/archive", HandleQueryArchive(svc))
	lookup.Handle("/lookup/services/archive", HandleArchiveReadOnly())

	subs := http.NewServeMux()
	subs.Handle("POST /lookup/subscribe", HandleSubscribe(svc))
	subs.Handle("GET /lookup/subscribe", HandleListSubscriptions(svc))
	subs.Handle("DELETE /lookup/subscribe/{id}", HandleUnsubscribe(svc))

	var subsHandler http.Handler = subs
	if adminToken != "" {
		subsHandler = AuthMiddleware(adminToken, subs)
	}
	lookup.Handle("/lookup/subscribe", subsHandler)
	lookup.Handle("/lookup/subscribe/{id}", subsHandler)

	limited := RequestBodyLimitMiddleware(maxBodyBytes, TimeoutMiddleware(requestTimeout, lookup))
	mux.Handle("/lookup/", limited)

	srv := &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// Serve runs the HTTP server on the given listener. It blocks until the
// server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
