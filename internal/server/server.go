// Package server exposes the gateway over the git smart HTTP surface plus
// a small JSON management API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/gitvault/gitvault/internal/gateway"
)

// Server terminates HTTP for one gateway.
type Server struct {
	gw   *gateway.Gateway
	log  zerolog.Logger
	http *http.Server
}

func New(gw *gateway.Gateway, addr string, log zerolog.Logger) *Server {
	s := &Server{gw: gw, log: log}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("serving git smart HTTP")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener, for tests and socket activation.
func (s *Server) Serve(ln net.Listener) error {
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections, then waits for queued propagation tasks.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	return s.gw.Close()
}

// Handler exposes the route tree, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// logRequests is a minimal access-log middleware.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
