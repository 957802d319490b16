// Package web serves the co-hosted static page and the health endpoint.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"log"
	"net/http"
	"time"
)

//go:embed static
var staticFS embed.FS

// Server is the HTTP side of the process, independent of the bot session:
// it keeps serving even when the session is terminally logged out.
type Server struct {
	srv    *http.Server
	logger *log.Logger
}

// New builds the server. health is polled by the /healthz endpoint for the
// current connection state.
func New(addr string, health func() string, logger *log.Logger) *Server {
	mux := http.NewServeMux()

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		// Unreachable with the embedded tree intact.
		panic(err)
	}
	mux.Handle("/", http.FileServerFS(static))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "ok",
			"connection": health(),
		})
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	if s.logger != nil {
		s.logger.Printf("http listening on %s", s.srv.Addr)
	}
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
