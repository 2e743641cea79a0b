// Package adminhttp serves the proxy's out-of-band HTTP surface: Prometheus
// scraping and a liveness probe. It runs on its own goroutine and its own
// listener, entirely separate from the reactor's epoll-driven SOCKS5
// listener — the reactor never touches net/http.
package adminhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the admin HTTP listener.
type Server struct {
	httpSrv *http.Server
}

// New builds the admin server's router: /metrics via promhttp against reg,
// /healthz returning 200 as long as the process is up.
func New(addr string, reg *prometheus.Registry) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{httpSrv: &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start runs the server in the background. Errors after a successful start
// are reported on the returned channel (http.ErrServerClosed excluded).
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
