package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes the registered Prometheus collectors on /metrics and a
// plain liveness check on /health.
type Server struct {
	server *http.Server
	log    *logrus.Entry
}

// NewServer builds a metrics server bound to ":port".
func NewServer(port string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    ":" + port,
			Handler: mux,
		},
		log: logger.WithField("component", "metrics_server"),
	}
}

// StartAsync starts the server in a background goroutine. Errors other than
// ErrServerClosed are logged, not returned, mirroring the graceful-shutdown
// convention used across the core's background loops.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Warn("metrics server stopped unexpectedly")
		}
	}()
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
