package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer exposes a registry on /metrics until its context ends.
type metricsServer struct {
	srv *http.Server
	ln  net.Listener
	log logr.Logger
}

// listenMetrics binds addr. Binding happens up front so a busy port is
// reported before the run starts.
func listenMetrics(addr string, registry *prometheus.Registry, log logr.Logger) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &metricsServer{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log,
	}, nil
}

// Addr returns the bound address.
func (m *metricsServer) Addr() string { return m.ln.Addr().String() }

// Serve blocks until ctx is done, then shuts the server down.
func (m *metricsServer) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		m.log.Info("metrics server listening", "addr", m.Addr())
		errc <- m.srv.Serve(m.ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
