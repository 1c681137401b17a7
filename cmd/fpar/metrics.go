package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// newMetricsServer listens on addr straight away so a bad address is a
// startup error rather than something found after jobs have run.
func newMetricsServer(
	addr string,
	reg *prometheus.Registry,
	logger *slog.Logger,
) (*metricsServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on metrics-addr: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	logger.Info("serving metrics", "addr", listener.Addr().String())

	return &metricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

func (m *metricsServer) serve() error {
	if err := m.server.Serve(m.listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}

	return nil
}

func (m *metricsServer) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics: %w", err)
	}

	return nil
}

func (m *metricsServer) addr() string {
	return m.listener.Addr().String()
}
