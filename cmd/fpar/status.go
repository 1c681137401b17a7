package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/nixpig/fpar/internal/jobmanager"
)

// shutdownTimeout bounds how long open health watches can hold up exit.
const shutdownTimeout = 2 * time.Second

// statusServer reports worker health over the standard gRPC health service.
// The empty service name is SERVING while any worker can take jobs and each
// worker has its own service, "worker-<id>".
type statusServer struct {
	jobmanager.NopObserver

	health     *health.Server
	grpcServer *grpc.Server
	logger     *slog.Logger

	mu     sync.Mutex
	states []jobmanager.WorkerState
}

func newStatusServer(workers int, tlsConfig *tls.Config, logger *slog.Logger) *statusServer {
	s := &statusServer{
		health: health.NewServer(),
		logger: logger,
		states: make([]jobmanager.WorkerState, workers),
	}

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(contextCheckUnaryInterceptor),
	}

	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	for id := range workers {
		s.health.SetServingStatus(workerService(id), healthpb.HealthCheckResponse_NOT_SERVING)
	}

	return s
}

// WorkerStateChanged implements jobmanager.Observer.
func (s *statusServer) WorkerStateChanged(worker int, state jobmanager.WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if worker < 0 || worker >= len(s.states) {
		s.logger.Warn("state change for unknown worker", "worker", worker)
		return
	}

	s.states[worker] = state
	s.health.SetServingStatus(workerService(worker), servingStatus(state.Serving()))

	anyServing := false
	for _, st := range s.states {
		if st.Serving() {
			anyServing = true
			break
		}
	}

	s.health.SetServingStatus("", servingStatus(anyServing))
}

func (s *statusServer) serve(listener net.Listener) error {
	if err := s.grpcServer.Serve(listener); err != nil &&
		!errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve status: %w", err)
	}

	return nil
}

// shutdown marks everything NOT_SERVING so watchers see the run end, then
// stops the server.
func (s *statusServer) shutdown() {
	s.health.Shutdown()

	stopped := make(chan struct{})

	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("status server didn't stop in time, closing connections")
		s.grpcServer.Stop()
	}
}

func workerService(id int) string {
	return fmt.Sprintf("worker-%d", id)
}

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}

	return healthpb.HealthCheckResponse_NOT_SERVING
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}
