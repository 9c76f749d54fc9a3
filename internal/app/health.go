package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"xdrforward/internal/config"
	"xdrforward/internal/pipeline"
)

// healthReporter mirrors poll cycle outcomes into the gRPC health service status.
type healthReporter struct {
	server  *health.Server
	service string
	logger  *slog.Logger
}

// ObserveCycle marks the service SERVING after a healthy cycle and NOT_SERVING otherwise.
// Params: report summary of the completed cycle.
// Returns: none.
func (h *healthReporter) ObserveCycle(report pipeline.CycleReport) {
	status := healthpb.HealthCheckResponse_SERVING
	if !report.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(h.service, status)
	h.logger.Debug("health status updated", slog.String("service", h.service), slog.String("status", status.String()))
}

// startHealthServer starts optional gRPC health endpoint.
// Params: ctx controls lifecycle; cfg provides enabled/listen/service options; logger reports runtime events.
// Returns: cycle observer (nil when disabled), idempotent stop function, and startup error.
func startHealthServer(ctx context.Context, cfg config.HealthConfig, logger *slog.Logger) (pipeline.CycleObserver, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}

	reporter, stop := serveHealth(ctx, listener, cfg.Service, logger)
	return reporter, stop, nil
}

// serveHealth registers the health service on listener and serves until stopped.
// Params: ctx lifecycle; listener accepted socket; service name reported per cycle; logger.
// Returns: reporter bound to the server and stop function.
func serveHealth(ctx context.Context, listener net.Listener, service string, logger *slog.Logger) (*healthReporter, func()) {
	status := health.NewServer()
	// Overall status tracks process liveness, the named service tracks the last cycle.
	status.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	status.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, status)

	stop := stopOnDone(ctx, func() {
		status.Shutdown()
		server.GracefulStop()
	})

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("health server failed", slog.String("addr", listener.Addr().String()), slog.String("error", err.Error()))
		}
	}()

	logger.Info("health server started", slog.String("addr", listener.Addr().String()), slog.String("service", service))
	return &healthReporter{server: status, service: service, logger: logger}, stop
}
