// Package system exposes liveness and version information over gRPC health
// checks and plain HTTP.
package system

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported to gRPC health checks.
const ServiceName = "termhub"

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version string `json:"version"`
	Build   string `json:"build"`
	Uptime  string `json:"uptime"`
}

// Service serves health and version information.
type Service struct {
	version string
	build   string
	started time.Time
	logger  zerolog.Logger

	grpcServer *grpc.Server
	health     *health.Server
}

// New creates a Service.
// version and build are typically injected at link time via -ldflags.
func New(version, build string, logger zerolog.Logger) *Service {
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	s := &Service{
		version:    version,
		build:      build,
		started:    time.Now(),
		logger:     logger.With().Str("component", "system").Logger(),
		grpcServer: grpcServer,
		health:     hs,
	}
	s.SetServing(false)
	return s
}

// SetServing flips the reported health of the whole server.
func (s *Service) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve runs the gRPC health service on lis until Stop is called.
func (s *Service) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	return s.grpcServer.Serve(lis)
}

// Stop marks the server as shutting down and stops the gRPC server.
func (s *Service) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Version returns the compiled-in version and build strings.
func (s *Service) Version() VersionInfo {
	return VersionInfo{
		Version: s.version,
		Build:   s.build,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
}

// VersionHandler serves Version as JSON.
func (s *Service) VersionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Version())
}

// HealthHandler reports liveness.
func (s *Service) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
