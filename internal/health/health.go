// Package health exposes a narrow grpc health-check surface on the
// relay binary. It uses only the prebuilt server implementation that
// ships inside google.golang.org/grpc/health -- no .proto compilation,
// no custom service definition -- unlike the teacher's
// internal/cloud/grpc_client.go, which depended on a private,
// unfetchable proto module for its actual RPC surface.
package health

import (
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server wraps a grpc.Server hosting only the standard health service.
type Server struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	lis        net.Listener
}

// New constructs a health server, initially reporting NOT_SERVING for
// the empty service name (the whole-process status).
func New() *Server {
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpcServer: grpcServer, healthSrv: healthSrv}
}

// Start listens on addr and serves in the background. Call SetServing
// once the app has finished Begin() so readiness reflects reality.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen on %s: %w", addr, err)
	}
	s.lis = lis

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			log.Printf("health: serve exited: %v", err)
		}
	}()
	log.Printf("health: listening on %s", addr)
	return nil
}

// SetServing flips the whole-process status between SERVING and
// NOT_SERVING.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", status)
}

// Stop gracefully shuts down the grpc server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
