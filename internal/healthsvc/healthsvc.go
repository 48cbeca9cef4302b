// Package healthsvc mirrors firewall health onto the standard gRPC health
// protocol so orchestrators can probe the engine.
package healthsvc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"nexus-core/internal/events"
)

// Service is the name probes ask for; the empty name reports the same.
const Service = "nexus.engine"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New registers the health service. alive is the breaker state at startup.
func New(alive bool) *Server {
	s := &Server{grpc: grpc.NewServer(), health: health.NewServer()}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Set(alive)
	return s
}

func (s *Server) Set(alive bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !alive {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Follow tracks health changes from bus until ctx is done.
func (s *Server) Follow(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventHealthChange, 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if hc, ok := msg.(events.HealthChange); ok {
					s.Set(hc.Alive)
				}
			}
		}
	}()
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains connections.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
