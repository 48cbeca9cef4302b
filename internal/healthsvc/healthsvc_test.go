package healthsvc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"nexus-core/internal/events"
)

func dial(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return res.GetStatus()
}

func TestHealthFollowsFirewall(t *testing.T) {
	bus := events.NewBus()
	s := New(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Follow(ctx, bus)
	client := dial(t, s)

	for _, svc := range []string{"", Service} {
		if got := check(t, client, svc); got != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("%q = %v, want SERVING", svc, got)
		}
	}

	bus.Publish(events.EventHealthChange, events.HealthChange{Kind: "critical", HP: 0, MaxHP: 20, Alive: false})

	deadline := time.Now().Add(2 * time.Second)
	for check(t, client, Service) != healthpb.HealthCheckResponse_NOT_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("health never flipped to NOT_SERVING")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartsNotServingWhenDead(t *testing.T) {
	client := dial(t, New(false))
	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}
}
