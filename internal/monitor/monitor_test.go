package monitor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nexus-core/internal/events"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recordingSink) Send(_ context.Context, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMonitorRecordsMetricsAndAlerts(t *testing.T) {
	bus := events.NewBus()
	sink := &recordingSink{}
	m := &Monitor{Bus: bus, Metrics: NewMetrics(), Sinks: []AlertSink{sink}}
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	bus.Publish(events.EventJobCompleted, events.JobOutcome{JobID: "1", Type: "trade", Duration: 200 * time.Millisecond})
	bus.Publish(events.EventJobFailed, events.JobOutcome{JobID: "2", Type: "ai", Duration: time.Second})
	bus.Publish(events.EventJobDeadLettered, events.JobOutcome{JobID: "3", Type: "trade", Handle: "alice", Err: "venue down", Code: "network"})
	bus.Publish(events.EventHealthChange, events.HealthChange{Kind: "error", HP: 17, MaxHP: 20, Alive: true})
	bus.Publish(events.EventPartialCompletion, events.Alert{Source: "burner", Handle: "bob", Message: "operator leg failed"})

	wants := []string{
		`trade_jobs_total{status="completed"} 1`,
		`trade_jobs_total{status="dead"} 1`,
		`ai_jobs_total{status="failed"} 1`,
		`dead_letters_total{type="trade"} 1`,
		`firewall_hp 17`,
		`partial_completions_total 1`,
		`job_duration_seconds_count{type="trade"} 2`,
	}
	eventually(t, func() bool {
		body := scrape(t, m.Metrics)
		for _, w := range wants {
			if !strings.Contains(body, w) {
				return false
			}
		}
		return true
	}, "metrics")

	eventually(t, func() bool { return len(sink.all()) == 2 }, "two alerts")
	var sawDead, sawPartial bool
	for _, msg := range sink.all() {
		sawDead = sawDead || (strings.Contains(msg, "[dead_letter]") && strings.Contains(msg, "venue down"))
		sawPartial = sawPartial || (strings.Contains(msg, "[burner]") && strings.Contains(msg, "bob"))
	}
	if !sawDead || !sawPartial {
		t.Fatalf("alerts = %q", sink.all())
	}

	snap := m.Metrics.Snapshot()
	if snap.JobLatency["trade"].Count != 2 || snap.JobLatency["ai"].Count != 1 {
		t.Fatalf("latency snapshot = %+v", snap.JobLatency)
	}

	cancel()
	m.Wait()
}

func TestWebhookSink(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		if strings.Contains(got, "fail") {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	if err := sink.Send(context.Background(), "hello ops"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(got, `"text":"hello ops"`) {
		t.Fatalf("body = %s", got)
	}
	if err := sink.Send(context.Background(), "fail please"); err == nil {
		t.Fatal("expected error on 502")
	}
	if len(Sinks("")) != 1 || len(Sinks(srv.URL)) != 2 {
		t.Fatal("Sinks should add the webhook only when configured")
	}
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{100, 1, 2, 3} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Max != 3 || s.Min != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
