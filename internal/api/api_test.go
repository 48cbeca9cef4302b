package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/events"
	"nexus-core/internal/firewall"
	"nexus-core/internal/jobs"
	"nexus-core/internal/monitor"
	"nexus-core/internal/portfolio"
	"nexus-core/pkg/config"
	"nexus-core/pkg/db"
	"nexus-core/pkg/solana"
)

const (
	testSecret  = "test-secret"
	opsToken    = "ops-token-123"
	otherHandle = "mallory"
)

var opsHash string

func init() {
	gin.SetMode(gin.TestMode)
	h, err := HashOperatorToken(opsToken)
	if err != nil {
		panic(err)
	}
	opsHash = h
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*db.Account
}

func (f *fakeAccounts) Ensure(ctx context.Context, handle string) (*db.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[handle]; ok {
		return a, nil
	}
	a := &db.Account{Handle: handle, WalletRef: solana.PublicKey{byte(len(f.accounts) + 1)}.String(), RiskProfile: db.RiskBalanced}
	f.accounts[handle] = a
	return a, nil
}

func (f *fakeAccounts) SetAutoTrade(ctx context.Context, handle string, enabled *bool) (*db.Account, error) {
	a, _ := f.Ensure(ctx, handle)
	f.mu.Lock()
	defer f.mu.Unlock()
	if enabled == nil {
		a.AutoTrade = !a.AutoTrade
	} else {
		a.AutoTrade = *enabled
	}
	return a, nil
}

func (f *fakeAccounts) SetRisk(ctx context.Context, handle, level string) (*db.Account, error) {
	p, err := db.ParseRiskProfile(level)
	if err != nil {
		return nil, err
	}
	a, _ := f.Ensure(ctx, handle)
	a.RiskProfile = p
	return a, nil
}

type fakeBreaker struct {
	mu      sync.Mutex
	alive   bool
	reports []firewall.Kind
}

func (b *fakeBreaker) Report(kind firewall.Kind, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, kind)
}

func (b *fakeBreaker) IsAlive() bool { return b.alive }

func (b *fakeBreaker) Snapshot() firewall.HealthState {
	hp := 20
	if !b.alive {
		hp = 0
	}
	return firewall.HealthState{HP: hp, MaxHP: 20, Alive: b.alive}
}

func (b *fakeBreaker) StatusBar() string { return "[██████████] 20/20 HP" }

type fakeBalances struct{}

func (fakeBalances) Refresh(ctx context.Context, handle string) (*db.Account, error) {
	return &db.Account{Handle: handle, WalletRef: "w", SolLamports: 1_500_000_000}, nil
}

type fakePortfolio struct{}

func (fakePortfolio) Value(ctx context.Context, handle string) (*portfolio.Portfolio, error) {
	return &portfolio.Portfolio{Handle: handle}, nil
}

func (fakePortfolio) History(ctx context.Context, handle string, limit int) ([]db.Snapshot, error) {
	return []db.Snapshot{{Handle: handle, TotalUSD: "12.50"}}, nil
}

type testEnv struct {
	bus     *events.Bus
	server  *Server
	queue   *jobs.Queue
	breaker *fakeBreaker
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	bus := events.NewBus()
	queue := jobs.NewQueue(database, config.Queue{MaxAttempts: 3}, bus)
	breaker := &fakeBreaker{alive: true}

	if opts.JWTSecret == "" {
		opts.JWTSecret = testSecret
	}
	if opts.OperatorTokenHash == "" {
		opts.OperatorTokenHash = opsHash
	}
	s := NewServer(Deps{
		Bus:       bus,
		Accounts:  &fakeAccounts{accounts: map[string]*db.Account{}},
		Queue:     queue,
		Breaker:   breaker,
		Balances:  fakeBalances{},
		Portfolio: fakePortfolio{},
		Metrics:   monitor.NewMetrics(),
	}, opts)
	t.Cleanup(s.Close)
	return &testEnv{bus: bus, server: s, queue: queue, breaker: breaker}
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Router.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func (e *testEnv) userToken(t *testing.T, handle string) string {
	t.Helper()
	var resp struct {
		Token  string `json:"token"`
		Handle string `json:"handle"`
	}
	status := e.do(t, http.MethodPost, "/api/ops/tokens", opsToken, map[string]string{"handle": "@" + handle}, &resp)
	if status != http.StatusOK || resp.Token == "" || resp.Handle != handle {
		t.Fatalf("issue token status=%d resp=%+v", status, resp)
	}
	return resp.Token
}

func TestHealthReflectsFirewall(t *testing.T) {
	env := newTestEnv(t, Options{})
	var body struct {
		Status string `json:"status"`
		HP     int    `json:"hp"`
	}
	if status := env.do(t, http.MethodGet, "/health", "", nil, &body); status != http.StatusOK || body.Status != "ok" {
		t.Fatalf("alive health = %d %+v", status, body)
	}
	env.breaker.alive = false
	if status := env.do(t, http.MethodGet, "/health", "", nil, &body); status != http.StatusServiceUnavailable || body.Status != "dead" {
		t.Fatalf("dead health = %d %+v", status, body)
	}
}

func TestAuthBoundaries(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"user without token", "/api/v1/wallet", "", http.StatusUnauthorized},
		{"user with garbage", "/api/v1/wallet", "nope", http.StatusUnauthorized},
		{"user with operator token", "/api/v1/wallet", opsToken, http.StatusUnauthorized},
		{"ops without token", "/api/ops/firewall", "", http.StatusUnauthorized},
		{"ops with wrong token", "/api/ops/firewall", "guess", http.StatusUnauthorized},
		{"ops with operator token", "/api/ops/firewall", opsToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.do(t, http.MethodGet, tt.path, tt.token, nil, nil); got != tt.status {
				t.Fatalf("status = %d, want %d", got, tt.status)
			}
		})
	}

	token := env.userToken(t, "alice")
	var wallet struct {
		Handle string `json:"handle"`
		Wallet string `json:"wallet"`
	}
	if status := env.do(t, http.MethodGet, "/api/v1/wallet", token, nil, &wallet); status != http.StatusOK || wallet.Handle != "alice" {
		t.Fatalf("wallet = %d %+v", status, wallet)
	}
	if !solana.IsValidAddress(wallet.Wallet) {
		t.Fatalf("wallet %q is not an address", wallet.Wallet)
	}

	// A token signed with another secret is rejected.
	forged, _ := GenerateToken(otherHandle, "other-secret", time.Now().Add(time.Hour))
	if status := env.do(t, http.MethodGet, "/api/v1/wallet", forged, nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("forged token status = %d", status)
	}
	expired, _ := GenerateToken("alice", testSecret, time.Now().Add(-time.Minute))
	if status := env.do(t, http.MethodGet, "/api/v1/wallet", expired, nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expired token status = %d", status)
	}
}

func TestOpsDisabledWithoutHash(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.server = NewServer(env.server.deps, Options{JWTSecret: testSecret})
	if status := env.do(t, http.MethodGet, "/api/ops/firewall", opsToken, nil, nil); status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", status)
	}
}

func TestTradeEnqueuesAndValidates(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.userToken(t, "alice")

	var bad struct {
		Code string `json:"code"`
	}
	status := env.do(t, http.MethodPost, "/api/v1/trade", token, map[string]any{"side": "buy", "mint": "SOL", "amount": "1"}, &bad)
	if status != http.StatusBadRequest || bad.Code != "INVALID_REQUEST" {
		t.Fatalf("buy SOL = %d %+v", status, bad)
	}

	var ok struct {
		JobID string `json:"job_id"`
	}
	status = env.do(t, http.MethodPost, "/api/v1/trade", token, map[string]any{"side": "SELL", "mint": "SOL", "amount": "0.02"}, &ok)
	if status != http.StatusAccepted || ok.JobID == "" {
		t.Fatalf("sell SOL = %d %+v", status, ok)
	}
	job, err := env.queue.Get(context.Background(), ok.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p, err := job.Trade()
	if err != nil {
		t.Fatalf("Trade: %v", err)
	}
	if job.Handle != "alice" || p.Origin != jobs.OriginAPI || p.Command.Mint != config.NativeMint || p.Command.Side != jobs.SideSell {
		t.Fatalf("queued job = %+v payload = %+v", job, p)
	}

	status = env.do(t, http.MethodPost, "/api/v1/ask", token, map[string]any{"text": "gm"}, &ok)
	if status != http.StatusAccepted {
		t.Fatalf("ask = %d", status)
	}

	var stats map[string]map[string]int
	if status := env.do(t, http.MethodGet, "/api/ops/jobs/stats", opsToken, nil, &stats); status != http.StatusOK {
		t.Fatalf("stats = %d", status)
	}
	if stats["trade"]["pending"] != 1 || stats["ai"]["pending"] != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestRequeueOnlyDeadJobs(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	if status := env.do(t, http.MethodPost, "/api/ops/jobs/nope/requeue", opsToken, nil, nil); status != http.StatusNotFound {
		t.Fatalf("unknown job = %d", status)
	}

	id, _, err := env.queue.Enqueue(ctx, "alice", jobs.AIPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if status := env.do(t, http.MethodPost, "/api/ops/jobs/"+id+"/requeue", opsToken, nil, nil); status != http.StatusConflict {
		t.Fatalf("pending job requeue = %d, want 409", status)
	}

	job, err := env.queue.Claim(ctx, jobs.TypeAI, "w")
	if err != nil || job == nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := env.queue.Fail(ctx, job, agenterr.New(agenterr.CodeValidation, "bad payload")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var dead []struct {
		ID string `json:"id"`
	}
	if status := env.do(t, http.MethodGet, "/api/ops/jobs/dead", opsToken, nil, &dead); status != http.StatusOK || len(dead) != 1 || dead[0].ID != id {
		t.Fatalf("dead letters = %d %+v", status, dead)
	}
	if status := env.do(t, http.MethodPost, "/api/ops/jobs/"+id+"/requeue", opsToken, nil, nil); status != http.StatusAccepted {
		t.Fatalf("requeue = %d", status)
	}
	revived, _ := env.queue.Get(ctx, id)
	if revived.Status != jobs.StatusPending {
		t.Fatalf("status after requeue = %s", revived.Status)
	}
}

func TestPreferences(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.userToken(t, "bob")

	var resp struct {
		AutoTrade   bool   `json:"auto_trade"`
		RiskProfile string `json:"risk_profile"`
	}
	if status := env.do(t, http.MethodPost, "/api/v1/auto", token, nil, &resp); status != http.StatusOK || !resp.AutoTrade {
		t.Fatalf("toggle = %d %+v", status, resp)
	}
	if status := env.do(t, http.MethodPost, "/api/v1/auto", token, map[string]bool{"enabled": false}, &resp); status != http.StatusOK || resp.AutoTrade {
		t.Fatalf("explicit off = %d %+v", status, resp)
	}
	if status := env.do(t, http.MethodPost, "/api/v1/risk", token, map[string]string{"level": "high"}, &resp); status != http.StatusOK || resp.RiskProfile != "aggressive" {
		t.Fatalf("risk = %d %+v", status, resp)
	}

	var bal struct {
		SOL string `json:"sol"`
	}
	if status := env.do(t, http.MethodGet, "/api/v1/balance", token, nil, &bal); status != http.StatusOK || bal.SOL != "1.5" {
		t.Fatalf("balance = %d %+v", status, bal)
	}
}

func TestRateLimitReportsSpamOnce(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 0.001, RateBurst: 2})

	codes := make([]int, 4)
	for i := range codes {
		codes[i] = env.do(t, http.MethodGet, "/health", "", nil, nil)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests || codes[3] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
	if len(env.breaker.reports) != 1 || env.breaker.reports[0] != firewall.KindSpam {
		t.Fatalf("breaker reports = %v, want one spam", env.breaker.reports)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.server.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestEventStreamForwardsBusEvents(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial err=%v resp=%v", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + opsToken}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	got := make(chan wsMessage, 1)
	go func() {
		var m wsMessage
		if conn.ReadJSON(&m) == nil {
			got <- m
		}
	}()

	// The stream subscribes after the upgrade, so publish until it arrives.
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-got:
			if m.Event != events.EventHealthChange {
				t.Fatalf("event = %s", m.Event)
			}
			return
		case <-tick.C:
			env.bus.Publish(events.EventHealthChange, events.HealthChange{Kind: "error", Delta: -2, HP: 18, MaxHP: 20, Alive: true})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
