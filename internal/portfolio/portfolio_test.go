package portfolio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"nexus-core/internal/persistence"
	"nexus-core/pkg/config"
	"nexus-core/pkg/db"
	"nexus-core/pkg/solana"
)

var (
	wallet   = solana.PublicKey{1}.String()
	bonkMint = solana.PublicKey{9}.String()
	dustMint = solana.PublicKey{10}.String()
)

type fakeRefresher struct{ lamports uint64 }

func (r fakeRefresher) Refresh(ctx context.Context, handle string) (*db.Account, error) {
	return &db.Account{Handle: handle, WalletRef: wallet, SolLamports: r.lamports}, nil
}

type fakeHoldings []solana.TokenAccount

func (h fakeHoldings) AllTokenAccounts(ctx context.Context, owner string) ([]solana.TokenAccount, error) {
	return h, nil
}

type staticSource struct {
	name   string
	prices map[string]string
	err    error
	calls  int
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]decimal.Decimal{}
	for _, m := range mints {
		if p, ok := s.prices[m]; ok {
			out[m] = decimal.RequireFromString(p)
		}
	}
	return out, nil
}

func TestValueFirstSourceWinsAndMissingPriceIsZero(t *testing.T) {
	holdings := fakeHoldings{
		{Mint: bonkMint, Amount: 1_500_000, Decimals: 6},
		{Mint: bonkMint, Amount: 500_000, Decimals: 6},
		{Mint: dustMint, Amount: 7, Decimals: 0},
	}
	first := &staticSource{name: "first", prices: map[string]string{config.NativeMint: "100"}}
	second := &staticSource{name: "second", prices: map[string]string{config.NativeMint: "999", bonkMint: "0.5"}}
	v := NewValuator(fakeRefresher{lamports: 2_500_000_000}, holdings, NewPriceCache(time.Minute), nil, nil, first, second)

	p, err := v.Value(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if p.SOL.Source != "first" || !p.SOL.ValueUSD.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("sol holding = %+v", p.SOL)
	}
	if len(p.Tokens) != 2 {
		t.Fatalf("tokens = %+v", p.Tokens)
	}
	for _, h := range p.Tokens {
		switch h.Mint {
		case bonkMint:
			if !h.Amount.Equal(decimal.NewFromInt(2)) || !h.ValueUSD.Equal(decimal.NewFromInt(1)) {
				t.Fatalf("bonk = %+v", h)
			}
		case dustMint:
			if !h.ValueUSD.IsZero() || h.Source != "" {
				t.Fatalf("unpriced token = %+v", h)
			}
		}
	}
	if !p.TotalUSD.Equal(decimal.NewFromInt(251)) {
		t.Fatalf("total = %s, want 251", p.TotalUSD)
	}
}

func TestValueUsesCacheAndSkipsFailingSources(t *testing.T) {
	broken := &staticSource{name: "broken", err: errors.New("down")}
	good := &staticSource{name: "good", prices: map[string]string{config.NativeMint: "10"}}
	v := NewValuator(fakeRefresher{lamports: 1_000_000_000}, fakeHoldings{}, NewPriceCache(time.Minute), nil, nil, broken, good)

	for i := 0; i < 2; i++ {
		p, err := v.Value(context.Background(), "bob")
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		if !p.TotalUSD.Equal(decimal.NewFromInt(10)) {
			t.Fatalf("total = %s", p.TotalUSD)
		}
	}
	if good.calls != 1 || broken.calls != 1 {
		t.Fatalf("sources called broken=%d good=%d, want 1 each (second read cached)", broken.calls, good.calls)
	}
}

func TestPriceCacheExpires(t *testing.T) {
	c := NewPriceCache(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	c.Set("m", decimal.NewFromInt(3), "x")
	if p, src, ok := c.Get("m"); !ok || src != "x" || !p.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("Get = %s %s %v", p, src, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, _, ok := c.Get("m"); ok {
		t.Fatal("stale price returned")
	}
	if n := c.Cleanup(); n != 1 || c.Len() != 0 {
		t.Fatalf("Cleanup removed %d, len %d", n, c.Len())
	}
}

func TestHTTPSources(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/api/v3/ticker/price":
			if r.URL.Query().Get("symbol") != "SOLUSDT" {
				http.Error(w, "bad symbol", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"symbol":"SOLUSDT","price":"151.25"}`))
		case "/api/v3/simple/price":
			w.Write([]byte(`{"solana":{"usd":150.5}}`))
		case "/api/v3/simple/token_price/solana":
			if !strings.Contains(r.URL.Query().Get("contract_addresses"), bonkMint) {
				http.Error(w, "missing mint", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"` + strings.ToLower(bonkMint) + `":{"usd":0.25}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := config.Prices{BinanceURL: srv.URL, CoinGeckoURL: srv.URL + "/", Timeout: time.Second}
	ctx := context.Background()

	got, err := NewBinance(cfg).Prices(ctx, []string{config.NativeMint, bonkMint})
	if err != nil {
		t.Fatalf("binance: %v", err)
	}
	if !got[config.NativeMint].Equal(decimal.RequireFromString("151.25")) || len(got) != 1 {
		t.Fatalf("binance prices = %v", got)
	}

	got, err = NewCoinGecko(cfg).Prices(ctx, []string{config.NativeMint, bonkMint})
	if err != nil {
		t.Fatalf("coingecko: %v", err)
	}
	if !got[config.NativeMint].Equal(decimal.RequireFromString("150.5")) || !got[bonkMint].Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("coingecko prices = %v", got)
	}

	before := hits.Load()
	if got, err := NewBinance(cfg).Prices(ctx, []string{bonkMint}); err != nil || len(got) != 0 {
		t.Fatalf("binance without SOL = %v %v", got, err)
	}
	if hits.Load() != before {
		t.Fatal("binance called without SOL in the request")
	}
}

func TestValueAppendsSnapshot(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	writer := persistence.NewBatchWriter(database.DB, 10, time.Hour)

	src := &staticSource{name: "s", prices: map[string]string{config.NativeMint: "20"}}
	v := NewValuator(fakeRefresher{lamports: 500_000_000}, fakeHoldings{}, NewPriceCache(0), writer, database, src)
	ctx := context.Background()
	if _, err := v.Value(ctx, "carol"); err != nil {
		t.Fatalf("Value: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	snaps, err := v.History(ctx, "carol", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(snaps) != 1 || snaps[0].TotalUSD != "10.00" || !strings.Contains(snaps[0].Data, `"handle":"carol"`) {
		t.Fatalf("snapshots = %+v", snaps)
	}
}
