package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"nexus-core/pkg/config"
)

// PriceSource looks up USD prices. Mints it cannot price are left out of
// the result.
type PriceSource interface {
	Name() string
	Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error)
}

type httpSource struct {
	baseURL    string
	httpClient *http.Client
}

func newHTTPSource(base string, timeout time.Duration) httpSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return httpSource{baseURL: strings.TrimRight(base, "/"), httpClient: &http.Client{Timeout: timeout}}
}

func (s httpSource) get(ctx context.Context, path string, params url.Values, out any) error {
	u := s.baseURL + path
	if params != nil {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s status %d: %s", path, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// Binance prices native SOL from the SOLUSDT spot ticker.
type Binance struct {
	httpSource
}

func NewBinance(cfg config.Prices) *Binance {
	return &Binance{newHTTPSource(cfg.BinanceURL, cfg.Timeout)}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	if !contains(mints, config.NativeMint) {
		return out, nil
	}
	var ticker struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := b.get(ctx, "/api/v3/ticker/price", url.Values{"symbol": {"SOLUSDT"}}, &ticker); err != nil {
		return nil, fmt.Errorf("binance ticker: %w", err)
	}
	if ticker.Price.IsPositive() {
		out[config.NativeMint] = ticker.Price
	}
	return out, nil
}

// CoinGecko prices SPL tokens by contract address and SOL by coin id.
type CoinGecko struct {
	httpSource
}

func NewCoinGecko(cfg config.Prices) *CoinGecko {
	return &CoinGecko{newHTTPSource(cfg.CoinGeckoURL, cfg.Timeout)}
}

func (g *CoinGecko) Name() string { return "coingecko" }

type usdQuote struct {
	USD decimal.Decimal `json:"usd"`
}

func (g *CoinGecko) Prices(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	var tokens []string
	for _, m := range mints {
		if m != config.NativeMint {
			tokens = append(tokens, m)
		}
	}

	if contains(mints, config.NativeMint) {
		var res map[string]usdQuote
		if err := g.get(ctx, "/api/v3/simple/price", url.Values{"ids": {"solana"}, "vs_currencies": {"usd"}}, &res); err != nil {
			return nil, fmt.Errorf("coingecko sol: %w", err)
		}
		if q, ok := res["solana"]; ok && q.USD.IsPositive() {
			out[config.NativeMint] = q.USD
		}
	}

	if len(tokens) > 0 {
		var res map[string]usdQuote
		params := url.Values{"contract_addresses": {strings.Join(tokens, ",")}, "vs_currencies": {"usd"}}
		if err := g.get(ctx, "/api/v3/simple/token_price/solana", params, &res); err != nil {
			return nil, fmt.Errorf("coingecko tokens: %w", err)
		}
		for _, m := range tokens {
			q, ok := res[m]
			if !ok {
				q, ok = res[strings.ToLower(m)]
			}
			if ok && q.USD.IsPositive() {
				out[m] = q.USD
			}
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
