// Package jupiter is the swap venue client: quotes routes and returns
// unsigned swap transactions for the caller to sign and broadcast.
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	agenterr "nexus-core/internal/errors"
	"nexus-core/pkg/config"
)

const defaultBase = "https://lite-api.jup.ag/swap/v1"

// noRouteCodes are venue error codes meaning "nothing to trade", not failure.
var noRouteCodes = map[string]bool{
	"COULD_NOT_FIND_ANY_ROUTE": true,
	"NO_ROUTES_FOUND":          true,
	"TOKEN_NOT_TRADABLE":       true,
}

// Route is a quoted conversion path. Raw is the venue's quote object, sent
// back verbatim when requesting the swap transaction.
type Route struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	MinOutAmount   uint64 // OutAmount after slippage
	PriceImpactPct float64
	Hops           string
	Raw            json.RawMessage
}

type Client struct {
	HTTPClient  *http.Client
	BaseURL     string
	APIKey      string
	SlippageBps int
}

func New(cfg config.Venue) *Client {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = 100
	}
	return &Client{
		HTTPClient:  &http.Client{Timeout: timeout},
		BaseURL:     strings.TrimRight(base, "/"),
		APIKey:      strings.TrimSpace(cfg.APIKey),
		SlippageBps: slippage,
	}
}

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
	RoutePlan            []struct {
		SwapInfo struct {
			Label string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
}

type venueError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

// Quote asks for the best route. It returns nil, nil when no route exists.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*Route, error) {
	vals := url.Values{}
	vals.Set("inputMint", inputMint)
	vals.Set("outputMint", outputMint)
	vals.Set("amount", strconv.FormatUint(amount, 10))
	vals.Set("slippageBps", strconv.Itoa(c.SlippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/quote?"+vals.Encode(), nil)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeInternal, "build jupiter quote request", err)
	}

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		var ve venueError
		_ = json.Unmarshal(body, &ve)
		if noRouteCodes[ve.ErrorCode] {
			return nil, nil
		}
		return nil, statusError("jupiter quote", status, ve)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeNetwork, "decode jupiter quote", err)
	}
	out, _ := strconv.ParseUint(strings.TrimSpace(resp.OutAmount), 10, 64)
	if out == 0 || len(resp.RoutePlan) == 0 {
		return nil, nil
	}
	in, _ := strconv.ParseUint(resp.InAmount, 10, 64)
	minOut, err := strconv.ParseUint(resp.OtherAmountThreshold, 10, 64)
	if err != nil || minOut == 0 {
		minOut = out
	}
	impact, _ := strconv.ParseFloat(strings.TrimSpace(resp.PriceImpactPct), 64)

	return &Route{
		InputMint:      resp.InputMint,
		OutputMint:     resp.OutputMint,
		InAmount:       in,
		OutAmount:      out,
		MinOutAmount:   minOut,
		PriceImpactPct: impact,
		Hops:           hops(resp),
		Raw:            json.RawMessage(body),
	}, nil
}

type swapRequest struct {
	QuoteResponse           json.RawMessage `json:"quoteResponse"`
	UserPublicKey           string          `json:"userPublicKey"`
	WrapAndUnwrapSol        bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit bool            `json:"dynamicComputeUnitLimit"`
}

// SwapTransaction returns the unsigned serialized transaction for route,
// built for userPublicKey as fee payer.
func (c *Client) SwapTransaction(ctx context.Context, route *Route, userPublicKey string) ([]byte, error) {
	if route == nil || len(route.Raw) == 0 {
		return nil, agenterr.New(agenterr.CodeValidation, "swap requires a quoted route")
	}
	payload, err := json.Marshal(swapRequest{
		QuoteResponse:           route.Raw,
		UserPublicKey:           userPublicKey,
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	})
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeInternal, "marshal swap request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeInternal, "build jupiter swap request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		var ve venueError
		_ = json.Unmarshal(body, &ve)
		return nil, statusError("jupiter swap", status, ve)
	}

	var resp struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, agenterr.Wrap(agenterr.CodeNetwork, "decode jupiter swap", err)
	}
	tx, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CodeNetwork, "decode swap transaction", err)
	}
	return tx, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, agenterr.Wrap(agenterr.CodeNetwork, "jupiter request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return 0, nil, agenterr.Wrap(agenterr.CodeNetwork, "read jupiter response", err)
	}
	return resp.StatusCode, body, nil
}

// statusError maps venue HTTP failures: client errors are permanent, the
// rest are retryable network failures.
func statusError(op string, status int, ve venueError) error {
	msg := fmt.Sprintf("%s: http %d", op, status)
	if ve.Error != "" {
		msg += ": " + ve.Error
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return agenterr.New(agenterr.CodeValidation, msg)
	}
	return agenterr.New(agenterr.CodeNetwork, msg)
}

func hops(resp quoteResponse) string {
	parts := make([]string, 0, len(resp.RoutePlan))
	for _, hop := range resp.RoutePlan {
		label := strings.TrimSpace(hop.SwapInfo.Label)
		if label == "" {
			continue
		}
		if len(parts) == 0 || parts[len(parts)-1] != label {
			parts = append(parts, label)
		}
	}
	if len(parts) == 0 {
		return "jupiter"
	}
	return strings.Join(parts, " > ")
}
