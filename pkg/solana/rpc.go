package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"nexus-core/pkg/config"
)

var (
	ErrConfirmTimeout     = errors.New("transaction not confirmed before timeout")
	ErrTransactionFailed  = errors.New("transaction failed on chain")
	ErrTokenAccountAbsent = errors.New("token account not found")
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC client for one Solana endpoint.
type Client struct {
	URL            string
	HTTPClient     *http.Client
	Commitment     string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration

	nextID atomic.Uint64
}

// NewClient builds a client from chain settings.
func NewClient(cfg config.Chain) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = "confirmed"
	}
	confirm := cfg.ConfirmTimeout
	if confirm <= 0 {
		confirm = 60 * time.Second
	}
	return &Client{
		URL:            cfg.RPCURL,
		HTTPClient:     &http.Client{Timeout: timeout},
		Commitment:     commitment,
		PollInterval:   500 * time.Millisecond,
		ConfirmTimeout: confirm,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: %w", method, rr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) commitment() map[string]any {
	return map[string]any{"commitment": c.Commitment}
}

// GetBalance returns the native balance of address in lamports.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{address, c.commitment()}, &res); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// TokenAccount is one parsed SPL token account.
type TokenAccount struct {
	Address  string
	Mint     string
	Owner    string
	Program  string // owning token program id
	Amount   uint64
	Decimals uint8
}

type parsedTokenAccounts struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Owner string `json:"owner"`
			Data  struct {
				Parsed struct {
					Info struct {
						Mint        string `json:"mint"`
						Owner       string `json:"owner"`
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals uint8  `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

func (c *Client) tokenAccounts(ctx context.Context, owner string, filter map[string]any) ([]TokenAccount, error) {
	var res parsedTokenAccounts
	opts := map[string]any{"encoding": "jsonParsed", "commitment": c.Commitment}
	if err := c.call(ctx, "getTokenAccountsByOwner", []any{owner, filter, opts}, &res); err != nil {
		return nil, err
	}
	out := make([]TokenAccount, 0, len(res.Value))
	for _, v := range res.Value {
		info := v.Account.Data.Parsed.Info
		amount, err := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse token amount for %s: %w", v.Pubkey, err)
		}
		out = append(out, TokenAccount{
			Address:  v.Pubkey,
			Mint:     info.Mint,
			Owner:    info.Owner,
			Program:  v.Account.Owner,
			Amount:   amount,
			Decimals: info.TokenAmount.Decimals,
		})
	}
	return out, nil
}

// TokenAccountsByMint lists owner's token accounts for one mint.
func (c *Client) TokenAccountsByMint(ctx context.Context, owner, mint string) ([]TokenAccount, error) {
	return c.tokenAccounts(ctx, owner, map[string]any{"mint": mint})
}

// TokenAccountsByProgram lists every token account owner holds under programID.
func (c *Client) TokenAccountsByProgram(ctx context.Context, owner, programID string) ([]TokenAccount, error) {
	return c.tokenAccounts(ctx, owner, map[string]any{"programId": programID})
}

// AllTokenAccounts enumerates holdings under both token programs.
func (c *Client) AllTokenAccounts(ctx context.Context, owner string) ([]TokenAccount, error) {
	var out []TokenAccount
	for _, program := range []string{TokenProgramID, Token2022ProgramID} {
		accts, err := c.TokenAccountsByProgram(ctx, owner, program)
		if err != nil {
			return nil, err
		}
		out = append(out, accts...)
	}
	return out, nil
}

// TokenAccount returns owner's largest token account for mint.
func (c *Client) TokenAccount(ctx context.Context, owner, mint string) (TokenAccount, error) {
	accts, err := c.TokenAccountsByMint(ctx, owner, mint)
	if err != nil {
		return TokenAccount{}, err
	}
	if len(accts) == 0 {
		return TokenAccount{}, fmt.Errorf("%w: owner %s mint %s", ErrTokenAccountAbsent, owner, mint)
	}
	best := accts[0]
	for _, a := range accts[1:] {
		if a.Amount > best.Amount {
			best = a
		}
	}
	return best, nil
}

// TokenBalance sums owner's holdings of mint; a missing account is zero.
func (c *Client) TokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	accts, err := c.TokenAccountsByMint(ctx, owner, mint)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, a := range accts {
		total += a.Amount
	}
	return total, nil
}

// LatestBlockhash returns a recent blockhash for building transactions.
func (c *Client) LatestBlockhash(ctx context.Context) (string, error) {
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{c.commitment()}, &res); err != nil {
		return "", err
	}
	return res.Value.Blockhash, nil
}

// SendTransaction broadcasts a signed wire transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	opts := map[string]any{
		"encoding":            "base64",
		"skipPreflight":       true,
		"preflightCommitment": c.Commitment,
		"maxRetries":          2,
	}
	var sig string
	if err := c.call(ctx, "sendTransaction", []any{base64.StdEncoding.EncodeToString(tx), opts}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// ConfirmTransaction polls until sig reaches the client's commitment, fails
// on chain, or ConfirmTimeout elapses.
func (c *Client) ConfirmTransaction(ctx context.Context, sig string) error {
	ctx, cancel := context.WithTimeout(ctx, c.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		var res struct {
			Value []*signatureStatus `json:"value"`
		}
		err := c.call(ctx, "getSignatureStatuses", []any{[]string{sig}, map[string]any{"searchTransactionHistory": false}}, &res)
		if err == nil && len(res.Value) == 1 && res.Value[0] != nil {
			st := res.Value[0]
			if len(st.Err) > 0 && string(st.Err) != "null" {
				return fmt.Errorf("%w: %s %s", ErrTransactionFailed, sig, st.Err)
			}
			if reached(st.ConfirmationStatus, c.Commitment) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func reached(status, want string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	return rank[status] > 0 && rank[status] >= rank[want]
}
