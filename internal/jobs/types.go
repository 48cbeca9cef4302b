package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	agenterr "nexus-core/internal/errors"
	"nexus-core/pkg/config"
	"nexus-core/pkg/solana"
)

// Type selects the worker group that runs a job.
type Type string

const (
	TypeTrade Type = "trade"
	TypeAI    Type = "ai"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Origin records what produced a trade.
const (
	OriginChat = "chat"
	OriginAPI  = "api"
	OriginAuto = "auto"
)

// TradeCommand is immutable once enqueued. Amount is human units: SOL for a
// buy, units of Mint for a sell.
type TradeCommand struct {
	Side   Side            `json:"side"`
	Mint   string          `json:"mint"`
	Amount decimal.Decimal `json:"amount"`
}

// Normalize maps the SOL alias to the native mint and lowercases the side.
func (c TradeCommand) Normalize() TradeCommand {
	c.Side = Side(strings.ToLower(strings.TrimSpace(string(c.Side))))
	c.Mint = strings.TrimSpace(c.Mint)
	if strings.EqualFold(c.Mint, "SOL") {
		c.Mint = config.NativeMint
	}
	return c
}

func (c TradeCommand) Validate() error {
	if c.Side != SideBuy && c.Side != SideSell {
		return agenterr.Newf(agenterr.CodeValidation, "side must be buy or sell, got %q", c.Side)
	}
	if !solana.IsValidAddress(c.Mint) {
		return agenterr.Newf(agenterr.CodeValidation, "invalid mint %q", c.Mint)
	}
	if !c.Amount.IsPositive() {
		return agenterr.New(agenterr.CodeValidation, "amount must be positive")
	}
	if c.Side == SideBuy && c.Mint == config.NativeMint {
		return agenterr.New(agenterr.CodeValidation, "cannot buy SOL with SOL")
	}
	return nil
}

// Payload is the tagged job body. Each variant fixes its job type.
type Payload interface {
	JobType() Type
	Validate() error
}

type TradePayload struct {
	Command TradeCommand `json:"command"`
	Origin  string       `json:"origin"`
}

func (TradePayload) JobType() Type { return TypeTrade }

func (p TradePayload) Validate() error { return p.Command.Validate() }

type AIPayload struct {
	Text string `json:"text"`
}

func (AIPayload) JobType() Type { return TypeAI }

const maxPromptLen = 4000

func (p AIPayload) Validate() error {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return agenterr.New(agenterr.CodeValidation, "prompt is empty")
	}
	if len(text) > maxPromptLen {
		return agenterr.Newf(agenterr.CodeValidation, "prompt longer than %d bytes", maxPromptLen)
	}
	return nil
}

// Job is one delivery of a queued job, owned by the worker that claimed it.
type Job struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Handle      string    `json:"handle"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	NextRunAt   time.Time `json:"next_run_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	WorkerID    string    `json:"worker_id,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	DedupeKey   string    `json:"dedupe_key,omitempty"`

	raw json.RawMessage
}

// Payload returns the raw JSON body.
func (j *Job) Payload() json.RawMessage { return j.raw }

// Trade decodes a trade job's payload.
func (j *Job) Trade() (TradePayload, error) {
	var p TradePayload
	if j.Type != TypeTrade {
		return p, fmt.Errorf("job %s is %s, not trade", j.ID, j.Type)
	}
	if err := json.Unmarshal(j.raw, &p); err != nil {
		return p, agenterr.Wrap(agenterr.CodeValidation, "decode trade payload", err)
	}
	return p, nil
}

// AI decodes an AI job's payload.
func (j *Job) AI() (AIPayload, error) {
	var p AIPayload
	if j.Type != TypeAI {
		return p, fmt.Errorf("job %s is %s, not ai", j.ID, j.Type)
	}
	if err := json.Unmarshal(j.raw, &p); err != nil {
		return p, agenterr.Wrap(agenterr.CodeValidation, "decode ai payload", err)
	}
	return p, nil
}
