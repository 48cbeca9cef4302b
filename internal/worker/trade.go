// Package worker holds the job handlers run by the worker pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"nexus-core/internal/burner"
	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/firewall"
	"nexus-core/internal/jobs"
	"nexus-core/pkg/config"
	"nexus-core/pkg/db"
	"nexus-core/pkg/i18n"
	"nexus-core/pkg/jupiter"
	"nexus-core/pkg/solana"
)

type AccountStore interface {
	GetAccount(ctx context.Context, handle string) (*db.Account, error)
}

type Swapper interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*jupiter.Route, error)
	Execute(ctx context.Context, route *jupiter.Route, handle string) (string, error)
}

// Holdings resolves the token account a sell is paid from.
type Holdings interface {
	TokenAccount(ctx context.Context, owner, mint string) (solana.TokenAccount, error)
}

type FeeSplitter interface {
	SplitAndSend(ctx context.Context, handle string, total uint64, fraction float64) (burner.Split, error)
}

type Refresher interface {
	Refresh(ctx context.Context, handle string) (*db.Account, error)
}

type Notifier interface {
	Notify(ctx context.Context, handle, text string) bool
}

// TradeDeps groups the collaborators of a TradeHandler.
type TradeDeps struct {
	Accounts  AccountStore
	Swaps     Swapper
	Holdings  Holdings
	Fees      FeeSplitter
	Refresher Refresher
	Notifier  Notifier
	Breaker   firewall.Reporter
}

// TradeHandler runs one trade job: account lookup, fuel burn, main swap,
// balance refresh, notification. A failing step aborts the attempt.
type TradeHandler struct {
	TradeDeps
	fuel      config.Fuel
	quoteMint string
}

func NewTradeHandler(deps TradeDeps, fuel config.Fuel, quoteMint string) *TradeHandler {
	if quoteMint == "" {
		quoteMint = config.USDCMint
	}
	return &TradeHandler{TradeDeps: deps, fuel: fuel, quoteMint: quoteMint}
}

// TradeOutcome describes what a successful attempt did.
type TradeOutcome struct {
	NoRoute       bool
	Signature     string
	FuelSignature string
	Fuel          *burner.Split
	Account       *db.Account
}

func (h *TradeHandler) Handle(ctx context.Context, job *jobs.Job) error {
	p, err := job.Trade()
	if err != nil {
		return err
	}
	cmd := p.Command.Normalize()
	if err := cmd.Validate(); err != nil {
		return err
	}

	out, err := h.Run(ctx, job.Handle, cmd)
	if err != nil {
		if finalAttempt(job, err) {
			h.Notifier.Notify(ctx, job.Handle, i18n.M().TradeFailed)
		}
		return err
	}

	symbol := displayMint(cmd.Mint)
	if out.NoRoute {
		h.Notifier.Notify(ctx, job.Handle, fmt.Sprintf(i18n.M().TradeNoRoute, cmd.Side, symbol))
		return nil
	}
	log.Printf("💱 [trade] %s %s %s %s (%s) sig=%s", job.Handle, cmd.Side, cmd.Amount, symbol, p.Origin, out.Signature)
	h.Notifier.Notify(ctx, job.Handle, fmt.Sprintf(i18n.M().TradeExecuted, cmd.Side, cmd.Amount, symbol))
	return nil
}

// Run executes the trade for handle. A missing main route is a normal
// outcome reported through TradeOutcome.NoRoute.
func (h *TradeHandler) Run(ctx context.Context, handle string, cmd jobs.TradeCommand) (*TradeOutcome, error) {
	acct, err := h.Accounts.GetAccount(ctx, handle)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, agenterr.Newf(agenterr.CodeValidation, "no account for %s", handle)
		}
		h.report(firewall.KindError, fmt.Sprintf("account lookup %s: %v", handle, err))
		return nil, agenterr.Wrap(agenterr.CodeInternal, "account lookup", err)
	}
	if acct.WalletRef == "" {
		return nil, agenterr.Newf(agenterr.CodeSecurity, "account %s has no wallet", handle)
	}

	out := &TradeOutcome{}
	if err := h.burnFuel(ctx, handle, out); err != nil {
		return nil, err
	}

	input, output, amount, err := h.legs(ctx, acct, cmd)
	if err != nil {
		return nil, err
	}
	route, err := h.Swaps.Quote(ctx, input, output, amount)
	if err != nil {
		return nil, err
	}
	if route == nil {
		log.Printf("🚫 [trade] no route %s→%s for %s", input, output, handle)
		out.NoRoute = true
		return out, nil
	}
	sig, err := h.Swaps.Execute(ctx, route, handle)
	if err != nil {
		return nil, err
	}
	out.Signature = sig

	updated, err := h.Refresher.Refresh(ctx, handle)
	if err != nil {
		// The swap already landed; the next notification or resync heals
		// the cached balance.
		h.report(firewall.KindError, fmt.Sprintf("post-trade refresh %s: %v", handle, err))
		log.Printf("⚠️ [trade] refresh after %s: %v", sig, err)
		out.Account = acct
		return out, nil
	}
	out.Account = updated
	return out, nil
}

// burnFuel swaps the configured SOL spend into the fuel asset and splits
// the received amount between the burn and operator accounts.
func (h *TradeHandler) burnFuel(ctx context.Context, handle string, out *TradeOutcome) error {
	if !h.fuel.Enabled() || h.Fees == nil {
		return nil
	}
	route, err := h.Swaps.Quote(ctx, config.NativeMint, h.fuel.Mint, h.fuel.SpendLamports)
	if err != nil {
		return err
	}
	if route == nil {
		log.Printf("⛽ [trade] no fuel route for %s, skipping", handle)
		return nil
	}
	sig, err := h.Swaps.Execute(ctx, route, handle)
	if err != nil {
		return err
	}
	out.FuelSignature = sig

	received := route.MinOutAmount
	if received == 0 {
		received = route.OutAmount
	}
	split, err := h.Fees.SplitAndSend(ctx, handle, received, h.fuel.BurnFraction)
	if err != nil {
		return err
	}
	out.Fuel = &split
	return nil
}

// legs resolves input mint, output mint and base-unit amount for cmd.
func (h *TradeHandler) legs(ctx context.Context, acct *db.Account, cmd jobs.TradeCommand) (string, string, uint64, error) {
	if cmd.Side == jobs.SideBuy {
		lamports, err := solana.ToBaseUnits(cmd.Amount, solana.SOLDecimals)
		if err != nil {
			return "", "", 0, agenterr.Wrap(agenterr.CodeValidation, "buy amount", err)
		}
		return config.NativeMint, cmd.Mint, lamports, nil
	}

	if cmd.Mint == config.NativeMint {
		lamports, err := solana.ToBaseUnits(cmd.Amount, solana.SOLDecimals)
		if err != nil {
			return "", "", 0, agenterr.Wrap(agenterr.CodeValidation, "sell amount", err)
		}
		if lamports > acct.SolLamports {
			return "", "", 0, agenterr.Newf(agenterr.CodeValidation, "insufficient SOL: have %s", solana.LamportsToSOL(acct.SolLamports))
		}
		return config.NativeMint, h.quoteMint, lamports, nil
	}

	ta, err := h.Holdings.TokenAccount(ctx, acct.WalletRef, cmd.Mint)
	if errors.Is(err, solana.ErrTokenAccountAbsent) {
		return "", "", 0, agenterr.Newf(agenterr.CodeValidation, "no %s holdings", displayMint(cmd.Mint))
	}
	if err != nil {
		h.report(firewall.KindRPCFailure, fmt.Sprintf("token account %s: %v", cmd.Mint, err))
		return "", "", 0, agenterr.Wrap(agenterr.CodeNetwork, "token account lookup", err)
	}
	units, err := solana.ToBaseUnits(cmd.Amount, ta.Decimals)
	if err != nil {
		return "", "", 0, agenterr.Wrap(agenterr.CodeValidation, "sell amount", err)
	}
	if units > ta.Amount {
		return "", "", 0, agenterr.Newf(agenterr.CodeValidation, "insufficient balance: have %s", solana.FromBaseUnits(ta.Amount, ta.Decimals))
	}
	return cmd.Mint, config.NativeMint, units, nil
}

func (h *TradeHandler) report(kind firewall.Kind, msg string) {
	if h.Breaker != nil {
		h.Breaker.Report(kind, msg)
	}
}

// finalAttempt is true when the queue will not deliver job again.
func finalAttempt(job *jobs.Job, err error) bool {
	return agenterr.IsPermanent(err) || job.Attempts >= job.MaxAttempts
}

func displayMint(mint string) string {
	switch mint {
	case config.NativeMint:
		return "SOL"
	case config.USDCMint:
		return "USDC"
	}
	if len(mint) > 8 {
		return mint[:4] + "…" + mint[len(mint)-4:]
	}
	return mint
}
