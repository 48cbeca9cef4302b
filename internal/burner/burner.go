// Package burner splits a fuel amount between a burn sink and the operator.
package burner

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/events"
	"nexus-core/pkg/config"
)

const (
	LegBurn     = "burn"
	LegOperator = "operator"
)

// Transferrer is the signed-transfer primitive shared with the swap executor.
type Transferrer interface {
	Transfer(ctx context.Context, handle, mint, destination string, amount uint64) (string, error)
}

// PartialError means one leg moved funds and the other did not. Operators
// reconcile from Completed/Signature; the job must not be retried blindly.
type PartialError struct {
	Completed string
	Failed    string
	Signature string
	Amount    uint64 // amount of the failed leg
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("fee split partially completed: %s leg sent (%s), %s leg of %d failed: %v",
		e.Completed, e.Signature, e.Failed, e.Amount, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func (e *PartialError) ErrorCode() agenterr.Code { return agenterr.CodePartialCompletion }

// ComputeSplit returns floor(total*fraction) and the remainder.
func ComputeSplit(total uint64, fraction float64) (burn, remainder uint64, err error) {
	if fraction < 0 || fraction > 1 {
		return 0, 0, agenterr.Newf(agenterr.CodeValidation, "burn fraction %v outside [0,1]", fraction)
	}
	b := decimal.NewFromBigInt(new(big.Int).SetUint64(total), 0).Mul(decimal.NewFromFloat(fraction)).Floor()
	burn = b.BigInt().Uint64()
	if burn > total {
		burn = total
	}
	return burn, total - burn, nil
}

// Split is the outcome of a completed fee split.
type Split struct {
	Burn              uint64
	Operator          uint64
	BurnSignature     string
	OperatorSignature string
}

type Burner struct {
	transfers Transferrer
	cfg       config.Fuel
	bus       *events.Bus
}

func New(transfers Transferrer, cfg config.Fuel, bus *events.Bus) *Burner {
	return &Burner{transfers: transfers, cfg: cfg, bus: bus}
}

// SplitAndSend burns floor(total*fraction) of the fuel mint and sends the
// rest to the operator account. Each leg retries inside the transfer
// primitive; a zero-sized leg is skipped.
func (b *Burner) SplitAndSend(ctx context.Context, handle string, total uint64, fraction float64) (Split, error) {
	burn, rest, err := ComputeSplit(total, fraction)
	if err != nil {
		return Split{}, err
	}
	out := Split{Burn: burn, Operator: rest}

	if burn > 0 {
		out.BurnSignature, err = b.transfers.Transfer(ctx, handle, b.cfg.Mint, b.cfg.BurnAccount, burn)
		if err != nil {
			return out, fmt.Errorf("burn leg: %w", err)
		}
	}
	if rest > 0 {
		out.OperatorSignature, err = b.transfers.Transfer(ctx, handle, b.cfg.Mint, b.cfg.OperatorAccount, rest)
		if err != nil {
			if out.BurnSignature == "" {
				return out, fmt.Errorf("operator leg: %w", err)
			}
			perr := &PartialError{Completed: LegBurn, Failed: LegOperator, Signature: out.BurnSignature, Amount: rest, Err: err}
			b.alert(handle, perr)
			return out, perr
		}
	}
	log.Printf("🔥 [burner] %s burned %d, operator %d", handle, burn, rest)
	return out, nil
}

func (b *Burner) alert(handle string, perr *PartialError) {
	log.Printf("🚨 [burner] %s: %v", handle, perr)
	b.bus.Publish(events.EventPartialCompletion, events.Alert{
		Source:  "burner",
		Handle:  handle,
		Message: perr.Error(),
		At:      time.Now(),
	})
}
