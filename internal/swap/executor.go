// Package swap quotes and executes venue swaps and signed token transfers
// on behalf of a vault-held signer.
package swap

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"

	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/firewall"
	"nexus-core/internal/retry"
	"nexus-core/pkg/jupiter"
	"nexus-core/pkg/solana"
)

// Venue is the external swap venue.
type Venue interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*jupiter.Route, error)
	SwapTransaction(ctx context.Context, route *jupiter.Route, userPublicKey string) ([]byte, error)
}

// Chain is the subset of chain RPC the executor needs.
type Chain interface {
	LatestBlockhash(ctx context.Context) (string, error)
	SendTransaction(ctx context.Context, tx []byte) (string, error)
	ConfirmTransaction(ctx context.Context, sig string) error
	TokenAccount(ctx context.Context, owner, mint string) (solana.TokenAccount, error)
}

// Signer resolves a handle to its wallet and lends its key for one signature.
type Signer interface {
	PublicAddress(ctx context.Context, handle string) (string, error)
	WithSigner(ctx context.Context, handle string, fn func(key ed25519.PrivateKey) error) error
}

type Executor struct {
	venue   Venue
	chain   Chain
	signer  Signer
	breaker firewall.Reporter
	policy  retry.Policy
}

func NewExecutor(venue Venue, chain Chain, signer Signer, breaker firewall.Reporter, policy retry.Policy) *Executor {
	return &Executor{venue: venue, chain: chain, signer: signer, breaker: breaker, policy: policy}
}

// Quote returns the best route or nil when the venue has none. No route is
// not an error and is never reported to the breaker.
func (e *Executor) Quote(ctx context.Context, inputMint, outputMint string, amount uint64) (*jupiter.Route, error) {
	if amount == 0 {
		return nil, agenterr.New(agenterr.CodeValidation, "quote amount must be positive")
	}
	if inputMint == outputMint {
		return nil, agenterr.New(agenterr.CodeValidation, "input and output mint are the same")
	}
	route, err := retry.Do(ctx, e.policy.Named("quote"), func(ctx context.Context) (*jupiter.Route, error) {
		r, err := e.venue.Quote(ctx, inputMint, outputMint, amount)
		return r, permanentIfFinal(err)
	})
	if err != nil {
		return nil, e.escalate("quote", err)
	}
	return route, nil
}

// Execute builds, signs, submits and confirms the swap for route as handle.
// The whole sequence is retried; a fresh transaction is requested each time.
func (e *Executor) Execute(ctx context.Context, route *jupiter.Route, handle string) (string, error) {
	if route == nil {
		return "", agenterr.New(agenterr.CodeValidation, "execute called without a route")
	}
	owner, err := e.signer.PublicAddress(ctx, handle)
	if err != nil {
		return "", e.escalate("swap", err)
	}

	sig, err := retry.Do(ctx, e.policy.Named("swap "+handle), func(ctx context.Context) (string, error) {
		raw, err := e.venue.SwapTransaction(ctx, route, owner)
		if err != nil {
			return "", permanentIfFinal(err)
		}
		signed, sig, err := e.sign(ctx, handle, func(key ed25519.PrivateKey) ([]byte, string, error) {
			return solana.SignTransaction(raw, key)
		})
		if err != nil {
			return "", retry.Permanent(err)
		}
		return sig, e.submit(ctx, signed, sig)
	})
	if err != nil {
		return "", e.escalate("swap", err)
	}
	log.Printf("✅ [swap] %s %s→%s in=%d out=%d sig=%s", handle, route.InputMint, route.OutputMint, route.InAmount, route.OutAmount, sig)
	return sig, nil
}

// Transfer sends amount base units of mint from handle's token account to
// the destination token account. It is the primitive the burner builds on.
func (e *Executor) Transfer(ctx context.Context, handle, mint, destination string, amount uint64) (string, error) {
	if amount == 0 {
		return "", agenterr.New(agenterr.CodeValidation, "transfer amount must be positive")
	}
	dest, err := solana.ParsePublicKey(destination)
	if err != nil {
		return "", agenterr.Wrap(agenterr.CodeValidation, "transfer destination", err)
	}
	mintKey, err := solana.ParsePublicKey(mint)
	if err != nil {
		return "", agenterr.Wrap(agenterr.CodeValidation, "transfer mint", err)
	}
	ownerAddr, err := e.signer.PublicAddress(ctx, handle)
	if err != nil {
		return "", e.escalate("transfer", err)
	}
	owner, err := solana.ParsePublicKey(ownerAddr)
	if err != nil {
		return "", e.escalate("transfer", agenterr.Wrap(agenterr.CodeSecurity, "stored wallet address", err))
	}

	sig, err := retry.Do(ctx, e.policy.Named("transfer "+handle), func(ctx context.Context) (string, error) {
		src, err := e.chain.TokenAccount(ctx, ownerAddr, mint)
		if errors.Is(err, solana.ErrTokenAccountAbsent) {
			return "", retry.Permanent(agenterr.Wrap(agenterr.CodeValidation, "no source token account", err))
		}
		if err != nil {
			return "", err
		}
		if src.Amount < amount {
			return "", retry.Permanent(agenterr.Newf(agenterr.CodeValidation, "insufficient balance: have %d, need %d", src.Amount, amount))
		}
		source, err := solana.ParsePublicKey(src.Address)
		if err != nil {
			return "", retry.Permanent(agenterr.Wrap(agenterr.CodeValidation, "source token account", err))
		}
		programID := src.Program
		if programID == "" {
			programID = solana.TokenProgramID
		}
		program, err := solana.ParsePublicKey(programID)
		if err != nil {
			return "", retry.Permanent(agenterr.Wrap(agenterr.CodeValidation, "token program", err))
		}
		blockhash, err := e.chain.LatestBlockhash(ctx)
		if err != nil {
			return "", err
		}

		tx := solana.TransferChecked{
			Owner:       owner,
			Source:      source,
			Destination: dest,
			Mint:        mintKey,
			Program:     program,
			Amount:      amount,
			Decimals:    src.Decimals,
			Blockhash:   blockhash,
		}
		signed, sig, err := e.sign(ctx, handle, tx.Sign)
		if err != nil {
			return "", retry.Permanent(err)
		}
		return sig, e.submit(ctx, signed, sig)
	})
	if err != nil {
		return "", e.escalate("transfer", err)
	}
	log.Printf("✅ [transfer] %s %d of %s → %s sig=%s", handle, amount, mint, destination, sig)
	return sig, nil
}

// sign lends handle's key to fn for exactly one signature.
func (e *Executor) sign(ctx context.Context, handle string, fn func(key ed25519.PrivateKey) ([]byte, string, error)) ([]byte, string, error) {
	var (
		signed []byte
		sig    string
	)
	err := e.signer.WithSigner(ctx, handle, func(key ed25519.PrivateKey) error {
		var err error
		signed, sig, err = fn(key)
		return err
	})
	if err != nil {
		if agenterr.CodeOf(err) == agenterr.CodeInternal {
			err = agenterr.Wrap(agenterr.CodeValidation, "sign transaction", err)
		}
		return nil, "", err
	}
	return signed, sig, nil
}

func (e *Executor) submit(ctx context.Context, signed []byte, sig string) error {
	sent, err := e.chain.SendTransaction(ctx, signed)
	if err != nil {
		return err
	}
	if sent != "" && sent != sig {
		log.Printf("⚠️ [swap] node returned signature %s, expected %s", sent, sig)
	}
	return e.chain.ConfirmTransaction(ctx, sig)
}

// escalate reports a surfaced failure to the breaker and classifies it.
// Unclassified errors are network failures that survived retry.
func (e *Executor) escalate(op string, err error) error {
	switch agenterr.CodeOf(err) {
	case agenterr.CodeSecurity:
		e.report(firewall.KindCritical, fmt.Sprintf("%s: signer unavailable", op))
		return err
	case agenterr.CodeValidation:
		e.report(firewall.KindError, fmt.Sprintf("%s rejected: %v", op, err))
		return err
	case agenterr.CodeNetwork:
		e.report(firewall.KindRPCFailure, fmt.Sprintf("%s failed after retries: %v", op, err))
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	e.report(firewall.KindRPCFailure, fmt.Sprintf("%s failed after retries: %v", op, err))
	return agenterr.Wrap(agenterr.CodeNetwork, op+" failed", err)
}

func (e *Executor) report(kind firewall.Kind, msg string) {
	if e.breaker != nil {
		e.breaker.Report(kind, msg)
	}
}

// permanentIfFinal stops retrying errors no repetition can fix.
func permanentIfFinal(err error) error {
	if err != nil && agenterr.IsPermanent(err) {
		return retry.Permanent(err)
	}
	return err
}
