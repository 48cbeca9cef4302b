package db

import (
	"fmt"
	"strings"
	"time"
)

// RiskProfile is the user's stated appetite; strategies read it, the engine stores it.
type RiskProfile string

const (
	RiskConservative RiskProfile = "conservative"
	RiskBalanced     RiskProfile = "balanced"
	RiskAggressive   RiskProfile = "aggressive"
)

// ParseRiskProfile accepts canonical names and the chat aliases low/med/high.
func ParseRiskProfile(s string) (RiskProfile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "conservative":
		return RiskConservative, nil
	case "med", "medium", "balanced":
		return RiskBalanced, nil
	case "high", "aggressive":
		return RiskAggressive, nil
	}
	return "", fmt.Errorf("unknown risk profile %q (want low|med|high)", s)
}

// Account is one row per user handle. WalletRef is the public address of the
// handle's vault entry, never key material.
type Account struct {
	Handle      string
	WalletRef   string
	SolLamports uint64
	TierBalance uint64
	AutoTrade   bool
	RiskProfile RiskProfile
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SecretRecord is the persisted vault entry. Ciphertext is an ENC[vN] envelope
// or, for rows written before encryption existed, a legacy plaintext array.
type SecretRecord struct {
	Handle     string
	PublicKey  string
	Ciphertext string
	KeyVersion int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot is one point of a handle's append-only portfolio series.
type Snapshot struct {
	ID       int64
	Handle   string
	TakenAt  time.Time
	TotalUSD string
	Data     string // JSON holdings
}
