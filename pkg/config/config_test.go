package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func setKey(t *testing.T, n int) {
	t.Helper()
	t.Setenv("VAULT_KEY", base64.StdEncoding.EncodeToString(make([]byte, n)))
	t.Setenv("NEXUS_CONFIG", "testdata-missing.yaml")
}

func TestLoadDefaults(t *testing.T) {
	setKey(t, 32)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Firewall.MaxHP != 20 || cfg.Firewall.Weights["rpcFailure"] != 5 || cfg.Firewall.Weights["critical"] != 10 {
		t.Fatalf("unexpected firewall defaults: %+v", cfg.Firewall)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.BaseDelay != 800*time.Millisecond || cfg.Retry.Factor != 2 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Fuel.SpendLamports != 20_000_000 {
		t.Fatalf("expected 0.02 SOL fuel spend, got %d lamports", cfg.Fuel.SpendLamports)
	}
	if cfg.AutoTrade.ThresholdLamports != 50_000_000 || cfg.AutoTrade.SellLamports != 20_000_000 {
		t.Fatalf("unexpected auto-trade rule: %+v", cfg.AutoTrade)
	}
	if !cfg.Firewall.AutoExit {
		t.Fatalf("auto exit should default to enabled")
	}
}

func TestLoadRejectsBadVaultKey(t *testing.T) {
	tests := []struct {
		name string
		set  func(t *testing.T)
		want error
	}{
		{"missing", func(t *testing.T) {
			t.Setenv("VAULT_KEY", "")
			t.Setenv("NEXUS_CONFIG", "testdata-missing.yaml")
		}, ErrVaultKeyMissing},
		{"short", func(t *testing.T) { setKey(t, 31) }, ErrVaultKeyLength},
		{"long", func(t *testing.T) { setKey(t, 33) }, ErrVaultKeyLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.set(t)
			_, err := Load()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRejectsShrinkingRetryDelays(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"zero factor", "RETRY_FACTOR", "0", "RETRY_FACTOR"},
		{"fractional factor", "RETRY_FACTOR", "0.5", "RETRY_FACTOR"},
		{"negative base", "RETRY_BASE_DELAY", "-1s", "RETRY_BASE_DELAY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setKey(t, 32)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %s error, got %v", tt.want, err)
			}
		})
	}
}

func TestApplyYAMLOverridesFirewallAndQueue(t *testing.T) {
	setKey(t, 32)
	cfg, err := fromEnv()
	if err != nil {
		t.Fatalf("fromEnv: %v", err)
	}

	doc := `
firewall:
  max_hp: 40
  weights:
    spam: 3
  heal_interval: 2m
  auto_exit: false
queue:
  max_attempts: 5
  backoff: 10s
auto_trade:
  threshold_sol: "1.5"
agent:
  name: Orion
`
	if err := applyYAML(cfg, []byte(doc)); err != nil {
		t.Fatalf("applyYAML: %v", err)
	}
	if cfg.Firewall.MaxHP != 40 || cfg.Firewall.Weights["spam"] != 3 || cfg.Firewall.Weights["error"] != 2 {
		t.Fatalf("firewall overlay not applied: %+v", cfg.Firewall)
	}
	if cfg.Firewall.HealInterval != 2*time.Minute || cfg.Firewall.AutoExit {
		t.Fatalf("firewall durations/flags not applied: %+v", cfg.Firewall)
	}
	if cfg.Queue.MaxAttempts != 5 || cfg.Queue.Backoff != 10*time.Second {
		t.Fatalf("queue overlay not applied: %+v", cfg.Queue)
	}
	if cfg.AutoTrade.ThresholdLamports != 1_500_000_000 {
		t.Fatalf("threshold overlay not applied: %d", cfg.AutoTrade.ThresholdLamports)
	}
	if cfg.AI.AgentName != "Orion" {
		t.Fatalf("agent name overlay not applied: %q", cfg.AI.AgentName)
	}
}

func TestApplyYAMLRejectsBadDuration(t *testing.T) {
	setKey(t, 32)
	cfg, _ := fromEnv()
	err := applyYAML(cfg, []byte("queue:\n  backoff: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestPreflightFlagsMissingFuelAccounts(t *testing.T) {
	setKey(t, 32)
	t.Setenv("NXR_MINT", "NXRmint1111111111111111111111111111111111")
	t.Setenv("BURN_TOKEN_ACCOUNT", "")
	cfg, err := fromEnv()
	if err != nil {
		t.Fatalf("fromEnv: %v", err)
	}
	checks, ok := cfg.Preflight()
	if ok {
		t.Fatalf("expected preflight failure, got %+v", checks)
	}
}
