package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	// NativeMint is the wrapped SOL mint used by the swap venue for the native asset.
	NativeMint = "So11111111111111111111111111111111111111112"
	// USDCMint is the default quote asset when native SOL itself is sold.
	USDCMint = "EPjFWdd5AufqSSqeM2q9wZ4kQZ28i5rAi3BAooT5Dt1v"

	vaultKeySize = 32
)

var (
	ErrVaultKeyMissing = errors.New("VAULT_KEY is not set")
	ErrVaultKeyLength  = errors.New("VAULT_KEY must decode to exactly 32 bytes")
)

// Config holds every setting the engine needs. It is built once by Load and
// never mutated afterwards; components receive the sub-struct they need.
type Config struct {
	Port              string
	GRPCHealthAddr    string
	DBPath            string
	LockPath          string
	Language          string
	JWTSecret         string
	OperatorTokenHash string // bcrypt hash of the ops API token
	AlertWebhookURL   string

	Vault     Vault
	Chain     Chain
	Venue     Venue
	Fuel      Fuel
	Retry     Retry
	Queue     Queue
	Firewall  Firewall
	AutoTrade AutoTrade
	Prices    Prices
	Notify    Notify
	AI        AI
}

// Vault carries decoded key material by version. Version is the one used for new writes.
type Vault struct {
	Keys    map[int][]byte
	Version int
}

type Chain struct {
	RPCURL         string
	WSURL          string
	Commitment     string
	TierMint       string // agent governance/utility asset tracked per account
	QuoteMint      string // asset received when native SOL is sold
	RequestTimeout time.Duration
	ConfirmTimeout time.Duration
	ResyncInterval time.Duration
}

type Venue struct {
	BaseURL     string
	APIKey      string
	SlippageBps int
	Timeout     time.Duration
}

// Fuel configures the pre-trade fuel swap and its burn/operator split.
type Fuel struct {
	Mint            string
	SpendLamports   uint64
	BurnFraction    float64
	BurnAccount     string // token account of the burn sink
	OperatorAccount string // token account of the operator (dev) wallet
}

// Enabled reports whether trades should buy and split fuel first.
func (f Fuel) Enabled() bool {
	return f.Mint != "" && f.SpendLamports > 0
}

type Retry struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
}

type Queue struct {
	MaxAttempts  int
	Backoff      time.Duration
	PollInterval time.Duration
	TradeWorkers int
	AIWorkers    int
}

type Firewall struct {
	MaxHP         int
	Weights       map[string]int // keyed by incident kind: error, rpcFailure, spam, critical
	HealRate      int
	HealInterval  time.Duration
	CheckInterval time.Duration
	AutoExit      bool
}

type AutoTrade struct {
	ThresholdLamports uint64
	SellLamports      uint64
}

type Prices struct {
	BinanceURL   string
	CoinGeckoURL string
	TTL          time.Duration
	Timeout      time.Duration
}

type Notify struct {
	TelegramToken   string
	TelegramBaseURL string
	Timeout         time.Duration
}

type AI struct {
	OllamaURL string
	Model     string
	AgentName string
	Persona   string
	Goals     string
	Timeout   time.Duration
}

// DefaultFirewallWeights mirrors the production HP costs.
func DefaultFirewallWeights() map[string]int {
	return map[string]int{
		"error":      2,
		"rpcFailure": 5,
		"spam":       1,
		"critical":   10,
	}
}

// Load reads environment variables (optionally via .env) and an optional YAML
// overlay into Config, then validates it.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if path := getEnv("NEXUS_CONFIG", "agent.yaml"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() (*Config, error) {
	keys, err := loadVaultKeys()
	if err != nil {
		return nil, err
	}

	weights := DefaultFirewallWeights()
	for kind := range weights {
		weights[kind] = getEnvInt("FW_WEIGHT_"+strings.ToUpper(kind), weights[kind])
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		GRPCHealthAddr:    getEnv("GRPC_HEALTH_ADDR", ":9090"),
		DBPath:            getEnv("DB_PATH", "./data/nexus.db"),
		LockPath:          getEnv("LOCK_PATH", "./data/nexus.lock"),
		Language:          getEnv("LANGUAGE", getEnv("LANG_CODE", "en")),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		OperatorTokenHash: os.Getenv("OPERATOR_TOKEN_HASH"),
		AlertWebhookURL:   os.Getenv("ALERT_WEBHOOK_URL"),
		Vault: Vault{
			Keys:    keys,
			Version: getEnvInt("VAULT_KEY_VERSION", 1),
		},
		Chain: Chain{
			RPCURL:         getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
			WSURL:          getEnv("SOLANA_WS_URL", "wss://api.mainnet-beta.solana.com"),
			Commitment:     getEnv("SOLANA_COMMITMENT", "confirmed"),
			TierMint:       os.Getenv("AGENT_MINT"),
			QuoteMint:      getEnv("QUOTE_MINT", USDCMint),
			RequestTimeout: getEnvDuration("RPC_TIMEOUT", 15*time.Second),
			ConfirmTimeout: getEnvDuration("CONFIRM_TIMEOUT", 60*time.Second),
			ResyncInterval: getEnvDuration("RESYNC_INTERVAL", 5*time.Minute),
		},
		Venue: Venue{
			BaseURL:     getEnv("JUPITER_BASE_URL", "https://lite-api.jup.ag/swap/v1"),
			APIKey:      os.Getenv("JUPITER_API_KEY"),
			SlippageBps: getEnvInt("SLIPPAGE_BPS", 100),
			Timeout:     getEnvDuration("JUPITER_TIMEOUT", 15*time.Second),
		},
		Fuel: Fuel{
			Mint:            os.Getenv("NXR_MINT"),
			SpendLamports:   solToLamports(getEnv("MIN_NXR_SOL", "0.02")),
			BurnFraction:    getEnvFloat("NXR_BURN_PCT", 0.40),
			BurnAccount:     os.Getenv("BURN_TOKEN_ACCOUNT"),
			OperatorAccount: os.Getenv("DEV_TOKEN_ACCOUNT"),
		},
		Retry: Retry{
			Attempts:  getEnvInt("RETRY_ATTEMPTS", 3),
			BaseDelay: getEnvDuration("RETRY_BASE_DELAY", 800*time.Millisecond),
			Factor:    getEnvFloat("RETRY_FACTOR", 2),
		},
		Queue: Queue{
			MaxAttempts:  getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			Backoff:      getEnvDuration("QUEUE_BACKOFF", 5*time.Second),
			PollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			TradeWorkers: getEnvInt("TRADE_WORKERS", 2),
			AIWorkers:    getEnvInt("AI_WORKERS", 1),
		},
		Firewall: Firewall{
			MaxHP:         getEnvInt("FW_MAX_HP", 20),
			Weights:       weights,
			HealRate:      getEnvInt("FW_HEAL_RATE", 1),
			HealInterval:  getEnvDuration("FW_HEAL_INTERVAL", 300*time.Second),
			CheckInterval: getEnvDuration("FW_CHECK_INTERVAL", 30*time.Second),
			AutoExit:      getEnvBool("FW_AUTO_EXIT", true),
		},
		AutoTrade: AutoTrade{
			ThresholdLamports: solToLamports(getEnv("AUTO_TRADE_THRESHOLD_SOL", "0.05")),
			SellLamports:      solToLamports(getEnv("AUTO_TRADE_SELL_SOL", "0.02")),
		},
		Prices: Prices{
			BinanceURL:   getEnv("BINANCE_BASE_URL", "https://api.binance.com"),
			CoinGeckoURL: getEnv("COINGECKO_BASE_URL", "https://api.coingecko.com"),
			TTL:          getEnvDuration("PRICE_TTL", 60*time.Second),
			Timeout:      getEnvDuration("PRICE_TIMEOUT", 10*time.Second),
		},
		Notify: Notify{
			TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramBaseURL: getEnv("TELEGRAM_BASE_URL", "https://api.telegram.org"),
			Timeout:         getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
		AI: AI{
			OllamaURL: getEnv("OLLAMA_URL", "http://localhost:11434"),
			Model:     getEnv("OLLAMA_MODEL", "llama3"),
			AgentName: getEnv("AGENT_NAME", "Nexus"),
			Persona:   getEnv("AGENT_PERSONA", "a calm, precise on-chain trading agent"),
			Goals:     getEnv("AGENT_GOALS", "protect user funds; explain trades plainly"),
			Timeout:   getEnvDuration("OLLAMA_TIMEOUT", 60*time.Second),
		},
	}, nil
}

// Validate enforces the settings the engine cannot run without.
func (c *Config) Validate() error {
	key, ok := c.Vault.Keys[c.Vault.Version]
	if !ok || len(key) == 0 {
		return ErrVaultKeyMissing
	}
	for version, k := range c.Vault.Keys {
		if len(k) != vaultKeySize {
			return fmt.Errorf("%w (version %d has %d bytes)", ErrVaultKeyLength, version, len(k))
		}
	}
	if c.Fuel.BurnFraction < 0 || c.Fuel.BurnFraction > 1 {
		return fmt.Errorf("NXR_BURN_PCT must be within [0,1], got %v", c.Fuel.BurnFraction)
	}
	if c.Queue.TradeWorkers < 1 || c.Queue.AIWorkers < 0 {
		return fmt.Errorf("worker counts must be positive (trade=%d ai=%d)", c.Queue.TradeWorkers, c.Queue.AIWorkers)
	}
	if c.Queue.MaxAttempts < 1 || c.Retry.Attempts < 1 {
		return fmt.Errorf("attempt caps must be at least 1")
	}
	// Delays must never shrink between attempts.
	if c.Retry.Factor < 1 {
		return fmt.Errorf("RETRY_FACTOR must be at least 1, got %v", c.Retry.Factor)
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must not be negative, got %v", c.Retry.BaseDelay)
	}
	if c.Firewall.MaxHP < 1 {
		return fmt.Errorf("FW_MAX_HP must be at least 1")
	}
	return nil
}

// loadVaultKeys reads VAULT_KEY (version 1) and VAULT_KEY_V2..V10.
func loadVaultKeys() (map[int][]byte, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= 10; v++ {
		name := "VAULT_KEY"
		if v > 1 {
			name = fmt.Sprintf("VAULT_KEY_V%d", v)
		}
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[v] = key
	}
	return keys, nil
}

func solToLamports(sol string) uint64 {
	d, err := decimal.NewFromString(strings.TrimSpace(sol))
	if err != nil || d.IsNegative() {
		return 0
	}
	return uint64(d.Shift(9).IntPart())
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("30s") or bare milliseconds ("800").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
