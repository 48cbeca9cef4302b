package config

import (
	"fmt"
	"net/url"
)

// Check is one line of the preflight report.
type Check struct {
	Name     string
	OK       bool
	Required bool
	Detail   string
}

// Preflight reports which settings are usable. Optional checks never fail the run.
func (c *Config) Preflight() ([]Check, bool) {
	checks := []Check{
		{Name: "VAULT_KEY", Required: true, OK: c.Validate() == nil, Detail: validateDetail(c)},
		urlCheck("SOLANA_RPC_URL", c.Chain.RPCURL, true),
		urlCheck("SOLANA_WS_URL", c.Chain.WSURL, true),
		urlCheck("JUPITER_BASE_URL", c.Venue.BaseURL, true),
		{Name: "AGENT_MINT", Required: false, OK: c.Chain.TierMint != "", Detail: "tier balance tracking"},
		{Name: "TELEGRAM_BOT_TOKEN", Required: false, OK: c.Notify.TelegramToken != "", Detail: "notifications fall back to log"},
		{Name: "OPERATOR_TOKEN_HASH", Required: false, OK: c.OperatorTokenHash != "", Detail: "ops API disabled when empty"},
		urlCheck("OLLAMA_URL", c.AI.OllamaURL, false),
	}
	if c.Fuel.Enabled() {
		checks = append(checks, Check{
			Name:     "BURN_TOKEN_ACCOUNT/DEV_TOKEN_ACCOUNT",
			Required: true,
			OK:       c.Fuel.BurnAccount != "" && c.Fuel.OperatorAccount != "",
			Detail:   "required when NXR_MINT is set",
		})
	}

	ok := true
	for _, ch := range checks {
		if ch.Required && !ch.OK {
			ok = false
		}
	}
	return checks, ok
}

func validateDetail(c *Config) string {
	if err := c.Validate(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("version %d of %d loaded", c.Vault.Version, len(c.Vault.Keys))
}

func urlCheck(name, raw string, required bool) Check {
	u, err := url.Parse(raw)
	ok := err == nil && u.Scheme != "" && u.Host != ""
	detail := raw
	if !ok {
		detail = "missing or not an absolute URL"
	}
	return Check{Name: name, OK: ok, Required: required, Detail: detail}
}
