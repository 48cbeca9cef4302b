package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML overlay. Only fields present in the file
// override the environment.
type fileConfig struct {
	Firewall *struct {
		MaxHP         *int           `yaml:"max_hp"`
		Weights       map[string]int `yaml:"weights"`
		HealRate      *int           `yaml:"heal_rate"`
		HealInterval  string         `yaml:"heal_interval"`
		CheckInterval string         `yaml:"check_interval"`
		AutoExit      *bool          `yaml:"auto_exit"`
	} `yaml:"firewall"`
	Retry *struct {
		Attempts  *int     `yaml:"attempts"`
		BaseDelay string   `yaml:"base_delay"`
		Factor    *float64 `yaml:"factor"`
	} `yaml:"retry"`
	Queue *struct {
		MaxAttempts  *int   `yaml:"max_attempts"`
		Backoff      string `yaml:"backoff"`
		TradeWorkers *int   `yaml:"trade_workers"`
		AIWorkers    *int   `yaml:"ai_workers"`
	} `yaml:"queue"`
	AutoTrade *struct {
		ThresholdSOL string `yaml:"threshold_sol"`
		SellSOL      string `yaml:"sell_sol"`
	} `yaml:"auto_trade"`
	Agent *struct {
		Name    string `yaml:"name"`
		Persona string `yaml:"persona"`
		Goals   string `yaml:"goals"`
	} `yaml:"agent"`
}

// applyFile overlays path onto cfg. A missing file is not an error.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return applyYAML(cfg, data)
}

func applyYAML(cfg *Config, data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fw := fc.Firewall; fw != nil {
		setInt(&cfg.Firewall.MaxHP, fw.MaxHP)
		setInt(&cfg.Firewall.HealRate, fw.HealRate)
		for kind, w := range fw.Weights {
			cfg.Firewall.Weights[kind] = w
		}
		if err := setDuration(&cfg.Firewall.HealInterval, fw.HealInterval); err != nil {
			return err
		}
		if err := setDuration(&cfg.Firewall.CheckInterval, fw.CheckInterval); err != nil {
			return err
		}
		if fw.AutoExit != nil {
			cfg.Firewall.AutoExit = *fw.AutoExit
		}
	}
	if r := fc.Retry; r != nil {
		setInt(&cfg.Retry.Attempts, r.Attempts)
		if r.Factor != nil {
			cfg.Retry.Factor = *r.Factor
		}
		if err := setDuration(&cfg.Retry.BaseDelay, r.BaseDelay); err != nil {
			return err
		}
	}
	if q := fc.Queue; q != nil {
		setInt(&cfg.Queue.MaxAttempts, q.MaxAttempts)
		setInt(&cfg.Queue.TradeWorkers, q.TradeWorkers)
		setInt(&cfg.Queue.AIWorkers, q.AIWorkers)
		if err := setDuration(&cfg.Queue.Backoff, q.Backoff); err != nil {
			return err
		}
	}
	if at := fc.AutoTrade; at != nil {
		if at.ThresholdSOL != "" {
			cfg.AutoTrade.ThresholdLamports = solToLamports(at.ThresholdSOL)
		}
		if at.SellSOL != "" {
			cfg.AutoTrade.SellLamports = solToLamports(at.SellSOL)
		}
	}
	if a := fc.Agent; a != nil {
		setString(&cfg.AI.AgentName, a.Name)
		setString(&cfg.AI.Persona, a.Persona)
		setString(&cfg.AI.Goals, a.Goals)
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", v, err)
	}
	*dst = d
	return nil
}
