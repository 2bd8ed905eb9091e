// Package config defines service configuration and how it is loaded.
//
// Values are layered, lowest precedence first:
//  1. defaults (New)
//  2. a YAML file named by PROGRESSION_CONFIG
//  3. environment variables with the PROGRESSION_ prefix
//
// Durations use Go syntax ("336h", "90m").
package config

import (
	"fmt"
	"time"

	"github.com/warp/progression-engine/pkg/logger"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn (or warning), error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DBPath selects the sqlite database. Empty keeps everything in memory.
	DBPath string `koanf:"db_path"`

	// CacheSize bounds the standing cache; 0 disables it.
	CacheSize int `koanf:"cache_size"`

	// TrialLength applies when a trial_started billing event has no end.
	TrialLength time.Duration `koanf:"trial_length"`

	// BillingPeriod applies when an activated billing event has no period end.
	BillingPeriod time.Duration `koanf:"billing_period"`

	// PastDueGrace is how long past_due lasts before it resolves to
	// cancelled. 0 keeps past_due until billing says otherwise.
	PastDueGrace time.Duration `koanf:"past_due_grace"`

	// RulesFile points to a JSON profile (see factory). Empty uses the
	// standard coaching profile.
	RulesFile string `koanf:"rules_file"`

	// Levels overrides the level table of the profile.
	Levels []Level `koanf:"levels"`

	// MilestoneDeadlines overrides per-type expiry deadlines of the profile.
	MilestoneDeadlines map[string]time.Duration `koanf:"milestone_deadlines"`

	// ExpirySweepInterval sets how often overdue milestones are expired.
	// 0 disables the sweeper.
	ExpirySweepInterval time.Duration `koanf:"expiry_sweep_interval"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Level is one row of a configured level table. Threshold is a decimal
// string.
type Level struct {
	Name      string `koanf:"name"`
	Threshold string `koanf:"threshold"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":8080",
		CacheSize:           4096,
		TrialLength:         14 * 24 * time.Hour,
		BillingPeriod:       30 * 24 * time.Hour,
		PastDueGrace:        7 * 24 * time.Hour,
		ExpirySweepInterval: time.Hour,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Validate checks values that cannot be caught by decoding alone.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("%w: cache_size must not be negative", ErrInvalidConfig)
	}
	if c.TrialLength <= 0 {
		return fmt.Errorf("%w: trial_length must be positive", ErrInvalidConfig)
	}
	if c.BillingPeriod <= 0 {
		return fmt.Errorf("%w: billing_period must be positive", ErrInvalidConfig)
	}
	if c.PastDueGrace < 0 {
		return fmt.Errorf("%w: past_due_grace must not be negative", ErrInvalidConfig)
	}
	if c.ExpirySweepInterval < 0 {
		return fmt.Errorf("%w: expiry_sweep_interval must not be negative", ErrInvalidConfig)
	}
	for i, l := range c.Levels {
		if l.Name == "" || l.Threshold == "" {
			return fmt.Errorf("%w: levels[%d] needs name and threshold", ErrInvalidConfig, i)
		}
	}
	for typ, d := range c.MilestoneDeadlines {
		if d <= 0 {
			return fmt.Errorf("%w: milestone_deadlines.%s must be positive", ErrInvalidConfig, typ)
		}
	}
	return nil
}
