// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name. Only the settings shared with
// the desktop terminal (SHELL_OVERRIDE, the TERMINAL_* limits and
// ALLOWED_ORIGIN) also fall back to their unprefixed names, so
// TERMINAL_HISTORY_MAX_RAW works as well as TERMHUB_TERMINAL_HISTORY_MAX_RAW.
// Generic names such as ADDR or LOG_LEVEL are never read without the prefix.
const Prefix = "TERMHUB"

type Settings struct {
	Addr     string `split_words:"true" default:"0.0.0.0:3001"`
	GRPCAddr string `split_words:"true" default:""`

	DataDir    string `split_words:"true" default:""`
	HistoryDir string `split_words:"true" default:""`

	// Terminal session settings
	ShellOverride    string        `envconfig:"SHELL_OVERRIDE" default:""`
	ReplayMax        int           `envconfig:"TERMINAL_MEMORY_BUFFER_MAX" default:"5242880"`
	HistoryMaxRaw    int           `envconfig:"TERMINAL_HISTORY_MAX_RAW" default:"5242880"`
	HistoryUnlimited bool          `envconfig:"TERMINAL_HISTORY_UNLIMITED" default:"false"`
	GracePeriod      time.Duration `split_words:"true" default:"150ms"`
	OrphanTimeout    time.Duration `split_words:"true" default:"5m"`

	AllowedOrigins   []string      `envconfig:"ALLOWED_ORIGIN" default:"*"`
	CommandRetention time.Duration `split_words:"true" default:"720h"`

	LogLevel  string `split_words:"true" default:"info"`
	LogPretty bool   `split_words:"true" default:"false"`
	LogFile   string `split_words:"true" default:""`
}

// Load reads Settings from the environment and fills in derived paths.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := s.resolvePaths(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) resolvePaths() error {
	if s.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		s.DataDir = filepath.Join(home, ".termhub")
	}
	if s.HistoryDir == "" {
		s.HistoryDir = filepath.Join(s.DataDir, "terminal-history")
	}
	return nil
}

// DBPath is where the command log and tab registry live.
func (s Settings) DBPath() string {
	return filepath.Join(s.DataDir, "termhub.db")
}

// Validate checks the settings for values the server cannot run with.
func (s Settings) Validate() error {
	if s.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if !s.HistoryUnlimited {
		if s.ReplayMax <= 0 {
			return fmt.Errorf("replay buffer max must be positive, got %d", s.ReplayMax)
		}
		if s.HistoryMaxRaw <= 0 {
			return fmt.Errorf("history max raw must be positive, got %d", s.HistoryMaxRaw)
		}
	}
	if s.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative")
	}
	if s.OrphanTimeout < 0 {
		return fmt.Errorf("orphan timeout must not be negative")
	}
	if s.CommandRetention < 0 {
		return fmt.Errorf("command retention must not be negative")
	}
	if len(s.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	return nil
}

// EffectiveReplayMax is the replay buffer cap to use. Unlimited history
// lifts the in-memory cap too.
func (s Settings) EffectiveReplayMax() int {
	if s.HistoryUnlimited {
		return int(^uint(0) >> 1)
	}
	return s.ReplayMax
}
