package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3001", s.Addr)
	assert.Equal(t, 5242880, s.ReplayMax)
	assert.Equal(t, 5242880, s.HistoryMaxRaw)
	assert.False(t, s.HistoryUnlimited)
	assert.Equal(t, 150*time.Millisecond, s.GracePeriod)
	assert.Equal(t, 5*time.Minute, s.OrphanTimeout)
	assert.Equal(t, []string{"*"}, s.AllowedOrigins)
	assert.Equal(t, filepath.Join(home, ".termhub"), s.DataDir)
	assert.Equal(t, filepath.Join(home, ".termhub", "terminal-history"), s.HistoryDir)
	assert.Equal(t, filepath.Join(home, ".termhub", "termhub.db"), s.DBPath())
	assert.NoError(t, s.Validate())
}

func TestLoad_LegacyNames(t *testing.T) {
	t.Setenv("TERMINAL_HISTORY_MAX_RAW", "1024")
	t.Setenv("TERMINAL_MEMORY_BUFFER_MAX", "2048")
	t.Setenv("TERMINAL_HISTORY_UNLIMITED", "1")
	t.Setenv("SHELL_OVERRIDE", "/bin/zsh")
	t.Setenv("ALLOWED_ORIGIN", "http://a.test,http://b.test")
	t.Setenv("TERMHUB_DATA_DIR", t.TempDir())

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1024, s.HistoryMaxRaw)
	assert.Equal(t, 2048, s.ReplayMax)
	assert.True(t, s.HistoryUnlimited)
	assert.Equal(t, "/bin/zsh", s.ShellOverride)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, s.AllowedOrigins)
	assert.Greater(t, s.EffectiveReplayMax(), 2048)
}

func TestLoad_PrefixedWins(t *testing.T) {
	t.Setenv("TERMINAL_HISTORY_MAX_RAW", "1024")
	t.Setenv("TERMHUB_TERMINAL_HISTORY_MAX_RAW", "4096")
	t.Setenv("TERMHUB_GRACE_PERIOD", "1s")
	t.Setenv("TERMHUB_DATA_DIR", t.TempDir())

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4096, s.HistoryMaxRaw)
	assert.Equal(t, time.Second, s.GracePeriod)
}

func TestLoad_GenericNamesNeedPrefix(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ADDR", "10.0.0.1:80")
	t.Setenv("GRPC_ADDR", "10.0.0.1:81")
	t.Setenv("DATA_DIR", "/var/lib/other")
	t.Setenv("HISTORY_DIR", "/var/lib/other/history")
	t.Setenv("LOG_LEVEL", "trace")
	t.Setenv("LOG_FILE", "/var/log/other.log")
	t.Setenv("GRACE_PERIOD", "9s")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:3001", s.Addr)
	assert.Empty(t, s.GRPCAddr)
	assert.Equal(t, filepath.Join(home, ".termhub"), s.DataDir)
	assert.Equal(t, filepath.Join(home, ".termhub", "terminal-history"), s.HistoryDir)
	assert.Equal(t, "info", s.LogLevel)
	assert.Empty(t, s.LogFile)
	assert.Equal(t, 150*time.Millisecond, s.GracePeriod)

	t.Setenv("TERMHUB_ADDR", "127.0.0.1:4000")
	t.Setenv("TERMHUB_GRPC_ADDR", "127.0.0.1:4001")
	t.Setenv("TERMHUB_LOG_LEVEL", "debug")
	t.Setenv("TERMHUB_ORPHAN_TIMEOUT", "30s")

	s, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", s.Addr)
	assert.Equal(t, "127.0.0.1:4001", s.GRPCAddr)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 30*time.Second, s.OrphanTimeout)
}

func TestLoad_BadValue(t *testing.T) {
	t.Setenv("TERMHUB_GRACE_PERIOD", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Settings {
		return Settings{
			Addr:           ":3001",
			ReplayMax:      10,
			HistoryMaxRaw:  10,
			AllowedOrigins: []string{"*"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"valid", func(*Settings) {}, false},
		{"missing addr", func(s *Settings) { s.Addr = "" }, true},
		{"zero replay", func(s *Settings) { s.ReplayMax = 0 }, true},
		{"zero raw", func(s *Settings) { s.HistoryMaxRaw = 0 }, true},
		{"zero caps ignored when unlimited", func(s *Settings) {
			s.ReplayMax, s.HistoryMaxRaw, s.HistoryUnlimited = 0, 0, true
		}, false},
		{"negative grace", func(s *Settings) { s.GracePeriod = -time.Second }, true},
		{"negative orphan timeout", func(s *Settings) { s.OrphanTimeout = -time.Second }, true},
		{"no origins", func(s *Settings) { s.AllowedOrigins = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
