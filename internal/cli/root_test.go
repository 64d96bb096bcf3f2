package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/entl/termhub/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := Execute("1.2.3", "abc123")
		require.NoError(t, err)

		assert.Contains(t, output.String(), "termhub version 1.2.3 (abc123)")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		for _, name := range []string{"addr", "log-level", "pretty", "data-dir"} {
			flag := cmd.PersistentFlags().Lookup(name)
			require.NotNil(t, flag, name)
		}
	})

	t.Run("serve is registered", func(t *testing.T) {
		sub, _, err := GetRootCmd().Find([]string{"serve"})
		require.NoError(t, err)
		assert.Equal(t, "serve", sub.Name())
	})
}

func TestApplyFlags(t *testing.T) {
	t.Setenv("TERMHUB_HISTORY_DIR", "")
	t.Setenv("HISTORY_DIR", "/elsewhere")

	require.NoError(t, serveCmd.ParseFlags([]string{"--addr", "127.0.0.1:9000", "--data-dir", "/tmp/th", "--pretty"}))
	t.Cleanup(func() {
		for _, name := range []string{"addr", "data-dir", "pretty"} {
			f := serveCmd.Flags().Lookup(name)
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})

	s := config.Settings{Addr: "0.0.0.0:3001", LogLevel: "info", DataDir: "/home/x/.termhub", HistoryDir: "/home/x/.termhub/terminal-history"}
	applyFlags(serveCmd, &s)

	assert.Equal(t, "127.0.0.1:9000", s.Addr)
	assert.Equal(t, "info", s.LogLevel)
	assert.True(t, s.LogPretty)
	assert.Equal(t, "/tmp/th", s.DataDir)
	assert.Equal(t, "/tmp/th/terminal-history", s.HistoryDir)
}

type fakePruner struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakePruner) PruneCommands(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func TestPruneOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("uses retention cutoff", func(t *testing.T) {
		p := &fakePruner{n: 4}
		pruneOnce(p, 48*time.Hour, now, zerolog.Nop())
		assert.Equal(t, now.Add(-48*time.Hour), p.before)
	})

	t.Run("errors are logged not raised", func(t *testing.T) {
		p := &fakePruner{err: errors.New("disk full")}
		assert.NotPanics(t, func() { pruneOnce(p, time.Hour, now, zerolog.Nop()) })
	})
}

func TestStartPruner(t *testing.T) {
	t.Run("schedules one job", func(t *testing.T) {
		c, err := startPruner(&fakePruner{}, time.Hour, zerolog.Nop())
		require.NoError(t, err)
		defer c.Stop()
		assert.Len(t, c.Entries(), 1)
	})

	t.Run("zero retention keeps everything", func(t *testing.T) {
		c, err := startPruner(&fakePruner{}, 0, zerolog.Nop())
		require.NoError(t, err)
		defer c.Stop()
		assert.Empty(t, c.Entries())
	})
}
