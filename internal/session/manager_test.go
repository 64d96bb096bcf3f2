package session

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/entl/termhub/internal/history"
	"github.com/entl/termhub/internal/metrics"
	"github.com/entl/termhub/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func newTestRegistry(t *testing.T) (*Registry, *history.Recorder) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY sessions need a unix shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	store, err := history.NewStore(t.TempDir(), history.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	rec := history.NewRecorder(store, nil, zerolog.Nop())

	reg := NewRegistry(Options{
		Shell:         "/bin/sh",
		Cwd:           t.TempDir(),
		GracePeriod:   20 * time.Millisecond,
		OrphanTimeout: 300 * time.Millisecond,
		History:       rec,
		Metrics:       metrics.New(),
		Logger:        zerolog.Nop(),
	})
	t.Cleanup(func() {
		_ = reg.Close()
		_ = rec.Close()
		_ = store.Close()
	})
	return reg, rec
}

func join(t *testing.T, reg *Registry, key string, sub Subscriber) *Session {
	t.Helper()
	s, _, err := reg.Join(context.Background(), protocol.JoinRequest{SessionID: key, Cols: 100, Rows: 40}, sub)
	require.NoError(t, err)
	return s
}

func loadRecord(t *testing.T, rec *history.Recorder, key string) *history.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	r, err := rec.Load(ctx, key)
	require.NoError(t, err)
	return r
}

func TestRegistry_JoinSpawnsAndConnects(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sub := newSub("c1")

	s := join(t, reg, "tab-1", sub)
	assert.NotEmpty(t, s.ID)
	assert.NotZero(t, s.Pid())

	info := s.Info()
	assert.Equal(t, "tab-1", info.Key)
	assert.Equal(t, 100, info.Cols)
	assert.Equal(t, 40, info.Rows)
	assert.Equal(t, 1, info.Subscribers)

	require.Eventually(t, func() bool { return len(sub.Events()) > 0 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, protocol.Connected{SessionID: "tab-1"}, sub.Events()[0])
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_EchoThenClear(t *testing.T) {
	reg, rec := newTestRegistry(t)
	sub := newSub("c1")
	s := join(t, reg, "tab-1", sub)

	require.NoError(t, reg.Write("c1", "echo hi\r"))
	require.Eventually(t, func() bool {
		return strings.Contains(sub.Output(), "hi\r\n")
	}, waitFor, 10*time.Millisecond)

	r := loadRecord(t, rec, "tab-1")
	require.NotNil(t, r)
	require.Len(t, r.Commands, 1)
	assert.Equal(t, "echo hi", r.Commands[0].Text)
	assert.Contains(t, r.Raw, "hi")

	require.NoError(t, reg.Write("c1", "clear\r"))
	_, ok := sub.Find(protocol.EventHardClear)
	assert.True(t, ok)

	r = loadRecord(t, rec, "tab-1")
	require.NotNil(t, r)
	assert.True(t, r.Cleared)
	assert.Empty(t, r.Commands)
	assert.NotContains(t, r.Raw, "echo hi")
	assert.NotContains(t, string(s.Snapshot()), "echo hi")
}

func TestRegistry_ConcurrentJoinsShareOneShell(t *testing.T) {
	reg, _ := newTestRegistry(t)

	subs := []*recordingSub{newSub("c1"), newSub("c2")}
	sessions := make([]*Session, len(subs))
	createdCount := make([]bool, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *recordingSub) {
			defer wg.Done()
			s, created, err := reg.Join(context.Background(), protocol.JoinRequest{SessionID: "tab-2"}, sub)
			assert.NoError(t, err)
			sessions[i] = s
			createdCount[i] = created
		}(i, sub)
	}
	wg.Wait()

	require.NotNil(t, sessions[0])
	assert.Same(t, sessions[0], sessions[1])
	assert.True(t, createdCount[0] != createdCount[1], "exactly one join creates the session")
	assert.Equal(t, 2, sessions[0].Info().Subscribers)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.metrics.SessionsCreated))

	for _, sub := range subs {
		require.Eventually(t, func() bool {
			_, ok := sub.Find(protocol.EventConnected)
			return ok
		}, waitFor, 10*time.Millisecond)
	}
}

func TestRegistry_LastLeaveKillsShell(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s := join(t, reg, "tab-1", newSub("c1"))
	join(t, reg, "tab-1", newSub("c2"))

	reg.Leave("c1")
	assert.Same(t, s, reg.Get("tab-1"))
	assert.ErrorIs(t, reg.Write("c1", "ls\r"), ErrNotAttached)

	reg.Leave("c2")
	assert.Nil(t, reg.Get("tab-1"))
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("shell output did not stop after last leave")
	}

	assert.NotPanics(t, func() { reg.Leave("c2") })
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.metrics.SessionsActive))
}

func TestRegistry_ShellExitIsBroadcast(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sub := newSub("c1")
	join(t, reg, "tab-1", sub)

	require.NoError(t, reg.Write("c1", "exit 3\r"))

	var ev protocol.Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = sub.Find(protocol.EventExit)
		return ok
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, protocol.Exit{ExitCode: 3}, ev)

	assert.Nil(t, reg.Get("tab-1"))
	assert.ErrorIs(t, reg.Write("c1", "ls\r"), ErrNotAttached)
}

func TestRegistry_RejoinReplaysPersistedHistory(t *testing.T) {
	reg, rec := newTestRegistry(t)
	rec.RecordOutput("tab-3", "previous output\r\n")

	sub := newSub("c1")
	join(t, reg, "tab-3", sub)

	require.Eventually(t, func() bool { return len(sub.Events()) >= 2 }, waitFor, 10*time.Millisecond)
	events := sub.Events()
	assert.Equal(t, protocol.Connected{SessionID: "tab-3"}, events[0])
	hist, ok := events[1].(protocol.History)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(hist.Raw, "previous output\r\n"))
	assert.NotContains(t, sub.Output(), "previous output")
}

func TestRegistry_LeaveThenRejoinSpawnsFreshShellWithHistory(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sub := newSub("c1")
	first := join(t, reg, "tab-4", sub)

	// The shell prints mark42; the typed command only echoes mark$((40+2)).
	require.NoError(t, reg.Write("c1", "echo mark$((40+2))\r"))
	require.Eventually(t, func() bool {
		return strings.Contains(sub.Output(), "mark42")
	}, waitFor, 10*time.Millisecond)

	reg.Leave("c1")
	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("shell survived the last leave")
	}
	assert.Nil(t, reg.Get("tab-4"))

	again := newSub("c2")
	second, created, err := reg.Join(context.Background(), protocol.JoinRequest{SessionID: "tab-4"}, again)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool { return len(again.Events()) >= 2 }, waitFor, 10*time.Millisecond)
	events := again.Events()
	assert.Equal(t, protocol.Connected{SessionID: "tab-4"}, events[0])
	hist, ok := events[1].(protocol.History)
	require.True(t, ok, "second event is %T", events[1])
	assert.Contains(t, hist.Raw, "mark42")
}

func TestRegistry_DetachKeepsSessionForReconnect(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sub := newSub("c1")
	s := join(t, reg, "tab-5", sub)
	require.Eventually(t, func() bool {
		_, ok := sub.Find(protocol.EventConnected)
		return ok
	}, waitFor, 10*time.Millisecond)

	reg.Detach("c1")
	assert.Same(t, s, reg.Get("tab-5"))
	assert.ErrorIs(t, reg.Write("c1", "ls\r"), ErrNotAttached)
	assert.NotPanics(t, func() { reg.Detach("c1") })

	// Reconnecting inside the timeout reattaches to the same shell.
	back := newSub("c2")
	again, created, err := reg.Join(context.Background(), protocol.JoinRequest{SessionID: "tab-5"}, back)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s, again)
	_, ok := back.Find(protocol.EventConnected)
	assert.True(t, ok)

	time.Sleep(2 * reg.opts.OrphanTimeout)
	assert.Same(t, s, reg.Get("tab-5"), "a reattached session must not be reaped")

	// Once everyone is gone for good the session is reaped.
	reg.Detach("c2")
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("orphaned session was never reaped")
	}
	assert.Nil(t, reg.Get("tab-5"))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.metrics.SessionExits.WithLabelValues("orphaned")))
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.metrics.SessionsActive))
}

func TestRegistry_SwitchingSessionsLeavesPrevious(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sub := newSub("c1")

	first := join(t, reg, "tab-1", sub)
	second := join(t, reg, "tab-2", sub)

	assert.NotSame(t, first, second)
	assert.Nil(t, reg.Get("tab-1"))

	attached, err := reg.Session("c1")
	require.NoError(t, err)
	assert.Same(t, second, attached)
}

func TestRegistry_ResizeAndErrors(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s := join(t, reg, "tab-1", newSub("c1"))

	require.NoError(t, reg.Resize("c1", 120, 50))
	assert.Equal(t, 120, s.Info().Cols)
	assert.Equal(t, 50, s.Info().Rows)

	require.NoError(t, reg.Resize("c1", 0, 50))
	assert.Equal(t, 120, s.Info().Cols)

	assert.ErrorIs(t, reg.Resize("nobody", 10, 10), ErrNotAttached)
	assert.ErrorIs(t, reg.Write("nobody", "x"), ErrNotAttached)
}

func TestRegistry_InvalidKey(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _, err := reg.Join(context.Background(), protocol.JoinRequest{SessionID: "../etc"}, newSub("c1"))
	assert.ErrorIs(t, err, history.ErrInvalidKey)
	assert.Zero(t, reg.Count())
}

func TestRegistry_CloseKillsAll(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := join(t, reg, "tab-1", newSub("c1"))
	b := join(t, reg, "tab-2", newSub("c2"))

	require.NoError(t, reg.Close())
	assert.Zero(t, reg.Count())
	assert.Empty(t, reg.List())

	for _, s := range []*Session{a, b} {
		select {
		case <-s.Done():
		case <-time.After(waitFor):
			t.Fatal("session survived Close")
		}
	}

	_, _, err := reg.Join(context.Background(), protocol.JoinRequest{SessionID: "tab-3"}, newSub("c3"))
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestSplitIncompleteUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		name     string
		in       []byte
		complete string
		rest     []byte
	}{
		{"ascii", []byte("abc"), "abc", nil},
		{"whole rune", append([]byte("a"), euro...), "a€", nil},
		{"partial rune", append([]byte("a"), euro[:2]...), "a", euro[:2]},
		{"lone lead byte", euro[:1], "", euro[:1]},
		{"invalid byte passes", []byte{'a', 0xff}, "a\xff", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, rest := splitIncompleteUTF8(tt.in)
			assert.Equal(t, tt.complete, string(complete))
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestExitStatus(t *testing.T) {
	code, sig := exitStatus(nil, nil)
	assert.Equal(t, -1, code)
	assert.Zero(t, sig)
}
