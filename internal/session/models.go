package session

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/entl/termhub/internal/history"
	"github.com/entl/termhub/internal/input"
	"github.com/entl/termhub/internal/metrics"
	"github.com/entl/termhub/internal/protocol"
	"github.com/entl/termhub/internal/replay"
	"github.com/rs/zerolog"
)

// Subscriber is a client attached to a session. Send must not block; a
// subscriber that cannot keep up is expected to drop itself.
type Subscriber interface {
	ID() string
	Send(ev protocol.Event)
}

// HistorySink persists what happens in a session. The Record methods are
// called with the session lock held and must not wait on I/O.
type HistorySink interface {
	Load(ctx context.Context, key string) (*history.Record, error)
	RecordOutput(key, chunk string)
	RecordCommand(key, shell, cwd, text string)
	Clear(key string)
}

// SessionState represents the current state of a session.
type SessionState string

const (
	StateRunning SessionState = "running"
	StateClosed  SessionState = "closed"
	StateExited  SessionState = "exited"
)

// Session is a live shell process bound to a client-chosen key.
type Session struct {
	Key       string
	ID        string // unique per process lifetime
	Shell     string
	Cwd       string
	CreatedAt time.Time

	pty        *os.File // PTY master file descriptor
	cmd        *exec.Cmd
	outputDone chan struct{}

	sink    HistorySink
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu          sync.Mutex
	state       SessionState
	cols        int
	rows        int
	subscribers map[string]Subscriber
	greeted     map[string]bool // subscribers sent connected this PTY lifetime
	input       input.Interpreter
	replay      *replay.Buffer
	persisted   *history.Record // record loaded at spawn, replayed when nothing live exists
	delivered   bool            // initial history sent since spawn or last hard clear
	graceTimer  *time.Timer
	orphanTimer *time.Timer
}

// Info is a point-in-time description of a session.
type Info struct {
	Key         string       `json:"key"`
	ID          string       `json:"id"`
	Shell       string       `json:"shell"`
	Cwd         string       `json:"cwd"`
	Cols        int          `json:"cols"`
	Rows        int          `json:"rows"`
	State       SessionState `json:"state"`
	Subscribers int          `json:"subscribers"`
	ReplayBytes int          `json:"replayBytes"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Info returns a snapshot of the session's state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Key:         s.Key,
		ID:          s.ID,
		Shell:       s.Shell,
		Cwd:         s.Cwd,
		Cols:        s.cols,
		Rows:        s.rows,
		State:       s.state,
		Subscribers: len(s.subscribers),
		ReplayBytes: s.replay.Len(),
		CreatedAt:   s.CreatedAt,
	}
}

// Snapshot returns a copy of the replay buffer.
func (s *Session) Snapshot() []byte {
	return s.replay.Snapshot()
}

// Pid returns the shell's process id.
func (s *Session) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed once the session's output has been fully read.
func (s *Session) Done() <-chan struct{} {
	return s.outputDone
}
