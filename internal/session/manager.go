package session

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/entl/termhub/internal/history"
	"github.com/entl/termhub/internal/metrics"
	"github.com/entl/termhub/internal/protocol"
	"github.com/entl/termhub/internal/replay"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotAttached is returned when a connection has not joined a session.
	ErrNotAttached = errors.New("not attached to a session")
	// ErrSessionClosed is returned for operations on a session that has
	// exited or been torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrRegistryClosed is returned by Join after Close.
	ErrRegistryClosed = errors.New("session registry closed")
)

const (
	// joinAttempts bounds retries when a session dies between lookup and
	// attach.
	joinAttempts = 3
	// outputDrainTimeout bounds how long exit handling waits for the last
	// output before announcing the exit.
	outputDrainTimeout = time.Second
	// DefaultOrphanTimeout is how long a session whose clients were all
	// dropped waits for one to reconnect.
	DefaultOrphanTimeout = 5 * time.Minute
)

// Options configures a Registry.
type Options struct {
	Shell       string // overrides the detected shell
	Cwd         string // defaults to the user's home directory
	ReplayMax   int
	GracePeriod time.Duration
	// OrphanTimeout bounds how long a session survives with no clients
	// after Detach. Zero means DefaultOrphanTimeout.
	OrphanTimeout time.Duration
	History       HistorySink
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

// Registry maps session keys to live sessions and connections to the
// session they are attached to. Lock order is Registry.mu before
// Session.mu; a session never takes the registry lock while holding its own.
type Registry struct {
	opts    Options
	shell   string
	cwd     string
	metrics *metrics.Metrics
	logger  zerolog.Logger
	spawns  singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = DefaultOrphanTimeout
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = homeDir()
	}
	return &Registry{
		opts:     opts,
		shell:    defaultShell(opts.Shell),
		cwd:      cwd,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With().Str("component", "sessions").Logger(),
		sessions: make(map[string]*Session),
		conns:    make(map[string]*Session),
	}
}

// Join attaches sub to the session named by req, spawning it if needed.
// Concurrent joins for an unseen key spawn exactly one shell. A connection
// is attached to at most one session; joining another leaves the first.
// created reports whether this call spawned the shell.
func (r *Registry) Join(ctx context.Context, req protocol.JoinRequest, sub Subscriber) (s *Session, created bool, err error) {
	if err := history.ValidateKey(req.SessionID); err != nil {
		return nil, false, err
	}

	if prev := r.attached(sub.ID()); prev != nil {
		if prev.Key == req.SessionID {
			// Re-join of the same session: catch the client up again.
			prev.addSubscriber(sub)
			return prev, false, nil
		}
		r.Leave(sub.ID())
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		s, created, err = r.getOrSpawn(ctx, req)
		if err != nil {
			return nil, false, err
		}
		if r.attach(s, sub) {
			s.firstContact(created, r.opts.GracePeriod)
			return s, created, nil
		}
		r.logger.Debug().Str("sessionKey", req.SessionID).Int("attempt", attempt+1).Msg("session went away during join, retrying")
	}
	return nil, false, ErrSessionClosed
}

// getOrSpawn returns the live session for the key, spawning one if none
// exists. created is true only for the caller whose spawn ran.
func (r *Registry) getOrSpawn(ctx context.Context, req protocol.JoinRequest) (*Session, bool, error) {
	if s := r.Get(req.SessionID); s != nil {
		return s, false, nil
	}

	created := false
	v, err, _ := r.spawns.Do(req.SessionID, func() (any, error) {
		if s := r.Get(req.SessionID); s != nil {
			return s, nil
		}
		s, err := r.spawn(ctx, req)
		if err != nil {
			return nil, err
		}
		created = true
		return s, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Session), created, nil
}

// spawn loads the persisted record, starts the shell and registers the
// session.
func (r *Registry) spawn(ctx context.Context, req protocol.JoinRequest) (*Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}

	var persisted *history.Record
	if r.opts.History != nil {
		rec, err := r.opts.History.Load(ctx, req.SessionID)
		if err != nil {
			r.logger.Warn().Err(err).Str("sessionKey", req.SessionID).Msg("failed to load history, starting empty")
		} else {
			persisted = rec
		}
	}
	var seed []byte
	if persisted.HasContent() {
		seed = []byte(persisted.Raw)
	}

	cols, rows := geometry(req.Cols, req.Rows)
	ptmx, cmd, err := startShell(r.shell, r.cwd, cols, rows)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	s := &Session{
		Key:         req.SessionID,
		ID:          id,
		Shell:       r.shell,
		Cwd:         r.cwd,
		CreatedAt:   time.Now(),
		pty:         ptmx,
		cmd:         cmd,
		outputDone:  make(chan struct{}),
		sink:        r.sink(),
		metrics:     r.metrics,
		logger:      r.logger.With().Str("sessionKey", req.SessionID).Str("sessionId", id).Logger(),
		state:       StateRunning,
		cols:        cols,
		rows:        rows,
		subscribers: make(map[string]Subscriber),
		greeted:     make(map[string]bool),
		replay:      replay.NewBuffer(r.opts.ReplayMax, seed),
		persisted:   persisted,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.kill()
		return nil, ErrRegistryClosed
	}
	r.sessions[s.Key] = s
	r.mu.Unlock()

	r.metrics.SessionsCreated.Inc()
	r.metrics.SessionsActive.Inc()
	s.logger.Info().
		Str("shell", s.Shell).
		Int("pid", s.Pid()).
		Int("cols", cols).
		Int("rows", rows).
		Int("seedBytes", len(seed)).
		Msg("session started")

	go r.readOutput(s)
	go r.monitorProcess(s)

	return s, nil
}

func (r *Registry) sink() HistorySink {
	if r.opts.History != nil {
		return r.opts.History
	}
	return nopSink{}
}

// attach subscribes sub to s if s is still the registered session for its
// key. Teardown removes a session from the map under the same lock, so map
// membership means the session is running.
func (r *Registry) attach(s *Session, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.Key] != s {
		return false
	}
	s.addSubscriber(sub)
	r.conns[sub.ID()] = s
	return true
}

// Write sends input from connID to its session's shell.
func (r *Registry) Write(connID, data string) error {
	s := r.attached(connID)
	if s == nil {
		return ErrNotAttached
	}
	return s.write(data)
}

// Resize changes the terminal size of connID's session. Non-positive
// dimensions are ignored.
func (r *Registry) Resize(connID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	s := r.attached(connID)
	if s == nil {
		return ErrNotAttached
	}
	return s.resize(cols, rows)
}

// Leave detaches connID. When it was the last subscriber the shell is
// killed and the session forgotten. Leaving twice is harmless.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	s := r.conns[connID]
	if s == nil {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	if s.removeSubscriber(connID) > 0 {
		r.mu.Unlock()
		return
	}
	if r.sessions[s.Key] == s {
		delete(r.sessions, s.Key)
	}
	_, ok := s.shutdown(StateClosed)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.kill()
	r.metrics.SessionsActive.Dec()
	r.metrics.SessionExits.WithLabelValues("abandoned").Inc()
	s.logger.Info().Msg("last client left, session killed")
}

// Detach removes connID without counting it as leaving. A session left
// with no subscribers keeps running for OrphanTimeout so the client can
// reconnect; if nobody joins by then it is killed.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.conns[connID]
	if s == nil {
		return
	}
	delete(r.conns, connID)

	if s.removeSubscriber(connID) > 0 {
		return
	}
	s.armOrphanTimer(r.opts.OrphanTimeout, func() { r.reapOrphan(s) })
	s.logger.Info().Dur("timeout", r.opts.OrphanTimeout).Msg("last client dropped, waiting for reconnect")
}

// reapOrphan kills s if it is still registered and nobody has rejoined.
func (r *Registry) reapOrphan(s *Session) {
	r.mu.Lock()
	if r.sessions[s.Key] != s || s.subscriberCount() > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.Key)
	_, ok := s.shutdown(StateClosed)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.kill()
	r.metrics.SessionsActive.Dec()
	r.metrics.SessionExits.WithLabelValues("orphaned").Inc()
	s.logger.Info().Msg("no client reconnected, session killed")
}

// Session returns the session connID is attached to.
func (r *Registry) Session(connID string) (*Session, error) {
	s := r.attached(connID)
	if s == nil {
		return nil, ErrNotAttached
	}
	return s, nil
}

func (r *Registry) attached(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Get returns the live session for key, or nil.
func (r *Registry) Get(key string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[key]
}

// List describes all live sessions ordered by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// readOutput pumps PTY output into the session until the PTY closes.
// A partial UTF-8 sequence at the end of a read is held for the next one.
func (r *Registry) readOutput(s *Session) {
	defer close(s.outputDone)

	buf := make([]byte, 4096) // 4KB chunks
	var carry []byte

	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			chunk, rest := splitIncompleteUTF8(data)
			carry = append([]byte(nil), rest...)
			if len(chunk) > 0 {
				s.handleOutput(chunk)
			}
		}
		if err != nil {
			if !isPTYClosed(err) {
				s.logger.Warn().Err(err).Msg("error reading PTY")
			}
			break
		}
	}
	if len(carry) > 0 {
		s.handleOutput(carry)
	}

	s.logger.Debug().Msg("output reader stopped")
}

// isPTYClosed reports errors that just mean the PTY is gone. Linux returns
// EIO from the master once the shell side has closed.
func isPTYClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}

// monitorProcess waits for the shell to exit, then removes the session and
// reports the exit to everyone still attached.
func (r *Registry) monitorProcess(s *Session) {
	waitErr := s.cmd.Wait()
	code, signal := exitStatus(s.cmd.ProcessState, waitErr)

	// Let the last output reach subscribers before the exit event.
	select {
	case <-s.outputDone:
	case <-time.After(outputDrainTimeout):
	}

	r.mu.Lock()
	subs, ok := s.shutdown(StateExited)
	if ok {
		if r.sessions[s.Key] == s {
			delete(r.sessions, s.Key)
		}
		for _, sub := range subs {
			if r.conns[sub.ID()] == s {
				delete(r.conns, sub.ID())
			}
		}
	}
	r.mu.Unlock()

	_ = s.pty.Close()
	if !ok {
		// Already torn down by Leave or Close.
		return
	}

	ev := protocol.Exit{ExitCode: code, Signal: signal}
	for _, sub := range subs {
		sub.Send(ev)
	}
	r.metrics.SessionsActive.Dec()
	r.metrics.SessionExits.WithLabelValues("exit").Inc()
	s.logger.Info().Int("exitCode", code).Int("signal", signal).Int("subscribers", len(subs)).Msg("session exited")
}

// Close kills every session. Joins after Close fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if _, ok := s.shutdown(StateClosed); ok {
			sessions = append(sessions, s)
		}
	}
	r.sessions = make(map[string]*Session)
	r.conns = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.kill()
		r.metrics.SessionsActive.Dec()
		r.metrics.SessionExits.WithLabelValues("shutdown").Inc()
	}
	if len(sessions) > 0 {
		r.logger.Info().Int("sessions", len(sessions)).Msg("closed all sessions")
	}
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type nopSink struct{}

func (nopSink) Load(context.Context, string) (*history.Record, error) { return nil, nil }
func (nopSink) RecordOutput(string, string)                           {}
func (nopSink) RecordCommand(string, string, string, string)          {}
func (nopSink) Clear(string)                                          {}

var _ HistorySink = (*history.Recorder)(nil)

