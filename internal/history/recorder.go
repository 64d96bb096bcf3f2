package history

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/entl/termhub/internal/storage"
	"github.com/rs/zerolog"
)

// ErrRecorderClosed is returned by operations issued after Close.
var ErrRecorderClosed = errors.New("history recorder closed")

// CommandLog is the searchable, cross-session log of entered commands.
type CommandLog interface {
	InsertCommand(ctx context.Context, cmd *storage.Command) error
	DeleteCommandsBySession(ctx context.Context, sessionID string) (int64, error)
}

// Recorder applies history writes in the background so PTY output is never
// held up by disk I/O. Writes for a key are applied in the order they were
// issued. Consecutive output for a key is merged into a single append while
// the worker is busy, so a burst costs one file rewrite rather than one per
// chunk, and callers never wait on the disk.
type Recorder struct {
	store      *Store
	cmdLog     CommandLog
	logger     zerolog.Logger
	maxPending int // 0 means pending output is not capped

	mu     sync.Mutex
	queue  []*writeRequest
	open   map[string]*writeRequest // queued output still accepting chunks, by key
	closed bool

	wake     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type writeOp int

const (
	opOutput writeOp = iota
	opCommand
	opClear
	opForget
	opFlush
)

func (op writeOp) String() string {
	switch op {
	case opOutput:
		return "output"
	case opCommand:
		return "command"
	case opClear:
		return "clear"
	case opForget:
		return "forget"
	default:
		return "flush"
	}
}

// writeRequest is a single queued history write.
type writeRequest struct {
	op       writeOp
	key      string
	output   strings.Builder
	cmd      *storage.Command
	resultCh chan error // optional, for callers who want confirmation
}

// NewRecorder starts the background writer. cmdLog may be nil.
func NewRecorder(store *Store, cmdLog CommandLog, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		cmdLog: cmdLog,
		logger: logger.With().Str("component", "recorder").Logger(),
		open:   make(map[string]*writeRequest),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if !store.unlimited {
		r.maxPending = store.maxRaw
	}

	r.wg.Add(1)
	go r.writeWorker()

	return r
}

// Store returns the underlying history store.
func (r *Recorder) Store() *Store {
	return r.store
}

func (r *Recorder) writeWorker() {
	defer r.wg.Done()
	defer close(r.doneCh)

	for {
		select {
		case <-r.wake:
			r.drain()

		case <-r.stopCh:
			// Drain remaining writes before exiting
			r.drain()
			return
		}
	}
}

// drain applies queued writes until the queue is empty.
func (r *Recorder) drain() {
	for {
		batch := r.take()
		if len(batch) == 0 {
			return
		}
		for _, req := range batch {
			r.apply(req)
		}
	}
}

// take hands the worker everything queued so far. Output queued afterwards
// starts a new request, so nothing is appended to a request being applied.
func (r *Recorder) take() []*writeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.queue
	r.queue = nil
	clear(r.open)
	return batch
}

func (r *Recorder) apply(req *writeRequest) {
	var err error
	switch req.op {
	case opOutput:
		r.store.Append(req.key, req.output.String(), "")
	case opCommand:
		r.store.Append(req.key, "", req.cmd.CommandText)
		if r.cmdLog != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = r.cmdLog.InsertCommand(ctx, req.cmd)
			cancel()
		}
	case opClear:
		err = r.store.Clear(req.key)
		if err == nil {
			err = r.dropCommands(req.key)
		}
	case opForget:
		err = r.store.Delete(req.key)
		if err == nil {
			err = r.dropCommands(req.key)
		}
	case opFlush:
	}

	if err != nil {
		r.logger.Error().Err(err).Str("op", req.op.String()).Str("sessionKey", req.key).Msg("history write failed")
	}

	// Notify caller if they're waiting for result
	if req.resultCh != nil {
		req.resultCh <- err
		close(req.resultCh)
	}
}

func (r *Recorder) dropCommands(key string) error {
	if r.cmdLog == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.cmdLog.DeleteCommandsBySession(ctx, key)
	return err
}

// enqueue adds req to the queue without waiting for the worker. Output is
// merged into the key's open output request when there is one. Any other
// operation on a key closes that request, so later output lands after it.
func (r *Recorder) enqueue(req *writeRequest) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn().Str("op", req.op.String()).Str("sessionKey", req.key).Msg("recorder closed, dropping write")
		return false
	}

	switch req.op {
	case opOutput:
		if pending := r.open[req.key]; pending != nil {
			pending.output.WriteString(req.output.String())
			r.capPending(pending)
			r.mu.Unlock()
			return true
		}
		r.open[req.key] = req
	case opFlush:
	default:
		delete(r.open, req.key)
	}
	r.queue = append(r.queue, req)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// capPending keeps a stalled key's pending output bounded. The store would
// trim the front of the record to the same size anyway.
func (r *Recorder) capPending(req *writeRequest) {
	if r.maxPending <= 0 || req.output.Len() <= 2*r.maxPending {
		return
	}
	kept := tail(req.output.String(), r.maxPending)
	req.output.Reset()
	req.output.WriteString(kept)
}

// wait blocks until the worker has applied req.
func (r *Recorder) wait(ctx context.Context, req *writeRequest) error {
	if !r.enqueue(req) {
		return ErrRecorderClosed
	}
	select {
	case err := <-req.resultCh:
		return err
	case <-r.doneCh:
		// The worker may have applied the request while draining.
		select {
		case err := <-req.resultCh:
			return err
		default:
			return ErrRecorderClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordOutput queues a chunk of PTY output for key. It never blocks on
// disk I/O or on other sessions' writes.
func (r *Recorder) RecordOutput(key, chunk string) {
	if chunk == "" {
		return
	}
	req := &writeRequest{op: opOutput, key: key}
	req.output.WriteString(chunk)
	r.enqueue(req)
}

// RecordCommand queues a completed command for key. It is added to the
// session's record and to the command log.
func (r *Recorder) RecordCommand(key, shell, cwd, text string) {
	cmd := &storage.Command{
		Timestamp:   time.Now(),
		SessionID:   key,
		Shell:       shell,
		Cwd:         cwd,
		CommandText: text,
	}
	if cmd.CommandText == "" {
		return
	}
	r.enqueue(&writeRequest{op: opCommand, key: key, cmd: cmd})
}

// Clear queues a hard clear of key's history. Writes queued before it are
// applied first, so they cannot resurrect cleared output.
func (r *Recorder) Clear(key string) {
	r.enqueue(&writeRequest{op: opClear, key: key})
}

// Forget permanently deletes key's history and logged commands and waits
// for the deletion to complete.
func (r *Recorder) Forget(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return r.wait(ctx, &writeRequest{op: opForget, key: key, resultCh: make(chan error, 1)})
}

// Flush waits until every write queued before the call has been applied.
func (r *Recorder) Flush(ctx context.Context) error {
	return r.wait(ctx, &writeRequest{op: opFlush, resultCh: make(chan error, 1)})
}

// Load returns key's persisted record once every write queued before the
// call has landed. It returns nil, nil when nothing is stored.
func (r *Recorder) Load(ctx context.Context, key string) (*Record, error) {
	if err := r.Flush(ctx); err != nil && !errors.Is(err, ErrRecorderClosed) {
		return nil, err
	}
	return r.store.Get(key)
}

// Close stops the worker after applying pending writes.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.stopCh)
		r.wg.Wait()
	})
	return nil
}
