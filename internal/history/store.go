// Package history persists terminal output and commands per session as JSON
// documents, one file per session key, and replays them after restarts.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidKey = errors.New("invalid session key")
	ErrDirLocked  = errors.New("history directory is in use by another process")
)

const lockFileName = ".termhub.lock"

// Options tunes a Store.
type Options struct {
	// MaxRaw caps a record's raw text in bytes. Zero means DefaultMaxRaw.
	MaxRaw int
	// Unlimited disables the raw and line caps.
	Unlimited bool
	Logger    zerolog.Logger
	// OnFailure is called with the operation name whenever persistence fails.
	OnFailure func(op string)
}

// Store reads and writes history records under a directory.
type Store struct {
	dir       string
	maxRaw    int
	unlimited bool
	logger    zerolog.Logger
	onFailure func(op string)
	now       func() time.Time

	lock *flock.Flock

	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewStore opens the history directory, creating it if needed, and takes an
// exclusive lock on it for the lifetime of the Store.
func NewStore(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock history directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDirLocked, dir)
	}

	maxRaw := opts.MaxRaw
	if maxRaw <= 0 {
		maxRaw = DefaultMaxRaw
	}
	onFailure := opts.OnFailure
	if onFailure == nil {
		onFailure = func(string) {}
	}

	return &Store{
		dir:       dir,
		maxRaw:    maxRaw,
		unlimited: opts.Unlimited,
		logger:    opts.Logger.With().Str("component", "history").Logger(),
		onFailure: onFailure,
		now:       time.Now,
		lock:      lock,
		locks:     make(map[string]*keyLock),
	}, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Dir returns the directory records are stored in.
func (s *Store) Dir() string {
	return s.dir
}

// Get loads the record for key. It returns (nil, nil) when none exists.
// Records written by older versions get their missing fields defaulted, and
// a record with lines but no raw text has raw rebuilt and written back.
func (s *Store) Get(key string) (*Record, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	defer s.lockKey(key)()

	rec, err := s.read(path)
	if err != nil || rec == nil {
		return rec, err
	}
	if rec.normalize(s.now()) {
		s.logger.Debug().Str("sessionKey", key).Msg("reconstructed raw from lines for legacy history")
		if err := s.write(path, rec); err != nil {
			s.fail("rewrite", key, err)
		}
	}
	return rec, nil
}

// Append adds an output chunk and optionally a command to the record for
// key, creating the record if needed. Failures are logged and reported as
// false; they are never returned to the caller.
func (s *Store) Append(key, chunk, command string) bool {
	path, err := s.path(key)
	if err != nil {
		s.fail("append", key, err)
		return false
	}

	defer s.lockKey(key)()

	now := s.now()
	rec, err := s.read(path)
	if err != nil {
		// An unreadable record is replaced rather than blocking all future output.
		s.logger.Warn().Err(err).Str("sessionKey", key).Msg("discarding unreadable history record")
	}
	if rec == nil {
		rec = newRecord(now)
	} else {
		rec.normalize(now)
	}

	if chunk != "" {
		s.appendOutput(rec, chunk, now)
	}
	if cmd := strings.TrimSpace(command); cmd != "" {
		rec.Commands = append(rec.Commands, Command{Text: cmd, Timestamp: now.UnixMilli()})
		if len(rec.Commands) > MaxCommands {
			rec.Commands = rec.Commands[len(rec.Commands)-MaxCommands:]
		}
	}
	rec.Timestamp = now.UnixMilli()

	if err := s.write(path, rec); err != nil {
		s.fail("append", key, err)
		return false
	}
	return true
}

func (s *Store) appendOutput(rec *Record, chunk string, now time.Time) {
	safe := sanitizeChunk(chunk)

	rec.Raw += safe
	if !s.unlimited && len(rec.Raw) > s.maxRaw {
		rec.Raw = tail(rec.Raw, s.maxRaw)
		rec.Truncated = true
		rec.TruncatedAt = now.UnixMilli()
	}

	lines := visibleLines(safe)
	if len(lines) == 0 {
		return
	}
	rec.Lines = append(rec.Lines, lines...)
	if !s.unlimited && len(rec.Lines) > MaxLines {
		rec.Lines = append([]string(nil), rec.Lines[len(rec.Lines)-MaxLines:]...)
	}
}

// Clear replaces the record for key with an empty record flagged as
// cleared. It succeeds whether or not a record existed.
func (s *Store) Clear(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	defer s.lockKey(key)()

	rec := newRecord(s.now())
	rec.Cleared = true
	if err := s.write(path, rec); err != nil {
		s.fail("clear", key, err)
		return err
	}
	return nil
}

// Delete removes the record for key. Deleting a missing record is not an
// error.
func (s *Store) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	unlock := s.lockKey(key)
	err = os.Remove(path)
	unlock()

	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.fail("delete", key, err)
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

func (s *Store) read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode history %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

func (s *Store) write(path string, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

func (s *Store) fail(op, key string, err error) {
	s.onFailure(op)
	s.logger.Error().Err(err).Str("op", op).Str("sessionKey", key).Msg("history persistence failed")
}

// keyLock serializes file access for one key. Entries exist only while
// the key is held or waited on.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey locks key and returns the matching unlock.
func (s *Store) lockKey(key string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *Store) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// ValidateKey checks that a session key can be used as a file name stem.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case key == "." || key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.ContainsAny(key, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, key)
	case len(key) > 200:
		return fmt.Errorf("%w: too long", ErrInvalidKey)
	}
	return nil
}
