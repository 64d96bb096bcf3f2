package history

import (
	"strings"
	"time"
)

const (
	// DefaultMaxRaw is the default cap on a record's raw text (5 MiB).
	DefaultMaxRaw = 5 * 1024 * 1024
	// MaxLines is how many output lines a record keeps outside unlimited mode.
	MaxLines = 5000
	// MaxCommands is how many commands a record keeps.
	MaxCommands = 100
)

// Record is the persisted history of one session. Raw is the authoritative
// replay source; Lines and Commands are best-effort indexes maintained
// alongside it.
type Record struct {
	Lines       []string  `json:"lines"`
	Commands    []Command `json:"commands"`
	Raw         string    `json:"raw"`
	Timestamp   int64     `json:"timestamp"`
	Truncated   bool      `json:"truncated,omitempty"`
	TruncatedAt int64     `json:"truncatedAt,omitempty"`
	Cleared     bool      `json:"cleared,omitempty"`
}

// Command is a command line the user entered.
type Command struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// HasContent reports whether there is anything worth replaying.
func (r *Record) HasContent() bool {
	return r != nil && (r.Raw != "" || len(r.Lines) > 0)
}

func newRecord(now time.Time) *Record {
	return &Record{
		Lines:     []string{},
		Commands:  []Command{},
		Timestamp: now.UnixMilli(),
	}
}

// normalize fills fields missing from older files. It reports whether raw
// had to be rebuilt from lines.
func (r *Record) normalize(now time.Time) bool {
	if r.Lines == nil {
		r.Lines = []string{}
	}
	if r.Commands == nil {
		r.Commands = []Command{}
	}
	if r.Timestamp == 0 {
		r.Timestamp = now.UnixMilli()
	}
	if r.Raw == "" && len(r.Lines) > 0 {
		r.Raw = strings.Join(r.Lines, "\n") + "\n"
		return true
	}
	return false
}
