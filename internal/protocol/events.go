// Package protocol defines the events exchanged between terminal clients and
// the server. Every message travels in an Envelope naming the event and
// carrying its payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/entl/termhub/internal/history"
)

// Client to server events.
const (
	EventJoinSession = "join-session"
	EventInput       = "input"
	EventResize      = "resize"
	EventGetHistory  = "get-history"
	EventSaveHistory = "save-history"
)

// Server to client events.
const (
	EventOutput       = "output"
	EventHistory      = "history"
	EventConnected    = "connected"
	EventHardClear    = "hard-clear"
	EventExit         = "exit"
	EventError        = "error"
	EventHistorySaved = "history-saved"
)

var (
	ErrMalformed        = errors.New("malformed payload")
	ErrMissingSessionID = errors.New("sessionId is required")
)

// Event is a message the server pushes to a client.
type Event interface {
	EventName() string
}

// Output is raw PTY output.
type Output string

func (Output) EventName() string { return EventOutput }

// Connected confirms a client is attached to a session.
type Connected struct {
	SessionID string `json:"sessionId"`
}

func (Connected) EventName() string { return EventConnected }

// History carries scrollback to replay. Lines and Commands are empty when
// the payload comes from a live replay buffer.
type History struct {
	Raw       string            `json:"raw"`
	Lines     []string          `json:"lines"`
	Commands  []history.Command `json:"commands"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
	Cleared   bool              `json:"cleared,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (History) EventName() string { return EventHistory }

// LiveHistory wraps a replay buffer snapshot.
func LiveHistory(raw []byte) History {
	return History{
		Raw:      string(raw),
		Lines:    []string{},
		Commands: []history.Command{},
	}
}

// HistoryFromRecord converts a persisted record. A nil record yields the
// empty default stamped with now.
func HistoryFromRecord(rec *history.Record, now int64) History {
	if rec == nil {
		return History{Lines: []string{}, Commands: []history.Command{}, Timestamp: now}
	}
	h := History{
		Raw:       rec.Raw,
		Lines:     rec.Lines,
		Commands:  rec.Commands,
		Timestamp: rec.Timestamp,
		Truncated: rec.Truncated,
		Cleared:   rec.Cleared,
	}
	if h.Lines == nil {
		h.Lines = []string{}
	}
	if h.Commands == nil {
		h.Commands = []history.Command{}
	}
	return h
}

// HardClear tells clients to wipe their terminal and local caches.
type HardClear struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

func (HardClear) EventName() string { return EventHardClear }

// Exit reports the end of a session's shell process.
type Exit struct {
	ExitCode int `json:"exitCode"`
	Signal   int `json:"signal"`
}

func (Exit) EventName() string { return EventExit }

// Error is reported to a single connection.
type Error struct {
	Message string `json:"message"`
}

func (Error) EventName() string { return EventError }

// HistorySaved acknowledges a save-history request.
type HistorySaved struct {
	Success   bool   `json:"success"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (HistorySaved) EventName() string { return EventHistorySaved }

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode frames an event for the wire.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventName(), err)
	}
	return json.Marshal(Envelope{Event: ev.EventName(), Data: data})
}

// Decode parses an inbound frame.
func Decode(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return env, nil
}

// JoinRequest asks to attach to a session, creating it if needed.
// Zero Cols or Rows mean the default geometry.
type JoinRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ParseJoin accepts either an object or a bare session id string.
func ParseJoin(data json.RawMessage) (JoinRequest, error) {
	var req JoinRequest
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "" || trimmed == "null":
		return req, ErrMissingSessionID
	case strings.HasPrefix(trimmed, `"`):
		if err := json.Unmarshal(data, &req.SessionID); err != nil {
			return req, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case strings.HasPrefix(trimmed, "{"):
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	default:
		return req, fmt.Errorf("%w: join payload must be a string or object", ErrMalformed)
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return JoinRequest{}, ErrMissingSessionID
	}
	if req.Cols < 0 {
		req.Cols = 0
	}
	if req.Rows < 0 {
		req.Rows = 0
	}
	return req, nil
}

// ResizeRequest changes the PTY geometry.
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ParseResize requires both dimensions to be positive.
func ParseResize(data json.RawMessage) (ResizeRequest, error) {
	var req ResizeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		return req, fmt.Errorf("%w: invalid size %dx%d", ErrMalformed, req.Cols, req.Rows)
	}
	return req, nil
}

// ParseString decodes a payload that must be a JSON string.
func ParseString(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}
