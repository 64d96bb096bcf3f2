package storage

import (
	"time"
)

// Command represents a single command entered in a session.
type Command struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"sessionId"`
	Shell       string    `json:"shell"`
	Cwd         string    `json:"cwd"`
	CommandText string    `json:"text"`
}

// Tab is a labelled terminal tab. Its ID doubles as the session key.
type Tab struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}
