// Package input reconstructs the command line a user is typing from the raw
// keystrokes sent to a terminal.
//
// The reconstruction is a heuristic. It only understands backspace and
// Enter, so cursor movement, tab completion and other line editing done by
// the shell itself make it diverge from what the shell actually runs.
package input

import "strings"

const (
	keyDelete    = '\x7f'
	keyBackspace = '\b'
	keyEnter     = '\r'
)

// ClearCommand is the command that triggers a hard clear of a session.
const ClearCommand = "clear"

// Interpreter accumulates keystrokes for one session. It is not safe for
// concurrent use; the owning session serializes access.
type Interpreter struct {
	pending []rune
}

// Feed consumes raw input and returns the commands completed by it, in
// order. Blank commands are not returned.
func (in *Interpreter) Feed(data string) []string {
	var completed []string
	for _, r := range data {
		switch r {
		case keyDelete, keyBackspace:
			if n := len(in.pending); n > 0 {
				in.pending = in.pending[:n-1]
			}
		case keyEnter:
			if cmd := strings.TrimSpace(string(in.pending)); cmd != "" {
				completed = append(completed, cmd)
			}
			in.pending = in.pending[:0]
		default:
			in.pending = append(in.pending, r)
		}
	}
	return completed
}

// Pending returns the command line typed so far.
func (in *Interpreter) Pending() string {
	return string(in.pending)
}

// Reset discards the pending command line.
func (in *Interpreter) Reset() {
	in.pending = in.pending[:0]
}

// IsClear reports whether a completed command requests a hard clear.
func IsClear(cmd string) bool {
	return cmd == ClearCommand
}
