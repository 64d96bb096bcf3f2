package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"syscall"
	"unicode/utf8"

	"github.com/creack/pty"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// defaultShell returns the shell to spawn. A non-empty override wins.
func defaultShell(override string) string {
	if override != "" {
		return override
	}
	switch runtime.GOOS {
	case "windows":
		// Try PowerShell first, fallback to cmd
		if ps, err := exec.LookPath("pwsh"); err == nil {
			return ps
		}
		if ps, err := exec.LookPath("powershell"); err == nil {
			return ps
		}
		return "cmd.exe"
	case "darwin", "linux":
		// Check user's shell from environment
		if shell := os.Getenv("SHELL"); shell != "" {
			return shell
		}
		// Try common shells in order
		shells := []string{"zsh", "bash", "sh"}
		for _, shell := range shells {
			if path, err := exec.LookPath(shell); err == nil {
				return path
			}
		}
		return "/bin/sh" // fallback
	default:
		return "/bin/sh"
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if home := os.Getenv("USERPROFILE"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return "."
}

// geometry applies the default size to missing dimensions.
func geometry(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	return cols, rows
}

// startShell spawns shell attached to a new PTY of the given size.
func startShell(shell, cwd string, cols, rows int) (*os.File, *exec.Cmd, error) {
	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start PTY: %w", err)
	}
	return ptmx, cmd, nil
}

// exitStatus extracts the exit code and terminating signal from a finished
// process. A process killed by a signal reports exit code -1.
func exitStatus(state *os.ProcessState, waitErr error) (code, signal int) {
	if state == nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			state = exitErr.ProcessState
		}
	}
	if state == nil {
		return -1, 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, int(ws.Signal())
	}
	return state.ExitCode(), 0
}

// splitIncompleteUTF8 splits p into a prefix safe to decode and a trailing
// partial rune that should wait for the next read. Invalid bytes are not
// held back.
func splitIncompleteUTF8(p []byte) (complete, rest []byte) {
	// A rune is at most utf8.UTFMax bytes, so only the tail can be partial.
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if !utf8.FullRune(p[i:]) {
			return p[:i], p[i:]
		}
		break
	}
	return p, nil
}
