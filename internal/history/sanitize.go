package history

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

var (
	// Screen clears would wipe everything before them on replay.
	clearScreenRe = regexp.MustCompile("\x1b\\[H\x1b\\[2J|\x1b\\[2J\x1b\\[H|\x1b\\[H\x1b\\[J|\x1b\\[2J")
	lineBreakRe   = regexp.MustCompile(`\r?\n`)
)

// sanitizeChunk prepares a chunk of output for storage.
func sanitizeChunk(chunk string) string {
	return normalizeCR(stripClearScreen(chunk))
}

func stripClearScreen(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	return clearScreenRe.ReplaceAllString(s, "")
}

// normalizeCR turns a carriage return that is followed by anything other
// than a newline into a newline, so in-place redraws (progress bars,
// spinners) become separate lines. A trailing CR is left alone.
func normalizeCR(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' && i+1 < len(s) && s[i+1] != '\n' {
			b.WriteByte('\n')
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// visibleLines splits s into lines and drops those that are blank once
// escape sequences are removed. Kept lines are returned unstripped.
func visibleLines(s string) []string {
	var out []string
	for _, line := range lineBreakRe.Split(s, -1) {
		if strings.TrimSpace(ansi.Strip(line)) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// tail returns the last max bytes of s, moved forward to a rune boundary.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := len(s) - max
	for i := 0; n < len(s) && i < utf8.UTFMax-1 && !utf8.RuneStart(s[n]); i++ {
		n++
	}
	return s[n:]
}
