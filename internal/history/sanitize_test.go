package history

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestStripClearScreen(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"home then erase", "before\x1b[H\x1b[2Jafter", "beforeafter"},
		{"erase then home", "a\x1b[2J\x1b[Hb", "ab"},
		{"home then erase below", "a\x1b[H\x1b[Jb", "ab"},
		{"bare erase", "x\x1b[2Jy", "xy"},
		{"several", "\x1b[2J1\x1b[H\x1b[2J2", "12"},
		{"other sequences kept", "\x1b[31mred\x1b[0m", "\x1b[31mred\x1b[0m"},
		{"lone home kept", "\x1b[Hhome", "\x1b[Hhome"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripClearScreen(tt.in))
		})
	}
}

func TestNormalizeCR(t *testing.T) {
	assert.Equal(t, "a\r\nb", normalizeCR("a\r\nb"))
	assert.Equal(t, "10%\n50%\n100%", normalizeCR("10%\r50%\r100%"))
	assert.Equal(t, "trailing\r", normalizeCR("trailing\r"))
	assert.Equal(t, "\n\r\n", normalizeCR("\r\r\n"))
}

func TestVisibleLines(t *testing.T) {
	lines := visibleLines("first\r\n\x1b[0m\r\n   \n\x1b]0;title\x07\nsecond \x1b[32mok\x1b[0m\n")
	assert.Equal(t, []string{"first", "second \x1b[32mok\x1b[0m"}, lines)

	assert.Empty(t, visibleLines("\x1b[?2004h\r\n"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 5))
	assert.Equal(t, "cd", tail("abcd", 2))

	got := tail("xéé", 3)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "é", got)
}
