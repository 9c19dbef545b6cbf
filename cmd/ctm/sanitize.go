package main

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// terminalSafe drops runes that would let a chat or contact name move the
// cursor, recolor the terminal or reorder the rest of the line.
func terminalSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if isUnsafeRune(r) {
			return -1
		}
		return r
	}, s)
}

func isUnsafeRune(r rune) bool {
	switch {
	// C0 and C1 controls, including ESC.
	case unicode.IsControl(r):
		return true
	// Bidi embeddings and overrides.
	case r >= 0x202A && r <= 0x202E:
		return true
	// Bidi isolates.
	case r >= 0x2066 && r <= 0x2069:
		return true
	case r == utf8.RuneError:
		return true
	default:
		return false
	}
}
