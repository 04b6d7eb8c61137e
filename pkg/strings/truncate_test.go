package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSingleLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{name: "short string unchanged", input: "user said no", maxLen: 20, expected: "user said no"},
		{name: "exact length unchanged", input: "denied", maxLen: 6, expected: "denied"},
		{name: "long string truncated", input: "the user declined the consent screen", maxLen: 15, expected: "the user dec..."},
		{name: "header injection flattened", input: "denied\r\nSet-Cookie: x=1", maxLen: 64, expected: "denied Set-Cookie: x=1"},
		{name: "tabs and runs collapsed", input: "a\t\t b   c", maxLen: 20, expected: "a b c"},
		{name: "unicode cut on rune boundary", input: "zugriff ✋✋✋✋✋✋✋✋", maxLen: 12, expected: "zugriff ✋..."},
		{name: "tiny maxLen clamped", input: "abcdefgh", maxLen: 1, expected: "a..."},
		{name: "empty", input: "", maxLen: 10, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SingleLine(tt.input, tt.maxLen))
		})
	}
}
