package tokenizer

import (
	"errors"
	"strings"
	"testing"
)

func TestSimplifiedCounter(t *testing.T) {
	c := SimplifiedCounter{}
	for _, tc := range []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 0},
		{"abcd", 1},
		{strings.Repeat("x", 41), 10},
		{"ééééé", 1}, // counted in characters, not bytes
	} {
		if got := c.CountTokens(tc.in); got != tc.want {
			t.Errorf("CountTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestResolve(t *testing.T) {
	if _, err := Resolve(Simplified); err != nil {
		t.Errorf("Expected simplified tokenizer, got %v", err)
	}
	if _, err := Resolve("cl100k"); !errors.Is(err, ErrTokenizerNotFound) {
		t.Errorf("Expected ErrTokenizerNotFound, got %v", err)
	}
}
