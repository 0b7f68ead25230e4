package tokenizer

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var ErrTokenizerNotFound = errors.New("tokenizer not found")

// Simplified is the name of the character-based estimator.
const Simplified = "simplified"

type Counter interface {
	CountTokens(s string) int
}

// SimplifiedCounter estimates one token per four characters. It is not
// faithful to any vendor tokenizer.
type SimplifiedCounter struct{}

func (SimplifiedCounter) CountTokens(s string) int {
	return utf8.RuneCountInString(s) / 4
}

func Resolve(name string) (Counter, error) {
	switch name {
	case Simplified, "":
		return SimplifiedCounter{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrTokenizerNotFound, name)
	}
}
