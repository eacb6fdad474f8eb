package engram

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars strips zero-width code points that hide content from
// pattern checks while remaining invisible to users.
var zeroWidthChars = strings.NewReplacer(
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"⁠", "", // word joiner
	"\uFEFF", "", // zero-width no-break space
)

// defaultMaxInputRunes bounds a single inbound message after normalization.
const defaultMaxInputRunes = 4000

// InputGuard normalizes and bounds inbound text before classification.
// Normalization applies NFKC folding and removes zero-width characters so
// that visually identical inputs classify identically.
type InputGuard struct {
	maxRunes int
}

// GuardOption configures an InputGuard.
type GuardOption func(*InputGuard)

// WithMaxInputRunes sets the rune cap applied after normalization.
func WithMaxInputRunes(n int) GuardOption {
	return func(g *InputGuard) { g.maxRunes = n }
}

// NewInputGuard creates an InputGuard with the default rune cap.
func NewInputGuard(opts ...GuardOption) *InputGuard {
	g := &InputGuard{maxRunes: defaultMaxInputRunes}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Clean normalizes text and enforces the length cap. Returns the cleaned
// text and whether it was truncated. Interior newlines survive; other
// control characters are dropped.
func (g *InputGuard) Clean(text string) (string, bool) {
	s := norm.NFKC.String(text)
	s = zeroWidthChars.Replace(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if g.maxRunes > 0 && len(runes) > g.maxRunes {
		return strings.TrimSpace(string(runes[:g.maxRunes])), true
	}
	return s, false
}
