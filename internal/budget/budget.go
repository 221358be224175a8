// Package budget estimates token cost of text and truncates it to fit a
// model's context window.
package budget

import (
	"strings"
	"unicode/utf8"
)

const (
	// CharsPerToken is the fixed bytes-per-token ratio used for estimates.
	// Real tokenizers average 3.5 to 4.5 for English prose.
	CharsPerToken = 4

	// DefaultSafetyMargin is applied to the computed budget.
	DefaultSafetyMargin = 0.85

	// MinFallbackTokens is used whenever the computed budget is not positive.
	MinFallbackTokens = 1000

	// TruncationMarker is appended to truncated text.
	TruncationMarker = "\n\n[... content truncated to fit context window ...]"

	// boundaryWindow is the trailing fraction of the cut searched for a
	// line or sentence boundary.
	boundaryWindow = 0.2
)

// EstimateTokens returns ceil(len(text)/CharsPerToken).
func EstimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Budget describes the space available for input text in one model call.
type Budget struct {
	ContextWindow  int
	ReservedOutput int
	Overhead       int
	// SafetyMargin multiplies the remaining budget; zero means DefaultSafetyMargin.
	SafetyMargin float64
}

// Available returns the token budget for input text.
func (b Budget) Available() int {
	margin := b.SafetyMargin
	if margin <= 0 || margin > 1 {
		margin = DefaultSafetyMargin
	}
	avail := int(float64(b.ContextWindow-b.Overhead-b.ReservedOutput) * margin)
	if avail <= 0 {
		return MinFallbackTokens
	}
	return avail
}

// Fits reports whether text is within the budget.
func (b Budget) Fits(text string) bool {
	return EstimateTokens(text) <= b.Available()
}

// Truncate returns text unchanged when it fits. Otherwise it cuts to the
// character budget, backs up to a line or sentence boundary when one falls
// in the last 20% of the cut, and appends TruncationMarker. The result
// always fits and truncating it again is a no-op.
func Truncate(text string, b Budget) string {
	if b.Fits(text) {
		return text
	}

	limit := b.Available()*CharsPerToken - len(TruncationMarker)
	if limit <= 0 {
		// No room for the marker.
		return safePrefix(text, b.Available()*CharsPerToken)
	}

	cut := safePrefix(text, limit)
	if i := boundary(cut); i >= int(float64(len(cut))*(1-boundaryWindow)) {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \t") + TruncationMarker
}

// FitSections keeps whole leading sections while they fit and truncates
// the section that crosses the budget. Sections after it are dropped.
func FitSections(sections []string, sep string, b Budget) string {
	var sb strings.Builder
	for i, s := range sections {
		next := s
		if i > 0 {
			next = sep + s
		}
		if b.Fits(sb.String() + next) {
			sb.WriteString(next)
			continue
		}
		return Truncate(sb.String()+next, b)
	}
	return sb.String()
}

// safePrefix returns the longest prefix of s no longer than n bytes that
// does not split a UTF-8 sequence.
func safePrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// boundary returns the end index of the last complete line or sentence in
// s, or -1.
func boundary(s string) int {
	best := strings.LastIndexByte(s, '\n')
	for _, term := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if i := strings.LastIndex(s, term); i >= 0 && i+1 > best {
			best = i + 1
		}
	}
	return best
}
