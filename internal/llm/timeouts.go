package llm

import (
	"regexp"
	"strings"
	"time"
)

// LatencyClass buckets calls by expected duration.
type LatencyClass string

const (
	// LatencyShort covers ranking and QA judging.
	LatencyShort LatencyClass = "short"
	// LatencyStandard covers extraction.
	LatencyStandard LatencyClass = "standard"
	// LatencyLong covers rule synthesis.
	LatencyLong LatencyClass = "long"
)

// Timeouts are per-attempt deadlines by latency class.
type Timeouts struct {
	Short               time.Duration
	Standard            time.Duration
	Long                time.Duration
	ReasoningMultiplier float64
}

// DefaultTimeouts returns the stock per-attempt deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Short:               60 * time.Second,
		Standard:            180 * time.Second,
		Long:                300 * time.Second,
		ReasoningMultiplier: 3,
	}
}

var oSeriesRe = regexp.MustCompile(`(^|[^a-z0-9])o[134]([^a-z0-9]|$)`)

var reasoningMarkers = []string{"-r1", "reason", "thinking", "qwq"}

// IsReasoningModel reports whether model names a chain-of-thought variant
// that emits long completions.
func IsReasoningModel(model string) bool {
	m := strings.ToLower(model)
	if oSeriesRe.MatchString(m) {
		return true
	}
	for _, marker := range reasoningMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// For returns the attempt deadline for class and model.
func (t Timeouts) For(class LatencyClass, model string) time.Duration {
	def := DefaultTimeouts()
	var d time.Duration
	switch class {
	case LatencyShort:
		d = orDefault(t.Short, def.Short)
	case LatencyLong:
		d = orDefault(t.Long, def.Long)
	default:
		d = orDefault(t.Standard, def.Standard)
	}
	if IsReasoningModel(model) {
		mult := t.ReasoningMultiplier
		if mult < 1 {
			mult = def.ReasoningMultiplier
		}
		d = time.Duration(float64(d) * mult)
	}
	return d
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
