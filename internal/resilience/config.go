package resilience

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultRetryConfig returns the retry policy used for remote LLM backends.
// Hosted models answer slowly under load, so the cap is a full minute.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// DefaultCircuitBreakerConfig returns the per-provider breaker policy: five
// consecutive backend failures open the circuit for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// ShouldTripBackend decides whether an LLM call failure counts against the
// provider's breaker. Throttling (429) is handled by the adaptive limiter and
// does not trip; rejections from an already open circuit never count.
func ShouldTripBackend(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return IsTransient(err)
}

// LogStateChange records breaker transitions for a provider.
func LogStateChange(provider string, from, to CircuitState) {
	log := zap.L().With(
		zap.String("provider", provider),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if to == CircuitOpen {
		log.Warn("resilience: llm backend circuit opened")
		return
	}
	log.Info("resilience: llm backend circuit state changed")
}

// FromRetryConfig builds the remote-backend RetryConfig from llm.retry
// settings. Zero values keep the defaults; a negative jitter keeps the
// default jitter.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitConfig builds the provider breaker policy from circuit
// settings, with the LLM trip policy and transition logging attached.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	cfg.ShouldTrip = ShouldTripBackend
	cfg.OnStateChange = LogStateChange
	return cfg
}
