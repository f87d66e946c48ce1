package llm

import "time"

// RetryConfig bounds how hard the client leans on a planner endpoint
// before the circuit breaker and fallback chain take over.
type RetryConfig struct {
	// MaxAttempts caps attempts per request, first try included.
	MaxAttempts int

	// BackoffBase is the wait before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier grows the wait on each further retry.
	BackoffMultiplier float64

	// MaxBackoff is the ceiling on any single wait.
	MaxBackoff time.Duration
}

// DefaultRetryConfig tolerates a brief provider blip without stalling
// a supervisor decision for more than about half a minute.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
