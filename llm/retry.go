package llm

import "time"

// RetryConfig bounds the client's per-endpoint retry loop. This is the
// inner of two budgets: the worker separately requeues a whole generation
// job against its max_retries, so these stay small enough that one job
// attempt finishes well inside the queue consumer's ack window.
type RetryConfig struct {
	// MaxAttempts caps calls against a single endpoint before the client
	// moves to the next one in the fallback chain.
	MaxAttempts int

	// BackoffBase is the pause after the first failed attempt.
	BackoffBase time.Duration

	// BackoffMultiplier grows the pause on each further attempt.
	BackoffMultiplier float64

	// MaxBackoff caps the pause regardless of attempt count.
	MaxBackoff time.Duration
}

// DefaultRetryConfig pauses 2s then 4s between the three attempts each
// endpoint gets, keeping a full fallback-chain walk far from the ack
// deadline.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
