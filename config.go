package moltnet

import "time"

// Config holds configuration for the engine.
type Config struct {
	// Concurrency is the maximum number of workflow runs executed
	// concurrently by the worker pool.
	Concurrency int

	// SigningTimeout is how long a signing workflow waits for an
	// external signer before resolving the request as expired.
	SigningTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// StartRateLimit is the maximum sustained workflow starts per second
	// accepted by the worker pool. Zero disables rate limiting.
	StartRateLimit float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		SigningTimeout:  300 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}
