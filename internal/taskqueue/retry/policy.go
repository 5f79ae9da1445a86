package retry

import (
	"log"
	"os"
	"strconv"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = 15 * time.Minute
)

// Policy decides whether a failed task is retried and how long it waits
// before becoming eligible again.
type Policy struct {
	MaxRetries int           // Failures allowed before the task is permanently FAILED
	BaseDelay  time.Duration // Delay before the first retry
	MaxDelay   time.Duration // Cap on the backoff delay
}

// DefaultPolicy returns a policy configured from the environment
// (RETRY_MAX_RETRIES, RETRY_BASE_DELAY_SECONDS, RETRY_MAX_DELAY_SECONDS),
// falling back to the package defaults.
func DefaultPolicy() Policy {
	p := Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
	if v := os.Getenv("RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.MaxRetries = n
		} else {
			log.Printf("RetryPolicy: invalid RETRY_MAX_RETRIES %q, using default %d", v, DefaultMaxRetries)
		}
	}
	if v := os.Getenv("RETRY_BASE_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.BaseDelay = time.Duration(n) * time.Second
		} else {
			log.Printf("RetryPolicy: invalid RETRY_BASE_DELAY_SECONDS %q, using default %s", v, DefaultBaseDelay)
		}
	}
	if v := os.Getenv("RETRY_MAX_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.MaxDelay = time.Duration(n) * time.Second
		} else {
			log.Printf("RetryPolicy: invalid RETRY_MAX_DELAY_SECONDS %q, using default %s", v, DefaultMaxDelay)
		}
	}
	return p
}

// ShouldRetry reports whether a task that has already failed retryCount times
// gets another attempt. Non-retryable errors bypass the budget entirely.
func (p Policy) ShouldRetry(retryCount int, retryable bool) bool {
	if !retryable {
		return false
	}
	return retryCount < p.MaxRetries
}

// Backoff returns the delay before the (retryCount+1)th attempt:
// min(BaseDelay * 2^retryCount, MaxDelay).
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
