package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts after the first
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)

	// RetryIf decides whether the error from the given attempt (1-based)
	// should be retried. Nil retries every error.
	RetryIf func(attempt int, err error) bool

	// OnRetry is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func() error) error {
	_, err := DoAttempts(ctx, config, func(int) error { return fn() })
	return err
}

// DoAttempts is Do with the 1-based attempt number passed to fn. It returns
// the number of attempts made. An error RetryIf rejects is returned as is.
func DoAttempts(ctx context.Context, config Config, fn func(attempt int) error) (int, error) {
	var lastErr error
	backoff := config.InitialBackoff
	attempts := 0

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		// Check context cancellation
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return attempts, lastErr
			}
			return attempts, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		attempts++
		err := fn(attempts)
		if err == nil {
			return attempts, nil // Success
		}
		lastErr = err

		if config.RetryIf != nil && !config.RetryIf(attempts, err) {
			return attempts, err
		}

		// Don't sleep after last attempt
		if attempt == config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempts, err, backoff)
		}

		// Sleep with exponential backoff
		select {
		case <-ctx.Done():
			return attempts, lastErr
		case <-time.After(backoff):
		}

		// Calculate next backoff
		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	if config.MaxRetries == 0 {
		return attempts, lastErr
	}
	return attempts, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network errors, lock contention and temporary failures are retryable
	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"database is locked",
		"sqlite_busy",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
