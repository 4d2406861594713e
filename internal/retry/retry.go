// Package retry runs an operation with bounded exponential backoff.
//
// Device commands are the main user: a transient failure (timeout,
// transport error) is retried up to MaxAttempts times; errors wrapped with
// NonRetryable (unknown device, unsupported command) fail immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/clock"
)

// ErrExhausted is wrapped by the error Do returns when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// NonRetryableError marks an error that must not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so Do stops after the current attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts  int           // Total attempts including the first (minimum 1)
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on any single delay
	Multiplier   float64       // Growth factor between delays
	AddJitter    bool          // Add up to 25% random jitter to each delay

	// Clock drives the backoff waits. Nil means the real clock.
	Clock clock.Clock
}

// DefaultConfig is three attempts at 1s, 2s backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// normalise fills zero values and rejects impossible ones.
func (c Config) normalise() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.New("retry: negative delay or multiplier")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier > 1000 {
		c.Multiplier = 1000
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c, nil
}

// Delays returns the wait before each retry (len = MaxAttempts-1), without
// jitter. Useful for logging the schedule.
func (c Config) Delays() []time.Duration {
	c, err := c.normalise()
	if err != nil {
		return nil
	}
	out := make([]time.Duration, 0, c.MaxAttempts-1)
	delay := c.InitialDelay
	for i := 1; i < c.MaxAttempts; i++ {
		out = append(out, delay)
		delay = c.next(delay)
	}
	return out
}

func (c Config) next(delay time.Duration) time.Duration {
	next := float64(delay) * c.Multiplier
	if next > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(next)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. fn receives the 1-based attempt number. The
// returned count is the number of attempts actually made.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) (int, error) {
	cfg, err := cfg.normalise()
	if err != nil {
		return 0, err
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return attempt - 1, fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}

		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return attempt, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.AddJitter && delay >= 4 {
			wait += time.Duration(rand.Int64N(int64(delay / 4)))
		}

		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("retry cancelled during backoff after attempt %d: %w", attempt, ctx.Err())
		case <-cfg.Clock.After(wait):
		}

		delay = cfg.next(delay)
	}

	return cfg.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, cfg.MaxAttempts, lastErr)
}
