package faulttolerance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrRetriesExhausted wraps the last error once the attempt budget is spent.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// RetryPolicy holds configuration for retry mechanisms.
// It is a plain value so the same policy can drive loops, timers and
// broker requeue delays alike.
type RetryPolicy struct {
	MaxAttempts int           // Maximum number of attempts, including the first
	BaseDelay   time.Duration // Base delay for exponential backoff
	MaxDelay    time.Duration // Maximum delay between retries
	Multiplier  float64       // Multiplier for exponential backoff
	JitterRange float64       // Jitter range (0.0 to 1.0)
	Name        string        // Name for logging

	// Retryable decides whether an error deserves another attempt.
	// Nil retries every error.
	Retryable func(error) bool
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1.0 {
		p.Multiplier = 2.0
	}
	if p.JitterRange < 0 || p.JitterRange > 1.0 {
		p.JitterRange = 0.1
	}
	if p.Name == "" {
		p.Name = "Retryer"
	}
	return p
}

// Delay returns the un-jittered backoff before retry number attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retryer handles retry logic with exponential backoff and jitter
type Retryer struct {
	policy RetryPolicy
	logger logrus.FieldLogger

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a new retryer
func NewRetryer(policy RetryPolicy, logger logrus.FieldLogger) *Retryer {
	return &Retryer{
		policy: policy.normalized(),
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
}

// Execute executes the function with retry logic
func (r *Retryer) Execute(ctx context.Context, fn RetryableFunc) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Infof("[%s] Operation succeeded on attempt %d", r.policy.Name, attempt)
			}
			return nil
		}

		lastErr = err

		if !r.isRetryable(err) {
			r.logger.Errorf("[%s] Non-retryable error: %v", r.policy.Name, err)
			return err
		}

		if attempt == r.policy.MaxAttempts {
			r.logger.Errorf("[%s] All %d attempts failed, last error: %v", r.policy.Name, attempt, err)
			break
		}

		delay := r.calculateDelay(attempt)
		r.logger.Warnf("[%s] Attempt %d failed: %v. Retrying in %v...", r.policy.Name, attempt, err, delay)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.policy.MaxAttempts, lastErr)
}

// calculateDelay adds jitter to the policy delay to avoid a thundering herd.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.Delay(attempt))

	if r.policy.JitterRange > 0 {
		r.mu.Lock()
		jitter := r.rng.Float64() * r.policy.JitterRange * delay
		negative := r.rng.Float64() < 0.5
		r.mu.Unlock()
		if negative {
			delay -= jitter
		} else {
			delay += jitter
		}
	}

	if delay < float64(r.policy.BaseDelay) {
		delay = float64(r.policy.BaseDelay)
	}
	return time.Duration(delay)
}

func (r *Retryer) isRetryable(err error) bool {
	if r.policy.Retryable == nil {
		return true
	}
	return r.policy.Retryable(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
