// Package retry runs bounded exponential-backoff loops for optimistic writes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
)

// ErrExhausted wraps the last error once the attempt budget is spent.
var ErrExhausted = errors.New("retries exhausted")

type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     8,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	}
}

// PolicyFromEnv reads ORCHESTRATOR_<prefix>_RETRY_* overrides.
func PolicyFromEnv(prefix string) (Policy, error) {
	def := DefaultPolicy()
	attempts, err := env.Int("ORCHESTRATOR_"+prefix+"_RETRY_ATTEMPTS", int(def.MaxAttempts))
	if err != nil {
		return Policy{}, err
	}
	initial, err := env.Duration("ORCHESTRATOR_"+prefix+"_RETRY_INITIAL", def.InitialInterval)
	if err != nil {
		return Policy{}, err
	}
	maxInterval, err := env.Duration("ORCHESTRATOR_"+prefix+"_RETRY_MAX_INTERVAL", def.MaxInterval)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{
		MaxAttempts:     uint(max(attempts, 0)),
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		MaxElapsed:      def.MaxElapsed,
	}
	return p, p.Validate()
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry attempts must be >= 1")
	}
	if p.InitialInterval <= 0 || p.MaxInterval < p.InitialInterval {
		return errors.New("retry intervals must be positive and max >= initial")
	}
	return nil
}

// Do calls op until it succeeds, returns an error retryable rejects, or the
// policy runs out. Exhaustion wraps the last error with ErrExhausted so both
// remain visible to errors.Is.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op func() (T, error), notify func(error, time.Duration)) (T, error) {
	if p.MaxAttempts == 0 {
		p = DefaultPolicy()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	var lastErr error
	wrapped := func() (T, error) {
		out, err := op()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if retryable == nil || !retryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(p.MaxAttempts),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}

	out, err := backoff.Retry(ctx, wrapped, opts...)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, err
	}
	if lastErr != nil && retryable != nil && retryable(lastErr) && errors.Is(err, lastErr) {
		return out, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
	}
	return out, err
}

// On returns a retryable predicate matching any of targets.
func On(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}
