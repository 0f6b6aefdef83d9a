// Package retry computes exponential backoff with deterministic jitter and
// runs operations under it.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Params identify one attempt. Jitter is a pure function of them, so a
// replay of the same failure sequence waits the same amounts.
type Params struct {
	Scope        string // e.g. the reconciler cursor name
	Key          string // e.g. the event key being applied
	AttemptIndex int
}

type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	// MaxAttempts bounds Do. Zero retries until the context is done.
	MaxAttempts int
}

// DefaultPolicy is used by the reconciler for transient store failures.
var DefaultPolicy = Policy{BaseMs: 50, MaxMs: 5_000, MaxJitterMs: 25}

// ComputeBackoff returns the delay for a specific attempt using deterministic jitter.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs || baseDelay < 0 {
		baseDelay = policy.MaxMs
	}

	return time.Duration(baseDelay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

func ComputeDeterministicJitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.Scope, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])
	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a Permanent error, the policy's
// attempts are exhausted, or ctx is done. onRetry, when set, is called
// before each wait.
func Do(ctx context.Context, policy Policy, params Params, fn func(ctx context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || IsPermanent(err) {
			return err
		}
		if policy.MaxAttempts > 0 && attempt+1 >= policy.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}

		p := params
		p.AttemptIndex = attempt
		wait := ComputeBackoff(p, policy)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}
