// SPDX-License-Identifier: MPL-2.0

// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff is the delay before attempt n (n >= 1): base * 2^(n-1), capped at max
// when max is positive.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := base * time.Duration(1<<(attempt-1))
	if maxDelay > 0 && (d > maxDelay || d <= 0) {
		return maxDelay
	}
	return d
}

// Do retries op up to maxAttempts times with exponential backoff starting at
// baseBackoff. The context is checked before every retry and while sleeping.
//
// op returns (retry bool, err error). A nil error ends the loop successfully; a
// non-nil error with retry=false is returned immediately. When attempts run out
// the last error is returned.
func Do(
	ctx context.Context,
	maxAttempts int,
	baseBackoff time.Duration,
	op func(attempt int) (retry bool, err error),
) error {
	return DoCapped(ctx, maxAttempts, baseBackoff, 0, op)
}

// DoCapped is Do with an upper bound on a single backoff delay. A
// maxAttempts <= 0 retries until the context ends.
func DoCapped(
	ctx context.Context,
	maxAttempts int,
	baseBackoff, maxBackoff time.Duration,
	op func(attempt int) (retry bool, err error),
) error {
	var lastErr error
	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("retry aborted after %d attempt(s): %w (last error: %v)", attempt, err, lastErr)
			}
			timer := time.NewTimer(Backoff(baseBackoff, maxBackoff, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempt(s): %w (last error: %v)", attempt, ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		again, err := op(attempt)
		if err == nil {
			return nil
		}
		if !again {
			return err
		}
		lastErr = err
	}
	return lastErr
}
