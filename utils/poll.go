package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by PollUntil when the deadline passes.
var ErrTimeout = errors.New("timeout")

// PollUntil calls check at the given interval until it reports done, returns
// an error, or the timeout/context expires. The value from the successful
// check is returned.
func PollUntil[T any](ctx context.Context, timeout, interval time.Duration, check func() (T, bool, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, done, err := check()
		if err != nil {
			return zero, err
		}
		if done {
			return v, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}
