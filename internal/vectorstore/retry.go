package vectorstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsTransientError reports whether a gRPC failure may succeed on retry.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// IsAuthError reports whether the service rejected the credentials.
func IsAuthError(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return st.Code() == grpccodes.Unauthenticated || st.Code() == grpccodes.PermissionDenied
}

// errRetriesExhausted marks a transient failure that outlived its attempts.
var errRetriesExhausted = errors.New("retries exhausted")

// newBackOff doubles the delay from initial up to 8x initial, with jitter.
func newBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = 8 * initial
	exp.Multiplier = 2
	return exp
}

// retry runs op with exponential backoff while it fails transiently, up to
// a.maxAttempts attempts and a.maxElapsed total wait.
func retry[T any](ctx context.Context, a *RemoteAdapter, name string, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, backoff.Permanent(err)
			}
		}
		v, err := op(ctx)
		if err != nil && !IsTransientError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(newBackOff(a.retryBackoff)),
		backoff.WithMaxTries(uint(a.maxAttempts)),
		backoff.WithMaxElapsedTime(a.maxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			RetriesTotal.WithLabelValues(BackendRemote, name).Inc()
			a.logger.Warn(ctx, "retrying backend call",
				zap.String("op", name),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
	if err != nil && IsTransientError(err) && ctx.Err() == nil {
		err = errors.Join(errRetriesExhausted, err)
	}
	return v, err
}
