package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

// DefaultTimeout bounds a single backend call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of one guarded amount-returning backend call.
type Result struct {
	Amount *uint256.Int
	Err    error
}

// Ok builds a successful result.
func Ok(amount *uint256.Int) Result {
	if amount == nil {
		amount = new(uint256.Int)
	}
	return Result{Amount: amount}
}

// Fail builds a failed result.
func Fail(err error) Result { return Result{Amount: new(uint256.Int), Err: err} }

// OK reports success.
func (r Result) OK() bool { return r.Err == nil }

// Tracker observes backend calls as they start and finish.
type Tracker interface {
	Begin()
	End()
}

type trackerKey struct{}

// WithTracker returns a context whose guarded backend calls are reported to t.
func WithTracker(ctx context.Context, t Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// Guard runs fn under a deadline and converts panics and errors into a
// backend-kind error tagged with op. It never lets a panic escape.
func Guard[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (out T, err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if t, ok := ctx.Value(trackerKey{}).(Tracker); ok {
		t.Begin()
		defer t.End()
	}

	defer func() {
		if r := recover(); r != nil {
			var zero T
			out = zero
			err = svcerrors.ErrBackendFailed.WithDetails("op", op).Wrap(fmt.Errorf("panic: %v", r))
		}
	}()

	out, err = fn(callCtx)
	if err != nil {
		var zero T
		return zero, svcerrors.ErrBackendFailed.WithDetails("op", op).Wrap(err)
	}
	return out, nil
}

// Call runs an amount-returning backend operation and returns its Result.
func Call(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (*uint256.Int, error)) Result {
	amount, err := Guard(ctx, timeout, op, fn)
	if err != nil {
		return Fail(err)
	}
	return Ok(amount)
}
