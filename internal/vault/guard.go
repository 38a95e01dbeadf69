package vault

import (
	"context"
	"sync/atomic"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

type operationKey struct{}

// backendCalls counts guarded backend calls made from inside a vault operation.
type backendCalls struct {
	n atomic.Int32
}

func (c *backendCalls) Begin()         { c.n.Add(1) }
func (c *backendCalls) End()           { c.n.Add(-1) }
func (c *backendCalls) inFlight() bool { return c.n.Load() > 0 }

// enter serializes a top-level operation. A call made with a context that is
// already inside an operation on this vault (an adapter calling back in) is
// rejected instead of waiting on the lock it would deadlock on. A call that
// finds the lock held while the holder is inside a backend call is rejected
// too; callers outside that window wait their turn.
func (v *Vault) enter(ctx context.Context, op string) (context.Context, func(), error) {
	if owner, ok := ctx.Value(operationKey{}).(*Vault); ok && owner == v {
		return ctx, func() {}, v.reentrant(op, "nested context")
	}
	if !v.mu.TryLock() {
		if v.calls.inFlight() {
			return ctx, func() {}, v.reentrant(op, "backend call in flight")
		}
		v.mu.Lock()
	}
	ctx = context.WithValue(ctx, operationKey{}, v)
	return adapter.WithTracker(ctx, &v.calls), v.mu.Unlock, nil
}

func (v *Vault) reentrant(op, reason string) error {
	v.log.WithField("op", op).WithField("reason", reason).Warn("re-entrant vault call rejected")
	return svcerrors.ErrReentrant.WithDetails("op", op)
}
