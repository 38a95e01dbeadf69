package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

func TestCallSuccess(t *testing.T) {
	res := Call(context.Background(), time.Second, "supply", func(context.Context) (*uint256.Int, error) {
		return uint256.NewInt(42), nil
	})
	require.True(t, res.OK())
	require.Equal(t, uint64(42), res.Amount.Uint64())
}

func TestCallNilAmountBecomesZero(t *testing.T) {
	res := Call(context.Background(), time.Second, "harvest", func(context.Context) (*uint256.Int, error) {
		return nil, nil
	})
	require.True(t, res.OK())
	require.True(t, res.Amount.IsZero())
}

func TestCallErrorIsContained(t *testing.T) {
	cause := errors.New("reverted")
	res := Call(context.Background(), time.Second, "withdraw", func(context.Context) (*uint256.Int, error) {
		return uint256.NewInt(5), cause
	})
	require.False(t, res.OK())
	require.True(t, res.Amount.IsZero())
	require.ErrorIs(t, res.Err, svcerrors.ErrBackendFailed)
	require.ErrorIs(t, res.Err, cause)
}

func TestCallPanicIsContained(t *testing.T) {
	res := Call(context.Background(), time.Second, "withdraw", func(context.Context) (*uint256.Int, error) {
		panic("adapter exploded")
	})
	require.False(t, res.OK())
	require.Equal(t, svcerrors.KindBackend, svcerrors.KindOf(res.Err))
}

func TestGuardAppliesDeadline(t *testing.T) {
	_, err := Guard(context.Background(), 10*time.Millisecond, "apy", func(ctx context.Context) (uint64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApprovalEmpty(t *testing.T) {
	require.True(t, Approval{}.Empty())
	require.False(t, Approval{Target: "token"}.Empty())
}

type countingTracker struct {
	open, begun int
}

func (c *countingTracker) Begin() { c.open++; c.begun++ }
func (c *countingTracker) End()   { c.open-- }

func TestTrackerSeesEveryCall(t *testing.T) {
	tr := &countingTracker{}
	ctx := WithTracker(context.Background(), tr)

	res := Call(ctx, time.Second, "harvest", func(context.Context) (*uint256.Int, error) {
		require.Equal(t, 1, tr.open)
		return uint256.NewInt(1), nil
	})
	require.True(t, res.OK())
	res = Call(ctx, time.Second, "harvest", func(context.Context) (*uint256.Int, error) {
		panic("boom")
	})
	require.False(t, res.OK())

	require.Equal(t, 0, tr.open)
	require.Equal(t, 2, tr.begun)
}
