package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/yieldvault/internal/asset"
	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

const (
	usdc   domain.Asset   = "USDC"
	queueA domain.Address = "queue"
	vault  domain.Address = "vault"
)

type recordingSink struct {
	bank     *asset.Memory
	credited map[domain.Address]uint64
	failFor  map[domain.Address]error
	noop     bool
}

func (s *recordingSink) DepositFor(ctx context.Context, payer, beneficiary domain.Address, amount *uint256.Int) error {
	if err := s.failFor[beneficiary]; err != nil {
		return err
	}
	if s.noop {
		return nil
	}
	if err := s.bank.Transfer(ctx, usdc, payer, vault, amount); err != nil {
		return err
	}
	s.credited[beneficiary] += amount.Uint64()
	return nil
}

func newQueue(t *testing.T, batch int) (*Queue, *recordingSink, *asset.Memory, *events.Log) {
	t.Helper()
	bank := asset.NewMemory()
	for _, d := range []domain.Address{"X", "Y", "Z"} {
		bank.Mint(usdc, d, uint256.NewInt(1000))
	}
	sink := &recordingSink{bank: bank, credited: map[domain.Address]uint64{}, failFor: map[domain.Address]error{}}
	audit := events.NewLog(100, logger.NewDiscard())
	q := New(sink, Options{
		Address:   queueA,
		Asset:     usdc,
		BatchSize: batch,
		Bank:      bank,
		Clock:     clock.NewMock(),
		Recorder:  audit,
		Logger:    logger.NewDiscard(),
	})
	return q, sink, bank, audit
}

func deposit(t *testing.T, q *Queue, who domain.Address, amount uint64) {
	t.Helper()
	require.NoError(t, q.Deposit(context.Background(), who, uint256.NewInt(amount)))
}

func TestFlushInBatchesAcrossCalls(t *testing.T) {
	q, sink, _, _ := newQueue(t, 1)
	deposit(t, q, "X", 100)
	deposit(t, q, "Y", 50)

	res, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{"X"}, res.Processed)
	assert.Equal(t, 1, q.Cursor())
	assert.False(t, res.EpochCompleted)
	assert.Equal(t, []domain.Address{"Y"}, q.Roster(), "processed depositors leave the roster")
	assert.Equal(t, uint64(100), sink.credited["X"])
	assert.Zero(t, sink.credited["Y"])

	res, err = q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{"Y"}, res.Processed)
	assert.Equal(t, 0, q.Cursor())
	assert.True(t, res.EpochCompleted)
	assert.Empty(t, q.Roster())
	assert.Equal(t, uint64(50), sink.credited["Y"])

	assert.True(t, q.ClaimSupply().IsZero(), "all claims burned")
	assert.True(t, q.PendingTotal().IsZero())
}

func TestDepositAccumulates(t *testing.T) {
	q, _, bank, _ := newQueue(t, 10)
	deposit(t, q, "X", 100)
	deposit(t, q, "X", 25)

	assert.Equal(t, []domain.Address{"X"}, q.Roster())
	assert.Equal(t, uint64(125), q.QueuedAmount("X").Uint64())
	assert.Equal(t, uint64(125), q.ClaimBalance("X").Uint64())
	held, _ := bank.BalanceOf(context.Background(), usdc, queueA)
	assert.Equal(t, uint64(125), held.Uint64())
}

func TestDepositPreconditions(t *testing.T) {
	q, _, _, _ := newQueue(t, 10)
	require.ErrorIs(t, q.Deposit(context.Background(), "X", uint256.NewInt(0)), svcerrors.ErrInvalidAmount)
	require.ErrorIs(t, q.Deposit(context.Background(), "", uint256.NewInt(1)), svcerrors.ErrZeroAddress)
	require.ErrorIs(t, q.Deposit(context.Background(), "X", uint256.NewInt(5000)), svcerrors.ErrInsufficientBalance)
	assert.Empty(t, q.Roster())
}

func TestEmptyFlushIsNoop(t *testing.T) {
	q, _, bank, _ := newQueue(t, 10)
	for i := 0; i < 3; i++ {
		res, err := q.Flush(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.Processed)
		assert.Equal(t, 0, q.Cursor())
	}
	held, _ := bank.BalanceOf(context.Background(), usdc, "X")
	assert.Equal(t, uint64(1000), held.Uint64())
}

func TestFailedDepositDoesNotBlockBatch(t *testing.T) {
	q, sink, _, audit := newQueue(t, 10)
	sink.failFor["X"] = errors.New("backend paused")
	deposit(t, q, "X", 100)
	deposit(t, q, "Y", 50)

	res, err := q.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{"Y"}, res.Processed)
	assert.Equal(t, []domain.Address{"X"}, res.Failed)

	f, ok := q.FailedDeposit("X")
	require.True(t, ok)
	assert.Equal(t, uint64(100), f.Amount.Uint64())
	assert.Equal(t, 1, f.RetryCount)
	assert.Equal(t, "backend paused", f.Reason)
	assert.Equal(t, uint64(100), q.ClaimBalance("X").Uint64(), "claims stay until the deposit lands")
	assert.Len(t, audit.RecentByType(events.EventDepositFailed, 10), 1)
}

func TestRetryFailedDeposits(t *testing.T) {
	q, sink, _, _ := newQueue(t, 10)
	ctx := context.Background()
	sink.failFor["X"] = errors.New("paused")
	deposit(t, q, "X", 100)

	_, _ = q.Flush(ctx)
	n, err := q.RetryFailedDeposits(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []domain.Address{"X"}, q.Roster())
	_, ok := q.FailedDeposit("X")
	assert.False(t, ok, "retry clears the failure record")

	// second failure carries the attempt count forward
	_, _ = q.Flush(ctx)
	f, _ := q.FailedDeposit("X")
	assert.Equal(t, 2, f.RetryCount)

	n, _ = q.RetryFailedDeposits(ctx, 2)
	assert.Equal(t, 0, n, "entries at the ceiling stay failed")

	delete(sink.failFor, "X")
	n, _ = q.RetryFailedDeposits(ctx, 5)
	require.Equal(t, 1, n)
	res, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{"X"}, res.Processed)
	assert.Equal(t, uint64(100), sink.credited["X"])
	assert.Empty(t, q.FailedDeposits())
}

func TestUnverifiedDepositIsFailed(t *testing.T) {
	q, sink, _, _ := newQueue(t, 10)
	sink.noop = true
	deposit(t, q, "Z", 40)

	res, err := q.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.Address{"Z"}, res.Failed)
	f, _ := q.FailedDeposit("Z")
	assert.Contains(t, f.Reason, "postcondition")
}

func TestRedepositAfterProcessingRejoinsRoster(t *testing.T) {
	q, sink, _, _ := newQueue(t, 1)
	ctx := context.Background()
	deposit(t, q, "X", 10)
	deposit(t, q, "Y", 10)

	_, _ = q.Flush(ctx) // X processed, cursor 1
	deposit(t, q, "X", 5)
	assert.Equal(t, []domain.Address{"Y", "X"}, q.Roster())
	assert.Equal(t, 1, q.Cursor())

	_, _ = q.Flush(ctx)
	res, _ := q.Flush(ctx)
	assert.True(t, res.EpochCompleted)
	assert.Equal(t, uint64(15), sink.credited["X"])
}

func TestFailureStampsAttemptTime(t *testing.T) {
	bank := asset.NewMemory()
	bank.Mint(usdc, "X", uint256.NewInt(10))
	clk := clock.NewMock()
	clk.Add(90 * time.Minute)
	q := New(SinkFunc(func(context.Context, domain.Address, domain.Address, *uint256.Int) error {
		return errors.New("down")
	}), Options{Address: queueA, Asset: usdc, Bank: bank, Clock: clk, Logger: logger.NewDiscard()})

	require.NoError(t, q.Deposit(context.Background(), "X", uint256.NewInt(10)))
	_, _ = q.Flush(context.Background())
	f, ok := q.FailedDeposit("X")
	require.True(t, ok)
	assert.Equal(t, clk.Now(), f.LastAttempt)
}
