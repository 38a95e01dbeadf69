package harvest

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/yieldvault/internal/adapter/simulated"
	"github.com/R3E-Network/yieldvault/internal/asset"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/ledger"
	"github.com/R3E-Network/yieldvault/internal/registry"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

const (
	usdc     domain.Asset   = "USDC"
	vault    domain.Address = "vault"
	treasury domain.Address = "treasury"
)

type fixture struct {
	bank     *asset.Memory
	book     *ledger.Book
	ledger   *ledger.Ledger
	audit    *events.Log
	engine   *Engine
	backends []*simulated.Backend
	flushes  int
}

func newFixture(t *testing.T, feeBps uint64, positions ...uint64) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		bank:   asset.NewMemory(),
		book:   ledger.NewBook(),
		ledger: ledger.New(),
		audit:  events.NewLog(100, logger.NewDiscard()),
	}
	reg := registry.New(registry.Options{Asset: usdc, Logger: logger.NewDiscard()})
	for i, pos := range positions {
		id := domain.ProtocolID(i + 1)
		b := simulated.New(simulated.Config{Name: string(rune('a' + i)), Asset: usdc, Vault: vault}, f.bank)
		require.NoError(t, reg.RegisterProtocol(ctx, id, "p"))
		require.NoError(t, reg.RegisterAdapter(ctx, id, usdc, b))
		require.NoError(t, reg.AddActiveProtocol(ctx, id))

		f.bank.Mint(usdc, vault, uint256.NewInt(pos))
		require.NoError(t, f.bank.Approve(ctx, usdc, vault, b.Address(), uint256.NewInt(pos)))
		_, err := b.Supply(ctx, usdc, uint256.NewInt(pos))
		require.NoError(t, err)
		f.backends = append(f.backends, b)
	}
	f.engine = New(reg, f.book, f.ledger, Options{
		Vault:    vault,
		Treasury: treasury,
		FeeBps:   feeBps,
		Balances: f.bank,
		Flusher: FlushFunc(func(context.Context) error {
			f.flushes++
			return nil
		}),
		Recorder: f.audit,
		Logger:   logger.NewDiscard(),
	})
	return f
}

func TestHarvestRaisesRate(t *testing.T) {
	f := newFixture(t, 0, 100, 100)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(200)))
	f.backends[0].AccrueYield(uint256.NewInt(20))

	report, err := f.engine.AccrueAndFlush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", report.PreviousRate.Dec())
	assert.Equal(t, "1100000000000000000", report.NewRate.Dec())
	assert.Equal(t, uint64(220), report.TotalAssets.Uint64())
	assert.True(t, report.FeeShares.IsZero())
	assert.Equal(t, 1, f.flushes, "rate change triggers a flush")
	assert.Equal(t, report.NewRate, f.ledger.Rate())
	assert.Len(t, f.audit.RecentByType(events.EventHarvestCompleted, 10), 1)
}

func TestPerformanceFeeMintsToTreasury(t *testing.T) {
	f := newFixture(t, 1000, 1000)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(1000)))
	f.backends[0].AccrueYield(uint256.NewInt(100))

	report, err := f.engine.AccrueAndFlush(context.Background())
	require.NoError(t, err)

	// gain 0.1/share * 1000 shares * 10% = 10 assets = 9 shares at 1.1
	assert.Equal(t, uint64(10), report.FeeAssets.Uint64())
	assert.Equal(t, uint64(9), report.FeeShares.Uint64())
	assert.Equal(t, uint64(9), f.book.BalanceOf(treasury).Uint64())
	assert.Equal(t, uint64(1009), f.book.TotalSupply().Uint64())

	expected := ledger.ComputeRate(uint256.NewInt(1100), uint256.NewInt(1009))
	assert.Equal(t, expected.Dec(), report.NewRate.Dec())
	assert.True(t, report.NewRate.Gt(report.PreviousRate), "fee never pushes the rate below the previous one")
}

func TestFailedHarvestFallsBackToReportedBalance(t *testing.T) {
	f := newFixture(t, 0, 100, 100)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(200)))
	ctx := context.Background()

	_, err := f.engine.AccrueAndFlush(ctx)
	require.NoError(t, err)
	flushesBefore := f.flushes

	f.backends[1].FailOn(simulated.OpHarvest, errors.New("oracle stale"))
	report, err := f.engine.AccrueAndFlush(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), report.TotalAssets.Uint64(), "reported balance stands in")
	assert.Equal(t, []domain.ProtocolID{2}, report.Failed)
	assert.Equal(t, flushesBefore, f.flushes, "unchanged rate with live shares does not flush")
	assert.Len(t, f.audit.RecentByType(events.EventBackendFailed, 10), 1)
}

func TestFailedHarvestAndBalanceFallBackToLastHarvest(t *testing.T) {
	f := newFixture(t, 0, 100, 100)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(200)))
	ctx := context.Background()

	_, err := f.engine.AccrueAndFlush(ctx)
	require.NoError(t, err)

	f.backends[1].FailOn(simulated.OpHarvest, errors.New("oracle stale"))
	f.backends[1].FailOn(simulated.OpGetBalance, errors.New("rpc down"))
	report, err := f.engine.AccrueAndFlush(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), report.TotalAssets.Uint64(), "last harvested value stands in")
	assert.Equal(t, []domain.ProtocolID{2}, report.Failed)
}

func TestDrainedBackendHarvestsZero(t *testing.T) {
	f := newFixture(t, 0, 50, 50)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(100)))
	ctx := context.Background()

	_, err := f.engine.AccrueAndFlush(ctx)
	require.NoError(t, err)

	// alice takes 60 out: all of backend 1 and 10 of backend 2
	drained := f.backends[0]
	handle, err := drained.GetReceiptHandle(ctx, usdc)
	require.NoError(t, err)
	require.NoError(t, f.bank.Approve(ctx, handle.Token, vault, drained.Address(), uint256.NewInt(50)))
	_, err = drained.WithdrawToUser(ctx, usdc, uint256.NewInt(50), "alice")
	require.NoError(t, err)
	partial := f.backends[1]
	handle, err = partial.GetReceiptHandle(ctx, usdc)
	require.NoError(t, err)
	require.NoError(t, f.bank.Approve(ctx, handle.Token, vault, partial.Address(), uint256.NewInt(10)))
	_, err = partial.WithdrawToUser(ctx, usdc, uint256.NewInt(10), "alice")
	require.NoError(t, err)
	require.NoError(t, f.book.Burn("alice", uint256.NewInt(60)))

	report, err := f.engine.AccrueAndFlush(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failed, "a drained backend is not a failure")
	assert.Equal(t, uint64(40), report.TotalAssets.Uint64())
	assert.Equal(t, ledger.Scale().Dec(), report.NewRate.Dec())

	last, ok := f.engine.LastHarvested(1)
	require.True(t, ok)
	assert.True(t, last.IsZero())
}

func TestForgetDropsCachedHarvest(t *testing.T) {
	f := newFixture(t, 0, 100)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(100)))

	_, err := f.engine.AccrueAndFlush(context.Background())
	require.NoError(t, err)
	_, ok := f.engine.LastHarvested(1)
	require.True(t, ok)

	f.engine.Forget(1)
	_, ok = f.engine.LastHarvested(1)
	assert.False(t, ok)
}

func TestFirstHarvestFailureUsesReportedBalance(t *testing.T) {
	f := newFixture(t, 0, 100)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(100)))
	f.backends[0].PanicOn(simulated.OpHarvest)

	report, err := f.engine.AccrueAndFlush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), report.TotalAssets.Uint64())
	assert.Equal(t, "1000000000000000000", report.NewRate.Dec())
}

func TestZeroSupplyAlwaysFlushes(t *testing.T) {
	f := newFixture(t, 0, 50)
	report, err := f.engine.AccrueAndFlush(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Flushed)
	assert.Equal(t, 1, f.flushes)
	assert.Equal(t, ledger.Scale(), report.NewRate)
}

func TestIdleFundsCountTowardTotalAssets(t *testing.T) {
	f := newFixture(t, 0, 100)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(150)))
	f.bank.Mint(usdc, vault, uint256.NewInt(50))

	report, err := f.engine.AccrueAndFlush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(150), report.TotalAssets.Uint64())
}

func TestRateMonotonicUnderNoLossHarvests(t *testing.T) {
	f := newFixture(t, 2000, 1_000_000, 2_000_000, 500_000)
	require.NoError(t, f.book.Mint("alice", uint256.NewInt(3_500_000)))
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	prev := f.ledger.Rate()
	for i := 0; i < 50; i++ {
		for _, b := range f.backends {
			b.AccrueYield(uint256.NewInt(uint64(rng.Intn(5000))))
		}
		report, err := f.engine.AccrueAndFlush(ctx)
		require.NoError(t, err)
		require.Falsef(t, report.NewRate.Lt(prev), "rate decreased: %s -> %s", prev.Dec(), report.NewRate.Dec())
		prev = report.NewRate
	}
}
