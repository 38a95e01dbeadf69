package ledger

import (
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestIdentityAtUnitRate(t *testing.T) {
	l := New()
	require.Equal(t, Scale(), l.Rate())
	assert.Equal(t, uint64(12345), l.SharesForAssets(u(12345)).Uint64())
	assert.Equal(t, uint64(12345), l.AssetsForShares(u(12345)).Uint64())
}

func TestConversionRounding(t *testing.T) {
	l := New()
	// 3 assets backing 2 shares: rate 1.5
	l.UpdateRate(u(3), u(2))
	require.Equal(t, "1500000000000000000", l.Rate().Dec())

	// 10 / 1.5 = 6.66 -> 6 (down)
	assert.Equal(t, uint64(6), l.SharesForAssets(u(10)).Uint64())
	// 10 / 1.5 = 6.66 -> 7 (up)
	assert.Equal(t, uint64(7), l.SharesForAssetsUp(u(10)).Uint64())
	// 7 * 1.5 = 10.5 -> 11 (up)
	assert.Equal(t, uint64(11), l.AssetsForShares(u(7)).Uint64())
	// 7 * 1.5 = 10.5 -> 10 (down)
	assert.Equal(t, uint64(10), l.AssetsForSharesDown(u(7)).Uint64())
	// exact results do not round
	assert.Equal(t, uint64(6), l.AssetsForShares(u(4)).Uint64())
}

func TestUpdateRateEdgeCases(t *testing.T) {
	l := New()

	l.UpdateRate(u(500), u(0))
	assert.Equal(t, Scale(), l.Rate(), "zero supply resets to 1.0")

	l.UpdateRate(u(0), u(100))
	assert.Equal(t, Scale(), l.Rate(), "zero rate is floored at 1.0")

	l.UpdateRate(u(110), u(100))
	assert.Equal(t, "1100000000000000000", l.Rate().Dec())

	l.Reset()
	assert.Equal(t, Scale(), l.Rate())
}

func TestSetRateRejectsZero(t *testing.T) {
	l := New()
	require.ErrorIs(t, l.SetRate(u(0)), svcerrors.ErrInvalidAmount)
	require.NoError(t, l.SetRate(u(2_000_000_000_000_000_000)))
	assert.Equal(t, uint64(5), l.SharesForAssets(u(10)).Uint64())
}

func TestRoundTripNeverGainsAssets(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := New()
	for i := 0; i < 500; i++ {
		assets := u(uint64(rng.Int63n(1_000_000_000)) + 1)
		supply := u(uint64(rng.Int63n(1_000_000_000)) + 1)
		l.UpdateRate(assets, supply)

		deposit := u(uint64(rng.Int63n(1_000_000_000_000)) + 1)
		shares := l.SharesForAssets(deposit)
		back := l.AssetsForSharesDown(shares)
		require.Falsef(t, back.Gt(deposit), "round trip gained assets: deposit=%s back=%s rate=%s", deposit.Dec(), back.Dec(), l.Rate().Dec())
	}
}

func TestLargeValuesDoNotOverflow(t *testing.T) {
	l := New()
	big := new(uint256.Int).Lsh(u(1), 200)
	l.UpdateRate(new(uint256.Int).Mul(big, u(2)), big)
	assert.Equal(t, "2000000000000000000", l.Rate().Dec())
	assert.Equal(t, big.Dec(), l.SharesForAssets(new(uint256.Int).Mul(big, u(2))).Dec())
}

func TestOverflowSaturatesWhenRoundingUp(t *testing.T) {
	l := New()
	l.UpdateRate(u(3), u(2))
	top := new(uint256.Int).SetAllOne()

	assert.Equal(t, top.Dec(), l.AssetsForShares(top).Dec(), "rounding up must not wrap to zero")
	assert.Equal(t, top.Dec(), l.AssetsForSharesDown(top).Dec())
	assert.Equal(t, top.Dec(), mulDivUp(top, u(3), u(2)).Dec())
	assert.Equal(t, uint64(2), mulDivUp(u(3), u(1), u(2)).Uint64())
}

func TestBookConservation(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Mint("alice", u(100)))
	require.NoError(t, b.Mint("bob", u(50)))
	require.NoError(t, b.Mint("alice", u(25)))
	require.NoError(t, b.Burn("bob", u(20)))

	sum := new(uint256.Int)
	for _, h := range b.Holders() {
		sum.Add(sum, b.BalanceOf(h))
	}
	assert.Equal(t, b.TotalSupply(), sum)
	assert.Equal(t, uint64(155), sum.Uint64())

	err := b.Burn("bob", u(31))
	require.ErrorIs(t, err, svcerrors.ErrInsufficientShares)
	assert.Equal(t, uint64(30), b.BalanceOf("bob").Uint64(), "failed burn changes nothing")

	require.NoError(t, b.Burn("bob", u(30)))
	assert.Equal(t, []domain.Address{"alice"}, b.Holders())

	require.ErrorIs(t, b.Mint("", u(1)), svcerrors.ErrZeroAddress)
	require.ErrorIs(t, b.Mint("carol", u(0)), svcerrors.ErrInvalidAmount)
}
