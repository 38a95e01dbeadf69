// Package ledger holds the redemption rate between vault shares and assets, the
// conversions every other component uses, and the share book itself.
//
// The rate is a fixed-point value scaled by 1e18 (1e18 == 1.0 asset per share).
// Conversions round in the vault's favour: minting rounds shares down, burning
// for a withdrawal rounds shares up, paying out rounds assets down.
package ledger

import (
	"sync"

	"github.com/holiman/uint256"

	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

var scale = uint256.NewInt(1_000_000_000_000_000_000)

// Scale returns the fixed-point unit (1e18).
func Scale() *uint256.Int { return scale.Clone() }

// Ledger owns the redemption rate.
type Ledger struct {
	mu   sync.RWMutex
	rate *uint256.Int
}

// New returns a ledger at rate 1.0.
func New() *Ledger {
	return &Ledger{rate: Scale()}
}

// Rate returns the current assets-per-share rate.
func (l *Ledger) Rate() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rate.Clone()
}

// SharesForAssets converts assets to shares, rounding down (mint side).
func (l *Ledger) SharesForAssets(assets *uint256.Int) *uint256.Int {
	rate := l.Rate()
	if rate.Eq(scale) {
		return assets.Clone()
	}
	return mulDiv(assets, scale, rate)
}

// AssetsForShares converts shares to assets, rounding up.
func (l *Ledger) AssetsForShares(shares *uint256.Int) *uint256.Int {
	rate := l.Rate()
	if rate.Eq(scale) {
		return shares.Clone()
	}
	return mulDivUp(shares, rate, scale)
}

// SharesForAssetsUp converts assets to shares, rounding up. Used to size the burn
// for a withdrawal so a depositor never receives assets without paying for them.
func (l *Ledger) SharesForAssetsUp(assets *uint256.Int) *uint256.Int {
	rate := l.Rate()
	if rate.Eq(scale) {
		return assets.Clone()
	}
	return mulDivUp(assets, scale, rate)
}

// AssetsForSharesDown converts shares to assets, rounding down (payout side).
func (l *Ledger) AssetsForSharesDown(shares *uint256.Int) *uint256.Int {
	rate := l.Rate()
	if rate.Eq(scale) {
		return shares.Clone()
	}
	return mulDiv(shares, rate, scale)
}

// ComputeRate returns the rate implied by totalAssets over totalSupply without
// storing it. Zero supply yields 1.0; a computed zero rate is floored at 1.0.
func ComputeRate(totalAssets, totalSupply *uint256.Int) *uint256.Int {
	if totalSupply == nil || totalSupply.IsZero() {
		return Scale()
	}
	rate := mulDiv(totalAssets, scale, totalSupply)
	if rate.IsZero() {
		return Scale()
	}
	return rate
}

// UpdateRate recomputes and stores the rate. It returns the new rate.
func (l *Ledger) UpdateRate(totalAssets, totalSupply *uint256.Int) *uint256.Int {
	rate := ComputeRate(totalAssets, totalSupply)
	l.mu.Lock()
	l.rate = rate
	l.mu.Unlock()
	return rate.Clone()
}

// SetRate stores an externally computed rate. Zero is rejected.
func (l *Ledger) SetRate(rate *uint256.Int) error {
	if rate == nil || rate.IsZero() {
		return svcerrors.ErrInvalidAmount.WithDetails("field", "rate")
	}
	l.mu.Lock()
	l.rate = rate.Clone()
	l.mu.Unlock()
	return nil
}

// Reset puts the rate back to 1.0. Called when the last share is burned.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.rate = Scale()
	l.mu.Unlock()
}

var maxUint256 = new(uint256.Int).SetAllOne()

func mulDiv(x, y, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		return new(uint256.Int)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return z
}

// mulDivUp rounds mulDiv up. A saturated result stays saturated.
func mulDivUp(x, y, d *uint256.Int) *uint256.Int {
	z := mulDiv(x, y, d)
	if d.IsZero() || z.Eq(maxUint256) {
		return z
	}
	if !new(uint256.Int).MulMod(x, y, d).IsZero() {
		z.AddUint64(z, 1)
	}
	return z
}
