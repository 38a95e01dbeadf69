package ledger

import (
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

// Book tracks per-holder balances of one claim unit and their total supply.
// Total supply always equals the sum of balances.
type Book struct {
	mu       sync.RWMutex
	balances map[domain.Address]*uint256.Int
	supply   *uint256.Int
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{
		balances: make(map[domain.Address]*uint256.Int),
		supply:   new(uint256.Int),
	}
}

// Mint credits amount to holder.
func (b *Book) Mint(holder domain.Address, amount *uint256.Int) error {
	if holder.IsZero() {
		return svcerrors.ErrZeroAddress
	}
	if amount == nil || amount.IsZero() {
		return svcerrors.ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balanceLocked(holder)
	b.balances[holder] = new(uint256.Int).Add(bal, amount)
	b.supply = new(uint256.Int).Add(b.supply, amount)
	return nil
}

// Burn debits amount from holder. Burning more than the balance is a
// consistency violation and changes nothing.
func (b *Book) Burn(holder domain.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return svcerrors.ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balanceLocked(holder)
	if bal.Lt(amount) {
		return svcerrors.ErrInsufficientShares.
			WithDetails("holder", holder).
			WithDetails("balance", bal.Dec()).
			WithDetails("requested", amount.Dec())
	}
	rest := new(uint256.Int).Sub(bal, amount)
	if rest.IsZero() {
		delete(b.balances, holder)
	} else {
		b.balances[holder] = rest
	}
	b.supply = new(uint256.Int).Sub(b.supply, amount)
	return nil
}

// BalanceOf returns holder's balance.
func (b *Book) BalanceOf(holder domain.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balanceLocked(holder).Clone()
}

// TotalSupply returns the sum of all balances.
func (b *Book) TotalSupply() *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.supply.Clone()
}

// Holders returns every holder with a nonzero balance, sorted.
func (b *Book) Holders() []domain.Address {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Address, 0, len(b.balances))
	for h := range b.balances {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Book) balanceLocked(holder domain.Address) *uint256.Int {
	if bal, ok := b.balances[holder]; ok {
		return bal
	}
	return new(uint256.Int)
}
