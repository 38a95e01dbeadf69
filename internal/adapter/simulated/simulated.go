// Package simulated implements an in-process lending backend. Supplied funds are
// pulled from the vault by allowance and represented by a rebasing receipt token
// held by the vault; interest accrues over the configured clock at a fixed APY.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/asset"
	"github.com/R3E-Network/yieldvault/internal/domain"
)

// Operation names accepted by the failure-injection knobs.
const (
	OpSupply         = "supply"
	OpWithdraw       = "withdraw"
	OpWithdrawToUser = "withdraw_to_user"
	OpHarvest        = "harvest"
	OpGetBalance     = "get_balance"
	OpGetAPY         = "get_apy"
	OpReceipt        = "get_receipt_handle"
	OpApproval       = "get_approval_instructions"
)

const secondsPerYear = 365 * 24 * 60 * 60

// Custody is the bank surface the backend needs: transfers plus mint and burn
// of its own receipt token.
type Custody interface {
	asset.Bank
	Mint(asset domain.Asset, to domain.Address, amount *uint256.Int)
	Burn(asset domain.Asset, from domain.Address, amount *uint256.Int) error
}

// Config describes one simulated backend.
type Config struct {
	Name    string
	Address domain.Address
	Asset   domain.Asset
	// Vault is the account whose position this backend tracks.
	Vault domain.Address
	APY   uint64
	Clock clock.Clock
}

// Hook runs before an operation; a non-nil error fails the operation.
type Hook func(ctx context.Context) error

// Backend is a simulated lending market for a single asset.
type Backend struct {
	mu sync.Mutex

	name    string
	addr    domain.Address
	asset   domain.Asset
	receipt domain.Asset
	vault   domain.Address
	apy     uint64

	bank        Custody
	clock       clock.Clock
	lastAccrual time.Time

	failures  map[string]error
	panics    map[string]bool
	hooks     map[string]Hook
	overstate *uint256.Int
}

var _ adapter.Adapter = (*Backend)(nil)

// New creates a backend. Missing address and clock are defaulted.
func New(cfg Config, bank Custody) *Backend {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Address.IsZero() {
		cfg.Address = domain.Address("adapter:" + cfg.Name)
	}
	return &Backend{
		name:        cfg.Name,
		addr:        cfg.Address,
		asset:       cfg.Asset,
		receipt:     ReceiptToken(cfg.Name, cfg.Asset),
		vault:       cfg.Vault,
		apy:         cfg.APY,
		bank:        bank,
		clock:       cfg.Clock,
		lastAccrual: cfg.Clock.Now(),
		failures:    make(map[string]error),
		panics:      make(map[string]bool),
		hooks:       make(map[string]Hook),
	}
}

// ReceiptToken returns the receipt asset id a backend named name issues for a.
func ReceiptToken(name string, a domain.Asset) domain.Asset {
	return domain.Asset(fmt.Sprintf("r%s-%s", name, a))
}

// Name returns the backend name.
func (b *Backend) Name() string { return b.name }

// Address implements adapter.Adapter.
func (b *Backend) Address() domain.Address { return b.addr }

// SetAPY changes the quoted yield.
func (b *Backend) SetAPY(bps uint64) {
	b.mu.Lock()
	b.apy = bps
	b.mu.Unlock()
}

// FailOn makes op return err until cleared.
func (b *Backend) FailOn(op string, err error) {
	b.mu.Lock()
	b.failures[op] = err
	b.mu.Unlock()
}

// PanicOn makes op panic until cleared.
func (b *Backend) PanicOn(op string) {
	b.mu.Lock()
	b.panics[op] = true
	b.mu.Unlock()
}

// HookOn runs h before op.
func (b *Backend) HookOn(op string, h Hook) {
	b.mu.Lock()
	b.hooks[op] = h
	b.mu.Unlock()
}

// Overstate makes withdrawals report extra more than they actually move.
func (b *Backend) Overstate(extra *uint256.Int) {
	b.mu.Lock()
	b.overstate = extra
	b.mu.Unlock()
}

// Clear removes all injected failures, panics, hooks and misreporting.
func (b *Backend) Clear() {
	b.mu.Lock()
	b.failures = make(map[string]error)
	b.panics = make(map[string]bool)
	b.hooks = make(map[string]Hook)
	b.overstate = nil
	b.mu.Unlock()
}

// AccrueYield credits amount of interest to the vault's position immediately.
func (b *Backend) AccrueYield(amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creditLocked(amount)
}

// Supply implements adapter.Adapter. The vault must have approved this backend
// for at least amount beforehand.
func (b *Backend) Supply(ctx context.Context, a domain.Asset, amount *uint256.Int) (*uint256.Int, error) {
	if err := b.before(ctx, OpSupply, a); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accrueLocked(ctx)

	if err := b.bank.TransferFrom(ctx, a, b.addr, b.vault, b.addr, amount); err != nil {
		return nil, fmt.Errorf("pull supply: %w", err)
	}
	b.bank.Mint(b.receipt, b.vault, amount)
	return amount.Clone(), nil
}

// Withdraw implements adapter.Adapter.
func (b *Backend) Withdraw(ctx context.Context, a domain.Asset, amount *uint256.Int) (*uint256.Int, error) {
	if err := b.before(ctx, OpWithdraw, a); err != nil {
		return nil, err
	}
	return b.withdrawTo(ctx, a, amount, b.vault)
}

// WithdrawToUser implements adapter.Adapter.
func (b *Backend) WithdrawToUser(ctx context.Context, a domain.Asset, amount *uint256.Int, recipient domain.Address) (*uint256.Int, error) {
	if err := b.before(ctx, OpWithdrawToUser, a); err != nil {
		return nil, err
	}
	return b.withdrawTo(ctx, a, amount, recipient)
}

// Harvest implements adapter.Adapter: interest is materialized and the full
// position returned.
func (b *Backend) Harvest(ctx context.Context, a domain.Asset) (*uint256.Int, error) {
	if err := b.before(ctx, OpHarvest, a); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accrueLocked(ctx)
	return b.bank.BalanceOf(ctx, b.receipt, b.vault)
}

// GetBalance implements adapter.Adapter.
func (b *Backend) GetBalance(ctx context.Context, a domain.Asset) (*uint256.Int, error) {
	if err := b.before(ctx, OpGetBalance, a); err != nil {
		return nil, err
	}
	return b.bank.BalanceOf(ctx, b.receipt, b.vault)
}

// GetAPY implements adapter.Adapter.
func (b *Backend) GetAPY(ctx context.Context, a domain.Asset) (uint64, error) {
	if err := b.before(ctx, OpGetAPY, a); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.apy, nil
}

// GetReceiptHandle implements adapter.Adapter.
func (b *Backend) GetReceiptHandle(ctx context.Context, a domain.Asset) (adapter.ReceiptHandle, error) {
	if err := b.before(ctx, OpReceipt, a); err != nil {
		return adapter.ReceiptHandle{}, err
	}
	return adapter.ReceiptHandle{Token: b.receipt}, nil
}

// IsAssetSupported implements adapter.Adapter.
func (b *Backend) IsAssetSupported(_ context.Context, a domain.Asset) bool {
	return a == b.asset
}

// GetApprovalInstructions implements adapter.Adapter: withdrawing requires the
// vault to let this backend pull amount of receipt tokens.
func (b *Backend) GetApprovalInstructions(ctx context.Context, a domain.Asset, amount *uint256.Int) (adapter.Approval, error) {
	if err := b.before(ctx, OpApproval, a); err != nil {
		return adapter.Approval{}, err
	}
	return asset.EncodeApproval(b.receipt, b.addr, amount), nil
}

func (b *Backend) withdrawTo(ctx context.Context, a domain.Asset, amount *uint256.Int, recipient domain.Address) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accrueLocked(ctx)

	if err := b.bank.TransferFrom(ctx, b.receipt, b.addr, b.vault, b.addr, amount); err != nil {
		return nil, fmt.Errorf("pull receipt: %w", err)
	}
	if err := b.bank.Burn(b.receipt, b.addr, amount); err != nil {
		return nil, fmt.Errorf("burn receipt: %w", err)
	}
	if err := b.bank.Transfer(ctx, a, b.addr, recipient, amount); err != nil {
		return nil, fmt.Errorf("pay out: %w", err)
	}
	out := amount.Clone()
	if b.overstate != nil {
		out.Add(out, b.overstate)
	}
	return out, nil
}

func (b *Backend) before(ctx context.Context, op string, a domain.Asset) error {
	b.mu.Lock()
	err := b.failures[op]
	shouldPanic := b.panics[op]
	hook := b.hooks[op]
	b.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return herr
		}
	}
	if shouldPanic {
		panic(fmt.Sprintf("simulated %s: %s panicked", b.name, op))
	}
	if err != nil {
		return err
	}
	if op != OpGetAPY && a != b.asset {
		return fmt.Errorf("simulated %s: asset %s not supported", b.name, a)
	}
	return nil
}

// accrueLocked materializes interest since the last accrual at the current APY.
func (b *Backend) accrueLocked(ctx context.Context) {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastAccrual)
	b.lastAccrual = now
	if elapsed <= 0 || b.apy == 0 {
		return
	}
	position, err := b.bank.BalanceOf(ctx, b.receipt, b.vault)
	if err != nil || position.IsZero() {
		return
	}
	num := uint256.NewInt(b.apy)
	num.Mul(num, uint256.NewInt(uint64(elapsed/time.Second)))
	interest, overflow := new(uint256.Int).MulDivOverflow(position, num, uint256.NewInt(domain.BasisPoints*secondsPerYear))
	if overflow || interest.IsZero() {
		return
	}
	b.creditLocked(interest)
}

func (b *Backend) creditLocked(amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	b.bank.Mint(b.asset, b.addr, amount)
	b.bank.Mint(b.receipt, b.vault, amount)
}
