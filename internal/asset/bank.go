// Package asset models custody of fungible assets: who holds how much, and who
// may move funds on whose behalf.
package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

// Bank is the custody capability the vault, queue and backends move funds through.
type Bank interface {
	BalanceOf(ctx context.Context, asset domain.Asset, holder domain.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, asset domain.Asset, from, to domain.Address, amount *uint256.Int) error
	Approve(ctx context.Context, asset domain.Asset, owner, spender domain.Address, amount *uint256.Int) error
	Allowance(ctx context.Context, asset domain.Asset, owner, spender domain.Address) (*uint256.Int, error)
	TransferFrom(ctx context.Context, asset domain.Asset, spender, from, to domain.Address, amount *uint256.Int) error
}

type holding struct {
	asset  domain.Asset
	holder domain.Address
}

type allowance struct {
	asset   domain.Asset
	owner   domain.Address
	spender domain.Address
}

// Memory is an in-process Bank. It also executes token approval instructions,
// which makes it usable as the adapter.Executor for simulated backends.
type Memory struct {
	mu         sync.RWMutex
	balances   map[holding]*uint256.Int
	allowances map[allowance]*uint256.Int
}

var (
	_ Bank             = (*Memory)(nil)
	_ adapter.Executor = (*Memory)(nil)
)

// NewMemory creates an empty bank.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[holding]*uint256.Int),
		allowances: make(map[allowance]*uint256.Int),
	}
}

// BalanceOf implements Bank.
func (m *Memory) BalanceOf(_ context.Context, asset domain.Asset, holder domain.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(asset, holder).Clone(), nil
}

// Transfer implements Bank.
func (m *Memory) Transfer(_ context.Context, asset domain.Asset, from, to domain.Address, amount *uint256.Int) error {
	if from.IsZero() || to.IsZero() {
		return svcerrors.ErrZeroAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(asset, from, to, amount)
}

// Approve implements Bank. The allowance is replaced, not increased.
func (m *Memory) Approve(_ context.Context, asset domain.Asset, owner, spender domain.Address, amount *uint256.Int) error {
	if owner.IsZero() || spender.IsZero() {
		return svcerrors.ErrZeroAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowance{asset, owner, spender}] = amount.Clone()
	return nil
}

// Allowance implements Bank.
func (m *Memory) Allowance(_ context.Context, asset domain.Asset, owner, spender domain.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.allowances[allowance{asset, owner, spender}]; ok {
		return a.Clone(), nil
	}
	return new(uint256.Int), nil
}

// TransferFrom implements Bank, spending the spender's allowance.
func (m *Memory) TransferFrom(_ context.Context, asset domain.Asset, spender, from, to domain.Address, amount *uint256.Int) error {
	if from.IsZero() || to.IsZero() || spender.IsZero() {
		return svcerrors.ErrZeroAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := allowance{asset, from, spender}
	allowed, ok := m.allowances[key]
	if !ok || allowed.Lt(amount) {
		return fmt.Errorf("transfer from %s by %s: allowance exceeded", from, spender)
	}
	if err := m.moveLocked(asset, from, to, amount); err != nil {
		return err
	}
	m.allowances[key] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

// Mint credits amount to holder out of thin air.
func (m *Memory) Mint(asset domain.Asset, to domain.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balanceLocked(asset, to)
	m.balances[holding{asset, to}] = new(uint256.Int).Add(bal, amount)
}

// Burn destroys amount held by from.
func (m *Memory) Burn(asset domain.Asset, from domain.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balanceLocked(asset, from)
	if bal.Lt(amount) {
		return svcerrors.ErrInsufficientBalance.WithDetails("holder", from)
	}
	m.balances[holding{asset, from}] = new(uint256.Int).Sub(bal, amount)
	return nil
}

// Supply returns the sum of all balances of asset.
func (m *Memory) Supply(asset domain.Asset) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := new(uint256.Int)
	for k, v := range m.balances {
		if k.asset == asset {
			total.Add(total, v)
		}
	}
	return total
}

// Execute implements adapter.Executor for token approvals: Target is the token
// and Payload is an encoded ApprovalPayload.
func (m *Memory) Execute(ctx context.Context, caller domain.Address, approval adapter.Approval) error {
	if approval.Empty() {
		return nil
	}
	var p ApprovalPayload
	if err := json.Unmarshal(approval.Payload, &p); err != nil {
		return fmt.Errorf("decode approval payload: %w", err)
	}
	amount, err := uint256.FromDecimal(p.Amount)
	if err != nil {
		return fmt.Errorf("decode approval amount: %w", err)
	}
	return m.Approve(ctx, domain.Asset(approval.Target), caller, p.Spender, amount)
}

func (m *Memory) balanceLocked(asset domain.Asset, holder domain.Address) *uint256.Int {
	if b, ok := m.balances[holding{asset, holder}]; ok {
		return b
	}
	return new(uint256.Int)
}

func (m *Memory) moveLocked(asset domain.Asset, from, to domain.Address, amount *uint256.Int) error {
	fromBal := m.balanceLocked(asset, from)
	if fromBal.Lt(amount) {
		return svcerrors.ErrInsufficientBalance.
			WithDetails("holder", from).
			WithDetails("asset", asset)
	}
	m.balances[holding{asset, from}] = new(uint256.Int).Sub(fromBal, amount)
	toBal := m.balanceLocked(asset, to)
	m.balances[holding{asset, to}] = new(uint256.Int).Add(toBal, amount)
	return nil
}

// ApprovalPayload is the payload format understood by Memory.Execute.
type ApprovalPayload struct {
	Spender domain.Address `json:"spender"`
	Amount  string         `json:"amount"`
}

// EncodeApproval builds an approval instruction letting spender move amount of token.
func EncodeApproval(token domain.Asset, spender domain.Address, amount *uint256.Int) adapter.Approval {
	payload, _ := json.Marshal(ApprovalPayload{Spender: spender, Amount: amount.Dec()})
	return adapter.Approval{Target: domain.Address(token), Payload: payload}
}
