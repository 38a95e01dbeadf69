package vault

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/domain"
)

// ProtocolState is one registered protocol as seen by the vault.
type ProtocolState struct {
	domain.Protocol
	Bound    bool
	Active   bool
	Position *uint256.Int
}

// State is a point-in-time view of the vault.
type State struct {
	Asset          domain.Asset
	Rate           *uint256.Int
	TotalAssets    *uint256.Int
	TotalSupply    *uint256.Int
	Holders        int
	Idle           *uint256.Int
	Pending        *uint256.Int
	Active         []domain.ProtocolID
	Protocols      []ProtocolState
	RosterLength   int
	Cursor         int
	FailedDeposits []domain.FailedDeposit
}

// AccountState is one account's standing in the vault.
type AccountState struct {
	Address       domain.Address
	Shares        *uint256.Int
	Assets        *uint256.Int
	Queued        *uint256.Int
	Claims        *uint256.Int
	FailedDeposit *domain.FailedDeposit
}

// State reads the vault. Unreadable backends report a zero position.
func (v *Vault) State(ctx context.Context) (State, error) {
	ctx, leave, err := v.enter(ctx, "state")
	if err != nil {
		return State{}, err
	}
	defer leave()

	total, err := v.engine.TotalAssets(ctx)
	if err != nil {
		return State{}, err
	}
	idle, err := v.engine.IdleBalance(ctx)
	if err != nil {
		return State{}, err
	}

	bound := make(map[domain.ProtocolID]bool)
	for _, id := range v.reg.BoundProtocols() {
		bound[id] = true
	}
	protocols := v.reg.Protocols()
	states := make([]ProtocolState, 0, len(protocols))
	for _, p := range protocols {
		ps := ProtocolState{Protocol: p, Bound: bound[p.ID], Active: v.reg.IsActive(p.ID), Position: domain.Zero()}
		if ps.Bound {
			if pos, err := v.engine.Position(ctx, p.ID); err == nil {
				ps.Position = pos
			}
		}
		states = append(states, ps)
	}

	return State{
		Asset:          v.asset,
		Rate:           v.rates.Rate(),
		TotalAssets:    total,
		TotalSupply:    v.shares.TotalSupply(),
		Holders:        len(v.shares.Holders()),
		Idle:           idle,
		Pending:        v.queue.PendingTotal(),
		Active:         v.reg.ActiveProtocolIDs(),
		Protocols:      states,
		RosterLength:   len(v.queue.Roster()),
		Cursor:         v.queue.Cursor(),
		FailedDeposits: v.queue.FailedDeposits(),
	}, nil
}

// Account reads addr's shares, their asset value and its queue standing.
func (v *Vault) Account(ctx context.Context, addr domain.Address) (AccountState, error) {
	_, leave, err := v.enter(ctx, "account")
	if err != nil {
		return AccountState{}, err
	}
	defer leave()

	addr = addr.Normalize()
	shares := v.shares.BalanceOf(addr)
	acct := AccountState{
		Address: addr,
		Shares:  shares,
		Assets:  v.rates.AssetsForSharesDown(shares),
		Queued:  v.queue.QueuedAmount(addr),
		Claims:  v.queue.ClaimBalance(addr),
	}
	if fd, ok := v.queue.FailedDeposit(addr); ok {
		acct.FailedDeposit = &fd
	}
	return acct, nil
}
