package app

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/authz"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
)

// Depositor is one participant in a scripted run.
type Depositor struct {
	Address domain.Address
	Amount  uint64
}

// Scenario scripts a simulated year: deposits, a flush, one year of backend
// yield, a harvest, a rebalance and a full exit by the first depositor.
type Scenario struct {
	Depositors []Depositor
	// Keeper runs maintenance. Defaults to the scheduler keeper, then the owner.
	Keeper domain.Address
}

// DefaultScenario funds two depositors.
func DefaultScenario() Scenario {
	return Scenario{Depositors: []Depositor{
		{Address: "alice", Amount: 1_000_000},
		{Address: "bob", Amount: 500_000},
	}}
}

// Run executes s against a and writes a readable transcript to w.
func (s Scenario) Run(ctx context.Context, a *Application, w io.Writer) error {
	ctx = events.WithRequestID(ctx, "simulate")
	keeper := s.Keeper
	if keeper.IsZero() {
		keeper = domain.Address(a.Config.Scheduler.Keeper).Normalize()
	}
	if keeper.IsZero() || !a.Config.Scheduler.Enabled {
		keeper = domain.Address(a.Config.Vault.Owner).Normalize()
	}
	keeperCtx := authz.WithCaller(ctx, keeper)
	asset := a.Vault.Asset()

	for _, d := range s.Depositors {
		amount := uint256.NewInt(d.Amount)
		a.Bank.Mint(asset, d.Address, amount)
		if err := a.Vault.Deposit(authz.WithCaller(ctx, d.Address), amount); err != nil {
			return fmt.Errorf("deposit %s: %w", d.Address, err)
		}
		fmt.Fprintf(w, "deposit   %-10s %s %s\n", d.Address, amount.Dec(), asset)
	}

	flushed, err := a.Vault.Flush(keeperCtx)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Fprintf(w, "flush     processed=%d failed=%d amount=%s\n", len(flushed.Processed), len(flushed.Failed), flushed.Amount.Dec())

	if err := s.accrueYear(ctx, a, w); err != nil {
		return err
	}

	report, err := a.Vault.Harvest(keeperCtx)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	fmt.Fprintf(w, "harvest   rate %s -> %s total=%s fee_shares=%s\n",
		report.PreviousRate.Dec(), report.NewRate.Dec(), report.TotalAssets.Dec(), report.FeeShares.Dec())

	opt, err := a.Vault.Optimize(keeperCtx)
	if err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	for _, act := range opt.Actions {
		fmt.Fprintf(w, "optimize  %s protocol=%d replaced=%d apy=%d\n", act.Kind, act.ProtocolID, act.Replaced, act.APY)
	}
	for _, skip := range opt.Skipped {
		fmt.Fprintf(w, "optimize  skipped protocol=%d: %s\n", skip.ProtocolID, skip.Reason)
	}

	if len(s.Depositors) > 0 {
		first := s.Depositors[0].Address
		shares := a.Vault.ShareBalance(first)
		receipt, err := a.Vault.Redeem(authz.WithCaller(ctx, first), shares, "")
		if err != nil {
			return fmt.Errorf("redeem %s: %w", first, err)
		}
		fmt.Fprintf(w, "redeem    %-10s shares=%s withdrawn=%s\n", first, receipt.SharesBurned.Dec(), receipt.Withdrawn.Dec())
	}

	st, err := a.Vault.State(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "state     rate=%s total_assets=%s supply=%s idle=%s active=%v\n",
		st.Rate.Dec(), st.TotalAssets.Dec(), st.TotalSupply.Dec(), st.Idle.Dec(), st.Active)
	if treasury := a.Config.Vault.Treasury; treasury != "" {
		fmt.Fprintf(w, "treasury  shares=%s\n", a.Vault.ShareBalance(domain.Address(treasury)).Dec())
	}
	return nil
}

// accrueYear credits every funded backend one year of interest at its APY.
func (s Scenario) accrueYear(ctx context.Context, a *Application, w io.Writer) error {
	st, err := a.Vault.State(ctx)
	if err != nil {
		return err
	}
	bps := uint256.NewInt(domain.BasisPoints)
	ids := make([]domain.ProtocolID, 0, len(st.Protocols))
	positions := make(map[domain.ProtocolID]*uint256.Int)
	for _, p := range st.Protocols {
		if p.Position == nil || p.Position.IsZero() {
			continue
		}
		ids = append(ids, p.ID)
		positions[p.ID] = p.Position
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		b, ok := a.Backends[id]
		if !ok {
			continue
		}
		apy, err := b.GetAPY(ctx, a.Vault.Asset())
		if err != nil {
			return fmt.Errorf("apy of %s: %w", b.Name(), err)
		}
		interest := new(uint256.Int).Mul(positions[id], uint256.NewInt(apy))
		interest.Div(interest, bps)
		b.AccrueYield(interest)
		fmt.Fprintf(w, "accrue    %-10s apy=%dbps interest=%s\n", b.Name(), apy, interest.Dec())
	}
	return nil
}
