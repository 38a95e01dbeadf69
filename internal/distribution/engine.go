// Package distribution moves vault funds into and out of the active backends.
//
// Every backend call is guarded: a backend that errors, panics, times out or
// returns zero is recorded as failed for that step and the loop moves on. Amounts
// are measured from custody balances, not from what the adapter reports.
package distribution

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/asset"
	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/metrics"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// Registry is the slice of the protocol registry the engine reads.
type Registry interface {
	Asset() domain.Asset
	ActiveProtocolIDs() []domain.ProtocolID
	Adapter(id domain.ProtocolID, asset domain.Asset) (adapter.Adapter, error)
}

// Options configures an Engine.
type Options struct {
	// Vault is the custody account holding idle funds and receipt tokens.
	Vault    domain.Address
	Bank     asset.Bank
	Executor adapter.Executor
	Timeout  time.Duration

	Recorder events.Recorder
	Metrics  *metrics.Collector
	Logger   *logger.Logger
}

// Engine is the distribution and withdrawal engine.
type Engine struct {
	reg      Registry
	vault    domain.Address
	bank     asset.Bank
	executor adapter.Executor
	timeout  time.Duration

	audit   events.Recorder
	metrics *metrics.Collector
	log     *logger.Logger
}

// Leg is one backend's part of a distribution or withdrawal.
type Leg struct {
	ProtocolID domain.ProtocolID
	Amount     *uint256.Int
	Err        error
}

// DistributeResult reports a Distribute call.
type DistributeResult struct {
	Supplied  *uint256.Int
	Remainder *uint256.Int
	Legs      []Leg
}

// WithdrawResult reports a Withdraw call.
type WithdrawResult struct {
	Requested *uint256.Int
	Withdrawn *uint256.Int
	Legs      []Leg
}

// RebalanceResult reports a Rebalance call.
type RebalanceResult struct {
	// Recalled is what came back from the active backends before redistributing.
	Recalled *uint256.Int
	Exits    []Leg
	DistributeResult
}

// New creates an engine over reg.
func New(reg Registry, opts Options) *Engine {
	if opts.Recorder == nil {
		opts.Recorder = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("distribution")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = adapter.DefaultTimeout
	}
	return &Engine{
		reg:      reg,
		vault:    opts.Vault,
		bank:     opts.Bank,
		executor: opts.Executor,
		timeout:  opts.Timeout,
		audit:    opts.Recorder,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

// Vault returns the custody account the engine moves funds for.
func (e *Engine) Vault() domain.Address { return e.vault }

// Distribute splits balance evenly across the active set and supplies each
// backend its share. The division remainder stays idle for the next pass.
func (e *Engine) Distribute(ctx context.Context, balance *uint256.Int) (DistributeResult, error) {
	active := e.reg.ActiveProtocolIDs()
	if len(active) == 0 {
		return DistributeResult{}, svcerrors.ErrNoActiveProtocols
	}

	res := DistributeResult{Supplied: new(uint256.Int), Remainder: domain.OrZero(balance).Clone()}
	if balance == nil || balance.IsZero() {
		return res, nil
	}

	share := new(uint256.Int).Div(balance, uint256.NewInt(uint64(len(active))))
	if share.IsZero() {
		return res, nil
	}

	asset := e.reg.Asset()
	for _, id := range active {
		moved, err := e.supplyTo(ctx, id, asset, share)
		if err != nil {
			e.backendFailed(ctx, id, "supply", err)
		}
		res.Supplied.Add(res.Supplied, moved)
		res.Legs = append(res.Legs, Leg{ProtocolID: id, Amount: moved, Err: err})
	}
	res.Remainder = new(uint256.Int).Sub(balance, res.Supplied)
	return res, nil
}

func (e *Engine) supplyTo(ctx context.Context, id domain.ProtocolID, asset domain.Asset, share *uint256.Int) (*uint256.Int, error) {
	a, err := e.reg.Adapter(id, asset)
	if err != nil {
		return new(uint256.Int), err
	}

	// authorize exactly this share, and revoke whatever is left afterwards
	if err := e.bank.Approve(ctx, asset, e.vault, a.Address(), share); err != nil {
		return new(uint256.Int), err
	}
	defer func() {
		if err := e.bank.Approve(ctx, asset, e.vault, a.Address(), new(uint256.Int)); err != nil {
			e.log.WithError(err).WithField("protocol_id", id).Warn("revoke supply allowance")
		}
	}()

	before, err := e.bank.BalanceOf(ctx, asset, e.vault)
	if err != nil {
		return new(uint256.Int), err
	}
	result := e.call(ctx, "supply", func(ctx context.Context) (*uint256.Int, error) {
		return a.Supply(ctx, asset, share.Clone())
	})
	after, err := e.bank.BalanceOf(ctx, asset, e.vault)
	if err != nil {
		return new(uint256.Int), err
	}

	moved := delta(before, after)
	switch {
	case !result.OK():
		return moved, result.Err
	case moved.IsZero():
		return moved, svcerrors.ErrZeroResult.WithDetails("op", "supply")
	case !moved.Eq(result.Amount):
		return moved, svcerrors.ErrVerification.
			WithDetails("op", "supply").
			WithDetails("reported", result.Amount.Dec()).
			WithDetails("moved", moved.Dec())
	}
	return moved, nil
}

// Withdraw pulls up to amount from the active backends, in registry order, and
// pays it to recipient. It stops once amount is satisfied. Fewer assets than
// requested is a normal outcome; callers must size share burns from
// WithdrawResult.Withdrawn.
func (e *Engine) Withdraw(ctx context.Context, amount *uint256.Int, recipient domain.Address) (WithdrawResult, error) {
	if amount == nil || amount.IsZero() {
		return WithdrawResult{}, svcerrors.ErrInvalidAmount
	}
	if recipient.IsZero() {
		return WithdrawResult{}, svcerrors.ErrZeroAddress.WithDetails("field", "recipient")
	}

	res := WithdrawResult{Requested: amount.Clone(), Withdrawn: new(uint256.Int)}
	asset := e.reg.Asset()
	for _, id := range e.reg.ActiveProtocolIDs() {
		remaining := new(uint256.Int).Sub(amount, res.Withdrawn)
		if remaining.IsZero() {
			break
		}
		moved, err := e.withdrawFrom(ctx, id, asset, remaining, recipient, false)
		if err != nil {
			e.backendFailed(ctx, id, "withdraw", err)
		}
		if moved.IsZero() && err == nil {
			continue
		}
		res.Withdrawn.Add(res.Withdrawn, moved)
		res.Legs = append(res.Legs, Leg{ProtocolID: id, Amount: moved, Err: err})
	}
	return res, nil
}

// WithdrawAll pulls the vault's entire position out of one backend back to the
// vault. A zero receipt balance is a no-op.
func (e *Engine) WithdrawAll(ctx context.Context, id domain.ProtocolID) (*uint256.Int, error) {
	moved, err := e.withdrawFrom(ctx, id, e.reg.Asset(), nil, e.vault, true)
	if err != nil {
		e.backendFailed(ctx, id, "withdraw_all", err)
		return moved, err
	}
	return moved, nil
}

// withdrawFrom withdraws min(want, reported balance, receipt balance) from one
// backend. A nil want with all set withdraws the full receipt balance.
func (e *Engine) withdrawFrom(ctx context.Context, id domain.ProtocolID, asset domain.Asset, want *uint256.Int, recipient domain.Address, all bool) (*uint256.Int, error) {
	zero := new(uint256.Int)
	a, err := e.reg.Adapter(id, asset)
	if err != nil {
		return zero, err
	}

	handle, err := adapter.Guard(ctx, e.timeout, "get_receipt_handle", func(ctx context.Context) (adapter.ReceiptHandle, error) {
		return a.GetReceiptHandle(ctx, asset)
	})
	if err != nil {
		return zero, err
	}
	held, err := e.bank.BalanceOf(ctx, handle.Token, e.vault)
	if err != nil {
		return zero, err
	}

	request := held
	if !all {
		reported := e.call(ctx, "get_balance", func(ctx context.Context) (*uint256.Int, error) {
			return a.GetBalance(ctx, asset)
		})
		if !reported.OK() {
			return zero, reported.Err
		}
		request = domain.Min(domain.Min(want, reported.Amount), held)
	}
	if request.IsZero() {
		return zero, nil
	}

	approval, err := adapter.Guard(ctx, e.timeout, "get_approval_instructions", func(ctx context.Context) (adapter.Approval, error) {
		return a.GetApprovalInstructions(ctx, asset, request.Clone())
	})
	if err != nil {
		return zero, err
	}
	if e.executor != nil {
		if err := e.executor.Execute(ctx, e.vault, approval); err != nil {
			return zero, svcerrors.ErrBackendFailed.WithDetails("op", "approve").Wrap(err)
		}
	}

	before, err := e.bank.BalanceOf(ctx, asset, recipient)
	if err != nil {
		return zero, err
	}
	op := "withdraw_to_user"
	if recipient == e.vault {
		op = "withdraw"
	}
	result := e.call(ctx, op, func(ctx context.Context) (*uint256.Int, error) {
		if recipient == e.vault {
			return a.Withdraw(ctx, asset, request.Clone())
		}
		return a.WithdrawToUser(ctx, asset, request.Clone(), recipient)
	})
	after, err := e.bank.BalanceOf(ctx, asset, recipient)
	if err != nil {
		return zero, err
	}

	moved := delta(before, after)
	switch {
	case !result.OK():
		return moved, result.Err
	case moved.IsZero():
		return moved, svcerrors.ErrZeroResult.WithDetails("op", op)
	case !moved.Eq(result.Amount):
		return moved, svcerrors.ErrVerification.
			WithDetails("op", op).
			WithDetails("reported", result.Amount.Dec()).
			WithDetails("moved", moved.Dec())
	}
	return moved, nil
}

// Rebalance pulls every active position back to the vault and splits the whole
// idle balance evenly across the current active set. A backend that fails to
// exit keeps its position and still receives its share.
func (e *Engine) Rebalance(ctx context.Context) (RebalanceResult, error) {
	active := e.reg.ActiveProtocolIDs()
	if len(active) == 0 {
		return RebalanceResult{}, svcerrors.ErrNoActiveProtocols
	}

	res := RebalanceResult{Recalled: new(uint256.Int)}
	for _, id := range active {
		moved, err := e.WithdrawAll(ctx, id)
		res.Recalled.Add(res.Recalled, moved)
		if err != nil || !moved.IsZero() {
			res.Exits = append(res.Exits, Leg{ProtocolID: id, Amount: moved, Err: err})
		}
	}

	idle, err := e.IdleBalance(ctx)
	if err != nil {
		return res, err
	}
	res.DistributeResult, err = e.Distribute(ctx, idle)
	if err != nil {
		return res, err
	}
	e.log.WithField("recalled", res.Recalled.Dec()).
		WithField("supplied", res.Supplied.Dec()).
		WithField("active", len(active)).
		Info("rebalanced active set")
	return res, nil
}

// IdleBalance returns the vault's undeployed asset balance.
func (e *Engine) IdleBalance(ctx context.Context) (*uint256.Int, error) {
	return e.bank.BalanceOf(ctx, e.reg.Asset(), e.vault)
}

// Position returns one backend's reported balance for the vault.
func (e *Engine) Position(ctx context.Context, id domain.ProtocolID) (*uint256.Int, error) {
	asset := e.reg.Asset()
	a, err := e.reg.Adapter(id, asset)
	if err != nil {
		return new(uint256.Int), err
	}
	res := e.call(ctx, "get_balance", func(ctx context.Context) (*uint256.Int, error) {
		return a.GetBalance(ctx, asset)
	})
	return res.Amount, res.Err
}

// TotalAssets returns idle funds plus every active backend's reported balance.
// Unreadable backends count as zero and are recorded.
func (e *Engine) TotalAssets(ctx context.Context) (*uint256.Int, error) {
	total, err := e.IdleBalance(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range e.reg.ActiveProtocolIDs() {
		pos, err := e.Position(ctx, id)
		if err != nil {
			e.backendFailed(ctx, id, "get_balance", err)
			continue
		}
		total.Add(total, pos)
	}
	return total, nil
}

func (e *Engine) call(ctx context.Context, op string, fn func(context.Context) (*uint256.Int, error)) adapter.Result {
	start := time.Now()
	res := adapter.Call(ctx, e.timeout, op, fn)
	e.metrics.ObserveBackend(op, time.Since(start))
	return res
}

func (e *Engine) backendFailed(ctx context.Context, id domain.ProtocolID, op string, err error) {
	e.log.WithError(err).WithField("protocol_id", id).WithField("op", op).Warn("backend call failed")
	e.metrics.BackendFailure(uint64(id), op)
	e.audit.Record(ctx, events.Event{
		Type:       events.EventBackendFailed,
		Severity:   events.SeverityWarning,
		Component:  "distribution",
		ProtocolID: id,
		Error:      err.Error(),
		Metadata:   map[string]string{"op": op},
	})
}

func delta(before, after *uint256.Int) *uint256.Int {
	if after.Lt(before) {
		return new(uint256.Int).Sub(before, after)
	}
	return new(uint256.Int).Sub(after, before)
}
