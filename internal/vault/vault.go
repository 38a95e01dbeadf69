// Package vault is the yield vault: it owns the share book and redemption rate,
// wires the registry, distribution, harvest, queue and optimizer components
// together and serializes every externally triggered operation.
package vault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/asset"
	"github.com/R3E-Network/yieldvault/internal/authz"
	"github.com/R3E-Network/yieldvault/internal/distribution"
	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/harvest"
	"github.com/R3E-Network/yieldvault/internal/ledger"
	"github.com/R3E-Network/yieldvault/internal/metrics"
	"github.com/R3E-Network/yieldvault/internal/optimizer"
	"github.com/R3E-Network/yieldvault/internal/queue"
	"github.com/R3E-Network/yieldvault/internal/registry"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// Options configures a Vault.
type Options struct {
	Asset        domain.Asset
	Address      domain.Address
	QueueAddress domain.Address
	Treasury     domain.Address
	FeeBps       uint64
	BatchSize    int
	MaxActive    int
	Policy       optimizer.Policy
	Timeout      time.Duration

	Bank       asset.Bank
	Executor   adapter.Executor
	Authorizer authz.Authorizer
	Clock      clock.Clock

	Recorder events.Recorder
	Metrics  *metrics.Collector
	Logger   *logger.Logger
}

// Vault is the yield vault.
type Vault struct {
	mu    sync.Mutex
	calls backendCalls

	asset    domain.Asset
	address  domain.Address
	treasury domain.Address

	reg       *registry.Registry
	rates     *ledger.Ledger
	shares    *ledger.Book
	engine    *distribution.Engine
	harvester *harvest.Engine
	queue     *queue.Queue
	optimizer *optimizer.Optimizer

	bank    asset.Bank
	auth    authz.Authorizer
	audit   events.Recorder
	metrics *metrics.Collector
	log     *logger.Logger
}

// New validates opts and assembles a vault.
func New(opts Options) (*Vault, error) {
	if opts.Asset == "" {
		return nil, svcerrors.ErrInvalidConfig.WithDetails("field", "asset")
	}
	if opts.Address.IsZero() || opts.QueueAddress.IsZero() {
		return nil, svcerrors.ErrInvalidConfig.WithDetails("field", "address")
	}
	if opts.Address == opts.QueueAddress {
		return nil, svcerrors.ErrInvalidConfig.WithDetails("reason", "vault and queue must use distinct accounts")
	}
	if opts.Bank == nil {
		return nil, svcerrors.ErrInvalidConfig.WithDetails("field", "bank")
	}
	if opts.FeeBps > domain.BasisPoints {
		return nil, svcerrors.ErrInvalidConfig.WithDetails("field", "fee_bps")
	}
	if opts.FeeBps > 0 && opts.Treasury.IsZero() {
		return nil, svcerrors.ErrInvalidConfig.WithDetails("field", "treasury")
	}
	if opts.Authorizer == nil {
		opts.Authorizer = authz.AllowAll{}
	}
	if opts.Recorder == nil {
		opts.Recorder = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("vault")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	v := &Vault{
		asset:    opts.Asset,
		address:  opts.Address,
		treasury: opts.Treasury,
		rates:    ledger.New(),
		shares:   ledger.NewBook(),
		bank:     opts.Bank,
		auth:     opts.Authorizer,
		audit:    opts.Recorder,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}

	v.reg = registry.New(registry.Options{
		Asset:      opts.Asset,
		MaxActive:  opts.MaxActive,
		Timeout:    opts.Timeout,
		Authorizer: opts.Authorizer,
		Recorder:   opts.Recorder,
		Logger:     opts.Logger.Component("registry"),
	})
	v.engine = distribution.New(v.reg, distribution.Options{
		Vault:    opts.Address,
		Bank:     opts.Bank,
		Executor: opts.Executor,
		Timeout:  opts.Timeout,
		Recorder: opts.Recorder,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger.Component("distribution"),
	})
	v.queue = queue.New(queue.SinkFunc(v.depositFor), queue.Options{
		Address:   opts.QueueAddress,
		Asset:     opts.Asset,
		BatchSize: opts.BatchSize,
		Bank:      opts.Bank,
		Clock:     opts.Clock,
		Recorder:  opts.Recorder,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger.Component("queue"),
	})
	v.harvester = harvest.New(v.reg, v.shares, v.rates, harvest.Options{
		Vault:    opts.Address,
		Treasury: opts.Treasury,
		FeeBps:   opts.FeeBps,
		Timeout:  opts.Timeout,
		Balances: opts.Bank,
		Flusher: harvest.FlushFunc(func(ctx context.Context) error {
			_, err := v.queue.Flush(ctx)
			return err
		}),
		Recorder: opts.Recorder,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger.Component("harvest"),
	})
	v.optimizer = optimizer.New(v.reg, v.engine, optimizer.Options{
		Policy:   opts.Policy,
		Timeout:  opts.Timeout,
		Clock:    opts.Clock,
		Recorder: opts.Recorder,
		Metrics:  opts.Metrics,
		Logger:   opts.Logger.Component("optimizer"),
	})
	return v, nil
}

// Asset returns the vault asset.
func (v *Vault) Asset() domain.Asset { return v.asset }

// Address returns the vault custody account.
func (v *Vault) Address() domain.Address { return v.address }

// Registry exposes the protocol registry for reads.
func (v *Vault) Registry() *registry.Registry { return v.reg }

// Queue exposes the deposit queue for reads.
func (v *Vault) Queue() *queue.Queue { return v.queue }

// Rate returns the current redemption rate.
func (v *Vault) Rate() *uint256.Int { return v.rates.Rate() }

// ShareBalance returns holder's vault shares.
func (v *Vault) ShareBalance(holder domain.Address) *uint256.Int { return v.shares.BalanceOf(holder) }

// Holders returns every account holding vault shares, sorted.
func (v *Vault) Holders() []domain.Address { return v.shares.Holders() }

// TotalSupply returns all outstanding vault shares.
func (v *Vault) TotalSupply() *uint256.Int { return v.shares.TotalSupply() }

// Deposit queues amount from the caller. Shares are credited when the queue flushes.
func (v *Vault) Deposit(ctx context.Context, amount *uint256.Int) error {
	depositor := authz.CallerFrom(ctx)
	if depositor.IsZero() {
		return svcerrors.ErrZeroAddress.WithDetails("field", "caller")
	}
	ctx, leave, err := v.enter(ctx, "deposit")
	if err != nil {
		return err
	}
	defer leave()
	return v.queue.Deposit(ctx, depositor, amount)
}

// depositFor is the queue's sink: it moves amount from payer into the vault,
// mints shares to beneficiary and deploys the funds. It runs inside Flush, which
// already holds the vault lock.
func (v *Vault) depositFor(ctx context.Context, payer, beneficiary domain.Address, amount *uint256.Int) error {
	if beneficiary.IsZero() {
		return svcerrors.ErrZeroAddress.WithDetails("field", "beneficiary")
	}
	if amount == nil || amount.IsZero() {
		return svcerrors.ErrInvalidAmount
	}
	minted := v.rates.SharesForAssets(amount)
	if minted.IsZero() {
		return svcerrors.ErrZeroShares.WithDetails("amount", amount.Dec())
	}

	if err := v.bank.Transfer(ctx, v.asset, payer, v.address, amount); err != nil {
		return err
	}
	if err := v.shares.Mint(beneficiary, minted); err != nil {
		return err
	}

	// Shares are already minted; anything not deployed stays idle until the next redistribution.
	if _, err := v.engine.Distribute(ctx, amount); err != nil {
		entry := v.log.WithField("amount", amount.Dec())
		if errors.Is(err, svcerrors.ErrNoActiveProtocols) {
			entry.Debug("no active protocols, deposit stays idle")
		} else {
			entry.WithError(err).Warn("deploying deposit failed, funds stay idle")
		}
	}

	rate := v.rates.Rate()
	v.metrics.RecordShares(rate, v.shares.TotalSupply())
	v.audit.Record(ctx, events.Event{
		Type:      events.EventDepositCompleted,
		Component: "vault",
		Account:   beneficiary,
		Metadata: map[string]string{
			"amount":        amount.Dec(),
			"shares":        minted.Dec(),
			"share_balance": v.shares.BalanceOf(beneficiary).Dec(),
			"rate":          rate.Dec(),
		},
	})
	return nil
}

// Receipt reports a withdrawal or redemption.
type Receipt struct {
	Owner        domain.Address
	Recipient    domain.Address
	Requested    *uint256.Int
	Withdrawn    *uint256.Int
	SharesBurned *uint256.Int
	ShareBalance *uint256.Int
	Rate         *uint256.Int
}

// Withdraw pays up to amount of assets to recipient (the caller when empty),
// burning the caller's shares for what was actually paid. Idle funds are used
// before backends. Fewer assets than requested is not an error.
func (v *Vault) Withdraw(ctx context.Context, amount *uint256.Int, recipient domain.Address) (Receipt, error) {
	owner := authz.CallerFrom(ctx)
	if owner.IsZero() {
		return Receipt{}, svcerrors.ErrZeroAddress.WithDetails("field", "caller")
	}
	if amount == nil || amount.IsZero() {
		return Receipt{}, svcerrors.ErrInvalidAmount
	}
	if recipient.IsZero() {
		recipient = owner
	}

	ctx, leave, err := v.enter(ctx, "withdraw")
	if err != nil {
		return Receipt{}, err
	}
	defer leave()

	balance := v.shares.BalanceOf(owner)
	needed := v.rates.SharesForAssetsUp(amount)
	if balance.Lt(needed) {
		return Receipt{}, svcerrors.ErrInsufficientShares.
			WithDetails("balance", balance.Dec()).
			WithDetails("required", needed.Dec())
	}

	withdrawn, err := v.payOut(ctx, amount, recipient)
	if err != nil {
		return Receipt{}, err
	}
	burn := domain.Min(v.rates.SharesForAssetsUp(withdrawn), balance)
	return v.settle(ctx, owner, recipient, amount, withdrawn, burn)
}

// Redeem burns shares of the caller for assets paid to recipient, rounding the
// payout down. If backends cannot cover the payout only the shares for what was
// paid are burned.
func (v *Vault) Redeem(ctx context.Context, shares *uint256.Int, recipient domain.Address) (Receipt, error) {
	owner := authz.CallerFrom(ctx)
	if owner.IsZero() {
		return Receipt{}, svcerrors.ErrZeroAddress.WithDetails("field", "caller")
	}
	if shares == nil || shares.IsZero() {
		return Receipt{}, svcerrors.ErrZeroShares
	}
	if recipient.IsZero() {
		recipient = owner
	}

	ctx, leave, err := v.enter(ctx, "redeem")
	if err != nil {
		return Receipt{}, err
	}
	defer leave()

	balance := v.shares.BalanceOf(owner)
	if balance.Lt(shares) {
		return Receipt{}, svcerrors.ErrInsufficientShares.
			WithDetails("balance", balance.Dec()).
			WithDetails("required", shares.Dec())
	}
	assets := v.rates.AssetsForSharesDown(shares)
	if assets.IsZero() {
		return Receipt{}, svcerrors.ErrInvalidAmount.WithDetails("reason", "shares redeem for zero assets")
	}

	withdrawn, err := v.payOut(ctx, assets, recipient)
	if err != nil {
		return Receipt{}, err
	}
	burn := shares.Clone()
	if withdrawn.Lt(assets) {
		burn = domain.Min(v.rates.SharesForAssetsUp(withdrawn), shares)
	}
	return v.settle(ctx, owner, recipient, assets, withdrawn, burn)
}

// payOut sends up to amount to recipient from idle funds first, then backends.
func (v *Vault) payOut(ctx context.Context, amount *uint256.Int, recipient domain.Address) (*uint256.Int, error) {
	idle, err := v.engine.IdleBalance(ctx)
	if err != nil {
		return nil, err
	}
	fromIdle := domain.Min(idle, amount)
	if !fromIdle.IsZero() {
		if err := v.bank.Transfer(ctx, v.asset, v.address, recipient, fromIdle); err != nil {
			return nil, err
		}
	}

	withdrawn := fromIdle.Clone()
	remaining := new(uint256.Int).Sub(amount, fromIdle)
	if !remaining.IsZero() {
		res, err := v.engine.Withdraw(ctx, remaining, recipient)
		if err != nil {
			return nil, err
		}
		withdrawn.Add(withdrawn, res.Withdrawn)
	}
	if withdrawn.IsZero() {
		return nil, svcerrors.ErrZeroResult.WithDetails("op", "withdraw")
	}
	return withdrawn, nil
}

func (v *Vault) settle(ctx context.Context, owner, recipient domain.Address, requested, withdrawn, burn *uint256.Int) (Receipt, error) {
	if !burn.IsZero() {
		if err := v.shares.Burn(owner, burn); err != nil {
			return Receipt{}, err
		}
	}
	if v.shares.TotalSupply().IsZero() {
		v.rates.Reset()
	}

	rate := v.rates.Rate()
	receipt := Receipt{
		Owner:        owner,
		Recipient:    recipient,
		Requested:    requested,
		Withdrawn:    withdrawn,
		SharesBurned: burn,
		ShareBalance: v.shares.BalanceOf(owner),
		Rate:         rate,
	}
	v.metrics.RecordShares(rate, v.shares.TotalSupply())
	v.audit.Record(ctx, events.Event{
		Type:      events.EventWithdrawalCompleted,
		Component: "vault",
		Account:   owner,
		Metadata: map[string]string{
			"recipient":     string(recipient),
			"requested":     requested.Dec(),
			"amount":        withdrawn.Dec(),
			"shares_burned": burn.Dec(),
			"share_balance": receipt.ShareBalance.Dec(),
			"rate":          rate.Dec(),
		},
	})
	return receipt, nil
}

// Harvest runs the harvest and fee engine.
func (v *Vault) Harvest(ctx context.Context) (harvest.Report, error) {
	if err := v.auth.Authorize(ctx); err != nil {
		return harvest.Report{}, err
	}
	ctx, leave, err := v.enter(ctx, "harvest")
	if err != nil {
		return harvest.Report{}, err
	}
	defer leave()
	return v.harvester.AccrueAndFlush(ctx)
}

// Flush processes the next deposit-queue batch.
func (v *Vault) Flush(ctx context.Context) (queue.FlushResult, error) {
	if err := v.auth.Authorize(ctx); err != nil {
		return queue.FlushResult{}, err
	}
	ctx, leave, err := v.enter(ctx, "flush")
	if err != nil {
		return queue.FlushResult{}, err
	}
	defer leave()
	return v.queue.Flush(ctx)
}

// RetryFailedDeposits re-queues failed deposits below maxRetries.
func (v *Vault) RetryFailedDeposits(ctx context.Context, maxRetries int) (int, error) {
	if err := v.auth.Authorize(ctx); err != nil {
		return 0, err
	}
	ctx, leave, err := v.enter(ctx, "retry")
	if err != nil {
		return 0, err
	}
	defer leave()
	return v.queue.RetryFailedDeposits(ctx, maxRetries)
}

// Optimize runs one optimizer pass.
func (v *Vault) Optimize(ctx context.Context) (optimizer.Result, error) {
	if err := v.auth.Authorize(ctx); err != nil {
		return optimizer.Result{}, err
	}
	ctx, leave, err := v.enter(ctx, "optimize")
	if err != nil {
		return optimizer.Result{}, err
	}
	defer leave()
	res, err := v.optimizer.Optimize(ctx)
	for _, action := range res.Actions {
		if action.Kind == optimizer.ActionReplaced {
			v.harvester.Forget(action.Replaced)
		}
	}
	v.metrics.SetActiveProtocols(v.reg.ActiveCount())
	return res, err
}

// RegisterProtocol registers a protocol descriptor.
func (v *Vault) RegisterProtocol(ctx context.Context, id domain.ProtocolID, name string) error {
	ctx, leave, err := v.enter(ctx, "register_protocol")
	if err != nil {
		return err
	}
	defer leave()
	return v.reg.RegisterProtocol(ctx, id, name)
}

// RegisterAdapter binds an adapter for (id, asset).
func (v *Vault) RegisterAdapter(ctx context.Context, id domain.ProtocolID, a domain.Asset, ad adapter.Adapter) error {
	ctx, leave, err := v.enter(ctx, "register_adapter")
	if err != nil {
		return err
	}
	defer leave()
	return v.reg.RegisterAdapter(ctx, id, a, ad)
}

// RemoveAdapter drops the (id, asset) binding.
func (v *Vault) RemoveAdapter(ctx context.Context, id domain.ProtocolID, a domain.Asset) error {
	ctx, leave, err := v.enter(ctx, "remove_adapter")
	if err != nil {
		return err
	}
	defer leave()
	return v.reg.RemoveAdapter(ctx, id, a)
}

// AddProtocol activates id and spreads total assets across the new active set.
func (v *Vault) AddProtocol(ctx context.Context, id domain.ProtocolID) error {
	ctx, leave, err := v.enter(ctx, "add_protocol")
	if err != nil {
		return err
	}
	defer leave()
	if err := v.reg.AddActiveProtocol(ctx, id); err != nil {
		return err
	}
	v.metrics.SetActiveProtocols(v.reg.ActiveCount())
	return v.rebalance(ctx)
}

// RemoveProtocol withdraws everything from id, deactivates it and spreads total
// assets across the remaining active set.
func (v *Vault) RemoveProtocol(ctx context.Context, id domain.ProtocolID) error {
	if err := v.auth.Authorize(ctx); err != nil {
		return err
	}
	ctx, leave, err := v.enter(ctx, "remove_protocol")
	if err != nil {
		return err
	}
	defer leave()

	if !v.reg.IsActive(id) {
		return svcerrors.ErrNotActive.WithDetails("protocol_id", id)
	}
	if v.reg.ActiveCount() == 1 {
		return svcerrors.ErrLastActiveProtocol.WithDetails("protocol_id", id)
	}
	if _, err := v.engine.WithdrawAll(ctx, id); err != nil {
		return err
	}
	if err := v.reg.RemoveActiveProtocol(ctx, id); err != nil {
		return err
	}
	v.harvester.Forget(id)
	v.metrics.SetActiveProtocols(v.reg.ActiveCount())
	return v.rebalance(ctx)
}

// ReplaceProtocol swaps oldID for newID in place and spreads total assets
// evenly across the updated active set.
func (v *Vault) ReplaceProtocol(ctx context.Context, oldID, newID domain.ProtocolID) error {
	if err := v.auth.Authorize(ctx); err != nil {
		return err
	}
	ctx, leave, err := v.enter(ctx, "replace_protocol")
	if err != nil {
		return err
	}
	defer leave()

	if !v.reg.IsActive(oldID) {
		return svcerrors.ErrNotActive.WithDetails("protocol_id", oldID)
	}
	if err := v.reg.CanActivate(newID); err != nil {
		return err
	}
	if _, err := v.engine.WithdrawAll(ctx, oldID); err != nil {
		return err
	}
	if err := v.reg.ReplaceActiveProtocol(ctx, oldID, newID); err != nil {
		return err
	}
	v.harvester.Forget(oldID)
	return v.rebalance(ctx)
}

func (v *Vault) rebalance(ctx context.Context) error {
	res, err := v.engine.Rebalance(ctx)
	if err != nil {
		return err
	}
	for _, leg := range res.Exits {
		if leg.Err != nil {
			v.log.WithError(leg.Err).WithField("protocol_id", leg.ProtocolID).Warn("position stayed in place during rebalance")
		}
	}
	return nil
}
