// Package harvest reconciles accrued yield from the active backends into the
// redemption rate and mints the performance fee.
package harvest

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/ledger"
	"github.com/R3E-Network/yieldvault/internal/metrics"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// Registry is the slice of the protocol registry the engine reads.
type Registry interface {
	Asset() domain.Asset
	ActiveProtocolIDs() []domain.ProtocolID
	Adapter(id domain.ProtocolID, asset domain.Asset) (adapter.Adapter, error)
}

// Shares is the vault share book.
type Shares interface {
	TotalSupply() *uint256.Int
	Mint(holder domain.Address, amount *uint256.Int) error
}

// Rates is the redemption ledger.
type Rates interface {
	Rate() *uint256.Int
	SetRate(rate *uint256.Int) error
}

// Balances reads idle custody balances.
type Balances interface {
	BalanceOf(ctx context.Context, asset domain.Asset, holder domain.Address) (*uint256.Int, error)
}

// Flusher is triggered after a harvest that moved the rate.
type Flusher interface {
	Flush(ctx context.Context) error
}

// FlushFunc adapts a function to Flusher.
type FlushFunc func(ctx context.Context) error

// Flush implements Flusher.
func (f FlushFunc) Flush(ctx context.Context) error { return f(ctx) }

// Options configures an Engine.
type Options struct {
	Vault    domain.Address
	Treasury domain.Address
	// FeeBps is the performance fee on per-share gains. Zero disables it.
	FeeBps  uint64
	Timeout time.Duration

	Balances Balances
	Flusher  Flusher
	Recorder events.Recorder
	Metrics  *metrics.Collector
	Logger   *logger.Logger
}

// Report is the outcome of one harvest.
type Report struct {
	PreviousRate *uint256.Int        `json:"-"`
	NewRate      *uint256.Int        `json:"-"`
	TotalAssets  *uint256.Int        `json:"-"`
	FeeAssets    *uint256.Int        `json:"-"`
	FeeShares    *uint256.Int        `json:"-"`
	Failed       []domain.ProtocolID `json:"failed,omitempty"`
	Flushed      bool                `json:"flushed"`
	FlushErr     error               `json:"-"`
}

// Engine is the harvest and fee engine.
type Engine struct {
	reg    Registry
	shares Shares
	rates  Rates
	opts   Options

	mu        sync.Mutex
	harvested map[domain.ProtocolID]*uint256.Int

	audit   events.Recorder
	metrics *metrics.Collector
	log     *logger.Logger
}

// New creates an engine.
func New(reg Registry, shares Shares, rates Rates, opts Options) *Engine {
	if opts.Recorder == nil {
		opts.Recorder = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("harvest")
	}
	if opts.FeeBps > domain.BasisPoints {
		opts.FeeBps = domain.BasisPoints
	}
	return &Engine{
		reg:       reg,
		shares:    shares,
		rates:     rates,
		opts:      opts,
		harvested: make(map[domain.ProtocolID]*uint256.Int),
		audit:     opts.Recorder,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

// SetFlusher sets the flush trigger.
func (e *Engine) SetFlusher(f Flusher) {
	e.mu.Lock()
	e.opts.Flusher = f
	e.mu.Unlock()
}

// LastHarvested returns the last value successfully harvested from id.
func (e *Engine) LastHarvested(id domain.ProtocolID) (*uint256.Int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.harvested[id]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// AccrueAndFlush harvests every active backend, recomputes the rate, mints the
// performance fee to the treasury and, if the rate moved or no shares exist,
// flushes the deposit queue.
func (e *Engine) AccrueAndFlush(ctx context.Context) (Report, error) {
	prev := e.rates.Rate()
	asset := e.reg.Asset()

	total, err := e.idle(ctx, asset)
	if err != nil {
		return Report{}, err
	}

	active := e.reg.ActiveProtocolIDs()
	e.prune(active)

	var failed []domain.ProtocolID
	for _, id := range active {
		value, err := e.harvestOne(ctx, id, asset)
		if err != nil {
			failed = append(failed, id)
		}
		total.Add(total, value)
	}

	supply := e.shares.TotalSupply()
	newRate := ledger.ComputeRate(total, supply)

	feeAssets, feeShares := new(uint256.Int), new(uint256.Int)
	if e.opts.FeeBps > 0 && !e.opts.Treasury.IsZero() && !supply.IsZero() && newRate.Gt(prev) {
		feeAssets, feeShares = e.fee(prev, newRate, supply)
		if !feeShares.IsZero() {
			if err := e.shares.Mint(e.opts.Treasury, feeShares); err != nil {
				return Report{}, err
			}
			supply = new(uint256.Int).Add(supply, feeShares)
			newRate = ledger.ComputeRate(total, supply)
		}
	}

	if err := e.rates.SetRate(newRate); err != nil {
		return Report{}, err
	}

	report := Report{
		PreviousRate: prev,
		NewRate:      newRate,
		TotalAssets:  total,
		FeeAssets:    feeAssets,
		FeeShares:    feeShares,
		Failed:       failed,
	}

	e.mu.Lock()
	flusher := e.opts.Flusher
	e.mu.Unlock()
	if flusher != nil && (!newRate.Eq(prev) || supply.IsZero()) {
		report.Flushed = true
		if err := flusher.Flush(ctx); err != nil {
			report.FlushErr = err
			e.log.WithError(err).Warn("post-harvest flush failed")
		}
	}

	e.metrics.RecordLedger(newRate, total, e.shares.TotalSupply())
	e.metrics.RecordHarvest(feeShares)
	e.log.WithField("previous_rate", prev.Dec()).
		WithField("new_rate", newRate.Dec()).
		WithField("total_assets", total.Dec()).
		WithField("fee_shares", feeShares.Dec()).
		Info("harvest completed")
	e.audit.Record(ctx, events.Event{
		Type:      events.EventHarvestCompleted,
		Component: "harvest",
		Metadata: map[string]string{
			"previous_rate": prev.Dec(),
			"new_rate":      newRate.Dec(),
			"total_assets":  total.Dec(),
			"fee_assets":    feeAssets.Dec(),
			"fee_shares":    feeShares.Dec(),
		},
	})
	return report, nil
}

// fee charges FeeBps of the per-share gain across supply, then converts that
// asset amount into shares at the new rate.
func (e *Engine) fee(prev, newRate, supply *uint256.Int) (*uint256.Int, *uint256.Int) {
	gain := new(uint256.Int).Sub(newRate, prev)
	gainAssets, overflow := new(uint256.Int).MulDivOverflow(gain, supply, ledger.Scale())
	if overflow {
		gainAssets.SetAllOne()
	}
	feeAssets, overflow := new(uint256.Int).MulDivOverflow(gainAssets, uint256.NewInt(e.opts.FeeBps), uint256.NewInt(domain.BasisPoints))
	if overflow {
		feeAssets.SetAllOne()
	}
	feeShares, overflow := new(uint256.Int).MulDivOverflow(feeAssets, ledger.Scale(), newRate)
	if overflow {
		feeShares.SetAllOne()
	}
	return feeAssets, feeShares
}

func (e *Engine) idle(ctx context.Context, asset domain.Asset) (*uint256.Int, error) {
	if e.opts.Balances == nil || e.opts.Vault.IsZero() {
		return new(uint256.Int), nil
	}
	return e.opts.Balances.BalanceOf(ctx, asset, e.opts.Vault)
}

// harvestOne returns the backend's harvested total. A successful zero is a
// real value. On failure it falls back to the reported balance, then to the
// last harvested value, then to zero.
func (e *Engine) harvestOne(ctx context.Context, id domain.ProtocolID, asset domain.Asset) (*uint256.Int, error) {
	a, err := e.reg.Adapter(id, asset)
	if err != nil {
		e.backendFailed(ctx, id, "harvest", err)
		return new(uint256.Int), err
	}

	start := time.Now()
	res := adapter.Call(ctx, e.opts.Timeout, "harvest", func(ctx context.Context) (*uint256.Int, error) {
		return a.Harvest(ctx, asset)
	})
	e.metrics.ObserveBackend("harvest", time.Since(start))

	if res.OK() {
		e.remember(id, res.Amount)
		return res.Amount, nil
	}

	e.backendFailed(ctx, id, "harvest", res.Err)
	balance := adapter.Call(ctx, e.opts.Timeout, "get_balance", func(ctx context.Context) (*uint256.Int, error) {
		return a.GetBalance(ctx, asset)
	})
	if balance.OK() {
		return balance.Amount, res.Err
	}
	if last, seen := e.LastHarvested(id); seen {
		return last, res.Err
	}
	return new(uint256.Int), res.Err
}

func (e *Engine) remember(id domain.ProtocolID, amount *uint256.Int) {
	e.mu.Lock()
	e.harvested[id] = amount.Clone()
	e.mu.Unlock()
}

// Forget drops the cached harvest value for id. Call it once id has left the
// active set.
func (e *Engine) Forget(id domain.ProtocolID) {
	e.mu.Lock()
	delete(e.harvested, id)
	e.mu.Unlock()
}

// prune drops cached values for protocols outside active.
func (e *Engine) prune(active []domain.ProtocolID) {
	keep := make(map[domain.ProtocolID]struct{}, len(active))
	for _, id := range active {
		keep[id] = struct{}{}
	}
	e.mu.Lock()
	for id := range e.harvested {
		if _, ok := keep[id]; !ok {
			delete(e.harvested, id)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) backendFailed(ctx context.Context, id domain.ProtocolID, op string, err error) {
	e.log.WithError(err).WithField("protocol_id", id).WithField("op", op).Warn("backend call failed")
	e.metrics.BackendFailure(uint64(id), op)
	e.audit.Record(ctx, events.Event{
		Type:       events.EventBackendFailed,
		Severity:   events.SeverityWarning,
		Component:  "harvest",
		ProtocolID: id,
		Error:      err.Error(),
		Metadata:   map[string]string{"op": op},
	})
}
