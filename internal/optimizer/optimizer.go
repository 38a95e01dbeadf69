// Package optimizer ranks backends by APY and moves the active set toward the
// best of them, with a minimum-improvement threshold and a per-protocol cooldown.
package optimizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/distribution"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/metrics"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// Registry is the registry surface the optimizer reads and mutates.
type Registry interface {
	Asset() domain.Asset
	BoundProtocols() []domain.ProtocolID
	IsActive(id domain.ProtocolID) bool
	ActiveCount() int
	Adapter(id domain.ProtocolID, asset domain.Asset) (adapter.Adapter, error)
	CanActivate(id domain.ProtocolID) error
	AddActiveProtocol(ctx context.Context, id domain.ProtocolID) error
	ReplaceActiveProtocol(ctx context.Context, oldID, newID domain.ProtocolID) error
}

// Mover moves funds when the active set changes.
type Mover interface {
	WithdrawAll(ctx context.Context, id domain.ProtocolID) (*uint256.Int, error)
	Rebalance(ctx context.Context) (distribution.RebalanceResult, error)
}

// Policy is the rebalancing policy.
type Policy struct {
	// TargetActiveCount is the desired active-set size.
	TargetActiveCount int `yaml:"target_active_count" json:"target_active_count"`
	// MaxActiveProtocols is a hard cap; it bounds TargetActiveCount.
	MaxActiveProtocols int `yaml:"max_active_protocols" json:"max_active_protocols"`
	// MinAPYDifferenceBps is the lead, relative to the incumbent's APY, a candidate needs.
	MinAPYDifferenceBps uint64 `yaml:"min_apy_difference_bps" json:"min_apy_difference_bps"`
	// Cooldown keeps a just-touched protocol out of further changes. Zero disables it.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
	// MaxReplacements caps replacements per call. Zero means one.
	MaxReplacements int `yaml:"max_replacements" json:"max_replacements"`
}

// Capacity returns the active-set size the policy aims for given the current size.
func (p Policy) Capacity(current int) int {
	c := p.TargetActiveCount
	if p.MaxActiveProtocols > 0 && (c == 0 || c > p.MaxActiveProtocols) {
		c = p.MaxActiveProtocols
	}
	if c == 0 {
		c = current
	}
	return c
}

// Exceeds reports whether candidate beats incumbent by more than the threshold.
func (p Policy) Exceeds(candidate, incumbent uint64) bool {
	threshold := incumbent + incumbent*p.MinAPYDifferenceBps/domain.BasisPoints
	return candidate > threshold
}

// Action kinds.
const (
	ActionAdded    = "added"
	ActionReplaced = "replaced"
)

// Action is one change made to the active set.
type Action struct {
	Kind       string            `json:"kind"`
	ProtocolID domain.ProtocolID `json:"protocol_id"`
	Replaced   domain.ProtocolID `json:"replaced,omitempty"`
	APY        uint64            `json:"apy_bps"`
}

// Skip is a candidate passed over and why.
type Skip struct {
	ProtocolID domain.ProtocolID `json:"protocol_id"`
	Reason     string            `json:"reason"`
}

// Result reports one optimization pass.
type Result struct {
	Snapshot []domain.APYSnapshot `json:"snapshot"`
	Actions  []Action             `json:"actions"`
	Skipped  []Skip               `json:"skipped,omitempty"`
}

// Options configures an Optimizer.
type Options struct {
	Policy  Policy
	Timeout time.Duration
	Clock   clock.Clock

	Recorder events.Recorder
	Metrics  *metrics.Collector
	Logger   *logger.Logger
}

// Optimizer is the yield optimizer. It holds no phase between calls; only the
// cooldown timestamps persist.
type Optimizer struct {
	reg   Registry
	mover Mover

	policy  Policy
	timeout time.Duration
	clock   clock.Clock

	mu      sync.Mutex
	touched map[domain.ProtocolID]time.Time

	audit   events.Recorder
	metrics *metrics.Collector
	log     *logger.Logger
}

// New creates an optimizer.
func New(reg Registry, mover Mover, opts Options) *Optimizer {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Recorder == nil {
		opts.Recorder = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("optimizer")
	}
	if opts.Policy.MaxReplacements <= 0 {
		opts.Policy.MaxReplacements = 1
	}
	return &Optimizer{
		reg:     reg,
		mover:   mover,
		policy:  opts.Policy,
		timeout: opts.Timeout,
		clock:   opts.Clock,
		touched: make(map[domain.ProtocolID]time.Time),
		audit:   opts.Recorder,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

// Policy returns the active policy.
func (o *Optimizer) Policy() Policy { return o.policy }

// Snapshot reads a fresh APY for every protocol bound to the vault asset and
// returns them ranked by APY descending, then id ascending. Protocols whose APY
// cannot be read are left out.
func (o *Optimizer) Snapshot(ctx context.Context) []domain.APYSnapshot {
	asset := o.reg.Asset()
	var out []domain.APYSnapshot
	for _, id := range o.reg.BoundProtocols() {
		a, err := o.reg.Adapter(id, asset)
		if err != nil {
			continue
		}
		apy, err := adapter.Guard(ctx, o.timeout, "get_apy", func(ctx context.Context) (uint64, error) {
			return a.GetAPY(ctx, asset)
		})
		if err != nil {
			o.log.WithError(err).WithField("protocol_id", id).Warn("apy read failed")
			o.metrics.BackendFailure(uint64(id), "get_apy")
			o.audit.Record(ctx, events.Event{
				Type:       events.EventBackendFailed,
				Severity:   events.SeverityWarning,
				Component:  "optimizer",
				ProtocolID: id,
				Error:      err.Error(),
				Metadata:   map[string]string{"op": "get_apy"},
			})
			continue
		}
		out = append(out, domain.APYSnapshot{ProtocolID: id, APY: apy, Active: o.reg.IsActive(id)})
	}
	Rank(out)
	return out
}

// Rank sorts snapshots by APY descending, then protocol id ascending.
func Rank(s []domain.APYSnapshot) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].APY != s[j].APY {
			return s[i].APY > s[j].APY
		}
		return s[i].ProtocolID < s[j].ProtocolID
	})
}

// Optimize runs one rebalancing pass. Inactive protocols ranked within capacity
// are added while there is room; once the set is full the lowest-APY active
// protocol is replaced if the candidate clears the threshold and neither is
// cooling down. A registry rejection aborts the call before any funds move.
func (o *Optimizer) Optimize(ctx context.Context) (Result, error) {
	snap := o.Snapshot(ctx)
	result := Result{Snapshot: snap}

	capacity := o.policy.Capacity(o.reg.ActiveCount())
	top := snap
	if len(top) > capacity {
		top = top[:capacity]
	}

	active := make(map[domain.ProtocolID]uint64)
	for _, s := range snap {
		if s.Active {
			active[s.ProtocolID] = s.APY
		}
	}

	replacements := 0
	for _, cand := range top {
		if _, ok := active[cand.ProtocolID]; ok || o.reg.IsActive(cand.ProtocolID) {
			continue
		}
		if o.cooling(cand.ProtocolID) {
			result.Skipped = append(result.Skipped, o.skip(ctx, cand.ProtocolID, "candidate cooling down"))
			continue
		}

		if o.reg.ActiveCount() < capacity {
			if err := o.add(ctx, cand); err != nil {
				return result, err
			}
			active[cand.ProtocolID] = cand.APY
			result.Actions = append(result.Actions, Action{Kind: ActionAdded, ProtocolID: cand.ProtocolID, APY: cand.APY})
			continue
		}

		if replacements >= o.policy.MaxReplacements {
			break
		}
		incumbent, incAPY, ok := lowest(active)
		if !ok {
			break
		}
		if !o.policy.Exceeds(cand.APY, incAPY) {
			// candidates are ranked, so nobody further down clears the bar either
			result.Skipped = append(result.Skipped, o.skip(ctx, cand.ProtocolID, "below improvement threshold"))
			break
		}
		if o.cooling(incumbent) {
			result.Skipped = append(result.Skipped, o.skip(ctx, cand.ProtocolID, fmt.Sprintf("incumbent %d cooling down", incumbent)))
			continue
		}

		if err := o.replace(ctx, incumbent, cand); err != nil {
			return result, err
		}
		delete(active, incumbent)
		active[cand.ProtocolID] = cand.APY
		replacements++
		result.Actions = append(result.Actions, Action{Kind: ActionReplaced, ProtocolID: cand.ProtocolID, Replaced: incumbent, APY: cand.APY})
	}
	return result, nil
}

func (o *Optimizer) add(ctx context.Context, cand domain.APYSnapshot) error {
	if err := o.reg.CanActivate(cand.ProtocolID); err != nil {
		return err
	}
	if err := o.reg.AddActiveProtocol(ctx, cand.ProtocolID); err != nil {
		return err
	}
	o.touch(cand.ProtocolID)
	o.metrics.OptimizerAction(ActionAdded)
	o.log.WithField("protocol_id", cand.ProtocolID).WithField("apy_bps", cand.APY).Info("optimizer added protocol")
	return o.redistribute(ctx)
}

// replace withdraws everything from incumbent, substitutes cand in the registry
// and spreads the vault's total assets evenly across the new active set.
func (o *Optimizer) replace(ctx context.Context, incumbent domain.ProtocolID, cand domain.APYSnapshot) error {
	if err := o.reg.CanActivate(cand.ProtocolID); err != nil {
		return err
	}
	moved, err := o.mover.WithdrawAll(ctx, incumbent)
	if err != nil {
		return fmt.Errorf("withdraw all from %d: %w", incumbent, err)
	}
	if err := o.reg.ReplaceActiveProtocol(ctx, incumbent, cand.ProtocolID); err != nil {
		return err
	}
	o.touch(incumbent)
	o.touch(cand.ProtocolID)
	o.metrics.OptimizerAction(ActionReplaced)
	o.log.WithField("old_protocol_id", incumbent).
		WithField("new_protocol_id", cand.ProtocolID).
		WithField("moved", moved.Dec()).
		Info("optimizer replaced protocol")
	return o.redistribute(ctx)
}

func (o *Optimizer) redistribute(ctx context.Context) error {
	res, err := o.mover.Rebalance(ctx)
	if err != nil {
		return err
	}
	for _, leg := range res.Exits {
		if leg.Err != nil {
			o.log.WithError(leg.Err).WithField("protocol_id", leg.ProtocolID).Warn("position stayed in place during rebalance")
		}
	}
	return nil
}

func (o *Optimizer) cooling(id domain.ProtocolID) bool {
	if o.policy.Cooldown <= 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.touched[id]
	return ok && o.clock.Now().Sub(at) < o.policy.Cooldown
}

func (o *Optimizer) touch(id domain.ProtocolID) {
	o.mu.Lock()
	o.touched[id] = o.clock.Now()
	o.mu.Unlock()
}

func (o *Optimizer) skip(ctx context.Context, id domain.ProtocolID, reason string) Skip {
	o.audit.Record(ctx, events.Event{
		Type:       events.EventOptimizerSkipped,
		Component:  "optimizer",
		ProtocolID: id,
		Message:    reason,
	})
	return Skip{ProtocolID: id, Reason: reason}
}

// lowest returns the active protocol with the lowest APY; ties go to the higher id.
func lowest(active map[domain.ProtocolID]uint64) (domain.ProtocolID, uint64, bool) {
	var (
		best    domain.ProtocolID
		bestAPY uint64
		found   bool
	)
	for id, apy := range active {
		if !found || apy < bestAPY || (apy == bestAPY && id > best) {
			best, bestAPY, found = id, apy, true
		}
	}
	return best, bestAPY, found
}
