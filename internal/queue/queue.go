// Package queue buffers incoming deposits and flushes them into the vault ledger
// in bounded batches.
//
// A deposit is taken into the queue's custody account at once and the depositor
// receives queue-claim tokens 1:1. Flush forwards each queued amount to the Sink
// and burns the matching claims, verifying both moves from balances. Failures are
// recorded per depositor and only re-queued by RetryFailedDeposits.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/yieldvault/internal/asset"
	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/ledger"
	"github.com/R3E-Network/yieldvault/internal/metrics"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// DefaultBatchSize is the number of roster entries processed per Flush.
const DefaultBatchSize = 50

// Sink is the vault's deposit entry point. It must take amount from payer and
// credit shares to beneficiary, or change nothing.
type Sink interface {
	DepositFor(ctx context.Context, payer, beneficiary domain.Address, amount *uint256.Int) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payer, beneficiary domain.Address, amount *uint256.Int) error

// DepositFor implements Sink.
func (f SinkFunc) DepositFor(ctx context.Context, payer, beneficiary domain.Address, amount *uint256.Int) error {
	return f(ctx, payer, beneficiary, amount)
}

// Options configures a Queue.
type Options struct {
	// Address is the queue's custody account.
	Address   domain.Address
	Asset     domain.Asset
	BatchSize int
	Bank      asset.Bank
	Clock     clock.Clock

	Recorder events.Recorder
	Metrics  *metrics.Collector
	Logger   *logger.Logger
}

// Entry is one depositor's queued deposit.
type Entry struct {
	Depositor domain.Address `json:"depositor"`
	Amount    *uint256.Int   `json:"-"`
	Exists    bool           `json:"exists"`
}

// FlushResult reports one Flush call.
type FlushResult struct {
	Processed      []domain.Address `json:"processed"`
	Failed         []domain.Address `json:"failed"`
	Amount         *uint256.Int     `json:"-"`
	Cursor         int              `json:"cursor"`
	EpochCompleted bool             `json:"epoch_completed"`
}

// Queue is the deposit queue.
type Queue struct {
	mu       sync.Mutex
	entries  map[domain.Address]*Entry
	roster   []domain.Address
	cursor   int
	failed   map[domain.Address]*domain.FailedDeposit
	attempts map[domain.Address]int
	claims   *ledger.Book

	sink      Sink
	address   domain.Address
	asset     domain.Asset
	batchSize int
	bank      asset.Bank
	clock     clock.Clock

	audit   events.Recorder
	metrics *metrics.Collector
	log     *logger.Logger
}

// New creates a queue that flushes into sink.
func New(sink Sink, opts Options) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Recorder == nil {
		opts.Recorder = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("queue")
	}
	return &Queue{
		entries:   make(map[domain.Address]*Entry),
		failed:    make(map[domain.Address]*domain.FailedDeposit),
		attempts:  make(map[domain.Address]int),
		claims:    ledger.NewBook(),
		sink:      sink,
		address:   opts.Address,
		asset:     opts.Asset,
		batchSize: opts.BatchSize,
		bank:      opts.Bank,
		clock:     opts.Clock,
		audit:     opts.Recorder,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

// SetSink replaces the flush target.
func (q *Queue) SetSink(sink Sink) {
	q.mu.Lock()
	q.sink = sink
	q.mu.Unlock()
}

// Address returns the queue's custody account.
func (q *Queue) Address() domain.Address { return q.address }

// BatchSize returns the number of roster entries processed per Flush.
func (q *Queue) BatchSize() int { return q.batchSize }

// Deposit takes amount from depositor, mints queue claims 1:1 and queues it.
func (q *Queue) Deposit(ctx context.Context, depositor domain.Address, amount *uint256.Int) error {
	depositor = depositor.Normalize()
	if depositor.IsZero() {
		return svcerrors.ErrZeroAddress.WithDetails("field", "depositor")
	}
	if amount == nil || amount.IsZero() {
		return svcerrors.ErrInvalidAmount
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.bank.Transfer(ctx, q.asset, depositor, q.address, amount); err != nil {
		return err
	}
	if err := q.claims.Mint(depositor, amount); err != nil {
		return err
	}

	e, ok := q.entries[depositor]
	if !ok {
		e = &Entry{Depositor: depositor, Amount: new(uint256.Int)}
		q.entries[depositor] = e
	}
	e.Amount = new(uint256.Int).Add(e.Amount, amount)
	if !e.Exists {
		e.Exists = true
		q.roster = append(q.roster, depositor)
	}
	q.metrics.SetQueueDepth(len(q.rosterLocked()))

	q.audit.Record(ctx, events.Event{
		Type:      events.EventDepositQueued,
		Component: "queue",
		Account:   depositor,
		Metadata:  map[string]string{"amount": amount.Dec(), "queued": e.Amount.Dec()},
	})
	return nil
}

// Flush processes the next batch of the roster starting at the cursor. Once the
// cursor reaches the end of the roster the roster is cleared and a new epoch begins.
// Flushing an empty roster only resets the cursor.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := FlushResult{Amount: new(uint256.Int)}
	if q.sink == nil {
		return result, svcerrors.ErrInvalidConfig.WithDetails("reason", "queue has no sink")
	}
	if len(q.roster) == 0 {
		q.cursor = 0
		result.EpochCompleted = true
		return result, nil
	}

	end := q.cursor + q.batchSize
	if end > len(q.roster) {
		end = len(q.roster)
	}
	for _, depositor := range q.roster[q.cursor:end] {
		e := q.entries[depositor]
		if e == nil || e.Amount.IsZero() {
			continue
		}
		amount := e.Amount.Clone()
		if err := q.processLocked(ctx, depositor, amount); err != nil {
			q.recordFailureLocked(ctx, depositor, amount, err)
			result.Failed = append(result.Failed, depositor)
		} else {
			delete(q.attempts, depositor)
			result.Processed = append(result.Processed, depositor)
			result.Amount.Add(result.Amount, amount)
			q.metrics.DepositProcessed()
			q.audit.Record(ctx, events.Event{
				Type:      events.EventDepositProcessed,
				Component: "queue",
				Account:   depositor,
				Metadata:  map[string]string{"amount": amount.Dec()},
			})
		}
		e.Amount = new(uint256.Int)
		e.Exists = false
	}

	q.cursor = end
	if q.cursor >= len(q.roster) {
		q.cursor = 0
		q.roster = nil
		result.EpochCompleted = true
	}
	result.Cursor = q.cursor
	q.metrics.SetQueueDepth(len(q.rosterLocked()))
	return result, nil
}

// processLocked forwards amount for depositor and verifies both the custody
// balance and the claim balance dropped by exactly amount.
func (q *Queue) processLocked(ctx context.Context, depositor domain.Address, amount *uint256.Int) error {
	heldBefore, err := q.bank.BalanceOf(ctx, q.asset, q.address)
	if err != nil {
		return err
	}
	claimBefore := q.claims.BalanceOf(depositor)

	if err := q.sink.DepositFor(ctx, q.address, depositor, amount); err != nil {
		return err
	}
	heldAfter, err := q.bank.BalanceOf(ctx, q.asset, q.address)
	if err != nil {
		return err
	}
	// claims are only burned once the funds have verifiably left the queue
	if !dropped(heldBefore, heldAfter, amount) {
		return svcerrors.ErrVerification.
			WithDetails("depositor", depositor).
			WithDetails("check", "custody")
	}

	if err := q.claims.Burn(depositor, amount); err != nil {
		return err
	}
	if !dropped(claimBefore, q.claims.BalanceOf(depositor), amount) {
		return svcerrors.ErrVerification.
			WithDetails("depositor", depositor).
			WithDetails("check", "claims")
	}
	return nil
}

func (q *Queue) recordFailureLocked(ctx context.Context, depositor domain.Address, amount *uint256.Int, cause error) {
	q.attempts[depositor]++
	f, ok := q.failed[depositor]
	if !ok {
		f = &domain.FailedDeposit{Depositor: depositor, Amount: new(uint256.Int)}
		q.failed[depositor] = f
	}
	f.Amount = new(uint256.Int).Add(f.Amount, amount)
	f.RetryCount = q.attempts[depositor]
	f.LastAttempt = q.clock.Now()
	f.Reason = cause.Error()

	q.log.WithError(cause).WithField("depositor", depositor).WithField("retry_count", f.RetryCount).Warn("queued deposit failed")
	q.metrics.DepositFailed()
	q.audit.Record(ctx, events.Event{
		Type:      events.EventDepositFailed,
		Severity:  events.SeverityWarning,
		Component: "queue",
		Account:   depositor,
		Error:     cause.Error(),
		Metadata: map[string]string{
			"amount":      amount.Dec(),
			"retry_count": fmt.Sprint(f.RetryCount),
		},
	})
}

// RetryFailedDeposits re-queues every failed deposit whose retry count is below
// maxRetries and returns how many were re-queued. Entries at the ceiling stay failed.
func (q *Queue) RetryFailedDeposits(ctx context.Context, maxRetries int) (int, error) {
	if maxRetries < 0 {
		return 0, svcerrors.ErrInvalidConfig.WithDetails("max_retries", maxRetries)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	depositors := make([]domain.Address, 0, len(q.failed))
	for d := range q.failed {
		depositors = append(depositors, d)
	}
	sort.Slice(depositors, func(i, j int) bool { return depositors[i] < depositors[j] })

	requeued := 0
	for _, d := range depositors {
		f := q.failed[d]
		if f.RetryCount >= maxRetries {
			continue
		}
		e, ok := q.entries[d]
		if !ok {
			e = &Entry{Depositor: d, Amount: new(uint256.Int)}
			q.entries[d] = e
		}
		e.Amount = new(uint256.Int).Add(e.Amount, f.Amount)
		if !e.Exists {
			e.Exists = true
			q.roster = append(q.roster, d)
		}
		delete(q.failed, d)
		requeued++

		q.metrics.DepositRetried()
		q.audit.Record(ctx, events.Event{
			Type:      events.EventDepositRetried,
			Component: "queue",
			Account:   d,
			Metadata:  map[string]string{"amount": f.Amount.Dec(), "retry_count": fmt.Sprint(f.RetryCount)},
		})
	}
	q.metrics.SetQueueDepth(len(q.rosterLocked()))
	return requeued, nil
}

// QueuedAmount returns depositor's pending amount.
func (q *Queue) QueuedAmount(depositor domain.Address) *uint256.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[depositor]; ok {
		return e.Amount.Clone()
	}
	return new(uint256.Int)
}

// ClaimBalance returns depositor's queue-claim tokens.
func (q *Queue) ClaimBalance(depositor domain.Address) *uint256.Int {
	return q.claims.BalanceOf(depositor)
}

// ClaimSupply returns all outstanding queue-claim tokens.
func (q *Queue) ClaimSupply() *uint256.Int {
	return q.claims.TotalSupply()
}

// PendingTotal returns the sum of all queued amounts.
func (q *Queue) PendingTotal() *uint256.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := new(uint256.Int)
	for _, e := range q.entries {
		total.Add(total, e.Amount)
	}
	return total
}

// Roster returns the depositors still waiting in this epoch, in flush order.
// Depositors already processed or failed this epoch are left out.
func (q *Queue) Roster() []domain.Address {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rosterLocked()
}

func (q *Queue) rosterLocked() []domain.Address {
	out := make([]domain.Address, 0, len(q.roster)-q.cursor)
	for _, d := range q.roster[q.cursor:] {
		if e := q.entries[d]; e != nil && e.Exists {
			out = append(out, d)
		}
	}
	return out
}

// Cursor returns the slot the next Flush starts at. Slots behind it stay
// reserved until the epoch ends, so Cursor can exceed len(Roster()).
func (q *Queue) Cursor() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// FailedDeposit returns the failure record for depositor.
func (q *Queue) FailedDeposit(depositor domain.Address) (domain.FailedDeposit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.failed[depositor]
	if !ok {
		return domain.FailedDeposit{}, false
	}
	out := *f
	out.Amount = f.Amount.Clone()
	return out, true
}

// FailedDeposits returns every failure record sorted by depositor.
func (q *Queue) FailedDeposits() []domain.FailedDeposit {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.FailedDeposit, 0, len(q.failed))
	for _, f := range q.failed {
		c := *f
		c.Amount = f.Amount.Clone()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depositor < out[j].Depositor })
	return out
}

func dropped(before, after, amount *uint256.Int) bool {
	if after.Gt(before) {
		return false
	}
	return new(uint256.Int).Sub(before, after).Eq(amount)
}
