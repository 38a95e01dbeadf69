// Package scheduler runs vault maintenance (harvest, queue flush, optimization)
// on cron schedules under the keeper identity.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/yieldvault/internal/authz"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/harvest"
	"github.com/R3E-Network/yieldvault/internal/optimizer"
	"github.com/R3E-Network/yieldvault/internal/queue"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// Job names.
const (
	JobHarvest  = "harvest"
	JobFlush    = "flush"
	JobOptimize = "optimize"
)

// Vault is the maintenance surface the scheduler drives.
type Vault interface {
	Harvest(ctx context.Context) (harvest.Report, error)
	Flush(ctx context.Context) (queue.FlushResult, error)
	Optimize(ctx context.Context) (optimizer.Result, error)
}

// Config holds the keeper identity and one cron spec per job. An empty spec
// leaves that job unscheduled.
type Config struct {
	Keeper   domain.Address
	Harvest  string
	Flush    string
	Optimize string
	// Timeout bounds one job run. Zero means no bound beyond the vault's own.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *logger.Logger
}

// Status is the outcome of a job's most recent run.
type Status struct {
	Job      string        `json:"job"`
	Spec     string        `json:"spec"`
	Runs     int           `json:"runs"`
	LastRun  time.Time     `json:"last_run"`
	Duration time.Duration `json:"duration"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Scheduler drives a Vault from cron.
type Scheduler struct {
	cron    *cron.Cron
	vault   Vault
	keeper  domain.Address
	timeout time.Duration
	clock   clock.Clock
	log     *logger.Logger

	mu     sync.Mutex
	status map[string]*Status
}

// New registers the configured jobs. Nothing runs until Start.
func New(v Vault, cfg Config) (*Scheduler, error) {
	if cfg.Keeper.IsZero() {
		return nil, fmt.Errorf("scheduler: keeper identity is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("scheduler")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	s := &Scheduler{
		vault:   v,
		keeper:  cfg.Keeper.Normalize(),
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		status:  make(map[string]*Status),
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(cfg.Logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(cfg.Logger)),
	))

	jobs := []struct {
		name string
		spec string
	}{
		{JobHarvest, cfg.Harvest},
		{JobFlush, cfg.Flush},
		{JobOptimize, cfg.Optimize},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		name := j.name
		if _, err := s.cron.AddFunc(j.spec, func() { _ = s.Run(context.Background(), name) }); err != nil {
			return nil, fmt.Errorf("scheduler: %s spec %q: %w", name, j.spec, err)
		}
		s.status[name] = &Status{Job: name, Spec: j.spec}
	}
	return s, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.status)).Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes one job immediately under the keeper identity. Failures are
// logged and returned; they are not retried.
func (s *Scheduler) Run(ctx context.Context, job string) error {
	ctx = authz.WithCaller(ctx, s.keeper)
	ctx = events.WithRequestID(ctx, "cron-"+uuid.NewString())
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.clock.Now()
	entry := s.log.WithField("job", job)
	var err error
	switch job {
	case JobHarvest:
		var report harvest.Report
		if report, err = s.vault.Harvest(ctx); err == nil {
			entry = entry.WithField("rate", report.NewRate.Dec()).WithField("flushed", report.Flushed)
		}
	case JobFlush:
		var res queue.FlushResult
		if res, err = s.vault.Flush(ctx); err == nil {
			entry = entry.WithField("processed", len(res.Processed)).WithField("failed", len(res.Failed))
		}
	case JobOptimize:
		var res optimizer.Result
		if res, err = s.vault.Optimize(ctx); err == nil {
			entry = entry.WithField("actions", len(res.Actions))
		}
	default:
		return fmt.Errorf("scheduler: unknown job %q", job)
	}
	elapsed := s.clock.Since(start)
	s.record(job, start, elapsed, err)

	if err != nil {
		entry.WithError(err).Warn("scheduled job failed")
		return err
	}
	entry.WithField("duration", elapsed).Debug("scheduled job completed")
	return nil
}

func (s *Scheduler) record(job string, at time.Time, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[job]
	if !ok {
		st = &Status{Job: job}
		s.status[job] = st
	}
	st.Runs++
	st.LastRun = at
	st.Duration = d
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
}

// Status returns every known job's last outcome, sorted by job name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}
