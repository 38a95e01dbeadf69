package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/yieldvault/internal/adapter"
	"github.com/R3E-Network/yieldvault/internal/adapter/llama"
	"github.com/R3E-Network/yieldvault/internal/adapter/simulated"
	"github.com/R3E-Network/yieldvault/internal/app/system"
	"github.com/R3E-Network/yieldvault/internal/asset"
	"github.com/R3E-Network/yieldvault/internal/authz"
	"github.com/R3E-Network/yieldvault/internal/config"
	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/httpapi"
	"github.com/R3E-Network/yieldvault/internal/metrics"
	"github.com/R3E-Network/yieldvault/internal/middleware"
	"github.com/R3E-Network/yieldvault/internal/scheduler"
	"github.com/R3E-Network/yieldvault/internal/storage"
	"github.com/R3E-Network/yieldvault/internal/storage/memory"
	"github.com/R3E-Network/yieldvault/internal/storage/postgres"
	"github.com/R3E-Network/yieldvault/internal/vault"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

const limiterCleanupInterval = 5 * time.Minute

// Application ties the vault, its backends and the background services
// together and manages their lifecycle.
type Application struct {
	Config    *config.Config
	Vault     *vault.Vault
	Bank      *asset.Memory
	Backends  map[domain.ProtocolID]*simulated.Backend
	Audit     *events.Log
	Store     storage.AuditStore
	Metrics   *metrics.Collector
	Scheduler *scheduler.Scheduler

	manager *system.Manager
	limiter *middleware.RateLimiter
	closers []func() error
	log     *logger.Logger
}

// New builds a fully initialised application from cfg. Nothing runs in the
// background until Start.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	a := &Application{
		Config:   cfg,
		Bank:     asset.NewMemory(),
		Backends: make(map[domain.ProtocolID]*simulated.Backend),
		Metrics:  metrics.NewCollector("yieldvault"),
		manager:  system.NewManager(),
		log:      log,
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.Audit = events.NewLog(cfg.Audit.BufferSize, log.Component("audit"))
	a.Audit.SetSink(a.Store)

	vc := cfg.Vault
	owner := domain.Address(vc.Owner).Normalize()
	delegates := make([]domain.Address, 0, len(vc.Delegates)+1)
	for _, d := range vc.Delegates {
		delegates = append(delegates, domain.Address(d).Normalize())
	}
	if cfg.Scheduler.Enabled {
		delegates = append(delegates, domain.Address(cfg.Scheduler.Keeper).Normalize())
	}

	v, err := vault.New(vault.Options{
		Asset:        domain.Asset(vc.Asset),
		Address:      domain.Address(vc.Address),
		QueueAddress: domain.Address(vc.QueueAddress),
		Treasury:     domain.Address(vc.Treasury),
		FeeBps:       vc.FeeBps,
		BatchSize:    vc.BatchSize,
		MaxActive:    vc.MaxActive,
		Policy:       cfg.Optimizer.Policy(),
		Timeout:      vc.BackendTimeout,
		Bank:         a.Bank,
		Executor:     a.Bank,
		Authorizer:   authz.NewStatic(owner, delegates...),
		Recorder:     a.Audit,
		Metrics:      a.Metrics,
		Logger:       log.Component("vault"),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Vault = v

	if err := a.registerBackends(ctx, owner); err != nil {
		_ = a.Close()
		return nil, err
	}

	if err := a.registerServices(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) openStore(ctx context.Context) error {
	dsn := a.Config.Audit.DSN
	if dsn == "" {
		a.Store = memory.New()
		return nil
	}
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	a.log.Info("audit records persisted to postgres")
	return nil
}

// registerBackends creates one simulated backend per configured entry, binds it
// and activates the ones marked active.
func (a *Application) registerBackends(ctx context.Context, owner domain.Address) error {
	ctx = authz.WithCaller(ctx, owner)
	vaultAsset := a.Vault.Asset()

	var source *llama.Source
	for _, bc := range a.Config.Backends {
		id := domain.ProtocolID(bc.ID)
		b := simulated.New(simulated.Config{
			Name:  bc.Name,
			Asset: vaultAsset,
			Vault: a.Vault.Address(),
			APY:   bc.APY,
		}, a.Bank)
		a.Backends[id] = b

		var bound adapter.Adapter = b
		if bc.Pool != "" {
			if source == nil {
				source = llama.NewSource(llama.Config{
					URL:     a.Config.Llama.URL,
					Timeout: a.Config.Llama.Timeout,
					Logger:  a.log.Component("llama"),
				})
			}
			bound = llama.Wrap(b, source, bc.Pool)
		}

		if err := a.Vault.RegisterProtocol(ctx, id, bc.Name); err != nil {
			return fmt.Errorf("register backend %s: %w", bc.Name, err)
		}
		if err := a.Vault.RegisterAdapter(ctx, id, vaultAsset, bound); err != nil {
			return fmt.Errorf("bind backend %s: %w", bc.Name, err)
		}
		if bc.Active {
			if err := a.Vault.AddProtocol(ctx, id); err != nil {
				return fmt.Errorf("activate backend %s: %w", bc.Name, err)
			}
		}
	}
	a.log.WithField("backends", len(a.Config.Backends)).Info("backends registered")
	return nil
}

func (a *Application) registerServices() error {
	a.limiter = middleware.NewRateLimiter(a.Config.HTTP.RateLimit, a.Config.HTTP.Burst, a.log.Component("httpapi"))
	stop := make(chan struct{})
	if err := a.manager.Register(system.Func{
		ServiceName: "ratelimit-cleanup",
		OnStart: func(context.Context) error {
			a.limiter.StartCleanup(limiterCleanupInterval, stop)
			return nil
		},
		OnStop: func(context.Context) error {
			close(stop)
			return nil
		},
	}); err != nil {
		return err
	}

	sc := a.Config.Scheduler
	if !sc.Enabled {
		return nil
	}
	s, err := scheduler.New(a.Vault, scheduler.Config{
		Keeper:   domain.Address(sc.Keeper),
		Harvest:  sc.Harvest,
		Flush:    sc.Flush,
		Optimize: sc.Optimize,
		Timeout:  a.Config.Vault.BackendTimeout,
		Logger:   a.log.Component("scheduler"),
	})
	if err != nil {
		return err
	}
	a.Scheduler = s
	return a.manager.Register(system.Func{
		ServiceName: "scheduler",
		OnStart: func(context.Context) error {
			s.Start()
			return nil
		},
		OnStop: s.Stop,
	})
}

// Handler returns the REST API.
func (a *Application) Handler() http.Handler {
	opts := httpapi.Options{
		Vault:      a.Vault,
		Audit:      a.Store,
		Metrics:    a.Metrics,
		JWTSecret:  []byte(a.Config.HTTP.JWTSecret),
		Limiter:    a.limiter,
		MaxRetries: a.Config.Vault.MaxRetries,
		Logger:     a.log.Component("httpapi"),
	}
	if a.Scheduler != nil {
		opts.Scheduler = a.Scheduler
	}
	return httpapi.NewHandler(opts)
}

// OwnerContext returns ctx acting as the configured owner.
func (a *Application) OwnerContext(ctx context.Context) context.Context {
	return authz.WithCaller(ctx, domain.Address(a.Config.Vault.Owner).Normalize())
}

// Services lists lifecycle-managed services in start order.
func (a *Application) Services() []string {
	return a.manager.Names()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Close releases storage. Call after Stop.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
