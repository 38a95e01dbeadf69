package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Service represents a lifecycle-managed component. Every background module
// implements this interface so the manager can start and stop them
// deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  []Service
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service. Names must be unique.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return fmt.Errorf("register: nil service")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.services {
		if existing.Name() == svc.Name() {
			return fmt.Errorf("register: service %q already registered", svc.Name())
		}
	}
	m.services = append(m.services, svc)
	return nil
}

// Start starts every registered service. If one fails, those already started
// are stopped and the failure is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			stopErr := m.stopLocked(ctx)
			return errors.Join(fmt.Errorf("start %s: %w", svc.Name(), err), stopErr)
		}
		m.started = append(m.started, svc)
	}
	return nil
}

// Stop stops started services in reverse order, collecting every failure.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	m.started = nil
	return errors.Join(errs...)
}

// Names lists registered services in start order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc.Name())
	}
	return out
}

// Func adapts a pair of functions to Service.
type Func struct {
	ServiceName string
	OnStart     func(ctx context.Context) error
	OnStop      func(ctx context.Context) error
}

func (f Func) Name() string { return f.ServiceName }

func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
