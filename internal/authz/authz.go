// Package authz resolves who is calling and whether they may mutate vault state.
package authz

import (
	"context"
	"sync"

	"github.com/R3E-Network/yieldvault/internal/domain"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
)

type contextKey string

const callerKey contextKey = "caller"

// WithCaller returns a context carrying the caller identity.
func WithCaller(ctx context.Context, caller domain.Address) context.Context {
	return context.WithValue(ctx, callerKey, caller.Normalize())
}

// CallerFrom returns the caller identity, or "" if none is set.
func CallerFrom(ctx context.Context) domain.Address {
	if v, ok := ctx.Value(callerKey).(domain.Address); ok {
		return v
	}
	return ""
}

// Authorizer decides whether the caller on ctx is the owner or a designated delegate.
type Authorizer interface {
	Authorize(ctx context.Context) error
}

// Static is an in-process Authorizer with one owner and a mutable delegate set.
type Static struct {
	mu        sync.RWMutex
	owner     domain.Address
	delegates map[domain.Address]bool
}

// NewStatic creates an authorizer for owner with the given initial delegates.
func NewStatic(owner domain.Address, delegates ...domain.Address) *Static {
	s := &Static{
		owner:     owner.Normalize(),
		delegates: make(map[domain.Address]bool),
	}
	for _, d := range delegates {
		if !d.IsZero() {
			s.delegates[d.Normalize()] = true
		}
	}
	return s
}

// Authorize implements Authorizer.
func (s *Static) Authorize(ctx context.Context) error {
	caller := CallerFrom(ctx)
	if caller.IsZero() {
		return svcerrors.ErrUnauthorized.WithDetails("reason", "no caller")
	}
	if s.IsOwner(caller) || s.IsDelegate(caller) {
		return nil
	}
	return svcerrors.ErrUnauthorized.WithDetails("caller", caller)
}

// Owner returns the owner identity.
func (s *Static) Owner() domain.Address { return s.owner }

// IsOwner reports whether addr is the owner.
func (s *Static) IsOwner(addr domain.Address) bool {
	return !addr.IsZero() && addr.Normalize() == s.owner
}

// IsDelegate reports whether addr is a delegate.
func (s *Static) IsDelegate(addr domain.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegates[addr.Normalize()]
}

// SetDelegate grants or revokes delegate rights. Only the owner may call it.
func (s *Static) SetDelegate(ctx context.Context, delegate domain.Address, enabled bool) error {
	if !s.IsOwner(CallerFrom(ctx)) {
		return svcerrors.ErrUnauthorized.WithDetails("reason", "owner only")
	}
	if delegate.IsZero() {
		return svcerrors.ErrZeroAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.delegates[delegate.Normalize()] = true
	} else {
		delete(s.delegates, delegate.Normalize())
	}
	return nil
}

// AllowAll authorizes every caller. Intended for tests and local simulation.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context) error { return nil }
