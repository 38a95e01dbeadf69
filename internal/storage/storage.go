// Package storage persists the vault's audit trail. Vault state itself lives in
// memory; only the audit records outlive the process.
package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
)

// DefaultListLimit caps List when the query sets no limit.
const DefaultListLimit = 100

// Query filters audit records. Zero fields match everything.
type Query struct {
	Type       events.EventType
	Account    domain.Address
	ProtocolID domain.ProtocolID
	Since      time.Time
	Limit      int
}

// Matches reports whether e satisfies the query filters (Limit aside).
func (q Query) Matches(e events.Event) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if !q.Account.IsZero() && e.Account != q.Account {
		return false
	}
	if q.ProtocolID != 0 && e.ProtocolID != q.ProtocolID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// EffectiveLimit returns Limit, or DefaultListLimit when unset.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultListLimit
	}
	return q.Limit
}

// AuditStore persists audit records and lists them newest first.
type AuditStore interface {
	events.Sink
	List(ctx context.Context, q Query) ([]events.Event, error)
}
