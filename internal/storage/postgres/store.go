// Package postgres is the PostgreSQL AuditStore.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/yieldvault/internal/domain"
	"github.com/R3E-Network/yieldvault/internal/events"
	"github.com/R3E-Network/yieldvault/internal/storage"
	"github.com/R3E-Network/yieldvault/internal/storage/migrations"
)

// Store implements storage.AuditStore backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.AuditStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, applies migrations and returns the store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit db: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type row struct {
	ID         string    `db:"id"`
	Type       string    `db:"type"`
	Severity   string    `db:"severity"`
	OccurredAt time.Time `db:"occurred_at"`
	Component  string    `db:"component"`
	ProtocolID int64     `db:"protocol_id"`
	Account    string    `db:"account"`
	Message    string    `db:"message"`
	Error      string    `db:"error_message"`
	Metadata   []byte    `db:"metadata"`
	RequestID  string    `db:"request_id"`
}

const columns = `id, type, severity, occurred_at, component, protocol_id, account, message, error_message, metadata, request_id`

// Append implements events.Sink.
func (s *Store) Append(ctx context.Context, e events.Event) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return err
		}
	}
	r := row{
		ID:         e.ID,
		Type:       string(e.Type),
		Severity:   string(e.Severity),
		OccurredAt: e.Timestamp.UTC(),
		Component:  e.Component,
		ProtocolID: int64(e.ProtocolID),
		Account:    string(e.Account),
		Message:    e.Message,
		Error:      e.Error,
		Metadata:   meta,
		RequestID:  e.RequestID,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO vault_audit_events (`+columns+`)
		VALUES (:id, :type, :severity, :occurred_at, :component, :protocol_id, :account, :message, :error_message, :metadata, :request_id)
		ON CONFLICT (id) DO NOTHING
	`, r)
	return err
}

// List implements storage.AuditStore.
func (s *Store) List(ctx context.Context, q storage.Query) ([]events.Event, error) {
	var (
		conds []string
		args  []any
	)
	if q.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Account.IsZero() {
		conds = append(conds, "account = ?")
		args = append(args, string(q.Account))
	}
	if q.ProtocolID != 0 {
		conds = append(conds, "protocol_id = ?")
		args = append(args, int64(q.ProtocolID))
	}
	if !q.Since.IsZero() {
		conds = append(conds, "occurred_at >= ?")
		args = append(args, q.Since.UTC())
	}

	query := `SELECT ` + columns + ` FROM vault_audit_events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, q.EffectiveLimit())

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	out := make([]events.Event, 0, len(rows))
	for _, r := range rows {
		e := events.Event{
			ID:         r.ID,
			Type:       events.EventType(r.Type),
			Severity:   events.Severity(r.Severity),
			Timestamp:  r.OccurredAt,
			Component:  r.Component,
			ProtocolID: domain.ProtocolID(r.ProtocolID),
			Account:    domain.Address(r.Account),
			Message:    r.Message,
			Error:      r.Error,
			RequestID:  r.RequestID,
		}
		if len(r.Metadata) > 0 {
			_ = json.Unmarshal(r.Metadata, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, nil
}
