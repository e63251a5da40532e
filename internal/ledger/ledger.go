// Package ledger is the append-only system of record for gate decisions.
// Events are stored in a single SQLite file with a SHA-256 hash chain across
// appends, a unique dedupe index, and triggers that make mutation impossible
// even through raw SQL. The dedupe check and the physical append commit as
// one transaction — the core's only critical section.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pvoronin/watchgate/internal/dedupe"
	"github.com/pvoronin/watchgate/internal/event"
)

// ErrAppendOnlyViolation marks an attempt to touch a committed event: a
// duplicate event_id on append, or any UPDATE/DELETE reaching the store.
var ErrAppendOnlyViolation = errors.New("append-only violation")

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("event not found")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id       TEXT NOT NULL UNIQUE,
	created_at     TEXT NOT NULL,
	tenant_id      TEXT NOT NULL DEFAULT '',
	work_order_id  TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL,
	turn_id        TEXT NOT NULL,
	engine         TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	scope_key      TEXT NOT NULL DEFAULT '',
	event_hash     TEXT NOT NULL,
	body           TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_scope
	ON events(scope_key) WHERE scope_key != '';
CREATE INDEX IF NOT EXISTS idx_events_correlation
	ON events(correlation_id, turn_id);
CREATE INDEX IF NOT EXISTS idx_events_tenant
	ON events(tenant_id) WHERE tenant_id != '';
CREATE TRIGGER IF NOT EXISTS events_no_update
	BEFORE UPDATE ON events
	BEGIN SELECT RAISE(ABORT, 'append-only violation'); END;
CREATE TRIGGER IF NOT EXISTS events_no_delete
	BEFORE DELETE ON events
	BEGIN SELECT RAISE(ABORT, 'append-only violation'); END;
`

// Store is the durable append-only event store. The orchestrator is its only
// writer; readers (replay, queries) never block appends and never observe a
// partial write.
type Store struct {
	db *sql.DB

	mu       sync.Mutex // serializes the dedupe+append critical section
	prevHash string
}

// Open opens (or creates) the ledger at path and recovers the chain tail.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("ledger: create directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	// Single writer connection; SQLite serializes anyway and this avoids
	// SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}

	s := &Store{db: db, prevHash: event.GenesisHash}

	// Recover chain tail from the last committed row.
	var tail string
	err = db.QueryRow(`SELECT event_hash FROM events ORDER BY seq DESC LIMIT 1`).Scan(&tail)
	switch {
	case err == nil:
		s.prevHash = tail
	case errors.Is(err, sql.ErrNoRows):
		// empty ledger, genesis tail
	default:
		db.Close()
		return nil, fmt.Errorf("ledger: recover chain tail: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendResult reports the outcome of an append.
type AppendResult struct {
	// EventID is the stored event's id: the new id, or the existing id
	// when the write deduped.
	EventID string
	// Deduped is true when an identical scope key was already committed
	// and no new row was written. Benign, not an error.
	Deduped bool
}

// Append atomically validates, dedupes, and commits one event. Either the
// full event is durably recorded and indexed, or nothing is. A missing
// event_id is assigned; a duplicate event_id is ErrAppendOnlyViolation.
func (s *Store) Append(ctx context.Context, e *event.Event) (AppendResult, error) {
	if err := e.Validate(); err != nil {
		return AppendResult{}, err
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	e.Stamp()

	scopeKey, _ := dedupe.ScopeKey(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer tx.Rollback()

	// Dedupe reservation: an existing row in this scope resolves the write
	// to the prior event's identity.
	if scopeKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT event_id FROM events WHERE scope_key = ?`, scopeKey).Scan(&existing)
		switch {
		case err == nil:
			return AppendResult{EventID: existing, Deduped: true}, nil
		case errors.Is(err, sql.ErrNoRows):
			// reserved: proceed to insert within this transaction
		default:
			return AppendResult{}, fmt.Errorf("ledger: dedupe lookup: %w", err)
		}
	}

	// Re-appending an existing event_id is a mutation attempt, distinct
	// from a dedupe hit.
	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE event_id = ?`, e.EventID).Scan(&one)
	switch {
	case err == nil:
		return AppendResult{}, fmt.Errorf("%w: event_id %q already committed", ErrAppendOnlyViolation, e.EventID)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return AppendResult{}, fmt.Errorf("ledger: event_id lookup: %w", err)
	}

	e.PrevHash = s.prevHash
	body, err := e.CanonicalJSON()
	if err != nil {
		return AppendResult{}, fmt.Errorf("ledger: %w", err)
	}
	hash := event.Hash(body)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			event_id, created_at, tenant_id, work_order_id,
			correlation_id, turn_id, engine, event_type,
			scope_key, event_hash, body
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.CreatedAt, e.TenantID, e.WorkOrderID,
		e.CorrelationID, e.TurnID, e.Engine, string(e.Type),
		scopeKey, hash, string(body),
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("ledger: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("ledger: commit append: %w", err)
	}

	s.prevHash = hash
	return AppendResult{EventID: e.EventID}, nil
}

// GetByID returns the event with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*event.Event, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM events WHERE event_id = ?`, id).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return decodeBody(body)
}

// QueryByCorrelation returns all events for one orchestration run, ordered
// by created_at then event_id. The order is total and reproducible for
// identical ledger contents — the contract deterministic replay depends on.
// An empty turnID returns every turn in the correlation.
func (s *Store) QueryByCorrelation(ctx context.Context, correlationID, turnID string) ([]*event.Event, error) {
	query := `SELECT body FROM events WHERE correlation_id = ?`
	args := []any{correlationID}
	if turnID != "" {
		query += ` AND turn_id = ?`
		args = append(args, turnID)
	}
	query += ` ORDER BY created_at, event_id`
	return s.queryBodies(ctx, query, args...)
}

// QueryByTenant returns all events for one tenant, in replay order. Events
// without a tenant scope are never included.
func (s *Store) QueryByTenant(ctx context.Context, tenantID string) ([]*event.Event, error) {
	return s.queryBodies(ctx,
		`SELECT body FROM events WHERE tenant_id = ? AND tenant_id != '' ORDER BY created_at, event_id`,
		tenantID)
}

// Tail returns the n most recently appended events, oldest first.
func (s *Store) Tail(ctx context.Context, n int) ([]*event.Event, error) {
	events, err := s.queryBodies(ctx,
		`SELECT body FROM (SELECT seq, body FROM events ORDER BY seq DESC LIMIT ?) ORDER BY seq`, n)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// WalkAppendOrder streams every event in physical append order. Used by the
// chain verifier, which must see rows exactly as they were committed.
func (s *Store) WalkAppendOrder(ctx context.Context, fn func(seq int64, body []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, body FROM events ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("ledger: walk: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var body string
		if err := rows.Scan(&seq, &body); err != nil {
			return fmt.Errorf("ledger: walk scan: %w", err)
		}
		if err := fn(seq, []byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Len returns the number of committed events.
func (s *Store) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

func (s *Store) queryBodies(ctx context.Context, query string, args ...any) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		e, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w", err)
	}
	return events, nil
}

func decodeBody(body string) (*event.Event, error) {
	var e event.Event
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("ledger: decode stored event: %w", err)
	}
	return &e, nil
}
