// Package auditlog persists fleet events to a queryable SQLite database, the
// durable audit trail complementing pkg/eventlog's plain-text JSONL tail.
//
// The connection setup (WAL mode, busy timeout, foreign keys, single-writer
// pool) and idempotent schema bootstrap are grounded in the orchestrator's
// pkg/persistence/db.go and schema.go. That package wraps its *sql.DB in a
// package-level singleton because dozens of call sites across the
// orchestrator (web handlers, agents, the dispatcher) need database access
// without threading a handle through every constructor. The fleet
// controller's audit trail has two kinds of caller — the event bus
// subscriber started at startup, and readers of Query — so it
// is constructed and passed explicitly instead, consistent with how every
// other fleet component takes its dependencies (pkg/config, internal/port,
// internal/registry): no mutable package-level state here.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"studiofleet/pkg/events"
	"studiofleet/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	source     TEXT NOT NULL,
	port       INTEGER NOT NULL,
	payload    TEXT,
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_port ON audit_events(port);
CREATE INDEX IF NOT EXISTS idx_audit_events_name ON audit_events(name);
`

// Log is an append-only SQLite-backed audit trail of fleet events.
type Log struct {
	db  *sql.DB
	log *logx.Logger
}

// Open opens (creating if needed) the audit database at path and ensures the
// schema exists.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditlog: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditlog: schema init: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite only supports one writer
	db.SetMaxIdleConns(1)

	return &Log{db: db, log: logx.NewLogger("auditlog")}, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends ev to the audit trail.
func (l *Log) Record(ctx context.Context, ev events.Event) error {
	payload := ""
	if ev.Payload != nil {
		payload = fmt.Sprintf("%v", ev.Payload)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_events (id, name, source, port, payload, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Name), ev.Source, ev.Port, payload, ev.Timestamp.Unix())
	return err
}

// Subscribe drains sub's channel into the audit log until it's closed. Best
// effort: a write failure is logged, not propagated, since the audit trail
// must never block or crash event producers.
func (l *Log) Subscribe(sub *events.Subscription) {
	go func() {
		for ev := range sub.Events() {
			if err := l.Record(context.Background(), ev); err != nil {
				l.log.Warn("auditlog: failed to record event %s: %v", ev.ID, err)
			}
		}
	}()
}

// EventRecord is a row returned by Query.
type EventRecord struct {
	ID         string
	Name       string
	Source     string
	Port       int
	Payload    string
	OccurredAt int64
}

// Query returns up to limit events for port in descending recency order, or
// every port if port is 0.
func (l *Log) Query(ctx context.Context, port int, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if port != 0 {
		rows, err = l.db.QueryContext(ctx,
			`SELECT id, name, source, port, payload, occurred_at FROM audit_events WHERE port = ? ORDER BY occurred_at DESC LIMIT ?`,
			port, limit)
	} else {
		rows, err = l.db.QueryContext(ctx,
			`SELECT id, name, source, port, payload, occurred_at FROM audit_events ORDER BY occurred_at DESC LIMIT ?`,
			limit)
	}
	if err != nil {
		return nil, fmt.Errorf("auditlog: query: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Source, &r.Port, &r.Payload, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("auditlog: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
