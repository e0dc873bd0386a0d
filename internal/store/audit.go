// Package store holds the gateway's two append-only/bounded collaborators,
// both swappable persistence layers: the routing decision audit log, and
// the session-stickiness table. Either may be backed by an
// in-memory implementation for a single-instance deployment or tests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// AuditStore is the ordered, append-only collaborator for routing
// decision records: any ordered store satisfying this contract works.
type AuditStore interface {
	LogDecision(ctx context.Context, d omentypes.RoutingDecision) error
	ListDecisions(ctx context.Context, limit int) ([]omentypes.RoutingDecision, error)
	Close() error
}

// MemAuditStore is a bounded in-memory ring buffer, suitable for a
// single-instance deployment or tests where durability across restarts
// doesn't matter.
type MemAuditStore struct {
	mu       sync.Mutex
	cap      int
	records  []omentypes.RoutingDecision
	next     int
	wrapped  bool
}

// NewMemAuditStore creates a ring buffer holding the most recent capacity
// decisions.
func NewMemAuditStore(capacity int) *MemAuditStore {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MemAuditStore{cap: capacity, records: make([]omentypes.RoutingDecision, capacity)}
}

func (s *MemAuditStore) LogDecision(ctx context.Context, d omentypes.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = d
	s.next++
	if s.next == s.cap {
		s.next = 0
		s.wrapped = true
	}
	return nil
}

// ListDecisions returns up to limit most-recent decisions, newest first.
func (s *MemAuditStore) ListDecisions(ctx context.Context, limit int) ([]omentypes.RoutingDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.next
	if s.wrapped {
		count = s.cap
	}
	if limit <= 0 || limit > count {
		limit = count
	}

	out := make([]omentypes.RoutingDecision, 0, limit)
	idx := s.next - 1
	for i := 0; i < limit; i++ {
		if idx < 0 {
			idx = s.cap - 1
		}
		out = append(out, s.records[idx])
		idx--
	}
	return out, nil
}

func (s *MemAuditStore) Close() error { return nil }

// SQLiteAuditStore persists routing decisions to a SQLite database via the
// pure-Go modernc.org/sqlite driver, avoiding the cgo dependency a
// mattn/go-sqlite3-backed store would carry.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore opens (creating if necessary) a SQLite database at
// dsn and runs its migration.
func NewSQLiteAuditStore(dsn string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite audit store: %w", err)
	}
	s := &SQLiteAuditStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAuditStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS routing_decisions (
	request_id      TEXT PRIMARY KEY,
	principal_id    TEXT NOT NULL,
	intent          TEXT NOT NULL,
	strategy        TEXT NOT NULL,
	candidate_set   TEXT NOT NULL,
	winner_provider TEXT NOT NULL,
	winner_model    TEXT NOT NULL,
	losers          TEXT NOT NULL,
	reason_code     TEXT NOT NULL,
	latency_ms      INTEGER NOT NULL,
	input_tokens    INTEGER NOT NULL,
	output_tokens   INTEGER NOT NULL,
	cost_usd        REAL NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_decisions_created_at ON routing_decisions(created_at);
`)
	if err != nil {
		return fmt.Errorf("migrating audit store: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) LogDecision(ctx context.Context, d omentypes.RoutingDecision) error {
	candidates, err := json.Marshal(d.CandidateSet)
	if err != nil {
		return err
	}
	losers, err := json.Marshal(d.Losers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO routing_decisions
	(request_id, principal_id, intent, strategy, candidate_set, winner_provider,
	 winner_model, losers, reason_code, latency_ms, input_tokens, output_tokens,
	 cost_usd, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.PrincipalID, string(d.Intent), string(d.Strategy), string(candidates),
		d.WinnerProvider, d.WinnerModel, string(losers), d.ReasonCode, d.LatencyMS,
		d.InputTokens, d.OutputTokens, d.CostUSD, d.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteAuditStore) ListDecisions(ctx context.Context, limit int) ([]omentypes.RoutingDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, principal_id, intent, strategy, candidate_set, winner_provider,
       winner_model, losers, reason_code, latency_ms, input_tokens, output_tokens,
       cost_usd, created_at
FROM routing_decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []omentypes.RoutingDecision
	for rows.Next() {
		var d omentypes.RoutingDecision
		var intent, strategy, candidates, losers, createdAt string
		if err := rows.Scan(&d.RequestID, &d.PrincipalID, &intent, &strategy, &candidates,
			&d.WinnerProvider, &d.WinnerModel, &losers, &d.ReasonCode, &d.LatencyMS,
			&d.InputTokens, &d.OutputTokens, &d.CostUSD, &createdAt); err != nil {
			return nil, err
		}
		d.Intent = omentypes.Intent(intent)
		d.Strategy = omentypes.Strategy(strategy)
		_ = json.Unmarshal([]byte(candidates), &d.CandidateSet)
		_ = json.Unmarshal([]byte(losers), &d.Losers)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			d.CreatedAt = t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteAuditStore) Close() error { return s.db.Close() }
