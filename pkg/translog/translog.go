// Package translog provides the append-only audit log of workflow
// transitions, backed by SQLite. Records are immutable once written; the
// orchestrator consults the log for duplicate-action suppression and
// partial-transition resumption, and the UI reads per-item history.
package translog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"issuepilot/pkg/github"
	"issuepilot/pkg/logx"
)

// Result classifies the outcome of a transition attempt.
type Result string

const (
	// ResultSuccess means every side effect of the transition applied.
	ResultSuccess Result = "success"
	// ResultPartial means the status change applied but a follow-on side
	// effect did not; the next cycle resumes from the pending effect.
	ResultPartial Result = "partial"
	// ResultFailed means nothing was committed; the transition will be
	// re-detected and retried.
	ResultFailed Result = "failed"
)

// Transition is one audit record. Append-only: never mutated after
// creation.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Transition struct {
	ID            string         `json:"id"`
	Item          github.ItemKey `json:"item"`
	FromStatus    string         `json:"from_status"`
	ToStatus      string         `json:"to_status"`
	Actor         string         `json:"actor"`
	Detector      string         `json:"detector"`
	Result        Result         `json:"result"`
	ErrorDetail   string         `json:"error_detail,omitempty"`
	PendingEffect string         `json:"pending_effect,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// New builds a transition record with a fresh ID and timestamp.
func New(item github.ItemKey, from, to, actor, detector string) *Transition {
	return &Transition{
		ID:         uuid.New().String(),
		Item:       item,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Detector:   detector,
		Timestamp:  time.Now().UTC(),
	}
}

// Store is the SQLite-backed transition log. Safe for concurrent appends:
// the connection pool is capped at one writer, matching SQLite's model.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id             TEXT PRIMARY KEY,
	owner          TEXT NOT NULL,
	repo           TEXT NOT NULL,
	number         INTEGER NOT NULL,
	from_status    TEXT NOT NULL,
	to_status      TEXT NOT NULL,
	actor          TEXT NOT NULL,
	detector       TEXT NOT NULL,
	result         TEXT NOT NULL,
	error_detail   TEXT NOT NULL DEFAULT '',
	pending_effect TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_item
	ON transitions(owner, repo, number, created_at);
CREATE INDEX IF NOT EXISTS idx_transitions_dedup
	ON transitions(owner, repo, number, to_status, result);
`

// Open opens (or creates) the transition log at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("open transition log: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping transition log: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize transition log schema: %w", err)
	}

	// SQLite supports a single writer; serialize through the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, logger: logx.NewLogger("translog")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes a transition record. The record must carry a result.
func (s *Store) Append(t *Transition) error {
	switch t.Result {
	case ResultSuccess, ResultPartial, ResultFailed:
	default:
		return fmt.Errorf("transition %s has no result", t.ID)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO transitions
			(id, owner, repo, number, from_status, to_status, actor, detector,
			 result, error_detail, pending_effect, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Item.Owner, t.Item.Repo, t.Item.Number,
		t.FromStatus, t.ToStatus, t.Actor, t.Detector,
		string(t.Result), t.ErrorDetail, t.PendingEffect, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append transition %s: %w", t.ID, err)
	}

	s.logger.Debug("appended %s %s %s->%s (%s)", t.ID, t.Item, t.FromStatus, t.ToStatus, t.Result)
	return nil
}

// HasSucceeded reports whether a successful transition to toStatus has
// already been logged for the item. This is the primary duplicate-action
// guard.
func (s *Store) HasSucceeded(item github.ItemKey, toStatus string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM transitions
		WHERE owner = ? AND repo = ? AND number = ? AND to_status = ? AND result = ?`,
		item.Owner, item.Repo, item.Number, toStatus, string(ResultSuccess),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query succeeded transitions for %s: %w", item, err)
	}
	return count > 0, nil
}

// LatestPartial returns the most recent partial transition for the item
// that has not been superseded by a later success to the same status.
// Returns nil when there is nothing to resume.
func (s *Store) LatestPartial(item github.ItemKey) (*Transition, error) {
	row := s.db.QueryRow(`
		SELECT id, owner, repo, number, from_status, to_status, actor, detector,
		       result, error_detail, pending_effect, created_at
		FROM transitions p
		WHERE owner = ? AND repo = ? AND number = ? AND result = ?
		  AND NOT EXISTS (
			SELECT 1 FROM transitions s
			WHERE s.owner = p.owner AND s.repo = p.repo AND s.number = p.number
			  AND s.to_status = p.to_status AND s.result = ?
			  AND s.created_at >= p.created_at
		  )
		ORDER BY created_at DESC
		LIMIT 1`,
		item.Owner, item.Repo, item.Number, string(ResultPartial), string(ResultSuccess),
	)

	t, err := scanTransition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query partial transition for %s: %w", item, err)
	}
	return t, nil
}

// History returns every transition for the item, oldest first.
func (s *Store) History(item github.ItemKey) ([]*Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, owner, repo, number, from_status, to_status, actor, detector,
		       result, error_detail, pending_effect, created_at
		FROM transitions
		WHERE owner = ? AND repo = ? AND number = ?
		ORDER BY created_at ASC, id ASC`,
		item.Owner, item.Repo, item.Number,
	)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", item, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history for %s: %w", item, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentFailures counts failed and partial transitions for the item since
// the given time. The polling engine stops retrying and blocks an item
// once the count passes the configured threshold.
func (s *Store) RecentFailures(item github.ItemKey, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM transitions
		WHERE owner = ? AND repo = ? AND number = ? AND result IN (?, ?) AND created_at >= ?`,
		item.Owner, item.Repo, item.Number, string(ResultFailed), string(ResultPartial), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("query recent failures for %s: %w", item, err)
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTransition(row scanner) (*Transition, error) {
	var t Transition
	var result string
	err := row.Scan(
		&t.ID, &t.Item.Owner, &t.Item.Repo, &t.Item.Number,
		&t.FromStatus, &t.ToStatus, &t.Actor, &t.Detector,
		&result, &t.ErrorDetail, &t.PendingEffect, &t.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	t.Result = Result(result)
	return &t, nil
}
