// Package sqlite keeps a journal of reconciliation cycles in a local SQLite
// database. The engine never reads it back; it exists for operators.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"hostsync/internal/reconcile"

	_ "modernc.org/sqlite"
)

var _ reconcile.CycleObserver = (*Store)(nil)

// DefaultRetention is the number of cycles kept when none is configured.
const DefaultRetention = 500

// Entry is one journal row.
type Entry struct {
	Seq        int64
	CycleID    string
	StartedAt  time.Time
	Duration   time.Duration
	Desired    int
	Observed   int
	Deleted    int
	Created    int
	Recreated  int
	Failed     int
	Fatal      string
	ReportJSON string
}

type Store struct {
	db        *sql.DB
	retention int
}

// Open creates or opens the journal at path. Retention below 1 selects
// DefaultRetention.
func Open(path string, retention int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS cycles (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	desired INTEGER NOT NULL,
	observed INTEGER NOT NULL,
	deleted INTEGER NOT NULL,
	created INTEGER NOT NULL,
	recreated INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	fatal TEXT NOT NULL DEFAULT '',
	report_json TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}

	if retention < 1 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ObserveCycle records the report; a failed write is logged, not returned.
func (s *Store) ObserveCycle(ctx context.Context, report reconcile.CycleReport) {
	if err := s.Record(ctx, report); err != nil {
		slog.Warn("writing cycle journal failed", "component", "journal", "cycle", report.ID, "err", err)
	}
}

// Record inserts one row for report and trims rows beyond the retention.
func (s *Store) Record(ctx context.Context, report reconcile.CycleReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal cycle report: %w", err)
	}
	fatal := ""
	if report.Fatal != nil {
		fatal = report.Fatal.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cycles (cycle_id, started_at, duration_ms, desired, observed, deleted, created, recreated, failed, fatal, report_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID,
		report.StartedAt.UTC().Format(time.RFC3339Nano),
		report.Duration().Milliseconds(),
		report.Desired,
		report.Observed,
		report.Count(reconcile.ActionDelete),
		report.Count(reconcile.ActionCreate),
		report.Count(reconcile.ActionRecreate),
		len(report.Failed()),
		fatal,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert cycle %s: %w", report.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cycles WHERE seq <= (SELECT MAX(seq) FROM cycles) - ?`, s.retention,
	); err != nil {
		return fmt.Errorf("trim journal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal: %w", err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, cycle_id, started_at, duration_ms, desired, observed, deleted, created, recreated, failed, fatal, report_json
		 FROM cycles ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var started string
		var durationMS int64
		if err := rows.Scan(&e.Seq, &e.CycleID, &started, &durationMS, &e.Desired, &e.Observed,
			&e.Deleted, &e.Created, &e.Recreated, &e.Failed, &e.Fatal, &e.ReportJSON); err != nil {
			return nil, fmt.Errorf("scan cycle row: %w", err)
		}
		e.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle rows: %w", err)
	}
	return out, nil
}

// Count returns the number of stored cycles.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cycles: %w", err)
	}
	return n, nil
}
