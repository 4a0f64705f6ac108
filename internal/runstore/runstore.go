package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID        int64     `json:"id"`
	Repo      string    `json:"repo"`
	Number    int       `json:"number"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Branch    string    `json:"branch,omitempty"`
	PRNumber  int       `json:"pr_number,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps pipeline run history in a local SQLite database. The remote
// platform is the source of truth for outcomes; this store exists for the
// /runs endpoint and for operators debugging what the service did and when.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	repo       TEXT NOT NULL,
	number     INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL,
	branch     TEXT NOT NULL DEFAULT '',
	pr_number  INTEGER NOT NULL DEFAULT 0,
	summary    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_repo_number ON runs(repo, number);
`

// Open opens (creating if necessary) the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	// Single writer; the busy timeout covers overlap with readers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate run store: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a run and returns its ID.
func (s *Store) Record(ctx context.Context, run *Run) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (repo, number, kind, status, branch, pr_number, summary, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Repo, run.Number, run.Kind, run.Status, run.Branch, run.PRNumber, run.Summary, run.Detail)
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo, number, kind, status, branch, pr_number, summary, detail, created_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Get returns one run by ID, or nil when no such run exists.
func (s *Store) Get(ctx context.Context, id int64) (*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo, number, kind, status, branch, pr_number, summary, detail, created_at
		 FROM runs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %d: %w", id, err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ForIssue returns the runs recorded for one repo/number pair, newest first.
func (s *Store) ForIssue(ctx context.Context, repo string, number int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo, number, kind, status, branch, pr_number, summary, detail, created_at
		 FROM runs WHERE repo = ? AND number = ? ORDER BY id DESC`, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for %s#%d: %w", repo, number, err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Repo, &r.Number, &r.Kind, &r.Status, &r.Branch, &r.PRNumber, &r.Summary, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
