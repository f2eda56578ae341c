// Package progress records extraction runs and completed windows in SQLite
// so an interrupted run resumes without re-extracting finished windows.
package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/filing-facts/internal/model"
)

// RunStatus is the state of an extraction run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Run is one invocation of the pipeline for a dataset and output file.
type Run struct {
	ID         string
	Dataset    string
	Output     string
	Start      string
	End        string
	Status     RunStatus
	Summary    json.RawMessage
	StartedAt  time.Time
	FinishedAt *time.Time
}

// WindowRecord is a window marked done for a dataset and output file.
type WindowRecord struct {
	Key         string
	Status      model.WindowStatus
	Rows        int
	RunID       string
	CompletedAt time.Time
}

// Ledger is the SQLite-backed progress store.
type Ledger struct {
	db *sql.DB
}

// Open opens the ledger at path, configures WAL mode and applies the schema.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "progress: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "progress: exec %s", pragma)
		}
	}
	l := &Ledger{db: db}
	if err := l.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return l, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	dataset     TEXT NOT NULL,
	output      TEXT NOT NULL,
	start_date  TEXT NOT NULL,
	end_date    TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS windows (
	dataset      TEXT NOT NULL,
	output       TEXT NOT NULL,
	window_key   TEXT NOT NULL,
	status       TEXT NOT NULL,
	rows         INTEGER NOT NULL DEFAULT 0,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	completed_at DATETIME NOT NULL,
	PRIMARY KEY (dataset, output, window_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset, started_at);
`

func (l *Ledger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "progress: migrate")
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun records a new running run.
func (l *Ledger) StartRun(ctx context.Context, dataset, output string, start, end time.Time) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Dataset:   dataset,
		Output:    output,
		Start:     start.Format(model.DateLayout),
		End:       end.Format(model.DateLayout),
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, dataset, output, start_date, end_date, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Dataset, run.Output, run.Start, run.End, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "progress: insert run")
	}
	return run, nil
}

// FinishRun sets the run's final status and stores summary as JSON.
func (l *Ledger) FinishRun(ctx context.Context, runID string, status RunStatus, summary any) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "progress: marshal summary")
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, finished_at = ? WHERE id = ?`,
		string(status), string(summaryJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "progress: finish run %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "progress: rows affected")
	}
	if n == 0 {
		return eris.Errorf("progress: run not found: %s", runID)
	}
	return nil
}

// MarkWindow records w as done for the dataset and output.
func (l *Ledger) MarkWindow(ctx context.Context, runID, dataset, output string, w model.Window, status model.WindowStatus, rows int) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO windows (dataset, output, window_key, status, rows, run_id, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (dataset, output, window_key) DO UPDATE SET
		   status = excluded.status, rows = excluded.rows,
		   run_id = excluded.run_id, completed_at = excluded.completed_at`,
		dataset, output, w.Key(), string(status), rows, runID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "progress: mark window %s", w.Key())
}

// Completed returns the keys of windows marked done for the dataset and
// output.
func (l *Ledger) Completed(ctx context.Context, dataset, output string) (map[string]bool, error) {
	recs, err := l.Windows(ctx, dataset, output)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(recs))
	for _, r := range recs {
		done[r.Key] = true
	}
	return done, nil
}

// Windows lists the windows marked done for the dataset and output, in
// window order.
func (l *Ledger) Windows(ctx context.Context, dataset, output string) ([]WindowRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT window_key, status, rows, run_id, completed_at FROM windows
		 WHERE dataset = ? AND output = ? ORDER BY window_key`,
		dataset, output,
	)
	if err != nil {
		return nil, eris.Wrap(err, "progress: list windows")
	}
	defer rows.Close() //nolint:errcheck

	var out []WindowRecord
	for rows.Next() {
		var r WindowRecord
		if err := rows.Scan(&r.Key, &r.Status, &r.Rows, &r.RunID, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "progress: scan window")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "progress: iterate windows")
}

// Reset forgets every window of the dataset and output.
func (l *Ledger) Reset(ctx context.Context, dataset, output string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM windows WHERE dataset = ? AND output = ?`, dataset, output)
	return eris.Wrapf(err, "progress: reset %s", dataset)
}

// Runs returns the most recent runs of a dataset, newest first.
func (l *Ledger) Runs(ctx context.Context, dataset string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, dataset, output, start_date, end_date, status, summary, started_at, finished_at
		 FROM runs WHERE dataset = ? ORDER BY started_at DESC LIMIT ?`,
		dataset, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "progress: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []Run
	for rows.Next() {
		var (
			r        Run
			summary  sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Dataset, &r.Output, &r.Start, &r.End, &r.Status, &summary, &r.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "progress: scan run")
		}
		if summary.Valid {
			r.Summary = json.RawMessage(summary.String)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "progress: iterate runs")
}
