// Package ledger keeps the execution history of drained jobs in SQLite.
//
// The job directory in the output area stays the source of truth for a
// job; the ledger is an index over Execute outcomes so operators can ask
// "what ran, where did it end up, and why did it fail" without walking the
// output area.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when a job has no recorded execution.
var ErrNotFound = errors.New("execution not found")

// Ledger is an open history database.
type Ledger struct {
	db *sql.DB
}

// Close releases the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Entry is one recorded execution.
type Entry struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	JobType    string     `json:"job_type"`
	Conductor  string     `json:"conductor"`
	Status     string     `json:"status"`
	Aborted    bool       `json:"aborted"`
	StartTime  *time.Time `json:"start,omitempty"`
	EndTime    *time.Time `json:"end,omitempty"`
	Error      string     `json:"error,omitempty"`
	OutputDir  string     `json:"output_dir,omitempty"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	JobID     string
	Status    string
	Conductor string
	Since     time.Time

	// Limit defaults to 100.
	Limit int
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record stores e and returns its id. RecordedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, e Entry) (int64, error) {
	if strings.TrimSpace(e.JobID) == "" {
		return 0, errors.New("job id is required")
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO executions
		 (job_id, job_type, conductor, status, aborted, start_time, end_time, error, output_dir, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.JobType, e.Conductor, e.Status, boolToInt(e.Aborted),
		formatTime(e.StartTime), formatTime(e.EndTime), e.Error, e.OutputDir,
		e.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("record execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record execution id: %w", err)
	}
	return id, nil
}

// Get returns the most recent execution of jobID.
func (l *Ledger) Get(ctx context.Context, jobID string) (*Entry, error) {
	entries, err := l.List(ctx, Filter{JobID: jobID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return &entries[0], nil
}

// List returns executions matching f, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Conductor != "" {
		where = append(where, "conductor = ?")
		args = append(args, f.Conductor)
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT execution_id, job_id, job_type, conductor, status, aborted,
	             start_time, end_time, error, output_dir, recorded_at
	      FROM executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY execution_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			aborted    int
			start, end sql.NullString
			recorded   string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobType, &e.Conductor, &e.Status, &aborted,
			&start, &end, &e.Error, &e.OutputDir, &recorded); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Aborted = aborted != 0
		if e.StartTime, err = parseTime(start); err != nil {
			return nil, err
		}
		if e.EndTime, err = parseTime(end); err != nil {
			return nil, err
		}
		if e.RecordedAt, err = time.Parse(timeLayout, recorded); err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
