// Package store keeps an audit ledger of build runs in SQLite so the state of
// every operation survives the process that ran it.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/vpb/internal/buildlog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusExited    = "exited"
)

// ErrRunNotFound is returned when a run id is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// Store is the ledger database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("configure ledger: %w", err)
	}
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// RunInfo summarises one run.
type RunInfo struct {
	ID         string
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
}

// StartRun registers a new run and returns its recorder.
func (s *Store) StartRun(ctx context.Context, name string) (*Run, error) {
	r := &Run{store: s, id: uuid.NewString(), name: name}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, started_at, status) VALUES (?, ?, ?, ?)`,
		r.id, name, time.Now().UnixNano(), StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return r, nil
}

// Runs lists the most recent runs first, at most limit of them.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, started_at, finished_at, status FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunInfo
	for rows.Next() {
		ri, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

// RunInfo looks up one run.
func (s *Store) RunInfo(ctx context.Context, id string) (RunInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, started_at, finished_at, status FROM runs WHERE id = ?`, id)
	ri, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return ri, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunInfo, error) {
	var (
		ri       RunInfo
		started  int64
		finished sql.NullInt64
	)
	if err := sc.Scan(&ri.ID, &ri.Name, &started, &finished, &ri.Status); err != nil {
		return RunInfo{}, err
	}
	ri.StartedAt = time.Unix(0, started)
	ri.FinishedAt = fromNull(finished)
	return ri, nil
}

// OperationRecord is the persisted state of one operation.
type OperationRecord struct {
	Name        string
	State       string
	PendingAt   time.Time
	RunningAt   time.Time
	CompletedAt time.Time
}

// Operations lists the operations of a run in the order they were queued.
func (s *Store) Operations(ctx context.Context, runID string) ([]OperationRecord, error) {
	return s.operations(ctx, `SELECT name, state, pending_at, running_at, completed_at
		FROM operations WHERE run_id = ? ORDER BY pending_at, name`, runID)
}

// Unfinished lists the operations of a run that never completed.
func (s *Store) Unfinished(ctx context.Context, runID string) ([]OperationRecord, error) {
	return s.operations(ctx, `SELECT name, state, pending_at, running_at, completed_at
		FROM operations WHERE run_id = ? AND state != 'completed' ORDER BY pending_at, name`, runID)
}

func (s *Store) operations(ctx context.Context, query, runID string) ([]OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OperationRecord
	for rows.Next() {
		var (
			rec                         OperationRecord
			pending, running, completed sql.NullInt64
		)
		if err := rows.Scan(&rec.Name, &rec.State, &pending, &running, &completed); err != nil {
			return nil, err
		}
		rec.PendingAt = fromNull(pending)
		rec.RunningAt = fromNull(running)
		rec.CompletedAt = fromNull(completed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MessageRecord is one captured log line.
type MessageRecord struct {
	Operation string
	Time      time.Time
	Level     string
	Text      string
}

// Messages returns the log lines of one operation, oldest first. An empty
// operation name returns the lines of every operation in the run.
func (s *Store) Messages(ctx context.Context, runID, operation string) ([]MessageRecord, error) {
	query := `SELECT operation, at, level, text FROM messages WHERE run_id = ?`
	args := []any{runID}
	if operation != "" {
		query += ` AND operation = ?`
		args = append(args, operation)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageRecord
	for rows.Next() {
		var (
			m  MessageRecord
			at int64
		)
		if err := rows.Scan(&m.Operation, &at, &m.Level, &m.Text); err != nil {
			return nil, err
		}
		m.Time = time.Unix(0, at)
		out = append(out, m)
	}
	return out, rows.Err()
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}

// Run records the transitions and messages of one build into the ledger.
// It satisfies buildlog.Recorder.
type Run struct {
	store *Store
	id    string
	name  string
}

var _ buildlog.Recorder = (*Run)(nil)

func (r *Run) ID() string   { return r.id }
func (r *Run) Name() string { return r.name }

func (r *Run) RecordTransition(name string, state buildlog.State, at time.Time) error {
	var col string
	switch state {
	case buildlog.StatePending:
		col = "pending_at"
	case buildlog.StateRunning:
		col = "running_at"
	case buildlog.StateCompleted:
		col = "completed_at"
	default:
		return fmt.Errorf("record %s: unknown state %s", name, state)
	}
	q := fmt.Sprintf(`INSERT INTO operations (run_id, name, state, %[1]s) VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE SET state = excluded.state, %[1]s = excluded.%[1]s`, col)
	if _, err := r.store.db.Exec(q, r.id, name, state.String(), at.UnixNano()); err != nil {
		return fmt.Errorf("record %s %s: %w", name, state, err)
	}
	return nil
}

func (r *Run) RecordMessage(name string, m buildlog.Message) error {
	_, err := r.store.db.Exec(
		`INSERT INTO messages (run_id, operation, at, level, text) VALUES (?, ?, ?, ?, ?)`,
		r.id, name, m.Time.UnixNano(), m.Level.String(), m.Text)
	if err != nil {
		return fmt.Errorf("record message for %s: %w", name, err)
	}
	return nil
}

// Finish closes the run with the given status.
func (r *Run) Finish(ctx context.Context, status string) error {
	res, err := r.store.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UnixNano(), status, r.id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.id)
	}
	return nil
}
