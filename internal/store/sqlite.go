package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nvandessel/anderson/internal/evolution"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle state recorded for a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusCancelled RunStatus = "cancelled"
	StatusFailed    RunStatus = "failed"
)

// Run is a stored run with its inputs and outcome.
type Run struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	Size          int        `json:"size"`
	DisorderWidth float64    `json:"disorder_width"`
	Sigma         float64    `json:"sigma"`
	TimeStep      float64    `json:"time_step"`
	MaxTime       float64    `json:"max_time"`
	Seed          uint64     `json:"seed"`
	Steps         int        `json:"steps"`
	FinalTime     float64    `json:"final_time"`
	InitialNorm   float64    `json:"initial_norm"`
	FinalNorm     float64    `json:"final_norm"`
	Status        RunStatus  `json:"status"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// RunOutcome is what FinishRun records once a run stops.
type RunOutcome struct {
	Steps       int
	FinalTime   float64
	InitialNorm float64
	FinalNorm   float64
	Status      RunStatus
}

// seriesColumns maps observables to their samples column.
var seriesColumns = map[evolution.Observable]string{
	evolution.ReturnProbability: "return_probability",
	evolution.Participation:     "participation",
	evolution.MeanPosition:      "mean_position",
	evolution.Spread:            "spread",
}

// SQLiteRunStore persists runs and their sampled observables in SQLite.
type SQLiteRunStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
	seq    atomic.Uint64
}

// NewSQLiteRunStore opens the store at <root>/.anderson/anderson.db,
// creating the directory and schema as needed.
func NewSQLiteRunStore(root string) (*SQLiteRunStore, error) {
	dataDir := filepath.Join(root, ".anderson")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .anderson directory: %w", err)
	}
	return OpenSQLiteRunStore(filepath.Join(dataDir, "anderson.db"))
}

// OpenSQLiteRunStore opens (or creates) a store at an explicit path.
func OpenSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with single writer
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteRunStore{db: db, dbPath: dbPath}, nil
}

// DBPath returns the database file location.
func (s *SQLiteRunStore) DBPath() string { return s.dbPath }

// Close closes the database.
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

// ValidateIntegrity runs the SQLite integrity checks.
func (s *SQLiteRunStore) ValidateIntegrity(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ValidateIntegrity(ctx, s.db)
}

// generateRunID hashes the run inputs, start time and a per-store sequence.
func (s *SQLiteRunStore) generateRunID(meta evolution.RunMeta) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%g|%g|%g|%g|%d|%d|%d",
		meta.Size, meta.DisorderWidth, meta.Sigma, meta.TimeStep, meta.MaxTime,
		meta.Seed, meta.StartedAt.UnixNano(), s.seq.Add(1))
	return "run-" + hex.EncodeToString(h.Sum(nil))[:12]
}

// CreateRun inserts a run in the running state and returns its ID.
func (s *SQLiteRunStore) CreateRun(ctx context.Context, meta evolution.RunMeta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := meta.StartedAt
	if created.IsZero() {
		created = time.Now()
	}
	id := s.generateRunID(meta)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, created_at, size, disorder_width, sigma, time_step, max_time, seed, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, created.UTC().Format(timeLayout), meta.Size, meta.DisorderWidth, meta.Sigma,
		meta.TimeStep, meta.MaxTime, strconv.FormatUint(meta.Seed, 10), string(StatusRunning))
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// AppendSamples inserts samples for a run in one transaction.
func (s *SQLiteRunStore) AppendSamples(ctx context.Context, runID string, samples []evolution.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (run_id, step, time, return_probability, participation, mean_position, spread)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, runID, smp.Step, smp.Time,
			smp.ReturnProbability, smp.Participation, smp.MeanPosition, smp.Spread); err != nil {
			return fmt.Errorf("failed to insert sample at step %d: %w", smp.Step, err)
		}
	}

	return tx.Commit()
}

// FinishRun records the outcome of a run.
func (s *SQLiteRunStore) FinishRun(ctx context.Context, runID string, out RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET steps = ?, final_time = ?, initial_norm = ?, final_norm = ?, status = ?, finished_at = ?
		WHERE id = ?`,
		out.Steps, out.FinalTime, out.InitialNorm, out.FinalNorm, string(out.Status),
		time.Now().UTC().Format(timeLayout), runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `id, created_at, size, disorder_width, sigma, time_step, max_time, seed,
	steps, final_time, initial_norm, final_norm, status, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                   Run
		created, seed       string
		initNorm, finalNorm sql.NullFloat64
		finished            sql.NullString
		status              string
	)
	if err := row.Scan(&r.ID, &created, &r.Size, &r.DisorderWidth, &r.Sigma, &r.TimeStep, &r.MaxTime,
		&seed, &r.Steps, &r.FinalTime, &initNorm, &finalNorm, &status, &finished); err != nil {
		return Run{}, err
	}

	var err error
	if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Run{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return Run{}, fmt.Errorf("parsing seed: %w", err)
	}
	r.InitialNorm = initNorm.Float64
	r.FinalNorm = finalNorm.Float64
	r.Status = RunStatus(status)
	if finished.Valid {
		if t, err := time.Parse(timeLayout, finished.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return r, nil
}

// ListRuns returns runs newest first. A non-positive limit returns all.
func (s *SQLiteRunStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run or ErrRunNotFound.
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &r, nil
}

// GetSamples returns every sample of a run in step order.
func (s *SQLiteRunStore) GetSamples(ctx context.Context, runID string) ([]evolution.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT step, time, return_probability, participation, mean_position, spread
		FROM samples WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []evolution.Sample
	for rows.Next() {
		var smp evolution.Sample
		if err := rows.Scan(&smp.Step, &smp.Time, &smp.ReturnProbability,
			&smp.Participation, &smp.MeanPosition, &smp.Spread); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// GetSeries returns the chronological (time, value) records of one
// observable.
func (s *SQLiteRunStore) GetSeries(ctx context.Context, runID string, o evolution.Observable) ([]evolution.Record, error) {
	col, ok := seriesColumns[o]
	if !ok {
		return nil, fmt.Errorf("unknown observable %v", o)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT time, `+col+` FROM samples WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var out []evolution.Record
	for rows.Next() {
		rec := evolution.Record{Observable: o}
		if err := rows.Scan(&rec.Time, &rec.Value); err != nil {
			return nil, fmt.Errorf("failed to scan series row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and, by cascade, its samples.
func (s *SQLiteRunStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}
