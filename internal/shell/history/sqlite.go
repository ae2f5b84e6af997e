package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/ddr/internal/shell/rollout"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run is one journaled deployment run.
type Run struct {
	ID         string
	Group      string
	Host       string
	DryRun     bool
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// =============================================================================
// Journal
// =============================================================================

// Journal implements rollout.Journal on SQLite.
type Journal struct {
	db *sqlx.DB
}

var _ rollout.Journal = (*Journal)(nil)

// Open opens the journal database and runs migrations.
func Open(dsn string) (*Journal, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("Open", "", "", "failed to open database", ErrConnectionFailed)
	}
	// one connection: a second one would see a different :memory: database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("Open", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("Open", "", "", err.Error(), ErrMigrationFailed)
	}

	return &Journal{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// =============================================================================
// Writes
// =============================================================================

func (j *Journal) RunStarted(ctx context.Context, run rollout.RunRecord) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, grp, host, dry_run, status, started_at)
		VALUES (:id, :grp, :host, :dry_run, :status, :started_at)`,
		map[string]any{
			"id":         run.ID,
			"grp":        run.Group,
			"host":       run.Host,
			"dry_run":    run.DryRun,
			"status":     rollout.StatusRunning,
			"started_at": run.StartedAt.UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return NewStoreError("RunStarted", "run", run.ID, err.Error(), ErrWriteFailed)
	}
	return nil
}

func (j *Journal) UnitFinished(ctx context.Context, e rollout.UnitEvent) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO unit_events (run_id, wave, unit, status, error, at)
		VALUES (:run_id, :wave, :unit, :status, :error, :at)`,
		map[string]any{
			"run_id": e.RunID,
			"wave":   e.Wave,
			"unit":   e.Unit,
			"status": e.Status,
			"error":  nullString(e.Error),
			"at":     e.At.UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return NewStoreError("UnitFinished", "unit_event", e.RunID, err.Error(), ErrWriteFailed)
	}
	return nil
}

func (j *Journal) RunFinished(ctx context.Context, runID, status string, runErr error, at time.Time) error {
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, nullString(msg), at.UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return NewStoreError("RunFinished", "run", runID, err.Error(), ErrWriteFailed)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NewStoreError("RunFinished", "run", runID, "run not found", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

type runRow struct {
	ID         string         `db:"id"`
	Group      string         `db:"grp"`
	Host       string         `db:"host"`
	DryRun     bool           `db:"dry_run"`
	Status     string         `db:"status"`
	Error      sql.NullString `db:"error"`
	StartedAt  string         `db:"started_at"`
	FinishedAt sql.NullString `db:"finished_at"`
}

type unitEventRow struct {
	RunID  string         `db:"run_id"`
	Wave   int            `db:"wave"`
	Unit   string         `db:"unit"`
	Status string         `db:"status"`
	Error  sql.NullString `db:"error"`
	At     string         `db:"at"`
}

// ListRuns returns the most recent runs first.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT id, grp, host, dry_run, status, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toRun())
	}
	return runs, nil
}

// GetRun returns one run.
func (j *Journal) GetRun(ctx context.Context, id string) (*Run, error) {
	var row runRow
	err := j.db.GetContext(ctx, &row, `
		SELECT id, grp, host, dry_run, status, error, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	run := row.toRun()
	return &run, nil
}

// ListUnitEvents returns a run's unit events in the order they happened.
func (j *Journal) ListUnitEvents(ctx context.Context, runID string) ([]rollout.UnitEvent, error) {
	var rows []unitEventRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT run_id, wave, unit, status, error, at
		FROM unit_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, NewStoreError("ListUnitEvents", "unit_event", runID, err.Error(), err)
	}

	events := make([]rollout.UnitEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, rollout.UnitEvent{
			RunID:  r.RunID,
			Wave:   r.Wave,
			Unit:   r.Unit,
			Status: r.Status,
			Error:  r.Error.String,
			At:     parseTime(r.At),
		})
	}
	return events, nil
}

func (r runRow) toRun() Run {
	run := Run{
		ID:        r.ID,
		Group:     r.Group,
		Host:      r.Host,
		DryRun:    r.DryRun,
		Status:    r.Status,
		Error:     r.Error.String,
		StartedAt: parseTime(r.StartedAt),
	}
	if r.FinishedAt.Valid {
		t := parseTime(r.FinishedAt.String)
		run.FinishedAt = &t
	}
	return run
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
