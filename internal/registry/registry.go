// Package registry keeps the training runs, their per-epoch history and their
// evaluation scores in a sqlite database.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrRunNotFound = errors.New("run not found")

const (
	StatusTraining  = "training"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Run struct {
	ID              string
	CreatedAt       time.Time
	Dataset         string
	Hyperparameters ml.Hyperparameters
	Checkpoint      string
	Status          string
	Error           string
	// FinishedAt is zero while the run is training.
	FinishedAt time.Time
	// MeanIoU and Accuracy are NaN until the run is evaluated.
	MeanIoU  float64
	Accuracy float64
	History  []ml.EpochMetrics
	Scores   []evaluation.ClassScore
}

type Registry struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db, now: time.Now}, nil
}

// migrateUp applies the embedded migrations that are not applied yet.
func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read registry migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	// m is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("registry migration failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the last applied migration.
func (r *Registry) SchemaVersion() (uint, error) {
	var version uint
	var dirty bool
	err := r.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("registry schema version %d is dirty", version)
	}
	return version, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// CreateRun records a run in the training state and returns its id.
func (r *Registry) CreateRun(ctx context.Context, dataset string, h ml.Hyperparameters) (string, error) {
	params, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to encode hyperparameters: %w", err)
	}
	id := uuid.NewString()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, dataset, hyperparameters, status) VALUES (?, ?, ?, ?, ?)`,
		id, r.now().UnixNano(), dataset, string(params), StatusTraining)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

func (r *Registry) CompleteRun(ctx context.Context, id, checkpoint string, history []ml.EpochMetrics) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.setStatus(ctx, tx, id, StatusCompleted, "", checkpoint); err != nil {
			return err
		}
		for _, e := range history {
			_, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO epochs (run_id, epoch, loss, accuracy, iou, val_loss, val_accuracy, val_iou)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				id, e.Epoch, nullable(e.Loss), nullable(e.Accuracy), nullable(e.IoU),
				nullable(e.ValLoss), nullable(e.ValAccuracy), nullable(e.ValIoU))
			if err != nil {
				return fmt.Errorf("failed to record epoch %d: %w", e.Epoch, err)
			}
		}
		return nil
	})
}

func (r *Registry) FailRun(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return r.setStatus(ctx, tx, id, StatusFailed, msg, "")
	})
}

// SaveEvaluation replaces the scores of a run.
func (r *Registry) SaveEvaluation(ctx context.Context, id string, report *evaluation.Report) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE runs SET mean_iou = ?, accuracy = ? WHERE id = ?`,
			nullable(report.MeanIoU), nullable(report.Accuracy), id)
		if err != nil {
			return fmt.Errorf("failed to update run %s: %w", id, err)
		}
		if err := expectOne(res, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM class_scores WHERE run_id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear scores of run %s: %w", id, err)
		}
		for _, s := range report.PerClass {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO class_scores (run_id, class_id, name, iou, support) VALUES (?, ?, ?, ?, ?)`,
				id, s.ClassID, s.Name, nullable(s.IoU), s.Support)
			if err != nil {
				return fmt.Errorf("failed to record score of class %d: %w", s.ClassID, err)
			}
		}
		return nil
	})
}

func (r *Registry) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadDetails(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns every run, newest first, without history or scores.
func (r *Registry) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, selectRun+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (r *Registry) LatestCompleted(ctx context.Context) (*Run, error) {
	row := r.db.QueryRowContext(ctx, selectRun+` WHERE status = ? ORDER BY created_at DESC LIMIT 1`, StatusCompleted)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadDetails(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

const selectRun = `SELECT id, created_at, dataset, hyperparameters, checkpoint, status, error, finished_at, mean_iou, accuracy FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run        Run
		createdAt  int64
		params     string
		finishedAt sql.NullInt64
		meanIoU    sql.NullFloat64
		accuracy   sql.NullFloat64
	)
	err := s.Scan(&run.ID, &createdAt, &run.Dataset, &params, &run.Checkpoint, &run.Status, &run.Error, &finishedAt, &meanIoU, &accuracy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &run.Hyperparameters); err != nil {
		return nil, fmt.Errorf("run %s has invalid hyperparameters: %w", run.ID, err)
	}
	run.CreatedAt = time.Unix(0, createdAt)
	if finishedAt.Valid {
		run.FinishedAt = time.Unix(0, finishedAt.Int64)
	}
	run.MeanIoU = orNaN(meanIoU)
	run.Accuracy = orNaN(accuracy)
	return &run, nil
}

func (r *Registry) loadDetails(ctx context.Context, run *Run) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT epoch, loss, accuracy, iou, val_loss, val_accuracy, val_iou FROM epochs WHERE run_id = ? ORDER BY epoch`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to read history of run %s: %w", run.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e ml.EpochMetrics
			v [6]sql.NullFloat64
		)
		if err := rows.Scan(&e.Epoch, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5]); err != nil {
			return fmt.Errorf("failed to read epoch: %w", err)
		}
		e.Loss, e.Accuracy, e.IoU = orNaN(v[0]), orNaN(v[1]), orNaN(v[2])
		e.ValLoss, e.ValAccuracy, e.ValIoU = orNaN(v[3]), orNaN(v[4]), orNaN(v[5])
		run.History = append(run.History, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	scores, err := r.db.QueryContext(ctx,
		`SELECT class_id, name, iou, support FROM class_scores WHERE run_id = ? ORDER BY class_id`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to read scores of run %s: %w", run.ID, err)
	}
	defer scores.Close()
	for scores.Next() {
		var (
			s   evaluation.ClassScore
			iou sql.NullFloat64
		)
		if err := scores.Scan(&s.ClassID, &s.Name, &iou, &s.Support); err != nil {
			return fmt.Errorf("failed to read class score: %w", err)
		}
		s.IoU = orNaN(iou)
		run.Scores = append(run.Scores, s)
	}
	return scores.Err()
}

func (r *Registry) setStatus(ctx context.Context, tx *sql.Tx, id, status, msg, checkpoint string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ?, checkpoint = CASE WHEN ? = '' THEN checkpoint ELSE ? END WHERE id = ?`,
		status, msg, r.now().UnixNano(), checkpoint, checkpoint, id)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func (r *Registry) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// sqlite stores NaN as NULL.
func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
