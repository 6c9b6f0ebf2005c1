package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

// ErrRunNotFound is returned when no run has the requested ID
var ErrRunNotFound = errors.New("run not found")

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// observe times a repository call; use as defer observe("op")(&err)
func observe(operation string) func(*error) {
	start := time.Now()
	return func(err *error) {
		status := "success"
		if *err != nil {
			status = "error"
		}
		metrics.RecordDatabaseOperation(operation, status, time.Since(start).Seconds())
	}
}

const runColumns = `id, video_id, video_path, stage, status, progress, error_msg, error_code,
	output_path, output_url, summary, worker_id, started_at, completed_at, created_at, updated_at`

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.ID, &run.VideoID, &run.VideoPath, &run.Stage, &run.Status, &run.Progress,
		&run.ErrorMsg, &run.ErrorCode, &run.OutputPath, &run.OutputURL, &run.Summary,
		&run.WorkerID, &run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun creates a new run record
func (r *Repository) CreateRun(ctx context.Context, run *models.Run) (err error) {
	defer observe("create_run")(&err)

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}

	query := `
		INSERT INTO runs (id, video_id, video_path, stage, status, progress, summary, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`

	err = r.db.Pool.QueryRow(ctx, query,
		run.ID, run.VideoID, run.VideoPath, run.Stage, run.Status, run.Progress, run.Summary, run.WorkerID,
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// already recorded, e.g. queued by the API before the worker picked it up
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (r *Repository) GetRun(ctx context.Context, id string) (run *models.Run, err error) {
	defer observe("get_run")(&err)

	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	run, err = scanRun(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first
func (r *Repository) ListRuns(ctx context.Context, limit, offset int) (runs []*models.Run, err error) {
	defer observe("list_runs")(&err)

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StartStage marks a stage as running
func (r *Repository) StartStage(ctx context.Context, id, stage string) (err error) {
	defer observe("start_stage")(&err)

	query := `
		UPDATE runs
		SET stage = $2, status = $3, error_msg = '', error_code = '',
		    started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`
	if _, err = r.db.Pool.Exec(ctx, query, id, stage, models.RunStatusProcessing); err != nil {
		return fmt.Errorf("failed to start stage: %w", err)
	}
	return nil
}

// UpdateRunProgress stores the latest progress percentage
func (r *Repository) UpdateRunProgress(ctx context.Context, id string, progress int) (err error) {
	defer observe("update_progress")(&err)

	query := `UPDATE runs SET progress = GREATEST(progress, $2), updated_at = NOW() WHERE id = $1`
	if _, err = r.db.Pool.Exec(ctx, query, id, progress); err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// CompleteStage records how a stage ended. Terminal statuses also set completed_at.
func (r *Repository) CompleteStage(ctx context.Context, id, stage, status, errorMsg, errorCode string) (err error) {
	defer observe("complete_stage")(&err)

	query := `
		UPDATE runs
		SET stage = $2, status = $3, error_msg = $4, error_code = $5, updated_at = NOW(),
		    completed_at = CASE WHEN $6 THEN NOW() ELSE completed_at END
		WHERE id = $1
	`
	_, err = r.db.Pool.Exec(ctx, query, id, stage, status, errorMsg, errorCode, models.IsTerminal(status))
	if err != nil {
		return fmt.Errorf("failed to complete stage: %w", err)
	}
	return nil
}

// UpdateRunStatus sets the status alone, e.g. when cancellation is requested
func (r *Repository) UpdateRunStatus(ctx context.Context, id, status string) (err error) {
	defer observe("update_status")(&err)

	query := `UPDATE runs SET status = $2, updated_at = NOW() WHERE id = $1`
	if _, err = r.db.Pool.Exec(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// UpdateRunSummary stores extraction counters
func (r *Repository) UpdateRunSummary(ctx context.Context, id string, summary models.Summary) (err error) {
	defer observe("update_summary")(&err)

	query := `UPDATE runs SET summary = $2, updated_at = NOW() WHERE id = $1`
	if _, err = r.db.Pool.Exec(ctx, query, id, summary); err != nil {
		return fmt.Errorf("failed to update run summary: %w", err)
	}
	return nil
}

// UpdateRunOutput stores where the output video ended up
func (r *Repository) UpdateRunOutput(ctx context.Context, id, outputPath, outputURL string) (err error) {
	defer observe("update_output")(&err)

	query := `UPDATE runs SET output_path = $2, output_url = $3, updated_at = NOW() WHERE id = $1`
	if _, err = r.db.Pool.Exec(ctx, query, id, outputPath, outputURL); err != nil {
		return fmt.Errorf("failed to update run output: %w", err)
	}
	return nil
}
