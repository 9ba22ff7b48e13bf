package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
)

// CreateRun inserts a run, or restarts it if a run with the same id exists
func (d *Database) CreateRun(ctx context.Context, run models.Run) error {
	now := time.Now()
	_, err := d.querier(ctx).ExecContext(ctx,
		`INSERT INTO runs (id, state, video_source, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (id) DO UPDATE SET state = $2, video_source = $3, error = '', updated_at = $4`,
		run.ID,
		run.State,
		run.VideoSource,
		now,
	)
	return err
}

func (d *Database) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := d.querier(ctx).QueryRowContext(ctx, `
		SELECT id, state, video_source, violations, error, created_at, updated_at
		FROM runs
		WHERE id = $1
	`, runID)

	var run models.Run
	err := row.Scan(
		&run.ID,
		&run.State,
		&run.VideoSource,
		&run.Violations,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// FinishRun records the final state of a run
func (d *Database) FinishRun(ctx context.Context, runID string, state models.RunState, errMsg string) error {
	_, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE runs SET state = $1, error = $2, updated_at = $3 WHERE id = $4",
		state,
		errMsg,
		time.Now(),
		runID,
	)
	return err
}

// UpdateRunTimestamp is the liveness heartbeat of a running run
func (d *Database) UpdateRunTimestamp(ctx context.Context, runID string) error {
	_, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE runs SET updated_at = $1 WHERE id = $2",
		time.Now(),
		runID,
	)
	return err
}
