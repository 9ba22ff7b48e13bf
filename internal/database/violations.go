package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
)

const violationColumns = `v.run_id, v.track_id, v.zone_name, v.class_label, v.confidence,
	v.box_x1, v.box_y1, v.box_x2, v.box_y2, v.frame_seq, v.snapshot_path, v.detected_at`

// InsertViolation stores a record, queues it in the outbox and bumps the
// run's violation counter in one transaction. Re-inserting the same snapshot
// is a no-op.
func (d *Database) InsertViolation(ctx context.Context, rec models.ViolationRecord) error {
	return d.InTx(ctx, func(ctx context.Context) error {
		var id int64
		err := d.querier(ctx).QueryRowContext(ctx, `
			INSERT INTO violations (run_id, track_id, zone_name, class_label, confidence,
				box_x1, box_y1, box_x2, box_y2, frame_seq, snapshot_path, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (snapshot_path) DO NOTHING
			RETURNING id`,
			rec.RunID,
			rec.TrackID,
			rec.ZoneName,
			rec.ClassLabel,
			rec.Confidence,
			rec.BoundingBox[0],
			rec.BoundingBox[1],
			rec.BoundingBox[2],
			rec.BoundingBox[3],
			int64(rec.FrameSeq),
			rec.SnapshotPath,
			rec.Timestamp,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			// duplicate
			return nil
		} else if err != nil {
			return err
		}

		if _, err := d.querier(ctx).ExecContext(ctx,
			"INSERT INTO violation_outbox (violation_id, created_at) VALUES ($1, $2)", id, time.Now()); err != nil {
			return err
		}

		_, err = d.querier(ctx).ExecContext(ctx,
			"UPDATE runs SET violations = violations + 1 WHERE id = $1", rec.RunID)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViolation(row rowScanner, extra ...any) (models.ViolationRecord, error) {
	var rec models.ViolationRecord
	var seq int64
	dest := append(extra,
		&rec.RunID,
		&rec.TrackID,
		&rec.ZoneName,
		&rec.ClassLabel,
		&rec.Confidence,
		&rec.BoundingBox[0],
		&rec.BoundingBox[1],
		&rec.BoundingBox[2],
		&rec.BoundingBox[3],
		&seq,
		&rec.SnapshotPath,
		&rec.Timestamp,
	)
	if err := row.Scan(dest...); err != nil {
		return rec, err
	}
	rec.FrameSeq = uint64(seq)
	return rec, nil
}

// ListViolations returns the newest records first
func (d *Database) ListViolations(ctx context.Context, limit int) ([]models.ViolationRecord, error) {
	rows, err := d.querier(ctx).QueryContext(ctx, `
		SELECT `+violationColumns+`
		FROM violations v
		ORDER BY v.detected_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ViolationRecord
	for rows.Next() {
		rec, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
