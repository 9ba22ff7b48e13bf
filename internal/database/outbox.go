package database

import (
	"context"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
)

// OutboxEntry is a stored violation that has not been published yet
type OutboxEntry struct {
	ID     int64
	Record models.ViolationRecord
}

// GetPendingOutbox retrieves unpublished violations, oldest first
func (d *Database) GetPendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := d.querier(ctx).QueryContext(ctx, `
		SELECT o.violation_id, `+violationColumns+`
		FROM violation_outbox o
		JOIN violations v ON v.id = o.violation_id
		WHERE o.processed_at IS NULL
		ORDER BY o.created_at, o.violation_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		rec, err := scanViolation(rows, &e.ID)
		if err != nil {
			return nil, err
		}
		e.Record = rec
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxProcessed marks an outbox entry as published
func (d *Database) MarkOutboxProcessed(ctx context.Context, id int64) error {
	_, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE violation_outbox SET processed_at = $1 WHERE violation_id = $2",
		time.Now(),
		id,
	)
	return err
}
