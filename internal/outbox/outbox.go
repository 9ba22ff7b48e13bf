// Package outbox publishes stored violations to the fleet stream. Records are
// queued by the same transaction that stores them, so a violation in the
// database is eventually published even if the broker was down when it
// happened.
package outbox

import (
	"context"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/database"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/cyclopcam/logs"
)

const (
	batchSize      = 50
	publishTimeout = 5 * time.Second
)

type Store interface {
	GetPendingOutbox(ctx context.Context, limit int) ([]database.OutboxEntry, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error
}

type Publisher interface {
	Forward(ctx context.Context, rec models.ViolationRecord) error
}

type Dispatcher struct {
	log      logs.Log
	store    Store
	pub      Publisher
	interval time.Duration
}

func NewDispatcher(log logs.Log, store Store, pub Publisher, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		log:      log,
		store:    store,
		pub:      pub,
		interval: interval,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Infof("Outbox dispatcher stopped")
			return
		case <-ticker.C:
			for {
				n, err := d.Dispatch(ctx)
				if err != nil || n < batchSize {
					break
				}
			}
		}
	}
}

// Dispatch publishes one batch of pending violations in order. It stops at the
// first failed publish so that a later violation never overtakes an earlier one.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	entries, err := d.store.GetPendingOutbox(ctx, batchSize)
	if err != nil {
		d.log.Errorf("Outbox: error fetching pending violations: %v", err)
		return 0, err
	}

	sent := 0
	for _, e := range entries {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := d.pub.Forward(pubCtx, e.Record)
		cancel()
		if err != nil {
			d.log.Warnf("Outbox: failed to publish violation %d (run %s, track %d): %v", e.ID, e.Record.RunID, e.Record.TrackID, err)
			return sent, err
		}

		// A failure here means the entry is published again later
		if err := d.store.MarkOutboxProcessed(ctx, e.ID); err != nil {
			d.log.Errorf("Outbox: failed to mark violation %d as published: %v", e.ID, err)
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		d.log.Debugf("Outbox: published %d violations", sent)
	}
	return sent, nil
}
