package watchdog

import (
	"context"
	"time"

	"github.com/cyclopcam/logs"
)

const watchInterval = 2 * time.Second

// Target is the run being watched
type Target interface {
	// Activity returns the active run and the time of its last progress
	// (the last processed frame, or the start of the run). ok is false when
	// nothing is running.
	Activity() (runID string, last time.Time, ok bool)
	SetStalled(stalled bool)
}

type Watchdog struct {
	log        logs.Log
	target     Target
	stallAfter time.Duration
	interval   time.Duration
	now        func() time.Time

	stalled string // run id currently flagged
}

func New(log logs.Log, target Target, stallAfter time.Duration) *Watchdog {
	interval := watchInterval
	if stallAfter/2 < interval {
		interval = stallAfter / 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Watchdog{
		log:        log,
		target:     target,
		stallAfter: stallAfter,
		interval:   interval,
		now:        time.Now,
	}
}

func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Infof("Watchdog stopped")
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watchdog) check() {
	runID, last, ok := w.target.Activity()
	if !ok {
		w.stalled = ""
		return
	}

	idle := w.now().Sub(last)
	if idle > w.stallAfter {
		if w.stalled != runID {
			w.log.Warnf("Found stuck run %s, no frame for %v", runID, idle.Round(time.Millisecond))
			w.stalled = runID
			w.target.SetStalled(true)
		}
		return
	}
	if w.stalled == runID {
		w.log.Infof("Run %s resumed", runID)
		w.stalled = ""
		w.target.SetStalled(false)
	}
}
