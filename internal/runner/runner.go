package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/engine"
	"github.com/Capitan-Parrot/parking-violation-system/internal/framesource"
	"github.com/Capitan-Parrot/parking-violation-system/internal/kafka"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/Capitan-Parrot/parking-violation-system/internal/zones"
	"github.com/cyclopcam/logs"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	heartbeatInterval = 5 * time.Second
	storeTimeout      = 5 * time.Second
)

var (
	ErrRunActive = errors.New("a run is already active")
	ErrNoSuchRun = errors.New("no such run")
	ErrClosed    = errors.New("runner is shut down")
)

// StatusReporter receives every run status transition
type StatusReporter interface {
	ReportStatus(st models.RunStatus)
}

type HeartbeatSender interface {
	SendHeartbeat(msg models.Heartbeat) error
}

// RunStore persists run rows. GetRun returns nil for an unknown run.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	CreateRun(ctx context.Context, run models.Run) error
	FinishRun(ctx context.Context, runID string, state models.RunState, errMsg string) error
	UpdateRunTimestamp(ctx context.Context, runID string) error
}

// SourceOpener opens the decoder for a video source. ctx lives as long as the run.
type SourceOpener func(ctx context.Context, source string) (framesource.Decoder, error)

type Options struct {
	DefaultSource string
	DefaultZones  string
	ReadTimeout   time.Duration
	// Engine is the template for every run; RunID is filled in per run
	Engine   engine.Options
	Open     SourceOpener
	Detector engine.Detector
	Sink     engine.Sink
	// Optional
	Store             RunStore
	Heartbeats        []HeartbeatSender
	HeartbeatInterval time.Duration
}

type activeRun struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	source  *framesource.Source
	engine  *engine.Engine
}

// Runner owns the single active detection run. Runs are started and stopped
// by the gateway or by commands from Kafka, and always live under the
// runner's own context, never a request's.
type Runner struct {
	log logs.Log
	opt Options

	rootCtx    context.Context
	rootCancel context.CancelFunc

	opLock sync.Mutex // serializes Start and Stop

	mu        sync.Mutex
	status    models.RunStatus
	active    *activeRun
	reporters []StatusReporter
}

func New(log logs.Log, opt Options) *Runner {
	if opt.HeartbeatInterval == 0 {
		opt.HeartbeatInterval = heartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		log:        log,
		opt:        opt,
		rootCtx:    ctx,
		rootCancel: cancel,
		status:     models.RunStatus{State: models.RunStopped, UpdatedAt: time.Now().UTC()},
	}
}

// AddReporter subscribes r to status transitions
func (r *Runner) AddReporter(rep StatusReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reporters = append(r.reporters, rep)
}

func (r *Runner) report(st models.RunStatus) {
	r.mu.Lock()
	reporters := r.reporters
	r.mu.Unlock()
	for _, rep := range reporters {
		rep.ReportStatus(st)
	}
}

// Start begins a run. ctx only bounds the setup; the run itself lasts until
// Stop, Close or the end of the stream.
func (r *Runner) Start(ctx context.Context, cmd models.RunCommand) (models.RunStatus, error) {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	if r.rootCtx.Err() != nil {
		return r.Status(), ErrClosed
	}

	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active != nil {
		return r.Status(), fmt.Errorf("%w: %s", ErrRunActive, active.id)
	}

	runID := cmd.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	source := lo.Ternary(cmd.VideoSource != "", cmd.VideoSource, r.opt.DefaultSource)
	zonesPath := lo.Ternary(cmd.ZonesPath != "", cmd.ZonesPath, r.opt.DefaultZones)

	if r.opt.Store != nil {
		existing, err := r.opt.Store.GetRun(ctx, runID)
		if err != nil {
			r.log.Errorf("Runner %s: database error: %v", runID, err)
		} else if existing != nil && existing.State == models.RunRunning && time.Since(existing.UpdatedAt) < r.opt.HeartbeatInterval*3 {
			// Another detector is still heartbeating this run
			r.log.Warnf("Runner %s: already running elsewhere", runID)
			return r.Status(), fmt.Errorf("%w: %s", ErrRunActive, runID)
		}
	}

	if source == "" {
		return r.fail(runID, source, fmt.Errorf("%w: no video source given", framesource.ErrSourceUnavailable))
	}

	idx, err := zones.Load(zonesPath)
	if err != nil {
		return r.fail(runID, source, err)
	}

	runCtx, cancel := context.WithCancel(r.rootCtx)
	src := framesource.New(r.log, source, func() (framesource.Decoder, error) {
		return r.opt.Open(runCtx, source)
	}, framesource.Options{ReadTimeout: r.opt.ReadTimeout})
	if err := src.Start(); err != nil {
		cancel()
		return r.fail(runID, source, err)
	}

	engOpt := r.opt.Engine
	engOpt.RunID = runID
	a := &activeRun{
		id:      runID,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		source:  src,
		engine:  engine.New(r.log, idx, src, r.opt.Detector, r.opt.Sink, engOpt),
	}

	st := models.RunStatus{
		State:     models.RunRunning,
		RunID:     runID,
		Source:    source,
		StartedAt: a.started.UTC(),
		UpdatedAt: a.started.UTC(),
	}
	r.mu.Lock()
	r.active = a
	r.status = st
	r.mu.Unlock()

	r.storeCall(runID, "create run", func(ctx context.Context) error {
		return r.opt.Store.CreateRun(ctx, models.Run{ID: runID, State: models.RunRunning, VideoSource: source})
	})
	r.log.Infof("Runner %s: started on %s with %d zones", runID, source, len(idx.Zones()))
	r.sendHeartbeat(st)
	r.report(st)

	go r.run(runCtx, a)
	return st, nil
}

// fail records a run that could not start
func (r *Runner) fail(runID, source string, err error) (models.RunStatus, error) {
	r.log.Errorf("Runner %s: cannot start: %v", runID, err)
	st := models.RunStatus{
		State:     models.RunError,
		RunID:     runID,
		Source:    source,
		Error:     err.Error(),
		UpdatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.status = st
	r.mu.Unlock()

	r.storeCall(runID, "record failed run", func(ctx context.Context) error {
		if err := r.opt.Store.CreateRun(ctx, models.Run{ID: runID, State: models.RunError, VideoSource: source}); err != nil {
			return err
		}
		return r.opt.Store.FinishRun(ctx, runID, models.RunError, err.Error())
	})
	r.report(st)
	return st, err
}

func (r *Runner) run(ctx context.Context, a *activeRun) {
	hbDone := make(chan struct{})
	hbExited := make(chan struct{})
	go func() {
		defer close(hbExited)
		r.heartbeat(a, hbDone)
	}()

	summary, err := a.engine.Run(ctx)
	a.source.Stop()
	close(hbDone)
	<-hbExited

	seq, _ := a.engine.LastFrame()
	st := models.RunStatus{
		State:      models.RunStopped,
		RunID:      a.id,
		Frame:      seq,
		Violations: summary.Violations,
		FPS:        summary.FPS(),
		UpdatedAt:  time.Now().UTC(),
	}
	r.mu.Lock()
	st.Source = r.status.Source
	st.StartedAt = r.status.StartedAt
	r.mu.Unlock()

	switch {
	case err != nil:
		st.State = models.RunError
		st.Error = err.Error()
		r.log.Errorf("Runner %s: run failed: %v", a.id, err)
	case summary.EndOfStream:
		r.log.Infof("Runner %s: source ended after %d frames", a.id, summary.Frames)
	default:
		r.log.Infof("Runner %s: stopped after %d frames", a.id, summary.Frames)
	}

	r.mu.Lock()
	r.status = st
	r.active = nil
	r.mu.Unlock()

	r.storeCall(a.id, "finish run", func(ctx context.Context) error {
		return r.opt.Store.FinishRun(ctx, a.id, st.State, st.Error)
	})
	r.sendHeartbeat(st)
	r.report(st)
	close(a.done)
}

func (r *Runner) heartbeat(a *activeRun, done chan struct{}) {
	ticker := time.NewTicker(r.opt.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.storeCall(a.id, "update run timestamp", func(ctx context.Context) error {
				return r.opt.Store.UpdateRunTimestamp(ctx, a.id)
			})
			st := r.Status()
			if st.RunID != a.id {
				return
			}
			r.sendHeartbeat(st)
			r.report(st)
		}
	}
}

func (r *Runner) sendHeartbeat(st models.RunStatus) {
	for _, hb := range r.opt.Heartbeats {
		if err := hb.SendHeartbeat(models.Heartbeat{
			RunID:     st.RunID,
			State:     st.State,
			Frame:     int64(st.Frame),
			Stalled:   st.Stalled,
			TimeStamp: time.Now().UTC(),
		}); err != nil {
			r.log.Warnf("Runner %s: error sending heartbeat: %v", st.RunID, err)
		}
	}
}

// storeCall runs fn against the run store, if there is one. Failures are logged only.
func (r *Runner) storeCall(runID, what string, fn func(ctx context.Context) error) {
	if r.opt.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.log.Errorf("Runner %s: database error (%s): %v", runID, what, err)
	}
}

// Stop cancels the active run and waits until it has finished its in-flight
// record. An empty runID stops whatever is running.
func (r *Runner) Stop(ctx context.Context, runID string) (models.RunStatus, error) {
	r.opLock.Lock()
	defer r.opLock.Unlock()

	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	if a == nil || (runID != "" && runID != a.id) {
		return r.Status(), fmt.Errorf("%w: %s", ErrNoSuchRun, runID)
	}

	r.log.Infof("Runner %s: stop requested", a.id)
	a.cancel()
	select {
	case <-a.done:
	case <-ctx.Done():
		return r.Status(), ctx.Err()
	}
	return r.Status(), nil
}

// Status is the current run status with live counters
func (r *Runner) Status() models.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	if r.active != nil {
		st.Frame, _ = r.active.engine.LastFrame()
		st.Violations = r.active.engine.Violations()
	}
	return st
}

func (r *Runner) Preview() image.Image {
	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.engine.Preview()
}

// Activity reports the active run and its last progress, for the watchdog
func (r *Runner) Activity() (string, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", time.Time{}, false
	}
	last := r.active.started
	if _, at := r.active.engine.LastFrame(); at.After(last) {
		last = at
	}
	return r.active.id, last, true
}

func (r *Runner) SetStalled(stalled bool) {
	r.mu.Lock()
	if r.active == nil || r.status.Stalled == stalled {
		r.mu.Unlock()
		return
	}
	r.status.Stalled = stalled
	r.status.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	st := r.Status()
	r.sendHeartbeat(st)
	r.report(st)
}

// ListenAndRun executes run commands from Kafka until ctx is cancelled.
// A message is acknowledged only after it was handled.
func (r *Runner) ListenAndRun(ctx context.Context, messages <-chan kafka.Message) {
	r.log.Infof("Runner: listening for Kafka commands")
	for {
		select {
		case <-ctx.Done():
			r.log.Infof("Runner: shutting down")
			return
		case msg, more := <-messages:
			if !more {
				return
			}
			var cmd models.RunCommand
			if err := json.Unmarshal(msg.Value, &cmd); err != nil {
				r.log.Errorf("Runner: invalid message format: %v", err)
				continue
			}
			r.log.Infof("Runner: received run command %s %s", cmd.Action, cmd.RunID)

			var err error
			switch cmd.Action {
			case models.CommandStart:
				_, err = r.Start(ctx, cmd)
				if errors.Is(err, ErrRunActive) && cmd.RunID != "" && r.Status().RunID == cmd.RunID {
					// redelivery of the command that started the active run
					err = nil
				}
			case models.CommandStop:
				_, err = r.Stop(ctx, cmd.RunID)
				if errors.Is(err, ErrNoSuchRun) {
					err = nil
				}
			default:
				r.log.Warnf("Runner: unknown command: %s", cmd.Action)
			}

			if err != nil {
				r.log.Errorf("Runner: error processing command: %v", err)
				continue
			}
			msg.Ack()
		}
	}
}

// Close stops the active run and refuses new ones
func (r *Runner) Close() {
	r.opLock.Lock()
	r.rootCancel()
	r.mu.Lock()
	a := r.active
	r.mu.Unlock()
	r.opLock.Unlock()
	if a != nil {
		<-a.done
	}
}
