// Package engine runs the per-frame violation loop of one detection run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/framesource"
	"github.com/Capitan-Parrot/parking-violation-system/internal/metrics"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/Capitan-Parrot/parking-violation-system/internal/tracker"
	"github.com/Capitan-Parrot/parking-violation-system/internal/zones"
	"github.com/cyclopcam/logs"
)

// ErrDetection marks a frame the detection collaborator could not process
var ErrDetection = errors.New("detection failed")

// FrameReader is the consumer side of a framesource.Source
type FrameReader interface {
	Read(ctx context.Context) (framesource.Frame, error)
}

type Detector interface {
	Detect(ctx context.Context, frame framesource.Frame) ([]models.Detection, error)
}

// Sink durably records a violation together with its snapshot image
type Sink interface {
	Record(ctx context.Context, rec models.ViolationRecord, img image.Image) error
}

type Options struct {
	RunID            string
	Threshold        time.Duration
	Grace            time.Duration
	MonitoredClasses []string
	// DetectTimeout bounds a single Detect call. Zero means no bound.
	DetectTimeout time.Duration
	// Preview enables drawing the annotated preview frame
	Preview bool
	Metrics *metrics.Metrics
}

// Summary describes a finished run
type Summary struct {
	Frames      uint64
	Skipped     uint64
	Violations  int
	Duration    time.Duration
	EndOfStream bool
}

func (s Summary) FPS() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Duration.Seconds()
}

type Engine struct {
	log      logs.Log
	opt      Options
	source   FrameReader
	detector Detector
	sink     Sink
	metrics  *metrics.Metrics

	zones  *zones.Index // scaled to the frame size on the first frame
	base   *zones.Index
	tracks *tracker.Store

	frames     atomic.Uint64
	skipped    atomic.Uint64
	violations atomic.Int64
	lastSeq    atomic.Uint64
	lastFrame  atomic.Int64 // unix nano of the last processed frame

	previewLock sync.Mutex
	preview     image.Image
}

func New(log logs.Log, idx *zones.Index, source FrameReader, detector Detector, sink Sink, opt Options) *Engine {
	if opt.Metrics == nil {
		opt.Metrics = metrics.New()
	}
	return &Engine{
		log:      log,
		opt:      opt,
		source:   source,
		detector: detector,
		sink:     sink,
		metrics:  opt.Metrics,
		base:     idx,
		zones:    idx,
		tracks:   tracker.NewStore(opt.Threshold, opt.Grace, opt.MonitoredClasses),
	}
}

// Run processes frames until the stream ends or ctx is cancelled.
// End of stream and cancellation are clean exits; an error is returned only
// for conditions that make the run impossible to continue.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	e.log.Infof("Engine %s: started (threshold %v, classes %v)", e.opt.RunID, e.opt.Threshold, e.opt.MonitoredClasses)

	summary := func(eos bool) Summary {
		s := Summary{
			Frames:      e.frames.Load(),
			Skipped:     e.skipped.Load(),
			Violations:  int(e.violations.Load()),
			Duration:    time.Since(started),
			EndOfStream: eos,
		}
		e.log.Infof("Engine %s: session summary: %d frames in %v (%.1f fps), %d skipped, %d violations",
			e.opt.RunID, s.Frames, s.Duration.Round(time.Millisecond), s.FPS(), s.Skipped, s.Violations)
		return s
	}

	for {
		if ctx.Err() != nil {
			e.log.Infof("Engine %s: received stop", e.opt.RunID)
			return summary(false), nil
		}

		frame, err := e.source.Read(ctx)
		switch {
		case err == nil:
		case errors.Is(err, framesource.ErrEndOfStream):
			e.log.Infof("Engine %s: %v", e.opt.RunID, err)
			return summary(true), nil
		case errors.Is(err, framesource.ErrStall):
			e.metrics.Stalls.Add(1)
			e.log.Warnf("Engine %s: source stalled after frame %d", e.opt.RunID, e.lastSeq.Load())
			continue
		case ctx.Err() != nil:
			continue
		default:
			return summary(false), fmt.Errorf("read frame: %w", err)
		}

		e.processFrame(ctx, frame)
	}
}

func (e *Engine) processFrame(ctx context.Context, frame framesource.Frame) {
	if e.frames.Load() == 0 {
		b := frame.Image.Bounds()
		e.zones = e.base.Scale(b.Dx(), b.Dy())
		if e.zones != e.base {
			w, h := e.base.SourceSize()
			e.log.Infof("Engine %s: zones scaled from %dx%d to %dx%d", e.opt.RunID, w, h, b.Dx(), b.Dy())
		}
	}
	e.frames.Add(1)
	e.lastSeq.Store(frame.Seq)
	e.lastFrame.Store(frame.CapturedAt.UnixNano())

	detections, err := e.detect(ctx, frame)
	if err != nil {
		e.skipped.Add(1)
		e.metrics.FramesSkipped.Add(1)
		e.log.Warnf("Engine %s: frame %d skipped: %v", e.opt.RunID, frame.Seq, err)
		return
	}
	e.metrics.FramesProcessed.Add(1)

	now := frame.CapturedAt
	violating := map[int64]bool{}
	for _, det := range detections {
		if det.TrackID < 0 || !e.tracks.Monitored(det.ClassLabel) {
			continue
		}
		zone, _ := e.zones.ZoneFor(det.Centroid())
		state, v := e.tracks.Observe(det, zone, now)
		if state == tracker.Violating {
			e.raise(ctx, frame, det, v)
		}
		if timer, ok := e.tracks.Get(det.TrackID); ok && timer.ViolationLogged {
			violating[det.TrackID] = true
		}
	}

	for _, ev := range e.tracks.Evict(now) {
		if ev.Violating {
			e.log.Infof("Engine %s: violation cleared for track %d in %s", e.opt.RunID, ev.TrackID, ev.ZoneName)
		}
	}
	e.metrics.ActiveTracks.Store(int64(e.tracks.Len()))

	if e.opt.Preview {
		e.drawPreview(frame, detections, violating)
	}
}

func (e *Engine) detect(ctx context.Context, frame framesource.Frame) ([]models.Detection, error) {
	if e.opt.DetectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opt.DetectTimeout)
		defer cancel()
	}
	detections, err := e.detector.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}
	return detections, nil
}

// raise builds the record for a new violation and hands it to the sink. The
// sink gets a context that survives run cancellation so a stop never loses
// a violation that was already confirmed.
func (e *Engine) raise(ctx context.Context, frame framesource.Frame, det models.Detection, v *tracker.Violation) {
	rec := models.ViolationRecord{
		RunID:       e.opt.RunID,
		TrackID:     v.TrackID,
		ZoneName:    v.ZoneName,
		ClassLabel:  det.ClassLabel,
		Confidence:  det.Confidence,
		BoundingBox: roundBox(det.Box),
		FrameSeq:    frame.Seq,
		Timestamp:   frame.CapturedAt,
	}
	e.log.Infof("Engine %s: violation: track %d (%s) in %s for %v at frame %d",
		e.opt.RunID, v.TrackID, det.ClassLabel, v.ZoneName, v.Dwell.Round(time.Millisecond), frame.Seq)

	snapshot := e.annotateSnapshot(frame.Image, det, v.ZoneName)
	if err := e.sink.Record(context.WithoutCancel(ctx), rec, snapshot); err != nil {
		e.log.Errorf("Engine %s: track %d frame %d: %v", e.opt.RunID, v.TrackID, frame.Seq, err)
		return
	}
	e.violations.Add(1)
	e.metrics.Violations.Add(1)
}

func roundBox(r models.Rect) [4]int {
	return [4]int{
		int(math.Round(r.X1)),
		int(math.Round(r.Y1)),
		int(math.Round(r.X2)),
		int(math.Round(r.Y2)),
	}
}

// LastFrame returns the sequence number and capture time of the last frame
// the loop picked up. The time is zero before the first frame.
func (e *Engine) LastFrame() (uint64, time.Time) {
	ns := e.lastFrame.Load()
	if ns == 0 {
		return 0, time.Time{}
	}
	return e.lastSeq.Load(), time.Unix(0, ns)
}

func (e *Engine) Violations() int {
	return int(e.violations.Load())
}

// Preview returns the latest annotated frame, or nil
func (e *Engine) Preview() image.Image {
	e.previewLock.Lock()
	defer e.previewLock.Unlock()
	return e.preview
}
