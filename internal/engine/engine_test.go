package engine

import (
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/framesource"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/Capitan-Parrot/parking-violation-system/internal/sink"
	"github.com/Capitan-Parrot/parking-violation-system/internal/zones"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const zoneDoc = `{
	"source_image_width": 100,
	"source_image_height": 100,
	"zones": {
		"A": [[0, 0], [50, 0], [50, 50], [0, 50]],
		"B": [[40, 40], [100, 40], [100, 100], [40, 100]]
	}
}`

// scriptedSource plays a fixed list of read results, then reports end of stream
type scriptedSource struct {
	reads []func() (framesource.Frame, error)
}

func (s *scriptedSource) Read(ctx context.Context) (framesource.Frame, error) {
	if err := ctx.Err(); err != nil {
		return framesource.Frame{}, err
	}
	if len(s.reads) == 0 {
		return framesource.Frame{}, framesource.ErrEndOfStream
	}
	next := s.reads[0]
	s.reads = s.reads[1:]
	return next()
}

// frames builds n frames at fps with size w x h
func frames(n, fps, w, h int) *scriptedSource {
	src := &scriptedSource{}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for k := 0; k < n; k++ {
		f := framesource.Frame{
			Seq:        uint64(k + 1),
			CapturedAt: t0.Add(time.Duration(k) * time.Second / time.Duration(fps)),
			Image:      img,
		}
		src.reads = append(src.reads, func() (framesource.Frame, error) { return f, nil })
	}
	return src
}

type decoderFunc func() (image.Image, error)

func (f decoderFunc) Next() (image.Image, error) { return f() }
func (f decoderFunc) Close() error               { return nil }

type detectFunc func(ctx context.Context, frame framesource.Frame) ([]models.Detection, error)

func (f detectFunc) Detect(ctx context.Context, frame framesource.Frame) ([]models.Detection, error) {
	return f(ctx, frame)
}

// at places a detection with its centroid at (x, y)
func at(id int64, class string, x, y float64) models.Detection {
	return models.Detection{
		TrackID:    id,
		ClassLabel: class,
		Confidence: 0.8,
		Box:        models.Rect{X1: x - 5, Y1: y - 5, X2: x + 5, Y2: y + 5},
	}
}

func always(dets ...models.Detection) detectFunc {
	return func(ctx context.Context, frame framesource.Frame) ([]models.Detection, error) {
		return dets, nil
	}
}

type memSink struct {
	mu      sync.Mutex
	records []models.ViolationRecord
	images  []image.Image
	err     error
}

func (s *memSink) Record(ctx context.Context, rec models.ViolationRecord, img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	s.images = append(s.images, img)
	return nil
}

func newEngine(t *testing.T, src FrameReader, det Detector, sk Sink, threshold time.Duration) *Engine {
	t.Helper()
	idx, err := zones.Parse([]byte(zoneDoc))
	require.NoError(t, err)
	return New(logs.NewTestingLog(t), idx, src, det, sk, Options{
		RunID:            "r1",
		Threshold:        threshold,
		Grace:            time.Second,
		MonitoredClasses: []string{"motorcycle"},
		DetectTimeout:    time.Second,
		Preview:          true,
	})
}

func TestSingleViolationScenario(t *testing.T) {
	sk := &memSink{}
	e := newEngine(t, frames(60, 10, 100, 100), always(at(1, "motorcycle", 20, 20)), sk, 5*time.Second)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.EndOfStream)
	require.Equal(t, uint64(60), summary.Frames)
	require.Equal(t, 1, summary.Violations)

	require.Len(t, sk.records, 1)
	rec := sk.records[0]
	require.Equal(t, "A", rec.ZoneName)
	require.Equal(t, int64(1), rec.TrackID)
	require.Equal(t, "r1", rec.RunID)
	require.Equal(t, "motorcycle", rec.ClassLabel)
	require.Equal(t, uint64(51), rec.FrameSeq)
	require.Equal(t, t0.Add(5*time.Second), rec.Timestamp)
	require.Equal(t, [4]int{15, 15, 25, 25}, rec.BoundingBox)

	// snapshot and preview are drawn
	require.NotNil(t, sk.images[0])
	require.NotNil(t, e.Preview())
	seq, when := e.LastFrame()
	require.Equal(t, uint64(60), seq)
	require.True(t, when.Equal(t0.Add(5900*time.Millisecond)))
}

func TestOverlapUsesFirstZone(t *testing.T) {
	sk := &memSink{}
	// (45, 45) is inside both A and B
	e := newEngine(t, frames(30, 10, 100, 100), always(at(1, "motorcycle", 45, 45)), sk, time.Second)
	_, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sk.records, 1)
	require.Equal(t, "A", sk.records[0].ZoneName)
}

func TestUnmonitoredAndUntrackedIgnored(t *testing.T) {
	sk := &memSink{}
	det := always(at(1, "car", 20, 20), at(-1, "motorcycle", 20, 20))
	e := newEngine(t, frames(50, 10, 100, 100), det, sk, time.Second)
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Violations)
	require.Empty(t, sk.records)
	require.Zero(t, e.tracks.Len())
}

func TestDetectionFailureSkipsFrame(t *testing.T) {
	sk := &memSink{}
	det := detectFunc(func(ctx context.Context, frame framesource.Frame) ([]models.Detection, error) {
		if frame.Seq%2 == 0 {
			return nil, errors.New("model timeout")
		}
		return []models.Detection{at(1, "motorcycle", 20, 20)}, nil
	})
	e := newEngine(t, frames(40, 10, 100, 100), det, sk, 2*time.Second)
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(20), summary.Skipped)
	require.Len(t, sk.records, 1)
	// the first odd frame at or after 2s
	require.Equal(t, uint64(21), sk.records[0].FrameSeq)
}

func TestDetectorIsBounded(t *testing.T) {
	var deadline time.Time
	det := detectFunc(func(ctx context.Context, frame framesource.Frame) ([]models.Detection, error) {
		deadline, _ = ctx.Deadline()
		return nil, nil
	})
	e := newEngine(t, frames(1, 10, 100, 100), det, &memSink{}, time.Second)
	_, err := e.Run(context.Background())
	require.NoError(t, err)
	require.False(t, deadline.IsZero())
}

func TestStallIsNotFatal(t *testing.T) {
	src := frames(20, 10, 100, 100)
	stall := func() (framesource.Frame, error) { return framesource.Frame{}, framesource.ErrStall }
	src.reads = append([]func() (framesource.Frame, error){stall, stall}, src.reads...)

	sk := &memSink{}
	e := newEngine(t, src, always(at(1, "motorcycle", 20, 20)), sk, time.Second)
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(20), summary.Frames)
	require.Len(t, sk.records, 1)
	require.Equal(t, uint64(2), e.metrics.Stalls.Load())
}

func TestZonesScaledToFrame(t *testing.T) {
	sk := &memSink{}
	// frames are twice the zone document size, so A covers 0..100 in frame pixels
	e := newEngine(t, frames(20, 10, 200, 200), always(at(1, "motorcycle", 80, 20)), sk, time.Second)
	_, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sk.records, 1)
	require.Equal(t, "A", sk.records[0].ZoneName)
}

func TestSinkFailureDoesNotStopRun(t *testing.T) {
	sk := &memSink{err: sink.ErrPersistence}
	e := newEngine(t, frames(30, 10, 100, 100), always(at(1, "motorcycle", 20, 20), at(2, "motorcycle", 20, 20)), sk, time.Second)
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(30), summary.Frames)
	require.Zero(t, summary.Violations)
}

func TestCancelStopsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newEngine(t, frames(10, 10, 100, 100), always(), &memSink{}, time.Second)
	summary, err := e.Run(ctx)
	require.NoError(t, err)
	require.False(t, summary.EndOfStream)
	require.Zero(t, summary.Frames)
}

func TestReadErrorIsFatal(t *testing.T) {
	src := &scriptedSource{reads: []func() (framesource.Frame, error){
		func() (framesource.Frame, error) { return framesource.Frame{}, errors.New("bad handle") },
	}}
	e := newEngine(t, src, always(), &memSink{}, time.Second)
	_, err := e.Run(context.Background())
	require.Error(t, err)
}

// End of stream right after a violation: the run ends without error and the
// violation is on disk by the time Run returns.
func TestEndOfStreamKeepsPendingViolation(t *testing.T) {
	dir := t.TempDir()
	sk := sink.New(logs.NewTestingLog(t), sink.Options{Dir: dir})
	// 11 frames at 10fps: the violation fires on the very last frame
	e := newEngine(t, frames(11, 10, 100, 100), always(at(9, "motorcycle", 20, 20)), sk, time.Second)

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.EndOfStream)
	require.Equal(t, 1, summary.Violations)
	sk.Close()

	recs, err := sink.ReadRecords(dir, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(9), recs[0].TrackID)
	require.Equal(t, uint64(11), recs[0].FrameSeq)
	require.FileExists(t, filepath.Join(dir, "snapshots", sink.SnapshotName(recs[0])))
}

// Real source feeding the engine: the stream ends mid-run and the loop exits.
func TestEndOfStreamFromSource(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	n := 0
	src := framesource.New(logs.NewTestingLog(t), "test", func() (framesource.Decoder, error) {
		return decoderFunc(func() (image.Image, error) {
			n++
			if n > 5 {
				return nil, io.EOF
			}
			return img, nil
		}), nil
	}, framesource.Options{ReadTimeout: time.Second})
	require.NoError(t, src.Start())
	defer src.Stop()

	e := newEngine(t, src, always(), &memSink{}, time.Second)
	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.EndOfStream)
	require.LessOrEqual(t, summary.Frames, uint64(5))
}
