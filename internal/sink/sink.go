// Package sink persists violations and forwards them to real-time consumers.
//
// Order of work for one violation: snapshot image, structured record, then
// forwarding. A violation whose snapshot or record could not be written is
// never forwarded. Forwarding is asynchronous and bounded by a timeout, and a
// failed forward never undoes the local files.
package sink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/metrics"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/cyclopcam/logs"
	"github.com/fogleman/gg"
	"github.com/goccy/go-json"
)

var (
	ErrPersistence = errors.New("violation not persisted")
	ErrDelivery    = errors.New("violation not delivered")
)

const (
	snapshotsDir = "snapshots"
	logsDir      = "logs"
	jpegQuality  = 90

	defaultStoreTimeout = 5 * time.Second
)

// Forwarder delivers a persisted record to one real-time consumer
type Forwarder interface {
	Name() string
	Forward(ctx context.Context, rec models.ViolationRecord) error
}

// RecordStore is a queryable copy of the records, e.g. Postgres
type RecordStore interface {
	InsertViolation(ctx context.Context, rec models.ViolationRecord) error
}

// SnapshotMirror copies snapshot files to remote storage
type SnapshotMirror interface {
	UploadSnapshot(ctx context.Context, name string, data []byte) error
}

type Options struct {
	// Dir is the local output directory holding snapshots/ and logs/
	Dir string
	// URLPrefix is the web path under which Dir is served. Defaults to "output".
	URLPrefix      string
	ForwardTimeout time.Duration
	// StoreTimeout bounds the synchronous insert into Store. Defaults to 5s.
	StoreTimeout   time.Duration
	Store          RecordStore
	Mirror         SnapshotMirror
	Forwarders     []Forwarder
	Metrics        *metrics.Metrics
}

type Sink struct {
	log logs.Log
	opt Options

	wg sync.WaitGroup
}

func New(log logs.Log, opt Options) *Sink {
	if opt.URLPrefix == "" {
		opt.URLPrefix = "output"
	}
	if opt.ForwardTimeout == 0 {
		opt.ForwardTimeout = time.Second
	}
	if opt.StoreTimeout == 0 {
		opt.StoreTimeout = defaultStoreTimeout
	}
	if opt.Metrics == nil {
		opt.Metrics = metrics.New()
	}
	return &Sink{log: log, opt: opt}
}

// SnapshotName is the file name of a violation snapshot. Unique per run,
// track and millisecond, and stable for the same record.
func SnapshotName(rec models.ViolationRecord) string {
	return fmt.Sprintf("violation_%s_run%s_id%d.jpg", rec.Timestamp.UTC().Format("20060102-150405.000"), rec.RunID, rec.TrackID)
}

// Record writes the snapshot and the record, then forwards the record.
// Forwarding happens in the background; Close waits for it.
func (s *Sink) Record(ctx context.Context, rec models.ViolationRecord, img image.Image) error {
	name := SnapshotName(rec)
	snapshot := filepath.Join(s.opt.Dir, snapshotsDir, name)
	if err := writeSnapshot(snapshot, img); err != nil {
		s.opt.Metrics.PersistFailures.Add(1)
		return fmt.Errorf("%w: snapshot %s: %v", ErrPersistence, name, err)
	}
	rec.SnapshotPath = path.Join(s.opt.URLPrefix, snapshotsDir, name)

	recordFile := filepath.Join(s.opt.Dir, logsDir, name[:len(name)-len(filepath.Ext(name))]+".json")
	if err := writeRecord(recordFile, rec); err != nil {
		s.opt.Metrics.PersistFailures.Add(1)
		os.Remove(snapshot)
		return fmt.Errorf("%w: record %s: %v", ErrPersistence, recordFile, err)
	}
	s.log.Infof("Sink: saved %s", snapshot)

	if s.opt.Store != nil {
		// The files above are the source of truth; the database is a query index.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.StoreTimeout)
		err := s.opt.Store.InsertViolation(storeCtx, rec)
		cancel()
		if err != nil {
			s.log.Errorf("Sink: run %s track %d: insert violation: %v", rec.RunID, rec.TrackID, err)
		}
	}

	if s.opt.Mirror != nil {
		s.background(ctx, "mirror", func(ctx context.Context) error {
			data, err := os.ReadFile(snapshot)
			if err != nil {
				return err
			}
			return s.opt.Mirror.UploadSnapshot(ctx, name, data)
		})
	}
	for _, f := range s.opt.Forwarders {
		f := f
		s.background(ctx, f.Name(), func(ctx context.Context) error {
			return f.Forward(ctx, rec)
		})
	}
	return nil
}

func (s *Sink) background(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.ForwardTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.opt.Metrics.DeliveryFailures.Add(1)
			s.log.Warnf("Sink: %v to %s: %v", ErrDelivery, name, err)
		}
	}()
}

// Close waits for forwards that are still in flight. Each one is bounded by
// ForwardTimeout.
func (s *Sink) Close() {
	s.wg.Wait()
}

func writeSnapshot(filename string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := gg.SaveJPG(tmp, img, jpegQuality); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filename)
}

func writeRecord(filename string, rec models.ViolationRecord) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filename)
}
