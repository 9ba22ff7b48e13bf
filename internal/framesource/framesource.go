// Package framesource decodes a video stream on its own goroutine and hands the
// freshest frame to a single consumer.
//
// The hand-off is a single-slot mailbox: the decode goroutine overwrites the
// slot on every frame and the consumer takes whatever is there. A consumer that
// falls behind never sees a backlog, only the latest frame; overwritten frames
// are counted as drops.
package framesource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
)

var (
	ErrSourceUnavailable = errors.New("video source unavailable")
	ErrEndOfStream       = errors.New("end of stream")
	// ErrStall is returned by Read when no frame arrived within the read timeout
	ErrStall = errors.New("no frame within read timeout")
)

// Frame is one decoded image. The image must not be modified after it is published.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Image      image.Image
}

// Decoder is the decoding handle owned by a Source.
// Next blocks until a frame is decoded and returns io.EOF at the end of the stream.
type Decoder interface {
	Next() (image.Image, error)
	Close() error
}

// Pacer is implemented by decoders of recorded media that should be played back
// at their native rate rather than as fast as they decode.
type Pacer interface {
	FrameInterval() time.Duration
}

type OpenFunc func() (Decoder, error)

type Options struct {
	// ReadTimeout bounds how long Read waits for a new frame. Zero waits forever.
	ReadTimeout time.Duration
	// StopTimeout bounds how long Stop waits for the decode goroutine to exit.
	StopTimeout time.Duration
	// Clock is used for capture timestamps (time.Now when nil)
	Clock func() time.Time
}

type Source struct {
	log  logs.Log
	name string
	open OpenFunc
	opt  Options

	mu     sync.Mutex
	frame  *Frame // nil = consumed
	seq    uint64
	eos    error
	notify chan struct{}

	dropped  atomic.Uint64
	decoded  atomic.Uint64
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(log logs.Log, name string, open OpenFunc, opt Options) *Source {
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	if opt.StopTimeout == 0 {
		opt.StopTimeout = 5 * time.Second
	}
	return &Source{
		log:    log,
		name:   name,
		open:   open,
		opt:    opt,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start opens the decoder and starts the decode goroutine.
func (s *Source) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("source %s already started", s.name)
	}
	dec, err := s.open()
	if err != nil {
		close(s.done)
		return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.name, err)
	}
	s.log.Infof("Source %s: opened", s.name)
	go s.run(dec)
	return nil
}

func (s *Source) run(dec Decoder) {
	defer close(s.done)
	defer func() {
		if err := dec.Close(); err != nil {
			s.log.Warnf("Source %s: close decoder: %v", s.name, err)
		}
		s.log.Infof("Source %s: decode loop stopped after %d frames (%d dropped)", s.name, s.decoded.Load(), s.dropped.Load())
	}()

	var interval time.Duration
	if p, ok := dec.(Pacer); ok {
		interval = p.FrameInterval()
	}

	for {
		select {
		case <-s.stop:
			s.finish(ErrEndOfStream)
			return
		default:
		}

		started := time.Now()
		img, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Infof("Source %s: end of stream", s.name)
				s.finish(ErrEndOfStream)
			} else {
				s.log.Warnf("Source %s: stream dropped: %v", s.name, err)
				s.finish(fmt.Errorf("%w: %v", ErrEndOfStream, err))
			}
			return
		}
		s.publish(img)

		if interval > 0 {
			if wait := interval - time.Since(started); wait > 0 {
				select {
				case <-s.stop:
				case <-time.After(wait):
				}
			}
		}
	}
}

// publish overwrites the slot with a new frame and wakes the reader
func (s *Source) publish(img image.Image) {
	s.mu.Lock()
	s.seq++
	if s.frame != nil {
		s.dropped.Add(1)
	}
	s.frame = &Frame{Seq: s.seq, CapturedAt: s.opt.Clock(), Image: img}
	s.mu.Unlock()
	s.decoded.Add(1)
	s.wake()
}

func (s *Source) finish(err error) {
	s.mu.Lock()
	if s.eos == nil {
		s.eos = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Source) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Read returns the latest frame that has not been read yet. It waits for a new
// frame for at most ReadTimeout (ErrStall), and returns ErrEndOfStream once the
// stream has ended and the last frame has been consumed.
func (s *Source) Read(ctx context.Context) (Frame, error) {
	var timeout <-chan time.Time
	if s.opt.ReadTimeout > 0 {
		t := time.NewTimer(s.opt.ReadTimeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		s.mu.Lock()
		if f := s.frame; f != nil {
			s.frame = nil
			s.mu.Unlock()
			return *f, nil
		}
		eos := s.eos
		s.mu.Unlock()
		if eos != nil {
			return Frame{}, eos
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-timeout:
			return Frame{}, ErrStall
		}
	}
}

// Stop ends decoding and releases the decoder. A decoder stuck inside Next is
// given StopTimeout to return before Stop gives up waiting on it.
func (s *Source) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if !s.started.Load() {
		return
	}
	select {
	case <-s.done:
	case <-time.After(s.opt.StopTimeout):
		s.log.Warnf("Source %s: decoder did not stop within %v", s.name, s.opt.StopTimeout)
	}
}

// Dropped is the number of frames overwritten before the consumer read them
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Source) Decoded() uint64 {
	return s.decoded.Load()
}
