// Package tracker keeps per-track dwell timers and decides when a track has
// stayed inside one zone long enough to be a violation.
//
// A Store belongs to exactly one engine and is not safe for concurrent use.
package tracker

import (
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/samber/lo"
)

// State is the outcome of one observation of a track
type State int

const (
	// Ignored: class is not monitored, the store was not touched
	Ignored State = iota
	// Outside: the track is in no zone, any timer was cleared
	Outside
	// Entering: a timer was (re)started in the zone
	Entering
	// Dwelling: same zone as last time, below threshold or already reported
	Dwelling
	// Violating: the threshold was crossed on this observation
	Violating
)

func (s State) String() string {
	switch s {
	case Ignored:
		return "ignored"
	case Outside:
		return "outside"
	case Entering:
		return "entering"
	case Dwelling:
		return "dwelling"
	case Violating:
		return "violating"
	}
	return "unknown"
}

// Timer is the dwell state of one track. EnteredAt is set iff ZoneName is set.
type Timer struct {
	ZoneName        string
	EnteredAt       time.Time
	ViolationLogged bool
	LastSeen        time.Time
}

// Violation is raised once per continuous dwell episode
type Violation struct {
	TrackID   int64
	ZoneName  string
	EnteredAt time.Time
	Dwell     time.Duration
}

// Evicted describes a timer dropped because its track went unseen
type Evicted struct {
	TrackID  int64
	ZoneName string
	// Violating is true when the evicted track had an active violation
	Violating bool
}

type Store struct {
	threshold time.Duration
	grace     time.Duration
	monitored map[string]struct{}
	timers    map[int64]*Timer
}

// NewStore creates an empty store. A track that goes undetected for longer
// than grace is evicted by Evict.
func NewStore(threshold, grace time.Duration, monitored []string) *Store {
	return &Store{
		threshold: threshold,
		grace:     grace,
		monitored: lo.SliceToMap(monitored, func(c string) (string, struct{}) { return c, struct{}{} }),
		timers:    map[int64]*Timer{},
	}
}

func (s *Store) Monitored(class string) bool {
	_, ok := s.monitored[class]
	return ok
}

// Observe applies one detection seen at time now. zone is the zone containing
// the detection's centroid, or "" when it is in no zone.
// A non-nil Violation is returned exactly when the state is Violating.
func (s *Store) Observe(det models.Detection, zone string, now time.Time) (State, *Violation) {
	if !s.Monitored(det.ClassLabel) {
		return Ignored, nil
	}

	t, ok := s.timers[det.TrackID]
	if zone == "" {
		if ok {
			delete(s.timers, det.TrackID)
		}
		return Outside, nil
	}

	entered := false
	if !ok || t.ZoneName != zone {
		t = &Timer{ZoneName: zone, EnteredAt: now}
		s.timers[det.TrackID] = t
		entered = true
	}

	t.LastSeen = now
	elapsed := now.Sub(t.EnteredAt)
	if elapsed >= s.threshold && !t.ViolationLogged {
		t.ViolationLogged = true
		return Violating, &Violation{
			TrackID:   det.TrackID,
			ZoneName:  zone,
			EnteredAt: t.EnteredAt,
			Dwell:     elapsed,
		}
	}
	if entered {
		return Entering, nil
	}
	return Dwelling, nil
}

// Evict removes timers whose track has not been seen for longer than the grace window
func (s *Store) Evict(now time.Time) []Evicted {
	var out []Evicted
	for id, t := range s.timers {
		if now.Sub(t.LastSeen) > s.grace {
			out = append(out, Evicted{TrackID: id, ZoneName: t.ZoneName, Violating: t.ViolationLogged})
			delete(s.timers, id)
		}
	}
	return out
}

// Get returns a copy of the timer for a track
func (s *Store) Get(trackID int64) (Timer, bool) {
	t, ok := s.timers[trackID]
	if !ok {
		return Timer{}, false
	}
	return *t, true
}

func (s *Store) Len() int {
	return len(s.timers)
}
