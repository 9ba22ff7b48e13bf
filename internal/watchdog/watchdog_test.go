package watchdog

import (
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	runID   string
	last    time.Time
	running bool
	calls   []bool
}

func (f *fakeTarget) Activity() (string, time.Time, bool) {
	return f.runID, f.last, f.running
}

func (f *fakeTarget) SetStalled(stalled bool) {
	f.calls = append(f.calls, stalled)
}

func TestFlagsAndClearsStall(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	target := &fakeTarget{runID: "r1", last: t0, running: true}
	w := New(logs.NewTestingLog(t), target, 10*time.Second)
	w.now = func() time.Time { return now }

	now = t0.Add(5 * time.Second)
	w.check()
	require.Empty(t, target.calls)

	now = t0.Add(11 * time.Second)
	w.check()
	w.check()
	require.Equal(t, []bool{true}, target.calls)

	// a frame arrives
	target.last = now
	w.check()
	require.Equal(t, []bool{true, false}, target.calls)
}

func TestIdleRunnerIsNotFlagged(t *testing.T) {
	target := &fakeTarget{}
	w := New(logs.NewTestingLog(t), target, time.Second)
	w.now = func() time.Time { return time.Now().Add(time.Hour) }
	w.check()
	require.Empty(t, target.calls)
}

func TestNewRunIsFlaggedAgain(t *testing.T) {
	t0 := time.Now()
	target := &fakeTarget{runID: "r1", last: t0, running: true}
	w := New(logs.NewTestingLog(t), target, time.Second)
	w.now = func() time.Time { return t0.Add(5 * time.Second) }
	w.check()

	target.runID = "r2"
	w.check()
	require.Equal(t, []bool{true, true}, target.calls)
	require.Equal(t, 500*time.Millisecond, w.interval)
}
