package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/database"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	entries   []database.OutboxEntry
	processed map[int64]bool
	fetchErr  error
}

func (m *memStore) GetPendingOutbox(ctx context.Context, limit int) ([]database.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []database.OutboxEntry
	for _, e := range m.entries {
		if !m.processed[e.ID] && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) MarkOutboxProcessed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] = true
	return nil
}

func (m *memStore) done() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

type flakyPublisher struct {
	sent   []int64
	failOn int64
}

func (p *flakyPublisher) Forward(ctx context.Context, rec models.ViolationRecord) error {
	if rec.TrackID == p.failOn {
		return errors.New("kafka: client has run out of available brokers")
	}
	p.sent = append(p.sent, rec.TrackID)
	return nil
}

func newStore(n int) *memStore {
	s := &memStore{processed: map[int64]bool{}}
	for i := 1; i <= n; i++ {
		s.entries = append(s.entries, database.OutboxEntry{
			ID:     int64(i),
			Record: models.ViolationRecord{RunID: "r1", TrackID: int64(i)},
		})
	}
	return s
}

func TestDispatchPublishesInOrder(t *testing.T) {
	store := newStore(3)
	pub := &flakyPublisher{}
	d := NewDispatcher(logs.NewTestingLog(t), store, pub, time.Second)

	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int64{1, 2, 3}, pub.sent)

	// nothing left
	n, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDispatchStopsAtFailure(t *testing.T) {
	store := newStore(4)
	pub := &flakyPublisher{failOn: 2}
	d := NewDispatcher(logs.NewTestingLog(t), store, pub, time.Second)

	n, err := d.Dispatch(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int64{1}, pub.sent)
	require.False(t, store.processed[2])
	require.False(t, store.processed[3])

	// the broker is back
	pub.failOn = 0
	n, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int64{1, 2, 3, 4}, pub.sent)
}

func TestDispatchFetchError(t *testing.T) {
	store := newStore(1)
	store.fetchErr = errors.New("connection reset")
	d := NewDispatcher(logs.NewTestingLog(t), store, &flakyPublisher{}, time.Second)
	_, err := d.Dispatch(context.Background())
	require.Error(t, err)
}

func TestStartDrainsLargeBacklog(t *testing.T) {
	store := newStore(batchSize*2 + 3)
	pub := &flakyPublisher{}
	d := NewDispatcher(logs.NewTestingLog(t), store, pub, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return store.done() == batchSize*2+3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.Len(t, pub.sent, batchSize*2+3)
}
