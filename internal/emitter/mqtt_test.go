package emitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/cyclopcam/logs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Wait() bool                       { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	sent  []published
	err   error
	never bool
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.sent = append(p.sent, published{topic: topic, payload: payload.([]byte)})
	tok := &fakeToken{done: make(chan struct{}), err: p.err}
	if !p.never {
		close(tok.done)
	}
	return tok
}

func newTestEmitter(t *testing.T, pub *fakePublisher) *MQTT {
	e := &MQTT{log: logs.NewTestingLog(t), topic: "parking/violations", client: pub}
	e.connected.Store(true)
	return e
}

func TestForwardPublishesPerZone(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEmitter(t, pub)
	require.Equal(t, "mqtt", e.Name())

	rec := models.ViolationRecord{RunID: "r1", TrackID: 12, ZoneName: "zone_2"}
	require.NoError(t, e.Forward(context.Background(), rec))
	require.Len(t, pub.sent, 1)
	require.Equal(t, "parking/violations/zone_2", pub.sent[0].topic)

	var got models.ViolationRecord
	require.NoError(t, json.Unmarshal(pub.sent[0].payload, &got))
	require.Equal(t, int64(12), got.TrackID)
}

func TestForwardFailures(t *testing.T) {
	e := newTestEmitter(t, &fakePublisher{err: errors.New("not authorized")})
	require.ErrorContains(t, e.Forward(context.Background(), models.ViolationRecord{}), "not authorized")

	e = newTestEmitter(t, &fakePublisher{never: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Forward(ctx, models.ViolationRecord{}), context.DeadlineExceeded)

	e = newTestEmitter(t, &fakePublisher{})
	e.connected.Store(false)
	require.Error(t, e.Forward(context.Background(), models.ViolationRecord{}))
}
