package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestSendHeartbeat(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var hb models.Heartbeat
		if err := json.Unmarshal(val, &hb); err != nil {
			return err
		}
		if hb.RunID != "r1" || hb.Frame != 120 || hb.State != models.RunRunning {
			return errors.New("unexpected heartbeat")
		}
		return nil
	})

	p := newProducer(sp, "hb", "violations")
	require.NoError(t, p.SendHeartbeat(models.Heartbeat{RunID: "r1", State: models.RunRunning, Frame: 120, TimeStamp: time.Now()}))
	require.NoError(t, p.Close())
}

func TestForwardViolation(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var rec models.ViolationRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if rec.TrackID != 4 || rec.ZoneName != "zone_1" {
			return errors.New("unexpected record")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(sp, "hb", "violations")
	require.Equal(t, "kafka", p.Name())
	rec := models.ViolationRecord{RunID: "r1", TrackID: 4, ZoneName: "zone_1"}
	require.NoError(t, p.Forward(context.Background(), rec))
	require.ErrorIs(t, p.Forward(context.Background(), rec), sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestMessageAck(t *testing.T) {
	acked := false
	m := NewMessage([]byte("x"), func() { acked = true })
	m.Ack()
	require.True(t, acked)

	// a message without a session is a no-op
	NewMessage(nil, nil).Ack()
}
