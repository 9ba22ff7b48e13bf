package kafka

import (
	"context"
	"fmt"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
)

// Producer publishes heartbeats and violations. Both are keyed by run id so
// that one run's messages stay ordered within a partition.
type Producer struct {
	producer       sarama.SyncProducer
	heartbeatTopic string
	violationTopic string
}

func NewProducer(brokers []string, heartbeatTopic, violationTopic string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return newProducer(producer, heartbeatTopic, violationTopic), nil
}

func newProducer(producer sarama.SyncProducer, heartbeatTopic, violationTopic string) *Producer {
	return &Producer{
		producer:       producer,
		heartbeatTopic: heartbeatTopic,
		violationTopic: violationTopic,
	}
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (p *Producer) send(topic, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (p *Producer) SendHeartbeat(msg models.Heartbeat) error {
	return p.send(p.heartbeatTopic, msg.RunID, msg)
}

func (p *Producer) Name() string {
	return "kafka"
}

// Forward publishes a violation record. The sync producer does not take a
// context; the sink's timeout bounds how long the record is waited for.
func (p *Producer) Forward(ctx context.Context, rec models.ViolationRecord) error {
	errc := make(chan error, 1)
	go func() {
		errc <- p.send(p.violationTopic, rec.RunID, rec)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
