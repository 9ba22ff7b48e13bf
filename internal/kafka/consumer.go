package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/cyclopcam/logs"
)

// Consumer wraps a sarama ConsumerGroup reading run commands
type Consumer struct {
	log      logs.Log
	group    sarama.ConsumerGroup
	topic    string
	messages chan Message
	closed   chan struct{}
}

// Message is one consumed record. Ack commits it; a message that is never
// acked is redelivered after a rebalance or restart.
type Message struct {
	Value []byte
	ack   func()
}

func NewMessage(value []byte, ack func()) Message {
	return Message{Value: value, ack: ack}
}

func (m Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

func NewConsumer(log logs.Log, brokers []string, groupID, topic string) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		log:      log,
		group:    group,
		topic:    topic,
		messages: make(chan Message),
		closed:   make(chan struct{}),
	}, nil
}

// StartListening consumes in the background until ctx is cancelled
func (c *Consumer) StartListening(ctx context.Context) {
	handler := &consumerGroupHandler{
		messages: c.messages,
		closed:   c.closed,
	}

	go func() {
		defer close(c.messages)

		retryDelay := time.Second * 5
		for {
			select {
			case <-ctx.Done():
				c.log.Infof("Consumer: context cancelled, stopping")
				return
			default:
				c.log.Infof("Consumer: starting consumption cycle on %s", c.topic)
				err := c.group.Consume(ctx, []string{c.topic}, handler)
				if err != nil {
					c.log.Warnf("Consumer: consume error: %v, retrying in %v", err, retryDelay)
					select {
					case <-ctx.Done():
						return
					case <-time.After(retryDelay):
					}
					continue
				}

				if ctx.Err() != nil {
					return
				}
			}
		}
	}()
}

func (c *Consumer) Close() error {
	close(c.closed)
	return c.group.Close()
}

func (c *Consumer) Messages() <-chan Message {
	return c.messages
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	messages chan<- Message
	closed   <-chan struct{}
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.messages <- NewMessage(msg.Value, func() { sess.MarkMessage(msg, "") }):
			case <-sess.Context().Done():
				return nil
			case <-h.closed:
				return nil
			}
		case <-sess.Context().Done():
			return nil
		case <-h.closed:
			return nil
		}
	}
}
