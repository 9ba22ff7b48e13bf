// Package emitter publishes violation alerts to an MQTT broker.
package emitter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/cyclopcam/logs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
)

const (
	connectTimeout = 5 * time.Second
	qos            = 1
)

// publisher is the part of mqtt.Client the emitter needs
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each violation to <topic>/<zone>
type MQTT struct {
	log    logs.Log
	topic  string
	client publisher

	connected atomic.Bool
	published atomic.Uint64
}

func NewMQTT(log logs.Log, broker, clientID, topic string) *MQTT {
	e := &MQTT{log: log, topic: topic}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		e.connected.Store(true)
		log.Infof("MQTT: connected to %s", broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.connected.Store(false)
		log.Warnf("MQTT: connection to %s lost, reconnecting: %v", broker, err)
	}
	e.client = mqtt.NewClient(opts)
	return e
}

// Connect waits for the first connection. With connect-retry enabled the
// client keeps trying in the background after a timeout.
func (e *MQTT) Connect() error {
	c, ok := e.client.(mqtt.Client)
	if !ok {
		return nil
	}
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.connected.Store(true)
	return nil
}

func (e *MQTT) Disconnect() {
	if c, ok := e.client.(mqtt.Client); ok && c.IsConnected() {
		c.Disconnect(250)
		e.log.Infof("MQTT: disconnected after %d messages", e.published.Load())
	}
	e.connected.Store(false)
}

func (e *MQTT) Name() string {
	return "mqtt"
}

// Forward publishes one record
func (e *MQTT) Forward(ctx context.Context, rec models.ViolationRecord) error {
	if !e.connected.Load() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal violation: %w", err)
	}

	token := e.client.Publish(fmt.Sprintf("%s/%s", e.topic, rec.ZoneName), qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	e.published.Add(1)
	return nil
}
