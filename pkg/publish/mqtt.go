package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttQuiesceMillis  = 250
)

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each snapshot retained to "<prefix>/<sn>/state" so a new
// subscriber gets the last state straight away.
type MQTT struct {
	client mqttPublisher
	prefix string
}

// NewMQTT connects to broker.
func NewMQTT(broker, clientID, prefix string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	return &MQTT{client: c, prefix: prefix}, nil
}

// Topic returns the state topic for a device.
func (m *MQTT) Topic(deviceSN string) string {
	return fmt.Sprintf("%s/%s/state", m.prefix, deviceSN)
}

func (m *MQTT) Publish(ctx context.Context, snaps ...types.Snapshot) error {
	var errs []error
	for _, snap := range snaps {
		if err := m.publish(ctx, snap); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, fmt.Errorf("%s: %w", snap.DeviceSN, err))
		}
	}
	return errors.Join(errs...)
}

func (m *MQTT) publish(ctx context.Context, snap types.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	token := m.client.Publish(m.Topic(snap.DeviceSN), mqttQoS, true, b)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(mqttQuiesceMillis)
	return nil
}
