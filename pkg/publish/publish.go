// Package publish pushes per-device snapshots to message brokers after every
// poll so other systems can follow the live state without polling storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandertiopan1212/netzero-ems/pkg/metrics"
	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Publisher sends snapshots somewhere. A poll cycle hands over all of its
// snapshots in one call.
type Publisher interface {
	Publish(ctx context.Context, snaps ...types.Snapshot) error
	Close() error
}

// Sink is a named Publisher.
type Sink struct {
	Name string
	Publisher
}

// Multi fans every snapshot out to all sinks. A Multi with no sinks is a
// no-op.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewMulti creates a Multi over sinks.
func NewMulti(m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m}
}

// Publish sends snaps to every sink and joins their errors.
func (p *Multi) Publish(ctx context.Context, snaps ...types.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	var errs []error
	for _, s := range p.sinks {
		err := s.Publish(ctx, snaps...)
		p.metrics.Publish(s.Name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (p *Multi) Close() error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Configured sets up the publishers based on flags. Sinks whose broker flag
// is empty are skipped.
func Configured(m *metrics.Metrics) *Multi {
	kafkaBrokers := lflag.String("kafka-brokers", "", "Comma-separated Kafka brokers to publish snapshots to")
	kafkaTopic := lflag.String("kafka-topic", "netzero.snapshots", "Kafka topic for snapshots")
	mqttBroker := lflag.String("mqtt-broker", "", "MQTT broker URL to publish snapshots to, e.g. tcp://localhost:1883")
	mqttTopicPrefix := lflag.String("mqtt-topic-prefix", "netzero", "MQTT topic prefix, snapshots go to <prefix>/<sn>/state")
	mqttClientID := lflag.String("mqtt-client-id", "netzero-ems", "MQTT client ID")

	p := NewMulti(m)

	lflag.Do(func() {
		if brokers := splitList(*kafkaBrokers); len(brokers) > 0 {
			p.sinks = append(p.sinks, Sink{Name: "kafka", Publisher: NewKafka(brokers, *kafkaTopic)})
		}
		if *mqttBroker != "" {
			mp, err := NewMQTT(*mqttBroker, *mqttClientID, *mqttTopicPrefix)
			if err != nil {
				panic(fmt.Sprintf("mqtt connect failed: %v", err))
			}
			p.sinks = append(p.sinks, Sink{Name: "mqtt", Publisher: mp})
		}
	})

	return p
}
