package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexandertiopan1212/netzero-ems/pkg/types"
	"github.com/segmentio/kafka-go"
)

// kafkaBatchTimeout bounds how long a synchronous write waits for a batch
// that a cycle's snapshots will never fill.
const kafkaBatchTimeout = 10 * time.Millisecond

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes snapshots as JSON keyed by device serial so every device
// stays on one partition.
type Kafka struct {
	writer kafkaMessageWriter
}

// NewKafka creates a Kafka publisher for topic.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: kafkaBatchTimeout,
		},
	}
}

// Publish writes all snaps in a single WriteMessages call.
func (k *Kafka) Publish(ctx context.Context, snaps ...types.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(snaps))
	for _, snap := range snaps {
		b, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot %s: %w", snap.DeviceSN, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(snap.DeviceSN),
			Value: b,
			Time:  snap.Timestamp,
		})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
