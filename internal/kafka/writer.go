// Package kafka publishes lifecycle events to a Kafka topic
package kafka

import (
	"context"
	"strings"
	"time"

	k "github.com/segmentio/kafka-go"
)

type Writer struct {
	w *k.Writer
}

// NewWriter creates an async writer. brokers is a comma separated list.
func NewWriter(brokers, topic string) *Writer {
	w := &k.Writer{
		Addr:         k.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &k.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: k.RequireOne,
		Async:        true,
	}
	return &Writer{w: w}
}

func (w *Writer) Close() error { return w.w.Close() }

// Publish queues one event. Events of the same user share a key and
// therefore a partition.
func (w *Writer) Publish(ctx context.Context, key string, value []byte) error {
	return w.w.WriteMessages(ctx, k.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
}
