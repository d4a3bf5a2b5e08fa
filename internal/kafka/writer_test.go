package kafka

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_SplitsBrokers(t *testing.T) {
	w := NewWriter("k1:9092,k2:9092", "chat.events")
	defer w.Close()

	assert.Equal(t, "chat.events", w.w.Topic)
	assert.Contains(t, w.w.Addr.String(), "k2:9092")
	assert.True(t, w.w.Async)
}

// TestPublish KAFKA_BROKERS が無ければスキップ
func TestPublish(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("Skipping: KAFKA_BROKERS not set")
	}
	w := NewWriter(brokers, "chat.events.test")
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Publish(ctx, "1", []byte(`{"type":"pong"}`)))
}
