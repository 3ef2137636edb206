package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-service/internal/config"
	"payment-service/internal/logging"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

type channelReader struct {
	messages chan kafka.Message
}

func (r *channelReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.messages:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func TestPublisher_WritesJSONWithTopicAndKey(t *testing.T) {
	writer := &recordingWriter{}
	publisher := NewPublisher(writer, logging.Discard())

	err := publisher.Publish(context.Background(), "payment-events", "txn-1", map[string]string{
		"eventType": "webhook.payment_captured",
		"status":    "COMPLETED",
	})

	require.NoError(t, err)
	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "payment-events", msg.Topic)
	assert.Equal(t, []byte("txn-1"), msg.Key)
	assert.Equal(t, []kafka.Header{{Key: "eventType", Value: []byte("webhook.payment_captured")}}, msg.Headers)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, "COMPLETED", payload["status"])
}

func TestPublisher_ReturnsWriteError(t *testing.T) {
	boom := errors.New("broker unavailable")
	publisher := NewPublisher(&recordingWriter{err: boom}, logging.Discard())

	err := publisher.Publish(context.Background(), "notifications", "k", map[string]string{})

	assert.ErrorIs(t, err, boom)
}

func TestNewWriter_Defaults(t *testing.T) {
	writer := NewWriter(config.Kafka{Broker: config.KafkaBroker{URL: "localhost:9092"}})

	assert.Empty(t, writer.Topic)
	assert.Equal(t, DefaultBatchSize, writer.BatchSize)
	assert.Equal(t, DefaultBatchTimeout*time.Millisecond, writer.BatchTimeout)
	assert.Equal(t, kafka.RequireAll, writer.RequiredAcks)
}

func TestReadReplayRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &channelReader{messages: make(chan kafka.Message, 4)}
	var mu sync.Mutex
	var replayed []uuid.UUID
	replay := func(_ context.Context, id uuid.UUID) error {
		mu.Lock()
		defer mu.Unlock()
		replayed = append(replayed, id)
		return nil
	}

	first, second := uuid.New(), uuid.New()
	reader.messages <- kafka.Message{Value: []byte(`{"webhookRecordId":"` + first.String() + `"}`)}
	reader.messages <- kafka.Message{Value: []byte(`not json`)}
	reader.messages <- kafka.Message{Value: []byte(`{}`)}
	reader.messages <- kafka.Message{Value: []byte(`{"webhookRecordId":"` + second.String() + `"}`)}

	ReadReplayRequests(ctx, reader, replay, logging.Discard())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replayed) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{first, second}, replayed)
}
