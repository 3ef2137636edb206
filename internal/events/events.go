// Package events carries fire-and-forget notifications off the request path.
// Producers Emit into a bounded queue; a fixed set of workers hands each message
// to a Publisher and only logs failures.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"payment-service/internal/config"
	"payment-service/internal/logging"
	"payment-service/internal/model"
)

const (
	defaultQueueSize = 1_000
	defaultWorkers   = 4
	publishTimeout   = 10 * time.Second
)

var (
	queuePublishedCounter = metrics.GetOrCreateCounter(`events_queue_total{result="published"}`)
	queueFailedCounter    = metrics.GetOrCreateCounter(`events_queue_total{result="publish_failed"}`)
	queueDroppedCounter   = metrics.GetOrCreateCounter(`events_queue_total{result="dropped"}`)

	publishDurationHistogram = metrics.GetOrCreateHistogram(`events_publish_duration_milliseconds`)
)

// Message is one downstream notification. Payload is flat and always carries
// eventType, gateway, correlationId and timestamp.
type Message struct {
	Topic   string
	Key     string
	Payload map[string]string
}

func NewMessage(topic, eventType string, gateway model.Gateway, correlationID string, at time.Time) Message {
	return Message{
		Topic: topic,
		Key:   correlationID,
		Payload: map[string]string{
			"eventType":     eventType,
			"gateway":       gateway.String(),
			"correlationId": correlationID,
			"timestamp":     at.UTC().Format(time.RFC3339Nano),
		},
	}
}

// With returns m with one more payload attribute. Empty values are skipped.
func (m Message) With(key, value string) Message {
	if value == "" {
		return m
	}
	payload := make(map[string]string, len(m.Payload)+1)
	for k, v := range m.Payload {
		payload[k] = v
	}
	payload[key] = value
	m.Payload = payload
	return m
}

// WithKey overrides the partition key, which defaults to the correlation id.
func (m Message) WithKey(key string) Message {
	m.Key = key
	return m
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload map[string]string) error
}

type Queue struct {
	publisher Publisher
	messages  chan Message
	workers   int
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(cfg config.Events, publisher Publisher, logger *slog.Logger) *Queue {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Queue{
		publisher: publisher,
		messages:  make(chan Message, size),
		workers:   workers,
		logger:    logger,
	}
}

// Start launches the workers. They run until Close drains the queue; ctx only
// scopes logging.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			workerCtx := logging.AppendCtx(context.WithoutCancel(ctx), slog.Int("worker", worker))
			for msg := range q.messages {
				q.publish(workerCtx, msg)
			}
		}(i)
	}
}

// Emit enqueues msg without blocking. A full or closed queue drops the message.
func (q *Queue) Emit(ctx context.Context, msg Message) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.WarnContext(ctx, "Queue closed, dropping event", "topic", msg.Topic, "key", msg.Key)
		queueDroppedCounter.Inc()
		return
	}
	select {
	case q.messages <- msg:
	default:
		q.logger.WarnContext(ctx, "Queue full, dropping event", "topic", msg.Topic, "key", msg.Key)
		queueDroppedCounter.Inc()
	}
}

// Close stops accepting messages and waits for queued ones to be published.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.messages)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) publish(ctx context.Context, msg Message) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := q.publisher.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
		q.logger.ErrorContext(ctx, "Error publishing event", "topic", msg.Topic, "key", msg.Key,
			"eventType", msg.Payload["eventType"], "error", err)
		queueFailedCounter.Inc()
		return
	}
	queuePublishedCounter.Inc()
	publishDurationHistogram.Update(float64(time.Since(start).Milliseconds()))
}
