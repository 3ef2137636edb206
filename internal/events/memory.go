package events

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryPublisher keeps published messages in memory and logs them. It stands in
// for Kafka when no broker is configured.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	logger   *slog.Logger
}

func NewMemoryPublisher(logger *slog.Logger) *MemoryPublisher {
	return &MemoryPublisher{logger: logger}
}

func (p *MemoryPublisher) Publish(ctx context.Context, topic, key string, payload map[string]string) error {
	p.mu.Lock()
	p.messages = append(p.messages, Message{Topic: topic, Key: key, Payload: payload})
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Published event", "topic", topic, "key", key, "eventType", payload["eventType"])
	return nil
}

// Messages returns the messages published to topic, or all of them when topic is empty.
func (p *MemoryPublisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []Message
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			result = append(result, m)
		}
	}
	return result
}
