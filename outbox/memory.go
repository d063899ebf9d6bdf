package outbox

import (
	"context"
	"sync"
)

// Memory is an in-process outbox shared by the in-memory domain stores.
type Memory struct {
	mu       sync.Mutex
	messages []*Message
	inflight map[string]bool
}

// NewMemory returns an empty outbox.
func NewMemory() *Memory {
	return &Memory{inflight: make(map[string]bool)}
}

// Append adds messages to the log. Callers invoke it while holding the lock
// of the entity that emitted them so the state change and its events are
// published together.
func (m *Memory) Append(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range msgs {
		msg := msgs[i]
		if msg.Status == "" {
			msg.Status = StatusPending
		}
		m.messages = append(m.messages, &msg)
	}
}

// Messages returns a copy of every message with the given topic, or all
// messages when topic is empty.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if topic == "" || msg.Topic == topic {
			out = append(out, *msg)
		}
	}
	return out
}

// Process implements Store.
func (m *Memory) Process(ctx context.Context, batch Batch, handle Handler) (Result, error) {
	claimed := m.claim(batch.Limit)

	var res Result
	for _, msg := range claimed {
		if err := ctx.Err(); err != nil {
			m.release(claimed)
			return res, err
		}
		err := handle(ctx, *msg)

		m.mu.Lock()
		delete(m.inflight, msg.ID)
		switch {
		case err == nil:
			msg.Status = StatusProcessed
			res.Delivered++
		default:
			msg.Attempts++
			msg.LastError = err.Error()
			if batch.MaxAttempts > 0 && msg.Attempts >= batch.MaxAttempts {
				msg.Status = StatusDead
				res.Dead++
			} else {
				res.Retried++
			}
		}
		m.mu.Unlock()
	}
	return res, nil
}

func (m *Memory) claim(limit int) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, msg := range m.messages {
		if limit > 0 && len(out) >= limit {
			break
		}
		if msg.Status != StatusPending || m.inflight[msg.ID] {
			continue
		}
		m.inflight[msg.ID] = true
		out = append(out, msg)
	}
	return out
}

func (m *Memory) release(claimed []*Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range claimed {
		delete(m.inflight, msg.ID)
	}
}
