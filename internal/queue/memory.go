package queue

import (
	"context"
	"sync"
)

// Memory is an in-process Enqueuer that records every enqueued message.
// Tests inspect the captured envelopes or drain them through a handler.
type Memory struct {
	mu       sync.Mutex
	messages map[string][]Message
}

var _ Enqueuer = (*Memory)(nil)

// NewMemory creates an empty in-memory enqueuer.
func NewMemory() *Memory {
	return &Memory{messages: make(map[string][]Message)}
}

// Enqueue captures the message without delivering it.
func (m *Memory) Enqueue(_ context.Context, queueName string, payload interface{}) (Message, error) {
	msg, err := NewMessage(queueName, payload)
	if err != nil {
		return Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[queueName] = append(m.messages[queueName], msg)
	return msg, nil
}

// Messages returns the captured envelopes for a queue, oldest first.
func (m *Memory) Messages(queueName string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages[queueName]))
	copy(out, m.messages[queueName])
	return out
}

// Drain pops every captured message for a queue and runs it through handler,
// simulating in-order delivery. Messages enqueued by the handler itself are
// processed too. Each message is delivered once; redelivery is exercised by
// calling the handler again directly.
func (m *Memory) Drain(ctx context.Context, queueName string, handler Handler) error {
	for {
		m.mu.Lock()
		pending := m.messages[queueName]
		if len(pending) == 0 {
			m.mu.Unlock()
			return nil
		}
		msg := pending[0]
		m.messages[queueName] = pending[1:]
		m.mu.Unlock()

		msg.Attempt++
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
}
