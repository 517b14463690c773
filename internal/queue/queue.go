// Package queue implements a durable at-least-once job queue on Redis.
//
// Delivery model:
//
//	enqueue  -> LPUSH pending
//	deliver  -> BRPOPLPUSH pending -> active (the job survives a crash)
//	ack      -> LREM active
//	retry    -> ZADD delayed with a backoff score; a Lua script promotes
//	            due members back onto pending
//	give up  -> LPUSH dead-letter
//
// Because delivery is at-least-once, every handler must be idempotent. The
// stores this system writes to guard their transitions for exactly that
// reason: a redelivered message that finds its work already done is a no-op,
// not a double charge.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope carried through Redis. Payload stays opaque to the
// queue; workers decode it themselves.
type Message struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	Attempt  int             `json:"attempt"`
	Payload  json.RawMessage `json:"payload"`
	Enqueued time.Time       `json:"enqueued"`
}

// NewMessage wraps a payload in a fresh envelope.
func NewMessage(queueName string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:       uuid.New().String(),
		Queue:    queueName,
		Attempt:  0,
		Payload:  raw,
		Enqueued: time.Now().UTC(),
	}, nil
}

// Handler processes one delivery. Returning nil acks the message. Returning
// an error schedules a redelivery with backoff, unless the error is marked
// Permanent, in which case the message goes to the dead-letter list.
type Handler func(ctx context.Context, msg Message) error

// Permanent marks a handler error as non-retryable. The queue acks the
// message and pushes it to the dead-letter list instead of redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Backoff returns the redelivery delay before the given attempt (1-based).
// Exponential with a cap: base, 2x base, 4x base ... up to max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Enqueuer is the producer half of the queue. Split out so services depend
// only on the ability to enqueue, and tests can capture messages in memory.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload interface{}) (Message, error)
}
