package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Key layout per logical queue name:
//
//	queue:<name>:pending - LIST, jobs waiting for a worker
//	queue:<name>:active  - LIST, jobs currently being processed
//	queue:<name>:delayed - ZSET, jobs waiting out a retry backoff (score = due unix ms)
//	queue:<name>:dead    - LIST, jobs that exhausted retries or failed permanently

// promoteScript moves all due members from the delayed zset onto the pending
// list atomically. Runs before every blocking pop so a single consumer is
// enough to keep retries flowing.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for i, member in ipairs(due) do
    redis.call('LPUSH', KEYS[2], member)
    redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// Options tunes a Redis-backed queue consumer.
type Options struct {
	// Concurrency is the number of handler goroutines. Default 4.
	Concurrency int

	// MaxAttempts is the delivery budget per message. Default 3.
	MaxAttempts int

	// BackoffBase and BackoffMax bound the exponential retry delay.
	// Defaults: 5s base, 5m max.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// PopTimeout bounds each blocking pop so shutdown is responsive.
	// Default 5s.
	PopTimeout time.Duration
}

func (o *Options) fill() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 5 * time.Second
	}
}

// Redis is a durable at-least-once queue over a Redis connection.
type Redis struct {
	rdb  *redis.Client
	log  zerolog.Logger
	opts Options
}

var _ Enqueuer = (*Redis)(nil)

// NewRedis creates a queue over an existing Redis client.
func NewRedis(rdb *redis.Client, opts Options, logger zerolog.Logger) *Redis {
	opts.fill()
	return &Redis{
		rdb:  rdb,
		log:  logger.With().Str("component", "queue").Logger(),
		opts: opts,
	}
}

func pendingKey(name string) string { return "queue:" + name + ":pending" }
func activeKey(name string) string  { return "queue:" + name + ":active" }
func delayedKey(name string) string { return "queue:" + name + ":delayed" }
func deadKey(name string) string    { return "queue:" + name + ":dead" }

// Enqueue wraps the payload in an envelope and pushes it onto the pending
// list. The job is durable once this returns.
func (q *Redis) Enqueue(ctx context.Context, queueName string, payload interface{}) (Message, error) {
	msg, err := NewMessage(queueName, payload)
	if err != nil {
		return Message{}, fmt.Errorf("queue: marshal payload: %w", err)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("queue: marshal envelope: %w", err)
	}

	if err := q.rdb.LPush(ctx, pendingKey(queueName), raw).Err(); err != nil {
		return Message{}, fmt.Errorf("queue: enqueue to %s: %w", queueName, err)
	}

	q.log.Debug().
		Str("queue", queueName).
		Str("message_id", msg.ID).
		Msg("message enqueued")

	return msg, nil
}

// Consume runs handler goroutines against a queue until ctx is cancelled.
// It blocks; callers run it in its own goroutine per queue. In-flight
// handlers finish before Consume returns.
func (q *Redis) Consume(ctx context.Context, queueName string, handler Handler) {
	log := q.log.With().Str("queue", queueName).Logger()
	log.Info().
		Int("concurrency", q.opts.Concurrency).
		Int("max_attempts", q.opts.MaxAttempts).
		Msg("starting consumers")

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.consumeLoop(ctx, queueName, handler, log.With().Int("worker", worker).Logger())
		}(i)
	}
	wg.Wait()
	log.Info().Msg("consumers stopped")
}

func (q *Redis) consumeLoop(ctx context.Context, queueName string, handler Handler, log zerolog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		q.promoteDue(ctx, queueName)

		// BRPOPLPUSH keeps the raw envelope on the active list while the
		// handler runs, so a worker crash leaves the job recoverable.
		raw, err := q.rdb.BRPopLPush(ctx, pendingKey(queueName), activeKey(queueName), q.opts.PopTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("blocking pop failed")
			time.Sleep(time.Second)
			continue
		}

		q.process(ctx, queueName, raw, handler, log)
	}
}

func (q *Redis) process(ctx context.Context, queueName, raw string, handler Handler, log zerolog.Logger) {
	// The raw string on the active list is the ack token: LREM needs the
	// exact bytes that BRPOPLPUSH copied.
	defer q.ack(queueName, raw, log)

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Error().Err(err).Msg("dropping undecodable message to dead-letter")
		q.deadLetter(queueName, raw, log)
		return
	}

	msg.Attempt++
	start := time.Now()
	err := handler(ctx, msg)
	if err == nil {
		log.Debug().
			Str("message_id", msg.ID).
			Int("attempt", msg.Attempt).
			Dur("duration", time.Since(start)).
			Msg("message processed")
		return
	}

	if IsPermanent(err) {
		log.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Int("attempt", msg.Attempt).
			Msg("permanent failure, dead-lettering")
		q.deadLetter(queueName, raw, log)
		return
	}

	if msg.Attempt >= q.opts.MaxAttempts {
		log.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Int("attempt", msg.Attempt).
			Msg("retry budget exhausted, dead-lettering")
		q.deadLetter(queueName, raw, log)
		return
	}

	delay := Backoff(msg.Attempt, q.opts.BackoffBase, q.opts.BackoffMax)
	q.scheduleRetry(queueName, msg, delay, log)
	log.Info().
		Err(err).
		Str("message_id", msg.ID).
		Int("attempt", msg.Attempt).
		Dur("retry_in", delay).
		Msg("transient failure, retry scheduled")
}

// ack removes the envelope from the active list. Uses a background context:
// an ack must go through even during shutdown, or the job would be
// redelivered despite having been handled.
func (q *Redis) ack(queueName, raw string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.rdb.LRem(ctx, activeKey(queueName), 1, raw).Err(); err != nil {
		log.Error().Err(err).Msg("ack failed, message may redeliver")
	}
}

func (q *Redis) scheduleRetry(queueName string, msg Message, delay time.Duration, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := json.Marshal(msg) // re-marshalled so the incremented attempt survives
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("marshal for retry failed")
		return
	}

	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, delayedKey(queueName), &redis.Z{Score: due, Member: raw}).Err(); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("retry scheduling failed")
	}
}

func (q *Redis) deadLetter(queueName, raw string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.rdb.LPush(ctx, deadKey(queueName), raw).Err(); err != nil {
		log.Error().Err(err).Msg("dead-letter push failed")
	}
}

func (q *Redis) promoteDue(ctx context.Context, queueName string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	promoted, err := promoteScript.Run(ctx, q.rdb,
		[]string{delayedKey(queueName), pendingKey(queueName)}, now).Int()
	if err != nil && err != redis.Nil && ctx.Err() == nil {
		q.log.Error().Err(err).Str("queue", queueName).Msg("promote script failed")
		return
	}
	if promoted > 0 {
		q.log.Debug().Str("queue", queueName).Int("promoted", promoted).Msg("delayed messages promoted")
	}
}

// RecoverActive moves any envelopes stranded on the active list back to
// pending. Called once at worker startup to reclaim jobs from a crashed
// predecessor; must not run while another worker instance is consuming the
// same queue.
func (q *Redis) RecoverActive(ctx context.Context, queueName string) (int, error) {
	recovered := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, activeKey(queueName), pendingKey(queueName)).Result()
		if err == redis.Nil {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("queue: recover %s: %w", queueName, err)
		}
		recovered++
	}
}

// Depths reports list lengths for a queue, for health endpoints and metrics.
func (q *Redis) Depths(ctx context.Context, queueName string) (pending, active, delayed, dead int64, err error) {
	pipe := q.rdb.Pipeline()
	p := pipe.LLen(ctx, pendingKey(queueName))
	a := pipe.LLen(ctx, activeKey(queueName))
	d := pipe.ZCard(ctx, delayedKey(queueName))
	dl := pipe.LLen(ctx, deadKey(queueName))
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("queue: depths for %s: %w", queueName, err)
	}
	return p.Val(), a.Val(), d.Val(), dl.Val(), nil
}
