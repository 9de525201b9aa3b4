// Package redisqueue implements queue.Queue on top of Redis: one LIST per
// pool (`peagen:queue:<pool>`) popped with BLPOP for bounded-wait FIFO
// delivery, and native PUBLISH/SUBSCRIBE for the task:update fan-out
// channel.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/peagen/peagen/internal/queue"
)

const keyPrefix = "peagen:queue:"

// Queue is a Redis-backed queue.Queue.
type Queue struct {
	rdb *redis.Client
}

// Config configures the underlying redis.Client.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// New opens a connection to Redis and verifies it with PING.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout, 5*time.Second),
		ReadTimeout:  orDefault(cfg.ReadTimeout, 3*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 3*time.Second),
		PoolSize:     intOrDefault(cfg.PoolSize, 20),
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisqueue: ping failed: %w", err)
	}

	return &Queue{rdb: rdb}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

func intOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func listKey(pool string) string {
	return keyPrefix + pool
}

func (q *Queue) Push(ctx context.Context, pool string, env queue.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal envelope: %w", err)
	}
	if err := q.rdb.RPush(ctx, listKey(pool), data).Err(); err != nil {
		return fmt.Errorf("redisqueue: rpush: %w", err)
	}
	return nil
}

// PopBlocking uses BLPOP, which blocks server-side for up to timeout and
// returns nil if nothing arrives — exactly the semantics queue.Queue
// requires. BLPOP gives at-most-one delivery across concurrent callers:
// Redis pops atomically.
func (q *Queue) PopBlocking(ctx context.Context, pool string, timeout time.Duration) (*queue.Envelope, error) {
	res, err := q.rdb.BLPop(ctx, timeout, listKey(pool)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redisqueue: blpop: %w", err)
	}
	// res is [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("redisqueue: unexpected blpop reply shape: %v", res)
	}
	var env queue.Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("redisqueue: unmarshal envelope: %w", err)
	}
	return &env, nil
}

func (q *Queue) Ack(context.Context, uuid.UUID) error { return nil }

func (q *Queue) Requeue(ctx context.Context, pool string, env queue.Envelope, reason queue.RequeueReason) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal envelope: %w", err)
	}
	key := listKey(pool)
	if reason == queue.ReasonNoWorker {
		return q.rdb.LPush(ctx, key, data).Err()
	}
	return q.rdb.RPush(ctx, key, data).Err()
}

func (q *Queue) Depth(ctx context.Context, pool string) (int64, error) {
	n, err := q.rdb.LLen(ctx, listKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: llen: %w", err)
	}
	return n, nil
}

func (q *Queue) Publish(ctx context.Context, channel string, msg queue.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal message: %w", err)
	}
	return q.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe bridges a Redis PubSub connection's Channel() into a
// queue.Message channel, translating malformed frames into a skipped
// message rather than a dropped subscriber.
func (q *Queue) Subscribe(ctx context.Context, channel string) (<-chan queue.Message, error) {
	ps := q.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisqueue: subscribe: %w", err)
	}

	out := make(chan queue.Message, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		redisCh := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case rm, ok := <-redisCh:
				if !ok {
					return
				}
				var msg queue.Message
				if err := json.Unmarshal([]byte(rm.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}
