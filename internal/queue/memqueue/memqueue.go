// Package memqueue implements queue.Queue entirely in-process with no
// external dependency, for tests and single-process/local-mode
// deployments. It preserves the same blocking/cancellation semantics as
// the Redis-backed implementation: PopBlocking honors both timeout and
// context cancellation, and Subscribe fans a published Message out to
// every current subscriber without letting a slow one block the rest:
// each subscriber has a bounded channel, and a message that does not fit
// is dropped for that subscriber (internal/wsbridge's Hub.Publish, by
// contrast, evicts a client whose buffer is full).
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/queue"
)

const subscriberBuffer = 64

// Queue is an in-memory queue.Queue. The zero value is not usable — build
// one with New.
type Queue struct {
	mu    sync.Mutex
	lists map[string][]queue.Envelope // keyed by pool
	waitC map[string]chan struct{}    // signalled when a pool's list becomes non-empty

	subMu sync.RWMutex
	subs  map[string]map[chan queue.Message]struct{} // keyed by channel name
}

// New creates an empty, ready-to-use in-memory queue.
func New() *Queue {
	return &Queue{
		lists: make(map[string][]queue.Envelope),
		waitC: make(map[string]chan struct{}),
		subs:  make(map[string]map[chan queue.Message]struct{}),
	}
}

func (q *Queue) signal(pool string) {
	// Closing-and-replacing the wait channel wakes every blocked popper
	// without requiring a broadcast primitive — each PopBlocking caller
	// re-reads q.waitC[pool] after waking to get the new channel.
	if c, ok := q.waitC[pool]; ok {
		close(c)
	}
	q.waitC[pool] = make(chan struct{})
}

func (q *Queue) Push(_ context.Context, pool string, env queue.Envelope) error {
	q.mu.Lock()
	q.lists[pool] = append(q.lists[pool], env)
	q.signal(pool)
	q.mu.Unlock()
	return nil
}

func (q *Queue) PopBlocking(ctx context.Context, pool string, timeout time.Duration) (*queue.Envelope, error) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if list := q.lists[pool]; len(list) > 0 {
			env := list[0]
			q.lists[pool] = list[1:]
			q.mu.Unlock()
			return &env, nil
		}
		if _, ok := q.waitC[pool]; !ok {
			q.waitC[pool] = make(chan struct{})
		}
		wait := q.waitC[pool]
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
			// loop and re-check the list
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) Ack(context.Context, uuid.UUID) error { return nil }

func (q *Queue) Requeue(_ context.Context, pool string, env queue.Envelope, reason queue.RequeueReason) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch reason {
	case queue.ReasonNoWorker:
		q.lists[pool] = append([]queue.Envelope{env}, q.lists[pool]...)
	default:
		q.lists[pool] = append(q.lists[pool], env)
	}
	q.signal(pool)
	return nil
}

func (q *Queue) Depth(_ context.Context, pool string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lists[pool])), nil
}

func (q *Queue) Publish(_ context.Context, channel string, msg queue.Message) error {
	q.subMu.RLock()
	targets := q.subs[channel]
	subscribers := make([]chan queue.Message, 0, len(targets))
	for c := range targets {
		subscribers = append(subscribers, c)
	}
	q.subMu.RUnlock()

	for _, c := range subscribers {
		select {
		case c <- msg:
		default:
			// Slow subscriber — drop rather than block publish. Callers
			// needing guaranteed delivery should resync via Task.get, the
			// same contract the Redis backend offers (PUBSUB is also
			// best-effort under a full client buffer).
		}
	}
	return nil
}

func (q *Queue) Subscribe(ctx context.Context, channel string) (<-chan queue.Message, error) {
	c := make(chan queue.Message, subscriberBuffer)

	q.subMu.Lock()
	if q.subs[channel] == nil {
		q.subs[channel] = make(map[chan queue.Message]struct{})
	}
	q.subs[channel][c] = struct{}{}
	q.subMu.Unlock()

	go func() {
		<-ctx.Done()
		q.subMu.Lock()
		delete(q.subs[channel], c)
		if len(q.subs[channel]) == 0 {
			delete(q.subs, channel)
		}
		q.subMu.Unlock()
		close(c)
	}()

	return c, nil
}

// Close is a no-op: it does not close subscriber channels, which close
// only when the ctx passed to their Subscribe call is cancelled.
func (q *Queue) Close() error { return nil }
