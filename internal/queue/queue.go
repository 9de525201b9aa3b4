// Package queue defines the pluggable work-queue contract consumed by the
// scheduler's per-pool dispatch loops, plus the orthogonal publish/subscribe
// fan-out channel used to bridge task state changes to WebSocket
// subscribers. Two implementations ship: memqueue (single-process, for
// tests and local mode) and redisqueue (production, LIST+BLPOP+PUBSUB).
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/domain"
)

// RequeueReason records why an envelope was returned to the queue, mainly
// for logging/metrics — it does not change requeue mechanics beyond
// head-vs-tail placement (see Queue.Requeue).
type RequeueReason string

const (
	ReasonNoWorker       RequeueReason = "no_worker"
	ReasonDispatchFailed RequeueReason = "dispatch_failed"
	ReasonWorkerEvicted  RequeueReason = "worker_evicted"
)

// Envelope is the queued work unit dispatched to a worker.
type Envelope struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	Kind        domain.TaskKind `json:"kind"`
	Args        []byte          `json:"args"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Attempt     int             `json:"attempt"`
	Deadline    time.Time       `json:"deadline"`

	// RevHash is the task's rev_hash at the moment this envelope was
	// queued — the parent_rev_hash the dispatch loop must present when
	// it appends the queued->running transition.
	RevHash string `json:"rev_hash"`
}

// Message is published on the pub/sub channel after every committed task
// revision. Its ordering for a given TaskID must match the revision
// append order — see internal/wsbridge for the consumer side.
type Message struct {
	TaskID  uuid.UUID        `json:"task_id"`
	RevHash string           `json:"rev_hash"`
	Status  domain.TaskStatus `json:"status"`
}

// TaskUpdateChannel is the single pub/sub channel name carrying Message
// values for all pools and tasks, mirrored across both queue backends.
const TaskUpdateChannel = "task:update"

// Queue is the contract a scheduler dispatch loop depends on. Both
// implementations must provide at-most-one delivery of a given envelope
// to concurrent PopBlocking callers on the same pool.
type Queue interface {
	// Push enqueues envelope at the tail of pool's queue.
	Push(ctx context.Context, pool string, env Envelope) error

	// PopBlocking waits up to timeout for an envelope to become available
	// on pool's queue and removes it from the queue (the caller is now
	// responsible for Ack or Requeue). Returns (nil, nil) on timeout.
	PopBlocking(ctx context.Context, pool string, timeout time.Duration) (*Envelope, error)

	// Ack marks envelopeID as successfully delivered and processed. For
	// the queue implementations here delivery is destructive on pop, so
	// Ack is a no-op retained for interface symmetry with at-least-once
	// backends that might replace these in the future.
	Ack(ctx context.Context, envelopeID uuid.UUID) error

	// Requeue returns env to pool's queue. ReasonWorkerEvicted and
	// ReasonDispatchFailed append to the tail (give other queued work a
	// turn); ReasonNoWorker returns to the head for a fast retry.
	Requeue(ctx context.Context, pool string, env Envelope, reason RequeueReason) error

	// Depth reports the current number of envelopes waiting on pool's
	// queue, used for Q_high_watermark/Q_low_watermark backpressure.
	Depth(ctx context.Context, pool string) (int64, error)

	// Publish sends msg on channel to all current Subscribe streams.
	Publish(ctx context.Context, channel string, msg Message) error

	// Subscribe returns a channel of Messages published on channel from
	// the point of subscription onward. The returned channel is closed
	// when ctx is cancelled; memqueue's Close does not close it.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	// Close releases resources held by the queue (connections, goroutines).
	Close() error
}
