package wsbridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/queue"
)

// Bridge subscribes to a queue's task:update channel and republishes every
// message onto the Hub under three topics: the specific task, its pool, and
// the catch-all "all" topic. It owns no state of its own beyond the
// subscription — all fan-out bookkeeping lives in Hub.
type Bridge struct {
	hub    *Hub
	q      queue.Queue
	logger *zap.Logger
}

// NewBridge returns a Bridge that will forward q's task:update messages to hub.
func NewBridge(hub *Hub, q queue.Queue, logger *zap.Logger) *Bridge {
	return &Bridge{hub: hub, q: q, logger: logger.Named("wsbridge")}
}

// taskUpdatePayload is the shape republished to WebSocket clients. It
// carries no pool: queue.Message has none, and Run resolves the pool
// through its poolOf argument only to pick the pool:<name> topic.
type taskUpdatePayload struct {
	TaskID  string            `json:"task_id"`
	Status  domain.TaskStatus `json:"status"`
	RevHash string            `json:"rev_hash"`
}

// Run blocks, forwarding messages from the queue's task:update channel to
// the hub until the subscription channel closes or ctx is cancelled.
// poolOf resolves a task ID to its pool name for the pool:<name> topic;
// if it returns an error the message is still published to task:<id> and
// "all", just not to a pool topic.
func (b *Bridge) Run(ctx context.Context, poolOf func(ctx context.Context, taskID string) (string, error)) error {
	msgs, err := b.q.Subscribe(ctx, queue.TaskUpdateChannel)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			payload := taskUpdatePayload{
				TaskID:  m.TaskID.String(),
				Status:  m.Status,
				RevHash: m.RevHash,
			}
			taskTopic := "task:" + m.TaskID.String()
			topics := []string{taskTopic, "all"}
			if poolOf != nil {
				if pool, err := poolOf(ctx, m.TaskID.String()); err == nil && pool != "" {
					topics = append(topics, "pool:"+pool)
				}
			}

			// One Message per publish: Hub.Publish dedups recipients across
			// topics, so a dashboard subscribed to both "all" and this
			// specific task only receives the update once.
			b.hub.Publish(Message{Type: MsgTaskUpdate, Topic: taskTopic, Payload: payload}, topics...)
		}
	}
}
