// Package wsbridge implements the real-time pub/sub hub that pushes task
// events to connected WebSocket clients. It uses gorilla/websocket
// under the hood and exposes a topic-based broadcast API fed by a bridge
// goroutine that subscribes to the queue's task:update channel — the hub
// itself never touches the queue directly.
//
// Topic naming convention:
//
//	task:<uuid>   — revision updates for a specific task
//	pool:<name>   — every task update within a pool
//	all           — every task update across every pool (operator dashboards)
package wsbridge

// MessageType identifies the kind of event carried by a Message. Clients
// use this field to route the payload to the correct UI update.
type MessageType string

const (
	// MsgTaskUpdate is sent whenever a task's revision chain advances
	// (queued -> running -> succeeded | failed | cancelled | lost).
	MsgTaskUpdate MessageType = "task.update"

	// MsgWorkerStatus identifies a worker registration, eviction or status
	// change event. Nothing in the gateway publishes it; the Bridge
	// forwards task updates only.
	MsgWorkerStatus MessageType = "worker.status"

	// MsgPing identifies a keep-alive message. The hub does not send it:
	// keep-alive uses WebSocket ping control frames from writePump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"task.update","topic":"task:018f...","payload":{"status":"running","rev_hash":"..."}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. Shape varies by Type:
	//   - task.update:   {"task_id":"...","status":"running","rev_hash":"..."}
	//   - worker.status: {"worker_id":"...","status":"active"}
	//   - ping:          {} (empty)
	Payload any `json:"payload"`
}
