// Package domain defines the core entities of the Peagen control plane:
// tasks, their append-only revision chain, manifests, workers, tenants,
// public keys, secrets, and evaluation results. These types are shared by
// internal/store (persistence), internal/scheduler (dispatch) and
// internal/gateway (RPC surface) so that none of them need to redeclare
// the wire shape of a task.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a Task. Terminal states are
// Succeeded, Failed and Cancelled; Lost is re-entered to Queued by the
// scheduler's eviction watchdog.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskLost      TaskStatus = "lost"
)

// Terminal reports whether status is one from which no further transition
// is expected outside of the Lost->Queued requeue path.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskKind is the opaque handler tag selecting which registered handler
// processes a task's args. The core never interprets its value beyond
// routing — validation of args belongs to the handler registered for it.
type TaskKind string

const (
	KindProcess  TaskKind = "process"
	KindMutate   TaskKind = "mutate"
	KindEvolve   TaskKind = "evolve"
	KindDOE      TaskKind = "doe"
	KindEvaluate TaskKind = "evaluate"
)

// DefaultPool is used when a task is submitted without an explicit pool.
const DefaultPool = "default"

// Task is the projected, current-state view of a unit of work. Its fields
// other than ID/CreatedAt are mutated only through TaskRevision inserts —
// see store.TaskRepository.Append.
type Task struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Kind           TaskKind        `db:"kind" json:"kind"`
	Pool           string          `db:"pool" json:"pool"`
	TenantID       uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	Args           []byte          `db:"args" json:"args"` // opaque JSON, handler-validated
	Status         TaskStatus      `db:"status" json:"status"`
	WorkerID       *uuid.UUID      `db:"worker_id" json:"worker_id,omitempty"`
	ParentTaskID   *uuid.UUID      `db:"parent_task_id" json:"parent_task_id,omitempty"`
	DesignHash     *string         `db:"design_hash" json:"design_hash,omitempty"`
	PlanHash       *string         `db:"plan_hash" json:"plan_hash,omitempty"`
	ClientToken    *string         `db:"client_token" json:"-"`
	Attempt        int             `db:"attempt" json:"attempt"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// TaskRevision is one append-only, hash-chained state transition of a
// Task. Never updated or deleted once inserted — see
// internal/store/revhash.go for the chaining algorithm.
type TaskRevision struct {
	TaskID         uuid.UUID `db:"task_id" json:"task_id"`
	Seq            int64     `db:"seq" json:"seq"`
	Payload        []byte    `db:"payload" json:"payload"` // base64-opaque to callers, raw JSON here
	PayloadHash    string    `db:"payload_hash" json:"payload_hash"`
	ParentRevHash  *string   `db:"parent_rev_hash" json:"parent_rev_hash,omitempty"`
	RevHash        string    `db:"rev_hash" json:"rev_hash"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// RevisionPatch is the canonicalized-before-hashing shape of a revision's
// payload. Handlers and the scheduler build one of these and hand it to
// store.TaskRepository.Append; the repository is responsible for
// canonicalization (sorted keys, no whitespace) before hashing.
type RevisionPatch struct {
	Status   TaskStatus `json:"status,omitempty"`
	WorkerID *uuid.UUID `json:"worker_id,omitempty"`
	Attempt  int        `json:"attempt,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Result   []byte     `json:"result,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
}

// ManifestKind distinguishes the two shapes of DOE-submitted manifest
// content.
type ManifestKind string

const (
	ManifestDesign ManifestKind = "design"
	ManifestPlan   ManifestKind = "plan"
)

// Manifest is a content-addressed, upserted row: submitting the same
// design/plan JSON twice reuses the existing row keyed by its hash.
type Manifest struct {
	Hash      string       `db:"hash" json:"hash"`
	Kind      ManifestKind `db:"kind" json:"kind"`
	Content   []byte       `db:"content" json:"content"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// EvaluationResult is one metric row recorded for a successfully
// completed evaluate-kind task. (task_id, evaluator_name, metric) is
// unique — repeated writes for the same triple overwrite the value.
type EvaluationResult struct {
	TaskID        uuid.UUID `db:"task_id" json:"task_id"`
	EvaluatorName string    `db:"evaluator_name" json:"evaluator_name"`
	Metric        string    `db:"metric" json:"metric"`
	Unit          string    `db:"unit" json:"unit"`
	Value         float64   `db:"value" json:"value"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
