package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/domain"
	"github.com/peagen/peagen/internal/rpc"
)

// workStartParams is the body of a gateway-issued Work.start call.
type workStartParams struct {
	TaskID   uuid.UUID       `json:"task_id"`
	Kind     domain.TaskKind `json:"kind"`
	Args     []byte          `json:"args"`
	Deadline time.Time       `json:"deadline"`
	Attempt  int             `json:"attempt"`
}

type workStartResult struct {
	Accepted bool `json:"accepted"`
}

type workCancelParams struct {
	TaskID uuid.UUID `json:"task_id"`
	Reason string    `json:"reason"`
}

type workCancelResult struct {
	Ack bool `json:"ack"`
}

// registerRPC mounts Work.start and Work.cancel on reg, backed by p.
func registerRPC(reg *rpc.Registry, p *pool) {
	reg.Register("Work.start", func(ctx context.Context, params json.RawMessage) (any, error) {
		var req workStartParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("worker: decode Work.start params: %w", err)
		}
		p.Submit(job{
			TaskID:   req.TaskID,
			Kind:     req.Kind,
			Args:     req.Args,
			Deadline: req.Deadline,
			Attempt:  req.Attempt,
		})
		return workStartResult{Accepted: true}, nil
	})

	reg.Register("Work.cancel", func(ctx context.Context, params json.RawMessage) (any, error) {
		var req workCancelParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("worker: decode Work.cancel params: %w", err)
		}
		ack := p.Cancel(req.TaskID)
		return workCancelResult{Ack: ack}, nil
	})
}
