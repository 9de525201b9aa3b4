package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/domain"
)

// EvaluationResultRepository persists evaluate-task outputs. Rows are
// append-on-success and unique per (task_id, evaluator_name, metric); a
// resubmitted evaluation for the same triple overwrites the prior value
// rather than accumulating duplicates.
type EvaluationResultRepository interface {
	Record(ctx context.Context, r *domain.EvaluationResult) error
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]domain.EvaluationResult, error)
}

type evaluationResultRepository struct{ s *Store }

// NewEvaluationResultRepository returns an EvaluationResultRepository backed by s.
func NewEvaluationResultRepository(s *Store) EvaluationResultRepository {
	return &evaluationResultRepository{s: s}
}

func (r *evaluationResultRepository) Record(ctx context.Context, res *domain.EvaluationResult) error {
	_, err := r.s.Pool.Exec(ctx, `
		INSERT INTO evaluation_results (task_id, evaluator_name, metric, unit, value)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (task_id, evaluator_name, metric) DO UPDATE SET
			unit = EXCLUDED.unit, value = EXCLUDED.value`,
		res.TaskID, res.EvaluatorName, res.Metric, res.Unit, res.Value,
	)
	if err != nil {
		return fmt.Errorf("evaluations: record: %w", err)
	}
	return nil
}

func (r *evaluationResultRepository) ListByTask(ctx context.Context, taskID uuid.UUID) ([]domain.EvaluationResult, error) {
	rows, err := r.s.Pool.Query(ctx, `
		SELECT task_id, evaluator_name, metric, unit, value, created_at
		FROM evaluation_results WHERE task_id = $1 ORDER BY evaluator_name, metric`, taskID)
	if err != nil {
		return nil, fmt.Errorf("evaluations: list by task: %w", err)
	}
	defer rows.Close()

	var out []domain.EvaluationResult
	for rows.Next() {
		var e domain.EvaluationResult
		if err := rows.Scan(&e.TaskID, &e.EvaluatorName, &e.Metric, &e.Unit, &e.Value, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("evaluations: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
