package repository

import (
	"context"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// ApprovalActionRepository appends to and reads the workflow action log.
// The table rejects UPDATE and DELETE through a trigger.
type ApprovalActionRepository struct {
	db database.Querier
}

// NewApprovalActionRepository creates a new ApprovalActionRepository.
func NewApprovalActionRepository(db database.Querier) *ApprovalActionRepository {
	return &ApprovalActionRepository{db: db}
}

// InsertAction appends a log entry and fills in its id.
func (r *ApprovalActionRepository) InsertAction(ctx context.Context, a *ApprovalAction) error {
	query := `
		INSERT INTO procurement_approval_actions
		    (tenant_id, workflow_id, step_id, action, actor_user_id, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		a.TenantID,
		a.WorkflowID,
		a.StepID,
		a.Action,
		a.ActorUserID,
		a.Notes,
		a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert approval action")
	}
	return nil
}

// FindActions returns the workflow's log oldest-first.
func (r *ApprovalActionRepository) FindActions(ctx context.Context, tenantID, workflowID string) ([]*ApprovalAction, error) {
	query := `
		SELECT id, tenant_id, workflow_id, step_id, action, actor_user_id, notes, created_at
		FROM procurement_approval_actions
		WHERE tenant_id = $1 AND workflow_id = $2
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval actions")
	}
	defer rows.Close()

	var actions []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.WorkflowID,
			&a.StepID,
			&a.Action,
			&a.ActorUserID,
			&a.Notes,
			&a.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval actions")
	}
	return actions, nil
}
