package repository

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

const stepColumns = `
	id, tenant_id, workflow_id,
	step_order, approver_role, status,
	acted_by_user_id, acted_at, notes,
	created_at, updated_at`

// ApprovalStepsRepository handles the ordered steps of a workflow.
type ApprovalStepsRepository struct {
	db database.Querier
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db database.Querier) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

// ReplaceSteps discards the workflow's steps and inserts fresh PENDING ones,
// numbered from 1 in role order.
func (r *ApprovalStepsRepository) ReplaceSteps(ctx context.Context, tenantID, workflowID string, roles []string) ([]*ApprovalStep, error) {
	_, err := r.db.Exec(ctx, `
		DELETE FROM procurement_approval_steps
		WHERE tenant_id = $1 AND workflow_id = $2
	`, tenantID, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval steps")
	}

	query := `
		INSERT INTO procurement_approval_steps
		    (tenant_id, workflow_id, step_order, approver_role, status)
		SELECT $1, $2, r.ord, r.role, 'PENDING'
		FROM unnest($3::text[]) WITH ORDINALITY AS r(role, ord)
		RETURNING ` + stepColumns

	rows, err := r.db.Query(ctx, query, tenantID, workflowID, roles)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval steps")
	}
	defer rows.Close()

	steps, err := r.scanRows(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval steps")
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

// FindSteps returns the workflow's steps ordered by step_order.
func (r *ApprovalStepsRepository) FindSteps(ctx context.Context, tenantID, workflowID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM procurement_approval_steps
		WHERE tenant_id = $1 AND workflow_id = $2
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	steps, err := r.scanRows(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	return steps, nil
}

// UpdateStep records an actor's decision.
func (r *ApprovalStepsRepository) UpdateStep(ctx context.Context, tenantID, stepID string, patch StepPatch) error {
	query := `
		UPDATE procurement_approval_steps
		SET status           = $3,
		    acted_by_user_id = $4,
		    acted_at         = $5,
		    notes            = $6,
		    updated_at       = $5
		WHERE tenant_id = $1 AND id = $2
	`

	tag, err := r.db.Exec(ctx, query, tenantID, stepID, patch.Status, patch.ActedByUserID, patch.ActedAt, patch.Notes)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_step", stepID)
	}
	return nil
}

// SkipPendingSteps marks every still-PENDING step SKIPPED.
func (r *ApprovalStepsRepository) SkipPendingSteps(ctx context.Context, tenantID, workflowID string) error {
	query := `
		UPDATE procurement_approval_steps
		SET status     = 'SKIPPED',
		    updated_at = NOW()
		WHERE tenant_id = $1 AND workflow_id = $2 AND status = 'PENDING'
	`

	if _, err := r.db.Exec(ctx, query, tenantID, workflowID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to skip approval steps")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalStepsRepository) scanRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s, err := r.scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (r *ApprovalStepsRepository) scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.WorkflowID,
		&s.StepOrder,
		&s.ApproverRole,
		&s.Status,
		&s.ActedByUserID,
		&s.ActedAt,
		&s.Notes,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
