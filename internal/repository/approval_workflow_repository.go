package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

const workflowColumns = `
	id, tenant_id, entity_type, entity_id, status,
	current_step, total_steps,
	created_by_user_id, submitted_at,
	decided_at, decision_notes,
	created_at, updated_at`

// ApprovalWorkflowRepository manages the one workflow row per entity.
type ApprovalWorkflowRepository struct {
	db database.Querier
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db database.Querier) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db}
}

// FindWorkflow returns the entity's workflow, or nil when none exists.
func (r *ApprovalWorkflowRepository) FindWorkflow(ctx context.Context, tenantID string, t EntityType, entityID string) (*ApprovalWorkflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM procurement_approval_workflows
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, tenantID, t.WorkflowType(), entityID))
	if err == pgx.ErrNoRows || isInvalidTextRepresentation(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval workflow")
	}
	return wf, nil
}

// UpsertWorkflow opens the entity's workflow at step 1. An existing terminal
// row is reset in place and keeps its id; an existing PENDING row is left
// alone and ErrWorkflowPending is returned, which is how a concurrent second
// submit loses against the unique (tenant, type, entity) key.
func (r *ApprovalWorkflowRepository) UpsertWorkflow(ctx context.Context, p UpsertWorkflowParams) (*ApprovalWorkflow, error) {
	query := `
		INSERT INTO procurement_approval_workflows
		    (tenant_id, entity_type, entity_id, status,
		     current_step, total_steps,
		     created_by_user_id, submitted_at,
		     decided_at, decision_notes, updated_at)
		VALUES ($1, $2, $3, 'PENDING',
		        1, $4,
		        $5, $6,
		        NULL, $7, $6)
		ON CONFLICT (tenant_id, entity_type, entity_id) DO UPDATE
		SET status             = 'PENDING',
		    current_step       = 1,
		    total_steps        = EXCLUDED.total_steps,
		    created_by_user_id = EXCLUDED.created_by_user_id,
		    submitted_at       = EXCLUDED.submitted_at,
		    decided_at         = NULL,
		    decision_notes     = EXCLUDED.decision_notes,
		    updated_at         = EXCLUDED.updated_at
		WHERE procurement_approval_workflows.status <> 'PENDING'
		RETURNING ` + workflowColumns

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query,
		p.TenantID,
		p.EntityType.WorkflowType(),
		p.EntityID,
		p.TotalSteps,
		p.ActorUserID,
		p.Now,
		p.Notes,
	))
	if err == pgx.ErrNoRows {
		return nil, ErrWorkflowPending
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert approval workflow")
	}
	return wf, nil
}

// UpdateWorkflow applies patch and returns the updated row.
func (r *ApprovalWorkflowRepository) UpdateWorkflow(ctx context.Context, tenantID, workflowID string, patch WorkflowPatch) (*ApprovalWorkflow, error) {
	var sets []string
	args := []any{tenantID, workflowID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.CurrentStep != nil {
		add("current_step", *patch.CurrentStep)
	}
	if d := patch.Decision; d != nil {
		add("status", d.Status)
		add("decided_at", d.DecidedAt)
		add("decision_notes", d.Notes)
	}
	sets = append(sets, "updated_at = NOW()")

	query := `
		UPDATE procurement_approval_workflows
		SET ` + strings.Join(sets, ", ") + `
		WHERE tenant_id = $1 AND id = $2
		RETURNING ` + workflowColumns

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_workflow", workflowID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval workflow")
	}
	return wf, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalWorkflowRepository) scanWorkflow(row rowScanner) (*ApprovalWorkflow, error) {
	wf := &ApprovalWorkflow{}
	err := row.Scan(
		&wf.ID,
		&wf.TenantID,
		&wf.EntityType,
		&wf.EntityID,
		&wf.Status,
		&wf.CurrentStep,
		&wf.TotalSteps,
		&wf.CreatedByUserID,
		&wf.SubmittedAt,
		&wf.DecidedAt,
		&wf.DecisionNotes,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}
