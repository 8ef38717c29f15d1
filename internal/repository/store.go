package repository

import (
	"context"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// ErrWorkflowPending is returned by UpsertWorkflow when the existing row is
// already PENDING and was left untouched.
var ErrWorkflowPending = errors.New(errors.ErrCodeConflict, "approval workflow already pending")

// EntityStore reads and patches procurement entities. FindEntity locks the
// row for the rest of the transaction and returns a NOT_FOUND AppError when
// the entity does not exist for the tenant.
type EntityStore interface {
	FindEntity(ctx context.Context, t EntityType, tenantID, id string) (*Entity, error)
	UpdateEntity(ctx context.Context, t EntityType, tenantID, id string, patch EntityPatch) (*Entity, error)
}

// WorkflowStore persists the workflow aggregate, its ordered steps and the
// append-only action log.
type WorkflowStore interface {
	// FindWorkflow returns nil, nil when the entity has no workflow.
	FindWorkflow(ctx context.Context, tenantID string, t EntityType, entityID string) (*ApprovalWorkflow, error)
	UpsertWorkflow(ctx context.Context, p UpsertWorkflowParams) (*ApprovalWorkflow, error)
	UpdateWorkflow(ctx context.Context, tenantID, workflowID string, patch WorkflowPatch) (*ApprovalWorkflow, error)

	// ReplaceSteps deletes every step of the workflow and inserts one PENDING
	// step per role, ordered from 1.
	ReplaceSteps(ctx context.Context, tenantID, workflowID string, roles []string) ([]*ApprovalStep, error)
	FindSteps(ctx context.Context, tenantID, workflowID string) ([]*ApprovalStep, error)
	UpdateStep(ctx context.Context, tenantID, stepID string, patch StepPatch) error
	SkipPendingSteps(ctx context.Context, tenantID, workflowID string) error

	InsertAction(ctx context.Context, a *ApprovalAction) error
	FindActions(ctx context.Context, tenantID, workflowID string) ([]*ApprovalAction, error)
}

// AuditSink records entity snapshots. A failed Record leaves the enclosing
// transaction usable.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// Stores groups the collaborators bound to one transaction.
type Stores struct {
	Entities  EntityStore
	Workflows WorkflowStore
	Audit     AuditSink
}

// Transactor runs fn atomically. Any error from fn rolls back every write
// made through the Stores it was given.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}
