package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// ApprovalAuditRepository writes entity snapshots to audit_mutations.
type ApprovalAuditRepository struct {
	db database.Querier
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db database.Querier) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Record inserts one audit row.
func (r *ApprovalAuditRepository) Record(ctx context.Context, rec AuditRecord) error {
	before, err := marshalJSON(rec.Before)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit before snapshot")
	}
	after, err := marshalJSON(rec.After)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit after snapshot")
	}
	var auditCtx []byte
	if rec.Context != nil {
		if auditCtx, err = json.Marshal(rec.Context); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit context")
		}
	}

	query := `
		INSERT INTO audit_mutations
		    (tenant_id, actor_user_id, entity_type, entity_id,
		     action, before, after, context)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
	`

	_, err = r.db.Exec(ctx, query,
		rec.TenantID,
		rec.ActorUserID,
		string(rec.EntityType),
		rec.EntityID,
		rec.Action,
		before,
		after,
		auditCtx,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit record")
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
