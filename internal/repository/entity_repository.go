package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// EntityRepository reads and patches purchase orders and supply requests.
// Rows are read whole through to_jsonb so the engine can snapshot columns it
// does not own.
type EntityRepository struct {
	db      database.Querier
	newEtag func() string
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(db database.Querier) *EntityRepository {
	return &EntityRepository{db: db, newEtag: func() string { return uuid.NewString() }}
}

// FindEntity loads and locks the entity row.
func (r *EntityRepository) FindEntity(ctx context.Context, t EntityType, tenantID, id string) (*Entity, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT to_jsonb(e)
		FROM %s e
		WHERE e.tenant_id = $1 AND e.id = $2
		FOR UPDATE
	`, table)

	var raw []byte
	err = r.db.QueryRow(ctx, query, tenantID, id).Scan(&raw)
	if err == pgx.ErrNoRows || isInvalidTextRepresentation(err) {
		return nil, errors.NotFound(string(t), id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load "+string(t))
	}
	return DecodeEntity(t, raw)
}

// UpdateEntity writes the approval columns and rotates version_etag.
func (r *EntityRepository) UpdateEntity(ctx context.Context, t EntityType, tenantID, id string, patch EntityPatch) (*Entity, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	sets := []string{"approval_notes = $3", "version_etag = $4"}
	args := []any{tenantID, id, patch.ApprovalNotes, r.newEtag()}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.SubmittedForApprovalAt != nil {
		add("submitted_for_approval_at", *patch.SubmittedForApprovalAt)
	}
	if patch.Approval != nil {
		add("approved_at", patch.Approval.At)
		add("approved_by_user_id", patch.Approval.ByUserID)
	}

	query := fmt.Sprintf(`
		UPDATE %s e
		SET %s
		WHERE e.tenant_id = $1 AND e.id = $2
		RETURNING to_jsonb(e)
	`, table, strings.Join(sets, ", "))

	var raw []byte
	err = r.db.QueryRow(ctx, query, args...).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(string(t), id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update "+string(t))
	}
	return DecodeEntity(t, raw)
}

func tableFor(t EntityType) (string, error) {
	table := t.Table()
	if table == "" {
		return "", errors.InvalidInput("entity_type", fmt.Sprintf("unsupported entity type %q", t))
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

// isInvalidTextRepresentation reports SQLSTATE 22P02, raised when an id that
// is not a UUID is compared against a uuid column. No such row can exist.
func isInvalidTextRepresentation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "22P02"
}
