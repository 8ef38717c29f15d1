package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
)

// PostgresStore runs each action in one database transaction.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithinTx binds every repository to a single transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, st Stores) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStores(tx))
	})
}

// NewTxStores builds the Stores for tx. Audit writes go through a savepoint.
func NewTxStores(tx pgx.Tx) Stores {
	return Stores{
		Entities: NewEntityRepository(tx),
		Workflows: &workflowStore{
			ApprovalWorkflowRepository: NewApprovalWorkflowRepository(tx),
			ApprovalStepsRepository:    NewApprovalStepsRepository(tx),
			ApprovalActionRepository:   NewApprovalActionRepository(tx),
		},
		Audit: &savepointAudit{tx: tx},
	}
}

type workflowStore struct {
	*ApprovalWorkflowRepository
	*ApprovalStepsRepository
	*ApprovalActionRepository
}

// savepointAudit keeps a failed audit insert from aborting the transaction.
type savepointAudit struct {
	tx pgx.Tx
}

func (a *savepointAudit) Record(ctx context.Context, rec AuditRecord) error {
	return database.Savepoint(ctx, a.tx, func(sp pgx.Tx) error {
		return NewApprovalAuditRepository(sp).Record(ctx, rec)
	})
}
