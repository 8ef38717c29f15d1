package service

import (
	"context"
	stderrors "errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-procurement-approvals/internal/auth"
	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/middleware"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository/memory"
)

const (
	tenant = "tenant-1"
	poID   = "po-1"
	srID   = "sr-1"
)

var fixedNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	engine *ApprovalEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	return &fixture{
		store:  store,
		engine: NewApprovalEngine(store, logger.Nop(), WithClock(func() time.Time { return fixedNow })),
	}
}

func (f *fixture) putPurchaseOrder(total float64) {
	f.store.PutEntity(&repository.Entity{
		ID: poID, TenantID: tenant, Type: repository.EntityPurchaseOrder,
		Status: "DRAFT", Total: total,
		Fields: map[string]any{"po_number": "PO-0001"},
	})
}

func user(id string, roles ...string) *auth.UserContext {
	return &auth.UserContext{TenantID: tenant, UserID: id, Roles: roles}
}

func (f *fixture) do(t *testing.T, uc *auth.UserContext, typ repository.EntityType, id string, action Action, notes string) (*ApprovalResult, *errors.Problem) {
	t.Helper()
	res, err := f.engine.ProcessApproval(context.Background(), uc, ProcessApprovalInput{
		EntityType: string(typ),
		EntityID:   id,
		Action:     string(action),
		Notes:      repository.StringPtr(notes),
	})
	if err != nil {
		p, ok := errors.AsProblem(err)
		require.True(t, ok, "engine errors must be problems: %v", err)
		return nil, p
	}
	return res, nil
}

func (f *fixture) mustDo(t *testing.T, uc *auth.UserContext, typ repository.EntityType, id string, action Action, notes string) *ApprovalResult {
	t.Helper()
	res, p := f.do(t, uc, typ, id, action, notes)
	require.Nil(t, p)
	return res
}

func stepStatuses(steps []*repository.ApprovalStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ApproverRole + ":" + s.Status
	}
	return out
}

// assertSinglePending checks a PENDING workflow: the lowest-order PENDING
// step sits at current_step and every earlier step is APPROVED. Later steps
// stay PENDING until they are reached.
func assertSinglePending(t *testing.T, wf *repository.ApprovalWorkflow, steps []*repository.ApprovalStep) {
	t.Helper()
	if wf.Status != repository.WorkflowPending {
		return
	}
	var first *repository.ApprovalStep
	for _, s := range steps {
		if s.Status == repository.StepPending && (first == nil || s.StepOrder < first.StepOrder) {
			first = s
		}
	}
	require.NotNil(t, first, "pending workflow without a pending step")
	assert.Equal(t, wf.CurrentStep, first.StepOrder)
	for _, s := range steps {
		if s.StepOrder < first.StepOrder {
			assert.Equal(t, repository.StepApproved, s.Status, "step %d", s.StepOrder)
		}
	}
}

func TestScenarioSubmitCreatesTwoStepWorkflow(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)

	res := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "need stock")

	assert.Equal(t, repository.WorkflowPending, res.Workflow.Status)
	assert.Equal(t, 2, res.Workflow.TotalSteps)
	assert.Equal(t, 1, res.Workflow.CurrentStep)
	assert.Equal(t, "requester", res.Workflow.CreatedByUserID)
	assert.True(t, fixedNow.Equal(res.Workflow.SubmittedAt))
	assert.Nil(t, res.Workflow.DecidedAt)
	assert.Equal(t, []string{"WAREHOUSE:PENDING", "FINANCE:PENDING"}, stepStatuses(f.store.Steps(res.Workflow.ID)))
	assertSinglePending(t, res.Workflow, f.store.Steps(res.Workflow.ID))

	require.NotNil(t, res.Entity)
	assert.Equal(t, repository.EntityStatusPendingApproval, res.Entity.Status)
	require.NotNil(t, res.Entity.SubmittedForApprovalAt)
	assert.Equal(t, "need stock", *res.Entity.ApprovalNotes)

	actions := f.store.Actions(res.Workflow.ID)
	require.Len(t, actions, 1)
	assert.Equal(t, repository.ActionSubmitted, actions[0].Action)
	assert.Nil(t, actions[0].StepID)

	records := f.store.AuditRecords()
	require.Len(t, records, 1)
	assert.Equal(t, repository.AuditSubmitForApproval, records[0].Action)
	assert.Equal(t, "purchase_orders_submit_for_approval", records[0].Context["reason"])
	assert.Equal(t, "DRAFT", records[0].Before.(*repository.Entity).Status)
	assert.Equal(t, repository.EntityStatusPendingApproval, records[0].After.(*repository.Entity).Status)
}

func TestScenarioIntermediateApproveAdvances(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	sub := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")

	res := f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionApprove, "counted")

	assert.Equal(t, sub.Workflow.ID, res.Workflow.ID)
	assert.Equal(t, repository.WorkflowPending, res.Workflow.Status)
	assert.Equal(t, 2, res.Workflow.CurrentStep)
	require.NotNil(t, res.PendingRole)
	assert.Equal(t, RoleFinance, *res.PendingRole)
	assert.Nil(t, res.Entity)

	steps := f.store.Steps(res.Workflow.ID)
	assert.Equal(t, []string{"WAREHOUSE:APPROVED", "FINANCE:PENDING"}, stepStatuses(steps))
	assert.Equal(t, "wh-1", *steps[0].ActedByUserID)
	assert.Equal(t, "counted", *steps[0].Notes)
	assertSinglePending(t, res.Workflow, steps)

	assert.Equal(t, repository.EntityStatusPendingApproval, f.store.Entity(tenant, repository.EntityPurchaseOrder, poID).Status)
	assert.Len(t, f.store.AuditRecords(), 1, "intermediate approvals are not audited")
	assert.Len(t, f.store.Actions(res.Workflow.ID), 2)
}

func TestScenarioFinalApproveCompletes(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionApprove, "")

	res := f.mustDo(t, user("fin-1", RoleFinance), repository.EntityPurchaseOrder, poID, ActionApprove, "within budget")

	assert.Equal(t, repository.WorkflowApproved, res.Workflow.Status)
	require.NotNil(t, res.Workflow.DecidedAt)
	assert.Equal(t, "within budget", *res.Workflow.DecisionNotes)
	assert.Nil(t, res.PendingRole)

	entity := f.store.Entity(tenant, repository.EntityPurchaseOrder, poID)
	assert.Equal(t, repository.EntityStatusApproved, entity.Status)
	require.NotNil(t, entity.ApprovedAt)
	assert.True(t, fixedNow.Equal(*entity.ApprovedAt))
	assert.Equal(t, "fin-1", *entity.ApprovedByUserID)
	assert.Equal(t, "PO-0001", entity.Fields["po_number"])

	records := f.store.AuditRecords()
	require.Len(t, records, 2)
	assert.Equal(t, repository.AuditApprove, records[1].Action)
	assert.Equal(t, "purchase_orders_approval_approve", records[1].Context["reason"])
	assert.Equal(t, []string{"WAREHOUSE:APPROVED", "FINANCE:APPROVED"}, stepStatuses(res.Steps))
}

func TestScenarioRejectSkipsRemainingSteps(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")

	res := f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionReject, "damaged goods")

	assert.Equal(t, repository.WorkflowRejected, res.Workflow.Status)
	assert.Equal(t, []string{"WAREHOUSE:REJECTED", "FINANCE:SKIPPED"}, stepStatuses(f.store.Steps(res.Workflow.ID)))

	entity := f.store.Entity(tenant, repository.EntityPurchaseOrder, poID)
	assert.Equal(t, repository.EntityStatusRejected, entity.Status)
	assert.Nil(t, entity.ApprovedAt)
	assert.Nil(t, entity.ApprovedByUserID)
	assert.Equal(t, "damaged goods", *entity.ApprovalNotes)

	records := f.store.AuditRecords()
	require.Len(t, records, 2)
	assert.Equal(t, repository.AuditReject, records[1].Action)
	assert.Equal(t, "purchase_orders_approval_reject", records[1].Context["reason"])
}

func TestRejectKeepsEarlierApprovals(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionApprove, "")

	res := f.mustDo(t, user("fin-1", RoleFinance), repository.EntityPurchaseOrder, poID, ActionReject, "no budget")

	assert.Equal(t, []string{"WAREHOUSE:APPROVED", "FINANCE:REJECTED"}, stepStatuses(res.Steps))
}

func TestScenarioForbiddenLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	sub := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	entityBefore := f.store.Entity(tenant, repository.EntityPurchaseOrder, poID)

	_, p := f.do(t, user("mgr-1", "MANAGER"), repository.EntityPurchaseOrder, poID, ActionApprove, "")

	require.NotNil(t, p)
	assert.Equal(t, errors.CodeForbidden, p.Code)
	assert.Equal(t, 403, p.Status)
	assert.Contains(t, p.Detail, "WAREHOUSE")

	assert.Equal(t, []string{"WAREHOUSE:PENDING", "FINANCE:PENDING"}, stepStatuses(f.store.Steps(sub.Workflow.ID)))
	assert.Equal(t, entityBefore, f.store.Entity(tenant, repository.EntityPurchaseOrder, poID))
	assert.Len(t, f.store.Actions(sub.Workflow.ID), 1)
}

func TestScenarioResubmitAfterRejection(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(1500)
	first := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	assert.Equal(t, 1, first.Workflow.TotalSteps)
	oldSteps := f.store.Steps(first.Workflow.ID)
	f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionReject, "")

	entity := f.store.Entity(tenant, repository.EntityPurchaseOrder, poID)
	entity.Total = 2500
	f.store.PutEntity(entity)

	res := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "fixed quantities")

	assert.Equal(t, first.Workflow.ID, res.Workflow.ID)
	assert.Equal(t, repository.WorkflowPending, res.Workflow.Status)
	assert.Equal(t, 2, res.Workflow.TotalSteps)
	assert.Equal(t, 1, res.Workflow.CurrentStep)
	assert.Nil(t, res.Workflow.DecidedAt)

	steps := f.store.Steps(res.Workflow.ID)
	assert.Equal(t, []string{"WAREHOUSE:PENDING", "FINANCE:PENDING"}, stepStatuses(steps))
	assertSinglePending(t, res.Workflow, steps)
	for _, s := range steps {
		assert.NotEqual(t, oldSteps[0].ID, s.ID)
	}
	assert.Len(t, f.store.Actions(res.Workflow.ID), 3, "action log survives resubmission")
	assert.Equal(t, 1, f.store.WorkflowCount())
}

func TestSubmitIsIdempotentWhilePending(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	first := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	stepsBefore := f.store.Steps(first.Workflow.ID)

	again := f.mustDo(t, user("other"), repository.EntityPurchaseOrder, poID, ActionSubmit, "again")

	assert.Equal(t, MessageAlreadyPending, again.Message)
	assert.Equal(t, first.Workflow.ID, again.Workflow.ID)
	assert.Equal(t, "requester", again.Workflow.CreatedByUserID)
	assert.Equal(t, stepsBefore, f.store.Steps(first.Workflow.ID))
	assert.Len(t, f.store.AuditRecords(), 1)
	assert.Len(t, f.store.Actions(first.Workflow.ID), 1)
}

func TestConcurrentSubmitsCreateOneWorkflow(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.ProcessApproval(context.Background(), user("requester"), ProcessApprovalInput{
				EntityType: "purchase_order", EntityID: poID, Action: "submit",
			})
			errs[i] = err
			if err == nil {
				ids[i] = res.Workflow.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, f.store.WorkflowCount())
	assert.Len(t, f.store.AuditRecords(), 1)
	assert.Len(t, f.store.Actions(ids[0]), 1)
}

// racingWorkflows hides the workflow from the first FindWorkflow so submit
// reaches the upsert after another submit already opened it.
type racingWorkflows struct {
	repository.WorkflowStore
	hidden bool
}

func (r *racingWorkflows) FindWorkflow(ctx context.Context, tenantID string, t repository.EntityType, entityID string) (*repository.ApprovalWorkflow, error) {
	if !r.hidden {
		r.hidden = true
		return nil, nil
	}
	return r.WorkflowStore.FindWorkflow(ctx, tenantID, t, entityID)
}

type racingTransactor struct {
	inner repository.Transactor
}

func (r racingTransactor) WithinTx(ctx context.Context, fn func(context.Context, repository.Stores) error) error {
	return r.inner.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		st.Workflows = &racingWorkflows{WorkflowStore: st.Workflows}
		return fn(ctx, st)
	})
}

func TestSubmitLosingUpsertRaceIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	first := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")

	racing := NewApprovalEngine(racingTransactor{inner: f.store}, logger.Nop())
	res, err := racing.ProcessApproval(context.Background(), user("other"), ProcessApprovalInput{
		EntityType: "purchase_order", EntityID: poID, Action: "submit",
	})
	require.NoError(t, err)
	assert.Equal(t, MessageAlreadyPending, res.Message)
	assert.Equal(t, first.Workflow.ID, res.Workflow.ID)
	assert.Len(t, res.Steps, 2)
	assert.Len(t, f.store.AuditRecords(), 1)
}

func TestSubmitApprovedWorkflowConflicts(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(100)
	f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionApprove, "")

	_, p := f.do(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	require.NotNil(t, p)
	assert.Equal(t, errors.CodeAlreadyApproved, p.Code)
	assert.Equal(t, 409, p.Status)
}

func TestSubmitMissingEntity(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(100)

	_, p := f.do(t, &auth.UserContext{TenantID: "tenant-2", UserID: "u"}, repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	require.NotNil(t, p)
	assert.Equal(t, errors.CodeEntityNotFound, p.Code)
	assert.Equal(t, "No purchase_order found for this tenant", p.Detail)
	assert.Zero(t, f.store.WorkflowCount())
}

func TestApproveWithoutWorkflow(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(100)

	_, p := f.do(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionApprove, "")
	require.NotNil(t, p)
	assert.Equal(t, errors.CodeNoPendingWorkflow, p.Code)

	f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionReject, "")

	_, p = f.do(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionReject, "")
	require.NotNil(t, p)
	assert.Equal(t, errors.CodeNoPendingWorkflow, p.Code)
}

func TestApproveWithoutPendingStep(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(100)
	sub := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")

	// Corrupt the aggregate: the workflow stays PENDING with no PENDING step.
	require.NoError(t, f.store.WithinTx(context.Background(), func(ctx context.Context, st repository.Stores) error {
		return st.Workflows.SkipPendingSteps(ctx, tenant, sub.Workflow.ID)
	}))

	_, p := f.do(t, user("admin", RoleAdmin), repository.EntityPurchaseOrder, poID, ActionApprove, "")
	require.NotNil(t, p)
	assert.Equal(t, errors.CodeNoPendingStep, p.Code)
}

func TestAdminApprovesAnyStep(t *testing.T) {
	f := newFixture(t)
	f.store.PutEntity(&repository.Entity{ID: srID, TenantID: tenant, Type: repository.EntitySupplyRequest, Status: "OPEN"})

	sub := f.mustDo(t, user("requester"), repository.EntitySupplyRequest, srID, ActionSubmit, "")
	assert.Equal(t, "OPEN", sub.Entity.Status, "supply request status is not changed on submit")
	assert.Equal(t, []string{"WAREHOUSE:PENDING", "OPERATIONS:PENDING"}, stepStatuses(sub.Steps))

	mid := f.mustDo(t, user("admin", RoleAdmin), repository.EntitySupplyRequest, srID, ActionApprove, "")
	assert.Equal(t, RoleOperations, *mid.PendingRole)

	_, p := f.do(t, user("wh-1", RoleWarehouse), repository.EntitySupplyRequest, srID, ActionApprove, "")
	require.NotNil(t, p)
	assert.Equal(t, "This step requires OPERATIONS role.", p.Detail)

	done := f.mustDo(t, user("admin", RoleAdmin), repository.EntitySupplyRequest, srID, ActionApprove, "")
	assert.Equal(t, repository.WorkflowApproved, done.Workflow.Status)
	assert.Equal(t, "supply_requests_approval_approve", f.store.AuditRecords()[1].Context["reason"])
}

func TestStorageFailureRollsBackAction(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	sub := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")

	f.store.FailOn("UpdateWorkflow", stderrors.New("connection reset by peer"))
	_, p := f.do(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionApprove, "")

	require.NotNil(t, p)
	assert.Equal(t, errors.CodeStorageFailure, p.Code)
	assert.Equal(t, 500, p.Status)
	assert.Contains(t, p.Detail, "connection reset by peer")

	steps := f.store.Steps(sub.Workflow.ID)
	assert.Equal(t, []string{"WAREHOUSE:PENDING", "FINANCE:PENDING"}, stepStatuses(steps))
	wf := f.store.Workflow(tenant, repository.EntityPurchaseOrder, poID)
	assert.Equal(t, 1, wf.CurrentStep)
	assertSinglePending(t, wf, steps)
	assert.Len(t, f.store.Actions(sub.Workflow.ID), 1)

	// The failure was transient; retrying after a re-read succeeds.
	res := f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionApprove, "")
	assert.Equal(t, 2, res.Workflow.CurrentStep)
}

func TestSubmitFailureLeavesNoWorkflow(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)

	f.store.FailOn("InsertAction", stderrors.New("disk full"))
	_, p := f.do(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	require.NotNil(t, p)
	assert.Equal(t, errors.CodeStorageFailure, p.Code)

	assert.Zero(t, f.store.WorkflowCount())
	assert.Equal(t, "DRAFT", f.store.Entity(tenant, repository.EntityPurchaseOrder, poID).Status)
}

func TestAuditFailureDoesNotFailAction(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(100)

	f.store.FailOn("Record", stderrors.New("audit table locked"))
	res := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")

	assert.Equal(t, repository.WorkflowPending, res.Workflow.Status)
	assert.Empty(t, f.store.AuditRecords())
	assert.Equal(t, repository.EntityStatusPendingApproval, f.store.Entity(tenant, repository.EntityPurchaseOrder, poID).Status)
}

func TestAuditCarriesRequestID(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(100)

	ctx := middleware.WithRequestID(context.Background(), "req-123")
	_, err := f.engine.ProcessApproval(ctx, user("requester"), ProcessApprovalInput{
		EntityType: "purchase_order", EntityID: poID, Action: "submit",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-123", f.store.AuditRecords()[0].Context["request_id"])
}

type panickingTransactor struct{}

func (panickingTransactor) WithinTx(context.Context, func(context.Context, repository.Stores) error) error {
	panic("nil map write")
}

func TestPanicBecomesUnexpected(t *testing.T) {
	engine := NewApprovalEngine(panickingTransactor{}, logger.Nop())
	_, err := engine.ProcessApproval(context.Background(), user("requester"), ProcessApprovalInput{
		EntityType: "purchase_order", EntityID: poID, Action: "submit",
	})
	p, ok := errors.AsProblem(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeUnexpected, p.Code)
	assert.NotContains(t, p.Detail, "nil map")
}

func TestValidationHappensBeforeStoreAccess(t *testing.T) {
	engine := NewApprovalEngine(panickingTransactor{}, logger.Nop())

	tests := []struct {
		name string
		uc   *auth.UserContext
		in   ProcessApprovalInput
		code errors.ProblemCode
	}{
		{name: "unknown entity type", uc: user("u"), in: ProcessApprovalInput{EntityType: "invoice", EntityID: "x", Action: "submit"}, code: errors.CodeValidation},
		{name: "unknown action", uc: user("u"), in: ProcessApprovalInput{EntityType: "purchase_order", EntityID: "x", Action: "recall"}, code: errors.CodeValidation},
		{name: "missing entity id", uc: user("u"), in: ProcessApprovalInput{EntityType: "purchase_order", Action: "approve"}, code: errors.CodeValidation},
		{name: "missing tenant", uc: &auth.UserContext{UserID: "u"}, in: ProcessApprovalInput{EntityType: "purchase_order", EntityID: "x", Action: "submit"}, code: errors.CodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.ProcessApproval(context.Background(), tt.uc, tt.in)
			p, ok := errors.AsProblem(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, p.Code)
		})
	}
}

func TestGetWorkflow(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)

	_, err := f.engine.GetWorkflow(context.Background(), user("viewer"), "purchase_order", poID)
	p, ok := errors.AsProblem(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeNoWorkflow, p.Code)

	f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")
	f.mustDo(t, user("wh-1", RoleWarehouse), repository.EntityPurchaseOrder, poID, ActionApprove, "")

	view, err := f.engine.GetWorkflow(context.Background(), user("viewer"), "purchase_order", poID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Workflow.CurrentStep)
	assert.Len(t, view.Steps, 2)
	require.Len(t, view.Actions, 2)
	assert.Equal(t, repository.ActionSubmitted, view.Actions[0].Action)
	assert.Equal(t, repository.ActionApproved, view.Actions[1].Action)
	assert.Equal(t, view.Steps[0].ID, *view.Actions[1].StepID)

	_, err = f.engine.GetWorkflow(context.Background(), &auth.UserContext{TenantID: "tenant-2", UserID: "x"}, "purchase_order", poID)
	p, ok = errors.AsProblem(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeNoWorkflow, p.Code)
}

func TestOtherTenantCannotActOrRead(t *testing.T) {
	f := newFixture(t)
	f.putPurchaseOrder(5000)
	sub := f.mustDo(t, user("requester"), repository.EntityPurchaseOrder, poID, ActionSubmit, "")

	intruder := &auth.UserContext{TenantID: "tenant-2", UserID: "admin-2", Roles: []string{RoleAdmin}}
	for _, action := range []Action{ActionApprove, ActionReject, ActionSubmit} {
		_, p := f.do(t, intruder, repository.EntityPurchaseOrder, poID, action, "")
		require.NotNil(t, p, string(action))
		assert.Equal(t, errors.CodeEntityNotFound, p.Code, string(action))
	}

	_, err := f.engine.GetWorkflow(context.Background(), intruder, "purchase_order", poID)
	p, ok := errors.AsProblem(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeNoWorkflow, p.Code)

	steps := f.store.Steps(sub.Workflow.ID)
	assert.Equal(t, []string{"WAREHOUSE:PENDING", "FINANCE:PENDING"}, stepStatuses(steps))
	assert.Len(t, f.store.Actions(sub.Workflow.ID), 1)
	assert.Equal(t, 1, f.store.WorkflowCount())
	assert.Nil(t, f.store.Workflow("tenant-2", repository.EntityPurchaseOrder, poID))
}

func TestMalformedEntityIDIsNotFoundOnPostgres(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	engine := NewApprovalEngine(repository.NewPostgresStore(database.NewWithPool(mock, pgx.ReadCommitted)), logger.Nop())

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "purchase_orders" e`)).
		WithArgs(tenant, "not-a-uuid").
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "not-a-uuid"`})
	mock.ExpectRollback()

	_, err = engine.ProcessApproval(context.Background(), user("requester"), ProcessApprovalInput{
		EntityType: "purchase_order", EntityID: "not-a-uuid", Action: "submit",
	})
	p, ok := errors.AsProblem(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeEntityNotFound, p.Code)
	assert.Equal(t, 404, p.Status)
	assert.NotContains(t, p.Detail, "uuid")
	assert.NoError(t, mock.ExpectationsWereMet())
}
