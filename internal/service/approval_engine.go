package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-procurement-approvals/internal/auth"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/metrics"
	"github.com/pesio-ai/be-procurement-approvals/internal/middleware"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

// Action is a caller-requested workflow transition.
type Action string

const (
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction accepts only submit, approve and reject.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionSubmit, ActionApprove, ActionReject:
		return a, nil
	default:
		return "", errors.InvalidInput("action", fmt.Sprintf("unsupported action %q", s))
	}
}

// MessageAlreadyPending accompanies the idempotent submit result.
const MessageAlreadyPending = "Workflow already pending approval."

// ProcessApprovalInput is one requested action.
type ProcessApprovalInput struct {
	EntityType string
	EntityID   string
	Action     string
	Notes      *string
}

// ApprovalResult is the outcome of a committed action. Entity is set for
// submit and terminal transitions; PendingRole is set while a later step
// still waits.
type ApprovalResult struct {
	Workflow    *repository.ApprovalWorkflow `json:"workflow"`
	Steps       []*repository.ApprovalStep   `json:"steps"`
	Entity      *repository.Entity           `json:"entity,omitempty"`
	PendingRole *string                      `json:"pending_role,omitempty"`
	Message     string                       `json:"message,omitempty"`
}

// WorkflowView is the read model of an entity's workflow.
type WorkflowView struct {
	Workflow *repository.ApprovalWorkflow `json:"workflow"`
	Steps    []*repository.ApprovalStep   `json:"steps"`
	Actions  []*repository.ApprovalAction `json:"actions"`
}

// ApprovalEngine runs the approval state machine. Every action executes in
// one transaction obtained from the Transactor.
type ApprovalEngine struct {
	store  repository.Transactor
	log    *logger.Logger
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures an ApprovalEngine.
type Option func(*ApprovalEngine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *ApprovalEngine) { e.now = now }
}

// WithTracer overrides the tracer; the global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(e *ApprovalEngine) { e.tracer = t }
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(store repository.Transactor, log *logger.Logger, opts ...Option) *ApprovalEngine {
	e := &ApprovalEngine{
		store:  store,
		log:    log.WithComponent("approval_engine"),
		now:    func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer("github.com/pesio-ai/be-procurement-approvals/internal/service"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessApproval validates and executes one action. Every returned error is
// an *errors.Problem.
func (e *ApprovalEngine) ProcessApproval(ctx context.Context, uc *auth.UserContext, in ProcessApprovalInput) (res *ApprovalResult, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "ApprovalEngine.ProcessApproval", trace.WithAttributes(
		attribute.String("approval.entity_type", in.EntityType),
		attribute.String("approval.entity_id", in.EntityID),
		attribute.String("approval.action", in.Action),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			e.log.Error().
				Str("panic", fmt.Sprint(p)).
				Str("entity_type", in.EntityType).
				Str("entity_id", in.EntityID).
				Str("action", in.Action).
				Msg("Approval action panicked")
			res, err = nil, errors.Unexpected(fmt.Errorf("panic: %v", p))
		}
		e.finish(span, in.EntityType, in.Action, start, &err)
	}()

	typ, action, err := validateInput(uc, in)
	if err != nil {
		return nil, err
	}

	err = e.store.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		var txErr error
		switch action {
		case ActionSubmit:
			res, txErr = e.submit(ctx, st, uc, typ, in.EntityID, in.Notes)
		case ActionApprove:
			res, txErr = e.approve(ctx, st, uc, typ, in.EntityID, in.Notes)
		case ActionReject:
			res, txErr = e.reject(ctx, st, uc, typ, in.EntityID, in.Notes)
		}
		return txErr
	})
	if err != nil {
		return nil, asStorageFailure(err)
	}

	if res.Message == "" {
		metrics.ApprovalTransitionsTotal.WithLabelValues(string(typ), res.Workflow.Status).Inc()
	}
	e.log.Info().
		Str("tenant_id", uc.TenantID).
		Str("entity_type", string(typ)).
		Str("entity_id", in.EntityID).
		Str("workflow_id", res.Workflow.ID).
		Str("workflow_status", res.Workflow.Status).
		Int("current_step", res.Workflow.CurrentStep).
		Str("action", string(action)).
		Str("actor_id", uc.UserID).
		Bool("no_op", res.Message != "").
		Msg("Approval action committed")
	return res, nil
}

// GetWorkflow returns the workflow, steps and action log of an entity.
func (e *ApprovalEngine) GetWorkflow(ctx context.Context, uc *auth.UserContext, entityType, entityID string) (view *WorkflowView, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "ApprovalEngine.GetWorkflow", trace.WithAttributes(
		attribute.String("approval.entity_type", entityType),
		attribute.String("approval.entity_id", entityID),
	))
	defer span.End()
	defer e.finish(span, entityType, "get", start, &err)

	typ, _, err := validateInput(uc, ProcessApprovalInput{EntityType: entityType, EntityID: entityID, Action: string(ActionSubmit)})
	if err != nil {
		return nil, err
	}

	err = e.store.WithinTx(ctx, func(ctx context.Context, st repository.Stores) error {
		wf, err := st.Workflows.FindWorkflow(ctx, uc.TenantID, typ, entityID)
		if err != nil {
			return err
		}
		if wf == nil {
			return errors.NoWorkflow(string(typ))
		}
		steps, err := st.Workflows.FindSteps(ctx, uc.TenantID, wf.ID)
		if err != nil {
			return err
		}
		actions, err := st.Workflows.FindActions(ctx, uc.TenantID, wf.ID)
		if err != nil {
			return err
		}
		view = &WorkflowView{Workflow: wf, Steps: steps, Actions: actions}
		return nil
	})
	if err != nil {
		return nil, asStorageFailure(err)
	}
	return view, nil
}

// finish classifies *errp as a Problem and records metrics and span status.
func (e *ApprovalEngine) finish(span trace.Span, entityType, action string, start time.Time, errp *error) {
	outcome := "ok"
	if *errp != nil {
		p := errors.ToProblem(*errp)
		*errp = p
		outcome = string(p.Code)
		span.RecordError(p)
		span.SetStatus(codes.Error, string(p.Code))
		if p.Status >= 500 {
			e.log.Error().Err(p.Unwrap()).
				Str("code", string(p.Code)).
				Str("entity_type", entityType).
				Str("action", action).
				Msg("Approval action failed")
		}
	}
	if _, err := repository.ParseEntityType(entityType); err != nil {
		entityType = "invalid"
	}
	if _, err := ParseAction(action); err != nil && action != "get" {
		action = "invalid"
	}
	metrics.ObserveAction(entityType, action, outcome, time.Since(start))
}

// asStorageFailure classifies anything the transaction returned that is not
// already a Problem as a storage failure.
func asStorageFailure(err error) error {
	if _, ok := errors.AsProblem(err); ok {
		return err
	}
	return errors.StorageFailure(err)
}

func validateInput(uc *auth.UserContext, in ProcessApprovalInput) (repository.EntityType, Action, error) {
	if err := uc.Validate(); err != nil {
		return "", "", errors.Unauthorized(err.Error())
	}
	typ, err := repository.ParseEntityType(in.EntityType)
	if err != nil {
		return "", "", errors.Validation("entity_type", fmt.Sprintf("must be %s or %s", repository.EntityPurchaseOrder, repository.EntitySupplyRequest))
	}
	action, err := ParseAction(in.Action)
	if err != nil {
		return "", "", errors.Validation("action", "must be submit, approve or reject")
	}
	if strings.TrimSpace(in.EntityID) == "" {
		return "", "", errors.Validation("entity_id", "is required")
	}
	return typ, action, nil
}

// ── Submit ────────────────────────────────────────────────────────────────────

func (e *ApprovalEngine) submit(
	ctx context.Context,
	st repository.Stores,
	uc *auth.UserContext,
	typ repository.EntityType,
	entityID string,
	notes *string,
) (*ApprovalResult, error) {
	entity, err := e.findEntity(ctx, st, uc, typ, entityID)
	if err != nil {
		return nil, err
	}

	wf, err := st.Workflows.FindWorkflow(ctx, uc.TenantID, typ, entityID)
	if err != nil {
		return nil, err
	}
	if wf != nil {
		switch wf.Status {
		case repository.WorkflowPending:
			return e.alreadyPending(ctx, st, wf, entity)
		case repository.WorkflowApproved:
			return nil, errors.AlreadyApproved()
		}
	}

	roles := RequiredRoles(typ, entity.Total)
	now := e.now()

	wf, err = st.Workflows.UpsertWorkflow(ctx, repository.UpsertWorkflowParams{
		TenantID:    uc.TenantID,
		EntityType:  typ,
		EntityID:    entityID,
		ActorUserID: uc.UserID,
		TotalSteps:  len(roles),
		Notes:       notes,
		Now:         now,
	})
	if errors.Is(err, repository.ErrWorkflowPending) {
		// A concurrent submit won; report its workflow.
		wf, err = st.Workflows.FindWorkflow(ctx, uc.TenantID, typ, entityID)
		if err != nil {
			return nil, err
		}
		if wf == nil {
			return nil, errors.Wrap(repository.ErrWorkflowPending, errors.ErrCodeInternal, "pending workflow disappeared")
		}
		return e.alreadyPending(ctx, st, wf, entity)
	}
	if err != nil {
		return nil, err
	}

	steps, err := st.Workflows.ReplaceSteps(ctx, uc.TenantID, wf.ID, roles)
	if err != nil {
		return nil, err
	}

	patch := repository.EntityPatch{SubmittedForApprovalAt: &now, ApprovalNotes: notes}
	if typ == repository.EntityPurchaseOrder {
		status := repository.EntityStatusPendingApproval
		patch.Status = &status
	}
	after, err := st.Entities.UpdateEntity(ctx, typ, uc.TenantID, entityID, patch)
	if err != nil {
		return nil, err
	}

	if err := st.Workflows.InsertAction(ctx, &repository.ApprovalAction{
		TenantID:    uc.TenantID,
		WorkflowID:  wf.ID,
		Action:      repository.ActionSubmitted,
		ActorUserID: uc.UserID,
		Notes:       notes,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	e.recordAudit(ctx, st, uc, typ, repository.AuditSubmitForApproval, "_submit_for_approval", entity, after)

	return &ApprovalResult{Workflow: wf, Steps: steps, Entity: after}, nil
}

func (e *ApprovalEngine) alreadyPending(
	ctx context.Context,
	st repository.Stores,
	wf *repository.ApprovalWorkflow,
	entity *repository.Entity,
) (*ApprovalResult, error) {
	steps, err := st.Workflows.FindSteps(ctx, wf.TenantID, wf.ID)
	if err != nil {
		return nil, err
	}
	return &ApprovalResult{Workflow: wf, Steps: steps, Entity: entity, Message: MessageAlreadyPending}, nil
}

// ── Approve / reject ──────────────────────────────────────────────────────────

// pendingState is a workflow that passed the shared approve/reject checks.
type pendingState struct {
	entity   *repository.Entity
	workflow *repository.ApprovalWorkflow
	steps    []*repository.ApprovalStep
	current  *repository.ApprovalStep
}

// loadPending checks, in order: the workflow is PENDING, a pending step
// exists, and the actor may act on it.
func (e *ApprovalEngine) loadPending(
	ctx context.Context,
	st repository.Stores,
	uc *auth.UserContext,
	typ repository.EntityType,
	entityID string,
) (*pendingState, error) {
	entity, err := e.findEntity(ctx, st, uc, typ, entityID)
	if err != nil {
		return nil, err
	}

	wf, err := st.Workflows.FindWorkflow(ctx, uc.TenantID, typ, entityID)
	if err != nil {
		return nil, err
	}
	if wf == nil || wf.Status != repository.WorkflowPending {
		return nil, errors.NoPendingWorkflow()
	}

	steps, err := st.Workflows.FindSteps(ctx, uc.TenantID, wf.ID)
	if err != nil {
		return nil, err
	}
	current := firstPending(steps, 0)
	if current == nil {
		return nil, errors.NoPendingStep()
	}
	if !IsAuthorized(uc.Roles, current.ApproverRole) {
		return nil, errors.Forbidden(current.ApproverRole)
	}

	return &pendingState{entity: entity, workflow: wf, steps: steps, current: current}, nil
}

func (e *ApprovalEngine) approve(
	ctx context.Context,
	st repository.Stores,
	uc *auth.UserContext,
	typ repository.EntityType,
	entityID string,
	notes *string,
) (*ApprovalResult, error) {
	ps, err := e.loadPending(ctx, st, uc, typ, entityID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	if err := st.Workflows.UpdateStep(ctx, uc.TenantID, ps.current.ID, repository.StepPatch{
		Status:        repository.StepApproved,
		ActedByUserID: uc.UserID,
		ActedAt:       now,
		Notes:         notes,
	}); err != nil {
		return nil, err
	}

	if next := firstPending(ps.steps, ps.current.StepOrder); next != nil {
		wf, err := st.Workflows.UpdateWorkflow(ctx, uc.TenantID, ps.workflow.ID, repository.WorkflowPatch{CurrentStep: &next.StepOrder})
		if err != nil {
			return nil, err
		}
		if err := e.insertStepAction(ctx, st, uc, wf.ID, ps.current.ID, repository.ActionApproved, notes, now); err != nil {
			return nil, err
		}
		steps, err := st.Workflows.FindSteps(ctx, uc.TenantID, wf.ID)
		if err != nil {
			return nil, err
		}
		role := next.ApproverRole
		return &ApprovalResult{Workflow: wf, Steps: steps, PendingRole: &role}, nil
	}

	wf, err := st.Workflows.UpdateWorkflow(ctx, uc.TenantID, ps.workflow.ID, repository.WorkflowPatch{
		Decision: &repository.WorkflowDecision{Status: repository.WorkflowApproved, DecidedAt: now, Notes: notes},
	})
	if err != nil {
		return nil, err
	}

	status := repository.EntityStatusApproved
	actor := uc.UserID
	after, err := st.Entities.UpdateEntity(ctx, typ, uc.TenantID, entityID, repository.EntityPatch{
		Status:        &status,
		ApprovalNotes: notes,
		Approval:      &repository.ApprovalStamp{At: &now, ByUserID: &actor},
	})
	if err != nil {
		return nil, err
	}

	if err := e.insertStepAction(ctx, st, uc, wf.ID, ps.current.ID, repository.ActionApproved, notes, now); err != nil {
		return nil, err
	}
	e.recordAudit(ctx, st, uc, typ, repository.AuditApprove, "_approval_approve", ps.entity, after)

	steps, err := st.Workflows.FindSteps(ctx, uc.TenantID, wf.ID)
	if err != nil {
		return nil, err
	}
	return &ApprovalResult{Workflow: wf, Steps: steps, Entity: after}, nil
}

func (e *ApprovalEngine) reject(
	ctx context.Context,
	st repository.Stores,
	uc *auth.UserContext,
	typ repository.EntityType,
	entityID string,
	notes *string,
) (*ApprovalResult, error) {
	ps, err := e.loadPending(ctx, st, uc, typ, entityID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	if err := st.Workflows.UpdateStep(ctx, uc.TenantID, ps.current.ID, repository.StepPatch{
		Status:        repository.StepRejected,
		ActedByUserID: uc.UserID,
		ActedAt:       now,
		Notes:         notes,
	}); err != nil {
		return nil, err
	}
	if err := st.Workflows.SkipPendingSteps(ctx, uc.TenantID, ps.workflow.ID); err != nil {
		return nil, err
	}

	wf, err := st.Workflows.UpdateWorkflow(ctx, uc.TenantID, ps.workflow.ID, repository.WorkflowPatch{
		Decision: &repository.WorkflowDecision{Status: repository.WorkflowRejected, DecidedAt: now, Notes: notes},
	})
	if err != nil {
		return nil, err
	}

	status := repository.EntityStatusRejected
	after, err := st.Entities.UpdateEntity(ctx, typ, uc.TenantID, entityID, repository.EntityPatch{
		Status:        &status,
		ApprovalNotes: notes,
		Approval:      &repository.ApprovalStamp{},
	})
	if err != nil {
		return nil, err
	}

	if err := e.insertStepAction(ctx, st, uc, wf.ID, ps.current.ID, repository.ActionRejected, notes, now); err != nil {
		return nil, err
	}
	e.recordAudit(ctx, st, uc, typ, repository.AuditReject, "_approval_reject", ps.entity, after)

	steps, err := st.Workflows.FindSteps(ctx, uc.TenantID, wf.ID)
	if err != nil {
		return nil, err
	}
	return &ApprovalResult{Workflow: wf, Steps: steps, Entity: after}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (e *ApprovalEngine) findEntity(
	ctx context.Context,
	st repository.Stores,
	uc *auth.UserContext,
	typ repository.EntityType,
	entityID string,
) (*repository.Entity, error) {
	entity, err := st.Entities.FindEntity(ctx, typ, uc.TenantID, entityID)
	if errors.IsNotFound(err) {
		return nil, errors.EntityNotFound(string(typ))
	}
	return entity, err
}

func (e *ApprovalEngine) insertStepAction(
	ctx context.Context,
	st repository.Stores,
	uc *auth.UserContext,
	workflowID, stepID, action string,
	notes *string,
	now time.Time,
) error {
	return st.Workflows.InsertAction(ctx, &repository.ApprovalAction{
		TenantID:    uc.TenantID,
		WorkflowID:  workflowID,
		StepID:      &stepID,
		Action:      action,
		ActorUserID: uc.UserID,
		Notes:       notes,
		CreatedAt:   now,
	})
}

// recordAudit writes the before/after snapshot. A failure is logged and
// counted but does not fail the action.
func (e *ApprovalEngine) recordAudit(
	ctx context.Context,
	st repository.Stores,
	uc *auth.UserContext,
	typ repository.EntityType,
	action, reasonSuffix string,
	before, after *repository.Entity,
) {
	auditCtx := map[string]any{"reason": typ.Table() + reasonSuffix}
	if id := middleware.GetRequestID(ctx); id != "" {
		auditCtx["request_id"] = id
	}

	err := st.Audit.Record(ctx, repository.AuditRecord{
		TenantID:    uc.TenantID,
		ActorUserID: uc.UserID,
		EntityType:  typ,
		EntityID:    before.ID,
		Action:      action,
		Before:      before,
		After:       after,
		Context:     auditCtx,
	})
	if err != nil {
		metrics.AuditFailuresTotal.WithLabelValues(string(typ), action).Inc()
		e.log.Warn().Err(err).
			Str("tenant_id", uc.TenantID).
			Str("entity_type", string(typ)).
			Str("entity_id", before.ID).
			Str("audit_action", action).
			Msg("Audit record failed; action continues")
	}
}

// firstPending returns the lowest-order PENDING step after afterOrder.
func firstPending(steps []*repository.ApprovalStep, afterOrder int) *repository.ApprovalStep {
	for _, s := range steps {
		if s.StepOrder > afterOrder && s.Status == repository.StepPending {
			return s
		}
	}
	return nil
}
