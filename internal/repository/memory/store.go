// Package memory is an in-process implementation of the approval stores.
// Transactions are serialized by one lock and rolled back by restoring a
// snapshot taken when the transaction began.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

type entityKey struct {
	tenantID string
	typ      repository.EntityType
	id       string
}

type workflowKey struct {
	tenantID   string
	entityType string
	entityID   string
}

type state struct {
	entities    map[entityKey]*repository.Entity
	workflows   map[string]*repository.ApprovalWorkflow
	workflowIDs map[workflowKey]string
	steps       map[string][]*repository.ApprovalStep
	actions     []*repository.ApprovalAction
	audit       []repository.AuditRecord
}

// Store satisfies repository.Transactor.
type Store struct {
	mu     sync.Mutex
	st     state
	faults map[string]error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		st: state{
			entities:    map[entityKey]*repository.Entity{},
			workflows:   map[string]*repository.ApprovalWorkflow{},
			workflowIDs: map[workflowKey]string{},
			steps:       map[string][]*repository.ApprovalStep{},
		},
		faults: map[string]error{},
	}
}

// WithinTx runs fn with exclusive access to the store. An error or panic
// from fn discards every write fn made.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, st repository.Stores) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	saved := s.st.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st = saved
			panic(p)
		}
		if err != nil {
			s.st = saved
		}
	}()

	tx := &txStores{s: s}
	return fn(ctx, repository.Stores{Entities: tx, Workflows: tx, Audit: tx})
}

// FailOn makes the next call to op fail with err. op is a store method name
// such as "UpdateStep" or "Record".
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// PutEntity inserts or replaces an entity.
func (s *Store) PutEntity(e *repository.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := e.Clone()
	if c.VersionEtag == "" {
		c.VersionEtag = uuid.NewString()
	}
	s.st.entities[entityKey{e.TenantID, e.Type, e.ID}] = c
}

// Entity returns a copy of the stored entity, or nil.
func (s *Store) Entity(tenantID string, t repository.EntityType, id string) *repository.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.entities[entityKey{tenantID, t, id}].Clone()
}

// Workflow returns a copy of the entity's workflow, or nil.
func (s *Store) Workflow(tenantID string, t repository.EntityType, entityID string) *repository.ApprovalWorkflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.st.workflowIDs[workflowKey{tenantID, t.WorkflowType(), entityID}]
	if !ok {
		return nil
	}
	return cloneWorkflow(s.st.workflows[id])
}

// Steps returns copies of a workflow's steps in order.
func (s *Store) Steps(workflowID string) []*repository.ApprovalStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSteps(s.st.steps[workflowID])
}

// Actions returns the action log of a workflow.
func (s *Store) Actions(workflowID string) []*repository.ApprovalAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ApprovalAction
	for _, a := range s.st.actions {
		if a.WorkflowID == workflowID {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}

// AuditRecords returns every recorded audit entry.
func (s *Store) AuditRecords() []repository.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repository.AuditRecord(nil), s.st.audit...)
}

// WorkflowCount counts workflows across all tenants.
func (s *Store) WorkflowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.workflows)
}

// ── transaction-bound stores ─────────────────────────────────────────────────

// txStores runs with s.mu held by WithinTx.
type txStores struct {
	s *Store
}

func (t *txStores) fault(op string) error {
	if err, ok := t.s.faults[op]; ok {
		delete(t.s.faults, op)
		return err
	}
	return nil
}

func (t *txStores) FindEntity(_ context.Context, typ repository.EntityType, tenantID, id string) (*repository.Entity, error) {
	if err := t.fault("FindEntity"); err != nil {
		return nil, err
	}
	e, ok := t.s.st.entities[entityKey{tenantID, typ, id}]
	if !ok {
		return nil, errors.NotFound(string(typ), id)
	}
	return e.Clone(), nil
}

func (t *txStores) UpdateEntity(_ context.Context, typ repository.EntityType, tenantID, id string, patch repository.EntityPatch) (*repository.Entity, error) {
	if err := t.fault("UpdateEntity"); err != nil {
		return nil, err
	}
	e, ok := t.s.st.entities[entityKey{tenantID, typ, id}]
	if !ok {
		return nil, errors.NotFound(string(typ), id)
	}
	patch.Apply(e, uuid.NewString())
	return e.Clone(), nil
}

func (t *txStores) FindWorkflow(_ context.Context, tenantID string, typ repository.EntityType, entityID string) (*repository.ApprovalWorkflow, error) {
	if err := t.fault("FindWorkflow"); err != nil {
		return nil, err
	}
	id, ok := t.s.st.workflowIDs[workflowKey{tenantID, typ.WorkflowType(), entityID}]
	if !ok {
		return nil, nil
	}
	return cloneWorkflow(t.s.st.workflows[id]), nil
}

func (t *txStores) UpsertWorkflow(_ context.Context, p repository.UpsertWorkflowParams) (*repository.ApprovalWorkflow, error) {
	if err := t.fault("UpsertWorkflow"); err != nil {
		return nil, err
	}
	key := workflowKey{p.TenantID, p.EntityType.WorkflowType(), p.EntityID}
	wf, exists := t.s.st.workflows[t.s.st.workflowIDs[key]]
	if exists && wf.Status == repository.WorkflowPending {
		return nil, repository.ErrWorkflowPending
	}
	if !exists {
		wf = &repository.ApprovalWorkflow{
			ID:         uuid.NewString(),
			TenantID:   p.TenantID,
			EntityType: key.entityType,
			EntityID:   p.EntityID,
			CreatedAt:  p.Now,
		}
		t.s.st.workflows[wf.ID] = wf
		t.s.st.workflowIDs[key] = wf.ID
	}
	wf.Status = repository.WorkflowPending
	wf.CurrentStep = 1
	wf.TotalSteps = p.TotalSteps
	wf.CreatedByUserID = p.ActorUserID
	wf.SubmittedAt = p.Now
	wf.DecidedAt = nil
	wf.DecisionNotes = copyString(p.Notes)
	wf.UpdatedAt = p.Now
	return cloneWorkflow(wf), nil
}

func (t *txStores) UpdateWorkflow(_ context.Context, tenantID, workflowID string, patch repository.WorkflowPatch) (*repository.ApprovalWorkflow, error) {
	if err := t.fault("UpdateWorkflow"); err != nil {
		return nil, err
	}
	wf, ok := t.s.st.workflows[workflowID]
	if !ok || wf.TenantID != tenantID {
		return nil, errors.NotFound("approval_workflow", workflowID)
	}
	if patch.CurrentStep != nil {
		wf.CurrentStep = *patch.CurrentStep
	}
	if d := patch.Decision; d != nil {
		decided := d.DecidedAt
		wf.Status = d.Status
		wf.DecidedAt = &decided
		wf.DecisionNotes = copyString(d.Notes)
	}
	wf.UpdatedAt = time.Now().UTC()
	return cloneWorkflow(wf), nil
}

func (t *txStores) ReplaceSteps(_ context.Context, tenantID, workflowID string, roles []string) ([]*repository.ApprovalStep, error) {
	if err := t.fault("ReplaceSteps"); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	steps := make([]*repository.ApprovalStep, 0, len(roles))
	for i, role := range roles {
		steps = append(steps, &repository.ApprovalStep{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			WorkflowID:   workflowID,
			StepOrder:    i + 1,
			ApproverRole: role,
			Status:       repository.StepPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	t.s.st.steps[workflowID] = steps
	return cloneSteps(steps), nil
}

func (t *txStores) FindSteps(_ context.Context, tenantID, workflowID string) ([]*repository.ApprovalStep, error) {
	if err := t.fault("FindSteps"); err != nil {
		return nil, err
	}
	var out []*repository.ApprovalStep
	for _, st := range t.s.st.steps[workflowID] {
		if st.TenantID == tenantID {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (t *txStores) UpdateStep(_ context.Context, tenantID, stepID string, patch repository.StepPatch) error {
	if err := t.fault("UpdateStep"); err != nil {
		return err
	}
	for _, steps := range t.s.st.steps {
		for _, st := range steps {
			if st.ID != stepID || st.TenantID != tenantID {
				continue
			}
			actor, at := patch.ActedByUserID, patch.ActedAt
			st.Status = patch.Status
			st.ActedByUserID = &actor
			st.ActedAt = &at
			st.Notes = copyString(patch.Notes)
			st.UpdatedAt = at
			return nil
		}
	}
	return errors.NotFound("approval_step", stepID)
}

func (t *txStores) SkipPendingSteps(_ context.Context, tenantID, workflowID string) error {
	if err := t.fault("SkipPendingSteps"); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, st := range t.s.st.steps[workflowID] {
		if st.TenantID == tenantID && st.Status == repository.StepPending {
			st.Status = repository.StepSkipped
			st.UpdatedAt = now
		}
	}
	return nil
}

func (t *txStores) InsertAction(_ context.Context, a *repository.ApprovalAction) error {
	if err := t.fault("InsertAction"); err != nil {
		return err
	}
	a.ID = uuid.NewString()
	c := *a
	c.StepID = copyString(a.StepID)
	c.Notes = copyString(a.Notes)
	t.s.st.actions = append(t.s.st.actions, &c)
	return nil
}

func (t *txStores) FindActions(_ context.Context, tenantID, workflowID string) ([]*repository.ApprovalAction, error) {
	if err := t.fault("FindActions"); err != nil {
		return nil, err
	}
	var out []*repository.ApprovalAction
	for _, a := range t.s.st.actions {
		if a.TenantID == tenantID && a.WorkflowID == workflowID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

// Record fails without touching the rest of the transaction.
func (t *txStores) Record(_ context.Context, rec repository.AuditRecord) error {
	if err := t.fault("Record"); err != nil {
		return err
	}
	t.s.st.audit = append(t.s.st.audit, rec)
	return nil
}

// ── copies ────────────────────────────────────────────────────────────────────

func (st state) clone() state {
	c := state{
		entities:    make(map[entityKey]*repository.Entity, len(st.entities)),
		workflows:   make(map[string]*repository.ApprovalWorkflow, len(st.workflows)),
		workflowIDs: make(map[workflowKey]string, len(st.workflowIDs)),
		steps:       make(map[string][]*repository.ApprovalStep, len(st.steps)),
		actions:     append([]*repository.ApprovalAction(nil), st.actions...),
		audit:       append([]repository.AuditRecord(nil), st.audit...),
	}
	for k, e := range st.entities {
		c.entities[k] = e.Clone()
	}
	for k, wf := range st.workflows {
		c.workflows[k] = cloneWorkflow(wf)
	}
	for k, id := range st.workflowIDs {
		c.workflowIDs[k] = id
	}
	for k, steps := range st.steps {
		c.steps[k] = cloneSteps(steps)
	}
	return c
}

func cloneWorkflow(wf *repository.ApprovalWorkflow) *repository.ApprovalWorkflow {
	if wf == nil {
		return nil
	}
	c := *wf
	if wf.DecidedAt != nil {
		d := *wf.DecidedAt
		c.DecidedAt = &d
	}
	c.DecisionNotes = copyString(wf.DecisionNotes)
	return &c
}

func cloneStep(st *repository.ApprovalStep) *repository.ApprovalStep {
	c := *st
	c.ActedByUserID = copyString(st.ActedByUserID)
	c.Notes = copyString(st.Notes)
	if st.ActedAt != nil {
		a := *st.ActedAt
		c.ActedAt = &a
	}
	return &c
}

func cloneSteps(steps []*repository.ApprovalStep) []*repository.ApprovalStep {
	if steps == nil {
		return nil
	}
	out := make([]*repository.ApprovalStep, len(steps))
	for i, st := range steps {
		out[i] = cloneStep(st)
	}
	return out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
