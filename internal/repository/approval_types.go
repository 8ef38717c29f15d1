package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// ── Entity types ─────────────────────────────────────────────────────────────

// EntityType is the caller-facing name of an approvable procurement entity.
type EntityType string

const (
	EntityPurchaseOrder EntityType = "purchase_order"
	EntitySupplyRequest EntityType = "supply_request"
)

// ParseEntityType accepts only the known entity types.
func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(s); t {
	case EntityPurchaseOrder, EntitySupplyRequest:
		return t, nil
	default:
		return "", errors.InvalidInput("entity_type", fmt.Sprintf("unsupported entity type %q", s))
	}
}

// WorkflowType is the value stored in procurement_approval_workflows.entity_type.
func (t EntityType) WorkflowType() string {
	switch t {
	case EntityPurchaseOrder:
		return "PURCHASE_ORDER"
	case EntitySupplyRequest:
		return "SUPPLY_REQUEST"
	}
	return ""
}

// Table is the entity's backing table.
func (t EntityType) Table() string {
	switch t {
	case EntityPurchaseOrder:
		return "purchase_orders"
	case EntitySupplyRequest:
		return "supply_requests"
	}
	return ""
}

// Workflow statuses.
const (
	WorkflowPending  = "PENDING"
	WorkflowApproved = "APPROVED"
	WorkflowRejected = "REJECTED"
)

// Step statuses.
const (
	StepPending  = "PENDING"
	StepApproved = "APPROVED"
	StepRejected = "REJECTED"
	StepSkipped  = "SKIPPED"
)

// Action log entries.
const (
	ActionSubmitted = "SUBMITTED"
	ActionApproved  = "APPROVED"
	ActionRejected  = "REJECTED"
)

// Entity statuses written by the engine.
const (
	EntityStatusPendingApproval = "PENDING_APPROVAL"
	EntityStatusApproved        = "APPROVED"
	EntityStatusRejected        = "REJECTED"
)

// ── Workflow aggregate ───────────────────────────────────────────────────────

// ApprovalWorkflow is the single approval aggregate for one entity.
type ApprovalWorkflow struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	EntityType      string     `json:"entity_type"` // PURCHASE_ORDER | SUPPLY_REQUEST
	EntityID        string     `json:"entity_id"`
	Status          string     `json:"status"`
	CurrentStep     int        `json:"current_step"`
	TotalSteps      int        `json:"total_steps"`
	CreatedByUserID string     `json:"created_by_user_id"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	DecidedAt       *time.Time `json:"decided_at"`
	DecisionNotes   *string    `json:"decision_notes"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ApprovalStep is one sequential gate of a workflow.
type ApprovalStep struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	WorkflowID    string     `json:"workflow_id"`
	StepOrder     int        `json:"step_order"`
	ApproverRole  string     `json:"approver_role"`
	Status        string     `json:"status"`
	ActedByUserID *string    `json:"acted_by_user_id"`
	ActedAt       *time.Time `json:"acted_at"`
	Notes         *string    `json:"notes"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ApprovalAction is an append-only log entry. StepID is nil for SUBMITTED.
type ApprovalAction struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	WorkflowID  string    `json:"workflow_id"`
	StepID      *string   `json:"step_id"`
	Action      string    `json:"action"`
	ActorUserID string    `json:"actor_user_id"`
	Notes       *string   `json:"notes"`
	CreatedAt   time.Time `json:"created_at"`
}

// UpsertWorkflowParams (re)opens a workflow as PENDING at step 1.
type UpsertWorkflowParams struct {
	TenantID    string
	EntityType  EntityType
	EntityID    string
	ActorUserID string
	TotalSteps  int
	Notes       *string
	Now         time.Time
}

// WorkflowPatch updates a workflow. Nil fields are left untouched.
type WorkflowPatch struct {
	CurrentStep *int
	Decision    *WorkflowDecision
}

// WorkflowDecision finalizes a workflow.
type WorkflowDecision struct {
	Status    string
	DecidedAt time.Time
	Notes     *string
}

// StepPatch records an actor's decision on a step.
type StepPatch struct {
	Status        string
	ActedByUserID string
	ActedAt       time.Time
	Notes         *string
}

// AuditRecord is one before/after snapshot written to the audit sink.
type AuditRecord struct {
	TenantID    string
	ActorUserID string
	EntityType  EntityType
	EntityID    string
	Action      string
	Before      any
	After       any
	Context     map[string]any
}

// Audit actions.
const (
	AuditSubmitForApproval = "SUBMIT_FOR_APPROVAL"
	AuditApprove           = "APPROVE"
	AuditReject            = "REJECT"
)

// ── Entity ───────────────────────────────────────────────────────────────────

// Entity is a procurement record as seen by the approval engine. Only the
// approval columns are typed; every other column is carried opaquely in
// Fields so snapshots reflect the whole row.
type Entity struct {
	ID                     string
	TenantID               string
	Type                   EntityType
	Status                 string
	Total                  float64
	SubmittedForApprovalAt *time.Time
	ApprovedAt             *time.Time
	ApprovedByUserID       *string
	ApprovalNotes          *string
	VersionEtag            string
	Fields                 map[string]any
}

// EntityFromRow builds an Entity from a decoded row. A null or missing total
// counts as zero.
func EntityFromRow(t EntityType, row map[string]any) (*Entity, error) {
	e := &Entity{Type: t, Fields: maps.Clone(row)}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.ID = stringField(row, "id")
	e.TenantID = stringField(row, "tenant_id")
	e.Status = stringField(row, "status")
	e.VersionEtag = stringField(row, "version_etag")
	e.ApprovedByUserID = optionalString(row, "approved_by_user_id")
	e.ApprovalNotes = optionalString(row, "approval_notes")

	total, err := numberField(row, "total")
	if err != nil {
		return nil, err
	}
	e.Total = total

	if e.SubmittedForApprovalAt, err = timeField(row, "submitted_for_approval_at"); err != nil {
		return nil, err
	}
	if e.ApprovedAt, err = timeField(row, "approved_at"); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodeEntity parses a to_jsonb row. Numbers stay json.Number so NUMERIC
// columns keep their exact text in snapshots.
func DecodeEntity(t EntityType, raw []byte) (*Entity, error) {
	var row map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", t, err)
	}
	return EntityFromRow(t, row)
}

// Snapshot returns the full row with the typed approval columns applied.
func (e *Entity) Snapshot() map[string]any {
	row := maps.Clone(e.Fields)
	if row == nil {
		row = map[string]any{}
	}
	row["id"] = e.ID
	row["tenant_id"] = e.TenantID
	row["status"] = e.Status
	row["submitted_for_approval_at"] = e.SubmittedForApprovalAt
	row["approved_at"] = e.ApprovedAt
	row["approved_by_user_id"] = e.ApprovedByUserID
	row["approval_notes"] = e.ApprovalNotes
	if e.VersionEtag != "" {
		row["version_etag"] = e.VersionEtag
	}
	return row
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Snapshot())
}

// Clone deep-copies the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = maps.Clone(e.Fields)
	c.SubmittedForApprovalAt = cloneTime(e.SubmittedForApprovalAt)
	c.ApprovedAt = cloneTime(e.ApprovedAt)
	c.ApprovedByUserID = cloneString(e.ApprovedByUserID)
	c.ApprovalNotes = cloneString(e.ApprovalNotes)
	return &c
}

// EntityPatch is the set of approval columns an action writes.
// ApprovalNotes is always written, so nil clears it.
type EntityPatch struct {
	Status                 *string
	SubmittedForApprovalAt *time.Time
	ApprovalNotes          *string
	Approval               *ApprovalStamp
}

// ApprovalStamp sets approved_at and approved_by_user_id; nil values clear them.
type ApprovalStamp struct {
	At       *time.Time
	ByUserID *string
}

// Apply writes the patch onto e and rotates its version token.
func (p EntityPatch) Apply(e *Entity, versionEtag string) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.SubmittedForApprovalAt != nil {
		e.SubmittedForApprovalAt = cloneTime(p.SubmittedForApprovalAt)
	}
	e.ApprovalNotes = cloneString(p.ApprovalNotes)
	if p.Approval != nil {
		e.ApprovedAt = cloneTime(p.Approval.At)
		e.ApprovedByUserID = cloneString(p.Approval.ByUserID)
	}
	e.VersionEtag = versionEtag
}

// ── row helpers ───────────────────────────────────────────────────────────────

func stringField(row map[string]any, key string) string {
	if s, ok := row[key].(string); ok {
		return s
	}
	return ""
}

func optionalString(row map[string]any, key string) *string {
	if s, ok := row[key].(string); ok {
		return &s
	}
	return nil
}

func numberField(row map[string]any, key string) (float64, error) {
	switch v := row[key].(type) {
	case nil:
		return 0, nil
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("parse %s: unexpected type %T", key, v)
	}
}

func timeField(row map[string]any, key string) (*time.Time, error) {
	switch v := row[key].(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case *time.Time:
		return cloneTime(v), nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("parse %s: unexpected type %T", key, v)
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
