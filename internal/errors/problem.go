package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ProblemCode names an approval outcome surfaced to callers.
type ProblemCode string

const (
	CodeEntityNotFound    ProblemCode = "EntityNotFound"
	CodeNoWorkflow        ProblemCode = "NoWorkflow"
	CodeAlreadyPending    ProblemCode = "AlreadyPending"
	CodeAlreadyApproved   ProblemCode = "AlreadyApproved"
	CodeNoPendingWorkflow ProblemCode = "NoPendingWorkflow"
	CodeNoPendingStep     ProblemCode = "NoPendingStep"
	CodeForbidden         ProblemCode = "Forbidden"
	CodeUnauthorized      ProblemCode = "Unauthorized"
	CodeValidation        ProblemCode = "Validation"
	CodeStorageFailure    ProblemCode = "StorageFailure"
	CodeUnexpected        ProblemCode = "Unexpected"
)

// ProblemTypeBase prefixes the RFC 9457 "type" URI.
const ProblemTypeBase = "https://errors.procurement.local/"

// Problem is a classified approval error.
type Problem struct {
	Code   ProblemCode
	Title  string
	Status int
	Detail string
	Err    error
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Code, p.Detail)
}

func (p *Problem) Unwrap() error {
	return p.Err
}

// ProblemDetails is the RFC 9457 wire shape.
type ProblemDetails struct {
	Type     string      `json:"type"`
	Title    string      `json:"title"`
	Status   int         `json:"status"`
	Detail   string      `json:"detail"`
	Instance string      `json:"instance"`
	Code     ProblemCode `json:"code"`
}

// Details renders the problem for a request path.
func (p *Problem) Details(instance string) ProblemDetails {
	return ProblemDetails{
		Type:     ProblemTypeBase + string(p.Code),
		Title:    p.Title,
		Status:   p.Status,
		Detail:   p.Detail,
		Instance: instance,
		Code:     p.Code,
	}
}

func EntityNotFound(entityType string) *Problem {
	return &Problem{
		Code:   CodeEntityNotFound,
		Title:  "Entity not found",
		Status: http.StatusNotFound,
		Detail: fmt.Sprintf("No %s found for this tenant", entityType),
	}
}

func NoWorkflow(entityType string) *Problem {
	return &Problem{
		Code:   CodeNoWorkflow,
		Title:  "No approval workflow",
		Status: http.StatusNotFound,
		Detail: fmt.Sprintf("No approval workflow exists for this %s.", entityType),
	}
}

func AlreadyPending() *Problem {
	return &Problem{
		Code:   CodeAlreadyPending,
		Title:  "Already pending",
		Status: http.StatusConflict,
		Detail: "This record already has a pending approval workflow.",
	}
}

func AlreadyApproved() *Problem {
	return &Problem{
		Code:   CodeAlreadyApproved,
		Title:  "Already approved",
		Status: http.StatusConflict,
		Detail: "This record is already approved.",
	}
}

func NoPendingWorkflow() *Problem {
	return &Problem{
		Code:   CodeNoPendingWorkflow,
		Title:  "No pending workflow",
		Status: http.StatusConflict,
		Detail: "Submit for approval before approving or rejecting.",
	}
}

func NoPendingStep() *Problem {
	return &Problem{
		Code:   CodeNoPendingStep,
		Title:  "No pending step",
		Status: http.StatusConflict,
		Detail: "No pending approval step is available.",
	}
}

// Forbidden names the role the current step requires.
func Forbidden(requiredRole string) *Problem {
	return &Problem{
		Code:   CodeForbidden,
		Title:  "Forbidden",
		Status: http.StatusForbidden,
		Detail: fmt.Sprintf("This step requires %s role.", requiredRole),
	}
}

func Unauthorized(detail string) *Problem {
	return &Problem{
		Code:   CodeUnauthorized,
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	}
}

func Validation(field, detail string) *Problem {
	return &Problem{
		Code:   CodeValidation,
		Title:  "Invalid request",
		Status: http.StatusBadRequest,
		Detail: fmt.Sprintf("%s: %s", field, detail),
	}
}

// StorageFailure keeps the underlying message for diagnostics.
func StorageFailure(err error) *Problem {
	detail := "storage operation failed"
	if err != nil {
		detail = err.Error()
	}
	return &Problem{
		Code:   CodeStorageFailure,
		Title:  "Internal error",
		Status: http.StatusInternalServerError,
		Detail: detail,
		Err:    err,
	}
}

// Unexpected hides the cause from the caller; it is kept in Err for logging.
func Unexpected(err error) *Problem {
	return &Problem{
		Code:   CodeUnexpected,
		Title:  "Internal error",
		Status: http.StatusInternalServerError,
		Detail: "Unexpected approval workflow error",
		Err:    err,
	}
}

// AsProblem returns the first Problem in err's chain.
func AsProblem(err error) (*Problem, bool) {
	var p *Problem
	if stderrors.As(err, &p) {
		return p, true
	}
	return nil, false
}

// ToProblem classifies any error. Problems pass through; coded AppErrors map
// onto the closest problem; context expiry and other internal failures count
// as storage failures; anything else is Unexpected.
func ToProblem(err error) *Problem {
	if err == nil {
		return nil
	}
	if p, ok := AsProblem(err); ok {
		return p
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeInvalidInput:
			return Validation(appErr.Field, appErr.Message)
		case ErrCodeForbidden:
			return &Problem{Code: CodeForbidden, Title: "Forbidden", Status: http.StatusForbidden, Detail: appErr.Message, Err: err}
		case ErrCodeUnauthorized:
			return Unauthorized(appErr.Message)
		case ErrCodeInternal, ErrCodeUnavailable, ErrCodeNotFound, ErrCodeConflict:
			return StorageFailure(err)
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return StorageFailure(err)
	}
	return Unexpected(err)
}

// ContentTypeProblem is the RFC 9457 media type.
const ContentTypeProblem = "application/problem+json"

// WriteHTTP writes p as a problem+json response.
func (p *Problem) WriteHTTP(w http.ResponseWriter, instance string) {
	w.Header().Set("Content-Type", ContentTypeProblem)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p.Details(instance))
}
