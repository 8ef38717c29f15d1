package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/pesio-ai/be-procurement-approvals/internal/approvalsv1"
	"github.com/pesio-ai/be-procurement-approvals/internal/auth"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/middleware"
	"github.com/pesio-ai/be-procurement-approvals/internal/service"
)

// MetadataRequestID carries the request id in gRPC metadata.
const MetadataRequestID = "x-request-id"

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	service ApprovalService
	logger  zerolog.Logger
}

var _ pb.ApprovalServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(service ApprovalService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: service,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// ProcessApproval runs submit, approve or reject.
func (h *GRPCHandler) ProcessApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, problemStatus(errors.ToProblem(err), pb.ProcessApprovalFullMethodName)
	}

	in := service.ProcessApprovalInput{
		EntityType: stringField(req, "entity_type"),
		EntityID:   stringField(req, "entity_id"),
		Action:     stringField(req, "action"),
	}
	if notes := stringField(req, "notes"); notes != "" {
		in.Notes = &notes
	}

	h.logger.Debug().
		Str("entity_type", in.EntityType).
		Str("entity_id", in.EntityID).
		Str("action", in.Action).
		Msg("gRPC ProcessApproval called")

	res, err := h.service.ProcessApproval(ctx, uc, in)
	if err != nil {
		return nil, problemStatus(errors.ToProblem(err), pb.ProcessApprovalFullMethodName)
	}
	return toStruct(res)
}

// GetWorkflow returns the workflow read model.
func (h *GRPCHandler) GetWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uc, err := auth.GetUserContext(ctx)
	if err != nil {
		return nil, problemStatus(errors.ToProblem(err), pb.GetWorkflowFullMethodName)
	}

	view, err := h.service.GetWorkflow(ctx, uc, stringField(req, "entity_type"), stringField(req, "entity_id"))
	if err != nil {
		return nil, problemStatus(errors.ToProblem(err), pb.GetWorkflowFullMethodName)
	}
	return toStruct(view)
}

// ── interceptors ──────────────────────────────────────────────────────────────

// UnaryServerInterceptors returns the server chain: recovery, request id,
// access logging and caller identity, outermost first.
func UnaryServerInterceptors(log zerolog.Logger) []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{
		recoveryInterceptor(log),
		requestIDInterceptor,
		loggingInterceptor(log),
		authInterceptor,
	}
}

func recoveryInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error().
					Str("method", info.FullMethod).
					Str("panic", fmt.Sprint(p)).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from gRPC panic")
				err = problemStatus(errors.Unexpected(fmt.Errorf("panic: %v", p)), info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}

func requestIDInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if ids := md.Get(MetadataRequestID); len(ids) > 0 && ids[0] != "" {
		ctx = middleware.WithRequestID(ctx, ids[0])
	}
	return handler(ctx, req)
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info().
			Str("method", info.FullMethod).
			Str("request_id", middleware.GetRequestID(ctx)).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

// authInterceptor resolves the caller from metadata. Health checks and
// reflection are let through unauthenticated.
func authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if info.FullMethod != pb.ProcessApprovalFullMethodName && info.FullMethod != pb.GetWorkflowFullMethodName {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	uc := auth.FromMetadata(md)
	if err := uc.Validate(); err != nil {
		return nil, problemStatus(errors.ToProblem(err), info.FullMethod)
	}
	return handler(auth.WithUserContext(ctx, uc), req)
}

// ── conversions ───────────────────────────────────────────────────────────────

// problemStatus maps a problem onto a gRPC status carrying the problem
// details as a Struct.
func problemStatus(p *errors.Problem, instance string) error {
	st := status.New(grpcCode(p.Code), p.Detail)
	details, err := toStruct(p.Details(instance))
	if err != nil {
		return st.Err()
	}
	withDetails, err := st.WithDetails(details)
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

func grpcCode(code errors.ProblemCode) codes.Code {
	switch code {
	case errors.CodeEntityNotFound, errors.CodeNoWorkflow:
		return codes.NotFound
	case errors.CodeAlreadyPending, errors.CodeAlreadyApproved, errors.CodeNoPendingWorkflow, errors.CodeNoPendingStep:
		return codes.FailedPrecondition
	case errors.CodeForbidden:
		return codes.PermissionDenied
	case errors.CodeUnauthorized:
		return codes.Unauthenticated
	case errors.CodeValidation:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// toStruct converts a JSON-serializable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}
