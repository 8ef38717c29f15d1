package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/pesio-ai/be-procurement-approvals/internal/approvalsv1"
	"github.com/pesio-ai/be-procurement-approvals/internal/auth"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/middleware"
	"github.com/pesio-ai/be-procurement-approvals/internal/service"
)

func newGRPCClient(t *testing.T, srv pb.ApprovalServiceServer) pb.ApprovalServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryServerInterceptors(logger.Nop().Logger)...))
	pb.RegisterApprovalServiceServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return pb.NewApprovalServiceClient(conn)
}

func callerCtx(user string, roles ...string) context.Context {
	uc := &auth.UserContext{TenantID: testTenant, UserID: user, Roles: roles}
	return metadata.AppendToOutgoingContext(context.Background(), uc.Metadata()...)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func problemOf(t *testing.T, err error) (codes.Code, map[string]any) {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok)
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			return st.Code(), s.AsMap()
		}
	}
	t.Fatalf("status %v carries no problem details", st)
	return st.Code(), nil
}

func TestGRPCProcessApproval(t *testing.T) {
	_, engine := newTestEngine(t)
	client := newGRPCClient(t, NewGRPCHandler(engine, logger.Nop().Logger))

	req := mustStruct(t, map[string]any{"entity_type": "purchase_order", "entity_id": "po-1", "action": "submit"})
	out, err := client.ProcessApproval(callerCtx("u-1"), req)
	require.NoError(t, err)

	wf := out.GetFields()["workflow"].GetStructValue().AsMap()
	assert.Equal(t, "PENDING", wf["status"])
	assert.Equal(t, float64(2), wf["total_steps"])

	view, err := client.GetWorkflow(callerCtx("u-1"), mustStruct(t, map[string]any{"entity_type": "purchase_order", "entity_id": "po-1"}))
	require.NoError(t, err)
	assert.Len(t, view.GetFields()["actions"].GetListValue().GetValues(), 1)
}

func TestGRPCProblemMapping(t *testing.T) {
	_, engine := newTestEngine(t)
	client := newGRPCClient(t, NewGRPCHandler(engine, logger.Nop().Logger))

	tests := []struct {
		name string
		ctx  context.Context
		req  map[string]any
		code codes.Code
		want errors.ProblemCode
	}{
		{
			name: "unauthenticated",
			ctx:  context.Background(),
			req:  map[string]any{"entity_type": "purchase_order", "entity_id": "po-1", "action": "submit"},
			code: codes.Unauthenticated, want: errors.CodeUnauthorized,
		},
		{
			name: "invalid entity type",
			ctx:  callerCtx("u-1"),
			req:  map[string]any{"entity_type": "invoice", "entity_id": "po-1", "action": "submit"},
			code: codes.InvalidArgument, want: errors.CodeValidation,
		},
		{
			name: "entity not found",
			ctx:  callerCtx("u-1"),
			req:  map[string]any{"entity_type": "purchase_order", "entity_id": "po-9", "action": "submit"},
			code: codes.NotFound, want: errors.CodeEntityNotFound,
		},
		{
			name: "no pending workflow",
			ctx:  callerCtx("u-1", "WAREHOUSE"),
			req:  map[string]any{"entity_type": "purchase_order", "entity_id": "po-1", "action": "reject"},
			code: codes.FailedPrecondition, want: errors.CodeNoPendingWorkflow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ProcessApproval(tt.ctx, mustStruct(t, tt.req))
			require.Error(t, err)
			code, details := problemOf(t, err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, string(tt.want), details["code"])
			assert.Equal(t, pb.ProcessApprovalFullMethodName, details["instance"])
		})
	}
}

func TestGRPCForbidden(t *testing.T) {
	_, engine := newTestEngine(t)
	client := newGRPCClient(t, NewGRPCHandler(engine, logger.Nop().Logger))

	req := mustStruct(t, map[string]any{"entity_type": "purchase_order", "entity_id": "po-1", "action": "submit"})
	_, err := client.ProcessApproval(callerCtx("u-1"), req)
	require.NoError(t, err)

	req = mustStruct(t, map[string]any{"entity_type": "purchase_order", "entity_id": "po-1", "action": "approve"})
	_, err = client.ProcessApproval(callerCtx("u-2", "OPERATIONS"), req)
	code, details := problemOf(t, err)
	assert.Equal(t, codes.PermissionDenied, code)
	assert.Equal(t, float64(403), details["status"])
}

type panickingService struct{ ApprovalService }

func (panickingService) ProcessApproval(context.Context, *auth.UserContext, service.ProcessApprovalInput) (*service.ApprovalResult, error) {
	panic("boom")
}

func TestGRPCRecoversPanics(t *testing.T) {
	client := newGRPCClient(t, NewGRPCHandler(panickingService{}, logger.Nop().Logger))

	_, err := client.ProcessApproval(callerCtx("u-1"), mustStruct(t, map[string]any{"action": "submit"}))
	code, details := problemOf(t, err)
	assert.Equal(t, codes.Internal, code)
	assert.Equal(t, string(errors.CodeUnexpected), details["code"])
}

type captureService struct {
	ApprovalService
	requestID string
	notes     *string
}

func (c *captureService) ProcessApproval(ctx context.Context, _ *auth.UserContext, in service.ProcessApprovalInput) (*service.ApprovalResult, error) {
	c.requestID = middleware.GetRequestID(ctx)
	c.notes = in.Notes
	return &service.ApprovalResult{Message: "ok"}, nil
}

func TestGRPCPropagatesRequestID(t *testing.T) {
	svc := &captureService{}
	client := newGRPCClient(t, NewGRPCHandler(svc, logger.Nop().Logger))

	ctx := metadata.AppendToOutgoingContext(callerCtx("u-1"), MetadataRequestID, "req-7")
	out, err := client.ProcessApproval(ctx, mustStruct(t, map[string]any{"action": "submit", "notes": ""}))
	require.NoError(t, err)
	assert.Equal(t, "ok", out.GetFields()["message"].GetStringValue())
	assert.Equal(t, "req-7", svc.requestID)
	assert.Nil(t, svc.notes)
}
