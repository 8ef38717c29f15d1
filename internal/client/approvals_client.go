// Package client is the gRPC client for the procurement ApprovalService,
// used by sibling services and the approvalctl tool.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/pesio-ai/be-procurement-approvals/internal/approvalsv1"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// ApprovalsClient wraps the ApprovalService gRPC client.
type ApprovalsClient struct {
	client pb.ApprovalServiceClient
	conn   *grpc.ClientConn
}

// NewApprovalsClient dials the approvals gRPC service. Caller identity and
// request id are taken from the call context.
func NewApprovalsClient(addr string, opts ...grpc.DialOption) (*ApprovalsClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata, attachCaller),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &ApprovalsClient{
		client: pb.NewApprovalServiceClient(conn),
		conn:   conn,
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsClient) Close() error {
	return c.conn.Close()
}

// ProcessApprovalRequest mirrors the HTTP request body.
type ProcessApprovalRequest struct {
	EntityType string
	EntityID   string
	Action     string
	Notes      string
}

// ProcessApproval submits, approves or rejects an entity and returns the
// decoded result.
func (c *ApprovalsClient) ProcessApproval(ctx context.Context, req ProcessApprovalRequest) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
		"action":      req.Action,
		"notes":       req.Notes,
	})
	if err != nil {
		return nil, err
	}
	out, err := c.client.ProcessApproval(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// GetWorkflow returns the workflow, steps and action log of an entity.
func (c *ApprovalsClient) GetWorkflow(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
	})
	if err != nil {
		return nil, err
	}
	out, err := c.client.GetWorkflow(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ProblemFromError extracts the problem details attached to a gRPC status
// error by the approvals service.
func ProblemFromError(err error) (*errors.ProblemDetails, bool) {
	st, ok := status.FromError(err)
	if !ok || st == nil {
		return nil, false
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		raw, err := protojson.Marshal(s)
		if err != nil {
			return nil, false
		}
		var pd errors.ProblemDetails
		if err := json.Unmarshal(raw, &pd); err != nil {
			return nil, false
		}
		return &pd, true
	}
	return nil, false
}

// FormatError renders err for command line output, preferring problem
// details when present.
func FormatError(err error) string {
	if pd, ok := ProblemFromError(err); ok {
		return fmt.Sprintf("%s (%d): %s", pd.Code, pd.Status, pd.Detail)
	}
	return err.Error()
}
