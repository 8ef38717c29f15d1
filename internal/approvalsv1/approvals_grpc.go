// Package approvalsv1 defines the procurement.approvals.v1.ApprovalService
// gRPC contract. Requests and responses are google.protobuf.Struct messages
// whose fields mirror the HTTP JSON bodies.
package approvalsv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "procurement.approvals.v1.ApprovalService"

	ProcessApprovalFullMethodName = "/" + ServiceName + "/ProcessApproval"
	GetWorkflowFullMethodName     = "/" + ServiceName + "/GetWorkflow"
)

// ApprovalServiceServer is the server API for ApprovalService.
type ApprovalServiceServer interface {
	// ProcessApproval takes {entity_type, entity_id, action, notes}.
	ProcessApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// GetWorkflow takes {entity_type, entity_id}.
	GetWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalService_ServiceDesc, srv)
}

func _ApprovalService_ProcessApproval_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApprovalServiceServer).ProcessApproval(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ProcessApprovalFullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ApprovalServiceServer).ProcessApproval(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _ApprovalService_GetWorkflow_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApprovalServiceServer).GetWorkflow(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetWorkflowFullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ApprovalServiceServer).GetWorkflow(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ApprovalService_ServiceDesc is the grpc.ServiceDesc for ApprovalService.
var ApprovalService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ProcessApproval",
			Handler:    _ApprovalService_ProcessApproval_Handler,
		},
		{
			MethodName: "GetWorkflow",
			Handler:    _ApprovalService_GetWorkflow_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procurement/approvals/v1/approvals.proto",
}

// ApprovalServiceClient is the client API for ApprovalService.
type ApprovalServiceClient interface {
	ProcessApproval(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type approvalServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewApprovalServiceClient creates a client on cc.
func NewApprovalServiceClient(cc grpc.ClientConnInterface) ApprovalServiceClient {
	return &approvalServiceClient{cc}
}

func (c *approvalServiceClient) ProcessApproval(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ProcessApprovalFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *approvalServiceClient) GetWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetWorkflowFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
