package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-procurement-approvals/internal/auth"
	"github.com/pesio-ai/be-procurement-approvals/internal/middleware"
)

// MetadataRequestID carries the request id in gRPC metadata.
const MetadataRequestID = "x-request-id"

// forwardMetadata propagates incoming request metadata to the outgoing call,
// so a service calling approvals on behalf of a user keeps the gateway
// identity.
func forwardMetadata(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			md = metadata.Join(md, out)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// attachCaller sets identity and request id metadata from a UserContext and
// request id in ctx. Explicit context values win over forwarded metadata.
func attachCaller(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if uc, err := auth.GetUserContext(ctx); err == nil {
		pairs := uc.Metadata()
		for i := 0; i < len(pairs); i += 2 {
			md.Set(pairs[i], pairs[i+1])
		}
	}
	if id := middleware.GetRequestID(ctx); id != "" {
		md.Set(MetadataRequestID, id)
	}
	return invoker(metadata.NewOutgoingContext(ctx, md), method, req, reply, cc, opts...)
}
