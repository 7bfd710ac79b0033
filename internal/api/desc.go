package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "convoy.v1.Convoy"

// Method names.
const (
	MethodIngest             = "Ingest"
	MethodCancel             = "Cancel"
	MethodGetBalance         = "GetBalance"
	MethodCredit             = "Credit"
	MethodListCharges        = "ListCharges"
	MethodConversationStatus = "ConversationStatus"
)

// ConvoyServer is the server API of the Convoy service.
type ConvoyServer interface {
	Ingest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Credit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListCharges(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConversationStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(ConvoyServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ConvoyServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ConvoyServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the Convoy service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConvoyServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodIngest, ConvoyServer.Ingest),
		unary(MethodCancel, ConvoyServer.Cancel),
		unary(MethodGetBalance, ConvoyServer.GetBalance),
		unary(MethodCredit, ConvoyServer.Credit),
		unary(MethodListCharges, ConvoyServer.ListCharges),
		unary(MethodConversationStatus, ConvoyServer.ConversationStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "convoy/v1/convoy.proto",
}

// RegisterConvoyServer registers srv with s.
func RegisterConvoyServer(s grpc.ServiceRegistrar, srv ConvoyServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the Convoy service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req and decodes the response into resp, which may
// be nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := decode(out, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
