// Code generated by protoc-gen-go-style hand transcription. Mirrors the
// shape protoc-gen-go-grpc would emit for containment.proto's single
// Containment service.
package containmentpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Containment_TriggerLockdown_FullMethodName = "/containment.Containment/TriggerLockdown"
)

// ContainmentClient is the client API for Containment service.
type ContainmentClient interface {
	TriggerLockdown(ctx context.Context, in *LockdownRequest, opts ...grpc.CallOption) (*LockdownResponse, error)
}

type containmentClient struct {
	cc grpc.ClientConnInterface
}

// NewContainmentClient wraps an existing connection.
func NewContainmentClient(cc grpc.ClientConnInterface) ContainmentClient {
	return &containmentClient{cc}
}

func (c *containmentClient) TriggerLockdown(ctx context.Context, in *LockdownRequest, opts ...grpc.CallOption) (*LockdownResponse, error) {
	out := new(LockdownResponse)
	if err := c.cc.Invoke(ctx, Containment_TriggerLockdown_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ContainmentServer is the server API for Containment service.
type ContainmentServer interface {
	TriggerLockdown(context.Context, *LockdownRequest) (*LockdownResponse, error)
}

// UnimplementedContainmentServer embeds into a real implementation to get
// forward-compatible defaults for methods not (yet) overridden.
type UnimplementedContainmentServer struct{}

func (UnimplementedContainmentServer) TriggerLockdown(context.Context, *LockdownRequest) (*LockdownResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TriggerLockdown not implemented")
}

// RegisterContainmentServer registers srv against s.
func RegisterContainmentServer(s grpc.ServiceRegistrar, srv ContainmentServer) {
	s.RegisterService(&Containment_ServiceDesc, srv)
}

func _Containment_TriggerLockdown_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LockdownRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ContainmentServer).TriggerLockdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Containment_TriggerLockdown_FullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ContainmentServer).TriggerLockdown(ctx, req.(*LockdownRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Containment_ServiceDesc is the grpc.ServiceDesc for the Containment
// service, matching the registration shape grpc.NewServer().RegisterService
// expects.
var Containment_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "containment.Containment",
	HandlerType: (*ContainmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "TriggerLockdown",
			Handler:    _Containment_TriggerLockdown_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "containment.proto",
}
