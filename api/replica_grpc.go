// gRPC client and server bindings for the Replica replication service,
// maintained by hand against quiver.proto.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const replicaServiceName = "quiver.Replica"

func errUnimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

// ReplicaClient is the client API for the Replica replication service.
type ReplicaClient interface {
	ForwardOperation(ctx context.Context, in *ForwardOperationRequest, opts ...grpc.CallOption) (*ForwardOperationResponse, error)
	TransferSnapshot(ctx context.Context, in *TransferSnapshotRequest, opts ...grpc.CallOption) (*TransferSnapshotResponse, error)
	ReplicaInfo(ctx context.Context, in *ReplicaInfoRequest, opts ...grpc.CallOption) (*ReplicaInfoResponse, error)
}

type replicaClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicaClient returns a ReplicaClient bound to the given connection.
func NewReplicaClient(cc grpc.ClientConnInterface) ReplicaClient {
	return &replicaClient{cc}
}

func (c *replicaClient) ForwardOperation(ctx context.Context, in *ForwardOperationRequest, opts ...grpc.CallOption) (*ForwardOperationResponse, error) {
	out := new(ForwardOperationResponse)
	if err := c.cc.Invoke(ctx, "/"+replicaServiceName+"/ForwardOperation", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicaClient) TransferSnapshot(ctx context.Context, in *TransferSnapshotRequest, opts ...grpc.CallOption) (*TransferSnapshotResponse, error) {
	out := new(TransferSnapshotResponse)
	if err := c.cc.Invoke(ctx, "/"+replicaServiceName+"/TransferSnapshot", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicaClient) ReplicaInfo(ctx context.Context, in *ReplicaInfoRequest, opts ...grpc.CallOption) (*ReplicaInfoResponse, error) {
	out := new(ReplicaInfoResponse)
	if err := c.cc.Invoke(ctx, "/"+replicaServiceName+"/ReplicaInfo", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplicaServer is the server API for the Replica replication service.
type ReplicaServer interface {
	ForwardOperation(context.Context, *ForwardOperationRequest) (*ForwardOperationResponse, error)
	TransferSnapshot(context.Context, *TransferSnapshotRequest) (*TransferSnapshotResponse, error)
	ReplicaInfo(context.Context, *ReplicaInfoRequest) (*ReplicaInfoResponse, error)
}

// UnimplementedReplicaServer may be embedded for forward compatibility.
type UnimplementedReplicaServer struct{}

func (UnimplementedReplicaServer) ForwardOperation(context.Context, *ForwardOperationRequest) (*ForwardOperationResponse, error) {
	return nil, errUnimplemented("ForwardOperation")
}
func (UnimplementedReplicaServer) TransferSnapshot(context.Context, *TransferSnapshotRequest) (*TransferSnapshotResponse, error) {
	return nil, errUnimplemented("TransferSnapshot")
}
func (UnimplementedReplicaServer) ReplicaInfo(context.Context, *ReplicaInfoRequest) (*ReplicaInfoResponse, error) {
	return nil, errUnimplemented("ReplicaInfo")
}

// RegisterReplicaServer registers the Replica service implementation with a gRPC server.
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&Replica_ServiceDesc, srv)
}

func _Replica_ForwardOperation_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ForwardOperationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).ForwardOperation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + replicaServiceName + "/ForwardOperation"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).ForwardOperation(ctx, req.(*ForwardOperationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Replica_TransferSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TransferSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).TransferSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + replicaServiceName + "/TransferSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).TransferSnapshot(ctx, req.(*TransferSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Replica_ReplicaInfo_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReplicaInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).ReplicaInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + replicaServiceName + "/ReplicaInfo"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).ReplicaInfo(ctx, req.(*ReplicaInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Replica_ServiceDesc is the grpc.ServiceDesc for the Replica service.
var Replica_ServiceDesc = grpc.ServiceDesc{
	ServiceName: replicaServiceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ForwardOperation", Handler: _Replica_ForwardOperation_Handler},
		{MethodName: "TransferSnapshot", Handler: _Replica_TransferSnapshot_Handler},
		{MethodName: "ReplicaInfo", Handler: _Replica_ReplicaInfo_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/quiver.proto",
}
