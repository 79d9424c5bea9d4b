package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "lowkey.v1.Coordination"

const (
	Coordination_OpenSession_FullMethodName  = "/lowkey.v1.Coordination/OpenSession"
	Coordination_Heartbeat_FullMethodName    = "/lowkey.v1.Coordination/Heartbeat"
	Coordination_CloseSession_FullMethodName = "/lowkey.v1.Coordination/CloseSession"
	Coordination_Create_FullMethodName       = "/lowkey.v1.Coordination/Create"
	Coordination_Delete_FullMethodName       = "/lowkey.v1.Coordination/Delete"
	Coordination_Exists_FullMethodName       = "/lowkey.v1.Coordination/Exists"
	Coordination_Children_FullMethodName     = "/lowkey.v1.Coordination/Children"
	Coordination_GetData_FullMethodName      = "/lowkey.v1.Coordination/GetData"
	Coordination_SetData_FullMethodName      = "/lowkey.v1.Coordination/SetData"
	Coordination_Watch_FullMethodName        = "/lowkey.v1.Coordination/Watch"
	Coordination_GetStatus_FullMethodName    = "/lowkey.v1.Coordination/GetStatus"
)

type (
	Coordination_HeartbeatServer = grpc.BidiStreamingServer[HeartbeatRequest, HeartbeatResponse]
	Coordination_WatchServer     = grpc.ServerStreamingServer[WatchResponse]
	Coordination_HeartbeatClient = grpc.BidiStreamingClient[HeartbeatRequest, HeartbeatResponse]
	Coordination_WatchClient     = grpc.ServerStreamingClient[WatchResponse]
)

// CoordinationServer is the server API for the Coordination service
type CoordinationServer interface {
	OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error)
	Heartbeat(grpc.BidiStreamingServer[HeartbeatRequest, HeartbeatResponse]) error
	CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error)
	Create(context.Context, *CreateRequest) (*CreateResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Exists(context.Context, *ExistsRequest) (*ExistsResponse, error)
	Children(context.Context, *ChildrenRequest) (*ChildrenResponse, error)
	GetData(context.Context, *GetDataRequest) (*GetDataResponse, error)
	SetData(context.Context, *SetDataRequest) (*SetDataResponse, error)
	Watch(*WatchRequest, grpc.ServerStreamingServer[WatchResponse]) error
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
}

// UnimplementedCoordinationServer must be embedded to stay compatible with methods added later
type UnimplementedCoordinationServer struct{}

func (UnimplementedCoordinationServer) OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method OpenSession not implemented")
}
func (UnimplementedCoordinationServer) Heartbeat(grpc.BidiStreamingServer[HeartbeatRequest, HeartbeatResponse]) error {
	return status.Error(codes.Unimplemented, "method Heartbeat not implemented")
}
func (UnimplementedCoordinationServer) CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CloseSession not implemented")
}
func (UnimplementedCoordinationServer) Create(context.Context, *CreateRequest) (*CreateResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Create not implemented")
}
func (UnimplementedCoordinationServer) Delete(context.Context, *DeleteRequest) (*DeleteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Delete not implemented")
}
func (UnimplementedCoordinationServer) Exists(context.Context, *ExistsRequest) (*ExistsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Exists not implemented")
}
func (UnimplementedCoordinationServer) Children(context.Context, *ChildrenRequest) (*ChildrenResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Children not implemented")
}
func (UnimplementedCoordinationServer) GetData(context.Context, *GetDataRequest) (*GetDataResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetData not implemented")
}
func (UnimplementedCoordinationServer) SetData(context.Context, *SetDataRequest) (*SetDataResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SetData not implemented")
}
func (UnimplementedCoordinationServer) Watch(*WatchRequest, grpc.ServerStreamingServer[WatchResponse]) error {
	return status.Error(codes.Unimplemented, "method Watch not implemented")
}
func (UnimplementedCoordinationServer) GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}

func RegisterCoordinationServer(s grpc.ServiceRegistrar, srv CoordinationServer) {
	s.RegisterService(&Coordination_ServiceDesc, srv)
}

// decodes the request and runs it through the interceptor chain
func unaryHandler[Req, Res any](method string, call func(CoordinationServer, context.Context, *Req) (*Res, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CoordinationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CoordinationServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _Coordination_Heartbeat_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(CoordinationServer).Heartbeat(&grpc.GenericServerStream[HeartbeatRequest, HeartbeatResponse]{ServerStream: stream})
}

func _Coordination_Watch_Handler(srv any, stream grpc.ServerStream) error {
	m := new(WatchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(CoordinationServer).Watch(m, &grpc.GenericServerStream[WatchRequest, WatchResponse]{ServerStream: stream})
}

// Coordination_ServiceDesc is the grpc.ServiceDesc for the Coordination service
var Coordination_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenSession", Handler: unaryHandler(Coordination_OpenSession_FullMethodName, CoordinationServer.OpenSession)},
		{MethodName: "CloseSession", Handler: unaryHandler(Coordination_CloseSession_FullMethodName, CoordinationServer.CloseSession)},
		{MethodName: "Create", Handler: unaryHandler(Coordination_Create_FullMethodName, CoordinationServer.Create)},
		{MethodName: "Delete", Handler: unaryHandler(Coordination_Delete_FullMethodName, CoordinationServer.Delete)},
		{MethodName: "Exists", Handler: unaryHandler(Coordination_Exists_FullMethodName, CoordinationServer.Exists)},
		{MethodName: "Children", Handler: unaryHandler(Coordination_Children_FullMethodName, CoordinationServer.Children)},
		{MethodName: "GetData", Handler: unaryHandler(Coordination_GetData_FullMethodName, CoordinationServer.GetData)},
		{MethodName: "SetData", Handler: unaryHandler(Coordination_SetData_FullMethodName, CoordinationServer.SetData)},
		{MethodName: "GetStatus", Handler: unaryHandler(Coordination_GetStatus_FullMethodName, CoordinationServer.GetStatus)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Heartbeat",
			Handler:       _Coordination_Heartbeat_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "Watch",
			Handler:       _Coordination_Watch_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "lowkey/v1/coordination",
}

// CoordinationClient is the client API for the Coordination service
// every call is sent with the json content subtype
type CoordinationClient interface {
	OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error)
	Heartbeat(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[HeartbeatRequest, HeartbeatResponse], error)
	CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error)
	Create(ctx context.Context, in *CreateRequest, opts ...grpc.CallOption) (*CreateResponse, error)
	Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error)
	Exists(ctx context.Context, in *ExistsRequest, opts ...grpc.CallOption) (*ExistsResponse, error)
	Children(ctx context.Context, in *ChildrenRequest, opts ...grpc.CallOption) (*ChildrenResponse, error)
	GetData(ctx context.Context, in *GetDataRequest, opts ...grpc.CallOption) (*GetDataResponse, error)
	SetData(ctx context.Context, in *SetDataRequest, opts ...grpc.CallOption) (*SetDataResponse, error)
	Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[WatchResponse], error)
	GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error)
}

type coordinationClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinationClient(cc grpc.ClientConnInterface) CoordinationClient {
	return &coordinationClient{cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func invoke[Res any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Res, error) {
	out := new(Res)
	if err := cc.Invoke(ctx, method, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error) {
	return invoke[OpenSessionResponse](ctx, c.cc, Coordination_OpenSession_FullMethodName, in, opts)
}

func (c *coordinationClient) Heartbeat(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[HeartbeatRequest, HeartbeatResponse], error) {
	stream, err := c.cc.NewStream(ctx, &Coordination_ServiceDesc.Streams[0], Coordination_Heartbeat_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[HeartbeatRequest, HeartbeatResponse]{ClientStream: stream}, nil
}

func (c *coordinationClient) CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error) {
	return invoke[CloseSessionResponse](ctx, c.cc, Coordination_CloseSession_FullMethodName, in, opts)
}

func (c *coordinationClient) Create(ctx context.Context, in *CreateRequest, opts ...grpc.CallOption) (*CreateResponse, error) {
	return invoke[CreateResponse](ctx, c.cc, Coordination_Create_FullMethodName, in, opts)
}

func (c *coordinationClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	return invoke[DeleteResponse](ctx, c.cc, Coordination_Delete_FullMethodName, in, opts)
}

func (c *coordinationClient) Exists(ctx context.Context, in *ExistsRequest, opts ...grpc.CallOption) (*ExistsResponse, error) {
	return invoke[ExistsResponse](ctx, c.cc, Coordination_Exists_FullMethodName, in, opts)
}

func (c *coordinationClient) Children(ctx context.Context, in *ChildrenRequest, opts ...grpc.CallOption) (*ChildrenResponse, error) {
	return invoke[ChildrenResponse](ctx, c.cc, Coordination_Children_FullMethodName, in, opts)
}

func (c *coordinationClient) GetData(ctx context.Context, in *GetDataRequest, opts ...grpc.CallOption) (*GetDataResponse, error) {
	return invoke[GetDataResponse](ctx, c.cc, Coordination_GetData_FullMethodName, in, opts)
}

func (c *coordinationClient) SetData(ctx context.Context, in *SetDataRequest, opts ...grpc.CallOption) (*SetDataResponse, error) {
	return invoke[SetDataResponse](ctx, c.cc, Coordination_SetData_FullMethodName, in, opts)
}

func (c *coordinationClient) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[WatchResponse], error) {
	stream, err := c.cc.NewStream(ctx, &Coordination_ServiceDesc.Streams[1], Coordination_Watch_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequest, WatchResponse]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *coordinationClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	return invoke[GetStatusResponse](ctx, c.cc, Coordination_GetStatus_FullMethodName, in, opts)
}
