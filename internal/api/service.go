package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/chattomap/ctm/internal/pipeline"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ctm.v1.ExportService"

// Full method names.
const (
	MethodListConversations = "/" + ServiceName + "/ListConversations"
	MethodCheckAccess       = "/" + ServiceName + "/CheckAccess"
	MethodListRuns          = "/" + ServiceName + "/ListRuns"
	MethodExport            = "/" + ServiceName + "/Export"
	MethodWatchRuns         = "/" + ServiceName + "/WatchRuns"
)

// ExportServiceServer is implemented by *ExportService.
type ExportServiceServer interface {
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	CheckAccess(context.Context, *CheckAccessRequest) (*CheckAccessResponse, error)
	ListRuns(context.Context, *ListRunsRequest) (*ListRunsResponse, error)
	Export(*pipeline.Request, ExportStream) error
	WatchRuns(*WatchRunsRequest, RunStream) error
}

// ExportStream sends Export events to the caller.
type ExportStream interface {
	Send(*ExportEvent) error
	grpc.ServerStream
}

// RunStream sends lifecycle events to the caller.
type RunStream interface {
	Send(*RunEvent) error
	grpc.ServerStream
}

// RegisterExportServiceServer registers srv on s.
func RegisterExportServiceServer(s grpc.ServiceRegistrar, srv ExportServiceServer) {
	s.RegisterService(&ExportServiceDesc, srv)
}

// ExportServiceDesc describes the service for grpc.Server.RegisterService.
var ExportServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExportServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListConversations", Handler: unary(MethodListConversations,
			func(srv ExportServiceServer, ctx context.Context, req *ListConversationsRequest) (any, error) {
				return srv.ListConversations(ctx, req)
			})},
		{MethodName: "CheckAccess", Handler: unary(MethodCheckAccess,
			func(srv ExportServiceServer, ctx context.Context, req *CheckAccessRequest) (any, error) {
				return srv.CheckAccess(ctx, req)
			})},
		{MethodName: "ListRuns", Handler: unary(MethodListRuns,
			func(srv ExportServiceServer, ctx context.Context, req *ListRunsRequest) (any, error) {
				return srv.ListRuns(ctx, req)
			})},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Export", ServerStreams: true, Handler: exportHandler},
		{StreamName: "WatchRuns", ServerStreams: true, Handler: watchRunsHandler},
	},
	Metadata: "ctm/v1/export.json",
}

// unary adapts a typed method to a grpc.MethodDesc handler.
func unary[Req any](method string, call func(ExportServiceServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ExportServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ExportServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type serverStream[T any] struct {
	grpc.ServerStream
}

func (s *serverStream[T]) Send(m *T) error { return s.ServerStream.SendMsg(m) }

func exportHandler(srv any, stream grpc.ServerStream) error {
	in := new(pipeline.Request)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExportServiceServer).Export(in, &serverStream[ExportEvent]{stream})
}

func watchRunsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRunsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExportServiceServer).WatchRuns(in, &serverStream[RunEvent]{stream})
}

// ExportServiceClient calls the service over conn. Every call uses the JSON codec.
type ExportServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewExportServiceClient returns a client bound to cc.
func NewExportServiceClient(cc grpc.ClientConnInterface) *ExportServiceClient {
	return &ExportServiceClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *ExportServiceClient) ListConversations(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	out := new(ListConversationsResponse)
	if err := c.cc.Invoke(ctx, MethodListConversations, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ExportServiceClient) CheckAccess(ctx context.Context, in *CheckAccessRequest, opts ...grpc.CallOption) (*CheckAccessResponse, error) {
	out := new(CheckAccessResponse)
	if err := c.cc.Invoke(ctx, MethodCheckAccess, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ExportServiceClient) ListRuns(ctx context.Context, in *ListRunsRequest, opts ...grpc.CallOption) (*ListRunsResponse, error) {
	out := new(ListRunsResponse)
	if err := c.cc.Invoke(ctx, MethodListRuns, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// ClientStream receives messages of one server stream.
type ClientStream[T any] struct {
	grpc.ClientStream
}

// Recv returns the next message, or io.EOF when the stream ends.
func (s *ClientStream[T]) Recv() (*T, error) {
	m := new(T)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func openStream[T any](ctx context.Context, cc grpc.ClientConnInterface, index int, method string, in any, opts []grpc.CallOption) (*ClientStream[T], error) {
	stream, err := cc.NewStream(ctx, &ExportServiceDesc.Streams[index], method, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ClientStream[T]{stream}, nil
}

// Export starts a run and streams its progress and result.
func (c *ExportServiceClient) Export(ctx context.Context, in *pipeline.Request, opts ...grpc.CallOption) (*ClientStream[ExportEvent], error) {
	return openStream[ExportEvent](ctx, c.cc, 0, MethodExport, in, opts)
}

// WatchRuns streams run and job lifecycle events until ctx ends.
func (c *ExportServiceClient) WatchRuns(ctx context.Context, in *WatchRunsRequest, opts ...grpc.CallOption) (*ClientStream[RunEvent], error) {
	return openStream[RunEvent](ctx, c.cc, 1, MethodWatchRuns, in, opts)
}
