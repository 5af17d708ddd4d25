// Package ml talks to the segmentation trainer. Training and inference run in
// an external service reached over gRPC; messages are google.protobuf.Struct
// so no generated code is needed on either side.
package ml

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "cropmap.v1.SegmentationService"
	trainMethod   = "/" + serviceName + "/Train"
	predictMethod = "/" + serviceName + "/Predict"
)

// SegmentationServer is implemented by trainers served in-process, such as
// BaselineServer.
type SegmentationServer interface {
	Train(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Predict(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterSegmentationServer(s grpc.ServiceRegistrar, srv SegmentationServer) {
	s.RegisterService(&segmentationServiceDesc, srv)
}

var segmentationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SegmentationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Train", Handler: unaryHandler(trainMethod, SegmentationServer.Train)},
		{MethodName: "Predict", Handler: unaryHandler(predictMethod, SegmentationServer.Predict)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cropmap/v1/segmentation.proto",
}

func unaryHandler(method string, call func(SegmentationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SegmentationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SegmentationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
