package transport

import (
	"google.golang.org/grpc"
)

const (
	serviceName = "flwr.transport.FlowerService"
	joinMethod  = "/" + serviceName + "/Join"
)

// FlowerServiceServer is implemented by the aggregator side of the Join stream.
type FlowerServiceServer interface {
	Join(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FlowerServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Join",
			Handler:       joinHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "flwr/transport.proto",
}

func joinHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FlowerServiceServer).Join(stream)
}

func RegisterFlowerServiceServer(registrar grpc.ServiceRegistrar, srv FlowerServiceServer) {
	registrar.RegisterService(&serviceDesc, srv)
}
