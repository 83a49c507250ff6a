// Package tileservice exposes pyramid reads over gRPC. Messages are
// protobuf well-known types so that no generated code is needed:
//
//	Read(Struct{product, bbox, crs, resolution, bands}) returns Struct
//	GetTile(Struct{product, pyramid, mosaic, col, row}) returns BytesValue
//	Describe(StringValue) returns Struct
package tileservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "pyramid.TileService"

// TileFormatHeader is the response header carrying the mime type of a tile.
const TileFormatHeader = "x-tile-format"

type TileServiceServer interface {
	Read(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTile(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	Describe(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

func RegisterTileServiceServer(s grpc.ServiceRegistrar, srv TileServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func readHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TileServiceServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Read"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TileServiceServer).Read(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getTileHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TileServiceServer).GetTile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetTile"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TileServiceServer).GetTile(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func describeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TileServiceServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Describe"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TileServiceServer).Describe(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TileServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Read", Handler: readHandler},
		{MethodName: "GetTile", Handler: getTileHandler},
		{MethodName: "Describe", Handler: describeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tileservice.proto",
}

type TileServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewTileServiceClient(cc grpc.ClientConnInterface) *TileServiceClient {
	return &TileServiceClient{cc}
}

func (c *TileServiceClient) Read(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Read", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TileServiceClient) GetTile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetTile", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TileServiceClient) Describe(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Describe", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
