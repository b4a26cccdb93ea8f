package inference

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/faceverify/internal/face"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "faceverify.inference.v1.FaceInference"

// Full method names.
const (
	MethodDetect          = "/" + ServiceName + "/Detect"
	MethodDetectLandmarks = "/" + ServiceName + "/DetectLandmarks"
	MethodExtractFeature  = "/" + ServiceName + "/ExtractFeature"
)

// MaxMessageSize bounds request and response sizes; images travel inline.
const MaxMessageSize = 64 << 20

// Backend is a model host exposed over gRPC.
type Backend interface {
	Detect(ctx context.Context, gray face.ImageBuffer, opts face.DetectorOptions) ([]face.DetectedFace, error)
	DetectLandmarks(ctx context.Context, gray face.ImageBuffer, det face.DetectedFace) (face.LandmarkSet, error)
	ExtractFeature(ctx context.Context, color face.ImageBuffer, landmarks face.LandmarkSet) (face.FeatureVector, error)
}

// Register exposes backend on s. The server should be created with
// grpc.MaxRecvMsgSize(MaxMessageSize).
func Register(s *grpc.Server, backend Backend) {
	s.RegisterService(&serviceDesc, backend)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: unary(MethodDetect, detect)},
		{MethodName: "DetectLandmarks", Handler: unary(MethodDetectLandmarks, detectLandmarks)},
		{MethodName: "ExtractFeature", Handler: unary(MethodExtractFeature, extractFeature)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "faceverify/inference/v1/inference.proto",
}

type handlerFunc func(ctx context.Context, backend Backend, in *structpb.Struct) (*structpb.Struct, error)

func unary(method string, h handlerFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		backend := srv.(Backend)
		if interceptor == nil {
			return h(ctx, backend, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h(ctx, backend, req.(*structpb.Struct))
		})
	}
}

func detect(ctx context.Context, backend Backend, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := UnmarshalDetectRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	faces, err := backend.Detect(ctx, req.Image, req.Options)
	if err != nil {
		return nil, toStatus(err)
	}
	return MarshalFaces(faces), nil
}

func detectLandmarks(ctx context.Context, backend Backend, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := UnmarshalAlignRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	landmarks, err := backend.DetectLandmarks(ctx, req.Image, req.Face)
	if err != nil {
		return nil, toStatus(err)
	}
	return MarshalLandmarks(landmarks), nil
}

func extractFeature(ctx context.Context, backend Backend, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := UnmarshalExtractRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	feature, err := backend.ExtractFeature(ctx, req.Image, req.Landmarks)
	if err != nil {
		return nil, toStatus(err)
	}
	return MarshalFeature(feature), nil
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, face.ErrNoLandmarks):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
