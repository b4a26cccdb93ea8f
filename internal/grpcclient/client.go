package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/faceverify/internal/face"
	"github.com/example/faceverify/internal/inference"
	"github.com/example/faceverify/internal/logging"
)

// alignMargin widens the face box before it is cut out for the aligner.
const alignMargin = 0.25

// Engine implements face.Detector, face.Aligner and face.Identifier on top of
// the remote inference service. It is safe for concurrent use.
type Engine struct {
	conn    grpc.ClientConnInterface
	options face.DetectorOptions
	logger  *zap.Logger
}

// DialInferenceService returns an engine connected to the inference service
// at addr, together with the connection the caller must close.
func DialInferenceService(ctx context.Context, addr string, options face.DetectorOptions, logger *zap.Logger) (*Engine, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(inference.MaxMessageSize),
			grpc.MaxCallRecvMsgSize(inference.MaxMessageSize),
		),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_inference_service", "", err)
		logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewEngine(conn, options, logger), conn, nil
}

// NewEngine wraps an established connection.
func NewEngine(conn grpc.ClientConnInterface, options face.DetectorOptions, logger *zap.Logger) *Engine {
	return &Engine{conn: conn, options: options, logger: logger.Named("inference_engine")}
}

// Detect sends the grayscale image with the configured detector options.
func (e *Engine) Detect(ctx context.Context, gray face.ImageBuffer) ([]face.DetectedFace, error) {
	req := inference.DetectRequest{Image: gray, Options: e.options}
	resp, err := e.invoke(ctx, "grpcclient.detect", inference.MethodDetect, req.Marshal())
	if err != nil {
		return nil, err
	}
	faces, err := inference.UnmarshalFaces(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.detect", "", err)
	}
	return faces, nil
}

// DetectLandmarks sends only the region around the face. The box and the
// returned landmarks are translated between image and region coordinates.
func (e *Engine) DetectLandmarks(ctx context.Context, gray face.ImageBuffer, det face.DetectedFace) (face.LandmarkSet, error) {
	region, area, ok := gray.Crop(det.BBox.Expand(alignMargin))
	if !ok {
		return face.LandmarkSet{}, logging.NewOperationError("grpcclient.detect_landmarks", "",
			fmt.Errorf("face box %v lies outside the %dx%d image: %w", det.BBox.Rect(), gray.Width(), gray.Height(), face.ErrNoLandmarks))
	}

	local := det
	local.BBox.X -= area.Min.X
	local.BBox.Y -= area.Min.Y

	req := inference.AlignRequest{Image: region, Face: local}
	resp, err := e.invoke(ctx, "grpcclient.detect_landmarks", inference.MethodDetectLandmarks, req.Marshal())
	if st, ok := status.FromError(errors.Unwrap(err)); ok && st.Code() == codes.NotFound {
		return face.LandmarkSet{}, logging.NewOperationError("grpcclient.detect_landmarks", "",
			fmt.Errorf("%s: %w", st.Message(), face.ErrNoLandmarks))
	}
	if err != nil {
		return face.LandmarkSet{}, err
	}
	landmarks, err := inference.UnmarshalLandmarks(resp)
	if err != nil {
		return face.LandmarkSet{}, logging.NewOperationError("grpcclient.detect_landmarks", "", err)
	}
	return landmarks.Translate(float64(area.Min.X), float64(area.Min.Y)), nil
}

// ExtractFeature sends the full colour image; the service crops the face
// using the landmarks.
func (e *Engine) ExtractFeature(ctx context.Context, color face.ImageBuffer, landmarks face.LandmarkSet) (face.FeatureVector, error) {
	req := inference.ExtractRequest{Image: color, Landmarks: landmarks}
	resp, err := e.invoke(ctx, "grpcclient.extract_feature", inference.MethodExtractFeature, req.Marshal())
	if err != nil {
		return face.FeatureVector{}, err
	}
	feature, err := inference.UnmarshalFeature(resp)
	if err != nil {
		return face.FeatureVector{}, logging.NewOperationError("grpcclient.extract_feature", "", err)
	}
	return feature, nil
}

// CalcSimilarity is computed locally as the cosine similarity of the vectors.
func (e *Engine) CalcSimilarity(a, b face.FeatureVector) float64 {
	return face.CosineSimilarity(a, b)
}

func (e *Engine) invoke(ctx context.Context, operation, method string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := e.conn.Invoke(ctx, method, req, resp); err != nil {
		wrapped := logging.NewOperationError(operation, "", err)
		e.logger.Error("inference call failed", zap.Error(wrapped), zap.String("method", method))
		return nil, wrapped
	}
	return resp, nil
}
