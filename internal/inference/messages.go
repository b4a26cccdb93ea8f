// Package inference defines the gRPC contract of the model service that backs
// the detector, aligner and identifier. Messages are google.protobuf.Struct
// values so that any language with a protobuf runtime can serve them without
// generated stubs.
package inference

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/faceverify/internal/face"
)

// ErrMalformedMessage is returned when a message does not match the schema.
var ErrMalformedMessage = errors.New("malformed inference message")

// DetectRequest asks for all faces in a grayscale image.
type DetectRequest struct {
	Image   face.ImageBuffer
	Options face.DetectorOptions
}

// AlignRequest asks for the landmarks of one face.
type AlignRequest struct {
	Image face.ImageBuffer
	Face  face.DetectedFace
}

// ExtractRequest asks for the feature vector of an aligned face.
type ExtractRequest struct {
	Image     face.ImageBuffer
	Landmarks face.LandmarkSet
}

func (r DetectRequest) Marshal() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"image":   imageValue(r.Image),
		"options": optionsValue(r.Options),
	}}
}

func UnmarshalDetectRequest(s *structpb.Struct) (DetectRequest, error) {
	img, err := imageFrom(field(s, "image"))
	if err != nil {
		return DetectRequest{}, err
	}
	opts, err := optionsFrom(field(s, "options"))
	if err != nil {
		return DetectRequest{}, err
	}
	return DetectRequest{Image: img, Options: opts}, nil
}

func (r AlignRequest) Marshal() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"image": imageValue(r.Image),
		"face":  faceValue(r.Face),
	}}
}

func UnmarshalAlignRequest(s *structpb.Struct) (AlignRequest, error) {
	img, err := imageFrom(field(s, "image"))
	if err != nil {
		return AlignRequest{}, err
	}
	det, err := faceFrom(field(s, "face"))
	if err != nil {
		return AlignRequest{}, err
	}
	return AlignRequest{Image: img, Face: det}, nil
}

func (r ExtractRequest) Marshal() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"image":     imageValue(r.Image),
		"landmarks": landmarksValue(r.Landmarks),
	}}
}

func UnmarshalExtractRequest(s *structpb.Struct) (ExtractRequest, error) {
	img, err := imageFrom(field(s, "image"))
	if err != nil {
		return ExtractRequest{}, err
	}
	landmarks, err := UnmarshalLandmarks(s)
	if err != nil {
		return ExtractRequest{}, err
	}
	return ExtractRequest{Image: img, Landmarks: landmarks}, nil
}

// MarshalFaces encodes a Detect response.
func MarshalFaces(faces []face.DetectedFace) *structpb.Struct {
	values := make([]*structpb.Value, len(faces))
	for i, f := range faces {
		values[i] = faceValue(f)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"faces": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// UnmarshalFaces decodes a Detect response, preserving the order of the faces.
func UnmarshalFaces(s *structpb.Struct) ([]face.DetectedFace, error) {
	list, err := listField(s, "faces")
	if err != nil {
		return nil, err
	}
	faces := make([]face.DetectedFace, 0, len(list))
	for i, v := range list {
		f, err := faceFrom(v)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// MarshalLandmarks encodes a DetectLandmarks response.
func MarshalLandmarks(landmarks face.LandmarkSet) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"landmarks": landmarksValue(landmarks),
	}}
}

// UnmarshalLandmarks decodes the landmarks field; exactly five points are required.
func UnmarshalLandmarks(s *structpb.Struct) (face.LandmarkSet, error) {
	var set face.LandmarkSet
	list, err := listField(s, "landmarks")
	if err != nil {
		return set, err
	}
	if len(list) != face.LandmarkCount {
		return set, fmt.Errorf("%w: got %d landmarks, want %d", ErrMalformedMessage, len(list), face.LandmarkCount)
	}
	for i, v := range list {
		p := v.GetStructValue()
		x, errX := number(p, "x")
		y, errY := number(p, "y")
		if err := errors.Join(errX, errY); err != nil {
			return set, fmt.Errorf("landmark %d: %w", i, err)
		}
		set[i] = face.LandmarkPoint{X: x, Y: y}
	}
	return set, nil
}

// MarshalFeature encodes an ExtractFeature response.
func MarshalFeature(feature face.FeatureVector) *structpb.Struct {
	values := make([]*structpb.Value, len(feature))
	for i, v := range feature {
		values[i] = structpb.NewNumberValue(float64(v))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"feature": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// UnmarshalFeature decodes an ExtractFeature response of exactly FeatureSize values.
func UnmarshalFeature(s *structpb.Struct) (face.FeatureVector, error) {
	var feature face.FeatureVector
	list, err := listField(s, "feature")
	if err != nil {
		return feature, err
	}
	if len(list) != face.FeatureSize {
		return feature, fmt.Errorf("%w: got %d feature values, want %d", ErrMalformedMessage, len(list), face.FeatureSize)
	}
	for i, v := range list {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return feature, fmt.Errorf("%w: feature value %d is not a number", ErrMalformedMessage, i)
		}
		feature[i] = float32(n.NumberValue)
	}
	return feature, nil
}

func imageValue(img face.ImageBuffer) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"width":    structpb.NewNumberValue(float64(img.Width())),
		"height":   structpb.NewNumberValue(float64(img.Height())),
		"channels": structpb.NewNumberValue(float64(img.Channels())),
		"pixels":   structpb.NewStringValue(base64.StdEncoding.EncodeToString(img.Pix())),
	}})
}

func imageFrom(v *structpb.Value) (face.ImageBuffer, error) {
	s := v.GetStructValue()
	w, errW := integer(s, "width")
	h, errH := integer(s, "height")
	c, errC := integer(s, "channels")
	if err := errors.Join(errW, errH, errC); err != nil {
		return face.ImageBuffer{}, fmt.Errorf("image: %w", err)
	}
	pix, err := base64.StdEncoding.DecodeString(field(s, "pixels").GetStringValue())
	if err != nil {
		return face.ImageBuffer{}, fmt.Errorf("%w: image pixels: %v", ErrMalformedMessage, err)
	}
	img, err := face.NewImageBuffer(w, h, c, pix)
	if err != nil {
		return face.ImageBuffer{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return img, nil
}

func faceValue(f face.DetectedFace) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"x":      structpb.NewNumberValue(float64(f.BBox.X)),
		"y":      structpb.NewNumberValue(float64(f.BBox.Y)),
		"width":  structpb.NewNumberValue(float64(f.BBox.Width)),
		"height": structpb.NewNumberValue(float64(f.BBox.Height)),
		"score":  structpb.NewNumberValue(f.Score),
	}})
}

func faceFrom(v *structpb.Value) (face.DetectedFace, error) {
	s := v.GetStructValue()
	x, errX := integer(s, "x")
	y, errY := integer(s, "y")
	w, errW := integer(s, "width")
	h, errH := integer(s, "height")
	score, errS := number(s, "score")
	if err := errors.Join(errX, errY, errW, errH, errS); err != nil {
		return face.DetectedFace{}, err
	}
	if w <= 0 || h <= 0 {
		return face.DetectedFace{}, fmt.Errorf("%w: empty face box %dx%d", ErrMalformedMessage, w, h)
	}
	return face.DetectedFace{BBox: face.BoundingBox{X: x, Y: y, Width: w, Height: h}, Score: score}, nil
}

func landmarksValue(set face.LandmarkSet) *structpb.Value {
	values := make([]*structpb.Value, len(set))
	for i, p := range set {
		values[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"x": structpb.NewNumberValue(p.X),
			"y": structpb.NewNumberValue(p.Y),
		}})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func optionsValue(o face.DetectorOptions) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"min_face_size":        structpb.NewNumberValue(float64(o.MinFaceSize)),
		"max_face_size":        structpb.NewNumberValue(float64(o.MaxFaceSize)),
		"score_threshold":      structpb.NewNumberValue(o.ScoreThreshold),
		"pyramid_scale_factor": structpb.NewNumberValue(o.PyramidScaleFactor),
		"window_step_x":        structpb.NewNumberValue(float64(o.WindowStepX)),
		"window_step_y":        structpb.NewNumberValue(float64(o.WindowStepY)),
	}})
}

func optionsFrom(v *structpb.Value) (face.DetectorOptions, error) {
	s := v.GetStructValue()
	var o face.DetectorOptions
	var errs [6]error
	o.MinFaceSize, errs[0] = integer(s, "min_face_size")
	o.MaxFaceSize, errs[1] = integer(s, "max_face_size")
	o.ScoreThreshold, errs[2] = number(s, "score_threshold")
	o.PyramidScaleFactor, errs[3] = number(s, "pyramid_scale_factor")
	o.WindowStepX, errs[4] = integer(s, "window_step_x")
	o.WindowStepY, errs[5] = integer(s, "window_step_y")
	if err := errors.Join(errs[:]...); err != nil {
		return face.DetectorOptions{}, fmt.Errorf("options: %w", err)
	}
	return o, nil
}

func field(s *structpb.Struct, name string) *structpb.Value {
	return s.GetFields()[name]
}

func listField(s *structpb.Struct, name string) ([]*structpb.Value, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedMessage, name)
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a list", ErrMalformedMessage, name)
	}
	return list.ListValue.GetValues(), nil
}

func number(s *structpb.Struct, name string) (float64, error) {
	n, ok := s.GetFields()[name].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedMessage, name)
	}
	return n.NumberValue, nil
}

func integer(s *structpb.Struct, name string) (int, error) {
	f, err := number(s, name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrMalformedMessage, name)
	}
	return int(f), nil
}
