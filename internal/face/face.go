package face

import (
	"context"
	"errors"
	"image"
	"math"
)

// LandmarkCount is the number of facial landmarks produced by an Aligner.
const LandmarkCount = 5

// Canonical landmark order.
const (
	LeftEye = iota
	RightEye
	Nose
	LeftMouth
	RightMouth
)

// FeatureSize is the length of an identity feature vector.
const FeatureSize = 2048

// ErrNoLandmarks is returned by an Aligner that cannot place the landmarks of
// a face. Any other Aligner error is a failure of the backend itself.
var ErrNoLandmarks = errors.New("landmarks could not be located")

// BoundingBox is an axis-aligned face region in source image pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Expand grows the box by ratio of its size on every side.
func (b BoundingBox) Expand(ratio float64) image.Rectangle {
	dx := int(math.Round(float64(b.Width) * ratio))
	dy := int(math.Round(float64(b.Height) * ratio))
	return image.Rect(b.X-dx, b.Y-dy, b.X+b.Width+dx, b.Y+b.Height+dy)
}

// DetectedFace is one detector candidate.
type DetectedFace struct {
	BBox  BoundingBox `json:"bbox"`
	Score float64     `json:"score"`
}

// LandmarkPoint is a landmark position in source image pixel coordinates.
type LandmarkPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LandmarkSet holds the five landmarks in canonical order: left eye, right eye,
// nose, left mouth corner, right mouth corner.
type LandmarkSet [LandmarkCount]LandmarkPoint

// Within reports whether every landmark lies inside r. Like image.Point.In,
// the bound is exclusive at r.Max.
func (s LandmarkSet) Within(r image.Rectangle) bool {
	for _, p := range s {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) {
			return false
		}
		if p.X < float64(r.Min.X) || p.Y < float64(r.Min.Y) || p.X >= float64(r.Max.X) || p.Y >= float64(r.Max.Y) {
			return false
		}
	}
	return true
}

// Translate returns a copy of the set shifted by (dx, dy).
func (s LandmarkSet) Translate(dx, dy float64) LandmarkSet {
	for i := range s {
		s[i].X += dx
		s[i].Y += dy
	}
	return s
}

// FeatureVector is an opaque identity embedding.
type FeatureVector [FeatureSize]float32

// Norm returns the L2 norm of the vector.
func (f *FeatureVector) Norm() float64 {
	var sum float64
	for _, v := range f {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// IsDegenerate reports whether the vector cannot be compared: it has a
// non-finite component or a zero norm.
func (f *FeatureVector) IsDegenerate() bool {
	var sum float64
	for _, v := range f {
		x := float64(v)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return true
		}
		sum += x * x
	}
	return sum == 0
}

// Detector finds face candidates in a grayscale image. The order of the
// returned faces is defined by the implementation.
type Detector interface {
	Detect(ctx context.Context, gray ImageBuffer) ([]DetectedFace, error)
}

// Aligner locates the five facial landmarks of one detected face.
type Aligner interface {
	DetectLandmarks(ctx context.Context, gray ImageBuffer, face DetectedFace) (LandmarkSet, error)
}

// Identifier turns an aligned face into a feature vector and compares vectors.
// CalcSimilarity must be symmetric.
type Identifier interface {
	ExtractFeature(ctx context.Context, color ImageBuffer, landmarks LandmarkSet) (FeatureVector, error)
	CalcSimilarity(a, b FeatureVector) float64
}

// DetectorOptions are the tuning knobs of a detector backend.
type DetectorOptions struct {
	MinFaceSize        int     `json:"min_face_size"`
	MaxFaceSize        int     `json:"max_face_size"`
	ScoreThreshold     float64 `json:"score_threshold"`
	PyramidScaleFactor float64 `json:"pyramid_scale_factor"`
	WindowStepX        int     `json:"window_step_x"`
	WindowStepY        int     `json:"window_step_y"`
}

// DefaultDetectorOptions returns the settings of the frontal face model.
func DefaultDetectorOptions() DetectorOptions {
	return DetectorOptions{
		MinFaceSize:        100,
		MaxFaceSize:        500,
		ScoreThreshold:     2.0,
		PyramidScaleFactor: 0.8,
		WindowStepX:        4,
		WindowStepY:        4,
	}
}

// Validate checks that the options describe a usable detector configuration.
func (o DetectorOptions) Validate() error {
	switch {
	case o.MinFaceSize < 20:
		return errors.New("min face size must be at least 20")
	case o.MaxFaceSize > 0 && o.MaxFaceSize < o.MinFaceSize:
		return errors.New("max face size must not be below min face size")
	case o.PyramidScaleFactor <= 0 || o.PyramidScaleFactor >= 1:
		return errors.New("pyramid scale factor must be in (0, 1)")
	case o.WindowStepX <= 0 || o.WindowStepY <= 0:
		return errors.New("window step must be positive")
	}
	return nil
}
