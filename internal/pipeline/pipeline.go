package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/faceverify/internal/face"
)

// Pipeline drives images through detection, landmark alignment and feature
// extraction, and compares the features of a gallery/probe pair.
type Pipeline struct {
	detector   face.Detector
	aligner    face.Aligner
	identifier face.Identifier
	logger     *zap.Logger
	parallel   bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithParallel processes the gallery and probe sides concurrently. The
// collaborators must then be safe for concurrent use.
func WithParallel(enabled bool) Option {
	return func(p *Pipeline) {
		p.parallel = enabled
	}
}

// New constructs a pipeline over the given collaborators.
func New(detector face.Detector, aligner face.Aligner, identifier face.Identifier, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		detector:   detector,
		aligner:    aligner,
		identifier: identifier,
		logger:     logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SideReport describes how one image of the pair was processed.
type SideReport struct {
	Selected  face.DetectedFace   `json:"selected"`
	Landmarks face.LandmarkSet    `json:"landmarks"`
	Faces     []face.DetectedFace `json:"faces"`
}

// Report is the outcome of a successful Verify.
type Report struct {
	Gallery    SideReport `json:"gallery"`
	Probe      SideReport `json:"probe"`
	Similarity float64    `json:"similarity"`
}

type views struct {
	gray  face.ImageBuffer
	color face.ImageBuffer
}

var sides = [2]Side{SideGallery, SideProbe}

// ProcessImage computes the feature vector of the first face the detector
// reports in the image. gray and color must be views of the same image.
func (p *Pipeline) ProcessImage(ctx context.Context, gray, color face.ImageBuffer) (face.FeatureVector, error) {
	located, err := p.locate(ctx, p.logger, gray, color)
	if err != nil {
		return face.FeatureVector{}, err
	}
	return p.extract(ctx, p.logger, color, located.Landmarks)
}

// Verify compares the faces of a gallery and a probe image. Both images are
// detected and aligned before any feature is extracted, so a failure on either
// side never reaches the identifier. Errors are *Error values tagged with the
// failing side.
func (p *Pipeline) Verify(ctx context.Context, galleryGray, galleryColor, probeGray, probeColor face.ImageBuffer) (*Report, error) {
	input := [2]views{
		{gray: galleryGray, color: galleryColor},
		{gray: probeGray, color: probeColor},
	}

	var located [2]SideReport
	err := p.bothSides(ctx, func(ctx context.Context, i int) error {
		logger := p.logger.With(zap.String("side", string(sides[i])))
		r, err := p.locate(ctx, logger, input[i].gray, input[i].color)
		if err != nil {
			return err
		}
		located[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	var features [2]face.FeatureVector
	err = p.bothSides(ctx, func(ctx context.Context, i int) error {
		logger := p.logger.With(zap.String("side", string(sides[i])))
		f, err := p.extract(ctx, logger, input[i].color, located[i].Landmarks)
		if err != nil {
			return err
		}
		features[i] = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	report := &Report{
		Gallery:    located[0],
		Probe:      located[1],
		Similarity: p.identifier.CalcSimilarity(features[0], features[1]),
	}
	p.logger.Debug("pair compared", zap.Float64("similarity", report.Similarity))
	return report, nil
}

// bothSides runs fn for the gallery (0) and the probe (1). A failing side
// does not cancel the other one; when both fail the gallery error is reported.
func (p *Pipeline) bothSides(ctx context.Context, fn func(ctx context.Context, i int) error) error {
	var errs [2]error
	if p.parallel {
		var g errgroup.Group
		for i := range sides {
			i := i
			g.Go(func() error {
				errs[i] = fn(ctx, i)
				return errs[i]
			})
		}
		_ = g.Wait()
	} else {
		for i := range sides {
			if errs[i] = fn(ctx, i); errs[i] != nil {
				break
			}
		}
	}

	for i, err := range errs {
		if err != nil {
			return withSide(sides[i], err)
		}
	}
	return nil
}

func (p *Pipeline) locate(ctx context.Context, logger *zap.Logger, gray, color face.ImageBuffer) (SideReport, error) {
	if err := checkViews(gray, color); err != nil {
		return SideReport{}, err
	}

	faces, err := p.detector.Detect(ctx, gray)
	if err != nil {
		return SideReport{}, stageError(StageDetect, ErrModelInference, err)
	}
	if len(faces) == 0 {
		logger.Debug("no face detected")
		return SideReport{}, stageError(StageDetect, ErrNoFaceDetected, nil)
	}

	selected := selectFace(faces)
	logger.Debug("face selected",
		zap.Int("faces", len(faces)),
		zap.Float64("score", selected.Score),
		zap.Int("x", selected.BBox.X),
		zap.Int("y", selected.BBox.Y),
	)

	landmarks, err := p.aligner.DetectLandmarks(ctx, gray, selected)
	switch {
	case errors.Is(err, face.ErrNoLandmarks):
		return SideReport{}, stageError(StageAlign, ErrAlignmentFailed, err)
	case err != nil:
		return SideReport{}, stageError(StageAlign, ErrModelInference, err)
	}
	if !landmarks.Within(gray.Bounds()) {
		return SideReport{}, stageError(StageAlign, ErrAlignmentFailed,
			fmt.Errorf("landmarks fall outside the %dx%d image", gray.Width(), gray.Height()))
	}

	return SideReport{
		Selected:  selected,
		Landmarks: landmarks,
		Faces:     append([]face.DetectedFace(nil), faces...),
	}, nil
}

func (p *Pipeline) extract(ctx context.Context, logger *zap.Logger, color face.ImageBuffer, landmarks face.LandmarkSet) (face.FeatureVector, error) {
	feature, err := p.identifier.ExtractFeature(ctx, color, landmarks)
	if err != nil {
		return face.FeatureVector{}, stageError(StageExtract, ErrModelInference, err)
	}
	if feature.IsDegenerate() {
		return face.FeatureVector{}, stageError(StageExtract, ErrModelInference,
			errors.New("identifier returned a degenerate feature vector"))
	}
	logger.Debug("feature extracted", zap.Float64("norm", feature.Norm()))
	return feature, nil
}

// selectFace takes the first detection as reported by the detector. The
// detector does not promise score order, so this is not necessarily the most
// confident face.
func selectFace(faces []face.DetectedFace) face.DetectedFace {
	return faces[0]
}

func checkViews(gray, color face.ImageBuffer) error {
	switch {
	case !gray.Valid() || gray.Channels() != 1:
		return stageError(StageValidate, ErrDimensionMismatch, errors.New("gray view must be a valid single channel image"))
	case !color.Valid() || color.Channels() != 3:
		return stageError(StageValidate, ErrDimensionMismatch, errors.New("color view must be a valid three channel image"))
	case !gray.SameGeometry(color):
		return stageError(StageValidate, ErrDimensionMismatch,
			fmt.Errorf("gray view is %dx%d, color view is %dx%d", gray.Width(), gray.Height(), color.Width(), color.Height()))
	}
	return nil
}
