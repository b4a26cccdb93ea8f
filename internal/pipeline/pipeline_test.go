package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/face"
)

// Test images carry a subject id in their first pixel so the stubs can look up
// fixture data for them.
const (
	subjectAlice byte = iota + 1
	subjectAliceAgain
	subjectBob
	subjectNobody
	subjectCrowd
	subjectEdge
)

const matchThreshold = 0.5

type stubDetector struct {
	mu    sync.Mutex
	faces map[byte][]face.DetectedFace
	err   error
	calls int
}

func (s *stubDetector) Detect(ctx context.Context, gray face.ImageBuffer) ([]face.DetectedFace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.faces[gray.Pix()[0]], nil
}

type stubAligner struct {
	mu       sync.Mutex
	calls    int
	received []face.DetectedFace
	err      error
	override *face.LandmarkSet
}

// DetectLandmarks reads the pixels around the face the way a real aligner
// does and places the landmarks inside the face box.
func (s *stubAligner) DetectLandmarks(ctx context.Context, gray face.ImageBuffer, det face.DetectedFace) (face.LandmarkSet, error) {
	s.mu.Lock()
	s.calls++
	s.received = append(s.received, det)
	s.mu.Unlock()

	if s.err != nil {
		return face.LandmarkSet{}, s.err
	}
	if s.override != nil {
		return *s.override, nil
	}
	if _, _, ok := gray.Crop(det.BBox.Expand(0.25)); !ok {
		return face.LandmarkSet{}, fmt.Errorf("face outside image: %w", face.ErrNoLandmarks)
	}

	x, y := float64(det.BBox.X), float64(det.BBox.Y)
	w, h := float64(det.BBox.Width), float64(det.BBox.Height)
	return face.LandmarkSet{
		{X: x + 0.3*w, Y: y + 0.35*h},
		{X: x + 0.7*w, Y: y + 0.35*h},
		{X: x + 0.5*w, Y: y + 0.55*h},
		{X: x + 0.35*w, Y: y + 0.75*h},
		{X: x + 0.65*w, Y: y + 0.75*h},
	}, nil
}

type stubIdentifier struct {
	mu       sync.Mutex
	features map[byte]face.FeatureVector
	err      error
	calls    int
}

func (s *stubIdentifier) ExtractFeature(ctx context.Context, color face.ImageBuffer, landmarks face.LandmarkSet) (face.FeatureVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return face.FeatureVector{}, s.err
	}
	return s.features[color.Pix()[0]], nil
}

func (s *stubIdentifier) CalcSimilarity(a, b face.FeatureVector) float64 {
	return face.CosineSimilarity(a, b)
}

func (s *stubIdentifier) extractCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	detector   *stubDetector
	aligner    *stubAligner
	identifier *stubIdentifier
}

func newFixture() *fixture {
	alice := identityVector(11, 0)
	return &fixture{
		detector: &stubDetector{faces: map[byte][]face.DetectedFace{
			subjectAlice:      {{BBox: face.BoundingBox{X: 40, Y: 30, Width: 100, Height: 110}, Score: 3.2}},
			subjectAliceAgain: {{BBox: face.BoundingBox{X: 60, Y: 20, Width: 90, Height: 95}, Score: 2.8}},
			subjectBob:        {{BBox: face.BoundingBox{X: 10, Y: 10, Width: 120, Height: 120}, Score: 4.1}},
			subjectCrowd: {
				{BBox: face.BoundingBox{X: 5, Y: 5, Width: 50, Height: 50}, Score: 2.1},
				{BBox: face.BoundingBox{X: 80, Y: 60, Width: 100, Height: 100}, Score: 7.5},
			},
			subjectEdge: {{BBox: face.BoundingBox{X: 100, Y: 80, Width: 100, Height: 80}, Score: 2.5}},
		}},
		aligner: &stubAligner{},
		identifier: &stubIdentifier{features: map[byte]face.FeatureVector{
			subjectAlice:      alice,
			subjectAliceAgain: identityVector(11, 0.15),
			subjectBob:        identityVector(29, 0),
			subjectCrowd:      identityVector(5, 0),
			subjectEdge:       identityVector(11, 0.05),
		}},
	}
}

func (f *fixture) pipeline(opts ...Option) *Pipeline {
	return New(f.detector, f.aligner, f.identifier, zap.NewNop(), opts...)
}

// identityVector builds a deterministic feature whose direction depends on
// seed; noise rotates it slightly away from the clean identity.
func identityVector(seed int, noise float64) face.FeatureVector {
	var v face.FeatureVector
	for i := range v {
		base := math.Sin(float64((i+1)*seed) * 0.37)
		jitter := math.Cos(float64(i*7+seed) * 1.3)
		v[i] = float32(base + noise*jitter)
	}
	return v
}

func testImage(t *testing.T, subject byte, width, height int) (face.ImageBuffer, face.ImageBuffer) {
	t.Helper()
	grayPix := make([]byte, width*height)
	colorPix := make([]byte, width*height*3)
	grayPix[0] = subject
	colorPix[0] = subject
	gray, err := face.NewImageBuffer(width, height, 1, grayPix)
	if err != nil {
		t.Fatalf("failed to build gray view: %v", err)
	}
	color, err := face.NewImageBuffer(width, height, 3, colorPix)
	if err != nil {
		t.Fatalf("failed to build color view: %v", err)
	}
	return gray, color
}

func modes() map[string][]Option {
	return map[string][]Option{
		"sequential": nil,
		"parallel":   {WithParallel(true)},
	}
}

func TestProcessImageNoFaceSkipsDownstreamCalls(t *testing.T) {
	f := newFixture()
	gray, color := testImage(t, subjectNobody, 200, 160)

	_, err := f.pipeline().ProcessImage(context.Background(), gray, color)
	if !errors.Is(err, ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.Side != "" || pe.Stage != StageDetect {
		t.Fatalf("unexpected side/stage: %q/%q", pe.Side, pe.Stage)
	}
	if f.aligner.calls != 0 {
		t.Fatalf("expected aligner not to be called, got %d calls", f.aligner.calls)
	}
	if f.identifier.calls != 0 {
		t.Fatalf("expected identifier not to be called, got %d calls", f.identifier.calls)
	}
}

func TestProcessImageSelectsFirstDetection(t *testing.T) {
	f := newFixture()
	gray, color := testImage(t, subjectCrowd, 200, 200)

	if _, err := f.pipeline().ProcessImage(context.Background(), gray, color); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(f.aligner.received) != 1 {
		t.Fatalf("expected a single alignment, got %d", len(f.aligner.received))
	}
	first := f.detector.faces[subjectCrowd][0]
	if f.aligner.received[0] != first {
		t.Fatalf("expected first detection %+v to be aligned, got %+v", first, f.aligner.received[0])
	}
}

func TestProcessImageIsIdempotent(t *testing.T) {
	f := newFixture()
	p := f.pipeline()
	gray, color := testImage(t, subjectAlice, 200, 160)

	first, err := p.ProcessImage(context.Background(), gray, color)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	second, err := p.ProcessImage(context.Background(), gray, color)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if first != second {
		t.Fatal("expected identical feature vectors for identical input")
	}
}

func TestProcessImageFaceAtImageEdge(t *testing.T) {
	f := newFixture()
	// The edge fixture box ends exactly at x=200, y=160.
	gray, color := testImage(t, subjectEdge, 200, 160)

	if _, err := f.pipeline().ProcessImage(context.Background(), gray, color); err != nil {
		t.Fatalf("expected success for a face touching the edge, got error: %v", err)
	}
	if f.aligner.calls != 1 {
		t.Fatalf("expected one alignment, got %d", f.aligner.calls)
	}
}

func TestProcessImageDimensionMismatch(t *testing.T) {
	f := newFixture()
	gray, _ := testImage(t, subjectAlice, 200, 160)
	_, color := testImage(t, subjectAlice, 200, 150)

	_, err := f.pipeline().ProcessImage(context.Background(), gray, color)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if f.detector.calls != 0 {
		t.Fatalf("expected detector not to be called, got %d", f.detector.calls)
	}

	// Swapped views have the wrong channel counts.
	gray, color = testImage(t, subjectAlice, 200, 160)
	if _, err := f.pipeline().ProcessImage(context.Background(), color, gray); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for swapped views, got %v", err)
	}

	if _, err := f.pipeline().ProcessImage(context.Background(), face.ImageBuffer{}, color); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for zero view, got %v", err)
	}
}

func TestProcessImageDetectorFailure(t *testing.T) {
	f := newFixture()
	cause := errors.New("model state corrupted")
	f.detector.err = cause
	gray, color := testImage(t, subjectAlice, 200, 160)

	_, err := f.pipeline().ProcessImage(context.Background(), gray, color)
	if !errors.Is(err, ErrModelInference) {
		t.Fatalf("expected ErrModelInference, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected the detector error to be preserved, got %v", err)
	}
}

func TestProcessImageAlignmentFailures(t *testing.T) {
	t.Run("landmarks not located", func(t *testing.T) {
		f := newFixture()
		f.aligner.err = fmt.Errorf("no convergence: %w", face.ErrNoLandmarks)
		gray, color := testImage(t, subjectAlice, 200, 160)

		_, err := f.pipeline().ProcessImage(context.Background(), gray, color)
		if !errors.Is(err, ErrAlignmentFailed) {
			t.Fatalf("expected ErrAlignmentFailed, got %v", err)
		}
		if errors.Is(err, ErrModelInference) {
			t.Fatalf("expected no model inference kind, got %v", err)
		}
		if f.identifier.calls != 0 {
			t.Fatalf("expected identifier not to be called, got %d", f.identifier.calls)
		}
	})

	t.Run("landmarks outside image", func(t *testing.T) {
		f := newFixture()
		f.aligner.override = &face.LandmarkSet{{X: 10, Y: 10}, {X: 20, Y: 10}, {X: 15, Y: 20}, {X: 12, Y: 30}, {X: 18, Y: 400}}
		gray, color := testImage(t, subjectAlice, 200, 160)

		_, err := f.pipeline().ProcessImage(context.Background(), gray, color)
		if !errors.Is(err, ErrAlignmentFailed) {
			t.Fatalf("expected ErrAlignmentFailed, got %v", err)
		}
	})

	t.Run("landmark on the far edge", func(t *testing.T) {
		f := newFixture()
		f.aligner.override = &face.LandmarkSet{{X: 10, Y: 10}, {X: 20, Y: 10}, {X: 15, Y: 20}, {X: 12, Y: 30}, {X: 200, Y: 160}}
		gray, color := testImage(t, subjectAlice, 200, 160)

		_, err := f.pipeline().ProcessImage(context.Background(), gray, color)
		if !errors.Is(err, ErrAlignmentFailed) {
			t.Fatalf("expected ErrAlignmentFailed, got %v", err)
		}
	})
}

func TestProcessImageAlignerOutageIsModelInference(t *testing.T) {
	f := newFixture()
	cause := errors.New("inference service unavailable")
	f.aligner.err = cause
	gray, color := testImage(t, subjectAlice, 200, 160)

	_, err := f.pipeline().ProcessImage(context.Background(), gray, color)
	if !errors.Is(err, ErrModelInference) {
		t.Fatalf("expected ErrModelInference, got %v", err)
	}
	if errors.Is(err, ErrAlignmentFailed) {
		t.Fatalf("expected an outage not to be reported as alignment failure, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected the aligner error to be preserved, got %v", err)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Stage != StageAlign {
		t.Fatalf("expected the align stage to be reported, got %v", err)
	}
	if f.identifier.calls != 0 {
		t.Fatalf("expected identifier not to be called, got %d", f.identifier.calls)
	}
}

func TestProcessImageRejectsDegenerateFeature(t *testing.T) {
	f := newFixture()
	f.identifier.features[subjectAlice] = face.FeatureVector{}
	gray, color := testImage(t, subjectAlice, 200, 160)

	_, err := f.pipeline().ProcessImage(context.Background(), gray, color)
	if !errors.Is(err, ErrModelInference) {
		t.Fatalf("expected ErrModelInference, got %v", err)
	}
}

func TestVerifySameIdentity(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			gGray, gColor := testImage(t, subjectAlice, 200, 160)
			pGray, pColor := testImage(t, subjectAliceAgain, 180, 150)

			report, err := f.pipeline(opts...).Verify(context.Background(), gGray, gColor, pGray, pColor)
			if err != nil {
				t.Fatalf("expected success, got error: %v", err)
			}
			if report.Similarity <= matchThreshold {
				t.Fatalf("expected similarity above %v, got %v", matchThreshold, report.Similarity)
			}
			if report.Gallery.Selected.Score != 3.2 || report.Probe.Selected.Score != 2.8 {
				t.Fatalf("unexpected selected scores: %v/%v", report.Gallery.Selected.Score, report.Probe.Selected.Score)
			}
			if len(report.Gallery.Faces) != 1 || len(report.Probe.Faces) != 1 {
				t.Fatalf("unexpected face counts: %d/%d", len(report.Gallery.Faces), len(report.Probe.Faces))
			}
			if !report.Gallery.Landmarks.Within(gGray.Bounds()) {
				t.Fatalf("gallery landmarks outside image: %+v", report.Gallery.Landmarks)
			}
			if f.identifier.extractCalls() != 2 {
				t.Fatalf("expected 2 extractions, got %d", f.identifier.extractCalls())
			}
		})
	}
}

func TestVerifyDifferentIdentities(t *testing.T) {
	f := newFixture()
	gGray, gColor := testImage(t, subjectAlice, 200, 160)
	pGray, pColor := testImage(t, subjectBob, 200, 160)

	report, err := f.pipeline().Verify(context.Background(), gGray, gColor, pGray, pColor)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if report.Similarity >= matchThreshold {
		t.Fatalf("expected similarity below %v, got %v", matchThreshold, report.Similarity)
	}
}

func TestVerifyGalleryWithoutFace(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			gGray, gColor := testImage(t, subjectNobody, 200, 160)
			pGray, pColor := testImage(t, subjectAlice, 200, 160)

			report, err := f.pipeline(opts...).Verify(context.Background(), gGray, gColor, pGray, pColor)
			if report != nil {
				t.Fatalf("expected no report, got %+v", report)
			}
			if !errors.Is(err, ErrNoFaceDetected) {
				t.Fatalf("expected ErrNoFaceDetected, got %v", err)
			}
			var pe *Error
			if !errors.As(err, &pe) || pe.Side != SideGallery {
				t.Fatalf("expected gallery side error, got %v", err)
			}
			if f.identifier.extractCalls() != 0 {
				t.Fatalf("expected no extraction on either side, got %d", f.identifier.extractCalls())
			}
		})
	}
}

func TestVerifyProbeFailureIsTagged(t *testing.T) {
	for name, opts := range modes() {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			gGray, gColor := testImage(t, subjectAlice, 200, 160)
			pGray, pColor := testImage(t, subjectNobody, 200, 160)

			_, err := f.pipeline(opts...).Verify(context.Background(), gGray, gColor, pGray, pColor)
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if pe.Side != SideProbe || !errors.Is(err, ErrNoFaceDetected) {
				t.Fatalf("expected probe no-face error, got %v", err)
			}
			if f.identifier.extractCalls() != 0 {
				t.Fatalf("expected no extraction, got %d", f.identifier.extractCalls())
			}
		})
	}
}

func TestVerifyBothSidesFailReportsGallery(t *testing.T) {
	f := newFixture()
	gGray, gColor := testImage(t, subjectNobody, 200, 160)
	pGray, pColor := testImage(t, subjectNobody, 200, 160)

	_, err := f.pipeline(WithParallel(true)).Verify(context.Background(), gGray, gColor, pGray, pColor)
	var pe *Error
	if !errors.As(err, &pe) || pe.Side != SideGallery {
		t.Fatalf("expected gallery side error, got %v", err)
	}
}

func TestVerifySimilarityIsSymmetric(t *testing.T) {
	f := newFixture()
	p := f.pipeline()
	aGray, aColor := testImage(t, subjectAlice, 200, 160)
	bGray, bColor := testImage(t, subjectBob, 200, 160)

	ab, err := p.Verify(context.Background(), aGray, aColor, bGray, bColor)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	ba, err := p.Verify(context.Background(), bGray, bColor, aGray, aColor)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if ab.Similarity != ba.Similarity {
		t.Fatalf("expected symmetric similarity, got %v and %v", ab.Similarity, ba.Similarity)
	}
}

func TestErrorMessage(t *testing.T) {
	err := withSide(SideProbe, stageError(StageAlign, ErrAlignmentFailed, errors.New("no convergence")))
	if got, want := err.Error(), "probe align: alignment failed: no convergence"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
