package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/face"
	"github.com/example/faceverify/internal/imageio"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/pipeline"
	"github.com/example/faceverify/internal/repository"
	"github.com/example/faceverify/internal/retry"
)

// ErrResultPending is returned by GetResult while a verification is still running.
var ErrResultPending = errors.New("verification still processing")

const (
	processingPrefix = "processing:"
	processingTTL    = time.Minute
	resultTTL        = 5 * time.Minute
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationLog, error)
	FindDuplicatesByHash(ctx context.Context, userID string, hashes []string, excludeRequestID string) ([]*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Verifier compares the faces of a gallery and a probe image.
type Verifier interface {
	Verify(ctx context.Context, galleryGray, galleryColor, probeGray, probeColor face.ImageBuffer) (*pipeline.Report, error)
}

// InputError reports an upload that could not be decoded.
type InputError struct {
	Side pipeline.Side
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s image: %v", e.Side, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// VerificationResult is the outcome of VerifyPair. It is returned alongside
// pipeline and input errors so that callers can still report the request id.
type VerificationResult struct {
	RequestID   string           `json:"request_id"`
	Matched     bool             `json:"matched"`
	Similarity  float64          `json:"similarity"`
	Threshold   float64          `json:"threshold"`
	Report      *pipeline.Report `json:"report,omitempty"`
	FailureKind string           `json:"failure_kind,omitempty"`
	FailureSide string           `json:"failure_side,omitempty"`
	LatencyMs   int64            `json:"latency_ms"`
}

// DuplicateReport lists the earlier verifications of a user that reused the
// gallery or probe image of a request.
type DuplicateReport struct {
	Request    *repository.VerificationLog
	Duplicates []*repository.VerificationLog
}

// Option configures a VerificationUseCase.
type Option func(*VerificationUseCase)

// WithThreshold sets the similarity at or above which a pair is a match.
func WithThreshold(threshold float64) Option {
	return func(uc *VerificationUseCase) {
		uc.threshold = threshold
	}
}

// WithMaxImageDimension shrinks uploads whose longer side exceeds n pixels.
func WithMaxImageDimension(n int) Option {
	return func(uc *VerificationUseCase) {
		uc.maxDimension = n
	}
}

// WithRetryPolicy overrides the policy used for cache calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(uc *VerificationUseCase) {
		uc.retry = p
	}
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	repo         VerificationRepository
	cache        Cache
	verifier     Verifier
	logger       *zap.Logger
	retry        retry.Policy
	threshold    float64
	maxDimension int
	now          func() time.Time
}

type cachedVerification struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	GalleryHash string    `json:"gallery_hash"`
	ProbeHash   string    `json:"probe_hash"`
	Similarity  float64   `json:"similarity"`
	Matched     bool      `json:"matched"`
	Success     bool      `json:"success"`
	FailureKind string    `json:"failure_kind"`
	FailureSide string    `json:"failure_side"`
	Details     string    `json:"details"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(repo VerificationRepository, cache Cache, verifier Verifier, logger *zap.Logger, opts ...Option) *VerificationUseCase {
	uc := &VerificationUseCase{
		repo:      repo,
		cache:     cache,
		verifier:  verifier,
		logger:    logger.Named("verification_usecase"),
		retry:     retry.DefaultPolicy(),
		threshold: 0.5,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// VerifyPair decodes both uploads, runs the verification pipeline and records
// the attempt. Pipeline and decode failures are persisted too; they come back
// as a *pipeline.Error or *InputError together with a non-nil result.
func (uc *VerificationUseCase) VerifyPair(ctx context.Context, userID string, galleryBytes, probeBytes []byte) (*VerificationResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_pair", requestID)
	start := uc.now()

	cacheKey := resultKey(requestID)
	if err := uc.retry.Do(ctx, uc.logger, "cache.set.processing", requestID, func() error {
		return uc.cache.Set(ctx, cacheKey, processingPrefix+userID, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	log := &repository.VerificationLog{
		RequestID:   requestID,
		UserID:      userID,
		GalleryHash: hashImage(galleryBytes),
		ProbeHash:   hashImage(probeBytes),
	}
	result := &VerificationResult{RequestID: requestID, Threshold: uc.threshold}

	report, verifyErr := uc.verify(ctx, galleryBytes, probeBytes)
	if verifyErr != nil {
		var pe *pipeline.Error
		var ie *InputError
		switch {
		case errors.As(verifyErr, &pe):
			result.FailureKind = pe.Kind.Error()
			result.FailureSide = string(pe.Side)
		case errors.As(verifyErr, &ie):
			result.FailureKind = imageio.ErrUnsupportedImage.Error()
			result.FailureSide = string(ie.Side)
		default:
			wrapped := logging.NewOperationError("usecase.verify", requestID, verifyErr)
			opLogger.Error("verification failed", zap.Error(wrapped))
			return nil, wrapped
		}
		opLogger.Info("verification rejected",
			zap.String("failure_kind", result.FailureKind),
			zap.String("failure_side", result.FailureSide),
			zap.Error(verifyErr),
		)
		log.Details = verifyErr.Error()
	} else {
		result.Report = report
		result.Similarity = report.Similarity
		result.Matched = report.Similarity >= uc.threshold
		log.Details = fmt.Sprintf("gallery_faces:%d probe_faces:%d threshold:%.3f",
			len(report.Gallery.Faces), len(report.Probe.Faces), uc.threshold)
	}

	result.LatencyMs = uc.now().Sub(start).Milliseconds()
	log.Success = verifyErr == nil
	log.Similarity = result.Similarity
	log.Matched = result.Matched
	log.FailureKind = result.FailureKind
	log.FailureSide = result.FailureSide
	log.LatencyMs = result.LatencyMs
	log.CreatedAt = uc.now().UTC()

	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist verification log", zap.Error(wrapped))
		return nil, wrapped
	}

	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize verification result", zap.Error(err))
		return nil, err
	}
	if err := uc.retry.Do(ctx, uc.logger, "cache.set.result", requestID, func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache verification result", zap.Error(err))
		return nil, err
	}

	opLogger.Info("verification completed",
		zap.Bool("success", log.Success),
		zap.Bool("matched", log.Matched),
		zap.Float64("similarity", log.Similarity),
		zap.Int64("latency_ms", log.LatencyMs),
	)
	return result, verifyErr
}

func (uc *VerificationUseCase) verify(ctx context.Context, galleryBytes, probeBytes []byte) (*pipeline.Report, error) {
	gallery, err := imageio.Decode(galleryBytes, uc.maxDimension)
	if err != nil {
		return nil, &InputError{Side: pipeline.SideGallery, Err: err}
	}
	probe, err := imageio.Decode(probeBytes, uc.maxDimension)
	if err != nil {
		return nil, &InputError{Side: pipeline.SideProbe, Err: err}
	}
	return uc.verifier.Verify(ctx, gallery.Gray, gallery.Color, probe.Gray, probe.Color)
}

// GetResult retrieves a cached verification outcome or loads it from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	var cached string
	err := uc.retry.Do(ctx, uc.logger, "cache.get.result", requestID, func() error {
		value, err := uc.cache.Get(ctx, resultKey(requestID))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	owner, pending := strings.CutPrefix(cached, processingPrefix)
	switch {
	case err == nil && pending:
		// Another user's request falls through to the repository, which
		// reports it as not found.
		if owner == userID {
			return nil, ErrResultPending
		}
	case err == nil:
		var payload cachedVerification
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID == userID {
			return fromCached(payload), nil
		}
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// GetDuplicateReport lists earlier verifications that reused either image of the request.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}

	hashes := []string{log.GalleryHash}
	if log.ProbeHash != log.GalleryHash {
		hashes = append(hashes, log.ProbeHash)
	}
	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, userID, hashes, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func resultKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

func hashImage(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func toCached(log *repository.VerificationLog) cachedVerification {
	return cachedVerification{
		RequestID:   log.RequestID,
		UserID:      log.UserID,
		GalleryHash: log.GalleryHash,
		ProbeHash:   log.ProbeHash,
		Similarity:  log.Similarity,
		Matched:     log.Matched,
		Success:     log.Success,
		FailureKind: log.FailureKind,
		FailureSide: log.FailureSide,
		Details:     log.Details,
		LatencyMs:   log.LatencyMs,
		CreatedAt:   log.CreatedAt,
	}
}

func fromCached(c cachedVerification) *repository.VerificationLog {
	return &repository.VerificationLog{
		RequestID:   c.RequestID,
		UserID:      c.UserID,
		GalleryHash: c.GalleryHash,
		ProbeHash:   c.ProbeHash,
		Similarity:  c.Similarity,
		Matched:     c.Matched,
		Success:     c.Success,
		FailureKind: c.FailureKind,
		FailureSide: c.FailureSide,
		Details:     c.Details,
		LatencyMs:   c.LatencyMs,
		CreatedAt:   c.CreatedAt,
	}
}
