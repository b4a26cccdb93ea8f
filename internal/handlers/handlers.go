package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/imageio"
	"github.com/example/faceverify/internal/pipeline"
	"github.com/example/faceverify/internal/repository"
	"github.com/example/faceverify/internal/usecase"
)

// MaxUploadSize limits each uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead is the slack allowed for form boundaries and headers on
// top of the two images.
const multipartOverhead = 1 << 20

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
}

// VerificationService is the use case surface the routes depend on.
type VerificationService interface {
	VerifyPair(ctx context.Context, userID string, galleryBytes, probeBytes []byte) (*usecase.VerificationResult, error)
	GetResult(ctx context.Context, userID, requestID string) (*repository.VerificationLog, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type uploadError struct {
	status  int
	message string
}

func (e *uploadError) Error() string { return e.message }

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc VerificationService, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/", authMiddleware)

	protected.POST("/verify", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*MaxUploadSize+multipartOverhead)

		gallery, err := readImage(c, "gallery")
		if err != nil {
			writeUploadError(c, err)
			return
		}
		probe, err := readImage(c, "probe")
		if err != nil {
			writeUploadError(c, err)
			return
		}

		result, err := svc.VerifyPair(c.Request.Context(), userID, gallery, probe)
		if err != nil {
			body := gin.H{"error": err.Error()}
			if result != nil {
				body["request_id"] = result.RequestID
				body["failure_kind"] = result.FailureKind
				body["failure_side"] = result.FailureSide
			}
			c.JSON(statusFor(err), body)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": result.RequestID,
			"matched":    result.Matched,
			"similarity": result.Similarity,
			"threshold":  result.Threshold,
			"latency_ms": result.LatencyMs,
			"report":     result.Report,
		})
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		userID, requestID, ok := lookupParams(c)
		if !ok {
			return
		}

		log, err := svc.GetResult(c.Request.Context(), userID, requestID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": lookupMessage(err)})
			return
		}
		c.JSON(http.StatusOK, logResponse(log))
	})

	protected.GET("/duplicates/:id", func(c *gin.Context) {
		userID, requestID, ok := lookupParams(c)
		if !ok {
			return
		}

		report, err := svc.GetDuplicateReport(c.Request.Context(), userID, requestID)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": lookupMessage(err)})
			return
		}

		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, logResponse(d))
		}
		c.JSON(http.StatusOK, gin.H{
			"request":    logResponse(report.Request),
			"duplicates": duplicates,
		})
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func readImage(c *gin.Context, field string) ([]byte, error) {
	file, err := c.FormFile(field)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &uploadError{http.StatusRequestEntityTooLarge, "upload too large"}
		}
		return nil, &uploadError{http.StatusBadRequest, fmt.Sprintf("%s image is required", field)}
	}
	if file.Size > MaxUploadSize {
		return nil, &uploadError{http.StatusRequestEntityTooLarge, fmt.Sprintf("%s image exceeds %d bytes", field, MaxUploadSize)}
	}
	if _, ok := allowedContentTypes[file.Header.Get("Content-Type")]; !ok {
		return nil, &uploadError{http.StatusUnsupportedMediaType, fmt.Sprintf("%s image must be jpeg or png", field)}
	}
	return readFile(file)
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, &uploadError{http.StatusBadRequest, "unable to open image"}
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, &uploadError{http.StatusInternalServerError, "failed to read image"}
	}
	return data, nil
}

func writeUploadError(c *gin.Context, err error) {
	var ue *uploadError
	if errors.As(err, &ue) {
		c.JSON(ue.status, gin.H{"error": ue.message})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func lookupParams(c *gin.Context) (string, string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", "", false
	}
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return "", "", false
	}
	return userID, requestID, true
}

// statusFor maps verification and lookup errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNoFaceDetected), errors.Is(err, pipeline.ErrAlignmentFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrDimensionMismatch), errors.Is(err, imageio.ErrUnsupportedImage):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrModelInference):
		return http.StatusBadGateway
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecase.ErrResultPending):
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

func lookupMessage(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "result not found"
	case errors.Is(err, usecase.ErrResultPending):
		return "result pending"
	}
	return "lookup failed"
}

func logResponse(log *repository.VerificationLog) gin.H {
	return gin.H{
		"request_id":   log.RequestID,
		"user_id":      log.UserID,
		"similarity":   log.Similarity,
		"matched":      log.Matched,
		"success":      log.Success,
		"failure_kind": log.FailureKind,
		"failure_side": log.FailureSide,
		"gallery_hash": log.GalleryHash,
		"probe_hash":   log.ProbeHash,
		"latency_ms":   log.LatencyMs,
		"details":      log.Details,
		"created_at":   log.CreatedAt,
	}
}
