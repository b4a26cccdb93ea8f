package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceverify/internal/retry"
)

// ErrNotFound is returned when no verification matches the lookup.
var ErrNotFound = errors.New("verification not found")

// VerificationLog is one persisted verification attempt, successful or not.
type VerificationLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID      string    `gorm:"column:user_id;index;size:64"`
	GalleryHash string    `gorm:"column:gallery_hash;index;size:40"`
	ProbeHash   string    `gorm:"column:probe_hash;index;size:40"`
	Similarity  float64   `gorm:"column:similarity"`
	Matched     bool      `gorm:"column:matched"`
	Success     bool      `gorm:"column:success"`
	FailureKind string    `gorm:"column:failure_kind;size:64"`
	FailureSide string    `gorm:"column:failure_side;size:16"`
	Details     string    `gorm:"column:details;type:text"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation holds the raw counters behind the metrics endpoint.
type MetricsAggregation struct {
	TotalCount                 int64
	SuccessCount               int64
	MatchCount                 int64
	AverageSimilarity          float64
	AverageProcessingLatencyMs float64
}

// VerificationRepository provides persistence APIs for verification logs.
type VerificationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:     db,
		logger: logger.Named("verification_repository"),
		retry:  retry.DefaultPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{})
	})
}

// SaveLog persists a verification log entry.
func (r *VerificationRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a verification log matching the request and owner.
func (r *VerificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_by_request", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindDuplicatesByHash lists the user's other verifications in which any of
// the given image hashes appeared as gallery or probe, newest first.
func (r *VerificationRepository) FindDuplicatesByHash(ctx context.Context, userID string, hashes []string, excludeRequestID string) ([]*VerificationLog, error) {
	var logs []*VerificationLog
	if len(hashes) == 0 {
		return logs, nil
	}
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND request_id <> ?", userID, excludeRequestID).
			Where(r.db.Where("gallery_hash IN ?", hashes).Or("probe_hash IN ?", hashes)).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics computes counters over every stored verification. The
// average similarity only covers attempts that produced a score.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount        int64
		SuccessCount      int64
		MatchCount        int64
		AverageSimilarity *float64
		AverageLatency    *float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&VerificationLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN matched THEN 1 ELSE 0 END), 0) AS match_count,
				AVG(CASE WHEN success THEN similarity END) AS average_similarity,
				AVG(latency_ms) AS average_latency`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:   row.TotalCount,
		SuccessCount: row.SuccessCount,
		MatchCount:   row.MatchCount,
	}
	if row.AverageSimilarity != nil {
		agg.AverageSimilarity = *row.AverageSimilarity
	}
	if row.AverageLatency != nil {
		agg.AverageProcessingLatencyMs = *row.AverageLatency
	}
	return agg, nil
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return r.retry.Do(ctx, r.logger, operation, requestID, fn)
}
