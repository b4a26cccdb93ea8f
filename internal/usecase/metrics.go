package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	MatchedRequests            int64   `json:"matched_requests"`
	SuccessRate                float64 `json:"success_rate"`
	MatchRate                  float64 `json:"match_rate"`
	AverageSimilarity          float64 `json:"average_similarity"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
// MatchRate is relative to the requests that produced a similarity.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		MatchedRequests:            aggregation.MatchCount,
		AverageSimilarity:          aggregation.AverageSimilarity,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	if aggregation.SuccessCount > 0 {
		summary.MatchRate = float64(aggregation.MatchCount) / float64(aggregation.SuccessCount)
	}

	return summary, nil
}
