package usecase

import (
	"context"
	"errors"
)

// ErrMetricsUnavailable is returned when no invocation store is configured.
var ErrMetricsUnavailable = errors.New("metrics require a configured database")

// MetricsSummary represents aggregated adapter invocation insights.
type MetricsSummary struct {
	TotalInvocations      int64            `json:"total_invocations"`
	SuccessfulInvocations int64            `json:"successful_invocations"`
	SuccessRate           float64          `json:"success_rate"`
	AverageLatencyMs      float64          `json:"average_latency_ms"`
	Outcomes              map[string]int64 `json:"outcomes"`
}

// GetMetricsSummary aggregates invocation metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrMetricsUnavailable
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalInvocations:      aggregation.TotalCount,
		SuccessfulInvocations: aggregation.SuccessCount,
		AverageLatencyMs:      aggregation.AverageLatencyMs,
		Outcomes:              aggregation.OutcomeCounts,
	}
	if summary.Outcomes == nil {
		summary.Outcomes = map[string]int64{}
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
