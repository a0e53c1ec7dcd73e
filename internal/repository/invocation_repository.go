package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/glaucoscan/internal/logging"
	"github.com/example/glaucoscan/internal/retry"
)

// Outcome classes recorded for an adapter invocation.
const (
	OutcomeSuccess       = "success"
	OutcomeAdapterFailed = "adapter_failed"
	OutcomeInvalidOutput = "invalid_output"
	OutcomeTimeout       = "timeout"
	OutcomeBusy          = "busy"
	OutcomeError         = "error"
)

// InvocationLog records how one adapter invocation went. It deliberately
// carries no prediction label or confidence.
type InvocationLog struct {
	ID           uint      `gorm:"primaryKey"`
	RequestID    string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Adapter      string    `gorm:"column:adapter;size:32"`
	Outcome      string    `gorm:"column:outcome;size:32;index"`
	ExitCode     int       `gorm:"column:exit_code"`
	LatencyMs    int64     `gorm:"column:latency_ms"`
	PayloadBytes int       `gorm:"column:payload_bytes"`
	MIMEType     string    `gorm:"column:mime_type;size:64"`
	CreatedAt    time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (InvocationLog) TableName() string {
	return "invocation_logs"
}

// MetricsAggregation is the raw aggregate over all invocation logs.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	AverageLatencyMs float64
	OutcomeCounts    map[string]int64
}

// InvocationRepository persists invocation logs.
type InvocationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewInvocationRepository creates a new repository instance.
func NewInvocationRepository(db *gorm.DB, logger *zap.Logger) *InvocationRepository {
	return &InvocationRepository{
		db:             db,
		logger:         logger.Named("invocation_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *InvocationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&InvocationLog{})
}

// SaveLog persists an invocation log entry.
func (r *InvocationRepository) SaveLog(ctx context.Context, log *InvocationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AggregateMetrics summarises all recorded invocations.
func (r *InvocationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	agg := &MetricsAggregation{OutcomeCounts: map[string]int64{}}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		var totals struct {
			TotalCount       int64
			SuccessCount     int64
			AverageLatencyMs float64
		}
		if err := r.db.WithContext(ctx).Model(&InvocationLog{}).
			Select("COUNT(*) AS total_count, "+
				"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms", OutcomeSuccess).
			Scan(&totals).Error; err != nil {
			return err
		}

		var rows []struct {
			Outcome string
			Count   int64
		}
		if err := r.db.WithContext(ctx).Model(&InvocationLog{}).
			Select("outcome, COUNT(*) AS count").
			Group("outcome").
			Scan(&rows).Error; err != nil {
			return err
		}

		agg.TotalCount = totals.TotalCount
		agg.SuccessCount = totals.SuccessCount
		agg.AverageLatencyMs = totals.AverageLatencyMs
		for _, row := range rows {
			agg.OutcomeCounts[row.Outcome] = row.Count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func (r *InvocationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	policy := retry.Policy{Attempts: r.retryAttempts, InitialInterval: r.initialBackoff, MaxInterval: r.maxBackoff}
	attempt, err := retry.Do(ctx, policy, fn, func(err error, attempt int, wait time.Duration) {
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", wait))
	})
	if err != nil {
		opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt))
		return logging.NewOperationError(operation, requestID, err)
	}
	if attempt > 1 {
		opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt))
	}
	return nil
}
