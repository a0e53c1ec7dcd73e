package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/inference"
	"github.com/example/glaucoscan/internal/logging"
	"github.com/example/glaucoscan/internal/repository"
)

var (
	ErrImageRequired = errors.New("image data is required")
	ErrInvalidImage  = errors.New("invalid image")
)

// InvocationRepository defines the persistence operations needed by the use case.
type InvocationRepository interface {
	SaveLog(ctx context.Context, log *repository.InvocationLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// PredictionUseCase validates a submitted image, runs it through the
// inference adapter and records how the invocation went.
type PredictionUseCase struct {
	adapter       inference.Adapter
	adapterName   string
	repo          InvocationRepository
	logger        *zap.Logger
	recordTimeout time.Duration
}

// NewPredictionUseCase constructs a new use case instance. repo may be nil,
// in which case invocations are not recorded.
func NewPredictionUseCase(adapter inference.Adapter, adapterName string, repo InvocationRepository, logger *zap.Logger) *PredictionUseCase {
	return &PredictionUseCase{
		adapter:       adapter,
		adapterName:   adapterName,
		repo:          repo,
		logger:        logger.Named("prediction_usecase"),
		recordTimeout: 2 * time.Second,
	}
}

// Predict runs one screening. The returned request id is set even on error.
func (uc *PredictionUseCase) Predict(ctx context.Context, rawImage string) (string, *inference.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if strings.TrimSpace(rawImage) == "" {
		return requestID, nil, ErrImageRequired
	}

	payload, err := imagepayload.Parse(rawImage)
	if err != nil {
		opLogger.Info("rejected image payload", zap.Error(err))
		return requestID, nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	start := time.Now()
	result, err := uc.adapter.Infer(inference.WithRequestID(ctx, requestID), payload)
	latency := time.Since(start)

	uc.record(ctx, requestID, payload, err, latency)

	if err != nil {
		opLogger.Error("inference failed", append(logging.ErrorFields(err), zap.Duration("latency", latency))...)
		return requestID, nil, err
	}

	opLogger.Info("prediction completed",
		zap.String("outcome", string(result.Outcome())),
		zap.Int("payload_bytes", payload.Size()),
		zap.Duration("latency", latency))
	return requestID, result, nil
}

func (uc *PredictionUseCase) record(ctx context.Context, requestID string, payload *imagepayload.Payload, invokeErr error, latency time.Duration) {
	if uc.repo == nil {
		return
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.recordTimeout)
	defer cancel()

	outcome, exitCode := classifyInvocation(invokeErr)
	log := &repository.InvocationLog{
		RequestID:    requestID,
		Adapter:      uc.adapterName,
		Outcome:      outcome,
		ExitCode:     exitCode,
		LatencyMs:    latency.Milliseconds(),
		PayloadBytes: payload.Size(),
		MIMEType:     payload.MIMEType,
		CreatedAt:    time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(recordCtx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.record_invocation", requestID).
			Warn("failed to record invocation", zap.Error(err))
	}
}

func classifyInvocation(err error) (string, int) {
	var execErr *inference.ExecError
	switch {
	case err == nil:
		return repository.OutcomeSuccess, 0
	case errors.As(err, &execErr):
		return repository.OutcomeAdapterFailed, execErr.ExitCode
	case errors.Is(err, inference.ErrInvalidOutput):
		return repository.OutcomeInvalidOutput, 0
	case errors.Is(err, inference.ErrTimeout):
		return repository.OutcomeTimeout, 0
	case errors.Is(err, inference.ErrBusy):
		return repository.OutcomeBusy, 0
	default:
		return repository.OutcomeError, 0
	}
}
