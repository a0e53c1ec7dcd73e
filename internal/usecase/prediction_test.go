package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/inference"
	"github.com/example/glaucoscan/internal/logging"
	"github.com/example/glaucoscan/internal/repository"
)

const validImage = "data:image/png;base64,AAAA"

type stubRepository struct {
	savedLogs []*repository.InvocationLog
	saveErr   error
	agg       *repository.MetricsAggregation
	aggErr    error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.InvocationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggErr != nil {
		return nil, s.aggErr
	}
	return s.agg, nil
}

func stubAdapter(result *inference.Result, err error) inference.Adapter {
	return inference.AdapterFunc(func(ctx context.Context, _ *imagepayload.Payload) (*inference.Result, error) {
		return result, err
	})
}

func TestPredictRequiresImage(t *testing.T) {
	called := false
	adapter := inference.AdapterFunc(func(ctx context.Context, _ *imagepayload.Payload) (*inference.Result, error) {
		called = true
		return nil, nil
	})
	uc := NewPredictionUseCase(adapter, "stub", nil, zap.NewNop())

	requestID, _, err := uc.Predict(context.Background(), "  ")
	if !errors.Is(err, ErrImageRequired) {
		t.Fatalf("expected ErrImageRequired, got %v", err)
	}
	if requestID == "" {
		t.Fatal("expected a request id even on error")
	}
	if called {
		t.Fatal("adapter must not run without an image")
	}
}

func TestPredictRejectsInvalidImage(t *testing.T) {
	repo := &stubRepository{}
	uc := NewPredictionUseCase(stubAdapter(&inference.Result{}, nil), "stub", repo, zap.NewNop())

	_, _, err := uc.Predict(context.Background(), "data:text/plain;base64,aGVsbG8=")
	if !errors.Is(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage, got %v", err)
	}
	if !errors.Is(err, imagepayload.ErrNotImage) {
		t.Fatalf("expected the payload error to be kept, got %v", err)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatalf("rejected payloads are not invocations, got %d logs", len(repo.savedLogs))
	}
}

func TestPredictPassesRequestIDAndRecordsSuccess(t *testing.T) {
	repo := &stubRepository{}
	var seenID string
	adapter := inference.AdapterFunc(func(ctx context.Context, p *imagepayload.Payload) (*inference.Result, error) {
		seenID = inference.RequestIDFromContext(ctx)
		return &inference.Result{Label: inference.LabelNoGlaucoma, Confidence: 0.82}, nil
	})
	uc := NewPredictionUseCase(adapter, "subprocess", repo, zap.NewNop())

	requestID, res, err := uc.Predict(context.Background(), validImage)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if res.Label != inference.LabelNoGlaucoma {
		t.Fatalf("unexpected label %q", res.Label)
	}
	if seenID != requestID {
		t.Fatalf("adapter saw request id %q, want %q", seenID, requestID)
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(repo.savedLogs))
	}
	log := repo.savedLogs[0]
	if log.Outcome != repository.OutcomeSuccess || log.Adapter != "subprocess" || log.RequestID != requestID {
		t.Fatalf("unexpected log %+v", log)
	}
	if log.PayloadBytes != 3 || log.MIMEType != "image/png" {
		t.Fatalf("unexpected payload metadata %+v", log)
	}
}

func TestPredictRecordsFailureOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		outcome  string
		exitCode int
	}{
		{"exec", &inference.ExecError{ExitCode: 3, Stderr: "model load failed"}, repository.OutcomeAdapterFailed, 3},
		{"output", inference.ErrInvalidOutput, repository.OutcomeInvalidOutput, 0},
		{"timeout", inference.ErrTimeout, repository.OutcomeTimeout, 0},
		{"busy", inference.ErrBusy, repository.OutcomeBusy, 0},
		{"other", logging.NewOperationError("inference.start", "", errors.New("no such file")), repository.OutcomeError, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubRepository{}
			uc := NewPredictionUseCase(stubAdapter(nil, tc.err), "stub", repo, zap.NewNop())

			_, _, err := uc.Predict(context.Background(), validImage)
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if len(repo.savedLogs) != 1 {
				t.Fatalf("expected 1 log, got %d", len(repo.savedLogs))
			}
			if got := repo.savedLogs[0]; got.Outcome != tc.outcome || got.ExitCode != tc.exitCode {
				t.Fatalf("unexpected log %+v", got)
			}
		})
	}
}

func TestPredictIgnoresRecordingFailure(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := NewPredictionUseCase(stubAdapter(&inference.Result{Label: inference.LabelGlaucoma}, nil), "stub", repo, zap.NewNop())

	_, res, err := uc.Predict(context.Background(), validImage)
	if err != nil {
		t.Fatalf("recording failure must not fail the request: %v", err)
	}
	if res.Outcome() != inference.OutcomePositive {
		t.Fatalf("unexpected outcome %s", res.Outcome())
	}
}

func TestPredictRecordsAfterCallerCancellation(t *testing.T) {
	repo := &stubRepository{}
	ctx, cancel := context.WithCancel(context.Background())
	adapter := inference.AdapterFunc(func(ctx context.Context, _ *imagepayload.Payload) (*inference.Result, error) {
		cancel()
		return nil, ctx.Err()
	})
	uc := NewPredictionUseCase(adapter, "stub", repo, zap.NewNop())
	uc.recordTimeout = 50 * time.Millisecond

	_, _, err := uc.Predict(ctx, validImage)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Outcome != repository.OutcomeError {
		t.Fatalf("expected the cancelled invocation to be recorded, got %+v", repo.savedLogs)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalCount:       4,
		SuccessCount:     3,
		AverageLatencyMs: 120,
		OutcomeCounts:    map[string]int64{repository.OutcomeSuccess: 3, repository.OutcomeTimeout: 1},
	}}
	uc := NewPredictionUseCase(stubAdapter(nil, nil), "stub", repo, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.SuccessRate != 0.75 {
		t.Fatalf("unexpected success rate %v", summary.SuccessRate)
	}
	if summary.Outcomes[repository.OutcomeTimeout] != 1 {
		t.Fatalf("unexpected outcomes %v", summary.Outcomes)
	}
}

func TestGetMetricsSummaryWithoutRepository(t *testing.T) {
	uc := NewPredictionUseCase(stubAdapter(nil, nil), "stub", nil, zap.NewNop())
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrMetricsUnavailable) {
		t.Fatalf("expected ErrMetricsUnavailable, got %v", err)
	}
}
