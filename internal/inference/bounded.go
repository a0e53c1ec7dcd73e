package inference

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/logging"
)

// BoundedAdapter limits how many invocations of the wrapped adapter run at
// once and how long each may take.
type BoundedAdapter struct {
	next         Adapter
	sem          *semaphore.Weighted
	queueTimeout time.Duration
	callTimeout  time.Duration
	logger       *zap.Logger
}

// NewBoundedAdapter wraps next. A zero queueTimeout waits for a slot as long
// as the caller's context allows; a zero callTimeout disables the call bound.
func NewBoundedAdapter(next Adapter, maxConcurrent int64, queueTimeout, callTimeout time.Duration, logger *zap.Logger) *BoundedAdapter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &BoundedAdapter{
		next:         next,
		sem:          semaphore.NewWeighted(maxConcurrent),
		queueTimeout: queueTimeout,
		callTimeout:  callTimeout,
		logger:       logger.Named("bounded_adapter"),
	}
}

// Infer waits for a free slot and runs the wrapped adapter under the call
// timeout.
func (b *BoundedAdapter) Infer(ctx context.Context, image *imagepayload.Payload) (*Result, error) {
	requestID := RequestIDFromContext(ctx)

	acquireCtx := ctx
	if b.queueTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, b.queueTimeout)
		defer cancel()
	}
	if err := b.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, logging.NewOperationError("inference.acquire_slot", requestID, ctx.Err())
		}
		logging.WithOperation(b.logger, "inference.acquire_slot", requestID).
			Warn("no adapter slot became free", zap.Duration("queue_timeout", b.queueTimeout))
		return nil, ErrBusy
	}
	defer b.sem.Release(1)

	callCtx := ctx
	if b.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	result, err := b.next.Infer(callCtx, image)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		logging.WithOperation(b.logger, "inference.call", requestID).
			Warn("adapter call exceeded timeout", zap.Duration("call_timeout", b.callTimeout), zap.Error(err))
		return nil, ErrTimeout
	}
	return result, err
}
