//go:build onnx
// +build onnx

package onnxmodel

import (
	"context"
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/inference"
	"github.com/example/glaucoscan/internal/logging"
)

// Model holds one onnxruntime session. The session's tensors are shared, so
// runs are serialised.
type Model struct {
	mu        sync.Mutex
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	modelPath string
	logger    *zap.Logger
}

// NewModel initialises onnxruntime and loads the model.
func NewModel(cfg Config, logger *zap.Logger) (*Model, error) {
	cfg = cfg.withDefaults()
	if cfg.RuntimeLibrary != "" {
		ort.SetSharedLibraryPath(cfg.RuntimeLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, InputSize, InputSize))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		input.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Model{
		session:   session,
		input:     input,
		output:    output,
		modelPath: cfg.ModelPath,
		logger:    logger.Named("onnx_model"),
	}, nil
}

// Infer runs the network on one image.
func (m *Model) Infer(ctx context.Context, image *imagepayload.Payload) (*inference.Result, error) {
	requestID := inference.RequestIDFromContext(ctx)

	tensor, err := Preprocess(image.Data)
	if err != nil {
		return nil, &inference.ExecError{ExitCode: 1, Stderr: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return nil, logging.NewOperationError("onnxmodel.infer", requestID, err)
	}

	m.mu.Lock()
	copy(m.input.GetData(), tensor)
	runErr := m.session.Run()
	logits := append([]float32(nil), m.output.GetData()...)
	m.mu.Unlock()

	if runErr != nil {
		wrapped := logging.NewOperationError("onnxmodel.run", requestID, runErr)
		logging.WithOperation(m.logger, "onnxmodel.infer", requestID).Error("inference failed", zap.Error(wrapped))
		return nil, &inference.ExecError{ExitCode: 1, Stderr: runErr.Error()}
	}
	return buildResult(logits, m.modelPath, time.Now())
}

// Close releases the session and the runtime.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
	return ort.DestroyEnvironment()
}
