//go:build !onnx
// +build !onnx

package onnxmodel

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/inference"
)

var errNotBuilt = errors.New("onnx build tag is not enabled")

// Model is a placeholder used when onnxruntime is not linked.
type Model struct{}

// NewModel always fails without the onnx build tag.
func NewModel(_ Config, _ *zap.Logger) (*Model, error) {
	return nil, errNotBuilt
}

// Infer always fails without the onnx build tag.
func (m *Model) Infer(_ context.Context, _ *imagepayload.Payload) (*inference.Result, error) {
	return nil, errNotBuilt
}

// Close is a no-op.
func (m *Model) Close() error {
	return nil
}
