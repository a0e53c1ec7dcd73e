//go:build !onnx
// +build !onnx

package onnxmodel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewModelRequiresBuildTag(t *testing.T) {
	model, err := NewModel(Config{ModelPath: "model.onnx"}, zap.NewNop())
	require.ErrorIs(t, err, errNotBuilt)
	require.Nil(t, model)

	_, err = (&Model{}).Infer(context.Background(), nil)
	require.ErrorIs(t, err, errNotBuilt)
	require.NoError(t, (&Model{}).Close())
}
