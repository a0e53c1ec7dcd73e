package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/glaucoscan/internal/imagepayload"
	"github.com/example/glaucoscan/internal/logging"
)

const maxLoggedOutput = 2048

// SubprocessConfig describes how to launch the adapter. The scratch file
// path is appended after Args.
type SubprocessConfig struct {
	Command    string
	Args       []string
	ScratchDir string
}

// SubprocessAdapter runs one adapter process per image. The image is handed
// over through a scratch file that is removed once the process exits.
type SubprocessAdapter struct {
	command    string
	args       []string
	scratchDir string
	logger     *zap.Logger
}

// NewSubprocessAdapter creates the scratch directory and returns the adapter.
func NewSubprocessAdapter(cfg SubprocessConfig, logger *zap.Logger) (*SubprocessAdapter, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("adapter command is required")
	}
	if cfg.ScratchDir == "" {
		return nil, errors.New("scratch directory is required")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	return &SubprocessAdapter{
		command:    cfg.Command,
		args:       append([]string(nil), cfg.Args...),
		scratchDir: cfg.ScratchDir,
		logger:     logger.Named("subprocess_adapter"),
	}, nil
}

// Infer writes the image to a scratch file, runs the adapter on it and
// decodes its stdout. Stdout and stderr are collected in full before any
// decision is made.
func (a *SubprocessAdapter) Infer(ctx context.Context, image *imagepayload.Payload) (*Result, error) {
	requestID := RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(a.logger, "inference.subprocess", requestID)

	path, err := a.writeScratch(image)
	if err != nil {
		wrapped := logging.NewOperationError("inference.write_scratch", requestID, err)
		opLogger.Error("failed to write scratch file", zap.Error(wrapped))
		return nil, wrapped
	}
	defer a.removeScratch(path, opLogger)

	args := append(append([]string(nil), a.args...), path)
	cmd := exec.CommandContext(ctx, a.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		opLogger.Warn("adapter interrupted", zap.Error(ctxErr), zap.Duration("elapsed", elapsed))
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, logging.NewOperationError("inference.run", requestID, ctxErr)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			execErr := &ExecError{ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
			opLogger.Error("adapter exited with failure",
				zap.Int("exit_code", execErr.ExitCode),
				zap.String("stderr", truncate(execErr.Stderr)),
				zap.Duration("elapsed", elapsed))
			return nil, execErr
		}
		wrapped := logging.NewOperationError("inference.start", requestID, runErr)
		opLogger.Error("failed to launch adapter", zap.Error(wrapped), zap.String("command", a.command))
		return nil, wrapped
	}

	result, err := DecodeResult(stdout.Bytes())
	if err != nil {
		opLogger.Error("adapter output is not JSON",
			zap.String("stdout", truncate(stdout.String())),
			zap.Duration("elapsed", elapsed))
		return nil, err
	}

	opLogger.Info("adapter finished",
		zap.String("prediction", result.Label),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("elapsed", elapsed))
	return result, nil
}

func (a *SubprocessAdapter) writeScratch(image *imagepayload.Payload) (string, error) {
	content := image.Raw
	if content == "" {
		content = image.DataURL()
	}

	path := filepath.Join(a.scratchDir, "image_"+uuid.NewString()+".txt")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (a *SubprocessAdapter) removeScratch(path string, logger *zap.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove scratch file", zap.String("path", path), zap.Error(err))
	}
}

func truncate(s string) string {
	if len(s) <= maxLoggedOutput {
		return s
	}
	return s[:maxLoggedOutput] + "...(truncated)"
}
