// Package inference defines the capability the prediction flow depends on,
// infer(image) -> {label, confidence}, and the strategies that provide it.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/glaucoscan/internal/imagepayload"
)

// Labels emitted by the screening model.
const (
	LabelGlaucoma   = "Glaucoma detected"
	LabelNoGlaucoma = "No glaucoma detected"
)

var (
	ErrInvalidOutput = errors.New("adapter output is not valid JSON")
	ErrTimeout       = errors.New("inference adapter timed out")
	ErrBusy          = errors.New("inference adapter capacity exhausted")
)

// ExecError reports an adapter process that exited with a non-zero status.
type ExecError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("adapter exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Adapter runs the screening model against one image.
type Adapter interface {
	Infer(ctx context.Context, image *imagepayload.Payload) (*Result, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, image *imagepayload.Payload) (*Result, error)

// Infer calls f.
func (f AdapterFunc) Infer(ctx context.Context, image *imagepayload.Payload) (*Result, error) {
	return f(ctx, image)
}

// Outcome is the closed set a label maps onto.
type Outcome string

const (
	OutcomePositive Outcome = "positive"
	OutcomeNegative Outcome = "negative"
	OutcomeUnknown  Outcome = "unknown"
)

// Result is the adapter's answer. Raw holds the JSON exactly as the adapter
// produced it; Label and Confidence are read from it when it is an object.
type Result struct {
	Label      string          `json:"prediction"`
	Confidence float64         `json:"confidence"`
	Raw        json.RawMessage `json:"-"`
}

// Outcome classifies the label.
func (r *Result) Outcome() Outcome {
	switch strings.ToLower(strings.TrimSpace(r.Label)) {
	case strings.ToLower(LabelGlaucoma):
		return OutcomePositive
	case strings.ToLower(LabelNoGlaucoma):
		return OutcomeNegative
	default:
		return OutcomeUnknown
	}
}

// NormalizedConfidence returns the confidence on a 0..1 scale. Adapters
// disagree on the scale, so anything above 1 is read as a percentage.
func (r *Result) NormalizedConfidence() float64 {
	c := r.Confidence
	if c > 1 {
		c /= 100
	}
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// DecodeResult parses adapter output. Any single JSON value is accepted and
// kept verbatim; surrounding whitespace is ignored.
func DecodeResult(output []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(output)
	if !json.Valid(trimmed) {
		return nil, ErrInvalidOutput
	}

	res := &Result{Raw: json.RawMessage(append([]byte(nil), trimmed...))}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return res, nil
	}
	if v, ok := fields["prediction"]; ok {
		_ = json.Unmarshal(v, &res.Label)
	}
	if v, ok := fields["confidence"]; ok {
		_ = json.Unmarshal(v, &res.Confidence)
	}
	return res, nil
}

type requestIDKey struct{}

// WithRequestID attaches the request id adapters use for logging and tracing.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
