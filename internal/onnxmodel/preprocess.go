// Package onnxmodel runs the screening network in process with onnxruntime.
// The runtime is only linked when building with the onnx tag; preprocessing
// and post-processing are always available.
package onnxmodel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"time"

	"github.com/nfnt/resize"

	"github.com/example/glaucoscan/internal/inference"
)

// InputSize is the square input edge the network was trained on.
const InputSize = 224

// ModelName is reported in every result.
const ModelName = "VGG19"

var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Config locates the model and names its tensors.
type Config struct {
	ModelPath      string
	RuntimeLibrary string
	InputName      string
	OutputName     string
}

func (c Config) withDefaults() Config {
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.OutputName == "" {
		c.OutputName = "output"
	}
	return c
}

// Preprocess decodes an image and lays it out as a normalised 1x3x224x224
// CHW tensor.
func Preprocess(data []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	resized := resize.Resize(InputSize, InputSize, img, resize.Bilinear)
	bounds := resized.Bounds()
	plane := InputSize * InputSize
	out := make([]float32, 3*plane)

	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*InputSize + x
			out[idx] = (float32(r)/65535.0 - channelMean[0]) / channelStd[0]
			out[plane+idx] = (float32(g)/65535.0 - channelMean[1]) / channelStd[1]
			out[2*plane+idx] = (float32(b)/65535.0 - channelMean[2]) / channelStd[2]
		}
	}
	return out, nil
}

// Softmax converts logits to probabilities.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// Classify picks the most likely class. Class 1 is glaucoma.
func Classify(logits []float32) (string, float64) {
	probs := Softmax(logits)
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	label := inference.LabelNoGlaucoma
	if best == 1 {
		label = inference.LabelGlaucoma
	}
	return label, float64(probs[best])
}

type modelOutput struct {
	Success    bool    `json:"success"`
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model"`
	ModelPath  string  `json:"model_path"`
	Timestamp  string  `json:"timestamp"`
}

func buildResult(logits []float32, modelPath string, now time.Time) (*inference.Result, error) {
	label, confidence := Classify(logits)
	raw, err := json.Marshal(modelOutput{
		Success:    true,
		Prediction: label,
		Confidence: confidence,
		Model:      ModelName,
		ModelPath:  modelPath,
		Timestamp:  now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return &inference.Result{Label: label, Confidence: confidence, Raw: raw}, nil
}
