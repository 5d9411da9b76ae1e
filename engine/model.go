// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// ErrInvalidInputShape is returned when a vector cannot be coerced to a
// model's expected input size.
var ErrInvalidInputShape = errors.New("input shape does not match model input size")

// modelFile is the on-disk JSON layout of a trained feed-forward network
// with one hidden layer.
type modelFile struct {
	InputSize  int         `json:"input_size"`
	HiddenSize int         `json:"hidden_size"`
	OutputSize int         `json:"output_size"`
	WeightsIH  [][]float64 `json:"weights_ih"`
	WeightsHO  [][]float64 `json:"weights_ho"`
	BiasH      []float64   `json:"bias_h"`
	BiasO      []float64   `json:"bias_o"`
	Classes    []string    `json:"classes,omitempty"`
}

// Session holds one loaded model. Inference mutates scratch buffers, so each
// call takes the session lock; concurrent scans serialize on it.
type Session struct {
	mu      sync.Mutex
	name    string
	in      int
	hidden  int
	out     int
	wIH     [][]float64
	wHO     [][]float64
	bH      []float64
	bO      []float64
	classes []string

	hBuf []float64
	oBuf []float64
}

// LoadModel reads and validates a model weight file. Dimension mismatches
// between the declared sizes and the weight matrices are rejected.
func LoadModel(path string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf modelFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("parsing model %s: %w", path, err)
	}
	if mf.InputSize <= 0 || mf.HiddenSize <= 0 || mf.OutputSize <= 0 {
		return nil, fmt.Errorf("model %s declares non-positive layer size", path)
	}
	if len(mf.WeightsIH) != mf.HiddenSize || len(mf.BiasH) != mf.HiddenSize {
		return nil, fmt.Errorf("model %s: hidden layer dimension mismatch", path)
	}
	for _, row := range mf.WeightsIH {
		if len(row) != mf.InputSize {
			return nil, fmt.Errorf("model %s: input weight row dimension mismatch", path)
		}
	}
	if len(mf.WeightsHO) != mf.OutputSize || len(mf.BiasO) != mf.OutputSize {
		return nil, fmt.Errorf("model %s: output layer dimension mismatch", path)
	}
	for _, row := range mf.WeightsHO {
		if len(row) != mf.HiddenSize {
			return nil, fmt.Errorf("model %s: output weight row dimension mismatch", path)
		}
	}
	if len(mf.Classes) > 0 && len(mf.Classes) != mf.OutputSize {
		return nil, fmt.Errorf("model %s: class label count does not match output size", path)
	}

	return &Session{
		name:    filepath.Base(path),
		in:      mf.InputSize,
		hidden:  mf.HiddenSize,
		out:     mf.OutputSize,
		wIH:     mf.WeightsIH,
		wHO:     mf.WeightsHO,
		bH:      mf.BiasH,
		bO:      mf.BiasO,
		classes: mf.Classes,
		hBuf:    make([]float64, mf.HiddenSize),
		oBuf:    make([]float64, mf.OutputSize),
	}, nil
}

// Name returns the model file name the session was loaded from.
func (s *Session) Name() string {
	return s.name
}

// InputSize returns the vector length the session expects.
func (s *Session) InputSize() int {
	return s.in
}

// Infer runs a forward pass and returns the raw output activations. The
// input must already have the session's input size.
func (s *Session) Infer(input []float32) ([]float64, error) {
	if len(input) != s.in {
		return nil, fmt.Errorf("%w: got %d, model expects %d", ErrInvalidInputShape, len(input), s.in)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for h := 0; h < s.hidden; h++ {
		sum := s.bH[h]
		row := s.wIH[h]
		for i, x := range input {
			sum += row[i] * float64(x)
		}
		// ReLU
		if sum < 0 {
			sum = 0
		}
		s.hBuf[h] = sum
	}
	for o := 0; o < s.out; o++ {
		sum := s.bO[o]
		row := s.wHO[o]
		for h, x := range s.hBuf {
			sum += row[h] * x
		}
		s.oBuf[o] = sum
	}
	return append([]float64(nil), s.oBuf...), nil
}

// probabilities converts raw activations into (benign, malicious, family).
// A single output is taken as the malicious probability through a sigmoid;
// multiple outputs go through a softmax with class 0 as benign.
func (s *Session) probabilities(raw []float64) (benign, malicious float64, family string) {
	if len(raw) == 1 {
		malicious = sigmoid(raw[0])
		return 1 - malicious, malicious, ""
	}
	probs := softmax(raw)
	benign = probs[0]
	malicious = 1 - benign

	if len(s.classes) > 2 {
		best, bestIdx := 0.0, -1
		for i := 1; i < len(probs); i++ {
			if probs[i] > best {
				best, bestIdx = probs[i], i
			}
		}
		if bestIdx >= 0 && bestIdx < len(s.classes) {
			family = s.classes[bestIdx]
		}
	}
	return benign, malicious, family
}

// softmax is numerically stabilized by subtracting the maximum logit before
// exponentiation.
func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, l := range logits[1:] {
		if l > max {
			max = l
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// coerce pads or truncates a vector to the target size when the mismatch is
// within a factor of two; grossly mismatched vectors are rejected.
func coerce(input []float32, size int) ([]float32, error) {
	if len(input) == size {
		return input, nil
	}
	if len(input) < size/2 || len(input) > size*2 {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidInputShape, len(input), size)
	}
	out := make([]float32, size)
	copy(out, input)
	return out, nil
}
