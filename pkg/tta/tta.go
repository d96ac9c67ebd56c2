// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tta implements test-time augmentation: several inference passes over an evaluation sequence,
// averaging the class probabilities of each example.
package tta

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultPasses is the default number of inference passes.
const DefaultPasses = 5

// Model returns the class probabilities of each example of a batch of inputs, as yielded by a train.Dataset.
type Model interface {
	Predict(inputs []*tensors.Tensor) ([][]float32, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(inputs []*tensors.Tensor) ([][]float32, error)

// Predict implements Model.
func (fn ModelFunc) Predict(inputs []*tensors.Tensor) ([][]float32, error) { return fn(inputs) }

// Sequence is a restartable dataset with a known number of examples per pass, in a deterministic order.
// It may be finite (io.EOF at the end of a pass) or infinite.
type Sequence interface {
	train.Dataset
	NumExamples() int
}

// Result of Predict.
type Result struct {
	// Probabilities is the prediction matrix: one row per example, with the class probabilities averaged
	// over all passes.
	Probabilities [][]float64

	// Labels are the true labels, read from the first label tensor of the sequence.
	Labels []int

	// Predictions is the argmax of each row of Probabilities.
	Predictions []int

	// Passes is the number of inference passes averaged.
	Passes int
}

// NumClasses returns the number of columns of the prediction matrix.
func (r *Result) NumClasses() int {
	if len(r.Probabilities) == 0 {
		return 0
	}
	return len(r.Probabilities[0])
}

// Predict runs passes full inference passes of model over seq and averages the probabilities.
//
// Each pass resets seq and reads exactly seq.NumExamples() examples. The order of the examples must be the
// same in every pass; this is checked using the labels. seq is reset again before returning.
func Predict(model Model, seq Sequence, passes int) (*Result, error) {
	if passes <= 0 {
		return nil, errors.Errorf("tta: number of passes must be > 0, got %d", passes)
	}
	numExamples := seq.NumExamples()
	result := &Result{
		Probabilities: make([][]float64, numExamples),
		Labels:        make([]int, numExamples),
		Passes:        passes,
	}
	numClasses := -1
	for pass := range passes {
		seq.Reset()
		collected := 0
		for collected < numExamples {
			batchLabels, probs, err := predictBatch(model, seq)
			if err == io.EOF {
				return nil, errors.Errorf("tta: %q ended after %d of %d examples in pass %d",
					seq.Name(), collected, numExamples, pass)
			}
			if err != nil {
				return nil, errors.WithMessagef(err, "tta: pass %d", pass)
			}

			numRows := min(len(probs), numExamples-collected)
			for ii := range numRows {
				row := probs[ii]
				if numClasses == -1 {
					numClasses = len(row)
				} else if len(row) != numClasses {
					return nil, errors.Errorf("tta: model returned %d probabilities, previously %d", len(row), numClasses)
				}
				exampleIdx := collected + ii
				if pass == 0 {
					result.Labels[exampleIdx] = batchLabels[ii]
					result.Probabilities[exampleIdx] = make([]float64, numClasses)
				} else if result.Labels[exampleIdx] != batchLabels[ii] {
					return nil, errors.Errorf("tta: %q changed the order of its examples between passes (example #%d)",
						seq.Name(), exampleIdx)
				}
				sums := result.Probabilities[exampleIdx]
				for c, p := range row {
					sums[c] += float64(p)
				}
			}
			collected += numRows
		}
		klog.V(2).Infof("tta: pass %d/%d over %d examples done", pass+1, passes, numExamples)
	}
	seq.Reset()

	result.Predictions = make([]int, numExamples)
	for ii, row := range result.Probabilities {
		for c := range row {
			row[c] /= float64(passes)
		}
		result.Predictions[ii] = Argmax(row)
	}
	return result, nil
}

// Argmax returns the index of the largest value, the first one in case of ties. It returns -1 for an empty row.
func Argmax(row []float64) int {
	best := -1
	for ii, v := range row {
		if best == -1 || v > row[best] {
			best = ii
		}
	}
	return best
}

// LabelsFromTensor converts a labels tensor to class indices. It accepts one-hot (or probability) float
// labels shaped [batch_size, num_classes], or integer labels shaped [batch_size] or [batch_size, 1].
func LabelsFromTensor(t *tensors.Tensor) ([]int, error) {
	dims := t.Shape().Dimensions
	if len(dims) == 0 || len(dims) > 2 {
		return nil, errors.Errorf("tta: labels tensor must have rank 1 or 2, got shape %s", t.Shape())
	}
	batchSize := dims[0]
	labels := make([]int, batchSize)
	switch flat := t.Value().(type) {
	case [][]float32:
		for ii, row := range flat {
			if len(row) == 1 {
				labels[ii] = int(row[0])
			} else {
				labels[ii] = argmax32(row)
			}
		}
	case [][]int32:
		for ii, row := range flat {
			labels[ii] = int(row[0])
		}
	case []int32:
		for ii, v := range flat {
			labels[ii] = int(v)
		}
	case [][]int64:
		for ii, row := range flat {
			labels[ii] = int(row[0])
		}
	case []int64:
		for ii, v := range flat {
			labels[ii] = int(v)
		}
	default:
		return nil, errors.Errorf("tta: unsupported labels tensor %s", t.Shape())
	}
	return labels, nil
}

func argmax32(row []float32) int {
	best := 0
	for ii, v := range row {
		if v > row[best] {
			best = ii
		}
	}
	return best
}

// predictBatch reads the next batch of seq and runs model on it. The batch tensors are freed before returning,
// also on errors. io.EOF is returned unwrapped.
func predictBatch(model Model, seq Sequence) (batchLabels []int, probs [][]float32, err error) {
	_, inputs, labels, err := seq.Yield()
	if err != nil {
		if err == io.EOF {
			return nil, nil, err
		}
		return nil, nil, errors.WithMessagef(err, "tta: reading %q", seq.Name())
	}
	defer func() {
		finalizeAll(inputs)
		finalizeAll(labels)
	}()
	if len(labels) == 0 {
		return nil, nil, errors.Errorf("tta: %q yielded no labels", seq.Name())
	}
	batchLabels, err = LabelsFromTensor(labels[0])
	if err != nil {
		return nil, nil, err
	}
	probs, err = model.Predict(inputs)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "tta: inference")
	}
	if len(probs) != len(batchLabels) {
		return nil, nil, errors.Errorf("tta: model returned %d rows for a batch of %d examples", len(probs), len(batchLabels))
	}
	return batchLabels, probs, nil
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if err := t.FinalizeAll(); err != nil {
			klog.Warningf("tta: failed to free tensor: %+v", err)
		}
	}
}
