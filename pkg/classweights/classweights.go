// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classweights computes inverse-frequency class weights ("balanced" heuristic) used to compensate
// residual class imbalance in the training loss.
package classweights

import (
	"github.com/pkg/errors"
)

// ErrDegenerateSplit is returned when a class has no examples in the training split.
var ErrDegenerateSplit = errors.New("class has no training examples")

// Table maps each class index to its weight.
type Table map[int]float64

// Compute the weight of each class c in [0, numClasses) as total / (numClasses * count[c]),
// where count[c] is the number of occurrences of c in labels.
//
// Rarer classes get larger weights, and the weights averaged over all examples equal 1.
func Compute(labels []int, numClasses int) (Table, error) {
	if numClasses <= 0 {
		return nil, errors.Errorf("invalid number of classes %d", numClasses)
	}
	counts := make([]int, numClasses)
	for ii, label := range labels {
		if label < 0 || label >= numClasses {
			return nil, errors.Errorf("label %d of example #%d is out of range [0, %d)", label, ii, numClasses)
		}
		counts[label]++
	}
	total := float64(len(labels))
	table := make(Table, numClasses)
	for class, count := range counts {
		if count == 0 {
			return nil, errors.Wrapf(ErrDegenerateSplit, "class #%d (of %d classes, %d examples)", class, numClasses, len(labels))
		}
		table[class] = total / float64(numClasses*count)
	}
	return table, nil
}

// Slice returns the weights indexed by class, as float32, the format taken by dataset.Sequence.WithClassWeights.
func (t Table) Slice() []float32 {
	weights := make([]float32, len(t))
	for class, w := range t {
		if class >= 0 && class < len(weights) {
			weights[class] = float32(w)
		}
	}
	return weights
}
