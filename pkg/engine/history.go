// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import "math"

// EpochMetrics are the loss and accuracy measured at the end of one epoch.
type EpochMetrics struct {
	Epoch                              int
	TrainLoss, TrainAccuracy           float64
	ValidationLoss, ValidationAccuracy float64
}

// History of a training run, one entry per epoch.
type History []EpochMetrics

// Best returns the index of the epoch with the highest validation accuracy (the first one in case of ties),
// or -1 if the history is empty.
func (h History) Best() int {
	best := -1
	bestAcc := math.Inf(-1)
	for ii, e := range h {
		if e.ValidationAccuracy > bestAcc {
			best, bestAcc = ii, e.ValidationAccuracy
		}
	}
	return best
}
