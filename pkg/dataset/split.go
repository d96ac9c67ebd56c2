// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset splits the balanced class folders into training and validation subsets and serves them
// as batched sequences of (image, one-hot label) pairs implementing GoMLX's train.Dataset.
package dataset

import (
	"math"
	"path/filepath"

	"github.com/gomlx/skinlesion/internal/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrEmptySplit is returned when there are no images to split.
var ErrEmptySplit = errors.New("no images found to split")

// DefaultValidationFraction of each class held out for validation.
const DefaultValidationFraction = 0.2

// Item is one labeled image file.
type Item struct {
	Path  string
	Label int
}

// Subset of a Split.
type Subset int

const (
	Training Subset = iota
	Validation
)

// String implements fmt.Stringer.
func (s Subset) String() string {
	if s == Validation {
		return "validation"
	}
	return "training"
}

// Split is a deterministic partition of the class folders into training and validation subsets.
//
// Classes are the sorted sub-directories of the root, and their indices are the labels. Within each class,
// files are sorted by name and the first floor(ValidationFraction·C) go to validation, the rest to training.
// The folder contents are listed once, when the Split is created.
type Split struct {
	Root               string
	ClassNames         []string
	ValidationFraction float64

	subsets [2][]Item
}

// NumValidation returns how many of count images of a class are held out for validation.
func NumValidation(count int, validationFraction float64) int {
	// The epsilon absorbs floating point error, e.g.: 0.2*35 = 7.000000000000001.
	return int(math.Floor(validationFraction*float64(count) + 1e-9))
}

// NewSplit lists the class folders under root and splits them.
func NewSplit(root string, validationFraction float64) (*Split, error) {
	if validationFraction < 0 || validationFraction >= 1 {
		return nil, errors.Errorf("validation fraction must be in [0, 1), got %g", validationFraction)
	}
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return nil, err
	}
	classes, err := fsutil.ListClassDirs(root)
	if err != nil {
		return nil, err
	}
	s := &Split{Root: root, ClassNames: classes, ValidationFraction: validationFraction}
	total := 0
	for label, class := range classes {
		names, err := fsutil.ListImages(filepath.Join(root, class))
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			klog.Warningf("dataset: class %q has no images", class)
		}
		numValidation := NumValidation(len(names), validationFraction)
		for ii, name := range names {
			subset := Training
			if ii < numValidation {
				subset = Validation
			}
			s.subsets[subset] = append(s.subsets[subset], Item{Path: filepath.Join(root, class, name), Label: label})
		}
		total += len(names)
	}
	if total == 0 {
		return nil, errors.Wrapf(ErrEmptySplit, "under %q", root)
	}
	klog.V(1).Infof("dataset: %d classes, %d training and %d validation images",
		len(classes), len(s.subsets[Training]), len(s.subsets[Validation]))
	return s, nil
}

// NumClasses returns the number of classes.
func (s *Split) NumClasses() int { return len(s.ClassNames) }

// Items returns a copy of the items of the subset, in class and file name order.
func (s *Split) Items(subset Subset) []Item {
	return append([]Item(nil), s.subsets[subset]...)
}

// ClassCounts returns the number of items of each class in the subset, indexed by label.
func (s *Split) ClassCounts(subset Subset) []int {
	counts := make([]int, len(s.ClassNames))
	for _, item := range s.subsets[subset] {
		counts[item.Label]++
	}
	return counts
}
