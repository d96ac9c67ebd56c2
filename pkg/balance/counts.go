// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package balance

import (
	"maps"
	"math"
	"path/filepath"
	"slices"

	"github.com/gomlx/skinlesion/internal/fsutil"
)

// ClassCounts maps each class folder name to the number of images in it.
// It is always recomputed from disk, never updated incrementally.
type ClassCounts map[string]int

// Classes returns the class names, sorted.
func (c ClassCounts) Classes() []string {
	return slices.Sorted(maps.Keys(c))
}

// Total number of images over all classes.
func (c ClassCounts) Total() int {
	total := 0
	for _, count := range c {
		total += count
	}
	return total
}

// listClasses returns the sorted image names of each class folder under root.
func listClasses(root string) (map[string][]string, error) {
	classes, err := fsutil.ListClassDirs(root)
	if err != nil {
		return nil, err
	}
	listing := make(map[string][]string, len(classes))
	for _, class := range classes {
		names, err := fsutil.ListImages(filepath.Join(root, class))
		if err != nil {
			return nil, err
		}
		listing[class] = names
	}
	return listing, nil
}

// CountClasses counts the images of every class folder under root.
func CountClasses(root string) (ClassCounts, error) {
	listing, err := listClasses(root)
	if err != nil {
		return nil, err
	}
	counts := make(ClassCounts, len(listing))
	for class, names := range listing {
		counts[class] = len(names)
	}
	return counts, nil
}

// Median of the class counts, rounded to the nearest integer (half away from zero). With an even number
// of classes it is the mean of the two middle counts. It returns 0 if there are no classes.
func Median(counts ClassCounts) int {
	if len(counts) == 0 {
		return 0
	}
	values := slices.Sorted(maps.Values(counts))
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return int(math.Round(float64(values[mid-1]+values[mid]) / 2))
}
