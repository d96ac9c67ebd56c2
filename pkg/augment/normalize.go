// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Normalization of pixel values expected by the classifier backbone.
type Normalization int

const (
	// NormalizeUnit scales values to [0, 1].
	NormalizeUnit Normalization = iota

	// NormalizeSymmetric scales values to [-1, 1].
	NormalizeSymmetric

	// NormalizeRaw keeps the values in [0, 255], for backbones that include their own rescaling.
	NormalizeRaw
)

var normalizationNames = map[Normalization]string{
	NormalizeUnit:      "unit",
	NormalizeSymmetric: "symmetric",
	NormalizeRaw:       "raw",
}

// String implements fmt.Stringer.
func (n Normalization) String() string {
	if name, found := normalizationNames[n]; found {
		return name
	}
	return "unknown"
}

// ParseNormalization converts the name returned by Normalization.String back.
func ParseNormalization(name string) (Normalization, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for n, nName := range normalizationNames {
		if nName == name {
			return n, nil
		}
	}
	return 0, errors.Errorf("unknown pixel normalization %q: valid values are \"unit\", \"symmetric\" and \"raw\"", name)
}

// Value converts one 8-bit channel value.
func (n Normalization) Value(v uint8) float32 {
	switch n {
	case NormalizeSymmetric:
		return float32(v)/127.5 - 1
	case NormalizeRaw:
		return float32(v)
	default:
		return float32(v) / 255
	}
}

// PixelsLen returns the number of float32 values ToPixels writes for a size×size image.
func PixelsLen(size int) int {
	return size * size * 3
}

// ToPixels writes the RGB values of img, resized to size×size if needed, into dst in
// height, width, channel order. The alpha channel is dropped.
//
// dst must have length PixelsLen(size).
func (n Normalization) ToPixels(img image.Image, size int, dst []float32) {
	if len(dst) != PixelsLen(size) {
		panic(errors.Errorf("augment.ToPixels: dst has length %d, wanted %d", len(dst), PixelsLen(size)))
	}
	var nrgba *image.NRGBA
	if b := img.Bounds(); b.Dx() == size && b.Dy() == size {
		if asNRGBA, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
			nrgba = asNRGBA
		} else {
			nrgba = imaging.Clone(img)
		}
	} else {
		nrgba = Resize(img, size)
	}
	pos := 0
	for y := range size {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := range size {
			px := row[4*x : 4*x+3]
			dst[pos] = n.Value(px[0])
			dst[pos+1] = n.Value(px[1])
			dst[pos+2] = n.Value(px[2])
			pos += 3
		}
	}
}
