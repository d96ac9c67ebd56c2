// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment implements the image transformations used to oversample minority classes and to
// augment images while training.
//
// All transformations are pure functions of the image and an explicit random source, so they are
// reproducible given a seed:
//
//	rng := rand.New(rand.NewSource(42))
//	augmented := augment.Oversample(img, rng)
package augment

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Transform maps an image to a new image, drawing any random parameters from rng.
// It never modifies img.
type Transform func(img image.Image, rng *rand.Rand) image.Image

// Kind of oversampling transformation.
type Kind int

const (
	// KindRotate rotates by a random angle in [-MaxRotateAngle, MaxRotateAngle] degrees.
	KindRotate Kind = iota

	// KindFlipH flips horizontally.
	KindFlipH

	// KindFlipV flips vertically.
	KindFlipV

	// KindRotateFlipH rotates by a random angle in [-MaxRotateFlipAngle, MaxRotateFlipAngle] degrees and
	// then flips horizontally.
	KindRotateFlipH

	// NumKinds is the number of oversampling transformations.
	NumKinds
)

const (
	MaxRotateAngle     = 30
	MaxRotateFlipAngle = 15
)

var kindNames = []string{"rotate", "flip_h", "flip_v", "rotate_flip_h"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || k >= NumKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Choice is a fully drawn oversampling transformation: applying it is deterministic.
type Choice struct {
	Kind Kind

	// Angle in degrees, counter-clockwise. Only used by KindRotate and KindRotateFlipH.
	Angle float64
}

// DrawOversampling picks one of the oversampling transformations uniformly at random, and its
// rotation angle (an integer number of degrees) if it has one.
func DrawOversampling(rng *rand.Rand) Choice {
	c := Choice{Kind: Kind(rng.Intn(int(NumKinds)))}
	switch c.Kind {
	case KindRotate:
		c.Angle = float64(rng.Intn(2*MaxRotateAngle+1) - MaxRotateAngle)
	case KindRotateFlipH:
		c.Angle = float64(rng.Intn(2*MaxRotateFlipAngle+1) - MaxRotateFlipAngle)
	}
	return c
}

// Apply the transformation to img. The result has the same size as img.
func (c Choice) Apply(img image.Image) image.Image {
	switch c.Kind {
	case KindRotate:
		return Rotate(img, c.Angle)
	case KindFlipH:
		return imaging.FlipH(img)
	case KindFlipV:
		return imaging.FlipV(img)
	case KindRotateFlipH:
		return imaging.FlipH(Rotate(img, c.Angle))
	}
	panic(fmt.Sprintf("augment: invalid oversampling kind %d", int(c.Kind)))
}

// String implements fmt.Stringer.
func (c Choice) String() string {
	if c.Kind == KindRotate || c.Kind == KindRotateFlipH {
		return fmt.Sprintf("%s(%+.0f°)", c.Kind, c.Angle)
	}
	return c.Kind.String()
}

// Oversample is the Transform used to create synthetic copies of minority class images:
// exactly one of the NumKinds transformations is applied.
func Oversample(img image.Image, rng *rand.Rand) image.Image {
	return DrawOversampling(rng).Apply(img)
}

var _ Transform = Oversample

// Rotate img counter-clockwise by angle degrees, keeping its original size: corners that fall
// outside the rotated image are filled with black.
func Rotate(img image.Image, angle float64) image.Image {
	size := img.Bounds().Size()
	rotated := imaging.Rotate(img, angle, color.NRGBA{A: 255})
	return imaging.CropCenter(rotated, size.X, size.Y)
}

// Resize img to a square of size×size pixels, not preserving the aspect ratio.
func Resize(img image.Image, size int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, size, size, imaging.Linear)
}
