// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Policy describes the random geometric and photometric transformations applied to each training image.
// Pixels that fall outside the source image after the geometric transformation are filled by
// reflecting the image at its border.
//
// The zero value is the identity.
type Policy struct {
	// RotationRange is the maximum rotation, in degrees, in either direction.
	RotationRange float64

	// WidthShiftRange and HeightShiftRange are the maximum translation, as a fraction of the image size.
	WidthShiftRange, HeightShiftRange float64

	// ShearRange is the maximum shear coefficient in either direction.
	ShearRange float64

	// ZoomRange: the zoom factor of each axis is drawn independently from [1-ZoomRange, 1+ZoomRange].
	ZoomRange float64

	// BrightnessMin and BrightnessMax bound the multiplicative brightness factor. If both are 0 brightness
	// is left untouched.
	BrightnessMin, BrightnessMax float64

	// HorizontalFlip and VerticalFlip flip the image with probability 0.5.
	HorizontalFlip, VerticalFlip bool
}

var (
	// TrainingPolicy is applied to every image of the training sequence.
	TrainingPolicy = Policy{
		RotationRange:    30,
		WidthShiftRange:  0.1,
		HeightShiftRange: 0.1,
		ShearRange:       0.1,
		ZoomRange:        0.2,
		BrightnessMin:    0.9,
		BrightnessMax:    1.1,
		HorizontalFlip:   true,
	}

	// TTAPolicy is a lighter policy used when test-time augmentation is enabled.
	TTAPolicy = Policy{
		RotationRange:  15,
		HorizontalFlip: true,
	}
)

// IsIdentity returns whether the policy never changes an image.
func (p Policy) IsIdentity() bool {
	return p == Policy{}
}

// Params are the parameters drawn by Policy.Sample. Applying them is deterministic.
// Zero zoom and brightness factors are read as 1.
type Params struct {
	Angle          float64 // Degrees, counter-clockwise.
	ShiftX, ShiftY float64 // Fraction of width and height.
	Shear          float64
	ZoomX, ZoomY   float64
	Brightness     float64
	FlipH, FlipV   bool
}

// IdentityParams leave the image untouched.
var IdentityParams = Params{ZoomX: 1, ZoomY: 1, Brightness: 1}

func uniform(rng *rand.Rand, low, high float64) float64 {
	if high <= low {
		return low
	}
	return low + rng.Float64()*(high-low)
}

// Sample draws the random parameters of one application of the policy.
// The number of values drawn from rng only depends on the policy, not on the values drawn.
func (p Policy) Sample(rng *rand.Rand) Params {
	params := IdentityParams
	if p.RotationRange > 0 {
		params.Angle = uniform(rng, -p.RotationRange, p.RotationRange)
	}
	if p.WidthShiftRange > 0 {
		params.ShiftX = uniform(rng, -p.WidthShiftRange, p.WidthShiftRange)
	}
	if p.HeightShiftRange > 0 {
		params.ShiftY = uniform(rng, -p.HeightShiftRange, p.HeightShiftRange)
	}
	if p.ShearRange > 0 {
		params.Shear = uniform(rng, -p.ShearRange, p.ShearRange)
	}
	if p.ZoomRange > 0 {
		params.ZoomX = uniform(rng, 1-p.ZoomRange, 1+p.ZoomRange)
		params.ZoomY = uniform(rng, 1-p.ZoomRange, 1+p.ZoomRange)
	}
	if p.BrightnessMin != 0 || p.BrightnessMax != 0 {
		params.Brightness = uniform(rng, p.BrightnessMin, p.BrightnessMax)
	}
	if p.HorizontalFlip {
		params.FlipH = rng.Intn(2) == 1
	}
	if p.VerticalFlip {
		params.FlipV = rng.Intn(2) == 1
	}
	return params
}

// Apply draws parameters from rng and applies them to img. It has the Transform signature.
func (p Policy) Apply(img image.Image, rng *rand.Rand) image.Image {
	if p.IsIdentity() {
		return img
	}
	return p.Sample(rng).Apply(img)
}

// zooms returns the zoom factors, with 0 read as 1.
func (p Params) zooms() (zx, zy float64) {
	zx, zy = p.ZoomX, p.ZoomY
	if zx == 0 {
		zx = 1
	}
	if zy == 0 {
		zy = 1
	}
	return
}

func (p Params) isGeometricIdentity() bool {
	zx, zy := p.zooms()
	return p.Angle == 0 && p.ShiftX == 0 && p.ShiftY == 0 && p.Shear == 0 && zx == 1 && zy == 1
}

// Apply the transformation: the affine warp (rotation, shear, zoom and shift around the image center),
// then the brightness factor and finally the flips. The output has the same size as img.
func (p Params) Apply(img image.Image) image.Image {
	out := imaging.Clone(img)
	if !p.isGeometricIdentity() {
		out = warpAffine(out, p)
	}
	if p.Brightness != 1 && p.Brightness != 0 {
		factor := p.Brightness
		out = imaging.AdjustFunc(out, func(c color.NRGBA) color.NRGBA {
			return color.NRGBA{
				R: clampUint8(float64(c.R) * factor),
				G: clampUint8(float64(c.G) * factor),
				B: clampUint8(float64(c.B) * factor),
				A: c.A,
			}
		})
	}
	if p.FlipH {
		out = imaging.FlipH(out)
	}
	if p.FlipV {
		out = imaging.FlipV(out)
	}
	return out
}

func clampUint8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

// reflectIndex maps any integer coordinate into [0, n) by mirroring at the borders,
// including the border pixel: ... c b a | a b c | c b a ...
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// warpAffine maps each output pixel back to the source image and samples it bilinearly.
//
// For an output pixel at offset (u, v) from the center, the source position is
// rotation·shear·zoom·(u, v) + center + shift.
func warpAffine(src *image.NRGBA, p Params) *image.NRGBA {
	width, height := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	if width == 0 || height == 0 {
		return dst
	}
	theta := p.Angle * math.Pi / 180
	cos, sin := math.Cos(theta), math.Sin(theta)
	zx, zy := p.zooms()
	// m = rotation · shear · zoom.
	m00 := cos * zx
	m01 := (cos*p.Shear - sin) * zy
	m10 := sin * zx
	m11 := (sin*p.Shear + cos) * zy
	cx, cy := float64(width-1)/2, float64(height-1)/2
	tx, ty := p.ShiftX*float64(width), p.ShiftY*float64(height)

	for y := range height {
		v := float64(y) - cy
		row := dst.Pix[y*dst.Stride:]
		for x := range width {
			u := float64(x) - cx
			sx := m00*u + m01*v + cx + tx
			sy := m10*u + m11*v + cy + ty
			r, g, b, a := sampleBilinear(src, sx, sy)
			px := row[4*x : 4*x+4]
			px[0], px[1], px[2], px[3] = r, g, b, a
		}
	}
	return dst
}

func sampleBilinear(src *image.NRGBA, x, y float64) (r, g, b, a uint8) {
	width, height := src.Rect.Dx(), src.Rect.Dy()
	x0f, y0f := math.Floor(x), math.Floor(y)
	fx, fy := x-x0f, y-y0f
	x0, y0 := int(x0f), int(y0f)
	xs := [2]int{reflectIndex(x0, width), reflectIndex(x0+1, width)}
	ys := [2]int{reflectIndex(y0, height), reflectIndex(y0+1, height)}
	wx := [2]float64{1 - fx, fx}
	wy := [2]float64{1 - fy, fy}
	var acc [4]float64
	for j := range 2 {
		row := src.Pix[ys[j]*src.Stride:]
		for i := range 2 {
			w := wx[i] * wy[j]
			if w == 0 {
				continue
			}
			px := row[4*xs[i] : 4*xs[i]+4]
			for c := range 4 {
				acc[c] += w * float64(px[c])
			}
		}
	}
	return clampUint8(acc[0]), clampUint8(acc[1]), clampUint8(acc[2]), clampUint8(acc[3])
}
