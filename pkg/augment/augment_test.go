package augment

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradientImage has a distinct color per pixel, so flips and warps are detectable.
func gradientImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / max(width-1, 1)), G: uint8(y * 255 / max(height-1, 1)), B: 100, A: 255})
		}
	}
	return img
}

func TestDrawOversampling(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seen := make(map[Kind]int)
	for range 400 {
		c := DrawOversampling(rng)
		seen[c.Kind]++
		switch c.Kind {
		case KindRotate:
			assert.LessOrEqual(t, c.Angle, float64(MaxRotateAngle))
			assert.GreaterOrEqual(t, c.Angle, float64(-MaxRotateAngle))
		case KindRotateFlipH:
			assert.LessOrEqual(t, c.Angle, float64(MaxRotateFlipAngle))
			assert.GreaterOrEqual(t, c.Angle, float64(-MaxRotateFlipAngle))
		default:
			assert.Zero(t, c.Angle)
		}
	}
	assert.Len(t, seen, int(NumKinds), "all transformations should be drawn")

	// Same seed, same draws.
	rngA, rngB := rand.New(rand.NewSource(3)), rand.New(rand.NewSource(3))
	for range 20 {
		assert.Equal(t, DrawOversampling(rngA), DrawOversampling(rngB))
	}
}

func TestChoiceApply(t *testing.T) {
	img := gradientImage(8, 6)
	for kind := range NumKinds {
		out := Choice{Kind: kind, Angle: 10}.Apply(img)
		assert.Equal(t, img.Bounds().Size(), out.Bounds().Size(), "kind %s changed the image size", kind)
	}

	flipped := Choice{Kind: KindFlipH}.Apply(img)
	assert.Equal(t, img.NRGBAAt(0, 2), color.NRGBAModel.Convert(flipped.At(7, 2)))
	flipped = Choice{Kind: KindFlipV}.Apply(img)
	assert.Equal(t, img.NRGBAAt(3, 0), color.NRGBAModel.Convert(flipped.At(3, 5)))

	// Source untouched.
	assert.Equal(t, gradientImage(8, 6).Pix, img.Pix)
	assert.Panics(t, func() { Choice{Kind: NumKinds}.Apply(img) })
}

func TestOversample(t *testing.T) {
	img := gradientImage(10, 10)
	out := Oversample(img, rand.New(rand.NewSource(1)))
	require.NotNil(t, out)
	assert.Equal(t, image.Pt(10, 10), out.Bounds().Size())
	assert.Equal(t, "flip_v", KindFlipV.String())
	assert.Equal(t, "rotate(+12°)", Choice{Kind: KindRotate, Angle: 12}.String())
}

func TestReflectIndex(t *testing.T) {
	n := 3
	want := map[int]int{-4: 2, -3: 2, -2: 1, -1: 0, 0: 0, 1: 1, 2: 2, 3: 2, 4: 1, 5: 0, 6: 0, 7: 1}
	for i, w := range want {
		assert.Equal(t, w, reflectIndex(i, n), "reflectIndex(%d, %d)", i, n)
	}
	assert.Equal(t, 0, reflectIndex(5, 1))
}

func TestPolicySample(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	p := TrainingPolicy
	flips := 0
	for range 200 {
		params := p.Sample(rng)
		assert.LessOrEqual(t, params.Angle, 30.0)
		assert.GreaterOrEqual(t, params.Angle, -30.0)
		assert.LessOrEqual(t, params.ShiftX, 0.1)
		assert.GreaterOrEqual(t, params.ShiftY, -0.1)
		assert.LessOrEqual(t, params.Shear, 0.1)
		assert.GreaterOrEqual(t, params.ZoomX, 0.8)
		assert.LessOrEqual(t, params.ZoomY, 1.2)
		assert.GreaterOrEqual(t, params.Brightness, 0.9)
		assert.LessOrEqual(t, params.Brightness, 1.1)
		assert.False(t, params.FlipV)
		if params.FlipH {
			flips++
		}
	}
	assert.Greater(t, flips, 50)
	assert.Less(t, flips, 150)
	assert.True(t, Policy{}.IsIdentity())
	assert.False(t, TTAPolicy.IsIdentity())
}

func TestParamsApply(t *testing.T) {
	img := gradientImage(9, 7)

	// Identity keeps every pixel.
	out := IdentityParams.Apply(img)
	assert.Equal(t, img.Pix, out.(*image.NRGBA).Pix)
	out = Params{}.Apply(img)
	assert.Equal(t, img.Pix, out.(*image.NRGBA).Pix)

	// A shift by a whole number of pixels moves the content.
	params := IdentityParams
	params.ShiftX = 2.0 / 9.0
	out = params.Apply(img)
	shifted := out.(*image.NRGBA)
	assert.Equal(t, img.NRGBAAt(4, 3), shifted.NRGBAAt(2, 3))
	// Reflective fill at the right border: source x=9 maps back to x=8, x=10 to x=7.
	assert.Equal(t, img.NRGBAAt(8, 3), shifted.NRGBAAt(7, 3))
	assert.Equal(t, img.NRGBAAt(7, 3), shifted.NRGBAAt(8, 3))

	// Brightness scales colors.
	params = IdentityParams
	params.Brightness = 0.5
	out = params.Apply(img)
	assert.Equal(t, uint8(50), out.(*image.NRGBA).NRGBAAt(0, 0).B)
	assert.Equal(t, uint8(255), out.(*image.NRGBA).NRGBAAt(0, 0).A)

	// Full policy keeps the size.
	rng := rand.New(rand.NewSource(5))
	for range 5 {
		out = TrainingPolicy.Apply(img, rng)
		assert.Equal(t, img.Bounds().Size(), out.Bounds().Size())
	}
	// Identity policy returns the same image.
	assert.Same(t, img, Policy{}.Apply(img, rng).(*image.NRGBA))
}

func TestNormalization(t *testing.T) {
	assert.InDelta(t, 1.0, NormalizeUnit.Value(255), 1e-6)
	assert.InDelta(t, -1.0, NormalizeSymmetric.Value(0), 1e-6)
	assert.InDelta(t, 1.0, NormalizeSymmetric.Value(255), 1e-6)
	assert.InDelta(t, 128.0, NormalizeRaw.Value(128), 1e-6)

	for _, n := range []Normalization{NormalizeUnit, NormalizeSymmetric, NormalizeRaw} {
		parsed, err := ParseNormalization(n.String())
		require.NoError(t, err)
		assert.Equal(t, n, parsed)
	}
	_, err := ParseNormalization("imagenet")
	require.Error(t, err)
}

func TestToPixels(t *testing.T) {
	img := gradientImage(4, 4)
	dst := make([]float32, PixelsLen(4))
	NormalizeRaw.ToPixels(img, 4, dst)
	// Pixel (x=3, y=0): R=255, G=0, B=100.
	assert.Equal(t, []float32{255, 0, 100}, dst[9:12])
	// Pixel (x=0, y=3).
	assert.Equal(t, []float32{0, 255, 100}, dst[36:39])

	// Resizing to a different size.
	small := make([]float32, PixelsLen(2))
	NormalizeUnit.ToPixels(gradientImage(16, 8), 2, small)
	for _, v := range small {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
	assert.Panics(t, func() { NormalizeUnit.ToPixels(img, 4, small) })
}
