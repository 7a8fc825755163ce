package phash

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/tozd/imagedex/internal/errs"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// gradientImage builds a horizontal luminance gradient, guaranteeing a
// non-degenerate dHash (each column strictly brighter than the next).
func gradientImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			level := uint8(255 - (x * 255 / w)) //nolint:gosec
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	return img
}

func TestHashIdentityLaw(t *testing.T) {
	data := encodePNG(t, gradientImage(64, 64))
	fp1, errE := Hash(data)
	require.NoError(t, errE)
	fp2, errE := Hash(data)
	require.NoError(t, errE)
	assert.Equal(t, fp1, fp2)
}

func TestHashGradientDescendingBits(t *testing.T) {
	data := encodePNG(t, gradientImage(90, 80))
	fp, errE := Hash(data)
	require.NoError(t, errE)
	// A strictly descending left-to-right gradient sets every comparison
	// bit (left > right at every column).
	assert.Equal(t, Fingerprint(0xFFFFFFFFFFFFFFFF), fp)
}

func TestHashFlatImageAllZero(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	fp, errE := Hash(encodePNG(t, img))
	require.NoError(t, errE)
	assert.Equal(t, Fingerprint(0), fp)
}

func TestHashInvalidImage(t *testing.T) {
	_, errE := Hash([]byte("not an image"))
	require.Error(t, errE)
	assert.Equal(t, errs.SourceUser, errs.GetSource(errE))
}

func TestDistance(t *testing.T) {
	assert.Equal(t, 0, Distance(0b1010, 0b1010))
	assert.Equal(t, 1, Distance(0b1010, 0b1000))
	assert.Equal(t, 64, Distance(0, ^Fingerprint(0)))
}

func TestPopcount(t *testing.T) {
	assert.Equal(t, 0, popcount(0))
	assert.Equal(t, 1, popcount(1))
	assert.Equal(t, 64, popcount(^uint64(0)))
}
