// Package phash computes a 64-bit perceptual fingerprint (dHash) from
// decoded image bytes.
package phash

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif" // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WEBP decoder

	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/imagedex/internal/errs"
)

// Fingerprint is a 64-bit perceptual hash. Equality is by value; distance
// between two fingerprints is the popcount of their XOR.
type Fingerprint uint64

// Distance returns the Hamming distance between a and b, in the range
// 0..=64.
func Distance(a, b Fingerprint) int {
	return popcount(uint64(a ^ b))
}

func popcount(v uint64) int {
	count := 0
	for v != 0 {
		v &= v - 1
		count++
	}
	return count
}

// downscale dimensions: 9 wide so each of the 8 output columns has a
// right-hand neighbor to compare against, 8 tall.
const (
	hashWidth   = 9
	hashHeight  = 8
	comparisons = hashWidth - 1 // 8 horizontal comparisons per row
)

// Hash computes the dHash fingerprint of the image encoded in data.
//
// A decoding panic (a bug in a third-party decoder tripping on a malformed
// input) is recovered here and surfaced as an internal error carrying the
// panic value, rather than crashing the calling worker.
func Hash(data []byte) (fp Fingerprint, errE errors.E) { //nolint:nonamedreturns
	defer func() {
		if r := recover(); r != nil {
			errE = errs.WithSource(errors.Errorf("panic decoding image: %v", r), errs.SourceInternal)
		}
	}()

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		img, err = decodeExotic(data)
		if err != nil {
			return 0, errs.WithSource(errors.WithStack(errs.ErrImageInvalid), errs.SourceUser)
		}
	}

	gray, errE := toLuminance(img)
	if errE != nil {
		return 0, errE
	}

	small := imaging.Resize(gray, hashWidth, hashHeight, imaging.Box)

	var h uint64
	for y := 0; y < hashHeight; y++ {
		for x := 0; x < comparisons; x++ {
			left := luminance8(small, x, y)
			right := luminance8(small, x+1, y)
			if left > right {
				h |= 1 << uint(x+comparisons*y) //nolint:gosec
			}
		}
	}
	return Fingerprint(h), nil
}

// toLuminance converts img to 8-bit grayscale using the Rec.709-like
// weights specified: (2126*r + 7152*g + 722*b) / 10000, truncated toward
// zero, alpha discarded. Supported source color models: 8-bit gray,
// gray+alpha, RGB, RGBA (and paletted/YCbCr images that decode into one of
// those); anything else fails with ImageColorSpaceUnsupported.
func toLuminance(img image.Image) (*image.Gray, errors.E) {
	if !supportedColorModel(img) {
		return nil, errs.WithSource(errors.WithStack(errs.ErrImageColorSpaceUnsupported), errs.SourceUser)
	}

	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			// RGBA() returns components scaled to 16 bits regardless of
			// the source depth; rescale to 8 bits before applying the
			// normative integer weights so the truncation matches a
			// byte-per-channel reference implementation.
			r, g, b, _ := img.At(x, y).RGBA()
			r8, g8, b8 := r>>8, g>>8, b>>8
			lum := (2126*r8 + 7152*g8 + 722*b8) / 10000
			gray.SetGray(x-bounds.Min.X, y-bounds.Min.Y, color.Gray{Y: uint8(lum)}) //nolint:gosec
		}
	}
	return gray, nil
}

// luminance8 reads the grayscale level at (x, y) out of an image produced
// by resizing an already-grayscale source; imaging.Resize always returns
// *image.NRGBA regardless of input type, with R==G==B for a gray source.
func luminance8(img image.Image, x, y int) uint8 {
	r, _, _, _ := img.At(x, y).RGBA()
	return uint8(r >> 8) //nolint:gosec
}

func supportedColorModel(img image.Image) bool {
	switch img.(type) {
	case *image.Gray, *image.Gray16, *image.NRGBA, *image.NRGBA64,
		*image.RGBA, *image.RGBA64, *image.Paletted, *image.YCbCr:
		return true
	default:
		return false
	}
}
