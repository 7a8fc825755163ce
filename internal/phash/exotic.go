package phash

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"math"
)

// decodeExotic decodes the four supported formats for which no maintained
// decoder exists in the corpus or the wider ecosystem without fabricating
// a dependency: portable anymap (PGM/PPM; PBM bitmaps, P1 and P4, are not
// decoded), Truevision TGA, Windows/OS2
// icon, and Radiance HDR. See DESIGN.md for why these are hand-written
// instead of imported.
func decodeExotic(data []byte) (image.Image, error) {
	if img, err := decodePNM(data); err == nil {
		return img, nil
	}
	if img, err := decodeTGA(data); err == nil {
		return img, nil
	}
	if img, err := decodeICO(data); err == nil {
		return img, nil
	}
	if img, err := decodeRadiance(data); err == nil {
		return img, nil
	}
	return nil, errors.New("phash: no exotic decoder matched")
}

// --- Portable anymap (P2, P3, P5, P6) ---

func decodePNM(data []byte) (image.Image, error) {
	if len(data) < 2 || data[0] != 'P' {
		return nil, errors.New("phash: not pnm")
	}
	r := bufio.NewReader(bytes.NewReader(data))
	magic, err := readToken(r)
	if err != nil {
		return nil, err
	}
	switch magic {
	case "P2", "P5": // grayscale ASCII / binary
	case "P3", "P6": // color ASCII / binary
	default:
		return nil, errors.New("phash: unsupported pnm magic")
	}

	width, err := readInt(r)
	if err != nil {
		return nil, err
	}
	height, err := readInt(r)
	if err != nil {
		return nil, err
	}
	maxVal, err := readInt(r)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 || maxVal <= 0 || maxVal > 65535 {
		return nil, errors.New("phash: invalid pnm header")
	}

	isColor := magic == "P3" || magic == "P6"
	binaryEnc := magic == "P5" || magic == "P6"

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	scale := 255.0 / float64(maxVal)

	readSample := func() (int, error) {
		if binaryEnc {
			if maxVal < 256 {
				b, err := r.ReadByte()
				return int(b), err
			}
			var buf [2]byte
			if _, err := readFull(r, buf[:]); err != nil {
				return 0, err
			}
			return int(binary.BigEndian.Uint16(buf[:])), nil
		}
		return readInt(r)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var rr, gg, bb int
			var err error
			if isColor {
				if rr, err = readSample(); err != nil {
					return nil, err
				}
				if gg, err = readSample(); err != nil {
					return nil, err
				}
				if bb, err = readSample(); err != nil {
					return nil, err
				}
			} else {
				if rr, err = readSample(); err != nil {
					return nil, err
				}
				gg, bb = rr, rr
			}
			img.Set(x, y, color8bit(rr, gg, bb, scale))
		}
	}
	return img, nil
}

func color8bit(r, g, b int, scale float64) color.Color {
	return color.RGBA{
		R: clamp8(float64(r) * scale),
		G: clamp8(float64(g) * scale),
		B: clamp8(float64(b) * scale),
		A: 255,
	}
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func readToken(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			for {
				c, err := r.ReadByte()
				if err != nil || c == '\n' {
					break
				}
			}
			continue
		}
		if isSpace(b) {
			if buf.Len() > 0 {
				return buf.String(), nil
			}
			continue
		}
		buf.WriteByte(b)
	}
}

func readInt(r *bufio.Reader) (int, error) {
	tok, err := readToken(r)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range []byte(tok) {
		if c < '0' || c > '9' {
			return 0, errors.New("phash: non-numeric pnm token")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// --- Truevision TGA (uncompressed and RLE, 24/32 bit) ---

func decodeTGA(data []byte) (image.Image, error) {
	const headerLen = 18
	if len(data) < headerLen {
		return nil, errors.New("phash: not tga")
	}
	idLen := int(data[0])
	colorMapType := data[1]
	imageType := data[2]
	width := int(binary.LittleEndian.Uint16(data[12:14]))
	height := int(binary.LittleEndian.Uint16(data[14:16]))
	depth := int(data[16])
	if colorMapType != 0 {
		return nil, errors.New("phash: tga color maps unsupported")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.New("phash: invalid tga dimensions")
	}
	if depth != 24 && depth != 32 {
		return nil, errors.New("phash: unsupported tga depth")
	}

	offset := headerLen + idLen
	if offset > len(data) {
		return nil, errors.New("phash: truncated tga")
	}
	pixelBytes := depth / 8

	pixels := make([]byte, width*height*pixelBytes)

	switch imageType {
	case 2: // uncompressed true-color
		need := offset + len(pixels)
		if need > len(data) {
			return nil, errors.New("phash: truncated tga pixel data")
		}
		copy(pixels, data[offset:need])
	case 10: // RLE true-color
		src := data[offset:]
		pos := 0
		for pos < len(pixels) {
			if len(src) == 0 {
				return nil, errors.New("phash: truncated tga rle stream")
			}
			packet := src[0]
			src = src[1:]
			count := int(packet&0x7f) + 1
			if packet&0x80 != 0 {
				if len(src) < pixelBytes {
					return nil, errors.New("phash: truncated tga rle packet")
				}
				px := src[:pixelBytes]
				src = src[pixelBytes:]
				for i := 0; i < count && pos < len(pixels); i++ {
					copy(pixels[pos:pos+pixelBytes], px)
					pos += pixelBytes
				}
			} else {
				need := count * pixelBytes
				if len(src) < need {
					return nil, errors.New("phash: truncated tga raw packet")
				}
				copy(pixels[pos:pos+need], src[:need])
				src = src[need:]
				pos += need
			}
		}
	default:
		return nil, errors.New("phash: unsupported tga image type")
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	// TGA rows are bottom-to-top and pixels are stored BGR(A).
	for y := 0; y < height; y++ {
		srcRow := pixels[(height-1-y)*width*pixelBytes:]
		for x := 0; x < width; x++ {
			p := srcRow[x*pixelBytes : x*pixelBytes+pixelBytes]
			a := uint8(255)
			if pixelBytes == 4 {
				a = p[3]
			}
			img.Set(x, y, color.RGBA{R: p[2], G: p[1], B: p[0], A: a})
		}
	}
	return img, nil
}

// --- Windows/OS2 icon (single embedded BMP-style DIB, uncompressed) ---

func decodeICO(data []byte) (image.Image, error) {
	if len(data) < 6 || data[0] != 0 || data[1] != 0 || binary.LittleEndian.Uint16(data[2:4]) != 1 {
		return nil, errors.New("phash: not ico")
	}
	count := int(binary.LittleEndian.Uint16(data[4:6]))
	if count < 1 {
		return nil, errors.New("phash: empty ico directory")
	}
	const dirEntryLen = 16
	entryOff := 6
	if entryOff+dirEntryLen > len(data) {
		return nil, errors.New("phash: truncated ico directory")
	}
	entry := data[entryOff : entryOff+dirEntryLen]
	imgSize := int(binary.LittleEndian.Uint32(entry[8:12]))
	imgOffset := int(binary.LittleEndian.Uint32(entry[12:16]))
	if imgOffset < 0 || imgOffset+imgSize > len(data) {
		return nil, errors.New("phash: truncated ico image data")
	}
	payload := data[imgOffset : imgOffset+imgSize]

	// A PNG-encoded icon frame decodes through the stdlib registry.
	if len(payload) > 8 && bytes.HasPrefix(payload, []byte("\x89PNG\r\n\x1a\n")) {
		img, _, err := image.Decode(bytes.NewReader(payload))
		return img, err
	}
	return decodeDIB(payload)
}

// decodeDIB decodes the minimal BITMAPINFOHEADER variant used for
// uncompressed 32bpp icon frames (height doubled to include the AND mask,
// which we ignore).
func decodeDIB(data []byte) (image.Image, error) {
	if len(data) < 40 {
		return nil, errors.New("phash: truncated dib header")
	}
	headerSize := int(binary.LittleEndian.Uint32(data[0:4]))
	width := int(int32(binary.LittleEndian.Uint32(data[4:8])))
	rawHeight := int(int32(binary.LittleEndian.Uint32(data[8:12])))
	bpp := int(binary.LittleEndian.Uint16(data[14:16]))
	compression := binary.LittleEndian.Uint32(data[16:20])
	if compression != 0 || bpp != 32 {
		return nil, errors.New("phash: unsupported dib encoding")
	}
	height := rawHeight / 2
	if width <= 0 || height <= 0 {
		return nil, errors.New("phash: invalid dib dimensions")
	}

	pixelsOff := headerSize
	rowSize := width * 4
	need := pixelsOff + rowSize*height
	if need > len(data) {
		return nil, errors.New("phash: truncated dib pixel data")
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcRow := data[pixelsOff+(height-1-y)*rowSize:]
		for x := 0; x < width; x++ {
			p := srcRow[x*4 : x*4+4]
			img.Set(x, y, color.RGBA{R: p[2], G: p[1], B: p[0], A: p[3]})
		}
	}
	return img, nil
}

// --- Radiance HDR (RLE and flat RGBE scanlines) ---

func decodeRadiance(data []byte) (image.Image, error) {
	if !bytes.HasPrefix(data, []byte("#?")) {
		return nil, errors.New("phash: not radiance")
	}
	r := bufio.NewReader(bytes.NewReader(data))
	// Header lines until a blank line.
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\n" || line == "\r\n" {
			break
		}
	}
	dims, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	var height, width int
	if _, err := scanDims(dims, &height, &width); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, errors.New("phash: invalid radiance dimensions")
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		row, err := readRadianceScanline(r, width)
		if err != nil {
			return nil, err
		}
		for x := 0; x < width; x++ {
			img.Set(x, y, radianceToRGBA(row[x]))
		}
	}
	return img, nil
}

type rgbe [4]byte

func radianceToRGBA(px rgbe) color.RGBA {
	if px[3] == 0 {
		return color.RGBA{A: 255}
	}
	scale := math.Ldexp(1, int(px[3])-(128+8))
	return color.RGBA{
		R: clamp8(float64(px[0]) * scale * 255),
		G: clamp8(float64(px[1]) * scale * 255),
		B: clamp8(float64(px[2]) * scale * 255),
		A: 255,
	}
}

func scanDims(line string, height, width *int) (int, error) {
	// Expected form: "-Y <height> +X <width>" (top-to-bottom, left-to-right).
	fields := splitFields(line)
	if len(fields) != 4 {
		return 0, errors.New("phash: malformed radiance resolution line")
	}
	h, err := parsePositiveInt(fields[1])
	if err != nil {
		return 0, err
	}
	w, err := parsePositiveInt(fields[3])
	if err != nil {
		return 0, err
	}
	*height, *width = h, w
	return 0, nil
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i < len(s); i++ {
		if isSpace(s[i]) {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, errors.New("phash: non-numeric radiance field")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func readRadianceScanline(r *bufio.Reader, width int) ([]rgbe, error) {
	row := make([]rgbe, width)

	peek, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	if width >= 8 && width <= 0x7fff && peek[0] == 2 && peek[1] == 2 && (int(peek[2])<<8|int(peek[3])) == width {
		// New-style RLE: 4-byte marker, then 4 component planes each
		// run-length encoded independently.
		if _, err := readFull(r, make([]byte, 4)); err != nil {
			return nil, err
		}
		for c := 0; c < 4; c++ {
			pos := 0
			for pos < width {
				n, err := r.ReadByte()
				if err != nil {
					return nil, err
				}
				if n > 128 {
					count := int(n - 128)
					v, err := r.ReadByte()
					if err != nil {
						return nil, err
					}
					for i := 0; i < count && pos < width; i++ {
						row[pos][c] = v
						pos++
					}
				} else {
					count := int(n)
					for i := 0; i < count && pos < width; i++ {
						v, err := r.ReadByte()
						if err != nil {
							return nil, err
						}
						row[pos][c] = v
						pos++
					}
				}
			}
		}
		return row, nil
	}

	// Flat scanline: width RGBE quads.
	for x := 0; x < width; x++ {
		var buf [4]byte
		if _, err := readFull(r, buf[:]); err != nil {
			return nil, err
		}
		row[x] = rgbe(buf)
	}
	return row, nil
}
