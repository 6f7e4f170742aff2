package engine

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	_ "image/jpeg"

	"github.com/nfnt/resize"
)

// DefaultMaxSide caps the longest image edge sent to a recognizer.
const DefaultMaxSide = 1024

// Preprocess decodes a PNG or JPEG, shrinks it so neither side exceeds
// maxSide and re-encodes it as PNG.
func Preprocess(data []byte, maxSide int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > maxSide || b.Dy() > maxSide {
		// Thumbnail keeps the aspect ratio inside the box.
		img = resize.Thumbnail(uint(maxSide), uint(maxSide), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
