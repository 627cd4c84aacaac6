package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxThumbnailBytes is the size the link-card API accepts.
const MaxThumbnailBytes = 50 * 1024

var (
	thumbnailSides     = []int{320, 240, 200, 160}
	thumbnailQualities = []int{80, 70, 60, 50, 40}
)

// NormalizeThumbnail re-encodes an image as JPEG, stepping down size and
// quality until it fits MaxThumbnailBytes. If nothing fits, the smallest
// attempt is returned.
func NormalizeThumbnail(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode thumbnail: %w", err)
	}

	var smallest []byte
	for _, side := range thumbnailSides {
		img := fitWithin(src, side)
		for _, q := range thumbnailQualities {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
				return nil, fmt.Errorf("encode thumbnail: %w", err)
			}
			if buf.Len() <= MaxThumbnailBytes {
				return buf.Bytes(), nil
			}
			if smallest == nil || buf.Len() < len(smallest) {
				smallest = buf.Bytes()
			}
		}
	}
	return smallest, nil
}

// fitWithin scales src down so neither side exceeds maxSide. Smaller
// images are flattened onto an opaque canvas unchanged in size.
func fitWithin(src image.Image, maxSide int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxSide || h > maxSide {
		if w >= h {
			h = max(1, h*maxSide/w)
			w = maxSide
		} else {
			w = max(1, w*maxSide/h)
			h = maxSide
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// FallbackThumbnail is a plain grey JPEG for APIs that require a
// thumbnail when none could be extracted.
func FallbackThumbnail() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 160, 160))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 0xcc, G: 0xcc, B: 0xcc, A: 0xff}), image.Point{}, draw.Src)
	var buf bytes.Buffer
	// Encoding an in-memory RGBA image cannot fail.
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60})
	return buf.Bytes()
}
