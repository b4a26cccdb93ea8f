package face

import (
	"fmt"
	"image"
)

// ImageBuffer is a read-only view over 8-bit interleaved pixel data in
// row-major order. It does not own the pixels; callers must not modify the
// slice while the view is in use.
type ImageBuffer struct {
	width    int
	height   int
	channels int
	pix      []byte
}

// NewImageBuffer wraps pix as a width x height image with the given channel
// count (1 for grayscale, 3 for BGR colour).
func NewImageBuffer(width, height, channels int, pix []byte) (ImageBuffer, error) {
	if width <= 0 || height <= 0 {
		return ImageBuffer{}, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if channels != 1 && channels != 3 {
		return ImageBuffer{}, fmt.Errorf("unsupported channel count %d", channels)
	}
	if want := width * height * channels; len(pix) != want {
		return ImageBuffer{}, fmt.Errorf("pixel buffer holds %d bytes, want %d", len(pix), want)
	}
	return ImageBuffer{width: width, height: height, channels: channels, pix: pix}, nil
}

func (b ImageBuffer) Width() int    { return b.width }
func (b ImageBuffer) Height() int   { return b.height }
func (b ImageBuffer) Channels() int { return b.channels }

// Pix returns the underlying pixel slice.
func (b ImageBuffer) Pix() []byte { return b.pix }

// Bounds returns the image rectangle anchored at the origin.
func (b ImageBuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.width, b.height)
}

// Valid reports whether the buffer was built by NewImageBuffer.
func (b ImageBuffer) Valid() bool {
	return b.width > 0 && b.height > 0 && len(b.pix) == b.width*b.height*b.channels
}

// SameGeometry reports whether both views cover the same width and height.
func (b ImageBuffer) SameGeometry(other ImageBuffer) bool {
	return b.width == other.width && b.height == other.height
}

// Crop copies the pixels inside r clipped to the image bounds. It returns the
// copy and the rectangle that was actually read, or ok=false if r does not
// overlap the image.
func (b ImageBuffer) Crop(r image.Rectangle) (crop ImageBuffer, area image.Rectangle, ok bool) {
	area = r.Intersect(b.Bounds())
	if area.Empty() {
		return ImageBuffer{}, image.Rectangle{}, false
	}

	w, h := area.Dx(), area.Dy()
	rowLen := w * b.channels
	stride := b.width * b.channels
	pix := make([]byte, h*rowLen)
	for y := 0; y < h; y++ {
		src := (area.Min.Y+y)*stride + area.Min.X*b.channels
		copy(pix[y*rowLen:(y+1)*rowLen], b.pix[src:src+rowLen])
	}

	return ImageBuffer{width: w, height: h, channels: b.channels, pix: pix}, area, true
}
