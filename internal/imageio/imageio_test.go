//go:build !gocv

package imageio

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func encodePNG(t *testing.T, width, height int, fill func(x, y int) color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeProducesMatchingViews(t *testing.T) {
	red := color.RGBA{R: 200, G: 10, B: 30, A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	data := encodePNG(t, 4, 3, func(x, y int) color.Color {
		if x == 0 && y == 0 {
			return red
		}
		return white
	})

	img, err := Decode(data, 0)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if img.Scale != 1 {
		t.Fatalf("expected scale 1, got %v", img.Scale)
	}
	if img.Gray.Channels() != 1 || img.Color.Channels() != 3 {
		t.Fatalf("unexpected channels %d/%d", img.Gray.Channels(), img.Color.Channels())
	}
	if !img.Gray.SameGeometry(img.Color) || img.Gray.Width() != 4 || img.Gray.Height() != 3 {
		t.Fatalf("unexpected geometry %dx%d", img.Gray.Width(), img.Gray.Height())
	}

	bgr := img.Color.Pix()[:3]
	if bgr[0] != 30 || bgr[1] != 10 || bgr[2] != 200 {
		t.Fatalf("expected BGR order, got %v", bgr)
	}
	// 0.299*200 + 0.587*10 + 0.114*30 = 69.09
	if got := img.Gray.Pix()[0]; got != 69 {
		t.Fatalf("expected luma 69, got %d", got)
	}
	if got := img.Gray.Pix()[1]; got != 255 {
		t.Fatalf("expected white luma 255, got %d", got)
	}
}

func TestDecodeShrinksLargeImages(t *testing.T) {
	data := encodePNG(t, 200, 100, func(x, y int) color.Color {
		return color.Gray{Y: uint8(x)}
	})

	img, err := Decode(data, 50)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if img.Gray.Width() != 50 || img.Gray.Height() != 25 {
		t.Fatalf("expected 50x25, got %dx%d", img.Gray.Width(), img.Gray.Height())
	}
	if img.Scale != 0.25 {
		t.Fatalf("expected scale 0.25, got %v", img.Scale)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(nil, 0); !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage for empty input, got %v", err)
	}
	if _, err := Decode([]byte("definitely not an image"), 0); !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gallery.png")
	data := encodePNG(t, 8, 8, func(x, y int) color.Color { return color.Black })
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	img, err := ReadFile(path, 0)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if img.Color.Width() != 8 {
		t.Fatalf("unexpected width %d", img.Color.Width())
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.png"), 0); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
