// Package imageio turns encoded images into the grayscale and colour views
// consumed by the verification pipeline.
package imageio

import (
	"errors"
	"fmt"
	"os"

	"github.com/example/faceverify/internal/face"
)

// ErrUnsupportedImage is returned for data that cannot be decoded.
var ErrUnsupportedImage = errors.New("unsupported image")

// Image holds both views of one decoded image. Colour pixels are BGR.
// Scale is the factor applied to the original size (1 when not resized);
// geometry reported by the pipeline is in scaled coordinates.
type Image struct {
	Gray  face.ImageBuffer
	Color face.ImageBuffer
	Scale float64
}

// Decode decodes data and, when maxDimension > 0, shrinks the image so that
// neither side exceeds it.
func Decode(data []byte, maxDimension int) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnsupportedImage)
	}
	return decode(data, maxDimension)
}

// ReadFile loads and decodes the image at path.
func ReadFile(path string, maxDimension int) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data, maxDimension)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func newImage(width, height int, grayPix, colorPix []byte, scale float64) (*Image, error) {
	gray, err := face.NewImageBuffer(width, height, 1, grayPix)
	if err != nil {
		return nil, err
	}
	color, err := face.NewImageBuffer(width, height, 3, colorPix)
	if err != nil {
		return nil, err
	}
	return &Image{Gray: gray, Color: color, Scale: scale}, nil
}
