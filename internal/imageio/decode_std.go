//go:build !gocv

package imageio

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

func decode(data []byte, maxDimension int) (*Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	scale := 1.0
	bounds := img.Bounds()
	if maxDimension > 0 && (bounds.Dx() > maxDimension || bounds.Dy() > maxDimension) {
		original := bounds.Dx()
		img = resize.Thumbnail(uint(maxDimension), uint(maxDimension), img, resize.Bilinear)
		bounds = img.Bounds()
		scale = float64(bounds.Dx()) / float64(original)
	}

	width, height := bounds.Dx(), bounds.Dy()
	grayPix := make([]byte, width*height)
	colorPix := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r8, g8, b8 := r>>8, g>>8, b>>8
			i := y*width + x
			colorPix[3*i] = byte(b8)
			colorPix[3*i+1] = byte(g8)
			colorPix[3*i+2] = byte(r8)
			grayPix[i] = luma(r8, g8, b8)
		}
	}

	return newImage(width, height, grayPix, colorPix, scale)
}

// luma uses the BT.601 weights.
func luma(r, g, b uint32) byte {
	return byte((299*r + 587*g + 114*b + 500) / 1000)
}
