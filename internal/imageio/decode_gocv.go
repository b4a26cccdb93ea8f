//go:build gocv

package imageio

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

func decode(data []byte, maxDimension int) (*Image, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("%w: decoder returned an empty image", ErrUnsupportedImage)
	}

	scale := 1.0
	if longest := max(mat.Cols(), mat.Rows()); maxDimension > 0 && longest > maxDimension {
		scale = float64(maxDimension) / float64(longest)
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(mat, &resized, image.Point{}, scale, scale, gocv.InterpolationLinear)
		mat, resized = resized, mat
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	return newImage(mat.Cols(), mat.Rows(), gray.ToBytes(), mat.ToBytes(), scale)
}
