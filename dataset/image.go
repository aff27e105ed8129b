package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// loadImageInto decodes the image file, scales it to w x h and writes the
// pixels into dst in CHW channel order as float32 values in [0, 1].
// dst must have length 3*w*h
func loadImageInto(path string, w, h int, dst []float32) error {

	f, err := os.Open(path)

	if err != nil {
		return errors.Wrap(err, "opening image")
	}

	defer f.Close()

	img, _, err := image.Decode(f)

	if err != nil {
		return errors.Wrap(err, "decoding image")
	}

	scaled := resize.Resize(uint(w), uint(h), img, resize.Bilinear)

	bounds := scaled.Bounds()
	plane := w * h

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {

			r, g, b, _ := scaled.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			// RGBA returns 16 bit channel values
			dst[y*w+x] = float32(r) / 65535.0
			dst[plane+y*w+x] = float32(g) / 65535.0
			dst[2*plane+y*w+x] = float32(b) / 65535.0
		}
	}

	return nil
}

// LoadImageTensor decodes and scales a single image file into a CHW
// float32 slice with values in [0, 1]
func LoadImageTensor(path string, w, h int) ([]float32, error) {

	dst := make([]float32, 3*w*h)

	if err := loadImageInto(path, w, h, dst); err != nil {
		return nil, err
	}

	return dst, nil
}
