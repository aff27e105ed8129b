package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

var testLabels = []string{"cat", "dog"}

// object is a test annotation entry
type object struct {
	name                   string
	xmin, ymin, xmax, ymax float32
}

// writeSample writes a JPEG image and matching VOC annotation file pair
// into dir
func writeSample(t *testing.T, dir, name string, width, height int, objects []object) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	for i := range img.Pix {
		img.Pix[i] = 128
	}

	f, err := os.Create(filepath.Join(dir, name+".jpg"))
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, nil))
	require.NoError(t, f.Close())

	xml := fmt.Sprintf("<annotation><size><width>%d</width><height>%d</height></size>",
		width, height)

	for _, o := range objects {
		xml += fmt.Sprintf("<object><name>%s</name><bndbox>"+
			"<xmin>%f</xmin><ymin>%f</ymin><xmax>%f</xmax><ymax>%f</ymax>"+
			"</bndbox></object>", o.name, o.xmin, o.ymin, o.xmax, o.ymax)
	}

	xml += "</annotation>"

	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".xml"), []byte(xml), 0644))
}

func TestLoad(t *testing.T) {

	dir := t.TempDir()

	writeSample(t, dir, "a", 100, 100, []object{
		{"cat", 10, 20, 50, 60},
	})
	writeSample(t, dir, "b", 200, 100, []object{
		{"dog", 0, 0, 200, 100},
		{"cat", 50, 25, 150, 75},
	})

	ds, err := Load(dir, testLabels, 32, 32)
	require.NoError(t, err)

	assert.Equal(t, 2, ds.Len())

	samples := ds.Samples()

	// samples are ordered by image path
	assert.Equal(t, filepath.Join(dir, "a.jpg"), samples[0].ImagePath)
	assert.Equal(t, filepath.Join(dir, "b.jpg"), samples[1].ImagePath)

	// boxes are converted to center format and scaled from a 100x100
	// source to the 32x32 input
	require.Len(t, samples[0].Boxes, 1)
	box := samples[0].Boxes[0]

	assert.Equal(t, 0, box.Class)
	assert.InDelta(t, 9.6, box.X, 1e-5)
	assert.InDelta(t, 12.8, box.Y, 1e-5)
	assert.InDelta(t, 12.8, box.W, 1e-5)
	assert.InDelta(t, 12.8, box.H, 1e-5)

	// a full frame box covers the full input regardless of aspect ratio
	require.Len(t, samples[1].Boxes, 2)
	box = samples[1].Boxes[0]

	assert.Equal(t, 1, box.Class)
	assert.InDelta(t, 16.0, box.X, 1e-5)
	assert.InDelta(t, 32.0, box.W, 1e-5)
	assert.InDelta(t, 32.0, box.H, 1e-5)
}

func TestLoadUnknownClass(t *testing.T) {

	dir := t.TempDir()

	writeSample(t, dir, "a", 100, 100, []object{
		{"horse", 10, 10, 20, 20},
	})

	_, err := Load(dir, testLabels, 32, 32)
	assert.ErrorContains(t, err, "unknown object class")
}

func TestLoadMissingImage(t *testing.T) {

	dir := t.TempDir()

	writeSample(t, dir, "a", 100, 100, nil)
	require.NoError(t, os.Remove(filepath.Join(dir, "a.jpg")))

	_, err := Load(dir, testLabels, 32, 32)
	assert.Error(t, err)
}

func TestLoadEmptyDir(t *testing.T) {

	_, err := Load(t.TempDir(), testLabels, 32, 32)
	assert.ErrorContains(t, err, "no annotations")
}

func TestNumBatches(t *testing.T) {

	dir := t.TempDir()

	for i := 0; i < 5; i++ {
		writeSample(t, dir, fmt.Sprintf("img%d", i), 100, 100, nil)
	}

	ds, err := Load(dir, testLabels, 32, 32)
	require.NoError(t, err)

	// trailing partial batch is dropped
	assert.Equal(t, 2, ds.NumBatches(2))
	assert.Equal(t, 5, ds.NumBatches(1))
	assert.Equal(t, 0, ds.NumBatches(6))
}

func TestBatch(t *testing.T) {

	dir := t.TempDir()

	writeSample(t, dir, "a", 100, 100, []object{
		{"cat", 10, 20, 50, 60},
	})
	writeSample(t, dir, "b", 100, 100, nil)

	ds, err := Load(dir, testLabels, 4, 4)
	require.NoError(t, err)

	batch, err := ds.Batch(0, 2)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{2, 3, 4, 4}, batch.Images.Shape())
	require.Len(t, batch.Boxes, 2)
	assert.Len(t, batch.Boxes[0], 1)
	assert.Len(t, batch.Boxes[1], 0)

	// the test image is solid mid gray, decoded values must be in range
	data := batch.Images.Data().([]float32)

	for i, v := range data {
		if v < 0.3 || v > 0.7 {
			t.Fatalf("Expected mid gray pixel value, but got %f at %d", v, i)
		}
	}

	_, err = ds.Batch(1, 2)
	assert.Error(t, err, "only one complete batch of 2 exists")
}

func TestShuffleDeterministic(t *testing.T) {

	dir := t.TempDir()

	for i := 0; i < 4; i++ {
		writeSample(t, dir, fmt.Sprintf("img%d", i), 100, 100, nil)
	}

	ds, err := Load(dir, testLabels, 4, 4)
	require.NoError(t, err)

	ds.Shuffle(rand.New(rand.NewSource(7)))
	first := append([]int(nil), ds.perm...)

	ds2, err := Load(dir, testLabels, 4, 4)
	require.NoError(t, err)

	ds2.Shuffle(rand.New(rand.NewSource(7)))

	assert.Equal(t, first, ds2.perm)
}

func TestLoadImageTensor(t *testing.T) {

	dir := t.TempDir()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))

	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}

	file := filepath.Join(dir, "red.jpg")

	f, err := os.Create(file)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, nil))
	require.NoError(t, f.Close())

	pixels, err := LoadImageTensor(file, 4, 4)
	require.NoError(t, err)
	require.Len(t, pixels, 3*4*4)

	// channel planes are R then G then B.  JPEG is lossy so allow a wide
	// tolerance
	for i := 0; i < 16; i++ {
		assert.InDelta(t, 1.0, pixels[i], 0.1, "red channel at %d", i)
		assert.InDelta(t, 0.0, pixels[16+i], 0.15, "green channel at %d", i)
		assert.InDelta(t, 0.0, pixels[32+i], 0.15, "blue channel at %d", i)
	}
}
