// Package dataset loads Pascal VOC style object detection datasets from
// the filesystem: directories of JPEG images paired with XML annotation
// files.  Ground truth boxes are scaled to network input pixel units when
// samples are loaded.
package dataset

import (
	"encoding/xml"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Box is a single ground truth object with its center position and size in
// network input pixel units
type Box struct {
	X     float32
	Y     float32
	W     float32
	H     float32
	Class int
}

// Sample pairs an image file with its parsed annotation
type Sample struct {
	// ImagePath is the path to the JPEG image file
	ImagePath string
	// Boxes are the annotated objects scaled to input pixel units
	Boxes []Box
}

// Dataset is an in-memory index of a VOC style dataset directory.
// Annotations are parsed up front, image pixels are only read when a batch
// is materialised
type Dataset struct {
	samples []Sample
	inputW  int
	inputH  int
	// perm is the current sample ordering, reshuffled per epoch
	perm []int
}

// annotation mirrors the Pascal VOC XML annotation format
type annotation struct {
	XMLName xml.Name `xml:"annotation"`
	Size    struct {
		Width  int `xml:"width"`
		Height int `xml:"height"`
	} `xml:"size"`
	Objects []struct {
		Name   string `xml:"name"`
		BndBox struct {
			XMin float32 `xml:"xmin"`
			YMin float32 `xml:"ymin"`
			XMax float32 `xml:"xmax"`
			YMax float32 `xml:"ymax"`
		} `xml:"bndbox"`
	} `xml:"object"`
}

// Load scans dir for XML annotation files, parses each one and pairs it
// with its image file of the same base name.  Object class names are
// resolved against labels, annotations naming unknown classes are an error
func Load(dir string, labels []string, inputW, inputH int) (*Dataset, error) {

	entries, err := os.ReadDir(dir)

	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset directory %s", dir)
	}

	classIdx := make(map[string]int, len(labels))

	for i, name := range labels {
		classIdx[name] = i
	}

	d := &Dataset{
		inputW: inputW,
		inputH: inputH,
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".xml" {
			continue
		}

		xmlPath := filepath.Join(dir, entry.Name())

		sample, err := loadSample(xmlPath, classIdx, inputW, inputH)

		if err != nil {
			return nil, errors.Wrapf(err, "annotation %s", xmlPath)
		}

		d.samples = append(d.samples, sample)
	}

	if len(d.samples) == 0 {
		return nil, errors.Errorf("no annotations found in %s", dir)
	}

	// deterministic base ordering
	sort.Slice(d.samples, func(i, j int) bool {
		return d.samples[i].ImagePath < d.samples[j].ImagePath
	})

	d.perm = make([]int, len(d.samples))

	for i := range d.perm {
		d.perm[i] = i
	}

	return d, nil
}

// loadSample parses a single annotation file and scales its boxes from
// source image pixels to network input pixels
func loadSample(xmlPath string, classIdx map[string]int, inputW, inputH int) (Sample, error) {

	raw, err := os.ReadFile(xmlPath)

	if err != nil {
		return Sample{}, errors.Wrap(err, "reading file")
	}

	var ann annotation

	if err := xml.Unmarshal(raw, &ann); err != nil {
		return Sample{}, errors.Wrap(err, "parsing xml")
	}

	if ann.Size.Width <= 0 || ann.Size.Height <= 0 {
		return Sample{}, errors.Errorf("invalid image size %dx%d",
			ann.Size.Width, ann.Size.Height)
	}

	imgPath := strings.TrimSuffix(xmlPath, ".xml") + ".jpg"

	if _, err := os.Stat(imgPath); err != nil {
		return Sample{}, errors.Wrapf(err, "image file %s", imgPath)
	}

	scaleX := float32(inputW) / float32(ann.Size.Width)
	scaleY := float32(inputH) / float32(ann.Size.Height)

	s := Sample{ImagePath: imgPath}

	for _, obj := range ann.Objects {

		class, ok := classIdx[obj.Name]

		if !ok {
			return Sample{}, errors.Errorf("unknown object class %q", obj.Name)
		}

		b := obj.BndBox

		s.Boxes = append(s.Boxes, Box{
			X:     (b.XMin + b.XMax) / 2.0 * scaleX,
			Y:     (b.YMin + b.YMax) / 2.0 * scaleY,
			W:     (b.XMax - b.XMin) * scaleX,
			H:     (b.YMax - b.YMin) * scaleY,
			Class: class,
		})
	}

	return s, nil
}

// Len returns the number of samples in the dataset
func (d *Dataset) Len() int {
	return len(d.samples)
}

// NumBatches returns the number of complete batches of the given size.
// The trailing partial batch is dropped as the network graph is built for
// a fixed batch size
func (d *Dataset) NumBatches(batchSize int) int {
	return len(d.samples) / batchSize
}

// Shuffle randomises the sample ordering used by Batch
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(d.perm), func(i, j int) {
		d.perm[i], d.perm[j] = d.perm[j], d.perm[i]
	})
}

// Samples returns all samples in their base ordering
func (d *Dataset) Samples() []Sample {
	return d.samples
}

// Batch holds one batch of training data
type Batch struct {
	// Images is the image tensor with shape (N, 3, H, W), values in [0, 1]
	Images tensor.Tensor
	// Boxes holds the ground truth boxes for each image in input pixels
	Boxes [][]Box
	// Samples are the source samples in batch order
	Samples []Sample
}

// Batch materialises the idx'th batch of the current epoch ordering,
// reading and decoding the image files
func (d *Dataset) Batch(idx, batchSize int) (*Batch, error) {

	if idx < 0 || idx >= d.NumBatches(batchSize) {
		return nil, errors.Errorf("batch index %d out of range", idx)
	}

	backing := make([]float32, batchSize*3*d.inputH*d.inputW)
	imgLen := 3 * d.inputH * d.inputW

	b := &Batch{
		Boxes:   make([][]Box, batchSize),
		Samples: make([]Sample, batchSize),
	}

	for i := 0; i < batchSize; i++ {

		s := d.samples[d.perm[idx*batchSize+i]]

		if err := loadImageInto(s.ImagePath, d.inputW, d.inputH,
			backing[i*imgLen:(i+1)*imgLen]); err != nil {
			return nil, errors.Wrapf(err, "loading image %s", s.ImagePath)
		}

		b.Boxes[i] = s.Boxes
		b.Samples[i] = s
	}

	b.Images = tensor.New(
		tensor.WithShape(batchSize, 3, d.inputH, d.inputW),
		tensor.WithBacking(backing))

	return b, nil
}
