package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// anchorIoU is the IoU of two boxes of the given dimensions when centered
// on the same point.  This is the distance measure used for anchor
// clustering, position plays no part
func anchorIoU(w0, h0, w1, h1 float64) float64 {

	iw := w0

	if w1 < w0 {
		iw = w1
	}

	ih := h0

	if h1 < h0 {
		ih = h1
	}

	intersection := iw * ih
	union := w0*h0 + w1*h1 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// EstimateAnchors clusters the dataset's ground truth box dimensions into
// k anchor priors using k-means with 1-IoU as the distance measure.  The
// returned anchors are (width, height) pairs in grid cell units sorted by
// area, together with the mean IoU of every box against its assigned
// anchor which indicates how well the priors cover the dataset
func (d *Dataset) EstimateAnchors(k, gridW, gridH int, rng *rand.Rand) ([]float32, float64, error) {

	// collect box dimensions in grid units
	var ws, hs []float64

	cellW := float64(d.inputW) / float64(gridW)
	cellH := float64(d.inputH) / float64(gridH)

	for _, s := range d.samples {
		for _, b := range s.Boxes {
			ws = append(ws, float64(b.W)/cellW)
			hs = append(hs, float64(b.H)/cellH)
		}
	}

	if len(ws) < k {
		return nil, 0, errors.Errorf("dataset has %d boxes, need at least %d", len(ws), k)
	}

	// seed centroids from random distinct boxes
	centW := make([]float64, k)
	centH := make([]float64, k)

	for i, idx := range rng.Perm(len(ws))[:k] {
		centW[i] = ws[idx]
		centH[i] = hs[idx]
	}

	assign := make([]int, len(ws))

	const maxIter = 100

	for iter := 0; iter < maxIter; iter++ {

		changed := false

		// assignment step
		for i := range ws {

			best := 0
			bestIoU := anchorIoU(ws[i], hs[i], centW[0], centH[0])

			for c := 1; c < k; c++ {
				if iou := anchorIoU(ws[i], hs[i], centW[c], centH[c]); iou > bestIoU {
					best = c
					bestIoU = iou
				}
			}

			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}

		// update step, centroids move to the mean of their members
		for c := 0; c < k; c++ {

			var mw, mh []float64

			for i, a := range assign {
				if a == c {
					mw = append(mw, ws[i])
					mh = append(mh, hs[i])
				}
			}

			if len(mw) == 0 {
				// empty cluster, reseed from a random box
				idx := rng.Intn(len(ws))
				centW[c] = ws[idx]
				centH[c] = hs[idx]
				changed = true
				continue
			}

			centW[c] = floats.Sum(mw) / float64(len(mw))
			centH[c] = floats.Sum(mh) / float64(len(mh))
		}

		if !changed && iter > 0 {
			break
		}
	}

	// score coverage
	ious := make([]float64, len(ws))

	for i := range ws {
		ious[i] = anchorIoU(ws[i], hs[i], centW[assign[i]], centH[assign[i]])
	}

	meanIoU := stat.Mean(ious, nil)

	// order anchors by area, small to large
	order := make([]int, k)

	for i := range order {
		order[i] = i
	}

	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			if centW[order[j]]*centH[order[j]] < centW[order[i]]*centH[order[i]] {
				order[i], order[j] = order[j], order[i]
			}
		}
	}

	anchors := make([]float32, 0, k*2)

	for _, idx := range order {
		anchors = append(anchors, float32(centW[idx]), float32(centH[idx]))
	}

	return anchors, meanIoU, nil
}
