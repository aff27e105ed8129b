package train

import (
	"github.com/chewxy/math32"

	"github.com/noitq/go-yolov2/dataset"
)

// the loss normalisation counts carry a small epsilon so empty masks can
// not divide by zero
const countEpsilon = 1e-6

// noObjIoUThreshold is the IoU against any ground truth box above which an
// unassigned predictor escapes the no-object confidence penalty
const noObjIoUThreshold = 0.6

// BestAnchorFinder selects the anchor prior that best matches a ground
// truth box shape.  Boxes are compared centered on the origin so only
// width and height take part
type BestAnchorFinder struct {
	anchors []float32
}

// NewBestAnchorFinder returns a finder over the given (width, height)
// anchor pairs in grid cell units
func NewBestAnchorFinder(anchors []float32) *BestAnchorFinder {
	return &BestAnchorFinder{anchors: anchors}
}

// Find returns the index of the anchor with the highest IoU against a box
// of the given dimensions, and that IoU
func (f *BestAnchorFinder) Find(w, h float32) (int, float32) {

	best := 0
	bestIoU := float32(-1)

	for i := 0; i < len(f.anchors)/2; i++ {

		iou := shapeIoU(w, h, f.anchors[i*2], f.anchors[i*2+1])

		if iou > bestIoU {
			best = i
			bestIoU = iou
		}
	}

	return best, bestIoU
}

// shapeIoU is the IoU of two origin centered boxes
func shapeIoU(w0, h0, w1, h1 float32) float32 {

	iw := math32.Min(w0, w1)
	ih := math32.Min(h0, h1)

	intersection := iw * ih
	union := w0*h0 + w1*h1 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// boxIoU is the IoU of two center format boxes in continuous coordinates
func boxIoU(x0, y0, w0, h0, x1, y1, w1, h1 float32) float32 {

	iw := math32.Min(x0+w0/2, x1+w1/2) - math32.Max(x0-w0/2, x1-w1/2)
	ih := math32.Min(y0+h0/2, y1+h1/2) - math32.Max(y0-h0/2, y1-h1/2)

	if iw <= 0 || ih <= 0 {
		return 0
	}

	intersection := iw * ih
	union := w0*h0 + w1*h1 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// targetSet holds the per batch loss target and mask tensors fed into the
// training graph.  Slot layout across the M = gridH*gridW*B dimension is
// (cellY*gridW + cellX)*B + anchor, matching the graph's reshape of the
// network output
type targetSet struct {
	gridW    int
	gridH    int
	numAnch  int
	classes  int
	maxBoxes int

	lambdaCoord    float32
	lambdaObject   float32
	lambdaNoObject float32

	// cell dimensions in input pixels, used to scale ground truth
	cellW float32
	cellH float32

	finder *BestAnchorFinder

	// placeholder backings, all length N*M except classTarget (N*M*C)
	tX          []float32
	tY          []float32
	tW          []float32
	tH          []float32
	coordMask   []float32
	confMask    []float32
	confTarget  []float32
	classTarget []float32

	nCoord float32
	nConf  float32
	nClass float32
}

// newTargetSet allocates the target backings for a fixed batch size
func newTargetSet(batchSize, gridW, gridH, numAnch, classes, maxBoxes int,
	cellW, cellH, lambdaCoord, lambdaObject, lambdaNoObject float32,
	finder *BestAnchorFinder) *targetSet {

	m := gridW * gridH * numAnch

	return &targetSet{
		gridW:          gridW,
		gridH:          gridH,
		numAnch:        numAnch,
		classes:        classes,
		maxBoxes:       maxBoxes,
		lambdaCoord:    lambdaCoord,
		lambdaObject:   lambdaObject,
		lambdaNoObject: lambdaNoObject,
		cellW:          cellW,
		cellH:          cellH,
		finder:         finder,
		tX:             make([]float32, batchSize*m),
		tY:             make([]float32, batchSize*m),
		tW:             make([]float32, batchSize*m),
		tH:             make([]float32, batchSize*m),
		coordMask:      make([]float32, batchSize*m),
		confMask:       make([]float32, batchSize*m),
		confTarget:     make([]float32, batchSize*m),
		classTarget:    make([]float32, batchSize*m*classes),
	}
}

// zero clears every target and mask.  Feeding a zeroed set produces a zero
// gradient pass, used to measure predictions before assignment
func (t *targetSet) zero() {

	for _, s := range [][]float32{
		t.tX, t.tY, t.tW, t.tH,
		t.coordMask, t.confMask, t.confTarget, t.classTarget,
	} {
		for i := range s {
			s[i] = 0
		}
	}

	t.nCoord = countEpsilon
	t.nConf = countEpsilon
	t.nClass = countEpsilon
}

// predictions is the decoded box view of a measuring pass, all slices have
// length N*M and values are in grid units
type predictions struct {
	x []float32
	y []float32
	w []float32
	h []float32
}

// build fills the target set from the batch ground truth.  Each object is
// assigned to the cell holding its center and the anchor whose shape best
// matches it.  Confidence targets are the IoU between the current
// prediction at the assigned slot and the truth box, and predictors whose
// best IoU against every truth box is below the no-object threshold are
// penalised towards zero confidence
func (t *targetSet) build(boxes [][]dataset.Box, pred predictions) {

	t.zero()

	m := t.gridW * t.gridH * t.numAnch

	for n, imgBoxes := range boxes {

		if len(imgBoxes) > t.maxBoxes {
			imgBoxes = imgBoxes[:t.maxBoxes]
		}

		base := n * m

		// assign ground truth objects
		assigned := make(map[int]bool, len(imgBoxes))

		// truth boxes in grid units for the no-object sweep
		truth := make([][4]float32, 0, len(imgBoxes))

		for _, b := range imgBoxes {

			gx := b.X / t.cellW
			gy := b.Y / t.cellH
			gw := b.W / t.cellW
			gh := b.H / t.cellH

			if gw <= 0 || gh <= 0 {
				continue
			}

			truth = append(truth, [4]float32{gx, gy, gw, gh})

			cx := int(gx)
			cy := int(gy)

			if cx >= t.gridW {
				cx = t.gridW - 1
			}

			if cy >= t.gridH {
				cy = t.gridH - 1
			}

			anchor, _ := t.finder.Find(gw, gh)
			slot := base + (cy*t.gridW+cx)*t.numAnch + anchor

			// slots are counted once even when objects collide on the
			// same cell and anchor, the later object then owns the slot
			if !assigned[slot] {
				assigned[slot] = true
				t.nCoord++
				t.nClass++
			}

			t.tX[slot] = gx
			t.tY[slot] = gy
			t.tW[slot] = gw
			t.tH[slot] = gh

			t.coordMask[slot] = t.lambdaCoord
			t.confMask[slot] = t.lambdaObject
			t.confTarget[slot] = boxIoU(
				pred.x[slot], pred.y[slot], pred.w[slot], pred.h[slot],
				gx, gy, gw, gh)

			for c := 0; c < t.classes; c++ {
				t.classTarget[slot*t.classes+c] = 0
			}

			t.classTarget[slot*t.classes+b.Class] = 1
		}

		// no-object sweep over every predictor of this image
		for slot := base; slot < base+m; slot++ {

			if assigned[slot] {
				continue
			}

			bestIoU := float32(0)

			for _, tb := range truth {
				iou := boxIoU(pred.x[slot], pred.y[slot], pred.w[slot], pred.h[slot],
					tb[0], tb[1], tb[2], tb[3])

				if iou > bestIoU {
					bestIoU = iou
				}
			}

			if bestIoU < noObjIoUThreshold {
				t.confMask[slot] = t.lambdaNoObject
			}
		}
	}

	// count the confidence contributors
	for _, v := range t.confMask {
		if v > 0 {
			t.nConf++
		}
	}
}
