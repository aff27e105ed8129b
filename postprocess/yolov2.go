package postprocess

import (
	"sync"

	"github.com/chewxy/math32"

	"github.com/noitq/go-yolov2/postprocess/result"
)

// YOLOv2 defines the struct for YOLOv2 model inference post processing
type YOLOv2 struct {
	// Params are the Model configuration parameters
	Params YOLOv2Params
	// idGen is the counter that increments and provides the next number
	// for each detection result ID
	idGen *result.IDGenerator
	// bufPool recycles the intermediate box buffers between calls
	bufPool sync.Pool
}

// YOLOv2Params defines the struct containing the YOLOv2 parameters to use
// for post processing operations
type YOLOv2Params struct {
	// Anchors is the list of anchor box priors as (width, height) pairs in
	// grid cell units, flattened into a single slice
	Anchors []float32
	// BoxThreshold is the minimum confidence score required for a bounding
	// box region to be considered for processing
	BoxThreshold float32
	// NMSThreshold is the Non-Maximum Suppression threshold used for
	// defining the maximum allowed Intersection Over Union (IoU) between
	// two bounding boxes for both to be kept
	NMSThreshold float32
	// ObjectClassNum is the number of different object classes the Model
	// has been trained with
	ObjectClassNum int
	// InputWidth and InputHeight are the pixel dimensions of the network
	// input image
	InputWidth  int
	InputHeight int
	// GridWidth and GridHeight are the feature map dimensions in cells
	GridWidth  int
	GridHeight int
	// MaxObjectNumber is the maximum number of objects detected that can be
	// returned
	MaxObjectNumber int
}

// YOLOv2VOCParams returns an instance of YOLOv2Params configured with
// default values for a Model trained on the Pascal VOC dataset featuring:
//   - Object Classes: 20
//   - Anchor Boxes: (1.32x1.73), (3.19x4.01), (5.06x8.10), (9.47x4.84),
//     (11.24x10.01) in grid cell units
//   - Box Threshold: 0.6
//   - NMS Threshold: 0.4
//   - Maximum Object Number: 64
func YOLOv2VOCParams() YOLOv2Params {
	return YOLOv2Params{
		Anchors: []float32{
			1.3221, 1.73145,
			3.19275, 4.00944,
			5.05587, 8.09892,
			9.47112, 4.84053,
			11.2364, 10.0071,
		},
		BoxThreshold:    0.6,
		NMSThreshold:    0.4,
		ObjectClassNum:  20,
		InputWidth:      416,
		InputHeight:     416,
		GridWidth:       13,
		GridHeight:      13,
		MaxObjectNumber: 64,
	}
}

// NewYOLOv2 returns an instance of the YOLOv2 post processor
func NewYOLOv2(p YOLOv2Params) *YOLOv2 {
	y := &YOLOv2{
		Params: p,
		idGen:  result.NewIDGenerator(),
	}

	y.bufPool.New = func() any {
		return &boxData{}
	}

	return y
}

// boxData holds the candidate boxes that survive the confidence filter
// during a single detection pass
type boxData struct {
	// filterBoxes is a slice of all objects detected's bounding box
	// parameters as (x, y, w, h) with x, y the top left corner in pixels
	filterBoxes []float32
	// objProbs is a slice of all the object probabilities detected
	objProbs []float32
	// classID is a slice of all the object class ID's detected.  These
	// correspond to the index/line of the name in the dataset labels
	classID []int
	// scratch holds the per anchor class scores during decoding
	scratch []float32
}

// reset empties the buffers for reuse
func (b *boxData) reset(classNum int) {
	b.filterBoxes = b.filterBoxes[:0]
	b.objProbs = b.objProbs[:0]
	b.classID = b.classID[:0]

	if cap(b.scratch) < classNum {
		b.scratch = make([]float32, classNum)
	}
}

// YOLOv2Result is a wrapper of detection results used to implement the
// DetectionResult interface
type YOLOv2Result struct {
	DetectResults []result.DetectResult
}

// GetDetectResults returns the object detection results containing bounding
// boxes
func (r YOLOv2Result) GetDetectResults() []result.DetectResult {
	return r.DetectResults
}

// DetectObjects takes the raw output feature map of a single image, with
// shape (B*(5+C), GridH, GridW) flattened channel major, and runs the
// object detection process then returns the results
func (y *YOLOv2) DetectObjects(raw []float32) result.DetectionResult {

	data := y.bufPool.Get().(*boxData)
	defer y.bufPool.Put(data)

	data.reset(y.Params.ObjectClassNum)

	validCount := y.decodeGrid(raw, data)

	if validCount <= 0 {
		// no object detected
		return YOLOv2Result{}
	}

	// indexArray is used to keep an index of detect objects contained in
	// the "data" buffers
	indexArray := make([]int, validCount)

	for i := 0; i < validCount; i++ {
		indexArray[i] = i
	}

	quickSortIndiceInverse(data.objProbs, 0, validCount-1, indexArray)

	// create a unique set of ClassID (ie: eliminate any multiples found)
	classSet := make(map[int]bool)

	for _, id := range data.classID {
		classSet[id] = true
	}

	// for each classID in the classSet calculate the NMS
	for c := range classSet {
		nms(validCount, data.filterBoxes, data.classID, indexArray, c,
			y.Params.NMSThreshold)
	}

	// collate objects into a result for returning
	group := make([]result.DetectResult, 0)
	lastCount := 0

	width := uint32(y.Params.InputWidth)
	height := uint32(y.Params.InputHeight)

	for i := 0; i < validCount; i++ {
		if indexArray[i] == -1 || lastCount >= y.Params.MaxObjectNumber {
			continue
		}
		n := indexArray[i]

		x1 := data.filterBoxes[n*4+0]
		y1 := data.filterBoxes[n*4+1]
		x2 := x1 + data.filterBoxes[n*4+2]
		y2 := y1 + data.filterBoxes[n*4+3]

		res := result.DetectResult{
			Box: result.BoxRect{
				Left:   int(clamp(x1, 0, width)),
				Top:    int(clamp(y1, 0, height)),
				Right:  int(clamp(x2, 0, width)),
				Bottom: int(clamp(y2, 0, height)),
			},
			Probability: data.objProbs[i],
			Class:       data.classID[n],
			ID:          y.idGen.GetNext(),
		}

		group = append(group, res)
		lastCount++
	}

	return YOLOv2Result{DetectResults: group}
}

// decodeGrid walks every grid cell and anchor of the feature map, converts
// the raw regression values into absolute pixel boxes and keeps those above
// the confidence threshold.  Box centers are offset by their cell position
// and sizes scale their anchor prior:
//
//	bx = (sigmoid(tx) + cellX) * stride
//	bw = exp(tw) * anchorW * stride
func (y *YOLOv2) decodeGrid(input []float32, data *boxData) int {

	gridW := y.Params.GridWidth
	gridH := y.Params.GridHeight
	gridLen := gridW * gridH
	boxSize := 5 + y.Params.ObjectClassNum
	numAnchors := len(y.Params.Anchors) / 2

	strideW := float32(y.Params.InputWidth) / float32(gridW)
	strideH := float32(y.Params.InputHeight) / float32(gridH)

	validCount := 0

	for a := 0; a < numAnchors; a++ {
		for i := 0; i < gridH; i++ {
			for j := 0; j < gridW; j++ {

				// starting index into input for this anchor and cell
				inPtr := (boxSize*a)*gridLen + i*gridW + j

				boxConfidence := sigmoid(input[inPtr+4*gridLen])

				if boxConfidence < y.Params.BoxThreshold {
					continue
				}

				boxX := (sigmoid(input[inPtr]) + float32(j)) * strideW
				boxY := (sigmoid(input[inPtr+gridLen]) + float32(i)) * strideH
				boxW := math32.Exp(input[inPtr+2*gridLen]) * y.Params.Anchors[a*2] * strideW
				boxH := math32.Exp(input[inPtr+3*gridLen]) * y.Params.Anchors[a*2+1] * strideH
				boxX -= boxW / 2.0
				boxY -= boxH / 2.0

				// class probabilities
				scores := data.scratch[:y.Params.ObjectClassNum]

				for k := range scores {
					scores[k] = input[inPtr+(5+k)*gridLen]
				}

				softmax(scores)

				maxClassID := 0
				maxClassProbs := scores[0]

				for k := 1; k < y.Params.ObjectClassNum; k++ {
					if scores[k] > maxClassProbs {
						maxClassID = k
						maxClassProbs = scores[k]
					}
				}

				data.objProbs = append(data.objProbs, maxClassProbs*boxConfidence)
				data.classID = append(data.classID, maxClassID)
				data.filterBoxes = append(data.filterBoxes, boxX, boxY, boxW, boxH)
				validCount++
			}
		}
	}

	return validCount
}
