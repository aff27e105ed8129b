package yolov2

// Config defines the model geometry and the fixed hyper parameters of the
// YOLOv2 detection loss
type Config struct {
	// Anchors is the list of anchor box priors as (width, height) pairs
	// flattened into a single slice.  Values are in grid cell units
	Anchors []float32
	// Labels is the list of object class names the model is trained on
	Labels []string
	// ImageWidth is the pixel width of the network input
	ImageWidth int
	// ImageHeight is the pixel height of the network input
	ImageHeight int
	// GridWidth is the number of grid cells across the feature map
	GridWidth int
	// GridHeight is the number of grid cells down the feature map
	GridHeight int
	// ObjThreshold is the minimum confidence score required for a bounding
	// box to be kept during postprocessing
	ObjThreshold float32
	// NMSThreshold is the Non-Maximum Suppression threshold used for
	// defining the maximum allowed Intersection Over Union (IoU) between
	// two bounding boxes for both to be kept
	NMSThreshold float32
	// LambdaCoord is the loss weight applied to box coordinate errors of
	// anchors assigned to a ground truth object
	LambdaCoord float32
	// LambdaObject is the loss weight applied to confidence errors of
	// anchors assigned to a ground truth object
	LambdaObject float32
	// LambdaNoObject is the loss weight applied to confidence errors of
	// anchors with no object responsibility
	LambdaNoObject float32
	// LambdaClass is the loss weight applied to classification errors
	LambdaClass float32
	// MaxBoxes is the maximum number of ground truth boxes per image
	MaxBoxes int
}

// NumAnchors returns the number of anchor boxes per grid cell
func (c Config) NumAnchors() int {
	return len(c.Anchors) / 2
}

// NumClasses returns the number of object classes
func (c Config) NumClasses() int {
	return len(c.Labels)
}

// Stride returns the pixel width of a single grid cell
func (c Config) Stride() int {
	return c.ImageWidth / c.GridWidth
}

// StrideY returns the pixel height of a single grid cell
func (c Config) StrideY() int {
	return c.ImageHeight / c.GridHeight
}

// VOCConfig returns an instance of Config for a model trained on the
// Pascal VOC dataset featuring:
//   - Object Classes: 20
//   - Anchor Boxes: (1.32x1.73), (3.19x4.01), (5.06x8.10), (9.47x4.84),
//     (11.24x10.01) in grid cell units
//   - Input size: 416x416 pixels over a 13x13 grid
//   - Object Threshold: 0.6
//   - NMS Threshold: 0.4
func VOCConfig() Config {
	return Config{
		Anchors: []float32{
			1.3221, 1.73145,
			3.19275, 4.00944,
			5.05587, 8.09892,
			9.47112, 4.84053,
			11.2364, 10.0071,
		},
		Labels:         VOCLabels(),
		ImageWidth:     416,
		ImageHeight:    416,
		GridWidth:      13,
		GridHeight:     13,
		ObjThreshold:   0.6,
		NMSThreshold:   0.4,
		LambdaCoord:    1.0,
		LambdaObject:   5.0,
		LambdaNoObject: 1.0,
		LambdaClass:    1.0,
		MaxBoxes:       50,
	}
}
