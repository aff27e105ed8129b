package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	yolov2 "github.com/noitq/go-yolov2"
	"github.com/noitq/go-yolov2/dataset"
)

// smallConfig returns the smallest geometry the backbone supports: a
// 32x32 input over a single grid cell, one anchor and three classes
func smallConfig() yolov2.Config {
	return yolov2.Config{
		Anchors:        []float32{1.0, 1.0},
		Labels:         []string{"cat", "dog", "bird"},
		ImageWidth:     32,
		ImageHeight:    32,
		GridWidth:      1,
		GridHeight:     1,
		ObjThreshold:   0.6,
		NMSThreshold:   0.4,
		LambdaCoord:    1.0,
		LambdaObject:   5.0,
		LambdaNoObject: 1.0,
		LambdaClass:    2.0,
		MaxBoxes:       50,
	}
}

func sigmoid64(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func TestLossGraph(t *testing.T) {

	cfg := smallConfig()

	net, err := yolov2.NewNetwork(cfg, 1)
	require.NoError(t, err)

	lg, err := newLossGraph(net, cfg.LambdaClass)
	require.NoError(t, err)

	ts := newTargetSet(1, 1, 1, 1, 3, cfg.MaxBoxes,
		32, 32, cfg.LambdaCoord, cfg.LambdaObject, cfg.LambdaNoObject,
		NewBestAnchorFinder(cfg.Anchors))

	machine := G.NewTapeMachine(net.Graph(), G.BindDualValues(net.Learnables()...))
	defer machine.Close()

	backing := make([]float32, 3*32*32)

	for i := range backing {
		backing[i] = float32(i%7) / 10.0
	}

	input := tensor.New(tensor.WithShape(1, 3, 32, 32), tensor.WithBacking(backing))
	require.NoError(t, G.Let(net.Input(), input))
	require.NoError(t, net.SetTraining(true))

	// measuring pass: zeroed targets and masks must produce a zero loss
	ts.zero()
	require.NoError(t, lg.feed(ts))
	require.NoError(t, machine.RunAll())

	xy, wh, conf, class, total := lg.losses()

	assert.InDelta(t, 0, xy, 1e-6)
	assert.InDelta(t, 0, wh, 1e-6)
	assert.InDelta(t, 0, conf, 1e-6)
	assert.InDelta(t, 0, class, 1e-6)
	assert.InDelta(t, 0, total, 1e-6)

	pred := lg.predictions()

	// the raw output feature map of the single predictor: tx, ty, tw, th,
	// objectness and three class scores
	rawVal := net.Output().Value().Data().([]float32)
	require.Len(t, rawVal, 8)

	raw := make([]float64, len(rawVal))

	for i, v := range rawVal {
		raw[i] = float64(v)
	}

	// the decoded predictions match a host side decode of the raw output,
	// with a zero cell offset and a unit anchor
	assert.InDelta(t, sigmoid64(raw[0]), float64(pred.x[0]), 1e-4)
	assert.InDelta(t, sigmoid64(raw[1]), float64(pred.y[0]), 1e-4)
	assert.InDelta(t, math.Exp(raw[2]), float64(pred.w[0]), 1e-3)
	assert.InDelta(t, math.Exp(raw[3]), float64(pred.h[0]), 1e-3)

	machine.Reset()

	// training pass: one 16x16 object of class 1 centered at (16, 16),
	// which is (0.5, 0.5, 0.5, 0.5) in grid units, in the only slot
	boxes := [][]dataset.Box{
		{{X: 16, Y: 16, W: 16, H: 16, Class: 1}},
	}

	ts.build(boxes, pred)
	require.NoError(t, lg.feed(ts))
	require.NoError(t, machine.RunAll())

	xy, wh, conf, class, total = lg.losses()

	px := sigmoid64(raw[0])
	py := sigmoid64(raw[1])
	pw := math.Exp(raw[2])
	ph := math.Exp(raw[3])
	pc := sigmoid64(raw[4])

	// every count is one contributing slot plus the epsilon
	n := 1.0 + 1e-6

	wantXY := ((px-0.5)*(px-0.5) + (py-0.5)*(py-0.5)) / n
	wantWH := ((pw-0.5)*(pw-0.5) + (ph-0.5)*(ph-0.5)) / n

	// confidence target is the IoU of the decoded prediction against the
	// truth box, weighted by the object lambda inside the mask
	iou := float64(boxIoU(pred.x[0], pred.y[0], pred.w[0], pred.h[0],
		0.5, 0.5, 0.5, 0.5))
	d := (pc - iou) * 5.0
	wantConf := d * d / n

	// class loss is the lambda weighted cross entropy of the softmaxed
	// scores against the one hot row
	max := math.Max(raw[5], math.Max(raw[6], raw[7]))

	var sum float64
	sm := make([]float64, 3)

	for i := range sm {
		sm[i] = math.Exp(raw[5+i] - max)
		sum += sm[i]
	}

	wantClass := 2.0 * -math.Log(sm[1]/sum+1e-10) / n

	tol := func(want float64) float64 {
		return math.Abs(want)*1e-3 + 1e-4
	}

	assert.InDelta(t, wantXY, float64(xy), tol(wantXY))
	assert.InDelta(t, wantWH, float64(wh), tol(wantWH))
	assert.InDelta(t, wantConf, float64(conf), tol(wantConf))
	assert.InDelta(t, wantClass, float64(class), tol(wantClass))

	assert.InDelta(t, float64(xy+wh+conf+class), float64(total), 1e-5)
}
