package train

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	yolov2 "github.com/noitq/go-yolov2"
)

// lossGraph extends a network's expression graph with the YOLOv2 detection
// loss.  Targets and masks enter the graph as placeholder tensors filled
// per batch by targetSet, so the same compiled graph serves both the
// measuring pass and the training pass
type lossGraph struct {
	net *yolov2.Network

	// decoded predictions in grid units, shape (N, M)
	predX *G.Node
	predY *G.Node
	predW *G.Node
	predH *G.Node

	// placeholders
	tX          *G.Node
	tY          *G.Node
	tW          *G.Node
	tH          *G.Node
	coordMask   *G.Node
	confMask    *G.Node
	confTarget  *G.Node
	classTarget *G.Node
	nCoord      *G.Node
	nConf       *G.Node
	nClass      *G.Node

	// loss components
	lossXY    *G.Node
	lossWH    *G.Node
	lossConf  *G.Node
	lossClass *G.Node
	loss      *G.Node
}

// newLossGraph builds the loss sub graph on top of the network output.
// The output map (N, B*(5+C), S, S) is rearranged to (N, M, 5+C) with
// M = S*S*B so every predictor occupies one slot, then decoded:
//
//	bx = sigmoid(tx) + cellX     bw = exp(tw) * anchorW
//
// with cell offsets and anchor priors entering as constants
func newLossGraph(net *yolov2.Network, lambdaClass float32) (*lossGraph, error) {

	cfg := net.Config()
	g := net.Graph()

	n := net.BatchSize()
	gridW := cfg.GridWidth
	gridH := cfg.GridHeight
	numAnch := cfg.NumAnchors()
	classes := cfg.NumClasses()
	m := gridW * gridH * numAnch

	lg := &lossGraph{net: net}

	// rearrange the output feature map so the predictor attributes are the
	// innermost dimension
	perm, err := G.Transpose(net.Output(), 0, 2, 3, 1)

	if err != nil {
		return nil, errors.Wrap(err, "transposing output")
	}

	pred, err := G.Reshape(perm, tensor.Shape{n, m, 5 + classes})

	if err != nil {
		return nil, errors.Wrap(err, "reshaping output")
	}

	// slot aligned constants
	gridX := make([]float32, m)
	gridY := make([]float32, m)
	anchW := make([]float32, m)
	anchH := make([]float32, m)

	for cy := 0; cy < gridH; cy++ {
		for cx := 0; cx < gridW; cx++ {
			for a := 0; a < numAnch; a++ {
				slot := (cy*gridW+cx)*numAnch + a
				gridX[slot] = float32(cx)
				gridY[slot] = float32(cy)
				anchW[slot] = cfg.Anchors[a*2]
				anchH[slot] = cfg.Anchors[a*2+1]
			}
		}
	}

	cellX := constVec(g, "cell_x", gridX)
	cellY := constVec(g, "cell_y", gridY)
	anchorW := constVec(g, "anchor_w", anchW)
	anchorH := constVec(g, "anchor_h", anchH)

	// decode box centers
	sx, err := G.Sigmoid(G.Must(G.Slice(pred, nil, nil, G.S(0))))

	if err != nil {
		return nil, errors.Wrap(err, "decoding x")
	}

	if lg.predX, err = G.BroadcastAdd(sx, cellX, nil, []byte{0}); err != nil {
		return nil, errors.Wrap(err, "decoding x")
	}

	sy, err := G.Sigmoid(G.Must(G.Slice(pred, nil, nil, G.S(1))))

	if err != nil {
		return nil, errors.Wrap(err, "decoding y")
	}

	if lg.predY, err = G.BroadcastAdd(sy, cellY, nil, []byte{0}); err != nil {
		return nil, errors.Wrap(err, "decoding y")
	}

	// decode box sizes
	ew, err := G.Exp(G.Must(G.Slice(pred, nil, nil, G.S(2))))

	if err != nil {
		return nil, errors.Wrap(err, "decoding w")
	}

	if lg.predW, err = G.BroadcastHadamardProd(ew, anchorW, nil, []byte{0}); err != nil {
		return nil, errors.Wrap(err, "decoding w")
	}

	eh, err := G.Exp(G.Must(G.Slice(pred, nil, nil, G.S(3))))

	if err != nil {
		return nil, errors.Wrap(err, "decoding h")
	}

	if lg.predH, err = G.BroadcastHadamardProd(eh, anchorH, nil, []byte{0}); err != nil {
		return nil, errors.Wrap(err, "decoding h")
	}

	// objectness
	conf, err := G.Sigmoid(G.Must(G.Slice(pred, nil, nil, G.S(4))))

	if err != nil {
		return nil, errors.Wrap(err, "decoding confidence")
	}

	// raw class scores
	classScores, err := G.Slice(pred, nil, nil, G.S(5, 5+classes))

	if err != nil {
		return nil, errors.Wrap(err, "slicing class scores")
	}

	// placeholders
	lg.tX = placeholder(g, "t_x", n, m)
	lg.tY = placeholder(g, "t_y", n, m)
	lg.tW = placeholder(g, "t_w", n, m)
	lg.tH = placeholder(g, "t_h", n, m)
	lg.coordMask = placeholder(g, "coord_mask", n, m)
	lg.confMask = placeholder(g, "conf_mask", n, m)
	lg.confTarget = placeholder(g, "conf_target", n, m)

	lg.classTarget = G.NewTensor(g, tensor.Float32, 3,
		G.WithShape(n, m, classes), G.WithName("class_target"))

	lg.nCoord = G.NewScalar(g, tensor.Float32, G.WithName("n_coord"))
	lg.nConf = G.NewScalar(g, tensor.Float32, G.WithName("n_conf"))
	lg.nClass = G.NewScalar(g, tensor.Float32, G.WithName("n_class"))

	// coordinate losses
	sumX, err := maskedSquaredSum(lg.predX, lg.tX, lg.coordMask)

	if err != nil {
		return nil, errors.Wrap(err, "xy loss")
	}

	sumY, err := maskedSquaredSum(lg.predY, lg.tY, lg.coordMask)

	if err != nil {
		return nil, errors.Wrap(err, "xy loss")
	}

	if lg.lossXY, err = G.Div(G.Must(G.Add(sumX, sumY)), lg.nCoord); err != nil {
		return nil, errors.Wrap(err, "xy loss")
	}

	sumW, err := maskedSquaredSum(lg.predW, lg.tW, lg.coordMask)

	if err != nil {
		return nil, errors.Wrap(err, "wh loss")
	}

	sumH, err := maskedSquaredSum(lg.predH, lg.tH, lg.coordMask)

	if err != nil {
		return nil, errors.Wrap(err, "wh loss")
	}

	if lg.lossWH, err = G.Div(G.Must(G.Add(sumW, sumH)), lg.nCoord); err != nil {
		return nil, errors.Wrap(err, "wh loss")
	}

	// confidence loss
	sumConf, err := maskedSquaredSum(conf, lg.confTarget, lg.confMask)

	if err != nil {
		return nil, errors.Wrap(err, "confidence loss")
	}

	if lg.lossConf, err = G.Div(sumConf, lg.nConf); err != nil {
		return nil, errors.Wrap(err, "confidence loss")
	}

	// classification loss, cross entropy over the softmaxed scores against
	// the pre-masked one hot targets
	sm, err := G.SoftMax(classScores, 2)

	if err != nil {
		return nil, errors.Wrap(err, "class loss")
	}

	// epsilon keeps the log away from zero where targets are zero
	eps := G.NewConstant(float32(1e-10), G.In(g))

	logp, err := G.Log(G.Must(G.Add(sm, eps)))

	if err != nil {
		return nil, errors.Wrap(err, "class loss")
	}

	ce, err := G.HadamardProd(lg.classTarget, logp)

	if err != nil {
		return nil, errors.Wrap(err, "class loss")
	}

	nce, err := G.Neg(G.Must(G.Sum(ce)))

	if err != nil {
		return nil, errors.Wrap(err, "class loss")
	}

	perClass, err := G.Div(nce, lg.nClass)

	if err != nil {
		return nil, errors.Wrap(err, "class loss")
	}

	lambda := G.NewConstant(lambdaClass, G.In(g))

	if lg.lossClass, err = G.Mul(lambda, perClass); err != nil {
		return nil, errors.Wrap(err, "class loss")
	}

	// total
	coord, err := G.Add(lg.lossXY, lg.lossWH)

	if err != nil {
		return nil, errors.Wrap(err, "total loss")
	}

	rest, err := G.Add(lg.lossConf, lg.lossClass)

	if err != nil {
		return nil, errors.Wrap(err, "total loss")
	}

	if lg.loss, err = G.Add(coord, rest); err != nil {
		return nil, errors.Wrap(err, "total loss")
	}

	if _, err = G.Grad(lg.loss, net.Learnables()...); err != nil {
		return nil, errors.Wrap(err, "building gradients")
	}

	return lg, nil
}

// maskedSquaredSum computes sum(((a-b)*mask)^2).  The mask carries the
// loss weight so weighted terms scale with the square of their lambda
func maskedSquaredSum(a, b, mask *G.Node) (*G.Node, error) {

	diff, err := G.Sub(a, b)

	if err != nil {
		return nil, err
	}

	masked, err := G.HadamardProd(diff, mask)

	if err != nil {
		return nil, err
	}

	sq, err := G.Square(masked)

	if err != nil {
		return nil, err
	}

	return G.Sum(sq)
}

// placeholder declares a (n, m) float32 input tensor node
func placeholder(g *G.ExprGraph, name string, n, m int) *G.Node {
	return G.NewMatrix(g, tensor.Float32, G.WithShape(n, m), G.WithName(name))
}

// constVec wraps a slot aligned constant as a (1, m) tensor for
// broadcasting over the batch dimension
func constVec(g *G.ExprGraph, name string, data []float32) *G.Node {
	t := tensor.New(tensor.WithShape(1, len(data)), tensor.WithBacking(data))
	return G.NewConstant(t, G.In(g), G.WithName(name))
}

// feed binds the target set's current values to the placeholders
func (lg *lossGraph) feed(t *targetSet) error {

	n := lg.net.BatchSize()
	cfg := lg.net.Config()
	m := cfg.GridWidth * cfg.GridHeight * cfg.NumAnchors()

	binds := []struct {
		node *G.Node
		data []float32
	}{
		{lg.tX, t.tX},
		{lg.tY, t.tY},
		{lg.tW, t.tW},
		{lg.tH, t.tH},
		{lg.coordMask, t.coordMask},
		{lg.confMask, t.confMask},
		{lg.confTarget, t.confTarget},
	}

	for _, b := range binds {
		tt := tensor.New(tensor.WithShape(n, m), tensor.WithBacking(b.data))

		if err := G.Let(b.node, tt); err != nil {
			return errors.Wrapf(err, "binding %s", b.node.Name())
		}
	}

	ct := tensor.New(tensor.WithShape(n, m, cfg.NumClasses()),
		tensor.WithBacking(t.classTarget))

	if err := G.Let(lg.classTarget, ct); err != nil {
		return errors.Wrap(err, "binding class_target")
	}

	if err := G.Let(lg.nCoord, t.nCoord); err != nil {
		return errors.Wrap(err, "binding n_coord")
	}

	if err := G.Let(lg.nConf, t.nConf); err != nil {
		return errors.Wrap(err, "binding n_conf")
	}

	if err := G.Let(lg.nClass, t.nClass); err != nil {
		return errors.Wrap(err, "binding n_class")
	}

	return nil
}

// predictions copies the decoded box values of the last run
func (lg *lossGraph) predictions() predictions {
	return predictions{
		x: copyValue(lg.predX),
		y: copyValue(lg.predY),
		w: copyValue(lg.predW),
		h: copyValue(lg.predH),
	}
}

// losses returns the component values of the last run as
// (xy, wh, conf, class, total)
func (lg *lossGraph) losses() (float32, float32, float32, float32, float32) {
	return scalarValue(lg.lossXY), scalarValue(lg.lossWH),
		scalarValue(lg.lossConf), scalarValue(lg.lossClass),
		scalarValue(lg.loss)
}

func copyValue(n *G.Node) []float32 {
	data := n.Value().Data().([]float32)
	out := make([]float32, len(data))
	copy(out, data)
	return out
}

func scalarValue(n *G.Node) float32 {
	return n.Value().Data().(float32)
}
