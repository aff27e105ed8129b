package yolov2

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	bnMomentum = 0.9
	bnEpsilon  = 1e-5
)

// convBlock holds the graph nodes of a single convolution layer and its
// batch normalisation parameters
type convBlock struct {
	name string
	// w is the convolution kernel with shape (out, in, k, k)
	w *G.Node
	// scale and shift are the batch norm gamma and beta, or nil and the
	// plain convolution bias for the final linear layer
	scale *G.Node
	shift *G.Node
	// bnOp is retained so the layer can be switched between training and
	// testing mode
	bnOp      *G.BatchNormOp
	batchNorm bool
	inCh      int
	outCh     int
	kernel    int
}

// Network is the YOLOv2 detection network, a Darknet-19 backbone with the
// passthrough detection head.  The raw output feature map has shape
// [N, B*(5+C), GridH, GridW] where B is the number of anchors and C the
// number of object classes
type Network struct {
	cfg       Config
	batchSize int

	g      *G.ExprGraph
	input  *G.Node
	output *G.Node

	// backbone layers in darknet weight file order
	backbone []*convBlock
	// head layers, never present in pretrained weight files
	head []*convBlock
}

// NewNetwork builds the YOLOv2 expression graph for the given model
// configuration and batch size.  Weights are Glorot initialised until
// overwritten by LoadDarknetWeights or LoadCheckpoint
func NewNetwork(cfg Config, batchSize int) (*Network, error) {

	if cfg.ImageWidth%cfg.GridWidth != 0 || cfg.ImageHeight%cfg.GridHeight != 0 {
		return nil, fmt.Errorf("input size %dx%d is not divisible by grid %dx%d",
			cfg.ImageWidth, cfg.ImageHeight, cfg.GridWidth, cfg.GridHeight)
	}

	if len(cfg.Anchors) == 0 || len(cfg.Anchors)%2 != 0 {
		return nil, fmt.Errorf("anchors must be (width, height) pairs, got %d values",
			len(cfg.Anchors))
	}

	if len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("at least one object class label is required")
	}

	n := &Network{
		cfg:       cfg,
		batchSize: batchSize,
		g:         G.NewGraph(),
	}

	n.input = G.NewTensor(n.g, tensor.Float32, 4,
		G.WithShape(batchSize, 3, cfg.ImageHeight, cfg.ImageWidth),
		G.WithName("input"))

	out, err := n.build()

	if err != nil {
		return nil, fmt.Errorf("error building network graph: %w", err)
	}

	n.output = out

	return n, nil
}

// build assembles the backbone and detection head.  The backbone is split
// after the last 512 channel layer so its 26x26 feature map can feed the
// passthrough branch
func (n *Network) build() (*G.Node, error) {

	// backbone channel plan, 3x3 and 1x1 kernels alternating in the
	// darknet-19 bottleneck sections.  pool marks a trailing 2x2 maxpool
	plan := []struct {
		out    int
		kernel int
		pool   bool
	}{
		{32, 3, true},
		{64, 3, true},
		{128, 3, false}, {64, 1, false}, {128, 3, true},
		{256, 3, false}, {128, 1, false}, {256, 3, true},
		{512, 3, false}, {256, 1, false}, {512, 3, false}, {256, 1, false}, {512, 3, false},
	}

	x := n.input
	in := 3

	var err error

	for i, p := range plan {
		x, err = n.convBNLeaky(&n.backbone, fmt.Sprintf("conv%d", i), x, in, p.out, p.kernel)

		if err != nil {
			return nil, err
		}

		if p.pool {
			if x, err = G.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); err != nil {
				return nil, err
			}
		}

		in = p.out
	}

	// 26x26x512 feature map feeding the passthrough branch
	route := x

	if x, err = G.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2}); err != nil {
		return nil, err
	}

	// final backbone section at 13x13
	tail := []struct {
		out    int
		kernel int
	}{
		{1024, 3}, {512, 1}, {1024, 3}, {512, 1}, {1024, 3},
	}

	in = 512

	for i, p := range tail {
		x, err = n.convBNLeaky(&n.backbone, fmt.Sprintf("conv%d", len(plan)+i), x, in, p.out, p.kernel)

		if err != nil {
			return nil, err
		}

		in = p.out
	}

	// detection head
	if x, err = n.convBNLeaky(&n.head, "det0", x, 1024, 1024, 3); err != nil {
		return nil, err
	}

	if x, err = n.convBNLeaky(&n.head, "det1", x, 1024, 1024, 3); err != nil {
		return nil, err
	}

	// passthrough: 1x1 downsample then space-to-depth so the high
	// resolution features line up with the 13x13 map
	pass, err := n.convBNLeaky(&n.head, "pass", route, 512, 64, 1)

	if err != nil {
		return nil, err
	}

	if pass, err = reorg(pass, 2); err != nil {
		return nil, fmt.Errorf("reorg: %w", err)
	}

	if x, err = G.Concat(1, pass, x); err != nil {
		return nil, err
	}

	if x, err = n.convBNLeaky(&n.head, "det2", x, 1280, 1024, 3); err != nil {
		return nil, err
	}

	// final linear 1x1 convolution down to B*(5+C) output channels
	outCh := n.cfg.NumAnchors() * (5 + n.cfg.NumClasses())

	return n.convLinear(&n.head, "detect", x, 1024, outCh, 1)
}

// convBNLeaky appends a convolution + batch norm + leaky ReLU block to the
// given layer list and returns its output node
func (n *Network) convBNLeaky(layers *[]*convBlock, name string, x *G.Node,
	inCh, outCh, kernel int) (*G.Node, error) {

	b := &convBlock{
		name:      name,
		batchNorm: true,
		inCh:      inCh,
		outCh:     outCh,
		kernel:    kernel,
	}

	b.w = G.NewTensor(n.g, tensor.Float32, 4,
		G.WithShape(outCh, inCh, kernel, kernel),
		G.WithName(name+"_w"), G.WithInit(G.GlorotN(1.0)))

	b.scale = G.NewTensor(n.g, tensor.Float32, 4,
		G.WithShape(1, outCh, 1, 1),
		G.WithName(name+"_gamma"), G.WithInit(G.Ones()))

	b.shift = G.NewTensor(n.g, tensor.Float32, 4,
		G.WithShape(1, outCh, 1, 1),
		G.WithName(name+"_beta"), G.WithInit(G.Zeroes()))

	pad := kernel / 2

	c, err := G.Conv2d(x, b.w, tensor.Shape{kernel, kernel},
		[]int{pad, pad}, []int{1, 1}, []int{1, 1})

	if err != nil {
		return nil, fmt.Errorf("%s conv: %w", name, err)
	}

	bn, _, _, op, err := G.BatchNorm(c, b.scale, b.shift, bnMomentum, bnEpsilon)

	if err != nil {
		return nil, fmt.Errorf("%s batchnorm: %w", name, err)
	}

	b.bnOp = op

	out, err := G.LeakyRelu(bn, 0.1)

	if err != nil {
		return nil, fmt.Errorf("%s leaky relu: %w", name, err)
	}

	*layers = append(*layers, b)

	return out, nil
}

// convLinear appends a plain biased convolution with no batch norm and no
// activation, used as the network's final prediction layer
func (n *Network) convLinear(layers *[]*convBlock, name string, x *G.Node,
	inCh, outCh, kernel int) (*G.Node, error) {

	b := &convBlock{
		name:   name,
		inCh:   inCh,
		outCh:  outCh,
		kernel: kernel,
	}

	b.w = G.NewTensor(n.g, tensor.Float32, 4,
		G.WithShape(outCh, inCh, kernel, kernel),
		G.WithName(name+"_w"), G.WithInit(G.GlorotN(1.0)))

	b.shift = G.NewTensor(n.g, tensor.Float32, 4,
		G.WithShape(1, outCh, 1, 1),
		G.WithName(name+"_b"), G.WithInit(G.Zeroes()))

	pad := kernel / 2

	c, err := G.Conv2d(x, b.w, tensor.Shape{kernel, kernel},
		[]int{pad, pad}, []int{1, 1}, []int{1, 1})

	if err != nil {
		return nil, fmt.Errorf("%s conv: %w", name, err)
	}

	out, err := G.BroadcastAdd(c, b.shift, nil, []byte{0, 2, 3})

	if err != nil {
		return nil, fmt.Errorf("%s bias: %w", name, err)
	}

	*layers = append(*layers, b)

	return out, nil
}

// reorg rearranges spatial blocks of stride*stride pixels into the channel
// dimension, turning a (N, C, H, W) map into (N, C*stride*stride, H/stride,
// W/stride).  Gorgonia has no native space-to-depth operation so it is
// expressed as a reshape/transpose chain
func reorg(x *G.Node, stride int) (*G.Node, error) {

	s := x.Shape()
	b, c, h, w := s[0], s[1], s[2], s[3]

	if h%stride != 0 || w%stride != 0 {
		return nil, fmt.Errorf("feature map %dx%d not divisible by stride %d", h, w, stride)
	}

	v, err := G.Reshape(x, tensor.Shape{b, c, h / stride, stride, w / stride, stride})

	if err != nil {
		return nil, err
	}

	if v, err = G.Transpose(v, 0, 1, 2, 4, 3, 5); err != nil {
		return nil, err
	}

	if v, err = G.Reshape(v, tensor.Shape{b, c, (h / stride) * (w / stride), stride * stride}); err != nil {
		return nil, err
	}

	if v, err = G.Transpose(v, 0, 1, 3, 2); err != nil {
		return nil, err
	}

	if v, err = G.Reshape(v, tensor.Shape{b, c, stride * stride, h / stride, w / stride}); err != nil {
		return nil, err
	}

	if v, err = G.Transpose(v, 0, 2, 1, 3, 4); err != nil {
		return nil, err
	}

	return G.Reshape(v, tensor.Shape{b, c * stride * stride, h / stride, w / stride})
}

// Graph returns the expression graph the network was built on
func (n *Network) Graph() *G.ExprGraph {
	return n.g
}

// Input returns the input tensor node with shape (N, 3, H, W)
func (n *Network) Input() *G.Node {
	return n.input
}

// Output returns the raw output feature map node with shape
// (N, B*(5+C), GridH, GridW)
func (n *Network) Output() *G.Node {
	return n.output
}

// Config returns the model configuration
func (n *Network) Config() Config {
	return n.cfg
}

// BatchSize returns the batch size the graph was built for
func (n *Network) BatchSize() int {
	return n.batchSize
}

// blocks returns all convolution layers in creation order
func (n *Network) blocks() []*convBlock {
	out := make([]*convBlock, 0, len(n.backbone)+len(n.head))
	out = append(out, n.backbone...)
	out = append(out, n.head...)
	return out
}

// Learnables returns every trainable tensor node in a stable order
func (n *Network) Learnables() G.Nodes {

	var nodes G.Nodes

	for _, b := range n.blocks() {
		nodes = append(nodes, b.w)

		if b.scale != nil {
			nodes = append(nodes, b.scale)
		}

		if b.shift != nil {
			nodes = append(nodes, b.shift)
		}
	}

	return nodes
}

// SetTraining switches every batch norm layer between batch statistics
// (training) and running statistics (testing)
func (n *Network) SetTraining(training bool) error {

	for _, b := range n.blocks() {
		if b.bnOp == nil {
			continue
		}

		if err := b.bnOp.SetTraining(training); err != nil {
			return fmt.Errorf("%s batchnorm mode: %w", b.name, err)
		}
	}

	return nil
}

// Predict runs a forward pass over a batch of images and returns the raw
// output feature map values.  The input tensor must have the shape the
// network was built with
func (n *Network) Predict(images tensor.Tensor) ([]float32, error) {

	if !images.Shape().Eq(n.input.Shape()) {
		return nil, fmt.Errorf("input shape %v does not match network input %v",
			images.Shape(), n.input.Shape())
	}

	if err := G.Let(n.input, images); err != nil {
		return nil, fmt.Errorf("error binding input: %w", err)
	}

	if err := n.SetTraining(false); err != nil {
		return nil, err
	}

	tm := G.NewTapeMachine(n.g)
	defer tm.Close()

	if err := tm.RunAll(); err != nil {
		return nil, fmt.Errorf("error running forward pass: %w", err)
	}

	raw := n.output.Value().Data().([]float32)

	// copy out so the caller's view survives the next run
	out := make([]float32, len(raw))
	copy(out, raw)

	return out, nil
}
