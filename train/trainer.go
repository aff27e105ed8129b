package train

import (
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	G "gorgonia.org/gorgonia"

	yolov2 "github.com/noitq/go-yolov2"
	"github.com/noitq/go-yolov2/dataset"
	"github.com/noitq/go-yolov2/logger"
	"github.com/noitq/go-yolov2/postprocess"
	"github.com/noitq/go-yolov2/render"
)

// Trainer drives the training of a YOLOv2 network over a dataset.
// Execution is single threaded and synchronous, one batch at a time
type Trainer struct {
	cfg Config
	net *yolov2.Network
	ds  *dataset.Dataset

	lg         *lossGraph
	machine    G.VM
	solver     G.Solver
	learnables G.Nodes
	targets    *targetSet

	post *postprocess.YOLOv2

	metrics *MetricsWriter
	rng     *rand.Rand

	startEpoch int
	globalStep int
}

// stepLosses holds the loss component values of a single training step
type stepLosses struct {
	XY    float32
	WH    float32
	Conf  float32
	Class float32
	Total float32
}

// NewTrainer wires a network and dataset into a training session.  The
// network must have been built with the config's batch size.  Pretrained
// backbone weights and checkpoint resume are applied here when configured
func NewTrainer(net *yolov2.Network, ds *dataset.Dataset, cfg Config) (*Trainer, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if net.BatchSize() != cfg.BatchSize {
		return nil, errors.Errorf("network batch size %d does not match config batch size %d",
			net.BatchSize(), cfg.BatchSize)
	}

	mcfg := net.Config()

	for _, dir := range []string{cfg.CheckpointDir, cfg.RenderDir} {
		if dir == "" {
			continue
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating directory %s", dir)
		}
	}

	if cfg.DarknetWeights != "" {
		if err := net.LoadDarknetWeights(cfg.DarknetWeights); err != nil {
			return nil, errors.Wrap(err, "loading pretrained weights")
		}
	}

	startEpoch := 0

	if cfg.Resume != "" {
		epoch, err := net.LoadCheckpoint(cfg.Resume)

		if err != nil {
			return nil, errors.Wrap(err, "resuming from checkpoint")
		}

		startEpoch = epoch + 1
	}

	lg, err := newLossGraph(net, mcfg.LambdaClass)

	if err != nil {
		return nil, errors.Wrap(err, "building loss graph")
	}

	learnables := net.Learnables()

	t := &Trainer{
		cfg:        cfg,
		net:        net,
		ds:         ds,
		lg:         lg,
		machine:    G.NewTapeMachine(net.Graph(), G.BindDualValues(learnables...)),
		solver:     G.NewAdamSolver(G.WithLearnRate(cfg.LearningRate), G.WithBatchSize(float64(cfg.BatchSize))),
		learnables: learnables,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		startEpoch: startEpoch,
	}

	t.targets = newTargetSet(cfg.BatchSize,
		mcfg.GridWidth, mcfg.GridHeight, mcfg.NumAnchors(), mcfg.NumClasses(), mcfg.MaxBoxes,
		float32(mcfg.Stride()), float32(mcfg.StrideY()),
		mcfg.LambdaCoord, mcfg.LambdaObject, mcfg.LambdaNoObject,
		NewBestAnchorFinder(mcfg.Anchors))

	t.post = postprocess.NewYOLOv2(postprocess.YOLOv2Params{
		Anchors:         mcfg.Anchors,
		BoxThreshold:    mcfg.ObjThreshold,
		NMSThreshold:    mcfg.NMSThreshold,
		ObjectClassNum:  mcfg.NumClasses(),
		InputWidth:      mcfg.ImageWidth,
		InputHeight:     mcfg.ImageHeight,
		GridWidth:       mcfg.GridWidth,
		GridHeight:      mcfg.GridHeight,
		MaxObjectNumber: mcfg.MaxBoxes,
	})

	if cfg.MetricsFile != "" {
		if t.metrics, err = NewMetricsWriter(cfg.MetricsFile); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Close releases the tape machine and metrics file
func (t *Trainer) Close() error {

	t.machine.Close()

	if t.metrics != nil {
		return t.metrics.Close()
	}

	return nil
}

// Run trains for the configured number of epochs, writing a checkpoint
// after each one
func (t *Trainer) Run() error {

	if err := t.net.SetTraining(true); err != nil {
		return err
	}

	batches := t.ds.NumBatches(t.cfg.BatchSize)

	if batches == 0 {
		return errors.Errorf("dataset of %d samples is smaller than one batch of %d",
			t.ds.Len(), t.cfg.BatchSize)
	}

	logger.Log().Info("training started",
		zap.Int("samples", t.ds.Len()),
		zap.Int("batches", batches),
		zap.Int("batch_size", t.cfg.BatchSize),
		zap.Int("epochs", t.cfg.Epochs),
		zap.Int("start_epoch", t.startEpoch))

	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {

		t.ds.Shuffle(t.rng)

		var epochLoss float32

		for i := 0; i < batches; i++ {

			batch, err := t.ds.Batch(i, t.cfg.BatchSize)

			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch, i)
			}

			losses, err := t.step(epoch, batch)

			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch, i)
			}

			epochLoss += losses.Total
			t.globalStep++
		}

		meanLoss := epochLoss / float32(batches)

		logger.Log().Info("epoch complete",
			zap.Int("epoch", epoch),
			zap.Float32("mean_loss", meanLoss))

		if err := t.checkpoint(epoch); err != nil {
			return err
		}
	}

	logger.Sync()

	return nil
}

// step runs one batch through the two pass train cycle: a measuring pass
// with zeroed targets to decode current predictions, target assignment
// from those predictions, then the training pass and solver update
func (t *Trainer) step(epoch int, batch *dataset.Batch) (stepLosses, error) {

	if err := G.Let(t.net.Input(), batch.Images); err != nil {
		return stepLosses{}, errors.Wrap(err, "binding input")
	}

	// measuring pass.  batch norm stays in training mode here, so the
	// running statistics absorb each batch's momentum update twice; only
	// inference after training is affected and only marginally, the batch
	// statistics used while training are identical either way
	t.targets.zero()

	if err := t.lg.feed(t.targets); err != nil {
		return stepLosses{}, err
	}

	if err := t.machine.RunAll(); err != nil {
		return stepLosses{}, errors.Wrap(err, "measuring pass")
	}

	pred := t.lg.predictions()

	t.machine.Reset()

	// assignment and training pass
	t.targets.build(batch.Boxes, pred)

	if err := t.lg.feed(t.targets); err != nil {
		return stepLosses{}, err
	}

	if err := t.machine.RunAll(); err != nil {
		return stepLosses{}, errors.Wrap(err, "training pass")
	}

	if err := t.solver.Step(G.NodesToValueGrads(t.learnables)); err != nil {
		return stepLosses{}, errors.Wrap(err, "solver step")
	}

	xy, wh, conf, class, total := t.lg.losses()

	losses := stepLosses{XY: xy, WH: wh, Conf: conf, Class: class, Total: total}

	// detection overlay of the first batch image, decoded from the raw
	// output of the pass that just ran
	var renderErr error

	if t.cfg.RenderInterval > 0 && t.globalStep%t.cfg.RenderInterval == 0 {
		raw := t.firstImageOutput()
		renderErr = t.renderOverlay(epoch, batch.Samples[0], raw)
	}

	t.machine.Reset()

	if renderErr != nil {
		return losses, errors.Wrap(renderErr, "rendering overlay")
	}

	if t.cfg.LogInterval > 0 && t.globalStep%t.cfg.LogInterval == 0 {
		logger.Log().Info("train step",
			zap.Int("epoch", epoch),
			zap.Int("step", t.globalStep),
			zap.Float32("loss_xy", losses.XY),
			zap.Float32("loss_wh", losses.WH),
			zap.Float32("loss_conf", losses.Conf),
			zap.Float32("loss_class", losses.Class),
			zap.Float32("loss", losses.Total))
	}

	if t.metrics != nil {
		if err := t.metrics.Write(epoch, t.globalStep,
			losses.XY, losses.WH, losses.Conf, losses.Class, losses.Total); err != nil {
			return losses, err
		}
	}

	return losses, nil
}

// firstImageOutput copies the raw output feature map of the first image in
// the batch
func (t *Trainer) firstImageOutput() []float32 {

	data := t.net.Output().Value().Data().([]float32)
	chunk := len(data) / t.cfg.BatchSize

	out := make([]float32, chunk)
	copy(out, data[:chunk])

	return out
}

// renderOverlay runs postprocessing over a raw feature map and writes the
// detection boxes drawn over the source image as a JPEG
func (t *Trainer) renderOverlay(epoch int, sample dataset.Sample, raw []float32) error {

	cfg := t.net.Config()

	detections := t.post.DetectObjects(raw).GetDetectResults()

	img := gocv.IMRead(sample.ImagePath, gocv.IMReadColor)

	if img.Empty() {
		return errors.Errorf("error reading image from: %s", sample.ImagePath)
	}

	defer img.Close()

	resized := gocv.NewMat()
	defer resized.Close()

	gocv.Resize(img, &resized, image.Pt(cfg.ImageWidth, cfg.ImageHeight),
		0, 0, gocv.InterpolationArea)

	render.DetectionBoxes(&resized, detections, cfg.Labels, render.DefaultFont(), 2)

	out := filepath.Join(t.cfg.RenderDir,
		fmt.Sprintf("epoch%04d-step%06d.jpg", epoch, t.globalStep))

	if ok := gocv.IMWrite(out, resized); !ok {
		return errors.Errorf("error writing image to: %s", out)
	}

	logger.Log().Debug("rendered detection overlay",
		zap.String("file", out),
		zap.Int("objects", len(detections)))

	return nil
}

// checkpoint writes the epoch's checkpoint file
func (t *Trainer) checkpoint(epoch int) error {

	if t.cfg.CheckpointDir == "" {
		return nil
	}

	file := filepath.Join(t.cfg.CheckpointDir,
		fmt.Sprintf("yolov2-epoch%04d.ckpt", epoch))

	if err := t.net.SaveCheckpoint(file, epoch, t.cfg.HalfPrecision); err != nil {
		return errors.Wrapf(err, "writing checkpoint for epoch %d", epoch)
	}

	logger.Log().Info("checkpoint written",
		zap.Int("epoch", epoch),
		zap.String("file", file))

	return nil
}
