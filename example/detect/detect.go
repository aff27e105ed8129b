package main

import (
	"flag"
	"fmt"
	"image"
	"log"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"

	yolov2 "github.com/noitq/go-yolov2"
	"github.com/noitq/go-yolov2/dataset"
	"github.com/noitq/go-yolov2/postprocess"
	"github.com/noitq/go-yolov2/render"
)

func main() {
	// disable logging timestamps
	log.SetFlags(0)

	// read in cli flags
	ckptFile := flag.String("m", "../data/yolov2-voc.ckpt", "Checkpoint file holding trained model weights")
	imgFile := flag.String("i", "../data/dog.jpg", "Image file to run object detection on")
	outFile := flag.String("o", "./dog-out.jpg", "Image file to write detection results to")
	labelFile := flag.String("l", "", "Class labels text file, one label per line, defaults to the VOC labels")

	flag.Parse()

	cfg := yolov2.VOCConfig()

	if *labelFile != "" {
		labels, err := yolov2.LoadLabels(*labelFile)

		if err != nil {
			log.Fatal("Error loading labels: ", err)
		}

		cfg.Labels = labels
	}

	net, err := yolov2.NewNetwork(cfg, 1)

	if err != nil {
		log.Fatal("Error building network: ", err)
	}

	epoch, err := net.LoadCheckpoint(*ckptFile)

	if err != nil {
		log.Fatal("Error loading checkpoint: ", err)
	}

	log.Printf("loaded checkpoint %s from epoch %d", *ckptFile, epoch)

	// load and scale input image
	pixels, err := dataset.LoadImageTensor(*imgFile, cfg.ImageWidth, cfg.ImageHeight)

	if err != nil {
		log.Fatal("Error loading image: ", err)
	}

	input := tensor.New(
		tensor.WithShape(1, 3, cfg.ImageHeight, cfg.ImageWidth),
		tensor.WithBacking(pixels),
	)

	// perform inference on image file
	raw, err := net.Predict(input)

	if err != nil {
		log.Fatal("Inferencing failed with error: ", err)
	}

	yoloProcesser := postprocess.NewYOLOv2(postprocess.YOLOv2Params{
		Anchors:         cfg.Anchors,
		BoxThreshold:    cfg.ObjThreshold,
		NMSThreshold:    cfg.NMSThreshold,
		ObjectClassNum:  cfg.NumClasses(),
		InputWidth:      cfg.ImageWidth,
		InputHeight:     cfg.ImageHeight,
		GridWidth:       cfg.GridWidth,
		GridHeight:      cfg.GridHeight,
		MaxObjectNumber: cfg.MaxBoxes,
	})

	detectResults := yoloProcesser.DetectObjects(raw).GetDetectResults()

	for _, detResult := range detectResults {
		fmt.Printf("%s @ (%d %d %d %d) %f\n", cfg.Labels[detResult.Class],
			detResult.Box.Left, detResult.Box.Top,
			detResult.Box.Right, detResult.Box.Bottom,
			detResult.Probability)
	}

	// draw detection boxes over the scaled source image
	img := gocv.IMRead(*imgFile, gocv.IMReadColor)

	if img.Empty() {
		log.Fatal("Error reading image from: ", *imgFile)
	}

	defer img.Close()

	resized := gocv.NewMat()
	defer resized.Close()

	gocv.Resize(img, &resized, image.Pt(cfg.ImageWidth, cfg.ImageHeight),
		0, 0, gocv.InterpolationArea)

	render.DetectionBoxes(&resized, detectResults, cfg.Labels,
		render.DefaultFont(), 2)

	// Save the result
	if ok := gocv.IMWrite(*outFile, resized); !ok {
		log.Fatal("Failed to save the image")
	}

	log.Println("Saved object detection result to ", *outFile)
}
