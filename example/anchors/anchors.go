package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"

	yolov2 "github.com/noitq/go-yolov2"
	"github.com/noitq/go-yolov2/dataset"
)

func main() {
	// disable logging timestamps
	log.SetFlags(0)

	// read in cli flags
	dataDir := flag.String("d", "../data/voc", "Directory holding images and VOC XML annotations")
	clusters := flag.Int("k", 5, "Number of anchor clusters to estimate")
	labelFile := flag.String("l", "", "Class labels text file, one label per line, defaults to the VOC labels")
	seed := flag.Int64("s", 1, "Random seed for cluster initialization")

	flag.Parse()

	cfg := yolov2.VOCConfig()

	if *labelFile != "" {
		labels, err := yolov2.LoadLabels(*labelFile)

		if err != nil {
			log.Fatal("Error loading labels: ", err)
		}

		cfg.Labels = labels
	}

	ds, err := dataset.Load(*dataDir, cfg.Labels, cfg.ImageWidth, cfg.ImageHeight)

	if err != nil {
		log.Fatal("Error loading dataset: ", err)
	}

	log.Printf("estimating %d anchors over %d samples", *clusters, ds.Len())

	anchors, coverage, err := ds.EstimateAnchors(*clusters,
		cfg.GridWidth, cfg.GridHeight, rand.New(rand.NewSource(*seed)))

	if err != nil {
		log.Fatal("Error estimating anchors: ", err)
	}

	fmt.Println("anchors (grid units, width height pairs):")

	for i := 0; i < len(anchors); i += 2 {
		fmt.Printf("  %.5f, %.5f\n", anchors[i], anchors[i+1])
	}

	fmt.Printf("mean IoU coverage: %.4f\n", coverage)
}
