package main

import (
	"flag"
	"log"

	yolov2 "github.com/noitq/go-yolov2"
	"github.com/noitq/go-yolov2/dataset"
	"github.com/noitq/go-yolov2/logger"
	"github.com/noitq/go-yolov2/train"
)

func main() {
	// disable logging timestamps
	log.SetFlags(0)

	// read in cli flags
	cfgFile := flag.String("c", "train.yaml", "Training config YAML file")
	labelFile := flag.String("l", "", "Class labels text file, one label per line, defaults to the VOC labels")
	dev := flag.Bool("dev", false, "Use human readable console logging")

	flag.Parse()

	var err error

	if *dev {
		err = logger.InitDevelopment()
	} else {
		err = logger.InitProduction()
	}

	if err != nil {
		log.Fatal("Error initializing logger: ", err)
	}

	cfg, err := train.LoadConfig(*cfgFile)

	if err != nil {
		log.Fatal("Error loading config: ", err)
	}

	mcfg := yolov2.VOCConfig()

	if *labelFile != "" {
		labels, err := yolov2.LoadLabels(*labelFile)

		if err != nil {
			log.Fatal("Error loading labels: ", err)
		}

		mcfg.Labels = labels
	}

	ds, err := dataset.Load(cfg.DatasetDir, mcfg.Labels, mcfg.ImageWidth, mcfg.ImageHeight)

	if err != nil {
		log.Fatal("Error loading dataset: ", err)
	}

	net, err := yolov2.NewNetwork(mcfg, cfg.BatchSize)

	if err != nil {
		log.Fatal("Error building network: ", err)
	}

	trainer, err := train.NewTrainer(net, ds, cfg)

	if err != nil {
		log.Fatal("Error creating trainer: ", err)
	}

	defer trainer.Close()

	if err := trainer.Run(); err != nil {
		log.Fatal("Training failed with error: ", err)
	}
}
