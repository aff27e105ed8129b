package yolov2

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// VOCLabels returns the 20 object class names of the Pascal VOC dataset in
// their conventional order
func VOCLabels() []string {
	return []string{
		"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car",
		"cat", "chair", "cow", "diningtable", "dog", "horse", "motorbike",
		"person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
	}
}

// LoadLabels reads the labels used to train the Model from the given text
// file.  It should contain one label per line.
func LoadLabels(file string) ([]string, error) {

	// open the file
	f, err := os.Open(file)

	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	defer f.Close()

	// create a scanner to read the file.
	scanner := bufio.NewScanner(f)

	var labels []string

	// read and trim each line
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		labels = append(labels, line)
	}

	// check for errors during scanning
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return labels, nil
}
