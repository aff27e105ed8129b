// Package train implements the YOLOv2 training loop: epoch and batch
// iteration, anchor matched target assignment, the multi-part detection
// loss with gradient descent via Gorgonia, checkpointing, and periodic
// rendering of detection overlays.
package train

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the run time settings of a training session
type Config struct {
	// DatasetDir is the directory holding images and VOC XML annotations
	DatasetDir string `yaml:"dataset_dir"`
	// CheckpointDir is where per epoch checkpoint files are written
	CheckpointDir string `yaml:"checkpoint_dir"`
	// RenderDir is where detection overlay JPEG images are written
	RenderDir string `yaml:"render_dir"`
	// MetricsFile is the CSV file scalar loss metrics are appended to
	MetricsFile string `yaml:"metrics_file"`
	// DarknetWeights optionally points at a pretrained darknet backbone
	// weight file loaded before training starts
	DarknetWeights string `yaml:"darknet_weights"`
	// Resume optionally points at a checkpoint file to continue from
	Resume string `yaml:"resume"`

	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`

	// RenderInterval is the number of steps between detection overlay
	// renders, 0 disables rendering
	RenderInterval int `yaml:"render_interval"`
	// LogInterval is the number of steps between loss log lines
	LogInterval int `yaml:"log_interval"`
	// HalfPrecision stores checkpoint tensors as float16
	HalfPrecision bool `yaml:"half_precision"`
	// Seed fixes the shuffle order for reproducible runs
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns a Config with workable defaults for a VOC
// training run
func DefaultConfig() Config {
	return Config{
		CheckpointDir:  "checkpoints",
		RenderDir:      "renders",
		MetricsFile:    "metrics.csv",
		Epochs:         160,
		BatchSize:      8,
		LearningRate:   1e-4,
		RenderInterval: 100,
		LogInterval:    10,
		Seed:           1,
	}
}

// LoadConfig reads a YAML config file over the defaults
func LoadConfig(file string) (Config, error) {

	cfg := DefaultConfig()

	raw, err := os.ReadFile(file)

	if err != nil {
		return cfg, errors.Wrapf(err, "reading config file %s", file)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %s", file)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the config for values that would fail mid run
func (c Config) Validate() error {

	if c.DatasetDir == "" {
		return errors.New("dataset_dir is required")
	}

	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}

	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}

	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be positive, got %f", c.LearningRate)
	}

	if c.RenderInterval < 0 || c.LogInterval < 0 {
		return errors.New("intervals must not be negative")
	}

	return nil
}
