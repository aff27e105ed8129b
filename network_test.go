package yolov2

import (
	"testing"

	"gorgonia.org/tensor"
)

func TestNewNetwork(t *testing.T) {

	cfg := VOCConfig()

	net, err := NewNetwork(cfg, 2)

	if err != nil {
		t.Fatalf("NewNetwork returned an error: %v", err)
	}

	// detection head emits B*(5+C) channels over the grid
	want := tensor.Shape{2, cfg.NumAnchors() * (5 + cfg.NumClasses()),
		cfg.GridHeight, cfg.GridWidth}

	if !net.Output().Shape().Eq(want) {
		t.Errorf("Expected output shape %v, but got %v", want, net.Output().Shape())
	}

	if !net.Input().Shape().Eq(tensor.Shape{2, 3, cfg.ImageHeight, cfg.ImageWidth}) {
		t.Errorf("Unexpected input shape %v", net.Input().Shape())
	}

	if net.BatchSize() != 2 {
		t.Errorf("Expected batch size 2, but got %d", net.BatchSize())
	}
}

func TestNetworkLearnables(t *testing.T) {

	net, err := NewNetwork(VOCConfig(), 1)

	if err != nil {
		t.Fatalf("NewNetwork returned an error: %v", err)
	}

	learnables := net.Learnables()

	if len(learnables) == 0 {
		t.Fatal("Expected learnable nodes")
	}

	seen := make(map[string]bool)

	for _, node := range learnables {

		if node.Name() == "" {
			t.Error("Learnable with empty name")
		}

		if seen[node.Name()] {
			t.Errorf("Duplicate learnable name %s", node.Name())
		}

		seen[node.Name()] = true

		if node.Value() == nil {
			t.Errorf("Learnable %s has no initialised value", node.Name())
		}
	}

	// learnable ordering must be stable, checkpoints and solver state
	// depend on it
	again := net.Learnables()

	for i := range learnables {
		if learnables[i].Name() != again[i].Name() {
			t.Errorf("Learnable order changed at %d: %s vs %s",
				i, learnables[i].Name(), again[i].Name())
		}
	}
}

func TestNetworkSetTraining(t *testing.T) {

	net, err := NewNetwork(VOCConfig(), 1)

	if err != nil {
		t.Fatalf("NewNetwork returned an error: %v", err)
	}

	// every batch norm layer must switch mode both ways
	if err := net.SetTraining(true); err != nil {
		t.Errorf("SetTraining(true) returned an error: %v", err)
	}

	if err := net.SetTraining(false); err != nil {
		t.Errorf("SetTraining(false) returned an error: %v", err)
	}
}

func TestNetworkInvalidConfig(t *testing.T) {

	cfg := VOCConfig()
	cfg.Anchors = []float32{1.0}

	if _, err := NewNetwork(cfg, 1); err == nil {
		t.Error("Expected an error for an odd anchor list")
	}
}
