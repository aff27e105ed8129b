package yolov2

import (
	"bytes"
	"math"
	"os"
	"testing"

	"github.com/x448/float16"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestF16LookupTable(t *testing.T) {

	for _, v := range []float32{0, 1, -1, 0.5, 1.5, 100.0, -0.25} {
		bits := float16.Fromfloat32(v).Bits()

		if got := f16LookupTable[bits]; got != v {
			t.Errorf("Expected lookup of %f bits to return %f, but got %f", v, v, got)
		}
	}
}

// testNode builds a named value node for tensor record tests
func testNode(t *testing.T, g *G.ExprGraph, name string, shape tensor.Shape, data []float32) *G.Node {
	t.Helper()

	val := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))

	return G.NewTensor(g, tensor.Float32, len(shape),
		G.WithName(name), G.WithValue(val))
}

func TestTensorRecordRoundTrip(t *testing.T) {

	g := G.NewGraph()

	data := []float32{1.5, -2.25, 0, 3.75, 100, -0.125}
	node := testNode(t, g, "conv1_w", tensor.Shape{2, 3}, data)

	var buf bytes.Buffer

	if err := writeTensor(&buf, node, false); err != nil {
		t.Fatalf("writeTensor returned an error: %v", err)
	}

	name, got, shape, err := readTensor(&buf, false)

	if err != nil {
		t.Fatalf("readTensor returned an error: %v", err)
	}

	if name != "conv1_w" {
		t.Errorf("Expected name conv1_w, but got %s", name)
	}

	if !shape.Eq(tensor.Shape{2, 3}) {
		t.Errorf("Expected shape (2, 3), but got %v", shape)
	}

	for i := range data {
		if got[i] != data[i] {
			t.Errorf("Expected data[%d] = %f, but got %f", i, data[i], got[i])
		}
	}
}

func TestTensorRecordRoundTripHalf(t *testing.T) {

	g := G.NewGraph()

	data := []float32{1.5, -2.25, 0.333, 1e-3}
	node := testNode(t, g, "det0_gamma", tensor.Shape{4}, data)

	var buf bytes.Buffer

	if err := writeTensor(&buf, node, true); err != nil {
		t.Fatalf("writeTensor returned an error: %v", err)
	}

	name, got, _, err := readTensor(&buf, true)

	if err != nil {
		t.Fatalf("readTensor returned an error: %v", err)
	}

	if name != "det0_gamma" {
		t.Errorf("Expected name det0_gamma, but got %s", name)
	}

	// float16 storage loses precision
	for i := range data {
		if math.Abs(float64(got[i]-data[i])) > 1e-2 {
			t.Errorf("Expected data[%d] close to %f, but got %f", i, data[i], got[i])
		}
	}
}

func TestLoadCheckpointBadMagic(t *testing.T) {

	file := t.TempDir() + "/bad.ckpt"

	if err := os.WriteFile(file, []byte("not a checkpoint"), 0644); err != nil {
		t.Fatal(err)
	}

	net, err := NewNetwork(VOCConfig(), 1)

	if err != nil {
		t.Fatalf("NewNetwork returned an error: %v", err)
	}

	if _, err := net.LoadCheckpoint(file); err == nil {
		t.Error("Expected an error for a non checkpoint file")
	}
}
