package yolov2

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeDarknetFile writes a weight file with the given header version and
// float payload
func writeDarknetFile(t *testing.T, file string, major, minor int32, data []float32) {
	t.Helper()

	var buf bytes.Buffer

	for _, v := range []int32{major, minor, 0} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}

	// seen counter, 8 bytes from version 0.2
	seen := make([]byte, 4)

	if major*10+minor >= 2 {
		seen = make([]byte, 8)
	}

	buf.Write(seen)

	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(file, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDarknetWeights(t *testing.T) {

	net, err := NewNetwork(VOCConfig(), 1)

	if err != nil {
		t.Fatalf("NewNetwork returned an error: %v", err)
	}

	// one complete 32 channel 3x3x3 layer: shift, scale, mean, variance
	// then kernel weights.  the file ends there, remaining layers keep
	// their initialisation
	const outCh = 32

	var data []float32

	appendFill := func(v float32) {
		for i := 0; i < outCh; i++ {
			data = append(data, v)
		}
	}

	appendFill(0.5) // shift
	appendFill(2.0) // scale
	appendFill(1.0) // mean
	appendFill(3.0) // variance

	kernel := make([]float32, outCh*3*3*3)

	for i := range kernel {
		kernel[i] = float32(i)
	}

	data = append(data, kernel...)

	file := filepath.Join(t.TempDir(), "conv.1")
	writeDarknetFile(t, file, 0, 2, data)

	if err := net.LoadDarknetWeights(file); err != nil {
		t.Fatalf("LoadDarknetWeights returned an error: %v", err)
	}

	b := net.blocks()[0]

	w := b.w.Value().Data().([]float32)

	for _, i := range []int{0, 1, 863} {
		if w[i] != float32(i) {
			t.Errorf("Expected weight[%d] = %d, but got %f", i, i, w[i])
		}
	}

	// running statistics are folded into the affine parameters:
	//   gamma' = scale/sqrt(var+eps), beta' = shift - mean*gamma'
	gamma := b.scale.Value().Data().([]float32)
	beta := b.shift.Value().Data().([]float32)

	wantGamma := 2.0 / math.Sqrt(3.0+bnEpsilon)
	wantBeta := 0.5 - 1.0*wantGamma

	if math.Abs(float64(gamma[0])-wantGamma) > 1e-4 {
		t.Errorf("Expected gamma %f, but got %f", wantGamma, gamma[0])
	}

	if math.Abs(float64(beta[0])-wantBeta) > 1e-4 {
		t.Errorf("Expected beta %f, but got %f", wantBeta, beta[0])
	}
}

func TestLoadDarknetWeightsHeaderOnly(t *testing.T) {

	net, err := NewNetwork(VOCConfig(), 1)

	if err != nil {
		t.Fatalf("NewNetwork returned an error: %v", err)
	}

	file := filepath.Join(t.TempDir(), "empty.weights")
	writeDarknetFile(t, file, 0, 2, nil)

	if err := net.LoadDarknetWeights(file); err == nil {
		t.Error("Expected an error for a weight file with no layers")
	}
}

func TestLoadDarknetWeightsMissingFile(t *testing.T) {

	net, err := NewNetwork(VOCConfig(), 1)

	if err != nil {
		t.Fatalf("NewNetwork returned an error: %v", err)
	}

	if err := net.LoadDarknetWeights("does-not-exist.weights"); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
