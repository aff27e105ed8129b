package yolov2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/chewxy/math32"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LoadDarknetWeights loads pretrained backbone weights from a binary weight
// file in the darknet format, eg: darknet19_448.conv.23.  Layers are filled
// in file order until the file is exhausted, any remaining layers keep
// their random initialisation.
//
// Darknet stores batch norm layers as running statistics which have no
// direct slot in the graph, so the mean and variance are folded into the
// scale and shift parameters.  The batch norm running statistics then
// start at identity and are re-estimated once training begins.
func (n *Network) LoadDarknetWeights(file string) error {

	f, err := os.Open(file)

	if err != nil {
		return fmt.Errorf("error opening weights file: %w", err)
	}

	defer f.Close()

	r := bufio.NewReader(f)

	// header is three int32 version numbers followed by the number of
	// images seen, which is 8 bytes from format version 0.2 onwards
	var major, minor, revision int32

	if err := binary.Read(r, binary.LittleEndian, &major); err != nil {
		return fmt.Errorf("error reading header: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &minor); err != nil {
		return fmt.Errorf("error reading header: %w", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &revision); err != nil {
		return fmt.Errorf("error reading header: %w", err)
	}

	seenSize := 4

	if major*10+minor >= 2 {
		seenSize = 8
	}

	if _, err := io.CopyN(io.Discard, r, int64(seenSize)); err != nil {
		return fmt.Errorf("error reading header: %w", err)
	}

	loaded := 0

	for _, b := range n.backbone {

		err := n.loadConvBlock(r, b)

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// partial weight files (pretraining cuts) are expected
			break
		}

		if err != nil {
			return fmt.Errorf("layer %s: %w", b.name, err)
		}

		loaded++
	}

	if loaded == 0 {
		return fmt.Errorf("weights file %s contains no complete layers", file)
	}

	return nil
}

// loadConvBlock reads one convolution layer's parameters.  Darknet order
// for batch normalised layers is shift, scale, rolling mean, rolling
// variance and then the convolution kernel
func (n *Network) loadConvBlock(r io.Reader, b *convBlock) error {

	shift, err := readFloats(r, b.outCh)

	if err != nil {
		return err
	}

	scale, err := readFloats(r, b.outCh)

	if err != nil {
		return err
	}

	mean, err := readFloats(r, b.outCh)

	if err != nil {
		return err
	}

	variance, err := readFloats(r, b.outCh)

	if err != nil {
		return err
	}

	weights, err := readFloats(r, b.outCh*b.inCh*b.kernel*b.kernel)

	if err != nil {
		return err
	}

	// fold the running statistics:
	//   y = gamma*(x-mean)/sqrt(var+eps) + beta
	// becomes gamma'*x + beta' with the op's own statistics at identity
	for i := 0; i < b.outCh; i++ {
		inv := 1.0 / math32.Sqrt(variance[i]+bnEpsilon)
		g := scale[i] * inv
		shift[i] = shift[i] - mean[i]*g
		scale[i] = g
	}

	wt := tensor.New(
		tensor.WithShape(b.outCh, b.inCh, b.kernel, b.kernel),
		tensor.WithBacking(weights))

	if err := G.Let(b.w, wt); err != nil {
		return fmt.Errorf("error setting weights: %w", err)
	}

	st := tensor.New(tensor.WithShape(1, b.outCh, 1, 1), tensor.WithBacking(scale))

	if err := G.Let(b.scale, st); err != nil {
		return fmt.Errorf("error setting scale: %w", err)
	}

	bt := tensor.New(tensor.WithShape(1, b.outCh, 1, 1), tensor.WithBacking(shift))

	if err := G.Let(b.shift, bt); err != nil {
		return fmt.Errorf("error setting shift: %w", err)
	}

	return nil
}

// readFloats reads count little endian float32 values
func readFloats(r io.Reader, count int) ([]float32, error) {

	out := make([]float32, count)

	if err := binary.Read(r, binary.LittleEndian, out); err != nil {
		return nil, err
	}

	return out, nil
}
