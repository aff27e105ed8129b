package yolov2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/x448/float16"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// checkpoint file format:
//
//	magic    [4]byte "Y2CK"
//	version  uint16
//	flags    uint16   bit 0 set when tensor data is stored as float16
//	epoch    uint32
//	count    uint32   number of tensors
//
// followed by count records of:
//
//	nameLen  uint16
//	name     [nameLen]byte
//	dims     uint8
//	shape    [dims]uint32
//	data     shape product of float32 or float16 values
const (
	checkpointVersion = 1

	flagHalfPrecision = 1 << 0
)

var checkpointMagic = [4]byte{'Y', '2', 'C', 'K'}

var f16LookupTable [65536]float32

func init() {
	// precompute float16 lookup table for faster conversion to float32
	for i := range f16LookupTable {
		f16 := float16.Frombits(uint16(i))
		f16LookupTable[i] = f16.Float32()
	}
}

// SaveCheckpoint serialises every learnable tensor to the given file.
// When half is true tensor data is stored as float16 which halves the file
// size at the cost of weight precision.  Checkpoint files are written once
// and never modified, the file is created fresh on each call
func (n *Network) SaveCheckpoint(file string, epoch int, half bool) error {

	f, err := os.Create(file)

	if err != nil {
		return fmt.Errorf("error creating checkpoint file: %w", err)
	}

	defer f.Close()

	w := bufio.NewWriter(f)

	var flags uint16

	if half {
		flags |= flagHalfPrecision
	}

	learnables := n.Learnables()

	if _, err := w.Write(checkpointMagic[:]); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	hdr := []interface{}{
		uint16(checkpointVersion),
		flags,
		uint32(epoch),
		uint32(len(learnables)),
	}

	for _, v := range hdr {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("error writing header: %w", err)
		}
	}

	for _, node := range learnables {
		if err := writeTensor(w, node, half); err != nil {
			return fmt.Errorf("tensor %s: %w", node.Name(), err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing checkpoint: %w", err)
	}

	return nil
}

// LoadCheckpoint restores learnable tensors from a checkpoint file written
// by SaveCheckpoint and returns the epoch recorded in it.  Every tensor in
// the file must match a learnable of the same name and shape
func (n *Network) LoadCheckpoint(file string) (int, error) {

	f, err := os.Open(file)

	if err != nil {
		return 0, fmt.Errorf("error opening checkpoint file: %w", err)
	}

	defer f.Close()

	r := bufio.NewReader(f)

	var magic [4]byte

	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return 0, fmt.Errorf("error reading header: %w", err)
	}

	if magic != checkpointMagic {
		return 0, fmt.Errorf("%s is not a checkpoint file", file)
	}

	var (
		version uint16
		flags   uint16
		epoch   uint32
		count   uint32
	)

	for _, v := range []interface{}{&version, &flags, &epoch, &count} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return 0, fmt.Errorf("error reading header: %w", err)
		}
	}

	if version != checkpointVersion {
		return 0, fmt.Errorf("unsupported checkpoint version %d", version)
	}

	half := flags&flagHalfPrecision != 0

	// index learnables by node name
	byName := make(map[string]*G.Node)

	for _, node := range n.Learnables() {
		byName[node.Name()] = node
	}

	for i := 0; i < int(count); i++ {

		name, data, shape, err := readTensor(r, half)

		if err != nil {
			return 0, fmt.Errorf("error reading tensor %d: %w", i, err)
		}

		node, ok := byName[name]

		if !ok {
			return 0, fmt.Errorf("checkpoint tensor %s has no matching learnable", name)
		}

		if !node.Shape().Eq(shape) {
			return 0, fmt.Errorf("checkpoint tensor %s has shape %v, want %v",
				name, shape, node.Shape())
		}

		t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))

		if err := G.Let(node, t); err != nil {
			return 0, fmt.Errorf("error setting tensor %s: %w", name, err)
		}
	}

	return int(epoch), nil
}

// writeTensor writes a single named tensor record
func writeTensor(w io.Writer, node *G.Node, half bool) error {

	name := node.Name()
	shape := node.Shape()
	data := node.Value().Data().([]float32)

	if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
		return err
	}

	if _, err := io.WriteString(w, name); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint8(len(shape))); err != nil {
		return err
	}

	for _, d := range shape {
		if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
			return err
		}
	}

	if !half {
		return binary.Write(w, binary.LittleEndian, data)
	}

	buf := make([]uint16, len(data))

	for i, v := range data {
		buf[i] = float16.Fromfloat32(v).Bits()
	}

	return binary.Write(w, binary.LittleEndian, buf)
}

// readTensor reads a single named tensor record
func readTensor(r io.Reader, half bool) (string, []float32, tensor.Shape, error) {

	var nameLen uint16

	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return "", nil, nil, err
	}

	nameBuf := make([]byte, nameLen)

	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", nil, nil, err
	}

	var dims uint8

	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return "", nil, nil, err
	}

	shape := make(tensor.Shape, dims)
	size := 1

	for i := range shape {
		var d uint32

		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return "", nil, nil, err
		}

		shape[i] = int(d)
		size *= int(d)
	}

	data := make([]float32, size)

	if !half {
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return "", nil, nil, err
		}

		return string(nameBuf), data, shape, nil
	}

	buf := make([]uint16, size)

	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return "", nil, nil, err
	}

	for i, bits := range buf {
		data[i] = f16LookupTable[bits]
	}

	return string(nameBuf), data, shape, nil
}
