// Package emit turns a laid-out ir.Tree into the compiler's various output
// artifacts: the raw binary image, the symbol table, the debug dump, the C
// header and the Intel HEX file. Every writer in this package assumes
// pkg/layout.Run has already converged on the tree it is given.
package emit

import (
	"errors"
	"fmt"
	"io"

	"github.com/clifford-evm/embedvm/pkg/ir"
)

// imageSize is the full 16-bit address space every Image covers.
const imageSize = 1 << 16

// ErrDoubleWrite is returned when two nodes claim the same byte address,
// which means the program's layout has overlapping instructions — a bug
// in the compiler or in how the caller built the tree, never a condition
// a valid program can trigger on its own.
var ErrDoubleWrite = errors.New("emit: double write")

// ErrUncoveredData is returned by WriteHeader when bytes were written to
// the image but no declared section claims them.
var ErrUncoveredData = errors.New("emit: data not covered by any section")

// Image is the compiler's output image: a full address space of bytes
// plus the bookkeeping needed to detect overlaps and validate section
// coverage. Unlike the original tool, which kept this state in
// process-global arrays, an Image is owned by its caller and safe to use
// from multiple goroutines each compiling their own program.
type Image struct {
	data     [imageSize]byte
	written  [imageSize]bool
	covered  [imageSize]bool
	length   int
}

// NewImage returns an empty image.
func NewImage() *Image {
	return &Image{}
}

// Len reports one past the highest address written so far.
func (im *Image) Len() int {
	return im.length
}

// Bytes returns the written prefix of the image, Data[0:Len()).
func (im *Image) Bytes() []byte {
	return im.data[:im.length]
}

func (im *Image) writeByte(addr uint16, b byte) error {
	if im.written[addr] {
		return fmt.Errorf("%w at address 0x%04x", ErrDoubleWrite, addr)
	}
	im.data[addr] = b
	im.written[addr] = true
	if int(addr)+1 > im.length {
		im.length = int(addr) + 1
	}
	return nil
}

// Prepare walks the tree and writes every node's bytes into the image,
// mirroring prep_bindata/write_bindata: data blobs (initialized or
// zero-filled), then the opcode byte, then the big-endian operand bytes.
// It fails on the first double write it finds.
func (im *Image) Prepare(tree *ir.Tree) error {
	_, err := im.prepare(tree, tree.Root, 0)
	return err
}

func (im *Image) prepare(tree *ir.Tree, idx int, addr uint16) (uint16, error) {
	if idx == ir.NoNode {
		return addr, nil
	}
	n := &tree.Nodes[idx]

	if n.HasSetAddr {
		addr = n.SetAddr
	}

	var err error
	addr, err = im.prepare(tree, n.Left, addr)
	if err != nil {
		return 0, err
	}

	if n.InitData != nil {
		for _, b := range n.InitData {
			if err := im.writeByte(addr, b); err != nil {
				return 0, err
			}
			addr++
		}
	} else {
		addr += n.DataLen
	}

	if n.HasOpcode {
		if err := im.writeByte(addr, n.Opcode); err != nil {
			return 0, err
		}
		addr++
	}

	if n.HasArgData == 2 {
		if err := im.writeByte(addr, byte(uint16(n.ArgVal)>>8)); err != nil {
			return 0, err
		}
		addr++
	}
	if n.HasArgData >= 1 {
		if err := im.writeByte(addr, byte(uint16(n.ArgVal))); err != nil {
			return 0, err
		}
		addr++
	}

	addr, err = im.prepare(tree, n.Right, addr)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// WriteBinary writes the raw image bytes, Data[0:Len()), to w.
func (im *Image) WriteBinary(w io.Writer) error {
	_, err := w.Write(im.Bytes())
	return err
}

// markCovered flags addr as claimed by some declared section; used by
// WriteHeader when it walks sections.
func (im *Image) markCovered(addr uint16) {
	im.covered[addr] = true
}

// lastWritten returns the highest address in [begin, end] that has been
// written, or begin-1 (as an int, to allow going negative) if none has.
func (im *Image) lastWritten(begin, end uint16) int {
	i := int(end)
	for i >= int(begin) && !im.written[i] {
		i--
	}
	return i
}

// checkCoverage reports ErrUncoveredData if any written byte was never
// claimed by markCovered, mirroring write_header's trailing validation
// loop.
func (im *Image) checkCoverage() error {
	for addr := 0; addr < imageSize; addr++ {
		if im.covered[addr] || !im.written[addr] {
			continue
		}
		return fmt.Errorf("%w at address 0x%04x", ErrUncoveredData, addr)
	}
	return nil
}
