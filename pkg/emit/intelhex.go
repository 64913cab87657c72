package emit

import (
	"fmt"
	"io"

	"github.com/clifford-evm/embedvm/pkg/ir"
)

// ihexChunkSize is the maximum number of data bytes per Intel HEX data
// record.
const ihexChunkSize = 0x20

// ihexRecordType identifies an Intel HEX record's payload kind.
type ihexRecordType byte

const (
	ihexData ihexRecordType = 0x00
	ihexEOF  ihexRecordType = 0x01
)

// writeIHexLine writes one Intel HEX record: a ':' start marker followed
// by length, address, type and data bytes as hex digits, terminated by a
// one-byte two's-complement checksum of everything before it.
func writeIHexLine(w io.Writer, addr uint16, recType ihexRecordType, data []byte) error {
	buf := make([]byte, 4+len(data)+1)
	buf[0] = byte(len(data))
	buf[1] = byte(addr >> 8)
	buf[2] = byte(addr)
	buf[3] = byte(recType)
	copy(buf[4:], data)

	var sum byte
	for _, b := range buf[:4+len(data)] {
		sum += b
	}
	buf[len(buf)-1] = byte(-int8(sum))

	if _, err := fmt.Fprint(w, ":"); err != nil {
		return err
	}
	for _, b := range buf {
		if _, err := fmt.Fprintf(w, "%02x", b); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// WriteIntelHex writes the image as Intel HEX: one or more 32-byte data
// records per declared section (trimmed to the highest written byte in
// that section), followed by a single end-of-file record.
func WriteIntelHex(w io.Writer, im *Image, tree *ir.Tree) error {
	sections := tree.Sections
	if len(sections) == 0 {
		sections = []ir.Section{ir.DefaultSection()}
	}

	for _, sect := range sections {
		realEnd := im.lastWritten(sect.Begin, sect.End)
		for addr := int(sect.Begin); addr <= realEnd; addr += ihexChunkSize {
			n := realEnd - addr + 1
			if n > ihexChunkSize {
				n = ihexChunkSize
			}
			if err := writeIHexLine(w, uint16(addr), ihexData, im.data[addr:addr+n]); err != nil {
				return err
			}
		}
	}

	return writeIHexLine(w, 0, ihexEOF, nil)
}
