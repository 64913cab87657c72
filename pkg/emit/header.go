package emit

import (
	"fmt"
	"io"

	"github.com/clifford-evm/embedvm/pkg/ir"
)

// WriteHeader writes a C header exposing every symbol as an
// EMBEDVM_SYM_<name> address macro and every section as a trio of
// EMBEDVM_SECT_<name>_{BEGIN,END,DATA} macros, then validates that every
// written byte in the image is covered by some section — mirroring
// write_header's trailing "not covered by any section" fatal check,
// except reported as an error rather than exit(1).
func WriteHeader(w io.Writer, im *Image, tree *ir.Tree) error {
	for _, sym := range CollectSymbols(tree) {
		if _, err := fmt.Fprintf(w, "#define EMBEDVM_SYM_%s 0x%04x\n", sym.Name, sym.Addr); err != nil {
			return err
		}
	}

	sections := tree.Sections
	if len(sections) == 0 {
		sections = []ir.Section{ir.DefaultSection()}
	}

	for _, sect := range sections {
		realEnd := im.lastWritten(sect.Begin, sect.End)

		if _, err := fmt.Fprintf(w, "#define EMBEDVM_SECT_%s_BEGIN 0x%04x\n", sect.Name, sect.Begin); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "#define EMBEDVM_SECT_%s_END 0x%04x\n", sect.Name, sect.End); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "#define EMBEDVM_SECT_%s_DATA", sect.Name); err != nil {
			return err
		}
		for i := int(sect.Begin); i <= realEnd; i++ {
			// The separator tracks the absolute address, not the
			// position within this section, matching the reference
			// tool's macro-list formatting exactly: only address 0
			// itself ever gets a leading space.
			sep := ","
			if i == 0 {
				sep = " "
			}
			if _, err := fmt.Fprintf(w, "%s%d", sep, im.data[i]); err != nil {
				return err
			}
			im.markCovered(uint16(i))
		}
		if _, err := fmt.Fprint(w, "\n"); err != nil {
			return err
		}
	}

	return im.checkCoverage()
}
