package emit

import (
	"fmt"
	"io"

	"github.com/clifford-evm/embedvm/pkg/ir"
)

// WriteDebug writes the ".dbg" human-readable listing of every node that
// carries either an opcode or a data blob, with its data length,
// initializer, opcode and operand; each named node starts a new paragraph
// with its symbol and resolved address. Mirrors write_debug's output format.
func WriteDebug(w io.Writer, tree *ir.Tree) error {
	return writeDebug(w, tree, tree.Root)
}

func writeDebug(w io.Writer, tree *ir.Tree, idx int) error {
	if idx == ir.NoNode {
		return nil
	}
	n := &tree.Nodes[idx]

	if n.Symbol != "" {
		if _, err := fmt.Fprintf(w, "\n\n%s @ %04X:", n.Symbol, n.Addr); err != nil {
			return err
		}
	}

	if err := writeDebug(w, tree, n.Left); err != nil {
		return err
	}

	if n.HasOpcode || n.DataLen > 0 {
		if n.DataLen > 0 {
			if _, err := fmt.Fprintf(w, " D[%d]", n.DataLen); err != nil {
				return err
			}
		}
		if n.InitData != nil {
			if _, err := fmt.Fprint(w, "="); err != nil {
				return err
			}
			for _, b := range n.InitData {
				if _, err := fmt.Fprintf(w, "%02X", b); err != nil {
					return err
				}
			}
		}
		if n.HasOpcode {
			if _, err := fmt.Fprintf(w, " %02X", n.Opcode); err != nil {
				return err
			}
		}
		switch n.HasArgData {
		case 1:
			if _, err := fmt.Fprintf(w, ".%02X", uint8(n.ArgVal)); err != nil {
				return err
			}
		case 2:
			if _, err := fmt.Fprintf(w, ".%04X", uint16(n.ArgVal)); err != nil {
				return err
			}
		}
		if n.ArgIsRel {
			if _, err := fmt.Fprint(w, "r"); err != nil {
				return err
			}
		} else if n.ArgAddr != ir.NoNode {
			if _, err := fmt.Fprint(w, "a"); err != nil {
				return err
			}
		}
	}

	return writeDebug(w, tree, n.Right)
}

// WriteAST writes the ".ast" listing: a left-root-right dump of every
// node's raw fields, with the node's arena index printed in the slot the
// original tool used for a node's pointer identity, and arg_addr's target
// printed the same way.
func WriteAST(w io.Writer, tree *ir.Tree) error {
	return writeAST(w, tree, tree.Root, "ROOT", 0)
}

func writeAST(w io.Writer, tree *ir.Tree, idx int, kind string, indent int) error {
	if idx == ir.NoNode {
		return nil
	}
	n := &tree.Nodes[idx]

	if err := writeAST(w, tree, n.Left, "LEFT", indent+1); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "%*s%s #%d @ %04x %04x:", indent, "", kind, idx, n.Addr, n.InnerAddr); err != nil {
		return err
	}
	if n.Symbol != "" {
		if _, err := fmt.Fprintf(w, " sym=%s", n.Symbol); err != nil {
			return err
		}
	}
	if n.HasSetAddr {
		if _, err := fmt.Fprintf(w, " setaddr=%04x", n.SetAddr); err != nil {
			return err
		}
	}
	if n.HasOpcode {
		if _, err := fmt.Fprintf(w, " op=%02x", n.Opcode); err != nil {
			return err
		}
	}
	switch n.HasArgData {
	case 1:
		if _, err := fmt.Fprintf(w, " arg=%02x", uint8(n.ArgVal)); err != nil {
			return err
		}
	case 2:
		if _, err := fmt.Fprintf(w, " arg=%04x", uint16(n.ArgVal)); err != nil {
			return err
		}
	}
	if n.ArgIsRel {
		if _, err := fmt.Fprint(w, " rel"); err != nil {
			return err
		}
	}
	if n.ArgAddr != ir.NoNode {
		if _, err := fmt.Fprintf(w, " argaddr=#%d", n.ArgAddr); err != nil {
			return err
		}
	}
	if n.GrewAgain {
		if _, err := fmt.Fprint(w, " regrow"); err != nil {
			return err
		}
	}
	if n.DataLen > 0 {
		if _, err := fmt.Fprintf(w, " datalen=%d", n.DataLen); err != nil {
			return err
		}
	}
	if n.InitData != nil {
		if _, err := fmt.Fprint(w, " initdata="); err != nil {
			return err
		}
		for _, b := range n.InitData {
			if _, err := fmt.Fprintf(w, "%02x", b); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return err
	}

	return writeAST(w, tree, n.Right, "RIGHT", indent+1)
}
