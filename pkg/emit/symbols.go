package emit

import (
	"fmt"
	"io"

	"github.com/clifford-evm/embedvm/pkg/ir"
)

// Symbol is one named address in the compiled program.
type Symbol struct {
	Name string
	Addr uint16
	Kind string // "data", "code", "address" or "other"
}

func symbolKind(n *ir.Node) string {
	switch {
	case n.DataLen > 0:
		return "data"
	case n.HasOpcode:
		return "code"
	case n.HasSetAddr:
		return "address"
	default:
		return "other"
	}
}

// CollectSymbols walks the tree left-root-right and returns every named
// node, in that order, mirroring write_symbols' traversal.
func CollectSymbols(tree *ir.Tree) []Symbol {
	var out []Symbol
	tree.Walk(tree.Root, func(idx int) {
		n := &tree.Nodes[idx]
		if n.Symbol == "" {
			return
		}
		out = append(out, Symbol{Name: n.Symbol, Addr: n.Addr, Kind: symbolKind(n)})
	})
	return out
}

// WriteSymbols writes the ".sym" listing: one "ADDR name (kind)" line per
// named node, in tree order.
func WriteSymbols(w io.Writer, tree *ir.Tree) error {
	for _, sym := range CollectSymbols(tree) {
		if _, err := fmt.Fprintf(w, "%04X %s (%s)\n", sym.Addr, sym.Name, sym.Kind); err != nil {
			return err
		}
	}
	return nil
}
