// Package layout implements the two-phase address-assignment and
// variable-width shrink algorithm that turns an ir.Tree with unresolved
// symbolic references into one where every node has a final address and a
// final operand width.
//
// The algorithm iterates: assign addresses assuming every node keeps its
// current width, resolve every symbolic operand against those addresses,
// then let any node whose resolved operand no longer fits its current
// width change width. Repeat until a pass changes nothing. This is a
// textbook assembler fixed point, and like any fixed point over a
// monotonic lattice it is only guaranteed to terminate if the lattice
// has no cycles — the WidthState type below encodes that lattice
// explicitly, instead of letting shrinking and growing alternate forever.
package layout

import (
	"errors"
	"fmt"

	"github.com/clifford-evm/embedvm/pkg/ir"
	"github.com/clifford-evm/embedvm/pkg/isa"
)

// MaxIterations is the fixed-point iteration cap. Exceeding it without
// converging means the encoding is oscillating and the compiler has a
// bug, not that the input program is invalid.
const MaxIterations = 10

// ErrNoConvergence is returned by Run when the shrink pass still reports
// a change after MaxIterations rounds.
var ErrNoConvergence = errors.New("layout: address assignment did not converge")

// WidthState is the sticky two-state lattice a shrinkable node's operand
// width moves through: it starts at Width1 (the shrink pass may still
// narrow its operand, whatever its current width) and, once forced back
// to a 2-byte operand by an out-of-range value, is Width2Sticky and never
// returns to Width1. This one-way transition is what bounds the number of fixed-point
// iterations: every node can flip at most once, so the whole tree
// converges in at most depth-many rounds in practice, well under the
// MaxIterations safety cap.
type WidthState int

const (
	Width1       WidthState = iota // not forced wide; may still be narrowed
	Width2Sticky                   // operand has been forced wide; stays wide
)

// IterationStats summarizes one round of the fixed point, for callers
// that want to log convergence behavior (cmd/evmcomp does, at debug
// level).
type IterationStats struct {
	Iteration   int
	CodegenLen  uint16
	ChangedNode bool
}

// Result is what Run returns once the tree has converged.
type Result struct {
	CodegenLen uint16
	Iterations []IterationStats
}

// Run drives the fixed point with the default MaxIterations cap.
func Run(tree *ir.Tree) (Result, error) {
	return RunN(tree, MaxIterations)
}

// RunN drives assign-pass1/assign-pass2/shrink to a fixed point, mutating
// tree in place, capped at maxIterations rounds. It mirrors
// tools/codegen.c's codegen() exactly, including its iteration cap,
// except that non-convergence is reported as an error instead of
// aborting the process.
func RunN(tree *ir.Tree, maxIterations int) (Result, error) {
	var res Result
	for i := 0; i < maxIterations; i++ {
		codegenLen := assignPass1(tree, tree.Root, 0)
		assignPass2(tree, tree.Root)
		changed := shrink(tree, tree.Root)
		res.CodegenLen = codegenLen
		res.Iterations = append(res.Iterations, IterationStats{
			Iteration:   i,
			CodegenLen:  codegenLen,
			ChangedNode: changed,
		})
		if !changed {
			return res, nil
		}
	}
	return res, fmt.Errorf("%w after %d iterations", ErrNoConvergence, maxIterations)
}

// assignPass1 walks the tree left-root-right, assigning every node its
// address under the current set of operand widths, and returns the
// address just past the rightmost node (the total image length so far).
func assignPass1(tree *ir.Tree, idx int, addr uint16) uint16 {
	if idx == ir.NoNode {
		return addr
	}
	n := &tree.Nodes[idx]

	if n.HasSetAddr {
		addr = n.SetAddr
	}
	n.Addr = addr

	addr = assignPass1(tree, n.Left, addr)
	n.InnerAddr = addr

	var opcodeBytes uint16
	if n.HasOpcode {
		opcodeBytes = 1
	}
	addr += n.DataLen + opcodeBytes + uint16(n.HasArgData)

	addr = assignPass1(tree, n.Right, addr)
	return addr
}

// assignPass2 resolves every node's symbolic operand against the
// addresses pass 1 just assigned.
func assignPass2(tree *ir.Tree, idx int) {
	if idx == ir.NoNode {
		return
	}
	n := &tree.Nodes[idx]

	if n.ArgAddr != ir.NoNode {
		target := &tree.Nodes[n.ArgAddr]
		n.ArgVal = int16(target.Addr)
		if n.ArgIsRel {
			n.ArgVal -= int16(n.InnerAddr)
		}
	}

	assignPass2(tree, n.Left)
	assignPass2(tree, n.Right)
}

// shrink walks the tree looking for nodes whose operand no longer needs
// its current width (or, stickily, now needs to grow back). It reports
// whether it changed anything, which is the fixed point's termination
// signal.
func shrink(tree *ir.Tree, idx int) bool {
	if idx == ir.NoNode {
		return false
	}
	n := &tree.Nodes[idx]

	changedLeft := shrink(tree, n.Left)
	changedRight := shrink(tree, n.Right)
	changed := changedLeft || changedRight

	switch {
	case n.Opcode >= isa.PushLit3Base && n.Opcode <= isa.PushByteS:
		// Already settled on a literal-push encoding (3-bit immediate or
		// 1-byte unsigned/signed): nothing narrower exists, and treating
		// PushByteU/PushByteS as generic HasArgData nodes below would let a
		// negative PushByteS operand fail the unsigned 1-byte check and
		// grow to PushWord, which the PushWord case below shrinks straight
		// back, so the fixed point would never settle.
		return changed

	case n.Opcode == isa.PushWord && n.ArgAddr != ir.NoNode:
		// A symbolic 16-bit literal always keeps the full 2-byte
		// encoding: it could be relocated later and we have nowhere
		// narrower to put it.
		return changed

	case n.Opcode == isa.PushWord:
		switch {
		case n.ArgVal >= -4 && n.ArgVal <= 3:
			n.Opcode = isa.PushLit3Base + isa.Opcode(n.ArgVal&0x07)
			n.HasArgData = 0
			changed = true
		case n.ArgVal >= 0 && n.ArgVal <= 255:
			n.Opcode = isa.PushByteU
			n.HasArgData = 1
			changed = true
		case n.ArgVal >= -128 && n.ArgVal <= 127:
			n.Opcode = isa.PushByteS
			n.HasArgData = 1
			changed = true
		}
		return changed
	}

	if n.HasArgData == 0 {
		return changed
	}

	var neededBytes uint8 = 2
	if n.ArgIsRel {
		if n.ArgVal >= -128 && n.ArgVal <= 127 {
			neededBytes = 1
		}
	} else {
		if n.ArgVal >= 0 && n.ArgVal <= 255 {
			neededBytes = 1
		}
	}

	if neededBytes != n.HasArgData {
		if neededBytes == 1 && !n.GrewAgain {
			n.Opcode--
			n.HasArgData = 1
			changed = true
		}
		if neededBytes == 2 {
			n.Opcode++
			n.HasArgData = 2
			n.GrewAgain = true
			changed = true
		}
	}

	return changed
}

// State reports a node's current width on the WidthState lattice, purely
// for diagnostics (debug dumps, tests asserting monotonicity).
func State(n *ir.Node) WidthState {
	if n.GrewAgain {
		return Width2Sticky
	}
	return Width1
}
