// Package asmtext provides a minimal textual front end for pkg/ir: one
// pseudo-op per line, building the same instruction tree a real EmbedVM
// source-language compiler would, without implementing that source
// language itself (which is explicitly out of scope — see SPEC_FULL.md
// §1). It exists so the compiler driver has a concrete, testable input
// format: label definitions, a SECTION/DATA pair of directives, and one
// mnemonic per opcode family.
//
// Grammar, one statement per line:
//
//	; a comment, or a blank line
//	label:                      defines label at the next statement
//	SECTION name begin end      declares an address-space section
//	DATA len [hexbytes]         a data blob, optionally pre-initialized
//	mnemonic [operand]          an instruction; operand is a decimal or
//	                            0x-prefixed integer, or a label name
package asmtext

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/clifford-evm/embedvm/pkg/ir"
	"github.com/clifford-evm/embedvm/pkg/isa"
)

// ParseError reports the source line a parse failure occurred on.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("asmtext: line %d: %s", e.Line, e.Msg)
}

type entryKind int

const (
	entryInsn entryKind = iota
	entryData
)

type entry struct {
	kind    entryKind
	lineno  int
	label   string
	mnemonic string
	operand  string
	dataLen  uint16
	initData []byte
}

// Parse reads a textual program from r and returns the ir.Tree it
// describes, ready for pkg/layout.Run.
func Parse(r io.Reader) (*ir.Tree, error) {
	var entries []entry
	var sections []ir.Section
	pendingLabel := ""

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasSuffix(line, ":") && !strings.Contains(line, " ") {
			pendingLabel = strings.TrimSuffix(line, ":")
			continue
		}

		fields := strings.Fields(line)

		switch strings.ToUpper(fields[0]) {
		case "SECTION":
			if len(fields) != 4 {
				return nil, &ParseError{lineno, "SECTION expects name begin end"}
			}
			begin, err := parseInt(fields[2])
			if err != nil {
				return nil, &ParseError{lineno, err.Error()}
			}
			end, err := parseInt(fields[3])
			if err != nil {
				return nil, &ParseError{lineno, err.Error()}
			}
			sections = append(sections, ir.Section{Name: fields[1], Begin: uint16(begin), End: uint16(end)})
			continue

		case "DATA":
			if len(fields) < 2 {
				return nil, &ParseError{lineno, "DATA expects a length"}
			}
			length, err := parseInt(fields[1])
			if err != nil {
				return nil, &ParseError{lineno, err.Error()}
			}
			e := entry{kind: entryData, lineno: lineno, label: pendingLabel, dataLen: uint16(length)}
			if len(fields) >= 3 {
				data, err := decodeHex(fields[2])
				if err != nil {
					return nil, &ParseError{lineno, err.Error()}
				}
				e.initData = data
			}
			entries = append(entries, e)
			pendingLabel = ""
			continue
		}

		e := entry{kind: entryInsn, lineno: lineno, label: pendingLabel, mnemonic: strings.ToLower(fields[0])}
		if len(fields) >= 2 {
			e.operand = fields[1]
		}
		entries = append(entries, e)
		pendingLabel = ""
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return build(entries, sections)
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex data %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q: %w", s[2*i:2*i+2], err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func parseInt(tok string) (int64, error) {
	v, err := strconv.ParseInt(tok, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", tok, err)
	}
	return v, nil
}

// build turns the parsed entry list into an ir.Tree: a spine of plain
// wrapper nodes (one per entry, left child the real node, right child the
// rest of the program) with forward label references resolved against
// the full entry list before any instruction node is filled in.
func build(entries []entry, sections []ir.Section) (*ir.Tree, error) {
	tree := ir.NewTree()
	tree.Sections = sections

	labelIndex := map[string]int{}
	for i, e := range entries {
		if e.label != "" {
			labelIndex[e.label] = i
		}
	}

	nodeIdx := make([]int, len(entries))
	for i := range entries {
		nodeIdx[i] = tree.New(ir.NoNode, ir.NoNode)
	}

	resolve := func(lineno int, name string) (int, error) {
		i, ok := labelIndex[name]
		if !ok {
			return 0, &ParseError{lineno, fmt.Sprintf("undefined label %q", name)}
		}
		return nodeIdx[i], nil
	}

	for i, e := range entries {
		n := &tree.Nodes[nodeIdx[i]]
		n.Symbol = e.label

		if e.kind == entryData {
			n.DataLen = e.dataLen
			n.InitData = e.initData
			continue
		}

		if err := fillInsn(tree, n, e, resolve); err != nil {
			return nil, err
		}
	}

	wrapperIdx := make([]int, len(entries)+1)
	wrapperIdx[len(entries)] = ir.NoNode
	for i := len(entries) - 1; i >= 0; i-- {
		wrapperIdx[i] = tree.New(nodeIdx[i], wrapperIdx[i+1])
	}

	if len(entries) > 0 {
		tree.Root = wrapperIdx[0]
	}
	return tree, nil
}

type resolver func(lineno int, name string) (int, error)

// operandValue parses e.operand as either a bare integer or, failing
// that, a label reference resolved through resolve.
func operandValue(e entry, resolve resolver) (val int16, target int, isLabel bool, err error) {
	if e.operand == "" {
		return 0, ir.NoNode, false, &ParseError{e.lineno, fmt.Sprintf("%s requires an operand", e.mnemonic)}
	}
	if v, perr := parseInt(e.operand); perr == nil {
		return int16(v), ir.NoNode, false, nil
	}
	idx, rerr := resolve(e.lineno, e.operand)
	if rerr != nil {
		return 0, ir.NoNode, false, rerr
	}
	return 0, idx, true, nil
}

func fillInsn(tree *ir.Tree, n *ir.Node, e entry, resolve resolver) error {
	switch e.mnemonic {
	case "add":
		return setOp(n, isa.OpAdd)
	case "sub":
		return setOp(n, isa.OpSub)
	case "mul":
		return setOp(n, isa.OpMul)
	case "div":
		return setOp(n, isa.OpDiv)
	case "mod":
		return setOp(n, isa.OpMod)
	case "shl":
		return setOp(n, isa.OpShl)
	case "shr":
		return setOp(n, isa.OpShr)
	case "and":
		return setOp(n, isa.OpAnd)
	case "or":
		return setOp(n, isa.OpOr)
	case "xor":
		return setOp(n, isa.OpXor)
	case "land":
		return setOp(n, isa.OpLAnd)
	case "lor":
		return setOp(n, isa.OpLOr)
	case "not":
		return setOp(n, isa.OpNot)
	case "neg":
		return setOp(n, isa.OpNeg)
	case "lnot":
		return setOp(n, isa.OpLNot)
	case "lt":
		return setOp(n, isa.OpLT)
	case "le":
		return setOp(n, isa.OpLE)
	case "eq":
		return setOp(n, isa.OpEQ)
	case "ne":
		return setOp(n, isa.OpNE)
	case "ge":
		return setOp(n, isa.OpGE)
	case "gt":
		return setOp(n, isa.OpGT)
	case "return":
		return setOp(n, isa.ReturnValue)
	case "return.void":
		return setOp(n, isa.ReturnVoid)
	case "drop":
		return setOp(n, isa.Drop)
	case "call.ind":
		return setOp(n, isa.CallInd)
	case "jump.ind":
		return setOp(n, isa.JumpInd)
	case "push.sp":
		return setOp(n, isa.PushSP)
	case "push.sfp":
		return setOp(n, isa.PushSFP)

	case "push.local", "pop.local":
		v, err := parseInt(e.operand)
		if err != nil {
			return &ParseError{e.lineno, err.Error()}
		}
		base := isa.PushLocalBase
		if e.mnemonic == "pop.local" {
			base = isa.PopLocalBase
		}
		n.HasOpcode = true
		n.Opcode = base + isa.Opcode(int8(v))&0x3f
		return nil

	case "push":
		val, target, isLabel, err := operandValue(e, resolve)
		if err != nil {
			return err
		}
		n.HasOpcode = true
		n.Opcode = isa.PushWord
		n.HasArgData = 2
		if isLabel {
			n.ArgAddr = target
		} else {
			n.ArgVal = val
		}
		return nil

	case "push.sym":
		_, target, _, err := resolveOperand(e, resolve)
		if err != nil {
			return err
		}
		n.HasOpcode = true
		n.Opcode = isa.PushWord
		n.HasArgData = 2
		n.ArgAddr = target
		return nil

	case "jump", "call", "branch.if", "branch.ifnot":
		_, target, _, err := resolveOperand(e, resolve)
		if err != nil {
			return err
		}
		var op isa.Opcode
		switch e.mnemonic {
		case "jump":
			op = isa.JumpRel2
		case "call":
			op = isa.CallRel2
		case "branch.if":
			op = isa.BranchIf2
		case "branch.ifnot":
			op = isa.BranchIfN2
		}
		n.HasOpcode = true
		n.Opcode = op
		n.HasArgData = 2
		n.ArgIsRel = true
		n.ArgAddr = target
		return nil

	case "call.user":
		v, err := parseInt(e.operand)
		if err != nil || v < 0 || v > 15 {
			return &ParseError{e.lineno, fmt.Sprintf("call.user operand must be 0..15, got %q", e.operand)}
		}
		n.HasOpcode = true
		n.Opcode = isa.UserCallBase + isa.Opcode(v)
		return nil

	case "reserve":
		v, err := parseInt(e.operand)
		if err != nil || v < 0 || v > 7 {
			return &ParseError{e.lineno, fmt.Sprintf("reserve operand must be 0..7, got %q", e.operand)}
		}
		n.HasOpcode = true
		n.Opcode = isa.StackReserveBase + isa.Opcode(v)
		return nil

	case "stackdrop":
		v, err := parseInt(e.operand)
		if err != nil || v < 0 || v > 7 {
			return &ParseError{e.lineno, fmt.Sprintf("stackdrop operand must be 0..7, got %q", e.operand)}
		}
		n.HasOpcode = true
		n.Opcode = isa.StackDropBase + isa.Opcode(v)
		return nil

	case "bury", "dig":
		v, err := parseInt(e.operand)
		if err != nil || v < 0 || v > 5 {
			return &ParseError{e.lineno, fmt.Sprintf("%s operand must be 0..5, got %q", e.mnemonic, e.operand)}
		}
		mode := isa.AddrBury
		if e.mnemonic == "dig" {
			mode = isa.AddrDig
		}
		n.HasOpcode = true
		n.Opcode = isa.EncodeMemOp(mode, isa.MemOp(v))
		return nil

	case "load.u8", "load.s8", "store.u8", "store.16", "load.16":
		return fillMemOp(n, e, resolve)
	}

	return &ParseError{e.lineno, fmt.Sprintf("unknown mnemonic %q", e.mnemonic)}
}

func setOp(n *ir.Node, op isa.Opcode) error {
	n.HasOpcode = true
	n.Opcode = op
	return nil
}

func resolveOperand(e entry, resolve resolver) (int16, int, bool, error) {
	if e.operand == "" {
		return 0, ir.NoNode, false, &ParseError{e.lineno, fmt.Sprintf("%s requires an operand", e.mnemonic)}
	}
	idx, err := resolve(e.lineno, e.operand)
	if err != nil {
		return 0, ir.NoNode, false, err
	}
	return 0, idx, true, nil
}

// fillMemOp handles the load/store mnemonics, which take either the
// literal operand "stack" (address comes off the data stack) or a label
// naming the memory cell to access absolutely.
func fillMemOp(n *ir.Node, e entry, resolve resolver) error {
	var memOp isa.MemOp
	switch e.mnemonic {
	case "load.u8":
		memOp = isa.MemLoadU8
	case "load.s8":
		memOp = isa.MemLoadS8
	case "store.u8":
		memOp = isa.MemStore8
	case "load.16":
		memOp = isa.MemLoad16
	case "store.16":
		memOp = isa.MemStore16
	}

	if e.operand == "" {
		return &ParseError{e.lineno, fmt.Sprintf("%s requires an operand", e.mnemonic)}
	}

	if strings.EqualFold(e.operand, "stack") {
		n.HasOpcode = true
		n.Opcode = isa.EncodeMemOp(isa.AddrStack, memOp)
		return nil
	}

	target, err := resolve(e.lineno, e.operand)
	if err != nil {
		return err
	}
	n.HasOpcode = true
	n.Opcode = isa.EncodeMemOp(isa.AddrAbs2, memOp)
	n.HasArgData = 2
	n.ArgAddr = target
	return nil
}
