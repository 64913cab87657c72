package vm

import "github.com/clifford-evm/embedvm/pkg/isa"

// opcodeFamily is the tagged-sum-type the raw opcode byte is classified
// into before Step dispatches on it, so the rest of the package never
// re-derives a range check once it already knows which family it is
// handling.
type opcodeFamily int

const (
	famUnknown opcodeFamily = iota
	famPushLocal
	famPopLocal
	famBinary
	famUnary
	famCompare
	famPushLit3
	famPushByteU
	famPushByteS
	famPushWord
	famReturn
	famDrop
	famCallInd
	famJumpInd
	famPCRel
	famPushSP
	famPushSFP
	famUserCall
	famMemOp
	famStackReserve
	famStackDrop
)

func family(op isa.Opcode) opcodeFamily {
	switch {
	case op >= isa.PushLocalBase && op <= isa.PushLocalMax:
		return famPushLocal
	case op >= isa.PopLocalBase && op <= isa.PopLocalMax:
		return famPopLocal
	case op >= isa.OpAdd && op <= isa.OpLOr:
		return famBinary
	case op >= isa.OpNot && op <= isa.OpLNot:
		return famUnary
	case op >= isa.OpLT && op <= isa.OpGT:
		return famCompare
	case op >= isa.PushLit3Base && op <= isa.PushLit3Max:
		return famPushLit3
	case op == isa.PushByteU:
		return famPushByteU
	case op == isa.PushByteS:
		return famPushByteS
	case op == isa.PushWord:
		return famPushWord
	case op == isa.ReturnValue || op == isa.ReturnVoid:
		return famReturn
	case op == isa.Drop:
		return famDrop
	case op == isa.CallInd:
		return famCallInd
	case op == isa.JumpInd:
		return famJumpInd
	case op >= isa.JumpRel1 && op <= isa.BranchIfN2:
		return famPCRel
	case op == isa.PushSP:
		return famPushSP
	case op == isa.PushSFP:
		return famPushSFP
	case op >= isa.UserCallBase && op <= isa.UserCallMax:
		return famUserCall
	case op >= isa.MemOpBase && op <= isa.MemOpMax:
		return famMemOp
	case op >= isa.StackReserveBase && op <= isa.StackReserveMax:
		return famStackReserve
	case op >= isa.StackDropBase && op <= isa.StackDropMax:
		return famStackDrop
	default:
		return famUnknown
	}
}
