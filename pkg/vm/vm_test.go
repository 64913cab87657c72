package vm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clifford-evm/embedvm/pkg/asmtext"
	"github.com/clifford-evm/embedvm/pkg/emit"
	"github.com/clifford-evm/embedvm/pkg/isa"
	"github.com/clifford-evm/embedvm/pkg/layout"
)

type recordedCall struct {
	funcID byte
	args   []int16
}

type stubCaller struct {
	calls  []recordedCall
	result int16
}

func (s *stubCaller) CallUser(funcID byte, args []int16) (int16, error) {
	s.calls = append(s.calls, recordedCall{funcID, append([]int16{}, args...)})
	if s.result != 0 {
		return s.result, nil
	}
	var sum int16
	for _, a := range args {
		sum += a
	}
	return sum ^ int16(funcID), nil
}

// newTestVM writes code at address 0 and returns a VM with IP at 0 and
// SP/SFP parked well away from the program so pushes and local slots
// never collide with it.
func newTestVM(code []byte) (*VM, *FlatMemory, *stubCaller) {
	mem := NewFlatMemory()
	copy(mem.Data[:], code)
	caller := &stubCaller{}
	m := New(mem, caller)
	m.IP = 0
	m.SP = 0x8000
	m.SFP = 0x8000
	return m, mem, caller
}

func TestHaltSentinelStepReturnsErrHalted(t *testing.T) {
	m, _, _ := newTestVM(nil)
	m.IP = isa.HaltAddress
	err := m.Step()
	require.ErrorIs(t, err, ErrHalted)
}

func TestLocalAddrMatchesFrameLayout(t *testing.T) {
	m, _, _ := newTestVM(nil)
	m.SFP = 100
	require.Equal(t, uint16(98), m.localAddr(0))
	require.Equal(t, uint16(96), m.localAddr(1))
	require.Equal(t, uint16(104), m.localAddr(-1))
}

func TestPushLocalPopLocalRoundTrip(t *testing.T) {
	m, mem, _ := newTestVM([]byte{isa.PushLocalBase + 0})
	require.NoError(t, mem.Write16(m.localAddr(0), 777))

	require.NoError(t, m.Step())
	v, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(777), v)
	require.Equal(t, uint16(1), m.IP)

	m2, mem2, _ := newTestVM([]byte{isa.PopLocalBase + 1})
	require.NoError(t, m2.push(42))
	require.NoError(t, m2.Step())
	v2, err := mem2.Read16(m2.localAddr(1))
	require.NoError(t, err)
	require.Equal(t, int16(42), v2)
}

func runOp(t *testing.T, op isa.Opcode, operands []int16) (int16, error) {
	t.Helper()
	m, _, _ := newTestVM([]byte{op})
	for _, v := range operands {
		require.NoError(t, m.push(v))
	}
	if err := m.Step(); err != nil {
		return 0, err
	}
	return m.pop()
}

func TestBinaryArithmeticOps(t *testing.T) {
	cases := []struct {
		name string
		op   isa.Opcode
		a, b int16
		want int16
	}{
		{"add", isa.OpAdd, 3, 4, 7},
		{"sub", isa.OpSub, 10, 3, 7},
		{"mul", isa.OpMul, 3, 4, 12},
		{"div", isa.OpDiv, 10, 3, 3},
		{"mod", isa.OpMod, 10, 3, 1},
		{"shl", isa.OpShl, 1, 4, 16},
		{"shr", isa.OpShr, 16, 4, 1},
		{"and", isa.OpAnd, 0xf0, 0x0f, 0},
		{"or", isa.OpOr, 0xf0, 0x0f, 0xff},
		{"xor", isa.OpXor, 0xff, 0x0f, 0xf0},
		{"land-true", isa.OpLAnd, 1, 1, 1},
		{"land-false", isa.OpLAnd, 1, 0, 0},
		{"lor-true", isa.OpLOr, 0, 1, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := runOp(t, c.op, []int16{c.a, c.b})
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestUnaryOps(t *testing.T) {
	cases := []struct {
		name string
		op   isa.Opcode
		a    int16
		want int16
	}{
		{"not", isa.OpNot, 0, -1},
		{"neg", isa.OpNeg, 5, -5},
		{"lnot-zero", isa.OpLNot, 0, 1},
		{"lnot-nonzero", isa.OpLNot, 5, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := runOp(t, c.op, []int16{c.a})
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestCompareOps(t *testing.T) {
	cases := []struct {
		name string
		op   isa.Opcode
		a, b int16
		want int16
	}{
		{"lt-true", isa.OpLT, 3, 4, 1},
		{"le-eq", isa.OpLE, 4, 4, 1},
		{"eq-true", isa.OpEQ, 4, 4, 1},
		{"ne-true", isa.OpNE, 4, 5, 1},
		{"ge-true", isa.OpGE, 4, 3, 1},
		{"gt-true", isa.OpGT, 5, 4, 1},
		{"gt-false", isa.OpGT, 4, 5, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := runOp(t, c.op, []int16{c.a, c.b})
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestDivideAndModByZero(t *testing.T) {
	_, err := runOp(t, isa.OpDiv, []int16{5, 0})
	require.ErrorIs(t, err, ErrDivideByZero)

	_, err = runOp(t, isa.OpMod, []int16{5, 0})
	require.ErrorIs(t, err, ErrDivideByZero)
}

func TestPushLiteralFamilies(t *testing.T) {
	m, _, _ := newTestVM([]byte{isa.PushLit3Base + 3})
	require.NoError(t, m.Step())
	v, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(3), v)
	require.Equal(t, uint16(1), m.IP)

	negLit := byte(0x07) // sign bit set within the 3-bit field -> -1
	m2, _, _ := newTestVM([]byte{isa.PushLit3Base + negLit})
	require.NoError(t, m2.Step())
	v2, _ := m2.pop()
	require.Equal(t, int16(-1), v2)

	m3, _, _ := newTestVM([]byte{isa.PushByteU, 0xfe})
	require.NoError(t, m3.Step())
	v3, _ := m3.pop()
	require.Equal(t, int16(254), v3)
	require.Equal(t, uint16(2), m3.IP)

	m4, _, _ := newTestVM([]byte{isa.PushByteS, 0xfe})
	require.NoError(t, m4.Step())
	v4, _ := m4.pop()
	require.Equal(t, int16(-2), v4)

	m5, _, _ := newTestVM([]byte{isa.PushWord, 0x03, 0xe8})
	require.NoError(t, m5.Step())
	v5, _ := m5.pop()
	require.Equal(t, int16(1000), v5)
	require.Equal(t, uint16(3), m5.IP)
}

func TestReturnValueVoidContextTopLevel(t *testing.T) {
	code := make([]byte, 0x103)
	code[0x100] = isa.PushByteU
	code[0x101] = 42
	code[0x102] = isa.ReturnValue

	m, _, _ := newTestVM(code)
	m.IP = isa.HaltAddress
	spBefore, sfpBefore := m.SP, m.SFP
	require.NoError(t, m.Interrupt(0x100))
	require.NoError(t, m.Run())

	require.Equal(t, spBefore, m.SP)
	require.Equal(t, sfpBefore, m.SFP)
	require.Equal(t, isa.HaltAddress, int(m.IP))
}

func TestCallIndirectDropPeephole(t *testing.T) {
	code := make([]byte, 0x11)
	code[0] = isa.PushByteU
	code[1] = 0x10
	code[2] = isa.CallInd
	code[3] = isa.Drop
	code[0x10] = isa.ReturnVoid

	m, _, _ := newTestVM(code)
	require.NoError(t, m.Step()) // push target address
	require.NoError(t, m.Step()) // call.ind, peephole sees the drop
	require.Equal(t, uint16(0x10), m.IP)
	require.NoError(t, m.Step()) // return.void

	require.Equal(t, uint16(4), m.IP)
	require.Equal(t, uint16(0x8000), m.SP)
	require.Equal(t, uint16(0x8000), m.SFP)
}

func TestCallIndirectWithoutPeepholePushesValue(t *testing.T) {
	code := make([]byte, 0x12)
	code[0] = isa.PushByteU
	code[1] = 0x10
	code[2] = isa.CallInd
	code[3] = isa.PushLit3Base // filler byte, never executed: anything but Drop skips the peephole
	code[0x10] = isa.PushLit3Base + 5
	code[0x11] = isa.ReturnValue

	m, _, _ := newTestVM(code)
	require.NoError(t, m.Step()) // push target address
	require.NoError(t, m.Step()) // call.ind, no peephole: next byte isn't drop
	require.Equal(t, uint16(0x10), m.IP)
	require.NoError(t, m.Step()) // push.lit3: field 5 sign-extends to -3
	require.NoError(t, m.Step()) // return.value

	require.Equal(t, uint16(3), m.IP)
	v, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(-3), v)
}

func TestJumpIndirect(t *testing.T) {
	m, _, _ := newTestVM([]byte{isa.JumpInd})
	require.NoError(t, m.push(0x1234))
	require.NoError(t, m.Step())
	require.Equal(t, uint16(0x1234), m.IP)
}

func TestPCRelativeDisplacementMeasuredFromOpcodeAddress(t *testing.T) {
	code := make([]byte, 16)
	code[10] = isa.JumpRel1
	disp := int8(-5)
	code[11] = byte(disp)

	m, _, _ := newTestVM(code)
	m.IP = 10
	require.NoError(t, m.Step())
	require.Equal(t, uint16(5), m.IP)
}

func TestBranchIfTakenAndNotTaken(t *testing.T) {
	code := make([]byte, 16)
	code[0] = isa.BranchIf1
	code[1] = 10

	m, _, _ := newTestVM(code)
	require.NoError(t, m.push(1))
	require.NoError(t, m.Step())
	require.Equal(t, uint16(10), m.IP)

	m2, _, _ := newTestVM(code)
	require.NoError(t, m2.push(0))
	require.NoError(t, m2.Step())
	require.Equal(t, uint16(2), m2.IP)
}

func TestBranchIfNotTakenAndTaken(t *testing.T) {
	code := make([]byte, 16)
	code[0] = isa.BranchIfN1
	code[1] = 10

	m, _, _ := newTestVM(code)
	require.NoError(t, m.push(0))
	require.NoError(t, m.Step())
	require.Equal(t, uint16(10), m.IP)

	m2, _, _ := newTestVM(code)
	require.NoError(t, m2.push(1))
	require.NoError(t, m2.Step())
	require.Equal(t, uint16(2), m2.IP)
}

func TestUserCallPassesArgsInPopOrder(t *testing.T) {
	m, _, caller := newTestVM([]byte{isa.UserCallBase + 7})
	require.NoError(t, m.push(10))
	require.NoError(t, m.push(20))
	require.NoError(t, m.push(30))
	require.NoError(t, m.push(3)) // argc

	require.NoError(t, m.Step())
	require.Len(t, caller.calls, 1)
	require.Equal(t, byte(7), caller.calls[0].funcID)
	require.Equal(t, []int16{30, 20, 10}, caller.calls[0].args)

	v, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, (int16(30+20+10))^int16(7), v)
}

func TestPushSPAndPushSFP(t *testing.T) {
	m, _, _ := newTestVM([]byte{isa.PushSP, isa.PushSFP})
	m.SP = 0x1234
	m.SFP = 0x5678

	require.NoError(t, m.Step()) // push.sp
	require.NoError(t, m.Step()) // push.sfp

	v, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(0x5678), v)

	v, err = m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(0x1234), v)
}

func TestMemOpAbsolute1ByteStoreAndLoad(t *testing.T) {
	store := isa.EncodeMemOp(isa.AddrAbs1, isa.MemStore8)
	m, mem, _ := newTestVM([]byte{store, 0x20})
	require.NoError(t, m.push(55))
	require.NoError(t, m.Step())
	b, err := mem.Read8(0x20)
	require.NoError(t, err)
	require.Equal(t, byte(55), b)

	load := isa.EncodeMemOp(isa.AddrAbs1, isa.MemLoadU8)
	m2, mem2, _ := newTestVM([]byte{load, 0x20})
	require.NoError(t, mem2.Write8(0x20, 200))
	require.NoError(t, m2.Step())
	v, err := m2.pop()
	require.NoError(t, err)
	require.Equal(t, int16(200), v)
}

func TestMemOpStackAddressedStore(t *testing.T) {
	op := isa.EncodeMemOp(isa.AddrStack, isa.MemStore8)
	m, mem, _ := newTestVM([]byte{op})
	require.NoError(t, m.push(55))    // value
	require.NoError(t, m.push(0x2000)) // address, popped first
	require.NoError(t, m.Step())

	b, err := mem.Read8(0x2000)
	require.NoError(t, err)
	require.Equal(t, byte(55), b)
}

func TestMemOpIndexed16BitStore(t *testing.T) {
	op := isa.EncodeMemOp(isa.AddrIndexed2, isa.MemStore16)
	m, mem, _ := newTestVM([]byte{op, 0x10, 0x00})
	require.NoError(t, m.push(999)) // value
	require.NoError(t, m.push(3))   // index, popped first
	require.NoError(t, m.Step())

	v, err := mem.Read16(0x1000 + 6)
	require.NoError(t, err)
	require.Equal(t, int16(999), v)
}

func TestMemOpIndexed8BitLoad(t *testing.T) {
	op := isa.EncodeMemOp(isa.AddrIndexed1, isa.MemLoadU8)
	m, mem, _ := newTestVM([]byte{op, 0x10})
	require.NoError(t, mem.Write8(0x15, 77))
	require.NoError(t, m.push(5)) // index, no scale on 8-bit ops
	require.NoError(t, m.Step())
	v, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(77), v)
}

func TestBuryDepthZeroDuplicatesTop(t *testing.T) {
	op := isa.EncodeMemOp(isa.AddrBury, isa.MemOp(0))
	m, _, _ := newTestVM([]byte{op})
	require.NoError(t, m.push(5))
	require.NoError(t, m.Step())

	a, err := m.pop()
	require.NoError(t, err)
	b, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(5), a)
	require.Equal(t, int16(5), b)
}

func TestBuryDepthOneReordersStack(t *testing.T) {
	op := isa.EncodeMemOp(isa.AddrBury, isa.MemOp(1))
	m, _, _ := newTestVM([]byte{op})
	require.NoError(t, m.push(1))
	require.NoError(t, m.push(2))
	require.NoError(t, m.push(3))
	require.NoError(t, m.Step())

	var got []int16
	for i := 0; i < 4; i++ {
		v, err := m.pop()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, []int16{3, 2, 3, 1}, got)
}

func TestDigDepthZeroSwapsTopTwo(t *testing.T) {
	op := isa.EncodeMemOp(isa.AddrDig, isa.MemOp(0))
	m, _, _ := newTestVM([]byte{op})
	require.NoError(t, m.push(1))
	require.NoError(t, m.push(2))
	require.NoError(t, m.Step())

	top, err := m.pop()
	require.NoError(t, err)
	bottom, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(1), top)
	require.Equal(t, int16(2), bottom)
}

func TestStackReservePushesZeros(t *testing.T) {
	m, _, _ := newTestVM([]byte{isa.StackReserveBase + 3})
	require.NoError(t, m.Step())

	for i := 0; i < 4; i++ {
		v, err := m.pop()
		require.NoError(t, err)
		require.Equal(t, int16(0), v)
	}
}

func TestStackDropRemovesWordsBeneathTop(t *testing.T) {
	m, _, _ := newTestVM([]byte{isa.StackDropBase + 0})
	require.NoError(t, m.push(1))
	require.NoError(t, m.push(2))
	require.NoError(t, m.push(3))
	require.NoError(t, m.Step())

	top, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(3), top)
	next, err := m.pop()
	require.NoError(t, err)
	require.Equal(t, int16(1), next)
}

func TestUnknownOpcodePolicy(t *testing.T) {
	m, _, _ := newTestVM([]byte{0x8f})
	require.NoError(t, m.Step())
	require.Equal(t, uint16(1), m.IP)

	m2, _, _ := newTestVM([]byte{0x8f})
	m2.UnknownOpcodePolicy = Trap
	err := m2.Step()
	require.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestEndToEndArithmeticThroughUserCall(t *testing.T) {
	src := `
start:
	push 3
	push 4
	add
	push 2
	mul
	push 1
	call.user 7
	drop
	return.void
`
	tree, err := asmtext.Parse(strings.NewReader(src))
	require.NoError(t, err)

	_, err = layout.Run(tree)
	require.NoError(t, err)

	img := emit.NewImage()
	require.NoError(t, img.Prepare(tree))

	var startAddr uint16
	for _, sym := range emit.CollectSymbols(tree) {
		if sym.Name == "start" {
			startAddr = sym.Addr
		}
	}

	mem := NewFlatMemory()
	mem.Load(img.Bytes())
	caller := &stubCaller{}
	m := New(mem, caller)

	require.NoError(t, m.Interrupt(startAddr))
	require.NoError(t, m.Run())

	require.Len(t, caller.calls, 1)
	require.Equal(t, byte(7), caller.calls[0].funcID)
	require.Equal(t, []int16{14}, caller.calls[0].args)
	require.Equal(t, uint16(0), m.SP)
	require.Equal(t, uint16(0), m.SFP)
}
