// Package vm implements the EmbedVM bytecode interpreter: fetch, decode
// and execute one instruction at a time against a host-supplied memory
// and user-call capability, advancing the VM's instruction pointer, stack
// pointer and stack-frame pointer exactly as the reference interpreter
// does.
//
// A VM is not safe for concurrent use. A single goroutine should drive
// Step (directly, or through Run) for the lifetime of one program.
package vm

import (
	"errors"
	"fmt"

	"github.com/clifford-evm/embedvm/pkg/isa"
)

// ErrHalted is returned by Step once the instruction pointer reaches the
// halt sentinel address (0xFFFF) — the address embedvm_interrupt's
// "return from top level" leaves behind once every stack frame pushed by
// an interrupt has unwound.
var ErrHalted = errors.New("vm: halted")

// ErrUnknownOpcode is returned by Step when it fetches a byte with no
// defined meaning and the VM's UnknownOpcodePolicy is Trap.
var ErrUnknownOpcode = errors.New("vm: unknown opcode")

// UnknownOpcodePolicy controls what Step does when it fetches a byte
// with no defined meaning: 0x8F, which lies outside every opcode range,
// and the memory-op bytes whose low three bits are 7 (0xC7, 0xCF, 0xD7,
// 0xDF, 0xE7, 0xEF), which name no addressing mode.
type UnknownOpcodePolicy int

const (
	// NoOp treats the unknown byte as a single-byte no-op and advances
	// past it. This is the default, and keeps a VM tolerant of stray
	// bytes the way the reference interpreter's fall-through behavior
	// does in practice for any caller that also advances ip on no match.
	NoOp UnknownOpcodePolicy = iota
	// Trap makes Step return ErrUnknownOpcode instead of advancing.
	Trap
)

// Memory is the host capability a VM reads and writes its address space
// through. Implementations back the VM's instructions, its stack and its
// local-variable frame alike — EmbedVM has no separate register file.
type Memory interface {
	Read8(addr uint16) (byte, error)
	Read16(addr uint16) (int16, error)
	Write8(addr uint16, value byte) error
	Write16(addr uint16, value int16) error
}

// UserCaller is the host capability backing the 0xB0-0xBF "call user
// function" opcode family. funcID is the opcode's low nibble; args is the
// popped argument list, args[0] being the value that was on top of the
// stack.
type UserCaller interface {
	CallUser(funcID byte, args []int16) (int16, error)
}

// VM holds the three EmbedVM registers and the host capabilities that
// back its memory and user-call opcodes.
type VM struct {
	IP, SP, SFP uint16

	Memory     Memory
	UserCaller UserCaller

	UnknownOpcodePolicy UnknownOpcodePolicy
}

// New returns a VM with IP at the halt sentinel (i.e. not yet started)
// and SP/SFP at zero, reading/writing through mem and calling out through
// caller.
func New(mem Memory, caller UserCaller) *VM {
	return &VM{IP: isa.HaltAddress, Memory: mem, UserCaller: caller}
}

// Interrupt starts a new top-level call at addr, mirroring
// embedvm_interrupt: it pushes the current SFP (tagged void-context) and
// IP as a synthetic caller frame, then jumps to addr with a fresh frame.
// Typically called once, with IP already at the halt sentinel, to start
// the program; a host may also call it to deliver a real interrupt
// between Step calls.
func (m *VM) Interrupt(addr uint16) error {
	if err := m.push(int16(m.SFP | 1)); err != nil {
		return err
	}
	if err := m.push(int16(m.IP)); err != nil {
		return err
	}
	m.SFP = m.SP
	m.IP = addr
	return nil
}

// Run steps the VM until it halts or Step returns a non-halt error.
func (m *VM) Run() error {
	for {
		if err := m.Step(); err != nil {
			if errors.Is(err, ErrHalted) {
				return nil
			}
			return err
		}
	}
}

// Step fetches, decodes and executes exactly one instruction. It returns
// ErrHalted, without touching memory, once IP is the halt sentinel.
func (m *VM) Step() error {
	if m.IP == isa.HaltAddress {
		return ErrHalted
	}

	op, err := m.Memory.Read8(m.IP)
	if err != nil {
		return fmt.Errorf("vm: fetch at 0x%04x: %w", m.IP, err)
	}

	switch family(op) {
	case famPushLocal:
		return m.execPushLocal(op)
	case famPopLocal:
		return m.execPopLocal(op)
	case famBinary, famUnary, famCompare:
		return m.execArith(op)
	case famPushLit3:
		return m.execPushLit3(op)
	case famPushByteU:
		return m.execPushByte(op, false)
	case famPushByteS:
		return m.execPushByte(op, true)
	case famPushWord:
		return m.execPushWord()
	case famReturn:
		return m.execReturn(op)
	case famDrop:
		return m.execDrop()
	case famCallInd:
		return m.execCallInd()
	case famJumpInd:
		return m.execJumpInd()
	case famPCRel:
		return m.execPCRel(op)
	case famPushSP:
		return m.execPushReg(m.SP)
	case famPushSFP:
		return m.execPushReg(m.SFP)
	case famUserCall:
		return m.execUserCall(op)
	case famMemOp:
		return m.execMemOp(op)
	case famStackReserve:
		return m.execStackReserve(op)
	case famStackDrop:
		return m.execStackDrop(op)
	default:
		if m.UnknownOpcodePolicy == Trap {
			return fmt.Errorf("%w: 0x%02x at 0x%04x", ErrUnknownOpcode, op, m.IP)
		}
		m.IP++
		return nil
	}
}

// push and pop implement the VM's 16-bit, big-endian-in-memory data
// stack, mirroring embedvm_push/embedvm_pop: SP always points at the
// current top-of-stack word, and grows downward.
func (m *VM) push(value int16) error {
	m.SP -= 2
	return m.Memory.Write16(m.SP, value)
}

func (m *VM) pop() (int16, error) {
	value, err := m.Memory.Read16(m.SP)
	if err != nil {
		return 0, err
	}
	m.SP += 2
	return value, nil
}

// localAddr computes the address of the local variable at signed
// frame-relative offset sfa, mirroring embedvm_local_read/write's
// address arithmetic: non-negative offsets count down from just below
// the frame pointer (locals), negative offsets count up from just above
// it (arguments).
func (m *VM) localAddr(sfa int8) uint16 {
	if sfa < 0 {
		return m.SFP - uint16(2*int32(sfa)) + 2
	}
	return m.SFP - uint16(2*int32(sfa)) - 2
}

func (m *VM) localRead(sfa int8) (int16, error) {
	return m.Memory.Read16(m.localAddr(sfa))
}

func (m *VM) localWrite(sfa int8, value int16) error {
	return m.Memory.Write16(m.localAddr(sfa), value)
}
