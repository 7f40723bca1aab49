package codegen

import (
	"github.com/tinyrange/rvc/internal/regalloc"
	"github.com/tinyrange/rvc/internal/rv32"
)

// Register conventions.
//
// Argument registers a0-a7 are excluded from allocation and touched only by
// the ABI shuffles lowering emits around calls, syscalls and returns; keeping
// them out of the allocatable set means those shuffles can never overwrite a
// live allocated value. t5 and t6 are reserved as emitter scratch for spill
// reloads and wide frame offsets. Everything else integer and free goes to
// the allocator, caller-saved first.
var (
	allocatableRegs = []rv32.Reg{
		rv32.T0, rv32.T1, rv32.T2, rv32.T3, rv32.T4,
		rv32.S0, rv32.S1, rv32.S2, rv32.S3, rv32.S4, rv32.S5,
		rv32.S6, rv32.S7, rv32.S8, rv32.S9, rv32.S10, rv32.S11,
	}
	calleeSavedRegs = []rv32.Reg{
		rv32.S0, rv32.S1, rv32.S2, rv32.S3, rv32.S4, rv32.S5,
		rv32.S6, rv32.S7, rv32.S8, rv32.S9, rv32.S10, rv32.S11,
	}
	// callClobbers is what a call may destroy among the allocatable set.
	callClobbers = []regalloc.PhysReg{
		regalloc.PhysReg(rv32.T0), regalloc.PhysReg(rv32.T1),
		regalloc.PhysReg(rv32.T2), regalloc.PhysReg(rv32.T3),
		regalloc.PhysReg(rv32.T4),
	}
)

const (
	scratchReg0 = rv32.T5
	scratchReg1 = rv32.T6
)

func allocEnv() *regalloc.Env {
	env := &regalloc.Env{}
	for _, r := range allocatableRegs {
		env.Allocatable = append(env.Allocatable, regalloc.PhysReg(r))
	}
	for _, r := range calleeSavedRegs {
		env.CalleeSaved = append(env.CalleeSaved, regalloc.PhysReg(r))
	}
	return env
}

// stackAlign is the stack pointer alignment the ABI maintains at every call
// boundary.
const stackAlign = 16

func alignUp(n int32) int32 {
	return (n + stackAlign - 1) &^ (stackAlign - 1)
}

// FrameLayout describes one function's stack frame. The frame grows down
// from the incoming stack pointer (the frame top); region offsets below are
// relative to that top and name the exclusive upper bound of each 4-byte
// slot, so slot off occupies bytes [off-4, off).
//
// Top to bottom: the setup area (saved ra), the clobber area (callee-saved
// registers the allocation used), the spill area, and the outgoing argument
// area for stack-passed call arguments. Each region is rounded to the stack
// alignment independently, so the total is a multiple of it by construction.
type FrameLayout struct {
	WordSize     int32
	IncomingSize int32
	SetupSize    int32
	ClobberSize  int32
	SpillSize    int32
	OutgoingSize int32

	// ClobberedRegs are the callee-saved registers saved in the clobber
	// area, in slot order.
	ClobberedRegs []rv32.Reg
	// SaveRA is set when the function makes calls and ra must survive.
	SaveRA bool
}

// ComputeFrameLayout sizes the frame regions. The setup area holds the
// saved return address and exists only for functions that call, clobber a
// callee-saved register or spill; a pure leaf gets an empty frame.
func ComputeFrameLayout(clobbered []rv32.Reg, spillSlots int, hasCalls bool, incomingArgs, maxCallArgs int) FrameLayout {
	l := FrameLayout{
		WordSize:      rv32.WordSize,
		ClobberedRegs: clobbered,
		SaveRA:        hasCalls,
	}
	if hasCalls || len(clobbered) > 0 || spillSlots > 0 {
		l.SetupSize = alignUp(rv32.WordSize)
	}
	l.ClobberSize = alignUp(int32(len(clobbered)) * rv32.WordSize)
	l.SpillSize = alignUp(int32(spillSlots) * rv32.WordSize)
	if incomingArgs > len(rv32.ArgRegs) {
		l.IncomingSize = alignUp(int32(incomingArgs-len(rv32.ArgRegs)) * rv32.WordSize)
	}
	if maxCallArgs > len(rv32.ArgRegs) {
		l.OutgoingSize = alignUp(int32(maxCallArgs-len(rv32.ArgRegs)) * rv32.WordSize)
	}
	return l
}

// TotalSize is the full frame size, always a multiple of the stack
// alignment.
func (l *FrameLayout) TotalSize() int32 {
	return l.SetupSize + l.ClobberSize + l.SpillSize + l.OutgoingSize
}

// RAOffset is the frame-top-relative slot of the saved return address.
func (l *FrameLayout) RAOffset() int32 { return 0 }

// CalleeSavedOffset is the frame-top-relative slot of clobbered register i.
func (l *FrameLayout) CalleeSavedOffset(i int) int32 {
	return -(l.SetupSize + int32(i)*rv32.WordSize)
}

// SpillSlotOffset is the frame-top-relative slot of spill slot k.
func (l *FrameLayout) SpillSlotOffset(k int) int32 {
	return -(l.SetupSize + l.ClobberSize + int32(k)*rv32.WordSize)
}

// slotAddr converts a frame-top-relative slot offset to an sp-relative byte
// address of the slot's low byte.
func (l *FrameLayout) slotAddr(topOff int32) int32 {
	return l.TotalSize() + topOff - rv32.WordSize
}

// IncomingArgAddr is the sp-relative address of stack-passed incoming
// argument i (i >= 8), which lives in the caller's outgoing area just above
// this frame's top.
func (l *FrameLayout) IncomingArgAddr(i int) int32 {
	return l.TotalSize() + int32(i-len(rv32.ArgRegs))*rv32.WordSize
}

// OutgoingArgAddr is the sp-relative address of stack-passed outgoing
// argument i (i >= 8), at the bottom of the frame.
func OutgoingArgAddr(i int) int32 {
	return int32(i-len(rv32.ArgRegs)) * rv32.WordSize
}
