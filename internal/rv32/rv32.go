// Package rv32 provides the instruction-level services for the rv32 target:
// register names, instruction word encoding and decoding, a disassembler and a
// small interpreting machine used to execute emitted code during verification.
//
// The package is a leaf: it knows nothing about the IR or the code generator.
// All instructions are fixed 4-byte little-endian words.
package rv32

// WordSize is the size in bytes of both a machine word and an instruction.
const WordSize = 4

// Reg identifies one of the 32 integer registers.
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	X31
)

// ABI register aliases.
const (
	ZERO = X0
	RA   = X1
	SP   = X2
	GP   = X3
	TP   = X4
	T0   = X5
	T1   = X6
	T2   = X7
	S0   = X8
	S1   = X9
	A0   = X10
	A1   = X11
	A2   = X12
	A3   = X13
	A4   = X14
	A5   = X15
	A6   = X16
	A7   = X17
	S2   = X18
	S3   = X19
	S4   = X20
	S5   = X21
	S6   = X22
	S7   = X23
	S8   = X24
	S9   = X25
	S10  = X26
	S11  = X27
	T3   = X28
	T4   = X29
	T5   = X30
	T6   = X31
)

var regNames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "x?"
}

// ArgRegs are the eight argument/return registers in ABI order. The first two
// double as the return value registers.
var ArgRegs = [8]Reg{A0, A1, A2, A3, A4, A5, A6, A7}

// SyscallNumReg holds the syscall number on entry to ECALL; SyscallArgRegs are
// the at most seven argument registers.
const SyscallNumReg = A7

var SyscallArgRegs = [7]Reg{A0, A1, A2, A3, A4, A5, A6}

// CalleeSaved lists the callee-saved registers in save order.
var CalleeSaved = [12]Reg{S0, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11}
