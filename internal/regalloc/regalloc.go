// Package regalloc implements the register allocator the code generator
// hands lowered functions to. It sees the lowered code only through the
// Function interface: dense block and instruction indices, per-instruction
// def/use operand lists and clobber sets. The allocator itself is a linear
// scan over live intervals built from iterative backward liveness, so it is
// correct in the presence of loops.
package regalloc

import (
	"errors"
	"fmt"
)

// RegClass identifies a register class. This target has a single 32-bit
// integer class.
type RegClass uint8

const ClassInt RegClass = 0

// VReg is a dense virtual register index assigned during lowering.
type VReg int32

const InvalidVReg VReg = -1

// PhysReg is a physical register number in the target's encoding space.
type PhysReg uint8

// OperandKind tags an operand as a definition or a use.
type OperandKind uint8

const (
	OperandUse OperandKind = iota
	OperandDef
)

func (k OperandKind) String() string {
	if k == OperandDef {
		return "def"
	}
	return "use"
}

// Constraint restricts where an operand may be allocated. The lowering in
// this backend never pins operands to fixed registers, so the only
// constraint is "any register of the class".
type Constraint uint8

const ConstraintAnyReg Constraint = 0

// Operand is one register mention of an instruction.
type Operand struct {
	VReg       VReg
	Kind       OperandKind
	Class      RegClass
	Constraint Constraint
}

// Use builds a use operand of the integer class.
func Use(v VReg) Operand { return Operand{VReg: v, Kind: OperandUse, Class: ClassInt} }

// Def builds a def operand of the integer class.
func Def(v VReg) Operand { return Operand{VReg: v, Kind: OperandDef, Class: ClassInt} }

// Function is the view of lowered code the allocator works against.
// Instruction indices are global across the function; every block owns a
// contiguous range in lowering order.
type Function interface {
	// EntryBlock returns the index of the entry block in lowering order.
	EntryBlock() int
	// NumBlocks returns the number of blocks in lowering order.
	NumBlocks() int
	// BlockInstrRange returns the half-open [begin, end) instruction index
	// range of block b.
	BlockInstrRange(b int) (int, int)
	// BlockSuccs and BlockPreds return controlflow neighbours of b as
	// lowering-order block indices.
	BlockSuccs(b int) []int
	BlockPreds(b int) []int
	// BlockParams returns the virtual registers that are parameters of b.
	// Parameter registers are defined by moves on every incoming edge and
	// are therefore exempt from the single-definition rule.
	BlockParams(b int) []VReg
	// NumInstrs returns the total instruction count.
	NumInstrs() int
	// InstrOperands returns the operand list of instruction i.
	InstrOperands(i int) []Operand
	// InstrClobbers returns the physical registers instruction i may
	// overwrite beyond its operands (non-empty only for calls).
	InstrClobbers(i int) []PhysReg
	// NumVRegs returns the virtual register count; all VRegs are < this.
	NumVRegs() int
	// SpillSlotSize returns the byte size of one spill slot of the class.
	SpillSlotSize(RegClass) int
}

// Env describes the machine's allocatable register file.
type Env struct {
	// Allocatable registers, in preference order.
	Allocatable []PhysReg
	// CalleeSaved is the subset of Allocatable that survives calls.
	CalleeSaved []PhysReg
}

func (e *Env) isCalleeSaved(r PhysReg) bool {
	for _, c := range e.CalleeSaved {
		if c == r {
			return true
		}
	}
	return false
}

// Options controls a Run.
type Options struct {
	// ValidateSSA checks the single-definition rule before allocating.
	ValidateSSA bool
}

// LocKind says where a virtual register ended up.
type LocKind uint8

const (
	LocNone LocKind = iota
	LocReg
	LocSlot
)

// Loc is the final location of one virtual register.
type Loc struct {
	Kind LocKind
	Reg  PhysReg
	Slot int
}

func (l Loc) String() string {
	switch l.Kind {
	case LocReg:
		return fmt.Sprintf("r%d", l.Reg)
	case LocSlot:
		return fmt.Sprintf("slot%d", l.Slot)
	}
	return "none"
}

// Result is the allocation outcome.
type Result struct {
	// Locs maps every virtual register to its location. Registers that are
	// never defined or used stay LocNone.
	Locs []Loc
	// NumSpillSlots is the number of spill slots handed out.
	NumSpillSlots int
	// UsedCalleeSaved lists the callee-saved registers the allocation
	// touched, in Env order.
	UsedCalleeSaved []PhysReg
}

// Sentinel failures. Both are terminal: the caller reports them, nothing is
// retried.
var (
	ErrInvalidSSA  = errors.New("regalloc: invalid ssa")
	ErrAllocFailed = errors.New("regalloc: allocation failed")
)

// Run allocates f over env.
func Run(f Function, env *Env, opts Options) (*Result, error) {
	if len(env.Allocatable) == 0 {
		return nil, fmt.Errorf("%w: no allocatable registers", ErrAllocFailed)
	}
	if opts.ValidateSSA {
		if err := validateSSA(f); err != nil {
			return nil, err
		}
	}
	intervals := buildIntervals(f)
	return scan(f, env, intervals)
}

// validateSSA enforces the single-definition rule for every virtual register
// that is not a block parameter. Block parameters are defined once per
// incoming edge by the parallel moves lowering inserts, a deliberate
// relaxation of strict SSA.
func validateSSA(f Function) error {
	isParam := make([]bool, f.NumVRegs())
	for b := 0; b < f.NumBlocks(); b++ {
		for _, p := range f.BlockParams(b) {
			isParam[p] = true
		}
	}

	defCount := make([]int32, f.NumVRegs())
	for i := 0; i < f.NumInstrs(); i++ {
		for _, op := range f.InstrOperands(i) {
			if op.VReg < 0 || int(op.VReg) >= f.NumVRegs() {
				return fmt.Errorf("%w: instruction %d references out-of-range v%d", ErrInvalidSSA, i, op.VReg)
			}
			if op.Kind == OperandDef {
				defCount[op.VReg]++
			}
		}
	}
	for v, n := range defCount {
		if n > 1 && !isParam[v] {
			return fmt.Errorf("%w: v%d has %d definitions", ErrInvalidSSA, v, n)
		}
	}
	for i := 0; i < f.NumInstrs(); i++ {
		for _, op := range f.InstrOperands(i) {
			if op.Kind == OperandUse && defCount[op.VReg] == 0 {
				return fmt.Errorf("%w: v%d is used at instruction %d but never defined", ErrInvalidSSA, op.VReg, i)
			}
		}
	}
	return nil
}
