package codegen

import (
	"fmt"
	"strings"

	"github.com/tinyrange/rvc/internal/ir"
	"github.com/tinyrange/rvc/internal/regalloc"
	"github.com/tinyrange/rvc/internal/rv32"
)

// reg is a register mention in lowered code: either a virtual register that
// the allocator will place, or a physical register fixed by the ABI (argument
// and return shuffles, the stack pointer).
type reg struct {
	virt   regalloc.VReg
	phys   rv32.Reg
	isPhys bool
}

func vregOf(v regalloc.VReg) reg { return reg{virt: v} }
func pregOf(p rv32.Reg) reg      { return reg{virt: regalloc.InvalidVReg, phys: p, isPhys: true} }

func (r reg) String() string {
	if r.isPhys {
		return r.phys.String()
	}
	if r.virt == regalloc.InvalidVReg {
		return "_"
	}
	return fmt.Sprintf("v%d", r.virt)
}

// aluOp selects the register-register ALU operation of an instrAlu.
type aluOp uint8

const (
	aluAdd aluOp = iota
	aluSub
	aluMul
	aluDiv
	aluRem
	aluSlt
	aluSltu
	aluXor
	aluOr
	aluAnd
)

var aluNames = [...]string{"add", "sub", "mul", "div", "rem", "slt", "sltu", "xor", "or", "and"}

func (op aluOp) String() string { return aluNames[op] }

// aluImmOp selects the immediate ALU operation of an instrAluImm.
type aluImmOp uint8

const (
	aluImmAddi aluImmOp = iota
	aluImmSltiu
	aluImmXori
)

var aluImmNames = [...]string{"addi", "sltiu", "xori"}

func (op aluImmOp) String() string { return aluImmNames[op] }

// branchCond selects the comparison of an instrBranch.
type branchCond uint8

const (
	condEq branchCond = iota
	condNe
	condLt
	condGe
)

var condNames = [...]string{"beq", "bne", "blt", "bge"}

func (c branchCond) String() string { return condNames[c] }

// instrKind is the closed set of lowered instruction shapes.
type instrKind uint8

const (
	instrAlu instrKind = iota
	instrAluImm
	instrLui
	instrMove
	instrLoad
	instrStore
	instrBranch
	instrJump
	instrCall
	instrSyscall
	instrTrap
	instrHalt
)

// instr is one lowered instruction. Field use by kind:
//
//	instrAlu     rd = rs1 <alu> rs2
//	instrAluImm  rd = rs1 <aluImm> imm       (imm in signed 12 bits)
//	instrLui     rd = imm << 12              (imm is the upper-20 field)
//	instrMove    rd = rs1
//	instrLoad    rd = mem[rs1 + imm], width memType; frameRel loads relative
//	             to the frame top instead (rs1 ignored, emitter supplies sp)
//	instrStore   mem[rs1 + imm] = rs2, width memType
//	instrBranch  if rs1 <cond> rs2, target via relocation
//	instrJump    target via relocation
//	instrCall    target function via relocation
//	instrSyscall ecall; register setup is separate moves
//	instrTrap    ebreak
//	instrHalt    wfi
type instr struct {
	kind     instrKind
	alu      aluOp
	aluImm   aluImmOp
	cond     branchCond
	rd       reg
	rs1, rs2 reg
	imm      int32
	memType  ir.Type
	frameRel bool
}

// RelocKind classifies a relocation.
type RelocKind uint8

const (
	// RelocBranch targets a lowering-order block (or the epilogue) within
	// the same function. Resolved when the function finishes emission.
	RelocBranch RelocKind = iota
	// RelocFunctionCall targets a named symbol. Resolved once all functions
	// of the module are emitted, so call sites never depend on function
	// order.
	RelocFunctionCall
)

func (k RelocKind) String() string {
	if k == RelocFunctionCall {
		return "call"
	}
	return "branch"
}

// EpilogueTarget is the RelocBranch target naming the function's shared
// epilogue instead of a lowering-order block.
const EpilogueTarget = -1

// Relocation records one placeholder control-flow word awaiting its final
// PC-relative offset.
type Relocation struct {
	// Instr is the lowered instruction index carrying the placeholder.
	Instr int
	Kind  RelocKind
	// Target is a lowering-order block position or EpilogueTarget. Only
	// meaningful for RelocBranch.
	Target int
	// Sym is the callee name. Only meaningful for RelocFunctionCall.
	Sym string
}

// ConstEntry records a wide constant materialized during lowering, kept for
// diagnostics.
type ConstEntry struct {
	Value int32
	Dst   regalloc.VReg
}

// VCode is one function in lowered form: a flat instruction array with
// per-block ranges over the lowering order, parallel operand and source
// location arrays, pending relocations and the constant pool.
type VCode struct {
	name  string
	order *BlockLoweringOrder

	instrs  []instr
	srcLocs []ir.SourceLoc

	// operand list per instruction, flattened.
	operands      []regalloc.Operand
	operandRanges [][2]int32

	// instruction range per lowering-order block.
	blockRanges [][2]int32

	// block parameter vregs per lowering-order block (edge blocks have
	// none).
	blockParams [][]regalloc.VReg

	preds [][]int

	clobbers map[int][]regalloc.PhysReg

	relocs []Relocation
	consts []ConstEntry

	numVRegs    int
	hasCalls    bool
	maxCallArgs int
}

func (vc *VCode) push(in instr, loc ir.SourceLoc, ops ...regalloc.Operand) int {
	idx := len(vc.instrs)
	begin := int32(len(vc.operands))
	vc.operands = append(vc.operands, ops...)
	vc.operandRanges = append(vc.operandRanges, [2]int32{begin, int32(len(vc.operands))})
	vc.instrs = append(vc.instrs, in)
	vc.srcLocs = append(vc.srcLocs, loc)
	return idx
}

// checkParallel verifies the source location array tracked every
// instruction. A mismatch is a lowering bug, not a user error.
func (vc *VCode) checkParallel() error {
	if len(vc.srcLocs) != len(vc.instrs) {
		return fmt.Errorf("codegen: %s: %d instructions but %d source locations", vc.name, len(vc.instrs), len(vc.srcLocs))
	}
	if len(vc.operandRanges) != len(vc.instrs) {
		return fmt.Errorf("codegen: %s: %d instructions but %d operand ranges", vc.name, len(vc.instrs), len(vc.operandRanges))
	}
	return nil
}

// Relocs returns the relocation list. Every entry references a valid
// instruction and either a valid order position or EpilogueTarget.
func (vc *VCode) Relocs() []Relocation { return vc.relocs }

// Consts returns the constant pool.
func (vc *VCode) Consts() []ConstEntry { return vc.consts }

func (in *instr) format() string {
	switch in.kind {
	case instrAlu:
		return fmt.Sprintf("%s %s, %s, %s", in.alu, in.rd, in.rs1, in.rs2)
	case instrAluImm:
		return fmt.Sprintf("%s %s, %s, %d", in.aluImm, in.rd, in.rs1, in.imm)
	case instrLui:
		return fmt.Sprintf("lui %s, 0x%x", in.rd, uint32(in.imm)&0xfffff)
	case instrMove:
		return fmt.Sprintf("mv %s, %s", in.rd, in.rs1)
	case instrLoad:
		if in.frameRel {
			return fmt.Sprintf("l%s %s, frame+%d", memSuffix(in.memType), in.rd, in.imm)
		}
		return fmt.Sprintf("l%s %s, %d(%s)", memSuffix(in.memType), in.rd, in.imm, in.rs1)
	case instrStore:
		return fmt.Sprintf("s%s %s, %d(%s)", memSuffix(in.memType), in.rs2, in.imm, in.rs1)
	case instrBranch:
		return fmt.Sprintf("%s %s, %s, <reloc>", in.cond, in.rs1, in.rs2)
	case instrJump:
		return "j <reloc>"
	case instrCall:
		return "call <reloc>"
	case instrSyscall:
		return "ecall"
	case instrTrap:
		return "ebreak"
	case instrHalt:
		return "wfi"
	}
	return "instr?"
}

func memSuffix(t ir.Type) string {
	switch t {
	case ir.TypeI8:
		return "b"
	case ir.TypeI16:
		return "h"
	}
	return "w"
}

// String renders the lowered function for the debug dump.
func (vc *VCode) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "function %s (%d vregs, %d blocks)\n", vc.name, vc.numVRegs, len(vc.blockRanges))

	relocFor := make(map[int]*Relocation, len(vc.relocs))
	for i := range vc.relocs {
		relocFor[vc.relocs[i].Instr] = &vc.relocs[i]
	}

	for b, r := range vc.blockRanges {
		fmt.Fprintf(&sb, "%s:", vc.order.Blocks[b])
		if params := vc.blockParams[b]; len(params) > 0 {
			sb.WriteString(" ;")
			for _, p := range params {
				fmt.Fprintf(&sb, " v%d", p)
			}
		}
		sb.WriteByte('\n')
		for i := r[0]; i < r[1]; i++ {
			line := vc.instrs[i].format()
			if rel, ok := relocFor[int(i)]; ok {
				switch rel.Kind {
				case RelocBranch:
					if rel.Target == EpilogueTarget {
						line = strings.Replace(line, "<reloc>", "<epilogue>", 1)
					} else {
						line = strings.Replace(line, "<reloc>", vc.order.Blocks[rel.Target].String(), 1)
					}
				case RelocFunctionCall:
					line = strings.Replace(line, "<reloc>", rel.Sym, 1)
				}
			}
			fmt.Fprintf(&sb, "  %4d: %s\n", i, line)
		}
	}
	if len(vc.consts) > 0 {
		sb.WriteString("constants:\n")
		for _, c := range vc.consts {
			fmt.Fprintf(&sb, "  v%d = %d\n", c.Dst, c.Value)
		}
	}
	return sb.String()
}
