package codegen

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvc/internal/ir"
	"github.com/tinyrange/rvc/internal/regalloc"
	"github.com/tinyrange/rvc/internal/rv32"
)

// pendingCall is a call placeholder awaiting module-level resolution, kept
// until every function's offset is known.
type pendingCall struct {
	byteOff uint32 // module-absolute offset of the jal word
	sym     string
	fn      string // referencing function, for diagnostics
}

// emitter turns one allocated VCode into machine words. Spilled virtual
// registers are reloaded through the reserved scratch registers: t5 for
// first operands and results, t6 for second operands and slot addresses that
// do not fit a 12-bit displacement.
type emitter struct {
	vc    *VCode
	locs  []regalloc.Loc
	frame *FrameLayout
	base  uint32

	code        []byte
	instrOff    []int32 // control-flow word offset per lowered instruction
	blockOff    []int32
	epilogueOff int32
	calls       []pendingCall
}

func emitFunction(vc *VCode, res *regalloc.Result, frame *FrameLayout, base uint32) ([]byte, []pendingCall, error) {
	e := &emitter{
		vc:       vc,
		locs:     res.Locs,
		frame:    frame,
		base:     base,
		instrOff: make([]int32, len(vc.instrs)),
		blockOff: make([]int32, len(vc.blockRanges)),
	}
	for i := range e.instrOff {
		e.instrOff[i] = -1
	}

	if err := e.emitPrologue(); err != nil {
		return nil, nil, err
	}

	for b, r := range vc.blockRanges {
		e.blockOff[b] = int32(len(e.code))
		for i := r[0]; i < r[1]; i++ {
			if err := e.emitInstr(int(i), &vc.instrs[i]); err != nil {
				return nil, nil, err
			}
		}
	}

	if err := e.emitEpilogue(); err != nil {
		return nil, nil, err
	}

	if err := e.fixupBranches(); err != nil {
		return nil, nil, err
	}
	return e.code, e.calls, nil
}

func (e *emitter) word(w uint32) {
	e.code = binary.LittleEndian.AppendUint32(e.code, w)
}

func (e *emitter) wordErr(w uint32, err error) error {
	if err != nil {
		return fmt.Errorf("codegen: %s: %w", e.vc.name, err)
	}
	e.word(w)
	return nil
}

// materializeInto emits the addi or lui/addi sequence placing v in dst.
func (e *emitter) materializeInto(dst rv32.Reg, v int32) error {
	if fitsImm12(v) {
		return e.wordErr(rv32.Addi(dst, rv32.ZERO, v))
	}
	hi, lo := splitConst(v)
	e.word(rv32.Lui(dst, int32(hi)))
	return e.wordErr(rv32.Addi(dst, dst, lo))
}

// adjustSP moves the stack pointer by delta, going through t6 when the
// frame is too large for one immediate.
func (e *emitter) adjustSP(delta int32) error {
	if delta == 0 {
		return nil
	}
	if fitsImm12(delta) {
		return e.wordErr(rv32.Addi(rv32.SP, rv32.SP, delta))
	}
	if err := e.materializeInto(scratchReg1, delta); err != nil {
		return err
	}
	e.word(rv32.Add(rv32.SP, rv32.SP, scratchReg1))
	return nil
}

// loadWord loads mem[sp+spOff] into dst. For displacements beyond the
// 12-bit range the address is computed in dst itself, which is dead until
// the load retires.
func (e *emitter) loadWord(dst rv32.Reg, spOff int32) error {
	if fitsImm12(spOff) {
		return e.wordErr(rv32.Lw(dst, rv32.SP, spOff))
	}
	if err := e.materializeInto(dst, spOff); err != nil {
		return err
	}
	e.word(rv32.Add(dst, dst, rv32.SP))
	return e.wordErr(rv32.Lw(dst, dst, 0))
}

// storeWord stores src to mem[sp+spOff], going through t6 for wide
// displacements. src must not be t6.
func (e *emitter) storeWord(src rv32.Reg, spOff int32) error {
	if fitsImm12(spOff) {
		return e.wordErr(rv32.Sw(rv32.SP, src, spOff))
	}
	if err := e.materializeInto(scratchReg1, spOff); err != nil {
		return err
	}
	e.word(rv32.Add(scratchReg1, scratchReg1, rv32.SP))
	return e.wordErr(rv32.Sw(scratchReg1, src, 0))
}

func (e *emitter) spillAddr(slot int) int32 {
	return e.frame.slotAddr(e.frame.SpillSlotOffset(slot))
}

func (e *emitter) emitPrologue() error {
	if err := e.adjustSP(-e.frame.TotalSize()); err != nil {
		return err
	}
	if e.frame.SaveRA {
		if err := e.storeWord(rv32.RA, e.frame.slotAddr(e.frame.RAOffset())); err != nil {
			return err
		}
	}
	for i, r := range e.frame.ClobberedRegs {
		if err := e.storeWord(r, e.frame.slotAddr(e.frame.CalleeSavedOffset(i))); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) emitEpilogue() error {
	e.epilogueOff = int32(len(e.code))
	for i, r := range e.frame.ClobberedRegs {
		if err := e.loadWord(r, e.frame.slotAddr(e.frame.CalleeSavedOffset(i))); err != nil {
			return err
		}
	}
	if e.frame.SaveRA {
		if err := e.loadWord(rv32.RA, e.frame.slotAddr(e.frame.RAOffset())); err != nil {
			return err
		}
	}
	if err := e.adjustSP(e.frame.TotalSize()); err != nil {
		return err
	}
	e.word(rv32.Ret())
	return nil
}

// srcReg resolves an operand register, reloading a spilled value into
// scratch.
func (e *emitter) srcReg(r reg, scratch rv32.Reg) (rv32.Reg, error) {
	if r.isPhys {
		return r.phys, nil
	}
	loc := e.locs[r.virt]
	switch loc.Kind {
	case regalloc.LocReg:
		return rv32.Reg(loc.Reg), nil
	case regalloc.LocSlot:
		if err := e.loadWord(scratch, e.spillAddr(loc.Slot)); err != nil {
			return 0, err
		}
		return scratch, nil
	}
	return 0, &ValueLocationError{Fn: e.vc.name, VReg: int32(r.virt), What: "value not allocated to any location"}
}

const noSpill = -1

// dstReg resolves a result register. A spilled result is produced in t5 and
// flushed by finishDef after the defining word.
func (e *emitter) dstReg(r reg) (rv32.Reg, int, error) {
	if r.isPhys {
		return r.phys, noSpill, nil
	}
	loc := e.locs[r.virt]
	switch loc.Kind {
	case regalloc.LocReg:
		return rv32.Reg(loc.Reg), noSpill, nil
	case regalloc.LocSlot:
		return scratchReg0, loc.Slot, nil
	}
	return 0, noSpill, &ValueLocationError{Fn: e.vc.name, VReg: int32(r.virt), What: "value not allocated to any location"}
}

func (e *emitter) finishDef(slot int) error {
	if slot == noSpill {
		return nil
	}
	return e.storeWord(scratchReg0, e.spillAddr(slot))
}

func (e *emitter) emitInstr(idx int, in *instr) error {
	switch in.kind {
	case instrAlu:
		rs1, err := e.srcReg(in.rs1, scratchReg0)
		if err != nil {
			return err
		}
		rs2, err := e.srcReg(in.rs2, scratchReg1)
		if err != nil {
			return err
		}
		rd, slot, err := e.dstReg(in.rd)
		if err != nil {
			return err
		}
		e.word(aluWord(in.alu, rd, rs1, rs2))
		return e.finishDef(slot)

	case instrAluImm:
		rs1, err := e.srcReg(in.rs1, scratchReg0)
		if err != nil {
			return err
		}
		rd, slot, err := e.dstReg(in.rd)
		if err != nil {
			return err
		}
		var word uint32
		switch in.aluImm {
		case aluImmAddi:
			word, err = rv32.Addi(rd, rs1, in.imm)
		case aluImmSltiu:
			word, err = rv32.Sltiu(rd, rs1, in.imm)
		case aluImmXori:
			word, err = rv32.Xori(rd, rs1, in.imm)
		}
		if err := e.wordErr(word, err); err != nil {
			return err
		}
		return e.finishDef(slot)

	case instrLui:
		rd, slot, err := e.dstReg(in.rd)
		if err != nil {
			return err
		}
		e.word(rv32.Lui(rd, in.imm))
		return e.finishDef(slot)

	case instrMove:
		return e.emitMove(in)

	case instrLoad:
		rd, slot, err := e.dstReg(in.rd)
		if err != nil {
			return err
		}
		if in.frameRel {
			if err := e.loadWord(rd, e.frame.TotalSize()+in.imm); err != nil {
				return err
			}
			return e.finishDef(slot)
		}
		base, err := e.srcReg(in.rs1, scratchReg1)
		if err != nil {
			return err
		}
		var word uint32
		switch in.memType {
		case ir.TypeI8:
			word, err = rv32.Lb(rd, base, in.imm)
		case ir.TypeI16:
			word, err = rv32.Lh(rd, base, in.imm)
		default:
			word, err = rv32.Lw(rd, base, in.imm)
		}
		if err := e.wordErr(word, err); err != nil {
			return err
		}
		return e.finishDef(slot)

	case instrStore:
		base, err := e.srcReg(in.rs1, scratchReg0)
		if err != nil {
			return err
		}
		src, err := e.srcReg(in.rs2, scratchReg1)
		if err != nil {
			return err
		}
		var word uint32
		switch in.memType {
		case ir.TypeI8:
			word, err = rv32.Sb(base, src, in.imm)
		case ir.TypeI16:
			word, err = rv32.Sh(base, src, in.imm)
		default:
			word, err = rv32.Sw(base, src, in.imm)
		}
		return e.wordErr(word, err)

	case instrBranch:
		rs1, err := e.srcReg(in.rs1, scratchReg0)
		if err != nil {
			return err
		}
		rs2, err := e.srcReg(in.rs2, scratchReg1)
		if err != nil {
			return err
		}
		e.instrOff[idx] = int32(len(e.code))
		var word uint32
		switch in.cond {
		case condEq:
			word, err = rv32.Beq(rs1, rs2, 0)
		case condNe:
			word, err = rv32.Bne(rs1, rs2, 0)
		case condLt:
			word, err = rv32.Blt(rs1, rs2, 0)
		case condGe:
			word, err = rv32.Bge(rs1, rs2, 0)
		}
		return e.wordErr(word, err)

	case instrJump:
		e.instrOff[idx] = int32(len(e.code))
		return e.wordErr(rv32.Jal(rv32.X0, 0))

	case instrCall:
		e.instrOff[idx] = int32(len(e.code))
		return e.wordErr(rv32.Jal(rv32.RA, 0))

	case instrSyscall:
		e.word(rv32.Ecall())
		return nil

	case instrTrap:
		e.word(rv32.Ebreak())
		return nil

	case instrHalt:
		e.word(rv32.Wfi())
		return nil
	}
	return fmt.Errorf("codegen: %s: unknown lowered instruction kind %d", e.vc.name, in.kind)
}

func aluWord(op aluOp, rd, rs1, rs2 rv32.Reg) uint32 {
	switch op {
	case aluAdd:
		return rv32.Add(rd, rs1, rs2)
	case aluSub:
		return rv32.Sub(rd, rs1, rs2)
	case aluMul:
		return rv32.Mul(rd, rs1, rs2)
	case aluDiv:
		return rv32.Div(rd, rs1, rs2)
	case aluRem:
		return rv32.Rem(rd, rs1, rs2)
	case aluSlt:
		return rv32.Slt(rd, rs1, rs2)
	case aluSltu:
		return rv32.Sltu(rd, rs1, rs2)
	case aluXor:
		return rv32.Xor(rd, rs1, rs2)
	case aluOr:
		return rv32.Or(rd, rs1, rs2)
	}
	return rv32.And(rd, rs1, rs2)
}

// emitMove handles the four placement combinations of a register move,
// folding slot-to-slot copies through t5 and dropping moves that resolved to
// the same register.
func (e *emitter) emitMove(in *instr) error {
	srcPhys, srcSlot := rv32.ZERO, noSpill
	if in.rs1.isPhys {
		srcPhys = in.rs1.phys
	} else {
		loc := e.locs[in.rs1.virt]
		switch loc.Kind {
		case regalloc.LocReg:
			srcPhys = rv32.Reg(loc.Reg)
		case regalloc.LocSlot:
			srcSlot = loc.Slot
		default:
			return &ValueLocationError{Fn: e.vc.name, VReg: int32(in.rs1.virt), What: "value not allocated to any location"}
		}
	}

	dstPhys, dstSlot := rv32.ZERO, noSpill
	if in.rd.isPhys {
		dstPhys = in.rd.phys
	} else {
		loc := e.locs[in.rd.virt]
		switch loc.Kind {
		case regalloc.LocReg:
			dstPhys = rv32.Reg(loc.Reg)
		case regalloc.LocSlot:
			dstSlot = loc.Slot
		default:
			return &ValueLocationError{Fn: e.vc.name, VReg: int32(in.rd.virt), What: "value not allocated to any location"}
		}
	}

	switch {
	case srcSlot == noSpill && dstSlot == noSpill:
		if srcPhys != dstPhys {
			e.word(rv32.Mv(dstPhys, srcPhys))
		}
		return nil
	case srcSlot != noSpill && dstSlot == noSpill:
		return e.loadWord(dstPhys, e.spillAddr(srcSlot))
	case srcSlot == noSpill:
		return e.storeWord(srcPhys, e.spillAddr(dstSlot))
	default:
		if srcSlot == dstSlot {
			return nil
		}
		if err := e.loadWord(scratchReg0, e.spillAddr(srcSlot)); err != nil {
			return err
		}
		return e.storeWord(scratchReg0, e.spillAddr(dstSlot))
	}
}

// fixupBranches resolves every intra-function relocation now that block and
// epilogue offsets are known. Call relocations are only collected here; they
// resolve at module level once all function offsets exist.
func (e *emitter) fixupBranches() error {
	for _, rel := range e.vc.relocs {
		at := e.instrOff[rel.Instr]
		if at < 0 {
			return fmt.Errorf("codegen: %s: relocation against instruction %d which emitted no control word", e.vc.name, rel.Instr)
		}

		if rel.Kind == RelocFunctionCall {
			e.calls = append(e.calls, pendingCall{
				byteOff: e.base + uint32(at),
				sym:     rel.Sym,
				fn:      e.vc.name,
			})
			continue
		}

		tgt := e.epilogueOff
		if rel.Target != EpilogueTarget {
			tgt = e.blockOff[rel.Target]
		}
		off := tgt - at

		word := binary.LittleEndian.Uint32(e.code[at:])
		var patched uint32
		var err error
		if e.vc.instrs[rel.Instr].kind == instrBranch {
			patched, err = rv32.PatchBranchOffset(word, off)
		} else {
			patched, err = rv32.PatchJumpOffset(word, off)
		}
		if err != nil {
			return fmt.Errorf("codegen: %s: %w", e.vc.name, err)
		}
		binary.LittleEndian.PutUint32(e.code[at:], patched)
	}
	return nil
}
