package codegen

import (
	"fmt"

	"github.com/tinyrange/rvc/internal/ir"
	"github.com/tinyrange/rvc/internal/regalloc"
	"github.com/tinyrange/rvc/internal/rv32"
)

// lowerer walks one function in lowering order and produces its VCode. All
// value placement is in virtual registers at this point; the only physical
// registers mentioned are the ABI shuffle targets and the stack pointer.
type lowerer struct {
	f     *ir.Function
	cfg   *ir.CFG
	order *BlockLoweringOrder
	vc    *VCode

	valueReg []regalloc.VReg
	nextVReg regalloc.VReg
}

func lowerFunction(f *ir.Function, cfg *ir.CFG, order *BlockLoweringOrder) (*VCode, error) {
	l := &lowerer{
		f:     f,
		cfg:   cfg,
		order: order,
		vc: &VCode{
			name:     f.Name,
			order:    order,
			clobbers: map[int][]regalloc.PhysReg{},
		},
		valueReg: make([]regalloc.VReg, len(f.Values)),
	}
	for i := range l.valueReg {
		l.valueReg[i] = regalloc.InvalidVReg
	}

	for _, lb := range order.Blocks {
		begin := int32(len(l.vc.instrs))

		switch lb.Kind {
		case BlockOriginal:
			b := lb.Original
			if b == f.Entry {
				l.lowerParamIntake()
			} else if preds := cfg.Preds[b]; len(preds) == 1 && len(cfg.Succs[preds[0]]) > 1 {
				// The lone incoming edge comes from a conditional branch.
				// Its block-argument moves cannot sit in the predecessor,
				// where the other successor's path would run them too, so
				// they land here at the top of the destination.
				term := f.Terminator(preds[0])
				l.lowerEdgeMoves(findTarget(term, b), term.Loc)
			}
			for _, id := range f.Blocks[b].Insts {
				if err := l.lowerInst(b, &f.Insts[id]); err != nil {
					return nil, err
				}
			}
			l.vc.blockParams = append(l.vc.blockParams, l.paramVRegs(b))

		case BlockEdge:
			term := f.Terminator(lb.From)
			tgt := findTarget(term, lb.To)
			l.lowerEdgeMoves(tgt, term.Loc)
			idx := l.vc.push(instr{kind: instrJump}, term.Loc)
			l.vc.relocs = append(l.vc.relocs, Relocation{Instr: idx, Kind: RelocBranch, Target: order.Pos[lb.To]})
			l.vc.blockParams = append(l.vc.blockParams, nil)
		}

		l.vc.blockRanges = append(l.vc.blockRanges, [2]int32{begin, int32(len(l.vc.instrs))})
	}

	l.vc.numVRegs = int(l.nextVReg)
	l.vc.preds = invertSuccs(order.Succs)
	if err := l.vc.checkParallel(); err != nil {
		return nil, err
	}
	return l.vc, nil
}

func findTarget(term *ir.Inst, to ir.BlockID) *ir.BranchTarget {
	for i := range term.Targets {
		if term.Targets[i].Block == to {
			return &term.Targets[i]
		}
	}
	panic(fmt.Sprintf("codegen: terminator has no target for block %d", to))
}

func invertSuccs(succs [][]int) [][]int {
	preds := make([][]int, len(succs))
	for from, ss := range succs {
		for _, to := range ss {
			preds[to] = append(preds[to], from)
		}
	}
	return preds
}

func (l *lowerer) fresh() regalloc.VReg {
	v := l.nextVReg
	l.nextVReg++
	return v
}

func (l *lowerer) vregFor(v ir.ValueID) regalloc.VReg {
	if l.valueReg[v] == regalloc.InvalidVReg {
		l.valueReg[v] = l.fresh()
	}
	return l.valueReg[v]
}

func (l *lowerer) paramVRegs(b ir.BlockID) []regalloc.VReg {
	params := l.f.Blocks[b].Params
	out := make([]regalloc.VReg, len(params))
	for i, p := range params {
		out[i] = l.vregFor(p)
	}
	return out
}

// lowerParamIntake moves the incoming ABI argument registers (and stack
// slots past the eighth argument) into the entry block's parameter vregs.
func (l *lowerer) lowerParamIntake() {
	params := l.f.Blocks[l.f.Entry].Params
	for i, p := range params {
		dst := l.vregFor(p)
		if i < len(rv32.ArgRegs) {
			l.moveFromPhys(dst, rv32.ArgRegs[i], 0)
		} else {
			off := int32(i-len(rv32.ArgRegs)) * rv32.WordSize
			l.vc.push(instr{
				kind:     instrLoad,
				rd:       vregOf(dst),
				imm:      off,
				memType:  ir.TypeI32,
				frameRel: true,
			}, 0, regalloc.Def(dst))
		}
	}
}

func (l *lowerer) moveVV(dst, src regalloc.VReg, loc ir.SourceLoc) {
	l.vc.push(instr{kind: instrMove, rd: vregOf(dst), rs1: vregOf(src)}, loc,
		regalloc.Def(dst), regalloc.Use(src))
}

func (l *lowerer) moveToPhys(dst rv32.Reg, src regalloc.VReg, loc ir.SourceLoc) {
	l.vc.push(instr{kind: instrMove, rd: pregOf(dst), rs1: vregOf(src)}, loc,
		regalloc.Use(src))
}

func (l *lowerer) moveFromPhys(dst regalloc.VReg, src rv32.Reg, loc ir.SourceLoc) {
	l.vc.push(instr{kind: instrMove, rd: vregOf(dst), rs1: pregOf(src)}, loc,
		regalloc.Def(dst))
}

// materialize places the constant v in dst: a single addi from x0 when it
// fits the signed 12-bit immediate, otherwise a lui/addi pair through a
// fresh temporary so dst keeps a single definition.
func (l *lowerer) materialize(dst regalloc.VReg, v int32, loc ir.SourceLoc) {
	if fitsImm12(v) {
		l.vc.push(instr{kind: instrAluImm, aluImm: aluImmAddi, rd: vregOf(dst), rs1: pregOf(rv32.ZERO), imm: v}, loc,
			regalloc.Def(dst))
		return
	}
	hi, lo := splitConst(v)
	tmp := l.fresh()
	l.vc.push(instr{kind: instrLui, rd: vregOf(tmp), imm: int32(hi)}, loc,
		regalloc.Def(tmp))
	l.vc.push(instr{kind: instrAluImm, aluImm: aluImmAddi, rd: vregOf(dst), rs1: vregOf(tmp), imm: lo}, loc,
		regalloc.Def(dst), regalloc.Use(tmp))
	l.vc.consts = append(l.vc.consts, ConstEntry{Value: v, Dst: dst})
}

// materializePhys is materialize for a physical destination, used for the
// syscall number register. Physical registers are outside SSA so the lui
// writes the destination directly.
func (l *lowerer) materializePhys(dst rv32.Reg, v int32, loc ir.SourceLoc) {
	if fitsImm12(v) {
		l.vc.push(instr{kind: instrAluImm, aluImm: aluImmAddi, rd: pregOf(dst), rs1: pregOf(rv32.ZERO), imm: v}, loc)
		return
	}
	hi, lo := splitConst(v)
	l.vc.push(instr{kind: instrLui, rd: pregOf(dst), imm: int32(hi)}, loc)
	l.vc.push(instr{kind: instrAluImm, aluImm: aluImmAddi, rd: pregOf(dst), rs1: pregOf(dst), imm: lo}, loc)
}

func (l *lowerer) emitAlu(op aluOp, rd, rs1, rs2 regalloc.VReg, loc ir.SourceLoc) {
	l.vc.push(instr{kind: instrAlu, alu: op, rd: vregOf(rd), rs1: vregOf(rs1), rs2: vregOf(rs2)}, loc,
		regalloc.Def(rd), regalloc.Use(rs1), regalloc.Use(rs2))
}

var binaryAluOps = map[ir.Opcode]aluOp{
	ir.OpIadd: aluAdd,
	ir.OpIsub: aluSub,
	ir.OpImul: aluMul,
	ir.OpIdiv: aluDiv,
	ir.OpIrem: aluRem,
}

func (l *lowerer) lowerInst(b ir.BlockID, inst *ir.Inst) error {
	loc := inst.Loc

	switch inst.Op {
	case ir.OpIconst:
		l.materialize(l.vregFor(inst.Results[0]), inst.Imm, loc)

	case ir.OpIadd, ir.OpIsub, ir.OpImul, ir.OpIdiv, ir.OpIrem:
		l.emitAlu(binaryAluOps[inst.Op],
			l.vregFor(inst.Results[0]), l.vregFor(inst.Args[0]), l.vregFor(inst.Args[1]), loc)

	case ir.OpIcmpEq, ir.OpIcmpNe, ir.OpIcmpLt, ir.OpIcmpLe, ir.OpIcmpGt, ir.OpIcmpGe:
		l.lowerCompare(inst, loc)

	case ir.OpLoad:
		rd := l.vregFor(inst.Results[0])
		addr := l.vregFor(inst.Args[0])
		l.vc.push(instr{kind: instrLoad, rd: vregOf(rd), rs1: vregOf(addr), memType: inst.MemType}, loc,
			regalloc.Def(rd), regalloc.Use(addr))

	case ir.OpStore:
		val := l.vregFor(inst.Args[0])
		addr := l.vregFor(inst.Args[1])
		l.vc.push(instr{kind: instrStore, rs1: vregOf(addr), rs2: vregOf(val), memType: inst.MemType}, loc,
			regalloc.Use(addr), regalloc.Use(val))

	case ir.OpJump:
		// A jump's source has a single successor, so its edge is never
		// critical and the argument moves sit right here.
		tgt := &inst.Targets[0]
		l.lowerEdgeMoves(tgt, loc)
		idx := l.vc.push(instr{kind: instrJump}, loc)
		l.vc.relocs = append(l.vc.relocs, Relocation{Instr: idx, Kind: RelocBranch, Target: l.order.Pos[tgt.Block]})

	case ir.OpBrif:
		l.lowerBrif(b, inst, loc)

	case ir.OpCall:
		return l.lowerCall(inst, loc)

	case ir.OpSyscall:
		return l.lowerSyscall(inst, loc)

	case ir.OpReturn:
		if len(inst.Args) > 2 {
			return &UnimplementedError{Fn: l.f.Name, What: fmt.Sprintf("return with %d values", len(inst.Args))}
		}
		for i, v := range inst.Args {
			l.moveToPhys(rv32.ArgRegs[i], l.vregFor(v), loc)
		}
		idx := l.vc.push(instr{kind: instrJump}, loc)
		l.vc.relocs = append(l.vc.relocs, Relocation{Instr: idx, Kind: RelocBranch, Target: EpilogueTarget})

	case ir.OpHalt:
		l.vc.push(instr{kind: instrHalt}, loc)

	case ir.OpTrap:
		l.vc.push(instr{kind: instrTrap}, loc)

	default:
		return &UnimplementedError{Fn: l.f.Name, What: fmt.Sprintf("opcode %s", inst.Op)}
	}
	return nil
}

// lowerCompare synthesizes the comparison opcodes from slt/sltu, all
// producing 0 or 1. Operand order is swapped for gt/le and the result
// inverted with xori for le/ge; equality goes through a subtraction and an
// unsigned compare against 1 (or zero, for ne).
func (l *lowerer) lowerCompare(inst *ir.Inst, loc ir.SourceLoc) {
	rd := l.vregFor(inst.Results[0])
	a := l.vregFor(inst.Args[0])
	b := l.vregFor(inst.Args[1])

	switch inst.Op {
	case ir.OpIcmpLt:
		l.emitAlu(aluSlt, rd, a, b, loc)
	case ir.OpIcmpGt:
		l.emitAlu(aluSlt, rd, b, a, loc)
	case ir.OpIcmpLe:
		t := l.fresh()
		l.emitAlu(aluSlt, t, b, a, loc)
		l.vc.push(instr{kind: instrAluImm, aluImm: aluImmXori, rd: vregOf(rd), rs1: vregOf(t), imm: 1}, loc,
			regalloc.Def(rd), regalloc.Use(t))
	case ir.OpIcmpGe:
		t := l.fresh()
		l.emitAlu(aluSlt, t, a, b, loc)
		l.vc.push(instr{kind: instrAluImm, aluImm: aluImmXori, rd: vregOf(rd), rs1: vregOf(t), imm: 1}, loc,
			regalloc.Def(rd), regalloc.Use(t))
	case ir.OpIcmpEq:
		t := l.fresh()
		l.emitAlu(aluSub, t, a, b, loc)
		l.vc.push(instr{kind: instrAluImm, aluImm: aluImmSltiu, rd: vregOf(rd), rs1: vregOf(t), imm: 1}, loc,
			regalloc.Def(rd), regalloc.Use(t))
	case ir.OpIcmpNe:
		t := l.fresh()
		l.emitAlu(aluSub, t, a, b, loc)
		l.vc.push(instr{kind: instrAlu, alu: aluSltu, rd: vregOf(rd), rs1: pregOf(rv32.ZERO), rs2: vregOf(t)}, loc,
			regalloc.Def(rd), regalloc.Use(t))
	}
}

// lowerBrif emits the conditional as a bne against x0 followed by a jump for
// the fall-through edge. A brif emits no argument moves of its own: each
// outgoing edge either is critical and owns an edge block, or targets a
// single-predecessor block that hosts the moves at its top.
func (l *lowerer) lowerBrif(b ir.BlockID, inst *ir.Inst, loc ir.SourceLoc) {
	cond := l.vregFor(inst.Args[0])
	then, els := &inst.Targets[0], &inst.Targets[1]

	idx := l.vc.push(instr{kind: instrBranch, cond: condNe, rs1: vregOf(cond), rs2: pregOf(rv32.ZERO)}, loc,
		regalloc.Use(cond))
	l.vc.relocs = append(l.vc.relocs, Relocation{Instr: idx, Kind: RelocBranch, Target: l.order.SuccTarget(b, then.Block)})

	idx = l.vc.push(instr{kind: instrJump}, loc)
	l.vc.relocs = append(l.vc.relocs, Relocation{Instr: idx, Kind: RelocBranch, Target: l.order.SuccTarget(b, els.Block)})
}

func (l *lowerer) lowerCall(inst *ir.Inst, loc ir.SourceLoc) error {
	if len(inst.Results) > 2 {
		return &UnimplementedError{Fn: l.f.Name, What: fmt.Sprintf("call with %d results", len(inst.Results))}
	}

	l.vc.hasCalls = true
	if len(inst.Args) > l.vc.maxCallArgs {
		l.vc.maxCallArgs = len(inst.Args)
	}

	for i, a := range inst.Args {
		src := l.vregFor(a)
		if i < len(rv32.ArgRegs) {
			l.moveToPhys(rv32.ArgRegs[i], src, loc)
		} else {
			l.vc.push(instr{
				kind:    instrStore,
				rs1:     pregOf(rv32.SP),
				rs2:     vregOf(src),
				imm:     OutgoingArgAddr(i),
				memType: ir.TypeI32,
			}, loc, regalloc.Use(src))
		}
	}

	idx := l.vc.push(instr{kind: instrCall}, loc)
	l.vc.relocs = append(l.vc.relocs, Relocation{Instr: idx, Kind: RelocFunctionCall, Sym: inst.Callee})
	l.vc.clobbers[idx] = callClobbers

	for i, r := range inst.Results {
		l.moveFromPhys(l.vregFor(r), rv32.ArgRegs[i], loc)
	}
	return nil
}

func (l *lowerer) lowerSyscall(inst *ir.Inst, loc ir.SourceLoc) error {
	if len(inst.Args) > len(rv32.SyscallArgRegs) {
		return &UnimplementedError{Fn: l.f.Name, What: fmt.Sprintf("syscall with %d arguments", len(inst.Args))}
	}

	l.materializePhys(rv32.SyscallNumReg, inst.Imm, loc)
	for i, a := range inst.Args {
		l.moveToPhys(rv32.SyscallArgRegs[i], l.vregFor(a), loc)
	}
	l.vc.push(instr{kind: instrSyscall}, loc)
	for _, r := range inst.Results {
		l.moveFromPhys(l.vregFor(r), rv32.A0, loc)
	}
	return nil
}

// lowerEdgeMoves resolves the parallel moves carrying branch arguments into
// the destination's parameter vregs.
func (l *lowerer) lowerEdgeMoves(tgt *ir.BranchTarget, loc ir.SourceLoc) {
	if len(tgt.Args) == 0 {
		return
	}
	params := l.f.Blocks[tgt.Block].Params

	type pmove struct {
		dst, src regalloc.VReg
	}
	var pending []pmove
	for i, a := range tgt.Args {
		dst, src := l.vregFor(params[i]), l.vregFor(a)
		if dst != src {
			pending = append(pending, pmove{dst, src})
		}
	}

	for len(pending) > 0 {
		progress := false
		for i := 0; i < len(pending); {
			m := pending[i]
			blocked := false
			for j, o := range pending {
				if j != i && o.src == m.dst {
					blocked = true
					break
				}
			}
			if blocked {
				i++
				continue
			}
			l.moveVV(m.dst, m.src, loc)
			pending = append(pending[:i], pending[i+1:]...)
			progress = true
		}
		if len(pending) > 0 && !progress {
			// Every remaining destination is also a remaining source: a
			// cycle. Park one destination's old value in a fresh vreg and
			// point its readers there.
			m := pending[0]
			tmp := l.fresh()
			l.moveVV(tmp, m.dst, loc)
			for j := range pending {
				if pending[j].src == m.dst {
					pending[j].src = tmp
				}
			}
		}
	}
}
