package codegen

import (
	"testing"

	"github.com/tinyrange/rvc/internal/ir"
	"github.com/tinyrange/rvc/internal/regalloc"
)

func lower(t *testing.T, f *ir.Function) *VCode {
	t.Helper()
	cfg := ir.ComputeCFG(f)
	order := ComputeBlockOrder(f, cfg)
	vc, err := lowerFunction(f, cfg, order)
	if err != nil {
		t.Fatalf("lowerFunction: %v", err)
	}
	return vc
}

func TestLowerAddShape(t *testing.T) {
	b := ir.NewBuilder("add", ir.TypeI32, ir.TypeI32)
	b.Return(b.Iadd(b.Param(0), b.Param(1)))
	vc := lower(t, b.Finish())

	alus := 0
	for _, in := range vc.instrs {
		if in.kind == instrAlu {
			alus++
		}
	}
	if alus != 1 {
		t.Errorf("alu instructions = %d, want exactly 1", alus)
	}
	// The return lowers to moves into the return registers plus a jump to
	// the epilogue.
	last := vc.instrs[len(vc.instrs)-1]
	if last.kind != instrJump {
		t.Errorf("last instruction kind = %d, want jump to epilogue", last.kind)
	}
	rel := vc.relocs[len(vc.relocs)-1]
	if rel.Kind != RelocBranch || rel.Target != EpilogueTarget {
		t.Errorf("return relocation = %+v", rel)
	}
}

func TestLowerParallelArrays(t *testing.T) {
	b := ir.NewBuilder("loop", ir.TypeI32)
	header := b.AddBlock(ir.TypeI32)
	exit := b.AddBlock()
	b.Jump(header, b.Param(0))
	b.SwitchTo(header)
	p := b.BlockParam(header, 0)
	cond := b.Binary(ir.OpIcmpGt, p, b.Iconst(0))
	dec := b.Isub(p, b.Iconst(1))
	b.Brif(cond, header, []ir.ValueID{dec}, exit, nil)
	b.SwitchTo(exit)
	b.Return(p)
	vc := lower(t, b.Finish())

	if err := vc.checkParallel(); err != nil {
		t.Fatalf("checkParallel: %v", err)
	}
	if len(vc.srcLocs) != len(vc.instrs) {
		t.Errorf("source locations = %d, instructions = %d", len(vc.srcLocs), len(vc.instrs))
	}
}

func TestLowerRelocationsReferenceValidInstructions(t *testing.T) {
	b := ir.NewBuilder("branches", ir.TypeI32)
	b1 := b.AddBlock()
	merge := b.AddBlock(ir.TypeI32)
	b.Brif(b.Param(0), b1, nil, merge, []ir.ValueID{b.Iconst(5)})
	b.SwitchTo(b1)
	b.Jump(merge, b.Iconst(6))
	b.SwitchTo(merge)
	b.Return(b.BlockParam(merge, 0))
	vc := lower(t, b.Finish())

	if len(vc.relocs) == 0 {
		t.Fatal("no relocations recorded")
	}
	for _, rel := range vc.relocs {
		if rel.Instr < 0 || rel.Instr >= len(vc.instrs) {
			t.Errorf("relocation references instruction %d of %d", rel.Instr, len(vc.instrs))
		}
		switch rel.Kind {
		case RelocBranch:
			if rel.Target != EpilogueTarget && (rel.Target < 0 || rel.Target >= len(vc.blockRanges)) {
				t.Errorf("branch relocation targets order entry %d of %d", rel.Target, len(vc.blockRanges))
			}
		case RelocFunctionCall:
			if rel.Sym == "" {
				t.Error("call relocation with empty symbol")
			}
		}
	}
}

func TestLowerEdgeBlockHostsMoves(t *testing.T) {
	// The critical entry->merge edge carries one argument; its move must
	// live in the edge block, not the entry block.
	b := ir.NewBuilder("crit", ir.TypeI32)
	b1 := b.AddBlock()
	merge := b.AddBlock(ir.TypeI32)
	v := b.Iconst(10)
	b.Brif(b.Param(0), b1, nil, merge, []ir.ValueID{v})
	b.SwitchTo(b1)
	b.Jump(merge, b.Iconst(20))
	b.SwitchTo(merge)
	b.Return(b.BlockParam(merge, 0))
	f := b.Finish()

	cfg := ir.ComputeCFG(f)
	order := ComputeBlockOrder(f, cfg)
	vc, err := lowerFunction(f, cfg, order)
	if err != nil {
		t.Fatalf("lowerFunction: %v", err)
	}

	edgePos, ok := order.EdgePos(f.Entry, merge)
	if !ok {
		t.Fatal("entry->merge should be critical")
	}
	r := vc.blockRanges[edgePos]
	foundMove := false
	for i := r[0]; i < r[1]; i++ {
		if vc.instrs[i].kind == instrMove {
			foundMove = true
		}
	}
	if !foundMove {
		t.Error("edge block contains no argument move")
	}
	if last := vc.instrs[r[1]-1]; last.kind != instrJump {
		t.Errorf("edge block ends in kind %d, want jump", last.kind)
	}
}

func TestLowerParallelMoveCycle(t *testing.T) {
	// Loop back edge header(x, y, n) -> header(y, x, n-1) swaps x and y.
	// The back edge is critical, so the swap moves land in its edge block,
	// and the resolver must break the x/y cycle with a temporary: one move
	// for n, one to park x, and two for the swap itself.
	b := ir.NewBuilder("swap", ir.TypeI32, ir.TypeI32, ir.TypeI32)
	header := b.AddBlock(ir.TypeI32, ir.TypeI32, ir.TypeI32)
	exit := b.AddBlock()
	b.Jump(header, b.Param(0), b.Param(1), b.Param(2))
	b.SwitchTo(header)
	x := b.BlockParam(header, 0)
	y := b.BlockParam(header, 1)
	n := b.BlockParam(header, 2)
	cond := b.Binary(ir.OpIcmpGt, n, b.Iconst(0))
	dec := b.Isub(n, b.Iconst(1))
	b.Brif(cond, header, []ir.ValueID{y, x, dec}, exit, nil)
	b.SwitchTo(exit)
	b.Return(x)
	f := b.Finish()

	cfg := ir.ComputeCFG(f)
	order := ComputeBlockOrder(f, cfg)
	vc, err := lowerFunction(f, cfg, order)
	if err != nil {
		t.Fatalf("lowerFunction: %v", err)
	}

	edgePos, ok := order.EdgePos(header, header)
	if !ok {
		t.Fatal("header back edge should be critical")
	}
	r := vc.blockRanges[edgePos]
	moves := 0
	for i := r[0]; i < r[1]; i++ {
		if vc.instrs[i].kind == instrMove {
			moves++
		}
	}
	if moves != 4 {
		t.Errorf("edge block moves = %d, want 4 (cycle broken through a temporary)", moves)
	}
}

func TestLowerCallMetadata(t *testing.T) {
	b := ir.NewBuilder("caller")
	var args []ir.ValueID
	for i := 0; i < 9; i++ {
		args = append(args, b.Iconst(int32(i)))
	}
	r := b.Call("callee", 1, args...)
	b.Return(r[0])
	vc := lower(t, b.Finish())

	if !vc.hasCalls {
		t.Error("hasCalls not set")
	}
	if vc.maxCallArgs != 9 {
		t.Errorf("maxCallArgs = %d, want 9", vc.maxCallArgs)
	}
	callIdx := -1
	for i, in := range vc.instrs {
		if in.kind == instrCall {
			callIdx = i
		}
	}
	if callIdx < 0 {
		t.Fatal("no call instruction lowered")
	}
	if len(vc.clobbers[callIdx]) == 0 {
		t.Error("call has no clobber set")
	}
}

func TestLowerConstantPool(t *testing.T) {
	b := ir.NewBuilder("consts")
	wide := b.Iconst(1 << 20)
	small := b.Iconst(5)
	b.Return(b.Iadd(wide, small))
	vc := lower(t, b.Finish())

	if len(vc.consts) != 1 {
		t.Fatalf("constant pool entries = %d, want 1", len(vc.consts))
	}
	if vc.consts[0].Value != 1<<20 {
		t.Errorf("pool value = %d, want %d", vc.consts[0].Value, 1<<20)
	}
	if vc.consts[0].Dst == regalloc.InvalidVReg {
		t.Error("pool entry has no destination vreg")
	}
}
