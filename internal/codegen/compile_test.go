package codegen

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/rvc/internal/ir"
	"github.com/tinyrange/rvc/internal/rv32"
)

func singleFunc(f *ir.Function) *ir.Module {
	return &ir.Module{Entry: f.Name, Funcs: []*ir.Function{f}}
}

func compileAndLoad(t *testing.T, m *ir.Module, symtab *SymbolTable) (*CompiledModule, *rv32.Machine) {
	t.Helper()
	cm, err := CompileModule(m, symtab, Options{})
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	machine := rv32.NewMachine(1 << 20)
	if err := machine.LoadCode(0, cm.Code); err != nil {
		t.Fatalf("LoadCode: %v", err)
	}
	return cm, machine
}

func runEntry(t *testing.T, m *ir.Module, args ...uint32) uint32 {
	t.Helper()
	_, machine := compileAndLoad(t, m, nil)
	a0, _, err := machine.Call(0, args...)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	return a0
}

func TestCompileAdd(t *testing.T) {
	b := ir.NewBuilder("add", ir.TypeI32, ir.TypeI32)
	b.Return(b.Iadd(b.Param(0), b.Param(1)))

	if got := runEntry(t, singleFunc(b.Finish()), 5, 10); got != 15 {
		t.Errorf("add(5, 10) = %d, want 15", got)
	}
}

func TestCompileDiamond(t *testing.T) {
	b := ir.NewBuilder("diamond", ir.TypeI32)
	then := b.AddBlock()
	els := b.AddBlock()
	merge := b.AddBlock(ir.TypeI32)
	b.Brif(b.Param(0), then, nil, els, nil)
	b.SwitchTo(then)
	b.Jump(merge, b.Iconst(111))
	b.SwitchTo(els)
	b.Jump(merge, b.Iconst(222))
	b.SwitchTo(merge)
	b.Return(b.BlockParam(merge, 0))
	m := singleFunc(b.Finish())

	if got := runEntry(t, m, 1); got != 111 {
		t.Errorf("diamond(1) = %d, want 111", got)
	}
	if got := runEntry(t, m, 0); got != 222 {
		t.Errorf("diamond(0) = %d, want 222", got)
	}
}

func TestCompileCriticalEdgeMoves(t *testing.T) {
	// entry -> {b1, merge(10)}: the direct edge to merge is critical, so
	// its block-argument move runs in a synthesized edge block.
	b := ir.NewBuilder("critedge", ir.TypeI32)
	b1 := b.AddBlock()
	merge := b.AddBlock(ir.TypeI32)
	ten := b.Iconst(10)
	b.Brif(b.Param(0), b1, nil, merge, []ir.ValueID{ten})
	b.SwitchTo(b1)
	b.Jump(merge, b.Iconst(20))
	b.SwitchTo(merge)
	b.Return(b.BlockParam(merge, 0))
	m := singleFunc(b.Finish())

	if got := runEntry(t, m, 1); got != 20 {
		t.Errorf("critedge(1) = %d, want 20", got)
	}
	if got := runEntry(t, m, 0); got != 10 {
		t.Errorf("critedge(0) = %d, want 10", got)
	}
}

func TestCompileLargeConstant(t *testing.T) {
	b := ir.NewBuilder("big")
	b.Return(b.Iconst(50000))
	m := singleFunc(b.Finish())

	cm, machine := compileAndLoad(t, m, nil)
	a0, _, err := machine.Call(0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if a0 != 50000 {
		t.Errorf("big() = %d, want 50000", a0)
	}

	sawLui := false
	for off := 0; off+4 <= len(cm.Code); off += 4 {
		word := binary.LittleEndian.Uint32(cm.Code[off:])
		if strings.HasPrefix(rv32.Disassemble(word), "lui") {
			sawLui = true
		}
	}
	if !sawLui {
		t.Error("50000 should materialize through lui")
	}
}

func TestConstantBoundaries(t *testing.T) {
	for _, v := range []int32{-2048, 2047, 2048, -2049, 0x800, 0x12345800, -1, 0} {
		b := ir.NewBuilder("const")
		b.Return(b.Iconst(v))
		if got := runEntry(t, singleFunc(b.Finish())); int32(got) != v {
			t.Errorf("const %d compiled to %d", v, int32(got))
		}
	}
}

func TestCompileLoopSum(t *testing.T) {
	// sum(n) = 1 + 2 + ... + n, with acc and i as loop block parameters.
	b := ir.NewBuilder("sum", ir.TypeI32)
	header := b.AddBlock(ir.TypeI32, ir.TypeI32)
	body := b.AddBlock()
	exit := b.AddBlock()

	b.Jump(header, b.Iconst(0), b.Iconst(1))

	b.SwitchTo(header)
	acc, i := b.BlockParam(header, 0), b.BlockParam(header, 1)
	cond := b.Binary(ir.OpIcmpLe, i, b.Param(0))
	b.Brif(cond, body, nil, exit, nil)

	b.SwitchTo(body)
	b.Jump(header, b.Iadd(acc, i), b.Iadd(i, b.Iconst(1)))

	b.SwitchTo(exit)
	b.Return(acc)
	m := singleFunc(b.Finish())

	if got := runEntry(t, m, 10); got != 55 {
		t.Errorf("sum(10) = %d, want 55", got)
	}
	if got := runEntry(t, m, 0); got != 0 {
		t.Errorf("sum(0) = %d, want 0", got)
	}
	if got := runEntry(t, m, 100); got != 5050 {
		t.Errorf("sum(100) = %d, want 5050", got)
	}
}

func TestCompileCallOrderIndependence(t *testing.T) {
	// helper appears after main in the function list; the call must still
	// resolve once the whole module is emitted.
	mb := ir.NewBuilder("main")
	r := mb.Call("helper", 1)
	mb.Return(mb.Iadd(r[0], mb.Iconst(1)))

	hb := ir.NewBuilder("helper")
	hb.Return(hb.Iconst(7))

	m := &ir.Module{Entry: "main", Funcs: []*ir.Function{mb.Finish(), hb.Finish()}}
	if got := runEntry(t, m); got != 8 {
		t.Errorf("main() = %d, want 8", got)
	}
}

func TestCompileTwoResultCall(t *testing.T) {
	hb := ir.NewBuilder("pair")
	hb.Return(hb.Iconst(30), hb.Iconst(12))

	mb := ir.NewBuilder("main")
	r := mb.Call("pair", 2)
	mb.Return(mb.Iadd(r[0], r[1]))

	m := &ir.Module{Entry: "main", Funcs: []*ir.Function{mb.Finish(), hb.Finish()}}
	if got := runEntry(t, m); got != 42 {
		t.Errorf("main() = %d, want 42", got)
	}
}

func TestCompileStackArguments(t *testing.T) {
	// ten takes 10 arguments; the 9th and 10th travel on the stack in
	// both directions: outgoing from main, incoming into ten.
	tb := ir.NewBuilder("ten",
		ir.TypeI32, ir.TypeI32, ir.TypeI32, ir.TypeI32, ir.TypeI32,
		ir.TypeI32, ir.TypeI32, ir.TypeI32, ir.TypeI32, ir.TypeI32)
	tb.Return(tb.Iadd(tb.Param(8), tb.Param(9)))

	mb := ir.NewBuilder("main")
	var args []ir.ValueID
	for i := int32(1); i <= 10; i++ {
		args = append(args, mb.Iconst(i*100))
	}
	r := mb.Call("ten", 1, args...)
	mb.Return(r[0])

	m := &ir.Module{Entry: "main", Funcs: []*ir.Function{mb.Finish(), tb.Finish()}}
	if got := runEntry(t, m); got != 1900 {
		t.Errorf("main() = %d, want 1900", got)
	}
}

func TestCompileNestedCallsPreserveValues(t *testing.T) {
	// A value live across two calls must survive in a callee-saved
	// register or spill slot.
	hb := ir.NewBuilder("bump", ir.TypeI32)
	hb.Return(hb.Iadd(hb.Param(0), hb.Iconst(1)))

	mb := ir.NewBuilder("main", ir.TypeI32)
	keep := mb.Imul(mb.Param(0), mb.Iconst(3))
	r1 := mb.Call("bump", 1, keep)
	r2 := mb.Call("bump", 1, r1[0])
	mb.Return(mb.Iadd(keep, r2[0]))

	m := &ir.Module{Entry: "main", Funcs: []*ir.Function{mb.Finish(), hb.Finish()}}
	// keep = 21, bump(bump(21)) = 23, total 44.
	if got := runEntry(t, m, 7); got != 44 {
		t.Errorf("main(7) = %d, want 44", got)
	}
}

func TestCompileSpillPressure(t *testing.T) {
	// More simultaneously-live values than allocatable registers.
	b := ir.NewBuilder("pressure")
	var vals []ir.ValueID
	for i := int32(1); i <= 25; i++ {
		vals = append(vals, b.Iconst(i))
	}
	sum := vals[0]
	for _, v := range vals[1:] {
		sum = b.Iadd(sum, v)
	}
	b.Return(sum)

	if got := runEntry(t, singleFunc(b.Finish())); got != 325 {
		t.Errorf("pressure() = %d, want 325", got)
	}
}

func TestCompileSpillPressureAcrossBranches(t *testing.T) {
	// Constants defined before a branch and consumed after the merge keep
	// many values live across control flow.
	b := ir.NewBuilder("pressurebr", ir.TypeI32)
	var vals []ir.ValueID
	for i := int32(1); i <= 20; i++ {
		vals = append(vals, b.Iconst(i))
	}
	then := b.AddBlock()
	els := b.AddBlock()
	merge := b.AddBlock(ir.TypeI32)
	b.Brif(b.Param(0), then, nil, els, nil)
	b.SwitchTo(then)
	b.Jump(merge, b.Iconst(1000))
	b.SwitchTo(els)
	b.Jump(merge, b.Iconst(2000))
	b.SwitchTo(merge)
	sum := b.BlockParam(merge, 0)
	for _, v := range vals {
		sum = b.Iadd(sum, v)
	}
	b.Return(sum)
	m := singleFunc(b.Finish())

	if got := runEntry(t, m, 1); got != 1210 {
		t.Errorf("pressurebr(1) = %d, want 1210", got)
	}
	if got := runEntry(t, m, 0); got != 2210 {
		t.Errorf("pressurebr(0) = %d, want 2210", got)
	}
}

func TestCompileMemoryOps(t *testing.T) {
	// Store 3 values of different widths at fixed addresses, reload and
	// sum them.
	b := ir.NewBuilder("mem", ir.TypeI32)
	base := b.Iconst(0x400)
	b.Store(ir.TypeI32, b.Param(0), base)
	b.Store(ir.TypeI16, b.Iconst(300), b.Iadd(base, b.Iconst(8)))
	b.Store(ir.TypeI8, b.Iconst(7), b.Iadd(base, b.Iconst(12)))
	w := b.Load(ir.TypeI32, base)
	h := b.Load(ir.TypeI16, b.Iadd(base, b.Iconst(8)))
	c := b.Load(ir.TypeI8, b.Iadd(base, b.Iconst(12)))
	b.Return(b.Iadd(b.Iadd(w, h), c))

	if got := runEntry(t, singleFunc(b.Finish()), 5000); got != 5307 {
		t.Errorf("mem(5000) = %d, want 5307", got)
	}
}

func TestCompileSyscall(t *testing.T) {
	b := ir.NewBuilder("sys", ir.TypeI32, ir.TypeI32)
	b.Return(b.Syscall(93, b.Param(0), b.Param(1)))
	m := singleFunc(b.Finish())

	_, machine := compileAndLoad(t, m, nil)
	machine.Syscall = func(num uint32, args [7]uint32) (uint32, error) {
		if num != 93 {
			t.Errorf("syscall num = %d, want 93", num)
		}
		return args[0] * args[1], nil
	}
	a0, _, err := machine.Call(0, 6, 7)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if a0 != 42 {
		t.Errorf("sys(6, 7) = %d, want 42", a0)
	}
}

func TestCompileHalt(t *testing.T) {
	b := ir.NewBuilder("stop")
	b.Halt()
	m := singleFunc(b.Finish())

	_, machine := compileAndLoad(t, m, nil)
	if _, _, err := machine.Call(0); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !machine.Halted {
		t.Error("machine should be halted")
	}
}

func TestCompileTrap(t *testing.T) {
	b := ir.NewBuilder("boom")
	b.Trap()
	m := singleFunc(b.Finish())

	_, machine := compileAndLoad(t, m, nil)
	if _, _, err := machine.Call(0); err == nil {
		t.Fatal("trap should fail execution")
	}
}

func TestCompileExternalSymbol(t *testing.T) {
	// The callee is not part of the module; its address is registered as
	// an external and its code planted there by hand.
	mb := ir.NewBuilder("main")
	r := mb.Call("runtime_nine", 1)
	mb.Return(r[0])
	m := singleFunc(mb.Finish())

	const extAddr = 0x4000
	symtab := NewSymbolTable()
	symtab.DefineExternal("runtime_nine", extAddr)

	_, machine := compileAndLoad(t, m, symtab)
	stub := make([]byte, 0, 8)
	li, err := rv32.Addi(rv32.A0, rv32.ZERO, 9)
	if err != nil {
		t.Fatalf("Addi: %v", err)
	}
	stub = binary.LittleEndian.AppendUint32(stub, li)
	stub = binary.LittleEndian.AppendUint32(stub, rv32.Ret())
	if err := machine.LoadCode(extAddr, stub); err != nil {
		t.Fatalf("LoadCode: %v", err)
	}

	a0, _, err := machine.Call(0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if a0 != 9 {
		t.Errorf("main() = %d, want 9", a0)
	}
}

func TestCompileUnresolvedSymbol(t *testing.T) {
	b := ir.NewBuilder("main")
	r := b.Call("missing", 1)
	b.Return(r[0])

	_, err := CompileModule(singleFunc(b.Finish()), nil, Options{})
	var ue *UnresolvedSymbolError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnresolvedSymbolError", err)
	}
	if ue.Sym != "missing" || ue.Fn != "main" {
		t.Errorf("error context = %q in %q", ue.Sym, ue.Fn)
	}
}

func TestCompileTooManyCallResults(t *testing.T) {
	b := ir.NewBuilder("main")
	r := b.Call("f", 3)
	b.Return(r[0])

	_, err := CompileModule(singleFunc(b.Finish()), nil, Options{})
	var ue *UnimplementedError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnimplementedError", err)
	}
}

func TestCompileTooManySyscallArgs(t *testing.T) {
	b := ir.NewBuilder("main")
	var args []ir.ValueID
	for i := 0; i < 8; i++ {
		args = append(args, b.Iconst(int32(i)))
	}
	b.Return(b.Syscall(1, args...))

	_, err := CompileModule(singleFunc(b.Finish()), nil, Options{})
	var ue *UnimplementedError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnimplementedError", err)
	}
}

func TestCompileTooManyReturnValues(t *testing.T) {
	b := ir.NewBuilder("main")
	b.Return(b.Iconst(1), b.Iconst(2), b.Iconst(3))

	_, err := CompileModule(singleFunc(b.Finish()), nil, Options{})
	var ue *UnimplementedError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UnimplementedError", err)
	}
}

func TestCompileModuleBookkeeping(t *testing.T) {
	eb := ir.NewBuilder("entry")
	eb.Return(eb.Iconst(1))
	hb := ir.NewBuilder("aux")
	hb.Return(hb.Iconst(2))

	symtab := NewSymbolTable()
	m := &ir.Module{Entry: "entry", Funcs: []*ir.Function{hb.Finish(), eb.Finish()}}
	cm, err := CompileModule(m, symtab, Options{})
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}

	// The entry function leads the buffer even though it is listed last.
	off, _, ok := symtab.Lookup("entry")
	if !ok || off != 0 {
		t.Errorf("Lookup(entry) = %d, %v, want offset 0", off, ok)
	}
	auxOff, _, ok := symtab.Lookup("aux")
	if !ok || auxOff == 0 {
		t.Errorf("Lookup(aux) = %d, %v, want a non-zero offset", auxOff, ok)
	}
	if cm.BootstrapInstrs*rv32.WordSize != int(auxOff) {
		t.Errorf("BootstrapInstrs = %d, but aux starts at byte %d", cm.BootstrapInstrs, auxOff)
	}
	if len(cm.Code)%rv32.WordSize != 0 {
		t.Errorf("code length %d not word-aligned", len(cm.Code))
	}
}

func TestCompileDeterministic(t *testing.T) {
	build := func() *ir.Module {
		a := ir.NewBuilder("a")
		a.Return(a.Iconst(1))
		b := ir.NewBuilder("b")
		b.Return(b.Iconst(2))
		e := ir.NewBuilder("entry")
		r := e.Call("b", 1)
		e.Return(r[0])
		return &ir.Module{Entry: "entry", Funcs: []*ir.Function{b.Finish(), a.Finish(), e.Finish()}}
	}
	first, err := CompileModule(build(), nil, Options{})
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	second, err := CompileModule(build(), nil, Options{})
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	if string(first.Code) != string(second.Code) {
		t.Error("identical modules compiled to different code")
	}
}
