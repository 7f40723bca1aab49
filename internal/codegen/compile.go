// Package codegen lowers SSA functions to RV32 machine code. The pipeline
// per function is: block order computation (splitting critical edges),
// lowering to virtual-register VCode, register allocation, frame layout and
// finally word emission. Branches resolve when their function finishes;
// calls resolve once the whole module is emitted, so functions may call
// forward in any order.
package codegen

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/rvc/internal/ir"
	"github.com/tinyrange/rvc/internal/regalloc"
	"github.com/tinyrange/rvc/internal/rv32"
	"github.com/xyproto/env/v2"
)

// Options controls compilation diagnostics.
type Options struct {
	// DumpVCode logs every function's lowered form before allocation.
	DumpVCode bool
	// DumpCode logs a disassembly of every function's final code.
	DumpCode bool
	// Logger receives the dumps; nil means slog.Default.
	Logger *slog.Logger
}

// OptionsFromEnv reads the debug switches from the environment.
func OptionsFromEnv() Options {
	return Options{
		DumpVCode: env.Bool("RVC_DEBUG_VCODE"),
		DumpCode:  env.Bool("RVC_DEBUG_CODE"),
	}
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// CompiledModule is the result of compiling an ir.Module.
type CompiledModule struct {
	// Code is the concatenated machine code of all functions, entry
	// function first.
	Code []byte
	// BootstrapInstrs is the instruction count of the entry function.
	BootstrapInstrs int
}

// CompileModule compiles every function of m. The entry function is
// compiled first; the rest follow in name order. symtab carries externally
// registered symbols in and function offsets out; nil means a fresh table.
// Compilation is fail-fast: the first function to fail aborts the module.
func CompileModule(m *ir.Module, symtab *SymbolTable, opts Options) (*CompiledModule, error) {
	if symtab == nil {
		symtab = NewSymbolTable()
	}

	entry, err := m.EntryFunc()
	if err != nil {
		return nil, err
	}
	funcs := []*ir.Function{entry}
	var rest []*ir.Function
	for _, f := range m.Funcs {
		if f != entry {
			rest = append(rest, f)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })
	funcs = append(funcs, rest...)

	var (
		buf       []byte
		pending   []pendingCall
		bootstrap int
	)
	for _, f := range funcs {
		base := uint32(len(buf))
		code, calls, err := compileFunction(f, base, opts)
		if err != nil {
			return nil, err
		}
		if err := symtab.Define(Local(f.Name), base); err != nil {
			return nil, err
		}
		if f == entry {
			bootstrap = len(code) / rv32.WordSize
		}
		buf = append(buf, code...)
		pending = append(pending, calls...)
	}

	if err := resolveCalls(buf, pending, symtab); err != nil {
		return nil, err
	}

	return &CompiledModule{Code: buf, BootstrapInstrs: bootstrap}, nil
}

// resolveCalls patches every call placeholder now that all function offsets
// are recorded. This is the only step that sees the module as a whole.
func resolveCalls(buf []byte, pending []pendingCall, symtab *SymbolTable) error {
	for _, pc := range pending {
		addr, _, ok := symtab.Lookup(pc.sym)
		if !ok {
			return &UnresolvedSymbolError{Fn: pc.fn, Sym: pc.sym}
		}
		off := int32(addr) - int32(pc.byteOff)
		word := binary.LittleEndian.Uint32(buf[pc.byteOff:])
		patched, err := rv32.PatchJumpOffset(word, off)
		if err != nil {
			return fmt.Errorf("codegen: %s: call %q: %w", pc.fn, pc.sym, err)
		}
		binary.LittleEndian.PutUint32(buf[pc.byteOff:], patched)
	}
	return nil
}

func compileFunction(f *ir.Function, base uint32, opts Options) ([]byte, []pendingCall, error) {
	cfg := ir.ComputeCFG(f)
	order := ComputeBlockOrder(f, cfg)

	vc, err := lowerFunction(f, cfg, order)
	if err != nil {
		return nil, nil, err
	}
	if opts.DumpVCode {
		opts.logger().Debug("lowered function", "func", f.Name, "vcode", vc.String())
	}

	res, err := regalloc.Run(newRegallocView(vc), allocEnv(), regalloc.Options{ValidateSSA: true})
	if err != nil {
		return nil, nil, fmt.Errorf("codegen: %s: %w", f.Name, err)
	}

	clobbered := make([]rv32.Reg, len(res.UsedCalleeSaved))
	for i, p := range res.UsedCalleeSaved {
		clobbered[i] = rv32.Reg(p)
	}
	frame := ComputeFrameLayout(clobbered, res.NumSpillSlots, vc.hasCalls, f.NumParams(), vc.maxCallArgs)

	code, calls, err := emitFunction(vc, res, &frame, base)
	if err != nil {
		return nil, nil, err
	}
	if opts.DumpCode {
		opts.logger().Debug("emitted function", "func", f.Name, "bytes", len(code), "asm", disasmDump(code))
	}
	return code, calls, nil
}

func disasmDump(code []byte) string {
	out := ""
	for off := 0; off+rv32.WordSize <= len(code); off += rv32.WordSize {
		word := binary.LittleEndian.Uint32(code[off:])
		out += fmt.Sprintf("%4d: %s\n", off, rv32.Disassemble(word))
	}
	return out
}
