package codegen

import "fmt"

// SymbolKind classifies a call target.
type SymbolKind uint8

const (
	// SymbolLocal is a function defined by the module being compiled; its
	// value is a byte offset into the module's code.
	SymbolLocal SymbolKind = iota
	// SymbolTestCase is a test entry point. It resolves exactly like a
	// local; the kind only distinguishes it in diagnostics.
	SymbolTestCase
	// SymbolExternal is an address registered by the embedder, typically a
	// runtime routine already resident in the machine.
	SymbolExternal
)

var symbolKindNames = [...]string{"local", "testcase", "external"}

func (k SymbolKind) String() string { return symbolKindNames[k] }

// Symbol is a named call target.
type Symbol struct {
	Kind SymbolKind
	Name string
}

func Local(name string) Symbol    { return Symbol{Kind: SymbolLocal, Name: name} }
func TestCase(name string) Symbol { return Symbol{Kind: SymbolTestCase, Name: name} }
func External(name string) Symbol { return Symbol{Kind: SymbolExternal, Name: name} }

func (s Symbol) String() string { return fmt.Sprintf("%s(%s)", s.Kind, s.Name) }

type localEntry struct {
	off  uint32
	kind SymbolKind
}

// SymbolTable maps call target names to code addresses. It is threaded by
// mutable reference through every function compilation of a module and only
// ever grows: locals are recorded as each function finishes emission,
// externals are registered by the embedder, and no recorded offset is ever
// rewritten. Lookup prefers locals, so a module function shadows an external
// of the same name.
type SymbolTable struct {
	locals    map[string]localEntry
	externals map[string]uint32
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		locals:    map[string]localEntry{},
		externals: map[string]uint32{},
	}
}

// Define records the code offset of sym. External symbols go through
// DefineExternal instead; their value is an absolute address, not an offset.
func (st *SymbolTable) Define(sym Symbol, off uint32) error {
	if sym.Kind == SymbolExternal {
		return fmt.Errorf("codegen: %s cannot be defined with a code offset", sym)
	}
	if _, ok := st.locals[sym.Name]; ok {
		return fmt.Errorf("codegen: duplicate symbol %q", sym.Name)
	}
	st.locals[sym.Name] = localEntry{off: off, kind: sym.Kind}
	return nil
}

// DefineExternal registers an absolute address for name.
func (st *SymbolTable) DefineExternal(name string, addr uint32) {
	st.externals[name] = addr
}

// Lookup resolves name, locals first.
func (st *SymbolTable) Lookup(name string) (uint32, SymbolKind, bool) {
	if e, ok := st.locals[name]; ok {
		return e.off, e.kind, true
	}
	if addr, ok := st.externals[name]; ok {
		return addr, SymbolExternal, true
	}
	return 0, SymbolLocal, false
}

// IsExternal reports whether name would resolve to an external address: it
// is simply absence from the local mapping.
func (st *SymbolTable) IsExternal(name string) bool {
	_, ok := st.locals[name]
	return !ok
}
