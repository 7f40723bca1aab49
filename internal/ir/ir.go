// Package ir defines the in-memory SSA form the code generator consumes:
// functions made of basic blocks, instructions over dense value indices, a
// control-flow graph and a dominator tree. The textual grammar, parser and
// verifier that normally produce this form are external; tests and embedders
// construct functions through the Builder.
//
// Blocks, instructions and values are addressed by dense integer indices into
// flat arrays, so a Function is trivially copyable and cycles in the CFG need
// no recursive ownership.
package ir

import "fmt"

// Type describes a value or memory element type.
type Type uint8

const (
	TypeVoid Type = iota
	TypeI8
	TypeI16
	TypeI32
)

func (t Type) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeI8:
		return "i8"
	case TypeI16:
		return "i16"
	case TypeI32:
		return "i32"
	}
	return "type?"
}

// Bytes returns the memory width of the type.
func (t Type) Bytes() int {
	switch t {
	case TypeI8:
		return 1
	case TypeI16:
		return 2
	case TypeI32:
		return 4
	}
	return 0
}

// Dense indices into a Function's arenas.
type (
	BlockID int32
	ValueID int32
	InstID  int32
)

const (
	InvalidBlock BlockID = -1
	InvalidValue ValueID = -1
	InvalidInst  InstID  = -1
)

// SourceLoc is an opaque source position token carried through lowering.
type SourceLoc uint32

// Opcode enumerates the closed instruction set.
type Opcode uint8

const (
	OpInvalid Opcode = iota
	OpIconst
	OpIadd
	OpIsub
	OpImul
	OpIdiv
	OpIrem
	OpIcmpEq
	OpIcmpNe
	OpIcmpLt
	OpIcmpLe
	OpIcmpGt
	OpIcmpGe
	OpLoad
	OpStore
	OpJump
	OpBrif
	OpCall
	OpSyscall
	OpReturn
	OpHalt
	OpTrap
)

var opcodeNames = [...]string{
	OpInvalid: "invalid",
	OpIconst:  "iconst",
	OpIadd:    "iadd",
	OpIsub:    "isub",
	OpImul:    "imul",
	OpIdiv:    "idiv",
	OpIrem:    "irem",
	OpIcmpEq:  "icmp_eq",
	OpIcmpNe:  "icmp_ne",
	OpIcmpLt:  "icmp_lt",
	OpIcmpLe:  "icmp_le",
	OpIcmpGt:  "icmp_gt",
	OpIcmpGe:  "icmp_ge",
	OpLoad:    "load",
	OpStore:   "store",
	OpJump:    "jump",
	OpBrif:    "brif",
	OpCall:    "call",
	OpSyscall: "syscall",
	OpReturn:  "return",
	OpHalt:    "halt",
	OpTrap:    "trap",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "opcode?"
}

// IsTerminator reports whether the opcode ends a block.
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpJump, OpBrif, OpReturn, OpHalt, OpTrap:
		return true
	}
	return false
}

// BranchTarget names a successor block and the values passed as its block
// arguments.
type BranchTarget struct {
	Block BlockID
	Args  []ValueID
}

// Inst is one instruction. Which fields are meaningful depends on Op:
// Imm holds the constant for Iconst and the syscall number for Syscall,
// Callee the function name for Call, MemType the element type for Load and
// Store, Targets the successors for Jump (one) and Brif (then, else; Args[0]
// is the condition).
type Inst struct {
	Op      Opcode
	Args    []ValueID
	Results []ValueID
	Imm     int32
	Callee  string
	MemType Type
	Targets []BranchTarget
	Loc     SourceLoc
}

// Value records where a value comes from: either a defining instruction or a
// block parameter (Def == InvalidInst).
type Value struct {
	Type  Type
	Def   InstID
	Block BlockID
}

// Block is a basic block: typed parameters (the phi equivalents) and a list
// of instruction indices, the last of which is the terminator.
type Block struct {
	Params []ValueID
	Insts  []InstID
}

// Function is a complete SSA function.
type Function struct {
	Name   string
	Blocks []Block
	Insts  []Inst
	Values []Value
	Entry  BlockID
}

// NumParams returns the entry block's parameter count.
func (f *Function) NumParams() int {
	return len(f.Blocks[f.Entry].Params)
}

// Terminator returns the block's terminating instruction, or nil for an
// empty block.
func (f *Function) Terminator(b BlockID) *Inst {
	blk := &f.Blocks[b]
	if len(blk.Insts) == 0 {
		return nil
	}
	return &f.Insts[blk.Insts[len(blk.Insts)-1]]
}

// Succs returns the successor blocks of b in branch-target order.
func (f *Function) Succs(b BlockID) []BlockID {
	term := f.Terminator(b)
	if term == nil {
		return nil
	}
	succs := make([]BlockID, 0, len(term.Targets))
	for _, t := range term.Targets {
		succs = append(succs, t.Block)
	}
	return succs
}

// Module is an ordered set of functions with a designated entry function.
type Module struct {
	Entry string
	Funcs []*Function
}

// Lookup finds a function by name.
func (m *Module) Lookup(name string) (*Function, bool) {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// EntryFunc returns the designated entry function.
func (m *Module) EntryFunc() (*Function, error) {
	f, ok := m.Lookup(m.Entry)
	if !ok {
		return nil, fmt.Errorf("ir: entry function %q not found", m.Entry)
	}
	return f, nil
}
