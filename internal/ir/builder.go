package ir

import "fmt"

// Builder constructs a Function programmatically. It does not verify SSA or
// dominance; that is the job of the upstream verifier. It does enforce the
// structural basics (every block ends in exactly one terminator) so malformed
// functions fail at construction instead of deep inside the backend.
type Builder struct {
	f   *Function
	cur BlockID
	loc SourceLoc
}

// NewBuilder starts a function with an entry block carrying one parameter
// per entry in params.
func NewBuilder(name string, params ...Type) *Builder {
	b := &Builder{f: &Function{Name: name}}
	b.cur = b.AddBlock(params...)
	b.f.Entry = b.cur
	return b
}

// AddBlock appends a block with the given parameter types and returns its id.
// The current block is left unchanged.
func (b *Builder) AddBlock(params ...Type) BlockID {
	id := BlockID(len(b.f.Blocks))
	blk := Block{}
	for _, t := range params {
		v := b.newValue(t, InvalidInst, id)
		blk.Params = append(blk.Params, v)
	}
	b.f.Blocks = append(b.f.Blocks, blk)
	return id
}

// SwitchTo makes blk the block instructions are appended to.
func (b *Builder) SwitchTo(blk BlockID) {
	b.cur = blk
}

// Param returns the i'th parameter of the entry block.
func (b *Builder) Param(i int) ValueID {
	return b.f.Blocks[b.f.Entry].Params[i]
}

// BlockParam returns the i'th parameter of blk.
func (b *Builder) BlockParam(blk BlockID, i int) ValueID {
	return b.f.Blocks[blk].Params[i]
}

// SetLoc sets the source location recorded on subsequently built
// instructions.
func (b *Builder) SetLoc(loc SourceLoc) {
	b.loc = loc
}

func (b *Builder) newValue(t Type, def InstID, blk BlockID) ValueID {
	id := ValueID(len(b.f.Values))
	b.f.Values = append(b.f.Values, Value{Type: t, Def: def, Block: blk})
	return id
}

func (b *Builder) append(inst Inst) InstID {
	blk := &b.f.Blocks[b.cur]
	if len(blk.Insts) > 0 && b.f.Insts[blk.Insts[len(blk.Insts)-1]].Op.IsTerminator() {
		panic(fmt.Sprintf("ir: appending %s to already-terminated block %d", inst.Op, b.cur))
	}
	inst.Loc = b.loc
	id := InstID(len(b.f.Insts))
	b.f.Insts = append(b.f.Insts, inst)
	blk.Insts = append(blk.Insts, id)
	return id
}

func (b *Builder) appendWithResult(inst Inst, t Type) ValueID {
	id := InstID(len(b.f.Insts))
	v := b.newValue(t, id, b.cur)
	inst.Results = []ValueID{v}
	b.append(inst)
	return v
}

// Iconst materializes a 32-bit constant.
func (b *Builder) Iconst(v int32) ValueID {
	return b.appendWithResult(Inst{Op: OpIconst, Imm: v}, TypeI32)
}

// Binary appends a two-operand arithmetic or comparison instruction.
func (b *Builder) Binary(op Opcode, x, y ValueID) ValueID {
	switch op {
	case OpIadd, OpIsub, OpImul, OpIdiv, OpIrem,
		OpIcmpEq, OpIcmpNe, OpIcmpLt, OpIcmpLe, OpIcmpGt, OpIcmpGe:
	default:
		panic(fmt.Sprintf("ir: %s is not a binary opcode", op))
	}
	return b.appendWithResult(Inst{Op: op, Args: []ValueID{x, y}}, TypeI32)
}

func (b *Builder) Iadd(x, y ValueID) ValueID { return b.Binary(OpIadd, x, y) }
func (b *Builder) Isub(x, y ValueID) ValueID { return b.Binary(OpIsub, x, y) }
func (b *Builder) Imul(x, y ValueID) ValueID { return b.Binary(OpImul, x, y) }
func (b *Builder) Idiv(x, y ValueID) ValueID { return b.Binary(OpIdiv, x, y) }
func (b *Builder) Irem(x, y ValueID) ValueID { return b.Binary(OpIrem, x, y) }

// Load reads an element of type t at addr.
func (b *Builder) Load(t Type, addr ValueID) ValueID {
	return b.appendWithResult(Inst{Op: OpLoad, Args: []ValueID{addr}, MemType: t}, TypeI32)
}

// Store writes val as an element of type t at addr.
func (b *Builder) Store(t Type, val, addr ValueID) {
	b.append(Inst{Op: OpStore, Args: []ValueID{val, addr}, MemType: t})
}

// Call invokes callee with args, producing results result values.
func (b *Builder) Call(callee string, results int, args ...ValueID) []ValueID {
	inst := Inst{Op: OpCall, Callee: callee, Args: args}
	id := InstID(len(b.f.Insts))
	out := make([]ValueID, results)
	for i := range out {
		out[i] = b.newValue(TypeI32, id, b.cur)
	}
	inst.Results = out
	b.append(inst)
	return out
}

// Syscall requests service num from the execution environment.
func (b *Builder) Syscall(num int32, args ...ValueID) ValueID {
	return b.appendWithResult(Inst{Op: OpSyscall, Imm: num, Args: args}, TypeI32)
}

// Jump transfers control to target, passing args as its block arguments.
func (b *Builder) Jump(target BlockID, args ...ValueID) {
	b.append(Inst{Op: OpJump, Targets: []BranchTarget{{Block: target, Args: args}}})
}

// Brif branches to then when cond is non-zero, otherwise to els.
func (b *Builder) Brif(cond ValueID, then BlockID, thenArgs []ValueID, els BlockID, elsArgs []ValueID) {
	b.append(Inst{
		Op:   OpBrif,
		Args: []ValueID{cond},
		Targets: []BranchTarget{
			{Block: then, Args: thenArgs},
			{Block: els, Args: elsArgs},
		},
	})
}

// Return ends the function, yielding vals.
func (b *Builder) Return(vals ...ValueID) {
	b.append(Inst{Op: OpReturn, Args: vals})
}

// Halt stops the machine.
func (b *Builder) Halt() {
	b.append(Inst{Op: OpHalt})
}

// Trap raises an execution trap.
func (b *Builder) Trap() {
	b.append(Inst{Op: OpTrap})
}

// Finish returns the built function. Every block must be terminated.
func (b *Builder) Finish() *Function {
	for i, blk := range b.f.Blocks {
		if len(blk.Insts) == 0 || !b.f.Insts[blk.Insts[len(blk.Insts)-1]].Op.IsTerminator() {
			panic(fmt.Sprintf("ir: block %d of %q is not terminated", i, b.f.Name))
		}
	}
	return b.f
}
