package codegen

import (
	"github.com/tinyrange/rvc/internal/regalloc"
	"github.com/tinyrange/rvc/internal/rv32"
)

// regallocView adapts a VCode to the allocator's Function interface. It owns
// no state beyond the VCode it wraps; all answers come straight from the
// lowered arrays.
type regallocView struct {
	vc *VCode
}

func newRegallocView(vc *VCode) *regallocView { return &regallocView{vc: vc} }

func (v *regallocView) EntryBlock() int { return 0 }

func (v *regallocView) NumBlocks() int { return len(v.vc.blockRanges) }

func (v *regallocView) BlockInstrRange(b int) (int, int) {
	r := v.vc.blockRanges[b]
	return int(r[0]), int(r[1])
}

func (v *regallocView) BlockSuccs(b int) []int { return v.vc.order.Succs[b] }

func (v *regallocView) BlockPreds(b int) []int { return v.vc.preds[b] }

func (v *regallocView) BlockParams(b int) []regalloc.VReg { return v.vc.blockParams[b] }

func (v *regallocView) NumInstrs() int { return len(v.vc.instrs) }

func (v *regallocView) InstrOperands(i int) []regalloc.Operand {
	r := v.vc.operandRanges[i]
	return v.vc.operands[r[0]:r[1]]
}

func (v *regallocView) InstrClobbers(i int) []regalloc.PhysReg { return v.vc.clobbers[i] }

func (v *regallocView) NumVRegs() int { return v.vc.numVRegs }

func (v *regallocView) SpillSlotSize(regalloc.RegClass) int { return rv32.WordSize }
