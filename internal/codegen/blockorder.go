package codegen

import (
	"fmt"

	"github.com/tinyrange/rvc/internal/ir"
)

// LoweredBlockKind tags an entry in the lowering order.
type LoweredBlockKind uint8

const (
	// BlockOriginal is an IR basic block.
	BlockOriginal LoweredBlockKind = iota
	// BlockEdge is a synthetic block splitting one critical edge. It exists
	// only to host the parallel moves resolving the destination's block
	// arguments.
	BlockEdge
)

// LoweredBlock identifies one entry of the lowering order.
type LoweredBlock struct {
	Kind     LoweredBlockKind
	Original ir.BlockID // BlockOriginal
	From, To ir.BlockID // BlockEdge
}

func (b LoweredBlock) String() string {
	if b.Kind == BlockEdge {
		return fmt.Sprintf("edge(%d->%d)", b.From, b.To)
	}
	return fmt.Sprintf("block%d", b.Original)
}

// BlockLoweringOrder is the order functions are lowered and emitted in:
// reachable original blocks in reverse post-order, followed by one synthetic
// block per critical edge. Cold and IndirectTargets are reserved for later
// layout decisions and stay empty.
type BlockLoweringOrder struct {
	Blocks []LoweredBlock
	// Succs holds, per order entry, its successors as order positions.
	Succs [][]int
	// Pos maps an original block id to its order position, or -1 when the
	// block is unreachable and was dropped.
	Pos []int
	// Cold and IndirectTargets are reserved and currently always empty.
	Cold            map[int]struct{}
	IndirectTargets map[int]struct{}

	edgePos map[edgeKey]int
}

type edgeKey struct {
	from, to ir.BlockID
}

// isCriticalEdge reports whether from->to cannot host edge moves without an
// intermediate block: the source has several successors and the destination
// several predecessors, so moves placed on either end would leak onto a
// different edge.
func isCriticalEdge(cfg *ir.CFG, from, to ir.BlockID) bool {
	return len(cfg.Succs[from]) > 1 && len(cfg.Preds[to]) > 1
}

// ComputeBlockOrder builds the lowering order for f. It is total over any
// valid CFG; unreachable blocks are simply absent.
func ComputeBlockOrder(f *ir.Function, cfg *ir.CFG) *BlockLoweringOrder {
	rpo := cfg.ReversePostOrder(f.Entry)

	order := &BlockLoweringOrder{
		Pos:             make([]int, len(f.Blocks)),
		Cold:            map[int]struct{}{},
		IndirectTargets: map[int]struct{}{},
		edgePos:         map[edgeKey]int{},
	}
	for i := range order.Pos {
		order.Pos[i] = -1
	}

	for i, b := range rpo {
		order.Blocks = append(order.Blocks, LoweredBlock{Kind: BlockOriginal, Original: b})
		order.Pos[b] = i
	}

	// Edge blocks follow all original blocks. Their relative order is not
	// load-bearing; discovery order keeps it deterministic.
	for _, from := range rpo {
		for _, to := range cfg.Succs[from] {
			if !isCriticalEdge(cfg, from, to) {
				continue
			}
			key := edgeKey{from, to}
			if _, ok := order.edgePos[key]; ok {
				continue
			}
			order.edgePos[key] = len(order.Blocks)
			order.Blocks = append(order.Blocks, LoweredBlock{Kind: BlockEdge, From: from, To: to})
		}
	}

	order.Succs = make([][]int, len(order.Blocks))
	for i, lb := range order.Blocks {
		switch lb.Kind {
		case BlockOriginal:
			for _, to := range cfg.Succs[lb.Original] {
				if pos, ok := order.edgePos[edgeKey{lb.Original, to}]; ok {
					order.Succs[i] = append(order.Succs[i], pos)
				} else {
					order.Succs[i] = append(order.Succs[i], order.Pos[to])
				}
			}
		case BlockEdge:
			order.Succs[i] = []int{order.Pos[lb.To]}
		}
	}

	return order
}

// NumBlocks returns the number of lowering-order entries.
func (o *BlockLoweringOrder) NumBlocks() int { return len(o.Blocks) }

// NumEdgeBlocks returns the number of synthesized edge blocks, which equals
// the number of critical edges.
func (o *BlockLoweringOrder) NumEdgeBlocks() int { return len(o.edgePos) }

// EdgePos returns the order position of the edge block splitting from->to.
func (o *BlockLoweringOrder) EdgePos(from, to ir.BlockID) (int, bool) {
	pos, ok := o.edgePos[edgeKey{from, to}]
	return pos, ok
}

// SuccTarget returns the lowering-order successor used when from branches to
// to: the splitting edge block when the edge is critical, otherwise the
// destination itself.
func (o *BlockLoweringOrder) SuccTarget(from, to ir.BlockID) int {
	if pos, ok := o.EdgePos(from, to); ok {
		return pos
	}
	return o.Pos[to]
}
