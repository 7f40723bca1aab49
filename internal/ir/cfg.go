package ir

// CFG is the predecessor/successor view of a function, computed once and
// handed to the backend alongside the function.
type CFG struct {
	Succs [][]BlockID
	Preds [][]BlockID
}

// ComputeCFG builds the control-flow graph from block terminators. Successor
// lists preserve branch-target order; predecessor lists are in block order.
func ComputeCFG(f *Function) *CFG {
	n := len(f.Blocks)
	cfg := &CFG{
		Succs: make([][]BlockID, n),
		Preds: make([][]BlockID, n),
	}
	for b := range f.Blocks {
		cfg.Succs[b] = f.Succs(BlockID(b))
	}
	for b := range f.Blocks {
		for _, s := range cfg.Succs[b] {
			cfg.Preds[s] = append(cfg.Preds[s], BlockID(b))
		}
	}
	return cfg
}

// ReversePostOrder returns the blocks reachable from the entry in reverse
// post-order. Unreachable blocks do not appear.
func (c *CFG) ReversePostOrder(entry BlockID) []BlockID {
	seen := make([]bool, len(c.Succs))
	post := make([]BlockID, 0, len(c.Succs))

	var visit func(b BlockID)
	visit = func(b BlockID) {
		seen[b] = true
		for _, s := range c.Succs[b] {
			if !seen[s] {
				visit(s)
			}
		}
		post = append(post, b)
	}
	visit(entry)

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// DomTree holds the immediate dominator of every reachable block. The entry
// block is its own immediate dominator; unreachable blocks hold InvalidBlock.
type DomTree struct {
	Idom []BlockID
}

// Dominates reports whether a dominates b.
func (d *DomTree) Dominates(a, b BlockID) bool {
	for {
		if a == b {
			return true
		}
		next := d.Idom[b]
		if next == InvalidBlock || next == b {
			return false
		}
		b = next
	}
}

// ComputeDominators builds the dominator tree using the iterative algorithm
// of Cooper, Harvey and Kennedy over the reverse post-order.
func ComputeDominators(f *Function, cfg *CFG) *DomTree {
	rpo := cfg.ReversePostOrder(f.Entry)
	rpoIndex := make([]int, len(f.Blocks))
	for i := range rpoIndex {
		rpoIndex[i] = -1
	}
	for i, b := range rpo {
		rpoIndex[b] = i
	}

	idom := make([]BlockID, len(f.Blocks))
	for i := range idom {
		idom[i] = InvalidBlock
	}
	idom[f.Entry] = f.Entry

	intersect := func(a, b BlockID) BlockID {
		for a != b {
			for rpoIndex[a] > rpoIndex[b] {
				a = idom[a]
			}
			for rpoIndex[b] > rpoIndex[a] {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for _, b := range rpo {
			if b == f.Entry {
				continue
			}
			var newIdom = InvalidBlock
			for _, p := range cfg.Preds[b] {
				if idom[p] == InvalidBlock {
					continue
				}
				if newIdom == InvalidBlock {
					newIdom = p
				} else {
					newIdom = intersect(newIdom, p)
				}
			}
			if newIdom != InvalidBlock && idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}

	return &DomTree{Idom: idom}
}
