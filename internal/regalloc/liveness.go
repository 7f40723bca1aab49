package regalloc

// interval is the live range of one virtual register over the flat
// instruction numbering, inclusive on both ends.
type interval struct {
	v     VReg
	start int
	end   int
	// crossesClobber is set when the range spans an instruction with a
	// non-empty clobber set, which restricts it to callee-saved registers.
	crossesClobber bool
}

type bitset []uint64

func newBitset(n int) bitset     { return make(bitset, (n+63)/64) }
func (s bitset) set(i VReg)      { s[i/64] |= 1 << (uint(i) % 64) }
func (s bitset) has(i VReg) bool { return s[i/64]&(1<<(uint(i)%64)) != 0 }

func (s bitset) orWith(o bitset) bool {
	changed := false
	for i, w := range o {
		if s[i]|w != s[i] {
			s[i] |= w
			changed = true
		}
	}
	return changed
}

func (s bitset) forEach(fn func(VReg)) {
	for wi, w := range s {
		for w != 0 {
			bit := w & -w
			i := 0
			for m := bit; m > 1; m >>= 1 {
				i++
			}
			fn(VReg(wi*64 + i))
			w &^= bit
		}
	}
}

// buildIntervals computes per-vreg live intervals. Liveness is an iterative
// backward dataflow over the lowered CFG, so values live around loop
// back-edges get intervals covering the whole loop body.
func buildIntervals(f Function) []interval {
	nv := f.NumVRegs()
	nb := f.NumBlocks()

	// Per-block upward-exposed uses and definitions.
	upExposed := make([]bitset, nb)
	defined := make([]bitset, nb)
	for b := 0; b < nb; b++ {
		up := newBitset(nv)
		def := newBitset(nv)
		begin, end := f.BlockInstrRange(b)
		for i := begin; i < end; i++ {
			for _, op := range f.InstrOperands(i) {
				switch op.Kind {
				case OperandUse:
					if !def.has(op.VReg) {
						up.set(op.VReg)
					}
				case OperandDef:
					def.set(op.VReg)
				}
			}
		}
		upExposed[b] = up
		defined[b] = def
	}

	liveIn := make([]bitset, nb)
	liveOut := make([]bitset, nb)
	for b := 0; b < nb; b++ {
		liveIn[b] = newBitset(nv)
		liveOut[b] = newBitset(nv)
	}

	for changed := true; changed; {
		changed = false
		for b := nb - 1; b >= 0; b-- {
			for _, s := range f.BlockSuccs(b) {
				if liveOut[b].orWith(liveIn[s]) {
					changed = true
				}
			}
			// liveIn = upExposed | (liveOut &^ defined)
			in := liveIn[b]
			if in.orWith(upExposed[b]) {
				changed = true
			}
			for wi := range in {
				add := liveOut[b][wi] &^ defined[b][wi]
				if in[wi]|add != in[wi] {
					in[wi] |= add
					changed = true
				}
			}
		}
	}

	start := make([]int, nv)
	end := make([]int, nv)
	seen := make([]bool, nv)
	extend := func(v VReg, pos int) {
		if !seen[v] {
			seen[v] = true
			start[v] = pos
			end[v] = pos
			return
		}
		if pos < start[v] {
			start[v] = pos
		}
		if pos > end[v] {
			end[v] = pos
		}
	}

	for b := 0; b < nb; b++ {
		begin, bend := f.BlockInstrRange(b)
		if begin == bend {
			continue
		}
		liveIn[b].forEach(func(v VReg) { extend(v, begin) })
		liveOut[b].forEach(func(v VReg) {
			extend(v, begin)
			extend(v, bend-1)
		})
		for i := begin; i < bend; i++ {
			for _, op := range f.InstrOperands(i) {
				extend(op.VReg, i)
			}
		}
	}

	// Mark intervals that span a clobbering instruction.
	var clobberPoints []int
	for i := 0; i < f.NumInstrs(); i++ {
		if len(f.InstrClobbers(i)) > 0 {
			clobberPoints = append(clobberPoints, i)
		}
	}

	intervals := make([]interval, 0, nv)
	for v := 0; v < nv; v++ {
		if !seen[v] {
			continue
		}
		iv := interval{v: VReg(v), start: start[v], end: end[v]}
		for _, p := range clobberPoints {
			if iv.start < p && p < iv.end {
				iv.crossesClobber = true
				break
			}
		}
		intervals = append(intervals, iv)
	}
	return intervals
}
