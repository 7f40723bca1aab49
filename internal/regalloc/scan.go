package regalloc

import (
	"fmt"
	"sort"
)

// scan performs linear-scan allocation over the sorted intervals.
type activeEntry struct {
	iv  interval
	reg PhysReg
}

func scan(f Function, env *Env, intervals []interval) (*Result, error) {
	if f.SpillSlotSize(ClassInt) <= 0 {
		return nil, fmt.Errorf("%w: function reports no spill slot size", ErrAllocFailed)
	}

	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].start != intervals[j].start {
			return intervals[i].start < intervals[j].start
		}
		return intervals[i].v < intervals[j].v
	})

	res := &Result{Locs: make([]Loc, f.NumVRegs())}

	var active []activeEntry
	inUse := make(map[PhysReg]bool, len(env.Allocatable))
	usedCalleeSaved := make(map[PhysReg]bool)

	expire := func(pos int) {
		kept := active[:0]
		for _, a := range active {
			if a.iv.end < pos {
				delete(inUse, a.reg)
			} else {
				kept = append(kept, a)
			}
		}
		active = kept
	}

	suitable := func(iv interval, r PhysReg) bool {
		return !iv.crossesClobber || env.isCalleeSaved(r)
	}

	takeFree := func(iv interval) (PhysReg, bool) {
		for _, r := range env.Allocatable {
			if !inUse[r] && suitable(iv, r) {
				return r, true
			}
		}
		return 0, false
	}

	assign := func(iv interval, r PhysReg) {
		res.Locs[iv.v] = Loc{Kind: LocReg, Reg: r}
		inUse[r] = true
		if env.isCalleeSaved(r) {
			usedCalleeSaved[r] = true
		}
		active = append(active, activeEntry{iv: iv, reg: r})
	}

	spill := func(v VReg) {
		res.Locs[v] = Loc{Kind: LocSlot, Slot: res.NumSpillSlots}
		res.NumSpillSlots++
	}

	for _, cur := range intervals {
		expire(cur.start)

		if r, ok := takeFree(cur); ok {
			assign(cur, r)
			continue
		}

		// No free register: steal from the active interval that ends
		// furthest away, provided its register suits the current interval
		// and it outlives it. Otherwise the current interval spills.
		victim := -1
		for i, a := range active {
			if !suitable(cur, a.reg) {
				continue
			}
			if victim < 0 || a.iv.end > active[victim].iv.end {
				victim = i
			}
		}
		if victim >= 0 && active[victim].iv.end > cur.end {
			v := active[victim]
			spill(v.iv.v)
			active = append(active[:victim], active[victim+1:]...)
			res.Locs[cur.v] = Loc{Kind: LocReg, Reg: v.reg}
			active = append(active, activeEntry{iv: cur, reg: v.reg})
			if env.isCalleeSaved(v.reg) {
				usedCalleeSaved[v.reg] = true
			}
		} else {
			spill(cur.v)
		}
	}

	for _, r := range env.Allocatable {
		if usedCalleeSaved[r] {
			res.UsedCalleeSaved = append(res.UsedCalleeSaved, r)
		}
	}
	return res, nil
}
