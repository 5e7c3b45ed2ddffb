// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Finding which values are live where.  Phi results are defined at
// the start of their block and phi operands are used at the end of
// the corresponding predecessor, so a phi operand is live out of its
// predecessor but not into the phi's block.
//
// Program points: each block gets a run of consecutive integers.
// The block's start is its first point and each instruction has an
// early point, where it reads its operands, and a late point, where
// it writes its results.  A value used by an instruction and a value
// defined by it therefore do not overlap.

package liveness

import (
	"fmt"
	"slices"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/util"
	"tlog.app/go/tlog"
)

type SetT = util.SetT[*ir.ValueT]

type InfoT struct {
	Func    *ir.FuncT
	liveIn  map[*ir.BlockT]SetT
	liveOut map[*ir.BlockT]SetT
	after   map[*ir.BlockT][]SetT // live after each instruction
	start   map[*ir.BlockT]int    // first program point of each block
	ranges  map[*ir.ValueT]*RangeT
}

func (info *InfoT) LiveIn(block *ir.BlockT) SetT {
	return info.liveIn[block]
}

func (info *InfoT) LiveOut(block *ir.BlockT) SetT {
	return info.liveOut[block]
}

// The values live after each instruction in 'block'.  For the
// terminator this is the live-out set.
func (info *InfoT) LiveAfter(block *ir.BlockT) []SetT {
	return info.after[block]
}

func (info *InfoT) LiveAfterInstr(instr *ir.InstrT) SetT {
	index := instr.Block.IndexOf(instr)
	if index < 0 {
		panic(fmt.Sprintf("instruction %s is not in its block", instr))
	}
	return info.after[instr.Block][index]
}

// The values live immediately before 'instr'.
func (info *InfoT) LiveBefore(instr *ir.InstrT) SetT {
	result := info.LiveAfterInstr(instr).Copy()
	for _, def := range instr.Defs {
		result.Remove(def)
	}
	for _, value := range instr.UsedValues() {
		result.Add(value)
	}
	return result
}

// Values that are live both before and after 'instr' and are not
// defined by it.
func (info *InfoT) LiveThrough(instr *ir.InstrT) SetT {
	result := info.LiveAfterInstr(instr).Copy()
	for _, def := range instr.Defs {
		result.Remove(def)
	}
	return result
}

func (info *InfoT) IsLiveAfter(block *ir.BlockT, index int, value *ir.ValueT) bool {
	return info.after[block][index].Contains(value)
}

// True if 'value' is used by the index'th instruction of 'block'
// and is not live afterwards.
func (info *InfoT) Dies(block *ir.BlockT, index int, value *ir.ValueT) bool {
	return block.Instrs[index].UsesValue(value) && !info.after[block][index].Contains(value)
}

func (info *InfoT) Range(value *ir.ValueT) *RangeT {
	return info.ranges[value]
}

func (info *InfoT) Ranges() map[*ir.ValueT]*RangeT {
	return info.ranges
}

// The first program point of 'block'.
func (info *InfoT) BlockStart(block *ir.BlockT) int {
	return info.start[block]
}

// Where 'instr' reads its operands.  Its late point, where it writes
// its results, is one more.
func (info *InfoT) EarlyPoint(instr *ir.InstrT) int {
	return info.start[instr.Block] + 2*instr.Block.IndexOf(instr) + 1
}

func (info *InfoT) Interferes(x *ir.ValueT, y *ir.ValueT) bool {
	xr, yr := info.ranges[x], info.ranges[y]
	return xr != nil && yr != nil && xr.Conflicts(yr)
}

//----------------------------------------------------------------

// Must be rerun after any change to 'f'.  Only reachable blocks are
// analyzed.

func Analyze(f *ir.FuncT) *InfoT {
	info := &InfoT{
		Func:    f,
		liveIn:  map[*ir.BlockT]SetT{},
		liveOut: map[*ir.BlockT]SetT{},
		after:   map[*ir.BlockT][]SetT{},
		start:   map[*ir.BlockT]int{},
		ranges:  map[*ir.ValueT]*RangeT{},
	}
	order := ir.ReversePostorder(f)
	for _, block := range order {
		info.liveIn[block] = util.NewSet[*ir.ValueT]()
		info.liveOut[block] = util.NewSet[*ir.ValueT]()
	}
	// Postorder converges fastest for a backward problem.
	postorder := slices.Clone(order)
	slices.Reverse(postorder)
	passes := 0
	for changed := true; changed; passes++ {
		changed = false
		for _, block := range postorder {
			out := info.computeLiveOut(block)
			in := liveInFrom(block, out)
			if !out.Equal(info.liveOut[block]) || !in.Equal(info.liveIn[block]) {
				info.liveOut[block] = out
				info.liveIn[block] = in
				changed = true
			}
		}
	}
	for _, block := range order {
		info.after[block] = liveAfter(block, info.liveOut[block])
	}
	info.findRanges(f)
	tlog.V("liveness").Printw("liveness", "func", f.Name, "blocks", len(order), "passes", passes, "values", len(info.ranges))
	return info
}

func (info *InfoT) computeLiveOut(block *ir.BlockT) SetT {
	out := util.NewSet[*ir.ValueT]()
	for _, succ := range block.Succs {
		in := info.liveIn[succ]
		for value := range in {
			if value.Phi == nil || value.Phi.Block != succ {
				out.Add(value)
			}
		}
		for _, phi := range succ.Phis {
			if operand := phi.OperandFrom(block); operand != nil {
				out.Add(operand)
			}
		}
	}
	return out
}

func liveInFrom(block *ir.BlockT, out SetT) SetT {
	live := out.Copy()
	for i := len(block.Instrs) - 1; 0 <= i; i-- {
		instr := block.Instrs[i]
		for _, def := range instr.Defs {
			live.Remove(def)
		}
		for _, value := range instr.UsedValues() {
			live.Add(value)
		}
	}
	return live
}

func liveAfter(block *ir.BlockT, out SetT) []SetT {
	result := make([]SetT, len(block.Instrs))
	live := out.Copy()
	for i := len(block.Instrs) - 1; 0 <= i; i-- {
		result[i] = live.Copy()
		instr := block.Instrs[i]
		for _, def := range instr.Defs {
			live.Remove(def)
		}
		for _, value := range instr.UsedValues() {
			live.Add(value)
		}
	}
	return result
}

// Blocks are numbered in layout order, so each value's intervals are
// added in increasing order.

func (info *InfoT) findRanges(f *ir.FuncT) {
	point := 0
	for _, block := range f.Blocks {
		if _, found := info.liveIn[block]; !found {
			continue
		}
		start := point
		info.start[block] = start
		end := start + 2*len(block.Instrs) + 2 // exclusive
		point = end

		// Where each value's part of this block starts and ends.
		begins := map[*ir.ValueT]int{}
		ends := map[*ir.ValueT]int{}
		for value := range info.liveIn[block] {
			begins[value] = start
		}
		for _, phi := range block.Phis {
			begins[phi.Result] = start
			ends[phi.Result] = start + 1
		}
		for i, instr := range block.Instrs {
			early := start + 2*i + 1
			for _, value := range instr.UsedValues() {
				ends[value] = early + 1
			}
			for _, def := range instr.Defs {
				begins[def] = early + 1
				ends[def] = early + 2
			}
		}
		for value := range info.liveOut[block] {
			ends[value] = end
		}
		for value, begin := range begins {
			end, found := ends[value]
			if !found {
				continue
			}
			rng := info.ranges[value]
			if rng == nil {
				rng = &RangeT{}
				info.ranges[value] = rng
			}
			rng.Add(IntervalT{begin, end})
		}
	}
}
