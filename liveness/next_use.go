// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package liveness

import (
	"math"
	"slices"

	"github.com/s48/regalloc/ir"
)

// Crossing a loop exit makes a use look this much further away, so
// values used inside a loop are preferred over those only used after.
const LoopExitPenalty = 100000

// Never used again.
const Infinity = math.MaxInt

// Distances, in instructions, from the start and end of each block
// to the next use of each value live there.
type NextUseT struct {
	info  *InfoT
	entry map[*ir.BlockT]map[*ir.ValueT]int
	exit  map[*ir.BlockT]map[*ir.ValueT]int
}

func (nu *NextUseT) AtEntry(block *ir.BlockT, value *ir.ValueT) int {
	if distance, found := nu.entry[block][value]; found {
		return distance
	}
	return Infinity
}

func (nu *NextUseT) AtExit(block *ir.BlockT, value *ir.ValueT) int {
	if distance, found := nu.exit[block][value]; found {
		return distance
	}
	return Infinity
}

// The distance from just after the index'th instruction of 'block'
// to the next use of 'value'.
func (nu *NextUseT) After(block *ir.BlockT, index int, value *ir.ValueT) int {
	for i := index + 1; i < len(block.Instrs); i++ {
		if block.Instrs[i].UsesValue(value) {
			return i - index
		}
	}
	if exit := nu.AtExit(block, value); exit != Infinity {
		return len(block.Instrs) - index + exit
	}
	return Infinity
}

func NextUses(f *ir.FuncT, info *InfoT) *NextUseT {
	nu := &NextUseT{
		info:  info,
		entry: map[*ir.BlockT]map[*ir.ValueT]int{},
		exit:  map[*ir.BlockT]map[*ir.ValueT]int{},
	}
	order := ir.ReversePostorder(f)
	for _, block := range order {
		nu.entry[block] = map[*ir.ValueT]int{}
		nu.exit[block] = map[*ir.ValueT]int{}
	}
	postorder := slices.Clone(order)
	slices.Reverse(postorder)
	for changed := true; changed; {
		changed = false
		for _, block := range postorder {
			if nu.update(block) {
				changed = true
			}
		}
	}
	return nu
}

func (nu *NextUseT) update(block *ir.BlockT) bool {
	changed := false
	exit := nu.exit[block]
	for _, succ := range block.Succs {
		penalty := 0
		if ir.IsLoopExit(block, succ) {
			penalty = LoopExitPenalty
		}
		for _, phi := range succ.Phis {
			if operand := phi.OperandFrom(block); operand != nil {
				changed = lower(exit, operand, 0) || changed
			}
		}
		for value, distance := range nu.entry[succ] {
			if value.Phi != nil && value.Phi.Block == succ {
				continue
			}
			changed = lower(exit, value, distance+penalty) || changed
		}
	}
	entry := nu.entry[block]
	n := len(block.Instrs)
	for value := range nu.info.LiveIn(block) {
		distance := Infinity
		for i, instr := range block.Instrs {
			if instr.UsesValue(value) {
				distance = i
				break
			}
		}
		if distance == Infinity {
			if d, found := exit[value]; found {
				distance = n + d
			}
		}
		if distance != Infinity {
			changed = lower(entry, value, distance) || changed
		}
	}
	return changed
}

func lower(distances map[*ir.ValueT]int, value *ir.ValueT, distance int) bool {
	if old, found := distances[value]; found && old <= distance {
		return false
	}
	distances[value] = distance
	return true
}
