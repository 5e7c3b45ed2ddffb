// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package regalloc

import (
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/transfer"
	"github.com/s48/regalloc/util"
)

// Phis are done as moves at the end of each predecessor, and copies
// and parallel copies as moves in their place.  Registers that hold
// nothing live at that point are free for breaking cycles.

func (alloc *allocatorT) resolveTransfers(result *ResultT, info *liveness.InfoT) {
	scratch := alloc.scratchLocation(result)
	for _, block := range alloc.f.Blocks {
		if info.LiveIn(block) == nil {
			continue
		}
		if len(block.Phis) != 0 {
			for _, pred := range block.Preds {
				graph := transfer.MakeGraph()
				busy := util.NewSet[ir.LocationT]()
				for value := range info.LiveOut(pred) {
					busy.Add(result.Assignment[value])
				}
				for value := range info.LiveIn(block) {
					busy.Add(result.Assignment[value])
				}
				for _, phi := range block.Phis {
					dst := result.Assignment[phi.Result]
					graph.Add(result.Assignment[phi.OperandFrom(pred)], dst)
					busy.Add(dst)
				}
				if graph.Len() == 0 {
					continue
				}
				moves := graph.Resolve(alloc.freeRegisters(busy), scratch)
				result.EdgeMoves[EdgeT{pred, block}] = moves
				alloc.stats.EdgeMoves += len(moves)
			}
		}
		after := info.LiveAfter(block)
		for i, instr := range block.Instrs {
			if !instr.IsCopy() {
				continue
			}
			graph := transfer.MakeGraph()
			busy := util.NewSet[ir.LocationT]()
			for value := range after[i] {
				busy.Add(result.Assignment[value])
			}
			for j, def := range instr.Defs {
				src := result.Assignment[instr.Uses[j].Value]
				dst := result.Assignment[def]
				graph.Add(src, dst)
				busy.Add(src, dst)
			}
			moves := graph.Resolve(alloc.freeRegisters(busy), scratch)
			result.CopyMoves[instr] = moves
			alloc.stats.Copies += len(moves)
		}
	}
}

func (alloc *allocatorT) freeRegisters(busy util.SetT[ir.LocationT]) []*target.RegisterT {
	free := []*target.RegisterT{}
	for _, class := range alloc.target.Classes {
		for _, reg := range alloc.target.Allocatable(class) {
			if !busy.Contains(ir.RegisterLocation(reg)) {
				free = append(free, reg)
			}
		}
	}
	return free
}

// The first scratch register if there is one, otherwise the scratch
// slot.
func (alloc *allocatorT) scratchLocation(result *ResultT) ir.LocationT {
	if regs := alloc.target.ScratchRegisters(); len(regs) != 0 {
		return ir.RegisterLocation(regs[0])
	}
	if 0 <= result.ScratchSlot {
		return ir.SlotLocation(result.ScratchSlot)
	}
	return ir.LocationT{}
}
