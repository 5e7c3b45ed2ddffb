// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Modifying functions.

package ir

import (
	"fmt"
	"slices"
)

func (block *BlockT) IndexOf(instr *InstrT) int {
	return slices.Index(block.Instrs, instr)
}

func (block *BlockT) Insert(index int, instrs ...*InstrT) {
	for _, instr := range instrs {
		instr.Block = block
	}
	block.Instrs = slices.Insert(block.Instrs, index, instrs...)
}

func (block *BlockT) Append(instrs ...*InstrT) {
	block.Insert(len(block.Instrs), instrs...)
}

func InsertBefore(next *InstrT, instrs ...*InstrT) {
	block := next.Block
	index := block.IndexOf(next)
	if index < 0 {
		panic(fmt.Sprintf("instruction %s not in block %s", next, block))
	}
	block.Insert(index, instrs...)
}

func InsertAfter(previous *InstrT, instrs ...*InstrT) {
	block := previous.Block
	index := block.IndexOf(previous)
	if index < 0 {
		panic(fmt.Sprintf("instruction %s not in block %s", previous, block))
	}
	block.Insert(index+1, instrs...)
}

// Adds 'instrs' at the end of 'block' but before its terminator.
func (block *BlockT) AppendBeforeTerminator(instrs ...*InstrT) {
	index := len(block.Instrs)
	if block.Terminator() != nil {
		index -= 1
	}
	block.Insert(index, instrs...)
}

func RemoveInstr(instr *InstrT) {
	block := instr.Block
	block.Instrs = slices.DeleteFunc(block.Instrs, func(x *InstrT) bool { return x == instr })
	instr.Block = nil
}

func RemovePhi(phi *PhiT) {
	block := phi.Block
	block.Phis = slices.DeleteFunc(block.Phis, func(x *PhiT) bool { return x == phi })
}

// Replaces every use of 'old' in 'instr' with 'new'.
func ReplaceUses(instr *InstrT, old *ValueT, new *ValueT) {
	for i, use := range instr.Uses {
		if use.Value == old {
			instr.Uses[i] = ValueOperand(new)
		}
	}
}

// Puts a new block on the edge from 'pred' to 'succ'.  Phi operands
// in 'succ' that came from 'pred' now come from the new block.
func SplitEdge(pred *BlockT, succ *BlockT) *BlockT {
	f := pred.Func
	block := f.NewBlock(pred.Name + "_" + succ.Name)
	// Keep the new block near its predecessor.
	f.Blocks = f.Blocks[:len(f.Blocks)-1]
	f.Blocks = slices.Insert(f.Blocks, slices.Index(f.Blocks, pred)+1, block)

	succIndex := slices.Index(pred.Succs, succ)
	predIndex := succ.PredIndex(pred)
	if succIndex < 0 || predIndex < 0 {
		panic(fmt.Sprintf("no edge from %s to %s", pred, succ))
	}
	pred.Succs[succIndex] = block
	succ.Preds[predIndex] = block
	block.Preds = []*BlockT{pred}
	block.Succs = []*BlockT{succ}
	block.Append(f.NewInstr(OpJump, nil))
	for _, phi := range succ.Phis {
		for i := range phi.Operands {
			if phi.Operands[i].Pred == pred {
				phi.Operands[i].Pred = block
			}
		}
	}
	return block
}

// An edge is critical if its source has more than one successor and
// its destination more than one predecessor.  Copies for such an
// edge have nowhere to go without a new block.

func IsCriticalEdge(pred *BlockT, succ *BlockT) bool {
	return 1 < len(pred.Succs) && 1 < len(succ.Preds)
}

// Returns a block into which code to be run along the edge from
// 'pred' to 'succ' can be placed and whether it should go at the end
// of that block (true) or the beginning (false).  Critical edges are
// split.

func EdgeInsertionPoint(pred *BlockT, succ *BlockT) (*BlockT, bool) {
	switch {
	case len(pred.Succs) == 1:
		return pred, true
	case len(succ.Preds) == 1 && len(succ.Phis) == 0:
		return succ, false
	}
	return SplitEdge(pred, succ), true
}

// Adds 'instrs' on the edge from 'pred' to 'succ'.  At the end of a
// block they go after anything already placed there, at the start
// before it.  Returns the block that received them.
func InsertOnEdge(pred *BlockT, succ *BlockT, instrs ...*InstrT) *BlockT {
	block, atEnd := EdgeInsertionPoint(pred, succ)
	if atEnd {
		block.AppendBeforeTerminator(instrs...)
	} else {
		block.Insert(0, instrs...)
	}
	return block
}

func SplitCriticalEdges(f *FuncT) bool {
	changed := false
	for _, pred := range slices.Clone(f.Blocks) {
		for _, succ := range slices.Clone(pred.Succs) {
			if IsCriticalEdge(pred, succ) {
				SplitEdge(pred, succ)
				changed = true
			}
		}
	}
	return changed
}

// Removes blocks that ComputeDominance found to be unreachable.
func RemoveUnreachable(f *FuncT) bool {
	reachable := func(block *BlockT) bool { return 0 <= block.Order }
	if !slices.ContainsFunc(f.Blocks, func(b *BlockT) bool { return !reachable(b) }) {
		return false
	}
	for _, block := range f.Blocks {
		if !reachable(block) {
			continue
		}
		block.Preds = slices.DeleteFunc(block.Preds, func(b *BlockT) bool { return !reachable(b) })
		for _, phi := range block.Phis {
			phi.Operands = slices.DeleteFunc(phi.Operands,
				func(operand PhiOperandT) bool { return !reachable(operand.Pred) })
		}
	}
	f.Blocks = slices.DeleteFunc(f.Blocks, func(b *BlockT) bool { return !reachable(b) })
	return true
}

// Every instruction and phi that uses each value.
type UsesT struct {
	Instrs map[*ValueT][]*InstrT
	Phis   map[*ValueT][]*PhiT
}

func FindUses(f *FuncT) *UsesT {
	uses := &UsesT{Instrs: map[*ValueT][]*InstrT{}, Phis: map[*ValueT][]*PhiT{}}
	for _, block := range f.Blocks {
		for _, phi := range block.Phis {
			for _, operand := range phi.Operands {
				if operand.Value != nil {
					uses.Phis[operand.Value] = append(uses.Phis[operand.Value], phi)
				}
			}
		}
		for _, instr := range block.Instrs {
			for _, value := range instr.UsedValues() {
				if !slices.Contains(uses.Instrs[value], instr) {
					uses.Instrs[value] = append(uses.Instrs[value], instr)
				}
			}
		}
	}
	return uses
}
