// Copyright 2025 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Determining a function's loop structure.  This can't yet handle
// irreducible flow graphs; a cycle entered at more than one place
// is not treated as a loop.

package ir

import (
	"slices"

	"github.com/s48/regalloc/util"
)

type LoopT struct {
	Header    *BlockT
	BackEdges []*BlockT          // sources of edges back to the header
	Blocks    util.SetT[*BlockT] // all blocks in the loop, including the header
	Parent    *LoopT             // next outer loop, if any
	Depth     int
}

// Sets the Loop and LoopDepth fields of every block and returns
// the loops, outermost first.  Requires ComputeDominance to have been
// run.

func FindLoops(f *FuncT) []*LoopT {
	loops := map[*BlockT]*LoopT{}
	headers := []*BlockT{}
	for _, block := range f.Blocks {
		block.Loop = nil
		block.LoopDepth = 0
	}
	// An edge whose head dominates its tail is a back edge.  Every
	// block on a path back from the tail to the head is in the loop.
	for _, block := range f.Blocks {
		if block.Order < 0 {
			continue
		}
		for _, succ := range block.Succs {
			if !Dominates(succ, block) {
				continue
			}
			loop := loops[succ]
			if loop == nil {
				loop = &LoopT{Header: succ, Blocks: util.NewSet(succ)}
				loops[succ] = loop
				headers = append(headers, succ)
			}
			loop.BackEdges = append(loop.BackEdges, block)
			addLoopBlocks(loop, block)
		}
	}

	result := make([]*LoopT, len(headers))
	for i, header := range headers {
		result[i] = loops[header]
	}
	// Outer loops are bigger than the loops they contain, so going
	// from biggest to smallest gives each block its innermost loop.
	slices.SortStableFunc(result, func(x, y *LoopT) int {
		return len(y.Blocks) - len(x.Blocks)
	})
	for _, loop := range result {
		loop.Parent = loop.Header.Loop
		if loop.Parent != nil {
			loop.Depth = loop.Parent.Depth + 1
		} else {
			loop.Depth = 1
		}
		for block := range loop.Blocks {
			block.Loop = loop
			block.LoopDepth = loop.Depth
		}
	}
	return result
}

// Walk up the predecessor links from 'block' until reaching the
// header, adding everything to the loop.

func addLoopBlocks(loop *LoopT, block *BlockT) {
	if loop.Blocks.Contains(block) || block.Order < 0 {
		return
	}
	loop.Blocks.Add(block)
	for _, pred := range block.Preds {
		addLoopBlocks(loop, pred)
	}
}

// True if the edge from 'from' to 'to' leaves at least one loop.
func IsLoopExit(from *BlockT, to *BlockT) bool {
	if from.Loop == nil {
		return false
	}
	for loop := to.Loop; loop != nil; loop = loop.Parent {
		if loop == from.Loop {
			return false
		}
	}
	return true
}
