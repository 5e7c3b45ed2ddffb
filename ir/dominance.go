// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package ir

import (
	"slices"

	"github.com/s48/regalloc/util"
)

// Fills in the Order, Dominator, Dominatees and Frontier fields of
// every block.  Unreachable blocks get an Order of -1 and no
// dominator.  This must be rerun after any change to the flow graph.

func ComputeDominance(f *FuncT) {
	for _, block := range f.Blocks {
		block.Order = -1
		block.Dominator = nil
		block.Dominatees = nil
		block.Frontier = util.NewSet[*BlockT]()
	}
	order := ReversePostorder(f)
	for i, block := range order {
		block.Order = i
	}
	findDominators(order)
	for _, block := range order[1:] {
		block.Dominator.Dominatees = append(block.Dominator.Dominatees, block)
	}
	for _, block := range order {
		if len(block.Preds) < 2 {
			continue
		}
		for _, pred := range block.Preds {
			if pred.Order < 0 {
				continue
			}
			for runner := pred; runner != block.Dominator; runner = runner.Dominator {
				runner.Frontier.Add(block)
			}
		}
	}
}

// The reachable blocks, entry first, with every block before its
// successors except along back edges.
func ReversePostorder(f *FuncT) []*BlockT {
	visited := util.NewSet[*BlockT]()
	order := []*BlockT{}
	var walk func(block *BlockT)
	walk = func(block *BlockT) {
		visited.Add(block)
		for _, succ := range block.Succs {
			if !visited.Contains(succ) {
				walk(succ)
			}
		}
		order = append(order, block)
	}
	walk(f.Entry())
	slices.Reverse(order)
	return order
}

// Cooper, Keith D.; Harvey, Timothy J; Kennedy, Ken (2001).
// "A Simple, Fast Dominance Algorithm"
//
// 'order' is in reverse postorder, so a block's dominator always
// has a lower index than the block itself.

func findDominators(order []*BlockT) {
	doms := make([]int, len(order))
	for i := range doms {
		doms[i] = -1
	}
	doms[0] = 0
	intersect := func(x int, y int) int {
		for x != y {
			for y < x {
				x = doms[x]
			}
			for x < y {
				y = doms[y]
			}
		}
		return x
	}
	changed := true
	for changed {
		changed = false
		for i := 1; i < len(order); i++ {
			newIdom := -1
			for _, pred := range order[i].Preds {
				p := pred.Order
				if p < 0 || doms[p] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if doms[i] != newIdom {
				doms[i] = newIdom
				changed = true
			}
		}
	}
	for i, block := range order[1:] {
		block.Dominator = order[doms[i+1]]
	}
}

// True if every path from the entry to 'b' passes through 'a'.
func Dominates(a *BlockT, b *BlockT) bool {
	for ; b != nil; b = b.Dominator {
		if a == b {
			return true
		}
	}
	return false
}

// True if the definition of 'value' is available at instruction
// index 'index' in 'block'.  An index of len(block.Instrs) means the
// end of the block.
func DefinitionReaches(value *ValueT, block *BlockT, index int) bool {
	defBlock := value.DefBlock()
	if defBlock != block {
		return Dominates(defBlock, block)
	}
	if value.Phi != nil {
		return true
	}
	return slices.Index(block.Instrs, value.Def) < index
}

// The iterated dominance frontier of 'blocks': the blocks where phi
// nodes are needed for a value defined in each of 'blocks'.
func IteratedFrontier(blocks []*BlockT) util.SetT[*BlockT] {
	result := util.NewSet[*BlockT]()
	todo := util.QueueT[*BlockT]{}
	queued := util.NewSet[*BlockT](blocks...)
	for _, block := range blocks {
		todo.Enqueue(block)
	}
	for !todo.Empty() {
		block := todo.Dequeue()
		for front := range block.Frontier {
			result.Add(front)
			if !queued.Contains(front) {
				queued.Add(front)
				todo.Enqueue(front)
			}
		}
	}
	return result
}

// The reachable blocks in a preorder walk of the dominator tree,
// children in reverse postorder.
func DominatorPreorder(f *FuncT) []*BlockT {
	result := []*BlockT{}
	stack := util.StackT[*BlockT]{}
	stack.Push(f.Entry())
	for !stack.Empty() {
		block := stack.Pop()
		result = append(result, block)
		children := slices.Clone(block.Dominatees)
		slices.SortFunc(children, func(x, y *BlockT) int { return y.Order - x.Order })
		for _, child := range children {
			stack.Push(child)
		}
	}
	return result
}
