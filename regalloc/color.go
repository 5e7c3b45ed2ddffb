// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package regalloc

import (
	"slices"

	"github.com/s48/regalloc/interference"
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
)

type colorerT struct {
	alloc      *allocatorT
	graph      *interference.GraphT
	uses       *ir.UsesT
	assignment AssignmentT
}

// Gives each register value a register.  Values are colored in
// dominator-tree order, definitions before uses, so that in SSA form
// the neighbors already colored are exactly those live at the
// definition.  Returns the first value that could not be colored, or
// nil if they all were.

func (alloc *allocatorT) color(graph *interference.GraphT) (AssignmentT, *ir.ValueT, error) {
	colorer := &colorerT{
		alloc:      alloc,
		graph:      graph,
		uses:       ir.FindUses(alloc.f),
		assignment: AssignmentT{},
	}
	for _, value := range graph.Values() {
		if !value.Memory && value.Pin.IsRegister() {
			if err := colorer.pin(value); err != nil {
				return nil, nil, err
			}
		}
	}
	for _, block := range ir.DominatorPreorder(alloc.f) {
		for _, phi := range block.Phis {
			if !colorer.colorValue(phi.Result) {
				return colorer.assignment, phi.Result, nil
			}
		}
		for _, instr := range block.Instrs {
			for _, def := range colorer.defOrder(instr) {
				if !colorer.colorValue(def) {
					return colorer.assignment, def, nil
				}
			}
		}
	}
	return colorer.assignment, nil, nil
}

func (colorer *colorerT) pin(value *ir.ValueT) error {
	f := colorer.alloc.f
	reg := value.Pin.Register
	if colorer.graph.Forbidden(value).Contains(reg) {
		return errors.Wrap(ErrInternal, "%s: %s is pinned to %s, which an instruction needs", f.Name, value, reg)
	}
	for _, other := range colorer.graph.Neighbors(value) {
		if other.Pin == value.Pin {
			return errors.Wrap(ErrInternal, "%s: %s and %s are live together and both pinned to %s",
				f.Name, value, other, reg)
		}
	}
	colorer.assignment[value] = value.Pin
	return nil
}

// The definitions of a parallel copy are colored most constrained
// first.
func (colorer *colorerT) defOrder(instr *ir.InstrT) []*ir.ValueT {
	if instr.Op != ir.OpParallelCopy {
		return instr.Defs
	}
	defs := slices.Clone(instr.Defs)
	slices.SortStableFunc(defs, func(x, y *ir.ValueT) int {
		if n := len(colorer.graph.Forbidden(y)) - len(colorer.graph.Forbidden(x)); n != 0 {
			return n
		}
		return x.Id - y.Id
	})
	return defs
}

func (colorer *colorerT) colorValue(value *ir.ValueT) bool {
	if value.Memory {
		return true
	}
	if _, found := colorer.assignment[value]; found {
		return true
	}
	tgt := colorer.alloc.target
	taken := colorer.graph.Forbidden(value).Copy()
	for _, other := range colorer.graph.Neighbors(value) {
		if loc, found := colorer.assignment[other]; found && loc.IsRegister() {
			taken.Add(loc.Register)
		}
	}
	free := util.Filter(func(reg *target.RegisterT) bool { return !taken.Contains(reg) },
		tgt.Allocatable(value.Class(tgt)))
	if len(free) == 0 {
		return false
	}
	reg := colorer.choose(value, free)
	colorer.assignment[value] = ir.RegisterLocation(reg)
	return true
}

// Registers related values already have come first, then the
// caller-saved ones, as using those costs nothing at entry and exit.
func (colorer *colorerT) choose(value *ir.ValueT, free []*target.RegisterT) *target.RegisterT {
	for _, hint := range colorer.hints(value) {
		if slices.Contains(free, hint) {
			return hint
		}
	}
	tgt := colorer.alloc.target
	for _, reg := range free {
		if tgt.IsCallerSaved(reg) {
			return reg
		}
	}
	return free[0]
}

// Registers of values that are copied to or from 'value'.  Putting
// 'value' in the same register removes the move.
func (colorer *colorerT) hints(value *ir.ValueT) []*target.RegisterT {
	result := []*target.RegisterT{}
	add := func(other *ir.ValueT) {
		if other == nil {
			return
		}
		loc, found := colorer.assignment[other]
		if !found {
			loc = other.Pin
		}
		if loc.IsRegister() {
			result = append(result, loc.Register)
		}
	}
	if value.Def != nil && value.Def.IsCopy() {
		add(value.Def.Uses[slices.Index(value.Def.Defs, value)].Value)
	}
	if value.Phi != nil {
		for _, operand := range value.Phi.Operands {
			add(operand.Value)
		}
	}
	for _, phi := range colorer.uses.Phis[value] {
		add(phi.Result)
	}
	for _, instr := range colorer.uses.Instrs[value] {
		if instr.IsCopy() {
			for i, use := range instr.Uses {
				if use.Value == value {
					add(instr.Defs[i])
				}
			}
		}
	}
	return result
}

//----------------------------------------------------------------
// When coloring fails a value is spilled everywhere.  The candidates
// are the value that could not be colored and its neighbors of the
// same class.  Values made by reloading, pinned in place, or already
// spilled everywhere can't be usefully spilled.  The one with the
// fewest uses per program point goes first, then the one with the
// most neighbors, then the oldest.

type spillCandidateT struct {
	value   *ir.ValueT
	density float64
	degree  int
}

// Ordering for a queue that dequeues its greatest element: 'x' is
// less than 'y' if 'y' should be spilled first.
func spilledLater(x, y *spillCandidateT) bool {
	if x.density != y.density {
		return x.density > y.density
	}
	if x.degree != y.degree {
		return x.degree < y.degree
	}
	return x.value.Id > y.value.Id
}

func (alloc *allocatorT) chooseSpill(blocked *ir.ValueT, graph *interference.GraphT, info *liveness.InfoT) *ir.ValueT {
	class := blocked.Class(alloc.target)
	uses := ir.FindUses(alloc.f)
	queue := util.MakePriorityQueue(spilledLater)
	for _, value := range append([]*ir.ValueT{blocked}, graph.Neighbors(blocked)...) {
		if value.Memory || value.Class(alloc.target) != class || !value.Pin.IsNone() ||
			(value.Def != nil && value.Def.Op == ir.OpReload) ||
			alloc.everywhere.Contains(value) {
			continue
		}
		count := len(uses.Phis[value])
		for _, instr := range uses.Instrs[value] {
			if instr.Op != ir.OpSpill {
				count += 1
			}
		}
		if count == 0 {
			continue
		}
		length := 0
		if rng := info.Range(value); rng != nil {
			for _, interval := range rng.Intervals() {
				length += interval.End - interval.Start
			}
		}
		queue.Enqueue(&spillCandidateT{
			value:   value,
			density: float64(count) / float64(max(length, 1)),
			degree:  graph.Degree(value),
		})
	}
	if queue.Empty() {
		return nil
	}
	return queue.Dequeue().value
}
