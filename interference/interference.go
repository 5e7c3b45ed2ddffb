// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// The interference graph.  Two values interfere if one is live where
// the other is defined and they compete for the same resource:
// registers of one class, or stack slots.  Memory versions of the
// same original hold the same bits and may share a slot.
//
// Fixed registers are not nodes.  Instead each value has a set of
// registers it is forbidden to use, because some instruction it is
// live across, defined by, or used by needs them.

package interference

import (
	"slices"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

type GraphT struct {
	target    *target.TargetT
	adjacent  map[*ir.ValueT]util.SetT[*ir.ValueT]
	forbidden map[*ir.ValueT]util.SetT[*target.RegisterT]
	edges     int
}

func (graph *GraphT) Interferes(x *ir.ValueT, y *ir.ValueT) bool {
	return graph.adjacent[x].Contains(y)
}

// Sorted by id so that anything iterating over them is
// deterministic.
func (graph *GraphT) Neighbors(value *ir.ValueT) []*ir.ValueT {
	return graph.adjacent[value].Sorted(byId)
}

func (graph *GraphT) Forbidden(value *ir.ValueT) util.SetT[*target.RegisterT] {
	return graph.forbidden[value]
}

func (graph *GraphT) Degree(value *ir.ValueT) int {
	return len(graph.adjacent[value])
}

func (graph *GraphT) Edges() int {
	return graph.edges
}

// Every defined value, in id order.
func (graph *GraphT) Values() []*ir.ValueT {
	result := make([]*ir.ValueT, 0, len(graph.adjacent))
	for value := range graph.adjacent {
		result = append(result, value)
	}
	slices.SortFunc(result, byId)
	return result
}

func byId(x *ir.ValueT, y *ir.ValueT) int {
	return x.Id - y.Id
}

func (graph *GraphT) addNode(value *ir.ValueT) {
	if graph.adjacent[value] == nil {
		graph.adjacent[value] = util.NewSet[*ir.ValueT]()
		graph.forbidden[value] = util.NewSet[*target.RegisterT]()
	}
}

// Adds an edge if 'x' and 'y' compete for the same locations.
func (graph *GraphT) addEdge(x *ir.ValueT, y *ir.ValueT) {
	if x == y || graph.adjacent[x].Contains(y) {
		return
	}
	if x.Memory != y.Memory {
		return
	}
	if x.Memory {
		if x.Original() == y.Original() {
			return
		}
	} else if x.Class(graph.target) != y.Class(graph.target) {
		return
	}
	graph.addNode(x)
	graph.addNode(y)
	graph.adjacent[x].Add(y)
	graph.adjacent[y].Add(x)
	graph.edges += 1
}

func (graph *GraphT) forbid(value *ir.ValueT, regs util.SetT[*target.RegisterT], except ...*target.RegisterT) {
	if value.Memory {
		return
	}
	graph.addNode(value)
	for reg := range regs {
		if !slices.Contains(except, reg) {
			graph.forbidden[value].Add(reg)
		}
	}
}

//----------------------------------------------------------------

func Build(f *ir.FuncT, info *liveness.InfoT, tgt *target.TargetT) (*GraphT, error) {
	graph := &GraphT{
		target:    tgt,
		adjacent:  map[*ir.ValueT]util.SetT[*ir.ValueT]{},
		forbidden: map[*ir.ValueT]util.SetT[*target.RegisterT]{},
	}
	for _, block := range f.Blocks {
		if info.LiveIn(block) == nil {
			continue
		}
		graph.addPhis(block, info)
		after := info.LiveAfter(block)
		for i, instr := range block.Instrs {
			if err := graph.addInstr(instr, after[i]); err != nil {
				return nil, err
			}
		}
	}
	tlog.V("interference").Printw("interference graph", "func", f.Name, "values", len(graph.adjacent), "edges", graph.edges)
	return graph, nil
}

// Phi results are all defined at the start of the block, where the
// block's live-in values are also live.
func (graph *GraphT) addPhis(block *ir.BlockT, info *liveness.InfoT) {
	live := info.LiveIn(block).Copy()
	for _, phi := range block.Phis {
		graph.addNode(phi.Result)
		live.Add(phi.Result)
	}
	for _, phi := range block.Phis {
		for value := range live {
			graph.addEdge(phi.Result, value)
		}
	}
}

func (graph *GraphT) addInstr(instr *ir.InstrT, after liveness.SetT) error {
	constraint, err := instr.Constraint(graph.target)
	if err != nil {
		return errors.Wrap(err, "interference")
	}
	for i, def := range instr.Defs {
		graph.addNode(def)
		var source *ir.ValueT
		if instr.IsCopy() {
			source = instr.Uses[i].Value
		}
		for value := range after {
			if value != source {
				graph.addEdge(def, value)
			}
		}
		for _, other := range instr.Defs[i+1:] {
			graph.addEdge(def, other)
		}
	}
	if constraint == nil {
		return nil
	}
	for value := range after {
		if value.Def != instr {
			graph.forbid(value, constraint.Blocked(value.Class(graph.target)))
		}
	}
	for i, def := range instr.Defs {
		graph.forbid(def, constraint.Blocked(def.Class(graph.target)), constraint.FixedDefs[i])
	}
	// A dying use may be in any of the registers it is fixed to.
	dying := map[*ir.ValueT][]*target.RegisterT{}
	for i, use := range instr.Uses {
		if use.Value != nil && !after.Contains(use.Value) {
			dying[use.Value] = append(dying[use.Value], constraint.FixedUses[i])
		}
	}
	for value, fixed := range dying {
		graph.forbid(value, constraint.InputBlocked(value.Class(graph.target)), fixed...)
	}
	return nil
}
