// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Turning a set of simultaneous copies between registers and stack
// slots into a sequence of moves.  Each destination gets at most one
// source, but a source may be copied to several destinations and the
// copies may form cycles.
//
// Moves whose destination is not needed as a source are done first.
// Once a source has been copied, anything else reading it reads the
// copy instead, which frees the source and often breaks a cycle.
// What remains are disjoint cycles, each of which is rotated through
// a temporary: a free register if there is one, otherwise the
// target's scratch register or slot.  Stack machines can't move
// memory to memory directly, so those moves go through a free
// register or are done as a push and a pop.

package transfer

import (
	"fmt"
	"slices"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/tlog"
)

type OpT int

const (
	Move OpT = iota
	Push     // Src onto the machine stack
	Pop      // top of the machine stack into Dst
)

type MoveT struct {
	Op  OpT
	Src ir.LocationT
	Dst ir.LocationT
}

func (move MoveT) String() string {
	switch move.Op {
	case Push:
		return fmt.Sprintf("push %s", move.Src)
	case Pop:
		return fmt.Sprintf("pop %s", move.Dst)
	}
	return fmt.Sprintf("move %s <- %s", move.Dst, move.Src)
}

type GraphT struct {
	dsts    []ir.LocationT // in the order they were added
	sources map[ir.LocationT]ir.LocationT
}

func MakeGraph() *GraphT {
	return &GraphT{sources: map[ir.LocationT]ir.LocationT{}}
}

// Adds a copy from 'src' to 'dst'.  Copies to self are dropped.
func (graph *GraphT) Add(src ir.LocationT, dst ir.LocationT) {
	if src.IsNone() || dst.IsNone() {
		panic(fmt.Sprintf("transfer with no location: %s <- %s", dst, src))
	}
	if src == dst {
		return
	}
	if old, found := graph.sources[dst]; found {
		if old != src {
			panic(fmt.Sprintf("%s gets both %s and %s", dst, old, src))
		}
		return
	}
	graph.dsts = append(graph.dsts, dst)
	graph.sources[dst] = src
}

func (graph *GraphT) Len() int {
	return len(graph.dsts)
}

// The copies as added, for printing.
func (graph *GraphT) Copies() []MoveT {
	result := make([]MoveT, len(graph.dsts))
	for i, dst := range graph.dsts {
		result[i] = MoveT{Op: Move, Src: graph.sources[dst], Dst: dst}
	}
	return result
}

type resolverT struct {
	graph   *GraphT
	pending map[ir.LocationT]ir.LocationT // dst -> src
	readers map[ir.LocationT]int
	free    []*target.RegisterT
	held    util.SetT[*target.RegisterT] // free registers in use as temporaries
	scratch ir.LocationT
	moves   []MoveT
}

// Returns moves that perform all of the graph's copies.  'free'
// registers may be overwritten; 'scratch' is used when none of them
// will do and must not be any of the graph's locations.

func (graph *GraphT) Resolve(free []*target.RegisterT, scratch ir.LocationT) []MoveT {
	resolver := &resolverT{
		graph:   graph,
		pending: map[ir.LocationT]ir.LocationT{},
		readers: map[ir.LocationT]int{},
		free:    free,
		held:    util.NewSet[*target.RegisterT](),
		scratch: scratch,
	}
	for _, dst := range graph.dsts {
		src := graph.sources[dst]
		resolver.pending[dst] = src
		resolver.readers[src] += 1
	}
	resolver.emitChains()
	resolver.breakCycles()
	if tlog.If("transfer") {
		tlog.Printw("transfers", "copies", graph.Copies(), "moves", resolver.moves)
	}
	return resolver.moves
}

// Does every copy whose destination no one is waiting to read, until
// there are none left.
func (resolver *resolverT) emitChains() {
	for progress := true; progress; {
		progress = false
		for _, dst := range resolver.graph.dsts {
			src, found := resolver.pending[dst]
			if !found || resolver.readers[dst] != 0 {
				continue
			}
			resolver.emit(src, dst)
			delete(resolver.pending, dst)
			resolver.readers[src] -= 1
			// Other readers of 'src' can get it from 'dst' now.
			for _, other := range resolver.graph.dsts {
				if otherSrc, found := resolver.pending[other]; found && otherSrc == src && other != dst {
					resolver.pending[other] = dst
					resolver.readers[src] -= 1
					resolver.readers[dst] += 1
				}
			}
			progress = true
		}
	}
}

// Every remaining location is both read and written exactly once,
// so what is left is a set of disjoint cycles.
func (resolver *resolverT) breakCycles() {
	remaining := []ir.LocationT{}
	for _, dst := range resolver.graph.dsts {
		if _, found := resolver.pending[dst]; found {
			remaining = append(remaining, dst)
		}
	}
	components := util.StronglyConnectedComponents(remaining, func(dst ir.LocationT) []ir.LocationT {
		return []ir.LocationT{resolver.pending[dst]}
	})
	for _, component := range components {
		if len(component) < 2 {
			panic(fmt.Sprintf("transfer to %s is not part of a cycle", component[0]))
		}
		// Start from the earliest added destination so the result
		// does not depend on the component's order.
		start := component[0]
		for _, dst := range component {
			if slices.Index(resolver.graph.dsts, dst) < slices.Index(resolver.graph.dsts, start) {
				start = dst
			}
		}
		cycle := []ir.LocationT{start}
		for next := resolver.pending[start]; next != start; next = resolver.pending[next] {
			cycle = append(cycle, next)
		}
		resolver.rotate(cycle)
	}
}

// cycle[i] gets the value in cycle[i+1], and the last gets the
// value in cycle[0].
func (resolver *resolverT) rotate(cycle []ir.LocationT) {
	tmp, reg := resolver.temporary(cycle)
	if reg != nil {
		resolver.held.Add(reg)
		defer resolver.held.Remove(reg)
	}
	resolver.emit(cycle[0], tmp)
	for i := 0; i < len(cycle)-1; i++ {
		resolver.emit(cycle[i+1], cycle[i])
	}
	resolver.emit(tmp, util.Last(cycle))
	for _, dst := range cycle {
		delete(resolver.pending, dst)
	}
}

// A free register of the cycle's class, or else the scratch
// location.
func (resolver *resolverT) temporary(cycle []ir.LocationT) (ir.LocationT, *target.RegisterT) {
	var class *target.RegisterClassT
	for _, loc := range cycle {
		if loc.IsRegister() {
			class = loc.Register.Class
			break
		}
	}
	if reg := resolver.freeRegister(class); reg != nil {
		return ir.RegisterLocation(reg), reg
	}
	if resolver.scratch.IsNone() {
		panic(fmt.Sprintf("no free register or scratch location for cycle %v", cycle))
	}
	if resolver.scratch.IsRegister() && class != nil && resolver.scratch.Register.Class != class {
		panic(fmt.Sprintf("scratch register %s cannot hold %s values", resolver.scratch, class))
	}
	return resolver.scratch, nil
}

// The first free register of 'class', or of any class if 'class' is
// nil, that is not already in use as a temporary.
func (resolver *resolverT) freeRegister(class *target.RegisterClassT) *target.RegisterT {
	for _, reg := range resolver.free {
		if (class == nil || reg.Class == class) && !resolver.held.Contains(reg) {
			return reg
		}
	}
	return nil
}

func (resolver *resolverT) emit(src ir.LocationT, dst ir.LocationT) {
	if src == dst {
		return
	}
	if !src.IsSlot() || !dst.IsSlot() {
		resolver.moves = append(resolver.moves, MoveT{Op: Move, Src: src, Dst: dst})
		return
	}
	if reg := resolver.freeRegister(nil); reg != nil {
		via := ir.RegisterLocation(reg)
		resolver.moves = append(resolver.moves,
			MoveT{Op: Move, Src: src, Dst: via},
			MoveT{Op: Move, Src: via, Dst: dst})
		return
	}
	resolver.moves = append(resolver.moves, MoveT{Op: Push, Src: src}, MoveT{Op: Pop, Dst: dst})
}
