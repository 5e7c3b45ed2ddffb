// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// SSA register allocation.  Allocation runs in rounds:
//
//  1. Spill until no instruction needs more registers of a class
//     than the class has (spill.Spill).
//  2. Surround each constrained instruction with parallel copies so
//     that its fixed operands and the values live across it can be
//     given registers independently of the rest of the function.
//  3. Color the interference graph in dominator order.  Because the
//     function is in SSA form and pressure is within the limit, this
//     almost always succeeds.  When forbidden registers or pins make
//     it fail, the cheapest value in the way is spilled everywhere
//     and the next round starts.
//
// Then memory values are given stack slots and the copies implied by
// phis and parallel copies are turned into sequences of moves.

package regalloc

import (
	"os"
	"slices"
	"strings"

	"github.com/s48/regalloc/interference"
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/reconstruct"
	"github.com/s48/regalloc/spill"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/transfer"
	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

var (
	ErrInternal      = errors.New("register allocation failed")
	ErrFrameTooLarge = errors.New("spill area too large")
)

type OptionsT struct {
	MaxRounds   int  // of spilling and coloring before giving up
	Validate    bool // check the result before returning it
	Parallelism int  // functions AllocateModule works on at once, 0 for GOMAXPROCS
}

func DefaultOptions() OptionsT {
	return OptionsT{MaxRounds: 20, Validate: true}
}

type AssignmentT map[*ir.ValueT]ir.LocationT

// A control-flow edge.
type EdgeT struct {
	Pred *ir.BlockT
	Succ *ir.BlockT
}

type StatsT struct {
	Rounds         int
	Spills         int
	Reloads        int
	MemoryPhis     int
	Phis           int // register phis added when restoring SSA form
	FallbackSpills int // values spilled everywhere because coloring failed
	Splits         int // constrained instructions given parallel copies
	Copies         int // moves done for copies and parallel copies
	EdgeMoves      int // moves done for phis
	Slots          int
	FrameBytes     int
}

type ResultT struct {
	Func        *ir.FuncT
	Target      *target.TargetT
	Assignment  AssignmentT
	EdgeMoves   map[EdgeT][]transfer.MoveT
	CopyMoves   map[*ir.InstrT][]transfer.MoveT
	Slots       int // spill slots, not counting the scratch slots
	ScratchSlot int // first scratch slot, -1 if there are none
	FrameBytes  int
	CalleeSaved []*target.RegisterT // written by the function, so the caller's values must be saved
	Stats       StatsT
}

func (result *ResultT) Locate(value *ir.ValueT) ir.LocationT {
	return result.Assignment[value]
}

type allocatorT struct {
	f          *ir.FuncT
	target     *target.TargetT
	options    OptionsT
	split      util.SetT[*ir.InstrT] // constrained instructions already split
	everywhere util.SetT[*ir.ValueT] // spilled everywhere after coloring failed
	stats      StatsT
}

// Allocates registers and stack slots for 'f', which is modified
// in place: spill code, copies and phis are added and the function
// stays in SSA form.

func Allocate(f *ir.FuncT, tgt *target.TargetT, options OptionsT) (*ResultT, error) {
	if options.MaxRounds <= 0 {
		options.MaxRounds = DefaultOptions().MaxRounds
	}
	alloc := &allocatorT{
		f:          f,
		target:     tgt,
		options:    options,
		split:      util.NewSet[*ir.InstrT](),
		everywhere: util.NewSet[*ir.ValueT](),
	}
	if err := alloc.prepare(); err != nil {
		return nil, err
	}
	assignment, info, err := alloc.allocate()
	if err != nil {
		return nil, err
	}
	result := &ResultT{
		Func:       f,
		Target:     tgt,
		Assignment: assignment,
		EdgeMoves:  map[EdgeT][]transfer.MoveT{},
		CopyMoves:  map[*ir.InstrT][]transfer.MoveT{},
	}
	if err := alloc.assignSlots(result, info); err != nil {
		return nil, err
	}
	alloc.resolveTransfers(result, info)
	result.CalleeSaved = calleeSaved(assignment)
	result.Stats = alloc.stats
	if options.Validate {
		if err := Check(result); err != nil {
			return nil, err
		}
	}
	tlog.V("regalloc").Printw("allocated", "func", f.Name, "target", tgt.Name,
		"rounds", result.Stats.Rounds, "spills", result.Stats.Spills, "reloads", result.Stats.Reloads,
		"slots", result.Slots, "frame_bytes", result.FrameBytes)
	if tlog.If("regalloc") {
		PrintResult(result, os.Stdout)
	}
	return result, nil
}

// Puts 'f' into the shape the rest of the allocator expects.
func (alloc *allocatorT) prepare() error {
	f := alloc.f
	if err := ir.Verify(f); err != nil {
		return errors.Wrap(err, "allocate")
	}
	if ir.RemoveUnreachable(f) {
		ir.ComputeDominance(f)
	}
	if ir.SplitCriticalEdges(f) {
		ir.ComputeDominance(f)
	}
	ir.FindLoops(f)
	reconstruct.RemoveDeadPhis(f)
	if err := alloc.lowerImmediates(); err != nil {
		return err
	}
	return alloc.checkPins()
}

func (alloc *allocatorT) allocate() (AssignmentT, *liveness.InfoT, error) {
	f := alloc.f
	for round := 1; round <= alloc.options.MaxRounds; round++ {
		alloc.stats.Rounds = round
		spillStats, err := spill.Spill(f, alloc.target)
		if err != nil {
			return nil, nil, errors.Wrap(ErrInternal, "%s: round %d: %v", f.Name, round, err)
		}
		alloc.addSpillStats(spillStats)
		if err := alloc.splitConstrained(); err != nil {
			return nil, nil, err
		}
		info := liveness.Analyze(f)
		graph, err := interference.Build(f, info, alloc.target)
		if err != nil {
			return nil, nil, errors.Wrap(ErrInternal, "%s: %v", f.Name, err)
		}
		assignment, blocked, err := alloc.color(graph)
		if err != nil {
			return nil, nil, err
		}
		if blocked == nil {
			return assignment, info, nil
		}
		victim := alloc.chooseSpill(blocked, graph, info)
		if victim == nil {
			return nil, nil, errors.Wrap(ErrInternal, "%s: no register for %s and nothing to spill", f.Name, blocked)
		}
		tlog.V("regalloc").Printw("coloring failed", "func", f.Name, "round", round, "blocked", blocked, "spilling", victim)
		alloc.everywhere.Add(victim)
		alloc.addSpillStats(spill.Everywhere(f, alloc.target, victim))
		alloc.stats.FallbackSpills += 1
	}
	return nil, nil, errors.Wrap(ErrInternal, "%s: no coloring after %d rounds", f.Name, alloc.options.MaxRounds)
}

func (alloc *allocatorT) addSpillStats(stats spill.StatsT) {
	alloc.stats.Spills += stats.Spills + stats.Reconstruct.Spills
	alloc.stats.Reloads += stats.Reloads + stats.Reconstruct.Reloads
	alloc.stats.MemoryPhis += stats.MemoryPhis + stats.Reconstruct.MemoryPhis
	alloc.stats.Phis += stats.Reconstruct.Phis
}

// Pins must name a location the value could actually be given.
func (alloc *allocatorT) checkPins() error {
	for _, value := range alloc.f.Values {
		pin := value.Pin
		switch {
		case pin.IsNone():
		case value.Memory:
			if !pin.IsSlot() || pin.Slot < 0 {
				return errors.Wrap(ErrInternal, "%s: memory value %s is pinned to %s", alloc.f.Name, value, pin)
			}
		case !pin.IsRegister():
			return errors.Wrap(ErrInternal, "%s: register value %s is pinned to %s", alloc.f.Name, value, pin)
		case value.Class(alloc.target) == nil:
			return errors.Wrap(ErrInternal, "%s: %s has no register class", alloc.f.Name, value)
		case !slices.Contains(alloc.target.Allocatable(value.Class(alloc.target)), pin.Register):
			return errors.Wrap(ErrInternal, "%s: %s is pinned to %s, which is not an allocatable %s register",
				alloc.f.Name, value, pin, value.Class(alloc.target))
		}
	}
	return nil
}

// The callee-saved registers that appear in 'assignment'.
func calleeSaved(assignment AssignmentT) []*target.RegisterT {
	used := util.NewSet[*target.RegisterT]()
	for _, loc := range assignment {
		if loc.IsRegister() && loc.Register.CalleeSaved {
			used.Add(loc.Register)
		}
	}
	return used.Sorted(func(x, y *target.RegisterT) int {
		if x.Class != y.Class {
			return strings.Compare(x.Class.Name, y.Class.Name)
		}
		return x.Index - y.Index
	})
}

func byId(x *ir.ValueT, y *ir.ValueT) int {
	return x.Id - y.Id
}
