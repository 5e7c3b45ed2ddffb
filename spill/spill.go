// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Reducing register pressure so that every program point needs no
// more registers than the target has, using Belady's MIN algorithm
// as adapted to SSA by Braun and Hack (Register Spilling and
// Live-Range Splitting for SSA-Form Programs, 2009).
//
// Each block is walked with W, the values currently in registers,
// and S, the values that have been stored to memory on every path
// to this point.  When an instruction needs more registers than are
// free the value in W whose next use is furthest away is evicted,
// and stored if it is not already in S.  A use of a value not in W
// is preceded by a reload.  Afterwards the state at the end of each
// predecessor is reconciled with what each block expects on entry
// and the new definitions are folded back into SSA form.
//
// The number of registers an instruction needs takes its target
// constraints into account.  For an instruction with through values
// T (live before and after, not defined by it):
//
//   |T| + |blocked registers| + unconstrained defs <= K
//   |T| + |fixed-use and early-clobbered registers| + unconstrained dying uses <= K
//
// These are the counts after live ranges are split around the
// instruction, so meeting them guarantees a coloring.

package spill

import (
	"fmt"
	"slices"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/reconstruct"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// An instruction's own operands need more registers than there are.
var ErrDemand = errors.New("register demand cannot be met")

type StatsT struct {
	Spills      int
	Reloads     int
	MemoryPhis  int // phis whose results were moved to memory
	Reconstruct reconstruct.StatsT
}

func (stats StatsT) Changed() bool {
	return stats.Spills != 0 || stats.Reloads != 0 || stats.MemoryPhis != 0
}

type SetT = liveness.SetT

type blockStateT struct {
	wEntry SetT
	sEntry SetT
	wExit  SetT
	sExit  SetT
}

type spillerT struct {
	f           *ir.FuncT
	target      *target.TargetT
	info        *liveness.InfoT
	nextUse     *liveness.NextUseT
	allocatable map[*target.RegisterClassT]util.SetT[*target.RegisterT]
	states      map[*ir.BlockT]*blockStateT
	before      map[*ir.InstrT][]*ir.InstrT // code to insert ahead of each instruction
	touched     util.SetT[*ir.ValueT]       // originals that need reconstruction
	memoryPhis  util.SetT[*ir.ValueT]       // phis moved to memory by this pass
	stats       StatsT
}

func byId(x *ir.ValueT, y *ir.ValueT) int {
	return x.Id - y.Id
}

func Spill(f *ir.FuncT, tgt *target.TargetT) (StatsT, error) {
	ir.ComputeDominance(f)
	ir.FindLoops(f)
	sp := &spillerT{
		f:           f,
		target:      tgt,
		info:        liveness.Analyze(f),
		allocatable: map[*target.RegisterClassT]util.SetT[*target.RegisterT]{},
		states:      map[*ir.BlockT]*blockStateT{},
		before:      map[*ir.InstrT][]*ir.InstrT{},
		touched:     util.NewSet[*ir.ValueT](),
		memoryPhis:  util.NewSet[*ir.ValueT](),
	}
	sp.nextUse = liveness.NextUses(f, sp.info)
	for _, class := range tgt.Classes {
		sp.allocatable[class] = util.NewSet(tgt.Allocatable(class)...)
	}

	order := ir.ReversePostorder(f)
	for _, block := range order {
		sp.enterBlock(block)
		if err := sp.walkBlock(block); err != nil {
			return sp.stats, err
		}
	}
	// Nothing is inserted until all of the blocks have been walked,
	// so that the liveness and next-use information stays valid.
	for _, block := range order {
		for _, instr := range slices.Clone(block.Instrs) {
			if code := sp.before[instr]; code != nil {
				ir.InsertBefore(instr, code...)
			}
		}
	}
	sp.couple(order)

	if !sp.stats.Changed() {
		return sp.stats, nil
	}
	ir.ComputeDominance(f)
	for _, value := range sp.touched.Sorted(byId) {
		sp.stats.Reconstruct.Add(reconstruct.Value(f, tgt, value))
	}
	reconstruct.RemoveDeadPhis(f)
	tlog.V("spill").Printw("spilled", "func", f.Name, "spills", sp.stats.Spills, "reloads", sp.stats.Reloads,
		"memory_phis", sp.stats.MemoryPhis, "new_phis", sp.stats.Reconstruct.Phis+sp.stats.Reconstruct.MemoryPhis)
	if tlog.If("spill") {
		ir.PrintFunc(f)
	}
	return sp.stats, nil
}

//----------------------------------------------------------------
// Block entry

// The entry block starts with nothing in registers.  A loop header
// takes the values used in the loop with the nearest next uses, and
// then as many of the values that are only live through the loop as
// the loop's own demand leaves room for.  Any other block
// takes the values that are in registers at the end of all of its
// predecessors and then fills up with those that are in registers at
// the end of some of them.

func (sp *spillerT) enterBlock(block *ir.BlockT) {
	state := &blockStateT{}
	sp.states[block] = state
	if block == sp.f.Entry() {
		state.wEntry = util.NewSet[*ir.ValueT]()
		state.sEntry = util.NewSet[*ir.ValueT]()
		return
	}
	liveIn := sp.info.LiveIn(block).Sorted(byId)
	candidates := []*ir.ValueT{}
	for _, value := range liveIn {
		if !sp.inMemory(value) {
			candidates = append(candidates, value)
		}
	}
	preds := []*ir.BlockT{}
	for _, pred := range block.Preds {
		if sp.states[pred] != nil && sp.states[pred].wExit != nil {
			preds = append(preds, pred)
		}
	}
	isHeader := block.Loop != nil && block.Loop.Header == block
	switch {
	case isHeader:
		state.wEntry = sp.loopEntry(block, candidates)
	case len(preds) == 0:
		state.wEntry = sp.takeNearest(block, candidates, util.NewSet[*ir.ValueT](), nil)
	default:
		all := []*ir.ValueT{}
		some := []*ir.ValueT{}
		for _, value := range candidates {
			count := 0
			for _, pred := range preds {
				if sp.inRegisterAtExit(pred, block, value) {
					count += 1
				}
			}
			if count == len(preds) {
				all = append(all, value)
			} else if 0 < count {
				some = append(some, value)
			}
		}
		state.wEntry = sp.takeNearest(block, all, util.NewSet[*ir.ValueT](), nil)
		state.wEntry = sp.takeNearest(block, some, state.wEntry, nil)
	}

	state.sEntry = util.NewSet[*ir.ValueT]()
	for _, value := range liveIn {
		switch {
		case sp.inMemory(value):
		case isPhiOf(value, block):
			if !state.wEntry.Contains(value) {
				value.Memory = true
				sp.memoryPhis.Add(value)
				sp.stats.MemoryPhis += 1
				sp.touched.Add(value.Original())
				state.sEntry.Add(value)
				tlog.V("spill").Printw("memory phi", "value", value, "block", block)
			}
		case !state.wEntry.Contains(value):
			state.sEntry.Add(value)
		case 0 < len(preds):
			inAll := true
			for _, pred := range preds {
				inAll = inAll && sp.states[pred].sExit.Contains(value)
			}
			if inAll {
				state.sEntry.Add(value)
			}
		}
	}
}

// Values that were already in memory when the pass started.  Phis
// moved to memory here still have register uses that need reloads.
func (sp *spillerT) inMemory(value *ir.ValueT) bool {
	return value.Memory && !sp.memoryPhis.Contains(value)
}

// The register class 'value' has, or would have if it were not in
// memory.
func (sp *spillerT) classOf(value *ir.ValueT) *target.RegisterClassT {
	return sp.target.ClassOf(value.Type.String())
}

func isPhiOf(value *ir.ValueT, block *ir.BlockT) bool {
	return value.Phi != nil && value.Phi.Block == block
}

// Phi results are in a register at the end of a predecessor if the
// corresponding operand is.
func (sp *spillerT) inRegisterAtExit(pred *ir.BlockT, block *ir.BlockT, value *ir.ValueT) bool {
	if isPhiOf(value, block) {
		return sp.states[pred].wExit.Contains(value.Phi.OperandFrom(pred))
	}
	return sp.states[pred].wExit.Contains(value)
}

func (sp *spillerT) loopEntry(header *ir.BlockT, candidates []*ir.ValueT) SetT {
	used := []*ir.ValueT{}
	through := []*ir.ValueT{}
	throughCounts := map[*target.RegisterClassT]int{}
	for _, value := range candidates {
		if sp.nextUse.AtEntry(header, value) < liveness.LoopExitPenalty {
			used = append(used, value)
		} else {
			through = append(through, value)
			throughCounts[sp.classOf(value)] += 1
		}
	}
	w := sp.takeNearest(header, used, util.NewSet[*ir.ValueT](), nil)
	room := map[*target.RegisterClassT]int{}
	for _, class := range sp.target.Classes {
		room[class] = sp.target.MaxPressure(class) - (sp.loopDemand(header.Loop, class) - throughCounts[class])
	}
	return sp.takeNearest(header, through, w, room)
}

// The most registers of 'class' any instruction in 'loop' needs if
// every live value is in a register.
func (sp *spillerT) loopDemand(loop *ir.LoopT, class *target.RegisterClassT) int {
	result := 0
	for block := range loop.Blocks {
		after := sp.info.LiveAfter(block)
		for i, instr := range block.Instrs {
			// Errors are reported when the instruction is reached.
			constraint, err := instr.Constraint(sp.target)
			if err == nil {
				result = max(result, sp.demand(instr, constraint, class, after[i], after[i]))
			}
		}
	}
	return result
}

// Adds 'values' to 'set', nearest next use first, until each class
// is full or, if 'limits' is not nil, has had its limit added.
func (sp *spillerT) takeNearest(block *ir.BlockT, values []*ir.ValueT, set SetT, limits map[*target.RegisterClassT]int) SetT {
	values = slices.Clone(values)
	slices.SortStableFunc(values, func(x, y *ir.ValueT) int {
		dx, dy := sp.nextUse.AtEntry(block, x), sp.nextUse.AtEntry(block, y)
		if dx != dy {
			if dx < dy {
				return -1
			}
			return 1
		}
		return x.Id - y.Id
	})
	counts := map[*target.RegisterClassT]int{}
	for value := range set {
		counts[sp.classOf(value)] += 1
	}
	for _, value := range values {
		class := sp.classOf(value)
		if limits != nil {
			if limits[class] <= 0 {
				continue
			}
			limits[class] -= 1
		}
		if counts[class] < sp.target.MaxPressure(class) {
			set.Add(value)
			counts[class] += 1
		}
	}
	return set
}

//----------------------------------------------------------------
// Walking a block

func (sp *spillerT) walkBlock(block *ir.BlockT) error {
	state := sp.states[block]
	w := state.wEntry.Copy()
	s := state.sEntry.Copy()
	after := sp.info.LiveAfter(block)
	for i, instr := range block.Instrs {
		constraint, err := instr.Constraint(sp.target)
		if err != nil {
			return errors.Wrap(err, "spill")
		}
		uses := registerUses(instr)
		reloads := []*ir.InstrT{}
		for _, use := range uses {
			if !w.Contains(use) {
				if !s.Contains(use) {
					panic(fmt.Sprintf("%s is neither in a register nor in memory at %s", use, instr))
				}
				reloads = append(reloads, sp.makeReload(use))
				w.Add(use)
			}
		}
		spills := []*ir.InstrT{}
		for _, class := range sp.target.Classes {
			for sp.target.MaxPressure(class) < sp.demand(instr, constraint, class, w, after[i]) {
				victim := sp.furthest(block, i, class, w, after[i], uses)
				if victim == nil {
					return errors.Wrap(ErrDemand, "%s: %s needs more %s registers than there are",
						sp.f.Name, instr, class.Name)
				}
				w.Remove(victim)
				if !s.Contains(victim) {
					spills = append(spills, sp.makeSpill(victim))
					s.Add(victim)
				}
			}
		}
		if 0 < len(spills)+len(reloads) {
			sp.before[instr] = append(spills, reloads...)
		}
		for _, use := range uses {
			if !after[i].Contains(use) {
				w.Remove(use)
			}
		}
		for _, def := range instr.Defs {
			if !def.Memory && after[i].Contains(def) {
				w.Add(def)
			}
		}
	}
	state.wExit = w
	state.sExit = s
	return nil
}

// The distinct values 'instr' needs in registers, in id order.  Only
// reloads read memory.
func registerUses(instr *ir.InstrT) []*ir.ValueT {
	result := []*ir.ValueT{}
	if instr.Op == ir.OpReload {
		return result
	}
	for _, value := range instr.UsedValues() {
		if !slices.Contains(result, value) {
			result = append(result, value)
		}
	}
	slices.SortFunc(result, byId)
	return result
}

// The number of registers of 'class' that 'instr' needs, given that
// the values in 'w' are in registers.
func (sp *spillerT) demand(instr *ir.InstrT,
	constraint *target.ConstraintT,
	class *target.RegisterClassT,
	w SetT,
	after SetT) int {

	through := 0
	for value := range w {
		if !sp.inMemory(value) && sp.classOf(value) == class && after.Contains(value) && value.Def != instr {
			through += 1
		}
	}
	allocatable := sp.allocatable[class]
	countAllocatable := func(regs util.SetT[*target.RegisterT]) int {
		return len(regs.Filter(allocatable.Contains))
	}
	blocked := countAllocatable(constraint.Blocked(class))
	fixedInputs := countAllocatable(constraint.InputBlocked(class))
	freeDefs := 0
	for i, def := range instr.Defs {
		if !def.Memory && sp.classOf(def) == class && (constraint == nil || constraint.FixedDefs[i] == nil) {
			freeDefs += 1
		}
	}
	freeDying := util.NewSet[*ir.ValueT]()
	for i, use := range instr.Uses {
		value := use.Value
		if value == nil || instr.Op == ir.OpReload || sp.classOf(value) != class || after.Contains(value) {
			continue
		}
		if constraint == nil || constraint.FixedUses[i] == nil {
			freeDying.Add(value)
		}
	}
	return max(through+blocked+freeDefs, through+fixedInputs+len(freeDying))
}

// The value in 'w' of 'class' whose next use after the index'th
// instruction is furthest away, ignoring those the instruction uses.
// Ties go to the most recently created value.
func (sp *spillerT) furthest(block *ir.BlockT, index int, class *target.RegisterClassT, w SetT, after SetT, uses []*ir.ValueT) *ir.ValueT {
	var victim *ir.ValueT
	victimDistance := -1
	for _, value := range w.Sorted(byId) {
		if sp.classOf(value) != class || !after.Contains(value) || slices.Contains(uses, value) {
			continue
		}
		distance := sp.nextUse.After(block, index, value)
		if victimDistance <= distance {
			victim = value
			victimDistance = distance
		}
	}
	if victim != nil {
		tlog.V("spill").Printw("evict", "value", victim, "distance", victimDistance, "before", block.Instrs[index])
	}
	return victim
}

//----------------------------------------------------------------
// New code.  The operands name the value being spilled or reloaded;
// reconstruction replaces them with the right versions.

func (sp *spillerT) makeSpill(value *ir.ValueT) *ir.InstrT {
	sp.stats.Spills += 1
	sp.touched.Add(value.Original())
	version := sp.f.NewVersion(value, true)
	tlog.V("spill").Printw("spill", "value", value, "version", version)
	return sp.f.NewInstr(ir.OpSpill, []*ir.ValueT{version}, ir.ValueOperand(value))
}

func (sp *spillerT) makeReload(value *ir.ValueT) *ir.InstrT {
	sp.stats.Reloads += 1
	sp.touched.Add(value.Original())
	version := sp.f.NewVersion(value, false)
	tlog.V("spill").Printw("reload", "value", value, "version", version)
	return sp.f.NewInstr(ir.OpReload, []*ir.ValueT{version}, ir.ValueOperand(value))
}

//----------------------------------------------------------------
// Edges

// Values a block expects in memory that a predecessor never stored
// are stored on the edge, and values it expects in registers that are
// not in registers at the end of the predecessor are reloaded there.
// Memory phis need their operands stored, register phis need theirs
// in registers.

func (sp *spillerT) couple(order []*ir.BlockT) {
	for _, block := range order {
		if block == sp.f.Entry() {
			continue
		}
		state := sp.states[block]
		for _, pred := range slices.Clone(block.Preds) {
			predState := sp.states[pred]
			if predState == nil {
				continue
			}
			spills := []*ir.InstrT{}
			reloads := []*ir.InstrT{}
			for _, value := range state.sEntry.Sorted(byId) {
				if !isPhiOf(value, block) && !predState.sExit.Contains(value) {
					spills = append(spills, sp.makeSpill(value))
				}
			}
			for _, value := range state.wEntry.Sorted(byId) {
				if !isPhiOf(value, block) && !predState.wExit.Contains(value) {
					reloads = append(reloads, sp.makeReload(value))
				}
			}
			for _, phi := range block.Phis {
				operand := phi.OperandFrom(pred)
				switch {
				case operand == nil || sp.inMemory(operand):
				case phi.Result.Memory:
					sp.touched.Add(operand.Original())
					if !predState.sExit.Contains(operand) {
						spills = append(spills, sp.makeSpill(operand))
					}
				case !predState.wExit.Contains(operand):
					reloads = append(reloads, sp.makeReload(operand))
				}
			}
			if 0 < len(spills)+len(reloads) {
				ir.InsertOnEdge(pred, block, append(spills, reloads...)...)
			}
		}
	}
}

//----------------------------------------------------------------

// Spills 'value' right after its definition and reloads it before
// each use.  Every use gets its own reload so the result is already
// in SSA form.

func Everywhere(f *ir.FuncT, tgt *target.TargetT, value *ir.ValueT) StatsT {
	stats := StatsT{}
	memory := f.NewVersion(value, true)
	spill := f.NewInstr(ir.OpSpill, []*ir.ValueT{memory}, ir.ValueOperand(value))
	stats.Spills += 1
	if value.Phi != nil {
		value.Phi.Block.Insert(0, spill)
	} else {
		ir.InsertAfter(value.Def, spill)
	}
	reload := func() (*ir.ValueT, *ir.InstrT) {
		stats.Reloads += 1
		version := f.NewVersion(value, false)
		return version, f.NewInstr(ir.OpReload, []*ir.ValueT{version}, ir.ValueOperand(memory))
	}
	for _, block := range f.Blocks {
		for _, instr := range slices.Clone(block.Instrs) {
			if instr == spill || !instr.UsesValue(value) {
				continue
			}
			version, code := reload()
			ir.InsertBefore(instr, code)
			ir.ReplaceUses(instr, value, version)
		}
	}
	for _, block := range slices.Clone(f.Blocks) {
		for _, phi := range block.Phis {
			for _, operand := range slices.Clone(phi.Operands) {
				if operand.Value != value {
					continue
				}
				version, code := reload()
				edgeBlock := ir.InsertOnEdge(operand.Pred, block, code)
				// Splitting the edge renames the predecessor.
				if edgeBlock != operand.Pred && edgeBlock != block {
					phi.SetOperand(edgeBlock, version)
				} else {
					phi.SetOperand(operand.Pred, version)
				}
			}
		}
	}
	tlog.V("spill").Printw("spilled everywhere", "func", f.Name, "value", value, "reloads", stats.Reloads)
	return stats
}
