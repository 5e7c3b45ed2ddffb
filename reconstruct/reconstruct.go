// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Restoring SSA form after spilling or splitting has added new
// definitions of a value.  All of the versions of an original value
// hold the same bits, some in registers and some in memory.  Each
// use is pointed at the closest version of the kind it needs,
// looking up the dominator tree and adding phi nodes at the iterated
// dominance frontier of the definitions, but only where a use
// actually needs one.
//
// A register phi at a block where every register of the class is
// already taken is made a memory phi instead and the use that wanted
// it reloads from memory.

package reconstruct

import (
	"fmt"
	"slices"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/tlog"
)

type StatsT struct {
	Phis       int // register phis added
	MemoryPhis int
	Spills     int
	Reloads    int
}

func (stats *StatsT) Add(other StatsT) {
	stats.Phis += other.Phis
	stats.MemoryPhis += other.MemoryPhis
	stats.Spills += other.Spills
	stats.Reloads += other.Reloads
}

type familyT struct {
	f         *ir.FuncT
	target    *target.TargetT
	original  *ir.ValueT
	info      *liveness.InfoT // from before any changes
	frontier  map[bool]util.SetT[*ir.BlockT]
	entryDefs map[bool]map[*ir.BlockT]*ir.ValueT
	stats     StatsT
}

// Points every use of a version of 'original' at the closest
// reaching version of the right kind.  The function's dominator tree
// must be current and no phi block may have a predecessor with more
// than one successor.

func Value(f *ir.FuncT, tgt *target.TargetT, original *ir.ValueT) StatsT {
	family := &familyT{
		f:         f,
		target:    tgt,
		original:  original.Original(),
		frontier:  map[bool]util.SetT[*ir.BlockT]{},
		entryDefs: map[bool]map[*ir.BlockT]*ir.ValueT{false: {}, true: {}},
	}
	family.findFrontiers()
	if len(family.frontier[false]) != 0 {
		family.info = liveness.Analyze(f)
	}

	type useT struct {
		instr *ir.InstrT
		index int
	}
	type phiUseT struct {
		phi  *ir.PhiT
		pred *ir.BlockT
	}
	uses := []useT{}
	phiUses := []phiUseT{}
	for _, block := range f.Blocks {
		if block.Order < 0 {
			continue
		}
		for _, phi := range block.Phis {
			for _, operand := range phi.Operands {
				if family.contains(operand.Value) {
					phiUses = append(phiUses, phiUseT{phi, operand.Pred})
				}
			}
		}
		for _, instr := range block.Instrs {
			for i, use := range instr.Uses {
				if family.contains(use.Value) {
					uses = append(uses, useT{instr, i})
				}
			}
		}
	}

	for _, use := range uses {
		instr := use.instr
		memory := instr.Op == ir.OpReload
		current := instr.Uses[use.index].Value
		block := instr.Block
		// Pinned copies made for constrained instructions stay put.
		if current.Origin != nil && !current.Pin.IsNone() && current.Memory == memory &&
			ir.DefinitionReaches(current, block, block.IndexOf(instr)) {
			continue
		}
		def := family.findDef(memory, block, block.IndexOf(instr), current)
		if def == nil {
			def = family.findDef(!memory, block, block.IndexOf(instr), current)
		}
		if def == nil {
			panic(fmt.Sprintf("no definition of %s reaches %s", family.original, instr))
		}
		def = family.convert(def, memory, func(conversion *ir.InstrT) {
			ir.InsertBefore(instr, conversion)
		})
		instr.Uses[use.index] = ir.ValueOperand(def)
	}
	for _, use := range phiUses {
		use.phi.SetOperand(use.pred, family.atEnd(use.phi.Result.Memory, use.pred))
	}
	if family.stats != (StatsT{}) {
		tlog.V("reconstruct").Printw("reconstructed", "value", family.original,
			"phis", family.stats.Phis, "memory_phis", family.stats.MemoryPhis,
			"spills", family.stats.Spills, "reloads", family.stats.Reloads)
	}
	return family.stats
}

func (family *familyT) contains(value *ir.ValueT) bool {
	return value != nil && value.Original() == family.original
}

// Blocks that may need a phi for each kind of version.
func (family *familyT) findFrontiers() {
	defBlocks := map[bool][]*ir.BlockT{}
	for _, block := range family.f.Blocks {
		if block.Order < 0 {
			continue
		}
		for _, phi := range block.Phis {
			if family.contains(phi.Result) {
				defBlocks[phi.Result.Memory] = append(defBlocks[phi.Result.Memory], block)
			}
		}
		for _, instr := range block.Instrs {
			for _, def := range instr.Defs {
				if family.contains(def) {
					defBlocks[def.Memory] = append(defBlocks[def.Memory], block)
				}
			}
		}
	}
	for _, memory := range []bool{false, true} {
		family.frontier[memory] = ir.IteratedFrontier(defBlocks[memory])
	}
}

// The version of 'memory' kind defined by 'instr'.  An instruction
// can define more than one version when it is a parallel copy; a use
// keeps the one it already has, anything else gets the unpinned one.
func (family *familyT) definedBy(instr *ir.InstrT, memory bool, current *ir.ValueT) *ir.ValueT {
	var found *ir.ValueT
	for _, def := range instr.Defs {
		if !family.contains(def) || def.Memory != memory {
			continue
		}
		if def == current {
			return def
		}
		if found == nil || (!found.Pin.IsNone() && def.Pin.IsNone()) {
			found = def
		}
	}
	return found
}

// The version of 'memory' kind that reaches the point just before
// the index'th instruction in 'block', or nil if there isn't one.
func (family *familyT) findDef(memory bool, block *ir.BlockT, index int, current *ir.ValueT) *ir.ValueT {
	for i := index - 1; 0 <= i; i-- {
		if def := family.definedBy(block.Instrs[i], memory, current); def != nil {
			return def
		}
	}
	for _, phi := range block.Phis {
		if family.contains(phi.Result) && phi.Result.Memory == memory {
			return phi.Result
		}
	}
	return family.entryDef(memory, block)
}

func (family *familyT) entryDef(memory bool, block *ir.BlockT) *ir.ValueT {
	if def, found := family.entryDefs[memory][block]; found {
		return def
	}
	var def *ir.ValueT
	if family.frontier[memory].Contains(block) {
		def = family.addPhi(memory, block)
	} else if block.Dominator != nil {
		dom := block.Dominator
		def = family.findDef(memory, dom, len(dom.Instrs), nil)
	}
	family.entryDefs[memory][block] = def
	return def
}

// The version of 'memory' kind at the end of 'block', converting if
// only the other kind is available.
func (family *familyT) atEnd(memory bool, block *ir.BlockT) *ir.ValueT {
	def := family.findDef(memory, block, len(block.Instrs), nil)
	if def == nil {
		def = family.findDef(!memory, block, len(block.Instrs), nil)
	}
	if def == nil {
		panic(fmt.Sprintf("no definition of %s reaches the end of %s", family.original, block))
	}
	return family.convert(def, memory, func(conversion *ir.InstrT) {
		if 1 < len(block.Succs) {
			panic(fmt.Sprintf("conversion of %s on a critical edge out of %s", family.original, block))
		}
		block.AppendBeforeTerminator(conversion)
	})
}

// Returns a version of 'memory' kind with the same bits as 'value',
// using 'insert' to place a spill or reload if one is needed.
func (family *familyT) convert(value *ir.ValueT, memory bool, insert func(*ir.InstrT)) *ir.ValueT {
	if value.Memory == memory {
		return value
	}
	result := family.f.NewVersion(family.original, memory)
	op := ir.OpReload
	if memory {
		op = ir.OpSpill
		family.stats.Spills += 1
	} else {
		family.stats.Reloads += 1
	}
	insert(family.f.NewInstr(op, []*ir.ValueT{result}, ir.ValueOperand(value)))
	return result
}

// The phi is recorded before its operands are found, so that loops
// find it.
func (family *familyT) addPhi(memory bool, block *ir.BlockT) *ir.ValueT {
	wanted := memory
	if !memory && family.saturated(block) {
		memory = true
	}
	result := family.f.NewVersion(family.original, memory)
	phi := family.f.NewPhi(block, result)
	family.entryDefs[wanted][block] = result
	family.entryDefs[memory][block] = result
	if !memory {
		family.stats.Phis += 1
	} else {
		family.stats.MemoryPhis += 1
	}
	for _, pred := range block.Preds {
		phi.SetOperand(pred, family.atEnd(memory, pred))
	}
	return result
}

// True if every register of the family's class is already in use at
// the start of 'block'.
func (family *familyT) saturated(block *ir.BlockT) bool {
	class := family.original.Class(family.target)
	if class == nil {
		class = family.target.ClassOf(family.original.Type.String())
	}
	live := family.info.LiveIn(block).Copy()
	for _, phi := range block.Phis {
		live.Add(phi.Result)
	}
	pressure := 0
	for value := range live {
		if !value.Memory && !family.contains(value) && value.Class(family.target) == class {
			pressure += 1
		}
	}
	return family.target.MaxPressure(class) <= pressure
}

//----------------------------------------------------------------

// Removes phis whose results are never used by an instruction,
// directly or through other phis.  Returns how many were removed.

func RemoveDeadPhis(f *ir.FuncT) int {
	live := util.NewSet[*ir.ValueT]()
	pending := util.StackT[*ir.ValueT]{}
	for _, block := range f.Blocks {
		for _, instr := range block.Instrs {
			for _, value := range instr.UsedValues() {
				pending.Push(value)
			}
		}
	}
	for !pending.Empty() {
		value := pending.Pop()
		if value == nil || live.Contains(value) {
			continue
		}
		live.Add(value)
		if value.Phi != nil {
			for _, operand := range value.Phi.Operands {
				pending.Push(operand.Value)
			}
		}
	}
	removed := 0
	for _, block := range f.Blocks {
		for _, phi := range slices.Clone(block.Phis) {
			if !live.Contains(phi.Result) {
				ir.RemovePhi(phi)
				removed += 1
			}
		}
	}
	return removed
}
