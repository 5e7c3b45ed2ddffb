// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package regalloc

import (
	"slices"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/reconstruct"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Immediates where the target wants a register are loaded into a
// new value just before the instruction.  Copies always want
// registers.

func (alloc *allocatorT) lowerImmediates() error {
	f := alloc.f
	count := 0
	for _, block := range f.Blocks {
		for _, instr := range slices.Clone(block.Instrs) {
			constraint, err := instr.Constraint(alloc.target)
			if err != nil {
				return errors.Wrap(err, "%s", f.Name)
			}
			for i, use := range instr.Uses {
				if !use.IsImmediate() || !(instr.IsCopy() || constraint.IsRegisterOperand(i)) {
					continue
				}
				value := f.NewValue("imm", use.Type)
				ir.InsertBefore(instr, f.NewInstr(ir.OpLoadImmediate, []*ir.ValueT{value}, use))
				instr.Uses[i] = ir.ValueOperand(value)
				count += 1
			}
		}
	}
	if count != 0 {
		tlog.V("regalloc").Printw("loaded immediates", "func", f.Name, "count", count)
	}
	return nil
}

//----------------------------------------------------------------
// Splitting around constrained instructions.
//
// Before a constrained instruction I a parallel copy gives every
// register value live across I a new version, and gives each use of
// I its own version, pinned if the use is at a fixed position.  I's
// fixed results are pinned and, if they are used later, immediately
// copied into unpinned versions.  Each version lives only between
// the copies and I, so pinning it cannot conflict with anything
// else, and the values' other versions can go wherever the coloring
// likes.  Uses after I are pointed at the new versions by restoring
// SSA form.

func (alloc *allocatorT) splitConstrained() error {
	f := alloc.f
	info := liveness.Analyze(f)
	touched := util.NewSet[*ir.ValueT]()
	for _, block := range f.Blocks {
		if info.LiveIn(block) == nil {
			continue
		}
		after := info.LiveAfter(block)
		for i, instr := range slices.Clone(block.Instrs) {
			if alloc.split.Contains(instr) {
				continue
			}
			constraint, err := instr.Constraint(alloc.target)
			if err != nil {
				return errors.Wrap(err, "%s", f.Name)
			}
			if constraint == nil {
				continue
			}
			alloc.split.Add(instr)
			if alloc.pinnedConsistently(instr, constraint, after[i]) {
				continue
			}
			if err := alloc.splitAround(instr, constraint, after[i], touched); err != nil {
				return err
			}
		}
	}
	if len(touched) == 0 {
		return nil
	}
	ir.ComputeDominance(f)
	for _, value := range touched.Sorted(byId) {
		alloc.addSpillStatsFromReconstruct(reconstruct.Value(f, alloc.target, value))
	}
	reconstruct.RemoveDeadPhis(f)
	return nil
}

func (alloc *allocatorT) addSpillStatsFromReconstruct(stats reconstruct.StatsT) {
	alloc.stats.Spills += stats.Spills
	alloc.stats.Reloads += stats.Reloads
	alloc.stats.MemoryPhis += stats.MemoryPhis
	alloc.stats.Phis += stats.Phis
}

func (alloc *allocatorT) splitAround(instr *ir.InstrT,
	constraint *target.ConstraintT,
	after liveness.SetT,
	touched util.SetT[*ir.ValueT]) error {

	f := alloc.f
	var sources []ir.OperandT
	var copies []*ir.ValueT
	copyOf := func(value *ir.ValueT, pin ir.LocationT) *ir.ValueT {
		version := f.NewVersion(value, false)
		version.Pin = pin
		sources = append(sources, ir.ValueOperand(value))
		copies = append(copies, version)
		touched.Add(value.Original())
		return version
	}

	throughs := map[*ir.ValueT]*ir.ValueT{}
	for _, value := range after.Sorted(byId) {
		if !value.Memory && value.Def != instr {
			throughs[value] = copyOf(value, ir.LocationT{})
		}
	}
	dying := map[*ir.ValueT]*ir.ValueT{}
	for i, use := range instr.Uses {
		value := use.Value
		if value == nil || value.Memory {
			continue
		}
		if reg := constraint.FixedUses[i]; reg != nil {
			instr.Uses[i] = ir.ValueOperand(copyOf(value, ir.RegisterLocation(reg)))
		} else if through := throughs[value]; through != nil {
			instr.Uses[i] = ir.ValueOperand(through)
		} else {
			if dying[value] == nil {
				dying[value] = copyOf(value, ir.LocationT{})
			}
			instr.Uses[i] = ir.ValueOperand(dying[value])
		}
	}
	if len(copies) != 0 {
		ir.InsertBefore(instr, f.NewInstr(ir.OpParallelCopy, copies, sources...))
	}

	var results []*ir.ValueT
	var resultSources []ir.OperandT
	for i, def := range instr.Defs {
		reg := constraint.FixedDefs[i]
		if reg == nil || def.Memory {
			continue
		}
		pin := ir.RegisterLocation(reg)
		if !def.Pin.IsNone() && def.Pin != pin {
			return errors.Wrap(ErrInternal, "%s: %s is pinned to %s but %s puts it in %s",
				f.Name, def, def.Pin, instr.Op, reg)
		}
		def.Pin = pin
		if after.Contains(def) {
			results = append(results, f.NewVersion(def, false))
			resultSources = append(resultSources, ir.ValueOperand(def))
			touched.Add(def.Original())
		}
	}
	if len(results) != 0 {
		ir.InsertAfter(instr, f.NewInstr(ir.OpParallelCopy, results, resultSources...))
	}
	alloc.stats.Splits += 1
	tlog.V("regalloc").Printw("split", "func", f.Name, "instr", instr, "copies", len(copies), "results", len(results))
	return nil
}

// True if everything in registers at 'instr' is already pinned where
// the instruction wants it, as it is when allocating a function a
// second time with the first allocation's locations as pins.

func (alloc *allocatorT) pinnedConsistently(instr *ir.InstrT, constraint *target.ConstraintT, after liveness.SetT) bool {
	inRegister := func(value *ir.ValueT) (*target.RegisterT, bool) {
		if !value.Pin.IsRegister() {
			return nil, false
		}
		return value.Pin.Register, true
	}
	for i, use := range instr.Uses {
		value := use.Value
		if value == nil || value.Memory {
			continue
		}
		reg, ok := inRegister(value)
		if !ok {
			return false
		}
		if fixed := constraint.FixedUses[i]; fixed != nil {
			if reg != fixed {
				return false
			}
		} else if !after.Contains(value) && constraint.InputBlocked(reg.Class).Contains(reg) {
			return false
		}
	}
	for value := range after {
		if value.Memory || value.Def == instr {
			continue
		}
		reg, ok := inRegister(value)
		if !ok || constraint.Blocked(reg.Class).Contains(reg) {
			return false
		}
	}
	for i, def := range instr.Defs {
		if def.Memory {
			continue
		}
		reg, ok := inRegister(def)
		if !ok {
			return false
		}
		if fixed := constraint.FixedDefs[i]; fixed != nil {
			if reg != fixed {
				return false
			}
		} else if constraint.Blocked(reg.Class).Contains(reg) {
			return false
		}
	}
	return true
}
