// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Checking an allocation independently of how it was made.

package regalloc

import (
	"slices"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/target"
	"tlog.app/go/errors"
)

type checkerT struct {
	result *ResultT
	f      *ir.FuncT
	target *target.TargetT
}

// Returns an error wrapping ErrInternal if any value lacks a proper
// location, two values that are live together share a location
// without holding the same bits, or an instruction's operands are
// not where the target needs them.

func Check(result *ResultT) error {
	checker := &checkerT{result: result, f: result.Func, target: result.Target}
	info := liveness.Analyze(checker.f)
	for _, block := range checker.f.Blocks {
		if info.LiveIn(block) == nil {
			continue
		}
		live := info.LiveIn(block).Copy()
		for _, phi := range block.Phis {
			if err := checker.checkPhi(phi); err != nil {
				return err
			}
			live.Add(phi.Result)
		}
		if err := checker.distinct(live, block.Name); err != nil {
			return err
		}
		after := info.LiveAfter(block)
		for i, instr := range block.Instrs {
			if err := checker.checkInstr(instr, after[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (checker *checkerT) fail(format string, args ...any) error {
	return errors.Wrap(ErrInternal, "%s: check: "+format, append([]any{checker.f.Name}, args...)...)
}

// Registers for register values and slots for memory values.
func (checker *checkerT) checkLocation(value *ir.ValueT) error {
	loc, found := checker.result.Assignment[value]
	if !found || loc.IsNone() {
		return checker.fail("%s has no location", value)
	}
	if value.Memory {
		if !loc.IsSlot() || loc.Slot < 0 || checker.result.Slots <= loc.Slot {
			return checker.fail("memory value %s is in %s", value, loc)
		}
		return nil
	}
	class := value.Class(checker.target)
	if !loc.IsRegister() || class == nil || !slices.Contains(checker.target.Allocatable(class), loc.Register) {
		return checker.fail("%s value %s is in %s", class, value, loc)
	}
	return nil
}

func (checker *checkerT) checkPhi(phi *ir.PhiT) error {
	if err := checker.checkLocation(phi.Result); err != nil {
		return err
	}
	for _, operand := range phi.Operands {
		if operand.Value.Memory != phi.Result.Memory {
			return checker.fail("phi %s has operand %s of the other kind", phi.Result, operand.Value)
		}
	}
	return nil
}

// Values with the same original hold the same bits, as do a copy's
// source and result.
func sameBits(x *ir.ValueT, y *ir.ValueT) bool {
	if x.Original() == y.Original() {
		return true
	}
	copied := func(x *ir.ValueT, y *ir.ValueT) bool {
		return x.Def != nil && x.Def.IsCopy() && x.Def.Uses[slices.Index(x.Def.Defs, x)].Value == y
	}
	return copied(x, y) || copied(y, x)
}

func (checker *checkerT) distinct(live liveness.SetT, where string) error {
	holder := map[ir.LocationT]*ir.ValueT{}
	for _, value := range live.Sorted(byId) {
		if err := checker.checkLocation(value); err != nil {
			return err
		}
		loc := checker.result.Assignment[value]
		if other := holder[loc]; other != nil && !sameBits(value, other) {
			return checker.fail("%s and %s are both in %s at %s", other, value, loc, where)
		}
		holder[loc] = value
	}
	return nil
}

func (checker *checkerT) checkInstr(instr *ir.InstrT, after liveness.SetT) error {
	constraint, err := instr.Constraint(checker.target)
	if err != nil {
		return errors.Wrap(ErrInternal, "%s: check: %v", checker.f.Name, err)
	}
	live := after.Copy()
	for _, def := range instr.Defs {
		live.Add(def)
	}
	if err := checker.distinct(live, instr.String()); err != nil {
		return err
	}
	for i, use := range instr.Uses {
		value := use.Value
		if value == nil {
			if instr.IsCopy() || constraint.IsRegisterOperand(i) {
				return checker.fail("%s has an immediate where a register is needed", instr)
			}
			continue
		}
		if err := checker.checkLocation(value); err != nil {
			return err
		}
		if value.Memory != (instr.Op == ir.OpReload) && !instr.IsCopy() {
			return checker.fail("%s uses %s, which is the wrong kind", instr, value)
		}
		if constraint == nil {
			continue
		}
		loc := checker.result.Assignment[value]
		if fixed := constraint.FixedUses[i]; fixed != nil {
			if loc.Register != fixed {
				return checker.fail("%s wants %s in %s, not %s", instr, value, fixed, loc)
			}
		} else if !after.Contains(value) && constraint.InputBlocked(loc.Register.Class).Contains(loc.Register) {
			return checker.fail("%s has %s in %s, which it needs", instr, value, loc)
		}
	}
	for i, def := range instr.Defs {
		if err := checker.checkLocation(def); err != nil {
			return err
		}
		if def.Memory != (instr.Op == ir.OpSpill) && !instr.IsCopy() {
			return checker.fail("%s defines %s, which is the wrong kind", instr, def)
		}
		if constraint == nil {
			continue
		}
		if fixed := constraint.FixedDefs[i]; fixed != nil && checker.result.Assignment[def].Register != fixed {
			return checker.fail("%s puts %s in %s, not %s", instr, def, fixed, checker.result.Assignment[def])
		}
	}
	if constraint == nil {
		return nil
	}
	for value := range after {
		if value.Memory || value.Def == instr {
			continue
		}
		reg := checker.result.Assignment[value].Register
		if constraint.Blocked(reg.Class).Contains(reg) {
			return checker.fail("%s is in %s across %s", value, reg, instr)
		}
	}
	return nil
}
