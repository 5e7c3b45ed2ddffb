// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Checking that a function is well-formed SSA.

package ir

import (
	"slices"

	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
)

var ErrMalformed = errors.New("malformed function")

// Checks the block structure, the phi nodes, and that every use is
// dominated by its definition.  This runs ComputeDominance.

func Verify(f *FuncT) error {
	if len(f.Blocks) == 0 {
		return errors.Wrap(ErrMalformed, "%s: no blocks", f.Name)
	}
	for _, block := range f.Blocks {
		if err := verifyBlockShape(block); err != nil {
			return errors.Wrap(err, "%s: block %s", f.Name, block.Name)
		}
	}
	ComputeDominance(f)

	defined := util.NewSet[*ValueT]()
	define := func(value *ValueT) error {
		if defined.Contains(value) {
			return errors.Wrap(ErrMalformed, "%s defined twice", value)
		}
		defined.Add(value)
		return nil
	}
	for _, block := range f.Blocks {
		for _, phi := range block.Phis {
			if phi.Result.Phi != phi {
				return errors.Wrap(ErrMalformed, "%s: phi %s is not its result's definition", f.Name, phi.Result)
			}
			if err := define(phi.Result); err != nil {
				return errors.Wrap(err, "%s", f.Name)
			}
		}
		for _, instr := range block.Instrs {
			for _, def := range instr.Defs {
				if def.Def != instr {
					return errors.Wrap(ErrMalformed, "%s: %s is not the definition of %s", f.Name, instr, def)
				}
				if err := define(def); err != nil {
					return errors.Wrap(err, "%s", f.Name)
				}
			}
		}
	}

	for _, block := range f.Blocks {
		if block.Order < 0 {
			continue
		}
		for _, phi := range block.Phis {
			if err := verifyPhi(phi, defined); err != nil {
				return errors.Wrap(err, "%s: block %s", f.Name, block.Name)
			}
		}
		for i, instr := range block.Instrs {
			for _, value := range instr.UsedValues() {
				if !defined.Contains(value) {
					return errors.Wrap(ErrMalformed, "%s: %s uses %s, which has no definition",
						f.Name, instr, value)
				}
				if !DefinitionReaches(value, block, i) {
					return errors.Wrap(ErrMalformed, "%s: %s uses %s, whose definition does not dominate it",
						f.Name, instr, value)
				}
			}
		}
	}
	return nil
}

func verifyBlockShape(block *BlockT) error {
	term := block.Terminator()
	if term == nil {
		return errors.Wrap(ErrMalformed, "missing terminator")
	}
	for _, instr := range block.Instrs[:len(block.Instrs)-1] {
		if instr.IsTerminator() {
			return errors.Wrap(ErrMalformed, "%s is not at the end of the block", instr)
		}
	}
	for _, instr := range block.Instrs {
		if instr.Block != block {
			return errors.Wrap(ErrMalformed, "%s has the wrong block", instr)
		}
	}
	want := 0
	switch term.Op {
	case OpJump:
		want = 1
	case OpBranch:
		want = 2
		if len(term.Uses) != 1 {
			return errors.Wrap(ErrMalformed, "branch has %d operands", len(term.Uses))
		}
	}
	if len(block.Succs) != want {
		return errors.Wrap(ErrMalformed, "%s has %d successors", term.Op, len(block.Succs))
	}
	for i, succ := range block.Succs {
		if slices.Index(block.Succs, succ) != i {
			return errors.Wrap(ErrMalformed, "two edges to %s", succ)
		}
		if succ.PredIndex(block) < 0 {
			return errors.Wrap(ErrMalformed, "%s does not list this block as a predecessor", succ)
		}
	}
	for _, pred := range block.Preds {
		if !slices.Contains(pred.Succs, block) {
			return errors.Wrap(ErrMalformed, "%s does not list this block as a successor", pred)
		}
	}
	return nil
}

func verifyPhi(phi *PhiT, defined util.SetT[*ValueT]) error {
	block := phi.Block
	if len(phi.Operands) != len(block.Preds) {
		return errors.Wrap(ErrMalformed, "phi %s has %d operands for %d predecessors",
			phi.Result, len(phi.Operands), len(block.Preds))
	}
	seen := util.NewSet[*BlockT]()
	for _, operand := range phi.Operands {
		pred := operand.Pred
		if block.PredIndex(pred) < 0 {
			return errors.Wrap(ErrMalformed, "phi %s has an operand from %s, which is not a predecessor",
				phi.Result, pred)
		}
		if seen.Contains(pred) {
			return errors.Wrap(ErrMalformed, "phi %s has two operands from %s", phi.Result, pred)
		}
		seen.Add(pred)
		if pred.Order < 0 {
			return errors.Wrap(ErrMalformed, "phi %s has an operand from %s, which is unreachable",
				phi.Result, pred)
		}
		value := operand.Value
		if value == nil || !defined.Contains(value) {
			return errors.Wrap(ErrMalformed, "phi %s operand from %s has no definition", phi.Result, pred)
		}
		if !DefinitionReaches(value, pred, len(pred.Instrs)) {
			return errors.Wrap(ErrMalformed, "phi %s operand %s does not reach the end of %s",
				phi.Result, value, pred)
		}
	}
	return nil
}
