// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Running lowered code on a simulated machine.  Registers and slots
// hold the values, so a wrong allocation shows up as a wrong answer
// or as reading a location that was never written.  Registers an
// instruction clobbers are poisoned and reading one before it is
// written again is an error.

package regalloc

import (
	"github.com/s48/regalloc/ir"
	"tlog.app/go/errors"
)

type machineEnvT struct {
	name     string
	values   map[ir.LocationT]int64
	poisoned map[ir.LocationT]bool
	stack    []int64
}

func (env *machineEnvT) get(operand MachineOperandT) (int64, error) {
	loc := operand.Loc
	if loc.IsNone() {
		return operand.Immediate, nil
	}
	if env.poisoned[loc] {
		return 0, errors.Wrap(ir.ErrEval, "%s: %s read after being clobbered", env.name, loc)
	}
	n, found := env.values[loc]
	if !found {
		return 0, errors.Wrap(ir.ErrEval, "%s: %s read before being set", env.name, loc)
	}
	return n, nil
}

func (env *machineEnvT) set(loc ir.LocationT, n int64) {
	delete(env.poisoned, loc)
	env.values[loc] = n
}

func (env *machineEnvT) clobber(instr *MachineInstrT, early bool) {
	if instr.Constraint == nil {
		return
	}
	regs := instr.Constraint.LateClobbers
	if early {
		regs = instr.Constraint.EarlyClobbers
	}
	for _, reg := range regs {
		env.poisoned[ir.RegisterLocation(reg)] = true
	}
}

func EvaluateMachine(mf *MachineFuncT, args []int64, calls ir.CallHandlerT) ([]int64, error) {
	env := &machineEnvT{
		name:     mf.Name,
		values:   map[ir.LocationT]int64{},
		poisoned: map[ir.LocationT]bool{},
	}
	block := mf.Blocks[0]
	steps := 0
	for {
		var next *MachineBlockT
		for _, instr := range block.Instrs {
			steps += 1
			if ir.MaxEvalSteps < steps {
				return nil, errors.Wrap(ir.ErrEval, "%s: too many steps", mf.Name)
			}
			env.clobber(instr, true)
			inputs := make([]int64, len(instr.Uses))
			for i, use := range instr.Uses {
				n, err := env.get(use)
				if err != nil {
					return nil, errors.Wrap(err, "%s", instr.Op)
				}
				inputs[i] = n
			}
			var outputs []int64
			switch instr.Op {
			case OpMove:
				outputs = inputs
			case OpPush:
				env.stack = append(env.stack, inputs[0])
			case OpPop:
				if len(env.stack) == 0 {
					return nil, errors.Wrap(ir.ErrEval, "%s: pop from an empty stack", mf.Name)
				}
				outputs = []int64{env.stack[len(env.stack)-1]}
				env.stack = env.stack[:len(env.stack)-1]
			case ir.OpReturn:
				return inputs, nil
			case ir.OpJump:
				next = block.Succs[0]
			case ir.OpBranch:
				if inputs[0] != 0 {
					next = block.Succs[0]
				} else {
					next = block.Succs[1]
				}
			case ir.OpParam:
				if len(args) < len(instr.Defs) {
					return nil, errors.Wrap(ir.ErrEval, "%s: wanted %d arguments, got %d",
						mf.Name, len(instr.Defs), len(args))
				}
				outputs = args[:len(instr.Defs)]
			case ir.OpCall:
				if calls == nil {
					return nil, errors.Wrap(ir.ErrEval, "%s: no handler for call to %s", mf.Name, instr.Callee)
				}
				results, err := calls(instr.Callee, inputs)
				if err != nil {
					return nil, errors.Wrap(err, "call %s", instr.Callee)
				}
				outputs = results
			default:
				n, err := ir.EvalOp(instr.Op, inputs)
				if err != nil {
					return nil, errors.Wrap(err, "%s", mf.Name)
				}
				outputs = []int64{n}
			}
			env.clobber(instr, false)
			if len(outputs) < len(instr.Defs) {
				return nil, errors.Wrap(ir.ErrEval, "%s: %s produced %d results", mf.Name, instr.Op, len(outputs))
			}
			for i, def := range instr.Defs {
				env.set(def, outputs[i])
			}
		}
		if next == nil {
			return nil, errors.Wrap(ir.ErrEval, "%s: fell off the end of block %s", mf.Name, block.Name)
		}
		block = next
	}
}
