// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Run a function as a program, for testing.  Memory values are
// treated the same as register values, so spill code and copies are
// all identities and a function should compute the same results
// before and after register allocation.

package ir

import (
	"tlog.app/go/errors"
)

// Called to evaluate calls to other functions.
type CallHandlerT func(callee string, args []int64) ([]int64, error)

// Upper bound on the number of instructions executed, to catch
// runaway loops.
const MaxEvalSteps = 10_000_000

func Evaluate(f *FuncT, args []int64, calls CallHandlerT) ([]int64, error) {
	env := map[*ValueT]int64{}
	get := func(value *ValueT) (int64, error) {
		n, found := env[value]
		if !found {
			return 0, errors.Wrap(ErrEval, "%s: %s read before being set", f.Name, value)
		}
		return n, nil
	}
	operands := func(instr *InstrT) ([]int64, error) {
		result := make([]int64, len(instr.Uses))
		for i, use := range instr.Uses {
			if use.IsImmediate() {
				result[i] = use.Immediate
				continue
			}
			n, err := get(use.Value)
			if err != nil {
				return nil, err
			}
			result[i] = n
		}
		return result, nil
	}

	var prev *BlockT
	block := f.Entry()
	steps := 0
	for {
		// Phis read their operands in parallel.
		if prev != nil {
			incoming := make([]int64, len(block.Phis))
			for i, phi := range block.Phis {
				n, err := get(phi.OperandFrom(prev))
				if err != nil {
					return nil, err
				}
				incoming[i] = n
			}
			for i, phi := range block.Phis {
				env[phi.Result] = incoming[i]
			}
		}
		next := (*BlockT)(nil)
		for _, instr := range block.Instrs {
			steps += 1
			if MaxEvalSteps < steps {
				return nil, errors.Wrap(ErrEval, "%s: too many steps", f.Name)
			}
			inputs, err := operands(instr)
			if err != nil {
				return nil, err
			}
			var outputs []int64
			switch instr.Op {
			case OpReturn:
				return inputs, nil
			case OpJump:
				next = block.Succs[0]
			case OpBranch:
				if inputs[0] != 0 {
					next = block.Succs[0]
				} else {
					next = block.Succs[1]
				}
			case OpParam:
				if len(args) < len(instr.Defs) {
					return nil, errors.Wrap(ErrEval, "%s: wanted %d arguments, got %d",
						f.Name, len(instr.Defs), len(args))
				}
				outputs = args[:len(instr.Defs)]
			case OpCall:
				if calls == nil {
					return nil, errors.Wrap(ErrEval, "%s: no handler for call to %s", f.Name, instr.Callee)
				}
				outputs, err = calls(instr.Callee, inputs)
				if err != nil {
					return nil, errors.Wrap(err, "call %s", instr.Callee)
				}
			case OpCopy, OpParallelCopy, OpSpill, OpReload:
				outputs = inputs
			default:
				n, err := EvalOp(instr.Op, inputs)
				if err != nil {
					return nil, errors.Wrap(err, "%s: %s", f.Name, instr)
				}
				outputs = []int64{n}
			}
			if len(outputs) < len(instr.Defs) {
				return nil, errors.Wrap(ErrEval, "%s: %s produced %d results", f.Name, instr, len(outputs))
			}
			for i, def := range instr.Defs {
				env[def] = outputs[i]
			}
		}
		if next == nil {
			return nil, errors.Wrap(ErrEval, "%s: fell off the end of block %s", f.Name, block)
		}
		prev, block = block, next
	}
}
