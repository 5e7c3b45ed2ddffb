// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// The arithmetic operations the evaluators know about.  The allocator
// itself treats operations other than the control and copy ones as
// opaque; only their target constraints matter.

package ir

import (
	"tlog.app/go/errors"
)

var ErrEval = errors.New("evaluation failed")

type opT struct {
	arity int
	eval  func(args []int64) (int64, error)
}

func binary(f func(x, y int64) int64) opT {
	return opT{2, func(args []int64) (int64, error) { return f(args[0], args[1]), nil }}
}

func compare(f func(x, y int64) bool) opT {
	return binary(func(x, y int64) int64 {
		if f(x, y) {
			return 1
		}
		return 0
	})
}

func division(f func(x, y int64) int64) opT {
	return opT{2, func(args []int64) (int64, error) {
		if args[1] == 0 {
			return 0, errors.Wrap(ErrEval, "division by zero")
		}
		return f(args[0], args[1]), nil
	}}
}

var ops = map[string]opT{
	OpLoadImmediate: {1, func(args []int64) (int64, error) { return args[0], nil }},
	"neg":           {1, func(args []int64) (int64, error) { return -args[0], nil }},
	"not":           {1, func(args []int64) (int64, error) { return ^args[0], nil }},
	"add":           binary(func(x, y int64) int64 { return x + y }),
	"sub":           binary(func(x, y int64) int64 { return x - y }),
	"mul":           binary(func(x, y int64) int64 { return x * y }),
	"and":           binary(func(x, y int64) int64 { return x & y }),
	"or":            binary(func(x, y int64) int64 { return x | y }),
	"xor":           binary(func(x, y int64) int64 { return x ^ y }),
	"shl":           binary(func(x, y int64) int64 { return x << (y & 63) }),
	"shr":           binary(func(x, y int64) int64 { return int64(uint64(x) >> (y & 63)) }),
	"sar":           binary(func(x, y int64) int64 { return x >> (y & 63) }),
	"div":           division(func(x, y int64) int64 { return x / y }),
	"rem":           division(func(x, y int64) int64 { return x % y }),
	"udiv":          division(func(x, y int64) int64 { return int64(uint64(x) / uint64(y)) }),
	"eq":            compare(func(x, y int64) bool { return x == y }),
	"ne":            compare(func(x, y int64) bool { return x != y }),
	"lt":            compare(func(x, y int64) bool { return x < y }),
	"le":            compare(func(x, y int64) bool { return x <= y }),
	"gt":            compare(func(x, y int64) bool { return x > y }),
	"ge":            compare(func(x, y int64) bool { return x >= y }),
}

// Applies the single-result operation 'op' to 'args'.
func EvalOp(op string, args []int64) (int64, error) {
	spec, found := ops[op]
	if !found {
		return 0, errors.Wrap(ErrEval, "no evaluator for %q", op)
	}
	if len(args) != spec.arity {
		return 0, errors.Wrap(ErrEval, "%s wants %d operands, got %d", op, spec.arity, len(args))
	}
	return spec.eval(args)
}
