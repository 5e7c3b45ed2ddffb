// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package reconstruct

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/s48/regalloc/front"
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
)

func parse(t *testing.T, text string) (*ir.FuncT, map[string]*ir.ValueT, map[string]*ir.BlockT) {
	t.Helper()
	funcs, err := front.ParseFuncs(text, target.Default())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := funcs[0]
	if err := ir.Verify(f); err != nil {
		t.Fatal(err)
	}
	values := map[string]*ir.ValueT{}
	for _, value := range f.Values {
		values[value.Name] = value
	}
	blocks := map[string]*ir.BlockT{}
	for _, block := range f.Blocks {
		blocks[block.Name] = block
	}
	return f, values, blocks
}

func evaluate(t *testing.T, f *ir.FuncT, args ...int64) []int64 {
	t.Helper()
	results, err := ir.Evaluate(f, args, nil)
	if err != nil {
		t.Fatalf("evaluate: %v\n%s", err, ir.FuncString(f))
	}
	return results
}

// x is reloaded on one branch only, so the join needs a phi.
func TestReloadOnOneBranch(t *testing.T) {
	f, v, b := parse(t, `
(func f
  (block entry
    (param (x c))
    (spill ($x.1) x)
    (br c l r))
  (block l
    (reload (x.2) x)
    (add (y) x 1)
    (jmp join))
  (block r (jmp join))
  (block join
    (phi z (l y) (r c))
    (add (w) z x)
    (ret w)))`)
	stats := Value(f, target.Default(), v["x"])
	if err := ir.Verify(f); err != nil {
		t.Fatalf("%v\n%s", err, ir.FuncString(f))
	}
	l, join := b["l"], b["join"]
	if l.Instrs[0].Uses[0].Value != v["x.1"] {
		t.Errorf("reload should read the spilled version: %s", l.Instrs[0])
	}
	if l.Instrs[1].Uses[0].Value != v["x.2"] {
		t.Errorf("add should use the reloaded version: %s", l.Instrs[1])
	}
	if stats.Phis != 1 || len(join.Phis) != 2 {
		t.Fatalf("expected one new phi, got %+v\n%s", stats, ir.FuncString(f))
	}
	phi := join.Phis[1]
	if phi.OperandFrom(l) != v["x.2"] || phi.OperandFrom(b["r"]) != v["x"] || phi.Result.Memory {
		t.Errorf("bad phi %s", phi)
	}
	if join.Instrs[0].Uses[1].Value != phi.Result {
		t.Errorf("join should use the phi: %s", join.Instrs[0])
	}
	if r := evaluate(t, f, 5, 1); r[0] != 11 {
		t.Errorf("f(5, 1) = %d", r[0])
	}
	if r := evaluate(t, f, 5, 0); r[0] != 5 {
		t.Errorf("f(5, 0) = %d", r[0])
	}
}

// Fourteen other values are live into the join, so there is no room
// for x's phi in a register.
func TestSaturatedJoin(t *testing.T) {
	var text strings.Builder
	text.WriteString("(func f\n  (block entry\n    (param (c))\n    (li (x) 7)\n    (spill ($x.1) x)\n")
	for i := 1; i <= 14; i++ {
		fmt.Fprintf(&text, "    (li (v%d) %d)\n", i, i)
	}
	text.WriteString("    (br c l r))\n")
	text.WriteString("  (block l (reload (x.2) x.1) (jmp join))\n")
	text.WriteString("  (block r (reload (x.3) x.1) (jmp join))\n")
	text.WriteString("  (block join\n    (add (s) x v1)\n    (ret s")
	for i := 2; i <= 14; i++ {
		fmt.Fprintf(&text, " v%d", i)
	}
	text.WriteString(")))")

	f, v, b := parse(t, text.String())
	before := evaluate(t, f, 1)
	stats := Value(f, target.Default(), v["x"])
	if err := ir.Verify(f); err != nil {
		t.Fatalf("%v\n%s", err, ir.FuncString(f))
	}
	join := b["join"]
	if stats.MemoryPhis != 1 || stats.Phis != 0 || len(join.Phis) != 1 {
		t.Fatalf("expected a memory phi, got %+v\n%s", stats, ir.FuncString(f))
	}
	phi := join.Phis[0]
	if !phi.Result.Memory || phi.OperandFrom(b["l"]) != v["x.1"] || phi.OperandFrom(b["r"]) != v["x.1"] {
		t.Errorf("bad memory phi %s", phi)
	}
	reload := join.Instrs[0]
	if reload.Op != ir.OpReload || reload.Uses[0].Value != phi.Result || stats.Reloads != 1 {
		t.Fatalf("the use should reload from the phi\n%s", ir.FuncString(f))
	}
	if join.Instrs[1].Uses[0].Value != reload.Defs[0] {
		t.Errorf("add should use the reload: %s", join.Instrs[1])
	}
	if after := evaluate(t, f, 1); !slices.Equal(before, after) {
		t.Errorf("results changed from %v to %v", before, after)
	}
}

// A spill whose only version reaching the loop is in a register.
func TestLoopPhi(t *testing.T) {
	f, v, b := parse(t, `
(func f
  (block entry
    (param (n x))
    (jmp head))
  (block head
    (phi i (entry n) (body i2))
    (gt (more) i 0)
    (br more body done))
  (block body
    (spill ($x.1) x)
    (reload (x.2) x.1)
    (sub (i2) i x)
    (jmp head))
  (block done
    (add (r) i x)
    (ret r)))`)
	before := evaluate(t, f, 10, 3)
	Value(f, target.Default(), v["x"])
	if err := ir.Verify(f); err != nil {
		t.Fatalf("%v\n%s", err, ir.FuncString(f))
	}
	head := b["head"]
	if len(head.Phis) != 2 {
		t.Fatalf("expected a phi for x at the loop head\n%s", ir.FuncString(f))
	}
	phi := head.Phis[1]
	if phi.OperandFrom(b["entry"]) != v["x"] || phi.OperandFrom(b["body"]) != v["x.2"] {
		t.Errorf("bad loop phi %s", phi)
	}
	if b["body"].Instrs[0].Uses[0].Value != phi.Result || b["done"].Instrs[0].Uses[1].Value != phi.Result {
		t.Errorf("uses should see the loop phi\n%s", ir.FuncString(f))
	}
	if after := evaluate(t, f, 10, 3); !slices.Equal(before, after) {
		t.Errorf("results changed from %v to %v", before, after)
	}
}

func TestRemoveDeadPhis(t *testing.T) {
	f, _, b := parse(t, `
(func fact
  (block entry
    (param (n))
    (li (one) 1)
    (jmp head))
  (block head
    (phi i (entry n) (body i2))
    (phi acc (entry one) (body acc2))
    (phi n.1 (entry n) (body n.1))
    (phi n.2 (entry n) (body n.3))
    (gt (more) i 0)
    (br more body done))
  (block body
    (phi n.3 (head n.2))
    (mul (acc2) acc i)
    (sub (i2) i 1)
    (jmp head))
  (block done
    (ret acc)))`)
	if removed := RemoveDeadPhis(f); removed != 3 {
		t.Errorf("removed %d phis\n%s", removed, ir.FuncString(f))
	}
	if len(b["head"].Phis) != 2 || len(b["body"].Phis) != 0 {
		t.Errorf("wrong phis left\n%s", ir.FuncString(f))
	}
	if err := ir.Verify(f); err != nil {
		t.Fatal(err)
	}
	if r := evaluate(t, f, 5); r[0] != 120 {
		t.Errorf("fact(5) = %d", r[0])
	}
}
