// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package spill

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/s48/regalloc/front"
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
	"tlog.app/go/errors"
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

func returnZero(callee string, args []int64) ([]int64, error) {
	return []int64{0}, nil
}

func evaluate(t *testing.T, f *ir.FuncT, args ...int64) []int64 {
	t.Helper()
	results, err := ir.Evaluate(f, args, returnZero)
	if err != nil {
		t.Fatalf("evaluate: %v\n%s", err, ir.FuncString(f))
	}
	return results
}

func spill(t *testing.T, f *ir.FuncT) StatsT {
	t.Helper()
	stats, err := Spill(f, target.Default())
	if err != nil {
		t.Fatalf("spill: %v\n%s", err, ir.FuncString(f))
	}
	if err := ir.Verify(f); err != nil {
		t.Fatalf("%v\n%s", err, ir.FuncString(f))
	}
	return stats
}

func count(block *ir.BlockT, op string) int {
	n := 0
	for _, instr := range block.Instrs {
		if instr.Op == op {
			n += 1
		}
	}
	return n
}

// Thirteen values and a condition fill the registers.  One branch
// divides, which needs rdx as well, so one value has to go.
func TestSpillForDivide(t *testing.T) {
	var text strings.Builder
	text.WriteString("(func f\n  (block entry\n    (param (c))\n")
	for i := 1; i <= 13; i++ {
		fmt.Fprintf(&text, "    (li (v%d) %d)\n", i, i)
	}
	text.WriteString("    (br c a b))\n")
	text.WriteString("  (block a (li (t) 7) (div (q) v1 t) (jmp join))\n")
	text.WriteString("  (block b (add (q2) v1 1) (jmp join))\n")
	text.WriteString("  (block join\n    (phi r (a q) (b q2))\n    (add (s1) r v2)\n")
	for i := 3; i <= 13; i++ {
		fmt.Fprintf(&text, "    (add (s%d) s%d v%d)\n", i-1, i-2, i)
	}
	text.WriteString("    (ret s12)))")

	f, v, b := parse(t, text.String())
	before := [][]int64{evaluate(t, f, 0), evaluate(t, f, 1)}
	stats := spill(t, f)
	if stats.Spills != 1 || stats.Reloads != 1 {
		t.Fatalf("expected one spill and one reload, got %+v\n%s", stats, ir.FuncString(f))
	}
	if count(b["a"], ir.OpSpill) != 1 || count(b["b"], ir.OpSpill) != 0 || count(b["entry"], ir.OpSpill) != 0 {
		t.Errorf("the spill belongs on the dividing branch\n%s", ir.FuncString(f))
	}
	for _, instr := range b["a"].Instrs {
		if instr.Op == ir.OpSpill && instr.Uses[0].Value != v["v13"] {
			t.Errorf("v13 has the furthest use, spilled %s", instr.Uses[0].Value)
		}
	}
	if count(b["b"], ir.OpReload) != 0 {
		t.Errorf("nothing to reload on the other branch\n%s", ir.FuncString(f))
	}
	after := [][]int64{evaluate(t, f, 0), evaluate(t, f, 1)}
	if !slices.Equal(before[0], after[0]) || !slices.Equal(before[1], after[1]) {
		t.Errorf("results changed from %v to %v", before, after)
	}
	if again := spill(t, f); again.Changed() {
		t.Errorf("second pass changed things: %+v\n%s", again, ir.FuncString(f))
	}
}

// x is evicted on both branches, at different points.  The two
// stores meet at a memory phi and the use after the join reloads
// from it.
func TestDoubleMemory(t *testing.T) {
	var text strings.Builder
	text.WriteString("(func f\n  (block entry\n    (param (c))\n    (li (x) 100)\n")
	for i := 1; i <= 12; i++ {
		fmt.Fprintf(&text, "    (li (v%d) %d)\n", i, i)
	}
	text.WriteString("    (br c a b))\n")
	text.WriteString("  (block a (li (p1) 1) (li (p2) 2) (add (p3) p1 p2) (jmp join))\n")
	text.WriteString("  (block b (add (q1) v1 v2) (li (q2) 5) (add (q3) q1 q2) (jmp join))\n")
	text.WriteString("  (block join\n    (phi r (a p3) (b q3))\n    (add (s1) r v1)\n")
	for i := 2; i <= 12; i++ {
		fmt.Fprintf(&text, "    (add (s%d) s%d v%d)\n", i, i-1, i)
	}
	text.WriteString("    (add (s13) s12 x)\n    (ret s13)))")

	f, v, b := parse(t, text.String())
	before := [][]int64{evaluate(t, f, 0), evaluate(t, f, 1)}
	stats := spill(t, f)
	if stats.Spills != 2 || stats.Reloads != 1 || stats.Reconstruct.MemoryPhis != 1 {
		t.Fatalf("expected two spills, one reload and one memory phi, got %+v\n%s", stats, ir.FuncString(f))
	}
	stores := map[*ir.BlockT]*ir.ValueT{}
	for _, block := range []*ir.BlockT{b["a"], b["b"]} {
		for _, instr := range block.Instrs {
			if instr.Op == ir.OpSpill {
				if instr.Uses[0].Value != v["x"] {
					t.Errorf("spilled %s instead of x", instr.Uses[0].Value)
				}
				stores[block] = instr.Defs[0]
			}
		}
	}
	join := b["join"]
	var phi *ir.PhiT
	for _, candidate := range join.Phis {
		if candidate.Result.Memory {
			phi = candidate
		}
	}
	if phi == nil || phi.Result.Original() != v["x"] {
		t.Fatalf("no memory phi for x\n%s", ir.FuncString(f))
	}
	if phi.OperandFrom(b["a"]) != stores[b["a"]] || phi.OperandFrom(b["b"]) != stores[b["b"]] {
		t.Errorf("memory phi should join the two stores: %s", phi)
	}
	reloads := 0
	for _, instr := range join.Instrs {
		if instr.Op == ir.OpReload {
			reloads += 1
			if instr.Uses[0].Value != phi.Result {
				t.Errorf("reload should read the memory phi: %s", instr)
			}
		}
	}
	if reloads != 1 {
		t.Errorf("expected one reload in the join\n%s", ir.FuncString(f))
	}
	after := [][]int64{evaluate(t, f, 0), evaluate(t, f, 1)}
	if !slices.Equal(before[0], after[0]) || !slices.Equal(before[1], after[1]) {
		t.Errorf("results changed from %v to %v", before, after)
	}
}

// Six values live across a call leave one more than there are
// callee-saved registers.
func TestCallCrossing(t *testing.T) {
	f, v, _ := parse(t, `
(func f
  (block entry
    (param (a b c d e g))
    (call (r) h)
    (add (s1) r a)
    (add (s2) s1 b)
    (add (s3) s2 c)
    (add (s4) s3 d)
    (add (s5) s4 e)
    (add (s6) s5 g)
    (ret s6)))`)
	before := evaluate(t, f, 1, 2, 3, 4, 5, 6)
	stats := spill(t, f)
	if stats.Spills != 1 || stats.Reloads != 1 {
		t.Fatalf("expected one spill and one reload, got %+v\n%s", stats, ir.FuncString(f))
	}
	entry := f.Entry()
	call := slices.IndexFunc(entry.Instrs, func(instr *ir.InstrT) bool { return instr.Op == ir.OpCall })
	if entry.Instrs[call-1].Op != ir.OpSpill || entry.Instrs[call-1].Uses[0].Value != v["g"] {
		t.Errorf("g should be stored before the call\n%s", ir.FuncString(f))
	}
	if after := evaluate(t, f, 1, 2, 3, 4, 5, 6); !slices.Equal(before, after) {
		t.Errorf("results changed from %v to %v", before, after)
	}
}

// The call in the loop leaves room for only four of the six values
// that are live through the loop.  The other two are stored before
// the loop and reloaded after it.
func TestLoopThrough(t *testing.T) {
	var text strings.Builder
	text.WriteString("(func f\n  (block entry\n    (param (n))\n")
	for i := 1; i <= 6; i++ {
		fmt.Fprintf(&text, "    (li (a%d) %d)\n", i, i)
	}
	text.WriteString(`    (jmp head))
  (block head
    (phi i (entry n) (body i2))
    (gt (more) i 0)
    (br more body done))
  (block body
    (call (r) g i)
    (sub (i2) i 1)
    (jmp head))
  (block done
    (add (s1) a1 a2)
`)
	for i := 3; i <= 6; i++ {
		fmt.Fprintf(&text, "    (add (s%d) s%d a%d)\n", i-1, i-2, i)
	}
	text.WriteString("    (ret s5)))")

	f, v, b := parse(t, text.String())
	before := evaluate(t, f, 3)
	stats := spill(t, f)
	if stats.Spills != 2 || stats.Reloads != 2 {
		t.Fatalf("expected two spills and two reloads, got %+v\n%s", stats, ir.FuncString(f))
	}
	for _, name := range []string{"head", "body"} {
		block := b[name]
		if count(block, ir.OpSpill) != 0 || count(block, ir.OpReload) != 0 {
			t.Errorf("spill code in the loop\n%s", ir.FuncString(f))
		}
	}
	spilled := []*ir.ValueT{}
	for _, instr := range f.Entry().Instrs {
		if instr.Op == ir.OpSpill {
			spilled = append(spilled, instr.Uses[0].Value)
		}
	}
	if len(spilled) != 2 || !slices.Contains(spilled, v["a5"]) || !slices.Contains(spilled, v["a6"]) {
		t.Errorf("expected a5 and a6 to be stored, got %v", spilled)
	}
	if count(b["done"], ir.OpReload) != 2 {
		t.Errorf("expected the reloads after the loop\n%s", ir.FuncString(f))
	}
	if after := evaluate(t, f, 3); !slices.Equal(before, after) {
		t.Errorf("results changed from %v to %v", before, after)
	}
}

func TestDemandError(t *testing.T) {
	var text strings.Builder
	text.WriteString("(func f\n  (block entry\n")
	for i := 1; i <= 15; i++ {
		fmt.Fprintf(&text, "    (li (v%d) %d)\n", i, i)
	}
	text.WriteString("    (sum (s)")
	for i := 1; i <= 15; i++ {
		fmt.Fprintf(&text, " v%d", i)
	}
	text.WriteString(")\n    (ret s)))")
	f, _, _ := parse(t, text.String())
	_, err := Spill(f, target.Default())
	if !errors.Is(err, ErrDemand) {
		t.Errorf("expected a demand error, got %v", err)
	}
}

func TestEverywhere(t *testing.T) {
	f, v, b := parse(t, `
(func f
  (block entry
    (param (x c))
    (add (y) x 1)
    (br c l r))
  (block l
    (add (z) x y)
    (jmp join))
  (block r (jmp join))
  (block join
    (phi w (l z) (r x))
    (ret w)))`)
	before := [][]int64{evaluate(t, f, 5, 0), evaluate(t, f, 5, 1)}
	stats := Everywhere(f, target.Default(), v["x"])
	if err := ir.Verify(f); err != nil {
		t.Fatalf("%v\n%s", err, ir.FuncString(f))
	}
	if stats.Spills != 1 || stats.Reloads != 3 {
		t.Errorf("expected one spill and three reloads, got %+v", stats)
	}
	entry := f.Entry()
	if entry.Instrs[1].Op != ir.OpSpill || entry.Instrs[1].Uses[0].Value != v["x"] {
		t.Errorf("x should be stored right after its definition\n%s", ir.FuncString(f))
	}
	for _, block := range f.Blocks {
		for _, instr := range block.Instrs {
			if instr.Op != ir.OpSpill && instr.UsesValue(v["x"]) {
				t.Errorf("%s still uses x", instr)
			}
		}
	}
	operand := b["join"].Phis[0].OperandFrom(b["r"])
	if operand == v["x"] || operand.Original() != v["x"] || operand.Def.Op != ir.OpReload {
		t.Errorf("phi operand should be reloaded: %s", b["join"].Phis[0])
	}
	after := [][]int64{evaluate(t, f, 5, 0), evaluate(t, f, 5, 1)}
	if !slices.Equal(before[0], after[0]) || !slices.Equal(before[1], after[1]) {
		t.Errorf("results changed from %v to %v", before, after)
	}
}
