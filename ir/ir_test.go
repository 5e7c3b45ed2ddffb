// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package ir_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/s48/regalloc/front"
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
	"tlog.app/go/errors"
)

const diamond = `
(func diamond
  (block entry
    (param (a b))
    (lt (c) a b)
    (br c then else))
  (block then
    (add (x) a 1)
    (jmp join))
  (block else
    (sub (y) a b)
    (jmp join))
  (block join
    (phi z (then x) (else y))
    (ret z)))`

const fact = `
(func fact
  (block entry
    (param (n))
    (li (one) 1)
    (jmp head))
  (block head
    (phi i (entry n) (body i2))
    (phi acc (entry one) (body acc2))
    (gt (more) i 0)
    (br more body done))
  (block body
    (mul (acc2) acc i)
    (sub (i2) i 1)
    (jmp head))
  (block done
    (ret acc)))`

func parse(t *testing.T, text string) *ir.FuncT {
	t.Helper()
	funcs, err := front.ParseFuncs(text, target.Default())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return funcs[0]
}

func block(f *ir.FuncT, name string) *ir.BlockT {
	for _, b := range f.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

func TestDominance(t *testing.T) {
	f := parse(t, diamond)
	if err := ir.Verify(f); err != nil {
		t.Fatal(err)
	}
	entry, then, join := block(f, "entry"), block(f, "then"), block(f, "join")
	if then.Dominator != entry || join.Dominator != entry {
		t.Errorf("dominators: then %v join %v", then.Dominator, join.Dominator)
	}
	if !then.Frontier.Contains(join) || len(then.Frontier) != 1 {
		t.Errorf("then frontier %v", then.Frontier.Members())
	}
	if len(entry.Frontier) != 0 {
		t.Errorf("entry frontier %v", entry.Frontier.Members())
	}
	idf := ir.IteratedFrontier([]*ir.BlockT{then})
	if !idf.Equal(ir.IteratedFrontier([]*ir.BlockT{block(f, "else")})) || !idf.Contains(join) {
		t.Errorf("iterated frontier %v", idf.Members())
	}
	order := ir.DominatorPreorder(f)
	if order[0] != entry || len(order) != 4 {
		t.Errorf("dominator preorder %v", order)
	}
}

func TestLoops(t *testing.T) {
	f := parse(t, fact)
	if err := ir.Verify(f); err != nil {
		t.Fatal(err)
	}
	loops := ir.FindLoops(f)
	head, body, done := block(f, "head"), block(f, "body"), block(f, "done")
	if len(loops) != 1 || loops[0].Header != head {
		t.Fatalf("expected one loop at head, got %d", len(loops))
	}
	if !loops[0].Blocks.Contains(body) || loops[0].Blocks.Contains(done) {
		t.Errorf("loop blocks %v", loops[0].Blocks.Members())
	}
	if head.LoopDepth != 1 || body.LoopDepth != 1 || done.LoopDepth != 0 {
		t.Errorf("loop depths %d %d %d", head.LoopDepth, body.LoopDepth, done.LoopDepth)
	}
	if !ir.IsLoopExit(head, done) || ir.IsLoopExit(body, head) || ir.IsLoopExit(block(f, "entry"), head) {
		t.Errorf("wrong loop exits")
	}
	if !head.Frontier.Contains(head) || !body.Frontier.Contains(head) {
		t.Errorf("loop frontiers %v %v", head.Frontier.Members(), body.Frontier.Members())
	}
}

func TestNestedLoops(t *testing.T) {
	f := parse(t, `
(func nested
  (block entry (param (n)) (jmp outer))
  (block outer
    (phi i (entry n) (latch i2))
    (jmp inner))
  (block inner
    (phi j (outer i) (inner j2))
    (sub (j2) j 1)
    (gt (again) j2 0)
    (br again inner latch))
  (block latch
    (sub (i2) i 1)
    (gt (more) i2 0)
    (br more outer exit))
  (block exit (ret i2)))`)
	if err := ir.Verify(f); err != nil {
		t.Fatal(err)
	}
	loops := ir.FindLoops(f)
	if len(loops) != 2 {
		t.Fatalf("expected two loops, got %d", len(loops))
	}
	inner := block(f, "inner")
	if inner.LoopDepth != 2 || inner.Loop.Parent != block(f, "outer").Loop {
		t.Errorf("inner loop depth %d", inner.LoopDepth)
	}
	if !ir.IsLoopExit(inner, block(f, "latch")) || ir.IsLoopExit(block(f, "outer"), inner) {
		t.Errorf("wrong loop exits")
	}
}

func TestSplitCriticalEdges(t *testing.T) {
	f := parse(t, `
(func skip
  (block entry
    (param (a))
    (br a then join))
  (block then
    (add (b) a a)
    (jmp join))
  (block join
    (phi c (entry a) (then b))
    (ret c)))`)
	if !ir.SplitCriticalEdges(f) {
		t.Fatal("no edge was split")
	}
	if err := ir.Verify(f); err != nil {
		t.Fatal(err)
	}
	join := block(f, "join")
	split := block(f, "entry_join")
	if split == nil || !slices.Contains(join.Preds, split) {
		t.Fatalf("missing split block")
	}
	phi := join.Phis[0]
	if phi.OperandFrom(split) == nil || phi.OperandFrom(block(f, "entry")) != nil {
		t.Errorf("phi operands not moved: %s", phi)
	}
	results, err := ir.Evaluate(f, []int64{3}, nil)
	if err != nil || results[0] != 6 {
		t.Errorf("evaluate: %v %v", results, err)
	}
	if ir.SplitCriticalEdges(f) {
		t.Errorf("second split changed something")
	}
}

func TestVerifyRejects(t *testing.T) {
	cases := map[string]string{
		"missing phi operand": `
(func f
  (block entry (param (a)) (br a l r))
  (block l (jmp join))
  (block r (jmp join))
  (block join (phi x (l a)) (ret x)))`,
		"operand from a non-predecessor": `
(func f
  (block entry (param (a)) (br a l r))
  (block l (jmp join))
  (block r (jmp join))
  (block join (phi x (l a) (entry a)) (ret x)))`,
		"operand from an unreachable block": `
(func f
  (block entry (param (a)) (jmp join))
  (block dead (li (b) 1) (jmp join))
  (block join (phi x (entry a) (dead b)) (ret x)))`,
		"use not dominated by its definition": `
(func f
  (block entry (param (a)) (br a l r))
  (block l (li (b) 1) (jmp join))
  (block r (jmp join))
  (block join (ret b)))`,
		"missing terminator": `
(func f
  (block entry (param (a))))`,
	}
	for name, text := range cases {
		f := parse(t, text)
		err := ir.Verify(f)
		if !errors.Is(err, ir.ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestUndefinedValue(t *testing.T) {
	_, err := front.ParseFuncs(`(func f (block entry (ret nothing)))`, target.Default())
	if !errors.Is(err, ir.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestEvaluate(t *testing.T) {
	f := parse(t, fact)
	for _, c := range []struct{ n, want int64 }{{0, 1}, {1, 1}, {5, 120}, {10, 3628800}} {
		results, err := ir.Evaluate(f, []int64{c.n}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if results[0] != c.want {
			t.Errorf("fact(%d) = %d, wanted %d", c.n, results[0], c.want)
		}
	}
	d := parse(t, diamond)
	for _, c := range []struct{ a, b, want int64 }{{1, 2, 2}, {5, 2, 3}} {
		results, err := ir.Evaluate(d, []int64{c.a, c.b}, nil)
		if err != nil || results[0] != c.want {
			t.Errorf("diamond(%d, %d) = %v %v, wanted %d", c.a, c.b, results, err, c.want)
		}
	}
}

func TestPrintReparse(t *testing.T) {
	f := parse(t, fact)
	v := f.NewVersion(f.Values[0], true)
	v.Pin = ir.SlotLocation(2)
	entry := f.Entry()
	entry.AppendBeforeTerminator(f.NewInstr(ir.OpSpill, []*ir.ValueT{v}, ir.ValueOperand(f.Values[0])))
	text := ir.FuncString(f)
	if !strings.Contains(text, "(spill ($n.1@slot2) n)") {
		t.Errorf("spill not printed:\n%s", text)
	}
	g := parse(t, text)
	if err := ir.Verify(g); err != nil {
		t.Fatalf("%v\n%s", err, text)
	}
	if again := ir.FuncString(g); again != text {
		t.Errorf("printed differently:\n%s\n%s", text, again)
	}
}
