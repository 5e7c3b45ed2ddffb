// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package liveness

import (
	"testing"

	"github.com/s48/regalloc/front"
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
)

func parse(t *testing.T, text string) *ir.FuncT {
	t.Helper()
	funcs, err := front.ParseFuncs(text, target.Default())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := ir.Verify(funcs[0]); err != nil {
		t.Fatal(err)
	}
	return funcs[0]
}

func lookup(f *ir.FuncT, name string) (*ir.BlockT, *ir.ValueT) {
	var block *ir.BlockT
	var value *ir.ValueT
	for _, b := range f.Blocks {
		if b.Name == name {
			block = b
		}
	}
	for _, v := range f.Values {
		if v.Name == name {
			value = v
		}
	}
	return block, value
}

func names(set SetT) []string {
	result := []string{}
	for _, value := range set.Members() {
		result = append(result, value.Name)
	}
	return result
}

func sameNames(set SetT, want ...string) bool {
	if len(set) != len(want) {
		return false
	}
	for _, value := range set.Members() {
		found := false
		for _, name := range want {
			found = found || value.Name == name
		}
		if !found {
			return false
		}
	}
	return true
}

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

func TestDiamond(t *testing.T) {
	f := parse(t, diamond)
	info := Analyze(f)
	entry, _ := lookup(f, "entry")
	then, _ := lookup(f, "then")
	join, _ := lookup(f, "join")
	_, a := lookup(f, "a")
	_, b := lookup(f, "b")
	_, x := lookup(f, "x")
	_, y := lookup(f, "y")
	_, z := lookup(f, "z")

	if !sameNames(info.LiveOut(entry), "a", "b") {
		t.Errorf("live out of entry %v", names(info.LiveOut(entry)))
	}
	if !sameNames(info.LiveIn(then), "a") {
		t.Errorf("live into then %v", names(info.LiveIn(then)))
	}
	if !sameNames(info.LiveOut(then), "x") {
		t.Errorf("live out of then %v", names(info.LiveOut(then)))
	}
	if !sameNames(info.LiveIn(join), "z") || info.LiveIn(join).Contains(x) {
		t.Errorf("live into join %v", names(info.LiveIn(join)))
	}
	if !info.Dies(then, 0, a) || info.IsLiveAfter(then, 0, a) {
		t.Errorf("a should die in then")
	}
	if !info.Interferes(a, b) {
		t.Errorf("a and b should interfere")
	}
	if info.Interferes(x, y) || info.Interferes(a, x) || info.Interferes(x, z) {
		t.Errorf("unexpected interference")
	}
	add := then.Instrs[0]
	if !sameNames(info.LiveBefore(add), "a") || !sameNames(info.LiveThrough(add)) {
		t.Errorf("around add: before %v through %v",
			names(info.LiveBefore(add)), names(info.LiveThrough(add)))
	}
	if info.Range(x).Contains(info.EarlyPoint(add)) || !info.Range(a).Contains(info.EarlyPoint(add)) {
		t.Errorf("x %s a %s", info.Range(x), info.Range(a))
	}
}

func TestLoop(t *testing.T) {
	f := parse(t, `
(func count
  (block entry (param (n x)) (jmp head))
  (block head
    (phi i (entry n) (head i2))
    (sub (i2) i 1)
    (br i2 head done))
  (block done (ret x)))`)
	ir.FindLoops(f)
	info := Analyze(f)
	entry, _ := lookup(f, "entry")
	head, _ := lookup(f, "head")
	_, x := lookup(f, "x")
	_, i2 := lookup(f, "i2")
	_, i := lookup(f, "i")
	_, n := lookup(f, "n")

	if !sameNames(info.LiveIn(head), "i", "x") {
		t.Errorf("live into head %v", names(info.LiveIn(head)))
	}
	if !sameNames(info.LiveOut(head), "i2", "x") {
		t.Errorf("live out of head %v", names(info.LiveOut(head)))
	}
	if !sameNames(info.LiveOut(entry), "n", "x") {
		t.Errorf("live out of entry %v", names(info.LiveOut(entry)))
	}
	// x is live throughout the loop.
	if !info.Interferes(x, i) || !info.Interferes(x, i2) || info.Interferes(i, i2) {
		t.Errorf("wrong loop interference")
	}
	if info.Interferes(n, i) {
		t.Errorf("phi operand should not overlap its result")
	}

	nu := NextUses(f, info)
	if nu.AtExit(head, i2) != 0 {
		t.Errorf("phi operand distance %d", nu.AtExit(head, i2))
	}
	if nu.AtExit(head, x) != LoopExitPenalty {
		t.Errorf("x at exit of head %d", nu.AtExit(head, x))
	}
	if nu.AtEntry(head, x) != 2+LoopExitPenalty || nu.AtExit(entry, x) != 2+LoopExitPenalty {
		t.Errorf("x at entry of head %d", nu.AtEntry(head, x))
	}
	if nu.AtEntry(head, i) != 0 || nu.After(head, 0, i2) != 1 {
		t.Errorf("i at entry %d, i2 after sub %d", nu.AtEntry(head, i), nu.After(head, 0, i2))
	}
	if nu.AtExit(head, i) != Infinity {
		t.Errorf("i is dead at the end of head")
	}
}

func TestRanges(t *testing.T) {
	x := &RangeT{}
	x.Add(IntervalT{0, 2})
	x.Add(IntervalT{2, 4})
	x.Add(IntervalT{8, 10})
	if len(x.Intervals()) != 2 || x.String() != "[0,4) [8,10)" {
		t.Errorf("adjacent intervals not merged: %s", x)
	}
	y := &RangeT{}
	y.Add(IntervalT{4, 8})
	if x.Conflicts(y) || y.Conflicts(x) {
		t.Errorf("%s and %s should not conflict", x, y)
	}
	z := &RangeT{}
	z.Add(IntervalT{3, 5})
	if !x.Conflicts(z) || !z.Conflicts(y) {
		t.Errorf("%s should conflict with %s and %s", z, x, y)
	}
	all := x.Union(y).Union(z)
	if all.String() != "[0,10)" || !all.Contains(9) || all.Contains(10) {
		t.Errorf("union %s", all)
	}
}
