// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package interference

import (
	"testing"

	"github.com/s48/regalloc/front"
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"github.com/s48/regalloc/target"
)

func build(t *testing.T, text string) (*GraphT, map[string]*ir.ValueT) {
	t.Helper()
	tgt := target.Default()
	funcs, err := front.ParseFuncs(text, tgt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := funcs[0]
	if err := ir.Verify(f); err != nil {
		t.Fatal(err)
	}
	graph, err := Build(f, liveness.Analyze(f), tgt)
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]*ir.ValueT{}
	for _, value := range f.Values {
		values[value.Name] = value
	}
	return graph, values
}

func TestCallClobbers(t *testing.T) {
	graph, v := build(t, `
(func f
  (block entry
    (param (a b))
    (call (c) g a)
    (add (d) c b)
    (ret d)))`)
	tgt := target.Default()
	if !graph.Interferes(v["a"], v["b"]) || !graph.Interferes(v["c"], v["b"]) {
		t.Errorf("missing edges")
	}
	if graph.Interferes(v["a"], v["c"]) || graph.Interferes(v["d"], v["b"]) {
		t.Errorf("extra edges")
	}
	forbidden := graph.Forbidden(v["b"])
	for _, reg := range tgt.CallerSaved() {
		if reg.Class == v["b"].Class(tgt) && !forbidden.Contains(reg) {
			t.Errorf("b may use %s across the call", reg)
		}
	}
	if forbidden.Contains(tgt.Register("rbx")) {
		t.Errorf("b should be allowed rbx")
	}
	// a is the first argument and passed on in the same register.
	if a := graph.Forbidden(v["a"]); a.Contains(tgt.Register("rdi")) || !a.Contains(tgt.Register("rsi")) {
		t.Errorf("a forbidden %v", a.Members())
	}
	c := graph.Forbidden(v["c"])
	if c.Contains(tgt.Register("rax")) || !c.Contains(tgt.Register("rdi")) || !c.Contains(tgt.Register("r11")) {
		t.Errorf("c forbidden %v", c.Members())
	}
	if graph.Edges() != 2 || graph.Degree(v["b"]) != 2 {
		t.Errorf("%d edges, b has degree %d", graph.Edges(), graph.Degree(v["b"]))
	}
	neighbors := graph.Neighbors(v["b"])
	if len(neighbors) != 2 || neighbors[0] != v["a"] || neighbors[1] != v["c"] {
		t.Errorf("neighbors of b %v", neighbors)
	}
}

func TestCopiesAndPhis(t *testing.T) {
	graph, v := build(t, `
(func f
  (block entry
    (param (a))
    (copy (b) a)
    (add (c) a b)
    (br c l r))
  (block l (jmp join))
  (block r (li (d) 1) (jmp join))
  (block join
    (phi x (l c) (r d))
    (phi y (l a) (r b))
    (ret x y)))`)
	if graph.Interferes(v["a"], v["b"]) {
		t.Errorf("a copy should not interfere with its source")
	}
	if !graph.Interferes(v["x"], v["y"]) {
		t.Errorf("phis in one block interfere")
	}
	if graph.Interferes(v["c"], v["x"]) || graph.Interferes(v["a"], v["y"]) {
		t.Errorf("phi operands do not reach the phi's block")
	}
	if !graph.Interferes(v["d"], v["b"]) || graph.Interferes(v["d"], v["a"]) {
		t.Errorf("d is live with b and not a")
	}
}

func TestMemoryValues(t *testing.T) {
	graph, v := build(t, `
(func f
  (block entry
    (param (a b))
    (spill ($a.1) a)
    (spill ($b.1) b)
    (spill ($a.2) a)
    (reload (a.3) a.1)
    (reload (b.2) b.1)
    (reload (a.4) a.2)
    (add (c) a.3 b.2)
    (add (d) c a.4)
    (ret d)))`)
	if v["a.2"].Original() != v["a"] {
		t.Fatalf("a.2 is not a version of a")
	}
	if graph.Interferes(v["a.1"], v["a.2"]) {
		t.Errorf("versions of one value may share a slot")
	}
	if !graph.Interferes(v["a.1"], v["b.1"]) || !graph.Interferes(v["a.2"], v["b.1"]) {
		t.Errorf("memory values of different originals interfere")
	}
	if graph.Interferes(v["a.1"], v["b"]) || graph.Interferes(v["b.1"], v["a.3"]) {
		t.Errorf("memory and register values never interfere")
	}
}

func TestFixedOperands(t *testing.T) {
	graph, v := build(t, `
(func f
  (block entry
    (param (a b c))
    (div (q) a b)
    (add (r) q c)
    (ret r)))`)
	tgt := target.Default()
	rax, rdx := tgt.Register("rax"), tgt.Register("rdx")
	if !graph.Forbidden(v["c"]).Contains(rax) || !graph.Forbidden(v["c"]).Contains(rdx) {
		t.Errorf("c lives across the divide: %v", graph.Forbidden(v["c"]).Members())
	}
	if !graph.Forbidden(v["b"]).Contains(rax) || !graph.Forbidden(v["b"]).Contains(rdx) {
		t.Errorf("the divisor may not be in rax or rdx: %v", graph.Forbidden(v["b"]).Members())
	}
	if graph.Forbidden(v["a"]).Contains(rax) || !graph.Forbidden(v["a"]).Contains(rdx) {
		t.Errorf("the dividend must be able to use rax: %v", graph.Forbidden(v["a"]).Members())
	}
	if graph.Forbidden(v["q"]).Contains(rax) || !graph.Forbidden(v["q"]).Contains(rdx) {
		t.Errorf("the quotient must be able to use rax: %v", graph.Forbidden(v["q"]).Members())
	}
}
