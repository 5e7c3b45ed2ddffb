// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Test fixtures are txtar archives:
//
//   <comment describing the fixture>
//   -- funcs --
//   (func ...) ...
//   -- cases --
//   <func> <arg> ... => <result> ...
//   -- expect --
//   <key> <value>
//
// Only the funcs section is required.  Cases are run through the
// evaluators and the expect lines are checked by whoever runs the
// fixture.

package front

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
	"golang.org/x/tools/txtar"
	"tlog.app/go/errors"
)

type FixtureT struct {
	Name    string
	Comment string
	Funcs   []*ir.FuncT
	Cases   []CaseT
	Expect  map[string]string
}

type CaseT struct {
	Func    string
	Args    []int64
	Results []int64
}

func LoadFixture(path string, tgt *target.TargetT) (*FixtureT, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read fixture")
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	fixture, err := ParseFixture(name, data, tgt)
	if err != nil {
		return nil, errors.Wrap(err, "%s", path)
	}
	return fixture, nil
}

func ParseFixture(name string, data []byte, tgt *target.TargetT) (*FixtureT, error) {
	archive := txtar.Parse(data)
	fixture := &FixtureT{
		Name:    name,
		Comment: strings.TrimSpace(string(archive.Comment)),
		Expect:  map[string]string{},
	}
	for _, file := range archive.Files {
		var err error
		switch file.Name {
		case "funcs":
			fixture.Funcs, err = ParseFuncs(string(file.Data), tgt)
		case "cases":
			fixture.Cases, err = parseCases(string(file.Data))
		case "expect":
			err = parseExpect(string(file.Data), fixture.Expect)
		default:
			err = errors.Wrap(ErrSyntax, "unknown fixture section %q", file.Name)
		}
		if err != nil {
			return nil, errors.Wrap(err, "section %s", file.Name)
		}
	}
	if len(fixture.Funcs) == 0 {
		return nil, errors.Wrap(ErrSyntax, "no functions")
	}
	return fixture, nil
}

func (fixture *FixtureT) Func(name string) *ir.FuncT {
	for _, f := range fixture.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// A call handler that evaluates calls to the fixture's own functions.
func (fixture *FixtureT) Calls() ir.CallHandlerT {
	var handler ir.CallHandlerT
	handler = func(callee string, args []int64) ([]int64, error) {
		f := fixture.Func(callee)
		if f == nil {
			return nil, errors.Wrap(ir.ErrEval, "call to unknown function %s", callee)
		}
		return ir.Evaluate(f, args, handler)
	}
	return handler
}

func parseCases(text string) ([]CaseT, error) {
	cases := []CaseT{}
	for i, line := range strings.Split(text, "\n") {
		line, _, _ = strings.Cut(line, ";")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		arrow := -1
		for j, field := range fields {
			if field == "=>" {
				arrow = j
			}
		}
		if arrow < 1 {
			return nil, errors.Wrap(ErrSyntax, "line %d: expected <func> <arg> ... => <result> ...", i+1)
		}
		args, err := parseInts(fields[1:arrow])
		if err != nil {
			return nil, errors.Wrap(err, "line %d", i+1)
		}
		results, err := parseInts(fields[arrow+1:])
		if err != nil {
			return nil, errors.Wrap(err, "line %d", i+1)
		}
		cases = append(cases, CaseT{Func: fields[0], Args: args, Results: results})
	}
	return cases, nil
}

func parseInts(fields []string) ([]int64, error) {
	result := make([]int64, len(fields))
	for i, field := range fields {
		n, err := strconv.ParseInt(field, 0, 64)
		if err != nil {
			return nil, errors.Wrap(ErrSyntax, "bad integer %q", field)
		}
		result[i] = n
	}
	return result, nil
}

func parseExpect(text string, expect map[string]string) error {
	for i, line := range strings.Split(text, "\n") {
		line, _, _ = strings.Cut(line, ";")
		key, value, _ := strings.Cut(strings.TrimSpace(line), " ")
		if key == "" {
			continue
		}
		if _, found := expect[key]; found {
			return errors.Wrap(ErrSyntax, "line %d: %s given twice", i+1, key)
		}
		expect[key] = strings.TrimSpace(value)
	}
	return nil
}
