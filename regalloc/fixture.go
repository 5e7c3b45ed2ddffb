// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package regalloc

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/s48/regalloc/front"
	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
	"github.com/s48/regalloc/util"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

var ErrFixture = errors.New("fixture failed")

type FixtureReportT struct {
	Results []*ResultT
	Machine map[string]*MachineFuncT
}

// Runs the fixture's cases on the SSA functions, allocates them,
// runs the cases again on the machine code, and checks the fixture's
// expectations.  Expectations are "<func>.<stat> <value>" lines.

func RunFixture(ctx context.Context, fixture *front.FixtureT, tgt *target.TargetT, options OptionsT) (*FixtureReportT, error) {
	for _, c := range fixture.Cases {
		if fixture.Func(c.Func) == nil {
			return nil, errors.Wrap(ErrFixture, "%s: no function %s", fixture.Name, c.Func)
		}
		got, err := ir.Evaluate(fixture.Func(c.Func), c.Args, fixture.Calls())
		if err != nil {
			return nil, errors.Wrap(err, "%s: %s %v", fixture.Name, c.Func, c.Args)
		}
		if !slices.Equal(got, c.Results) {
			return nil, errors.Wrap(ErrFixture, "%s: %s %v returned %v before allocation, wanted %v",
				fixture.Name, c.Func, c.Args, got, c.Results)
		}
	}
	results, err := AllocateModule(ctx, fixture.Funcs, tgt, options)
	if err != nil {
		return nil, errors.Wrap(err, "%s", fixture.Name)
	}
	report := &FixtureReportT{Results: results, Machine: map[string]*MachineFuncT{}}
	for _, result := range results {
		mf, err := Lower(result)
		if err != nil {
			return nil, errors.Wrap(err, "%s", fixture.Name)
		}
		report.Machine[mf.Name] = mf
	}
	var calls ir.CallHandlerT
	calls = func(callee string, args []int64) ([]int64, error) {
		mf := report.Machine[callee]
		if mf == nil {
			return nil, errors.Wrap(ir.ErrEval, "call to unknown function %s", callee)
		}
		return EvaluateMachine(mf, args, calls)
	}
	for _, c := range fixture.Cases {
		got, err := calls(c.Func, c.Args)
		if err != nil {
			return nil, errors.Wrap(err, "%s: %s %v after allocation", fixture.Name, c.Func, c.Args)
		}
		if !slices.Equal(got, c.Results) {
			return nil, errors.Wrap(ErrFixture, "%s: %s %v returned %v after allocation, wanted %v",
				fixture.Name, c.Func, c.Args, got, c.Results)
		}
	}
	if err := report.checkExpect(fixture); err != nil {
		return nil, err
	}
	tlog.V("fixture").Printw("fixture passed", "name", fixture.Name, "funcs", len(results), "cases", len(fixture.Cases))
	return report, nil
}

func (report *FixtureReportT) result(name string) *ResultT {
	for _, result := range report.Results {
		if result.Func.Name == name {
			return result
		}
	}
	return nil
}

func (report *FixtureReportT) checkExpect(fixture *front.FixtureT) error {
	keys := make([]string, 0, len(fixture.Expect))
	for key := range fixture.Expect {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		name, stat, found := strings.Cut(key, ".")
		result := report.result(name)
		if !found || result == nil {
			return errors.Wrap(ErrFixture, "%s: bad expectation %q", fixture.Name, key)
		}
		got, err := StatString(result, stat)
		if err != nil {
			return errors.Wrap(err, "%s", fixture.Name)
		}
		if want := fixture.Expect[key]; got != want {
			return errors.Wrap(ErrFixture, "%s: %s is %q, wanted %q", fixture.Name, key, got, want)
		}
	}
	return nil
}

// The named statistic as it appears in fixture expectations.
func StatString(result *ResultT, stat string) (string, error) {
	stats := result.Stats
	n := 0
	switch stat {
	case "rounds":
		n = stats.Rounds
	case "spills":
		n = stats.Spills
	case "reloads":
		n = stats.Reloads
	case "memory_phis":
		n = stats.MemoryPhis
	case "phis":
		n = stats.Phis
	case "fallback_spills":
		n = stats.FallbackSpills
	case "slots":
		n = result.Slots
	case "frame_bytes":
		n = result.FrameBytes
	case "callee_saved":
		if len(result.CalleeSaved) == 0 {
			return "none", nil
		}
		names := util.Map(func(reg *target.RegisterT) string { return reg.Name }, result.CalleeSaved)
		return strings.Join(names, " "), nil
	default:
		return "", errors.Wrap(ErrFixture, "unknown statistic %q", stat)
	}
	return strconv.Itoa(n), nil
}

func (stats StatsT) String() string {
	return fmt.Sprintf("rounds %d spills %d reloads %d memory-phis %d phis %d fallback %d splits %d copies %d edge-moves %d slots %d frame %d",
		stats.Rounds, stats.Spills, stats.Reloads, stats.MemoryPhis, stats.Phis, stats.FallbackSpills,
		stats.Splits, stats.Copies, stats.EdgeMoves, stats.Slots, stats.FrameBytes)
}
