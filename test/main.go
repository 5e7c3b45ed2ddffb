// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Allocate and run fixture files.
//  --fixture <glob>  Fixtures to run, default 'regalloc/testdata/*.txtar'.
//  --func <name>     Only prints the named function.
//  --target <file>   YAML target description, default x86-64 System V.
//  --log <topics>    Verbosity filter, as in 'regalloc,spill'.
//  --print           Prints the allocation and the lowered code.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/s48/regalloc/front"
	"github.com/s48/regalloc/regalloc"
	"github.com/s48/regalloc/target"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

func main() {
	fixtureGlob := flag.String("fixture", "regalloc/testdata/*.txtar", "fixture files")
	funcName := flag.String("func", "", "function to print")
	targetFile := flag.String("target", "", "target description")
	logTopics := flag.String("log", "", "log topics")
	printAll := flag.Bool("print", false, "print allocations")
	maxRounds := flag.Int("rounds", regalloc.DefaultOptions().MaxRounds, "maximum allocation rounds")
	flag.Parse()

	if *logTopics != "" {
		tlog.SetVerbosity(*logTopics)
	}

	err := run(context.Background(), *fixtureGlob, *targetFile, *funcName, *printAll, *maxRounds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, glob, targetFile, funcName string, printAll bool, maxRounds int) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "fixtures", "glob", glob)
	defer tr.Finish("err", &err)

	tgt := target.Default()
	if targetFile != "" {
		tgt, err = target.Load(targetFile)
		if err != nil {
			return err
		}
	}
	paths, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrap(err, "fixture glob")
	}
	if len(paths) == 0 {
		return errors.New("no fixtures match %s", glob)
	}

	options := regalloc.DefaultOptions()
	options.MaxRounds = maxRounds
	failed := 0
	for _, path := range paths {
		if !runFixture(ctx, path, tgt, options, funcName, printAll) {
			failed += 1
		}
	}
	if failed != 0 {
		return errors.New("%d of %d fixtures failed", failed, len(paths))
	}
	return nil
}

func runFixture(ctx context.Context, path string, tgt *target.TargetT, options regalloc.OptionsT, funcName string, printAll bool) bool {
	fmt.Printf("running '%s'\n", path)
	fixture, err := front.LoadFixture(path, tgt)
	if err != nil {
		fmt.Printf("  %v\n", err)
		return false
	}
	report, err := regalloc.RunFixture(ctx, fixture, tgt, options)
	if err != nil {
		fmt.Printf("  %v\n", err)
		return false
	}
	for _, result := range report.Results {
		name := result.Func.Name
		if funcName != "" && funcName != name {
			continue
		}
		fmt.Printf("  %s: %s\n", name, result.Stats)
		if printAll {
			regalloc.PrintResult(result, os.Stdout)
			regalloc.PrintLowered(report.Machine[name], os.Stdout)
		}
	}
	fmt.Printf("  %d cases passed\n", len(fixture.Cases))
	return true
}
