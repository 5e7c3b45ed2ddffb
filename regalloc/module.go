// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package regalloc

import (
	"context"
	"runtime"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/target"
	"golang.org/x/sync/errgroup"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Allocates each of 'funcs' independently, several at a time.  The
// results are in the same order as 'funcs'.  The first error cancels
// the functions not yet started.

func AllocateModule(ctx context.Context, funcs []*ir.FuncT, tgt *target.TargetT, options OptionsT) (_ []*ResultT, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "regalloc: allocate module", "funcs", len(funcs), "target", tgt.Name)
	defer tr.Finish("err", &err)

	limit := options.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	results := make([]*ResultT, len(funcs))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for i, f := range funcs {
		i, f := i, f
		group.Go(func() (err error) {
			if err := ctx.Err(); err != nil {
				return err
			}
			ftr, _ := tlog.SpawnFromContextAndWrap(ctx, "func", "name", f.Name)
			defer ftr.Finish("err", &err)
			result, err := Allocate(f, tgt, options)
			if err != nil {
				return errors.Wrap(err, "module")
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	tr.V("regalloc").Printw("allocated module", "parallelism", limit)
	return results, nil
}
