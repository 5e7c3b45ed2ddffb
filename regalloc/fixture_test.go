// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package regalloc

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/s48/regalloc/front"
	"github.com/s48/regalloc/target"
	"tlog.app/go/errors"
)

func TestFixtures(t *testing.T) {
	paths, err := filepath.Glob("testdata/*.txtar")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatal("no fixtures")
	}
	tgt := target.Default()
	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".txtar"), func(t *testing.T) {
			fixture, err := front.LoadFixture(path, tgt)
			if err != nil {
				t.Fatal(err)
			}
			report, err := RunFixture(context.Background(), fixture, tgt, DefaultOptions())
			if err != nil {
				t.Fatal(err)
			}
			for _, result := range report.Results {
				if err := Check(result); err != nil {
					t.Errorf("%v\n%s", err, listing(result))
				}
			}
		})
	}
}

func TestFixtureMismatch(t *testing.T) {
	tgt := target.Default()
	fixture, err := front.ParseFixture("wrong", []byte(`
-- funcs --
(func f (block entry (param (x)) (add (y) x 1) (ret y)))
-- cases --
f 1 => 3
`), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := RunFixture(context.Background(), fixture, tgt, DefaultOptions()); !errors.Is(err, ErrFixture) {
		t.Errorf("expected a fixture failure, got %v", err)
	}
}

func TestFixtureExpectations(t *testing.T) {
	tgt := target.Default()
	fixture, err := front.ParseFixture("expect", []byte(`
-- funcs --
(func f (block entry (param (x)) (add (y) x 1) (ret y)))
-- expect --
f.spills 0
f.callee_saved none
`), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := RunFixture(context.Background(), fixture, tgt, DefaultOptions()); err != nil {
		t.Errorf("%v", err)
	}
	fixture.Expect["f.slots"] = "3"
	if _, err := RunFixture(context.Background(), fixture, tgt, DefaultOptions()); !errors.Is(err, ErrFixture) {
		t.Errorf("wrong slot count should fail, got %v", err)
	}
}
