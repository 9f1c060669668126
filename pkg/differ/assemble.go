// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package differ

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/kpatch-go/kpatch-build/pkg/kbuild"
	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
	"github.com/kpatch-go/kpatch-build/pkg/stat"
	"golang.org/x/sync/errgroup"
)

// Artifact is the delta object extracted from one changed unit.
type Artifact struct {
	Unit      string
	Container kbuild.Container
	Delta     string
}

// Result is the output of Assembler.Assemble.
type Result struct {
	// Artifacts are sorted by unit.
	Artifacts   []Artifact
	ByContainer map[kbuild.Container][]Artifact
}

// Deltas returns paths of all delta objects in artifact order.
func (res *Result) Deltas() []string {
	var deltas []string
	for _, art := range res.Artifacts {
		deltas = append(deltas, art.Delta)
	}
	return deltas
}

// Assembler runs the differ for every changed unit against its container.
type Assembler struct {
	Differ Differ
	// OrigDir and PatchedDir contain staged copies of the changed units.
	OrigDir    string
	PatchedDir string
	// OutputDir receives delta objects under the unit paths.
	OutputDir string
	// ObjDir is the build output tree with module containers.
	ObjDir string
	// Vmlinux is the core image file.
	Vmlinux string
	// Parallel limits the number of concurrent differ runs, NumCPU if 0.
	Parallel int
	Debug    bool
	// DiffTime is an optional distribution of per-unit differ time (ms).
	DiffTime *stat.Val
}

func (a *Assembler) containerFile(c kbuild.Container) string {
	if c.Kind == kbuild.CoreImage {
		return a.Vmlinux
	}
	return filepath.Join(a.ObjDir, filepath.FromSlash(c.Path))
}

// Assemble runs the differ for all units and waits for all runs to finish.
// The first failure cancels the remaining runs.
func (a *Assembler) Assemble(ctx context.Context, owners map[string]kbuild.Container) (*Result, error) {
	if len(owners) == 0 {
		return nil, fmt.Errorf("no units to diff")
	}
	units := make([]string, 0, len(owners))
	for unit := range owners {
		units = append(units, unit)
	}
	sort.Strings(units)
	parallel := a.Parallel
	if parallel <= 0 {
		parallel = runtime.NumCPU()
	}
	artifacts := make([]Artifact, len(units))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, unit := range units {
		i, unit := i, unit
		container := owners[unit]
		g.Go(func() error {
			req := &Request{
				Orig:      filepath.Join(a.OrigDir, filepath.FromSlash(unit)),
				Patched:   filepath.Join(a.PatchedDir, filepath.FromSlash(unit)),
				Container: a.containerFile(container),
				Output:    filepath.Join(a.OutputDir, filepath.FromSlash(unit)),
				Debug:     a.Debug,
			}
			if err := osutil.IsAccessible(req.Container); err != nil {
				return fmt.Errorf("container of %v: %w", unit, err)
			}
			log.Logf(0, "extracting changes from %v (%v)", unit, container.Name())
			start := time.Now()
			if err := a.Differ.Diff(ctx, req); err != nil {
				return err
			}
			if a.DiffTime != nil {
				a.DiffTime.Since(start)
			}
			artifacts[i] = Artifact{
				Unit:      unit,
				Container: container,
				Delta:     req.Output,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res := &Result{
		Artifacts:   artifacts,
		ByContainer: make(map[kbuild.Container][]Artifact),
	}
	for _, art := range artifacts {
		res.ByContainer[art.Container] = append(res.ByContainer[art.Container], art)
	}
	return res, nil
}
