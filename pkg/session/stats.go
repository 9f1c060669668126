// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package session

import (
	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/stat"
)

var stageNames = []string{"baseline", "patched_build", "original_build", "resolve", "diff", "package"}

type stats struct {
	set          *stat.Set
	stages       map[string]*stat.Val
	changedUnits *stat.Val
	deltas       *stat.Val
	differTime   *stat.Val
}

func newStats() *stats {
	set := stat.NewSet()
	st := &stats{
		set:    set,
		stages: make(map[string]*stat.Val),
	}
	for _, name := range stageNames {
		st.stages[name] = set.New("stage "+name, "Duration of the "+name+" stage, ms",
			stat.Prometheus("kpatch_stage_"+name+"_ms"), stat.FormatMs)
	}
	st.changedUnits = set.New("changed units", "Number of recompiled units with changes",
		stat.Prometheus("kpatch_changed_units"))
	st.deltas = set.New("deltas", "Number of extracted deltas",
		stat.Prometheus("kpatch_deltas"))
	st.differTime = set.New("differ time", "Mean differ run time per unit, ms",
		stat.Distribution{}, stat.Prometheus("kpatch_differ_ms"), stat.FormatMs)
	return st
}

func (st *stats) log() {
	for _, ui := range st.set.Collect() {
		if ui.V == 0 {
			continue
		}
		log.Logf(1, "%-20v %v", ui.Name+":", ui.Value)
	}
}
