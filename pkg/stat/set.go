// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/gohistogram"
	"github.com/prometheus/client_golang/prometheus"
)

// This file provides simple metrics (Val type) for instrumenting a build session.
// Unlike a process-global registry, every session owns its Set, so concurrent
// sessions in one process (tests) don't share counters.
//
// Simple uses of metrics:
//
//	statUnits := set.New("changed units", "Number of changed compilation units")
//	statUnits.Add(1)
//
//	set.New("differ time", "Differ run time, ms", stat.Distribution{}, stat.Prometheus("kpatch_differ_ms"))
//
// At the end of the session Collect is printed to the log and WriteTextfile
// exports all Prometheus-enabled metrics in the node exporter textfile format.

type UI struct {
	Name  string
	Desc  string
	Value string
	V     int
}

// Prometheus exports the metric to Prometheus under the given name.
type Prometheus string

// Distribution says to collect histogram of individual sample distributions.
type Distribution struct{}

const histogramBuckets = 255

type Set struct {
	mu        sync.Mutex
	vals      map[string]*Val
	nextOrder atomic.Uint64
	reg       *prometheus.Registry
}

func NewSet() *Set {
	return &Set{
		vals: make(map[string]*Val),
		reg:  prometheus.NewRegistry(),
	}
}

// Additionally a custom 'func() int' can be passed to read the metric value from the function,
// and 'func(int) string' can be passed for custom formatting of the metric value.
func (s *Set) New(name, desc string, opts ...any) *Val {
	v := &Val{
		name:  name,
		desc:  desc,
		order: s.nextOrder.Add(1),
		fmt:   strconv.Itoa,
	}
	for _, o := range opts {
		switch opt := o.(type) {
		case Distribution:
			v.hist = true
		case func() int:
			v.ext = opt
		case func(int) string:
			v.fmt = opt
		case Prometheus:
			s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: string(opt),
				Help: desc,
			},
				func() float64 { return float64(v.Val()) },
			))
		default:
			panic(fmt.Sprintf("unknown stats option %#v", o))
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vals[name] != nil {
		panic(fmt.Sprintf("duplicate stat %q", name))
	}
	s.vals[name] = v
	return v
}

// Get returns a previously registered metric or nil.
func (s *Set) Get(name string) *Val {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[name]
}

// Collect returns current values of all metrics in registration order.
func (s *Set) Collect() []UI {
	s.mu.Lock()
	vals := make([]*Val, 0, len(s.vals))
	for _, v := range s.vals {
		vals = append(vals, v)
	}
	s.mu.Unlock()
	sort.Slice(vals, func(i, j int) bool {
		return vals[i].order < vals[j].order
	})
	var res []UI
	for _, v := range vals {
		val := v.Val()
		res = append(res, UI{
			Name:  v.name,
			Desc:  v.desc,
			Value: v.fmt(val),
			V:     val,
		})
	}
	return res
}

// WriteTextfile atomically writes all Prometheus metrics to file.
func (s *Set) WriteTextfile(file string) error {
	return prometheus.WriteToTextfile(file, s.reg)
}

type Val struct {
	name    string
	desc    string
	order   uint64
	val     atomic.Uint64
	ext     func() int
	fmt     func(int) string
	hist    bool
	histMu  sync.Mutex
	histVal *gohistogram.NumericHistogram
}

func (v *Val) Add(val int) {
	if v.ext != nil {
		panic(fmt.Sprintf("stat %v is in external mode", v.name))
	}
	if v.hist {
		v.histMu.Lock()
		if v.histVal == nil {
			v.histVal = gohistogram.NewHistogram(histogramBuckets)
		}
		v.histVal.Add(float64(val))
		v.histMu.Unlock()
		return
	}
	v.val.Add(uint64(val))
}

// Val returns the current value, for distributions it's the mean of all samples.
func (v *Val) Val() int {
	if v.ext != nil {
		return v.ext()
	}
	if v.hist {
		v.histMu.Lock()
		defer v.histMu.Unlock()
		if v.histVal == nil {
			return 0
		}
		return int(v.histVal.Mean())
	}
	return int(v.val.Load())
}

// Quantile returns the approximate q-quantile of a distribution metric.
func (v *Val) Quantile(q float64) float64 {
	if !v.hist {
		return float64(v.Val())
	}
	v.histMu.Lock()
	defer v.histMu.Unlock()
	if v.histVal == nil {
		return 0
	}
	return v.histVal.Quantile(q)
}

// Since adds the time passed since start in milliseconds.
func (v *Val) Since(start time.Time) {
	v.Add(int(time.Since(start) / time.Millisecond))
}

// FormatMs formats millisecond values as durations.
func FormatMs(v int) string {
	return (time.Duration(v) * time.Millisecond).String()
}
