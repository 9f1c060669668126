// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package kbuild

import (
	"fmt"
	"path"
	"strings"
)

type ContainerKind int

const (
	CoreImage ContainerKind = iota
	Module
)

// Container is the top-level binary that contains a unit.
type Container struct {
	Kind ContainerKind
	// Path is "vmlinux" for the core image and the module path (e.g. drivers/net/foo.ko) otherwise.
	Path string
}

var Vmlinux = Container{Kind: CoreImage, Path: "vmlinux"}

func (c Container) String() string {
	return c.Path
}

// Name returns the object name the patch module refers to: "vmlinux" or the module name.
func (c Container) Name() string {
	if c.Kind == CoreImage {
		return "vmlinux"
	}
	return strings.TrimSuffix(path.Base(c.Path), ".ko")
}

// Units that are linked into the kernel image without passing through a built-in aggregate.
var coreRoots = []string{
	"vmlinux",
	"vmlinux.o",
	"vmlinux.a",
	"lib/lib.a",
	"arch/*/lib/lib.a",
	"arch/x86/kernel/head*.o",
	"arch/x86/kernel/ebda.o",
	"arch/x86/kernel/platform-quirks.o",
}

// RootContainer returns the container for a unit that is not claimed by any record.
func RootContainer(unit string) (Container, bool) {
	if strings.HasSuffix(unit, ".ko") {
		return Container{Kind: Module, Path: unit}, true
	}
	switch path.Base(unit) {
	case "built-in.o", "built-in.a":
		return Vmlinux, true
	}
	for _, pattern := range coreRoots {
		if ok, _ := path.Match(pattern, unit); ok {
			return Vmlinux, true
		}
	}
	return Container{}, false
}

// AmbiguousError means that a unit is claimed by more than one link aggregate.
type AmbiguousError struct {
	Unit      string
	Claimants []string
}

func (err *AmbiguousError) Error() string {
	return fmt.Sprintf("%v has %v parent matches: %v",
		err.Unit, len(err.Claimants), strings.Join(err.Claimants, ", "))
}

// UnresolvableError means that the walk ended on a unit that is neither a module nor part of vmlinux.
type UnresolvableError struct {
	Unit     string
	Ancestor string
}

func (err *UnresolvableError) Error() string {
	return fmt.Sprintf("invalid ancestor %v for %v", err.Ancestor, err.Unit)
}

// MissingParentError means that a record claims a unit, but its own target was not built.
type MissingParentError struct {
	Unit   string
	Parent string
}

func (err *MissingParentError) Error() string {
	return fmt.Sprintf("can't find parent %v for %v", err.Parent, err.Unit)
}

type resolution struct {
	container Container
	err       error
}

// Resolver finds containers of units. Results are memoized.
// Resolver is not safe for concurrent use.
type Resolver struct {
	graph  *Graph
	exists func(unit string) bool
	memo   map[string]resolution
}

type ResolverOption func(*Resolver)

// WithExists makes the resolver verify that every parent target exists.
func WithExists(exists func(unit string) bool) ResolverOption {
	return func(r *Resolver) {
		r.exists = exists
	}
}

func NewResolver(graph *Graph, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		graph: graph,
		memo:  make(map[string]resolution),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve walks up the link graph from unit to its root.
// The unit's directory is searched first; the whole tree is searched only when
// the directory has no claimant and the current node is not a known root.
func (r *Resolver) Resolve(unit string) (Container, error) {
	if res, ok := r.memo[unit]; ok {
		return res.container, res.err
	}
	var walked []string
	container, err := r.walk(unit, &walked)
	// Every node on the path resolves to the same container.
	res := resolution{container, err}
	r.memo[unit] = res
	if err == nil {
		for _, node := range walked {
			r.memo[node] = res
		}
	}
	return container, err
}

func (r *Resolver) walk(unit string, walked *[]string) (Container, error) {
	cur, deep := unit, false
	visited := make(map[string]bool)
	for {
		if res, ok := r.memo[cur]; ok && cur != unit {
			return res.container, res.err
		}
		if visited[cur] && !deep {
			return Container{}, &UnresolvableError{Unit: unit, Ancestor: cur}
		}
		visited[cur] = true
		var claimants []*Record
		if deep {
			claimants = r.graph.GlobalClaimants(cur)
		} else {
			claimants = r.graph.LocalClaimants(cur)
		}
		switch len(claimants) {
		case 0:
			if container, ok := RootContainer(cur); ok {
				return container, nil
			}
			if !deep {
				deep = true
				continue
			}
			return Container{}, &UnresolvableError{Unit: unit, Ancestor: cur}
		case 1:
			parent := claimants[0].Unit
			if r.exists != nil && !r.exists(parent) {
				return Container{}, &MissingParentError{Unit: cur, Parent: parent}
			}
			if cur != unit {
				*walked = append(*walked, cur)
			}
			cur, deep = parent, false
		default:
			err := &AmbiguousError{Unit: cur}
			for _, rec := range claimants {
				err.Claimants = append(err.Claimants, rec.Unit)
			}
			return Container{}, err
		}
	}
}
