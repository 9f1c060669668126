// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package changes extracts the set of recompiled units from a build transcript.
package changes

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kpatch-go/kpatch-build/pkg/build"
)

// ErrNoChanges means that the patched build did not recompile any unit that can be patched.
var ErrNoChanges = errors.New("no changes detected")

// LayoutChangeError means that the patch changes generated structure offsets.
// Such patches change data layout and can't be applied at function granularity.
type LayoutChangeError struct {
	Line string
}

func (err *LayoutChangeError) Error() string {
	return fmt.Sprintf("changed structure layout detected (%q): data structure changes are not supported",
		strings.TrimSpace(err.Line))
}

// Set is a set of unit paths relative to the output tree.
type Set map[string]bool

// Sorted returns the units in lexical order.
func (s Set) Sorted() []string {
	res := make([]string, 0, len(s))
	for unit := range s {
		res = append(res, unit)
	}
	sort.Strings(res)
	return res
}

// Units that are rebuilt on every build regardless of the patch.
var excluded = map[string]bool{
	"init/version.o":                    true,
	"scripts/mod/devicetable-offsets.o": true,
	"scripts/mod/file2alias.o":          true,
}

var (
	// "  CC      kernel/fork.o" and "  CC [M]  drivers/net/foo.o".
	compileRe = regexp.MustCompile(`^\s*CC(?:\s+\[M\])?\s+(\S+)\s*$`)
	// asm-offsets is compiled as arch/<arch>/kernel/asm-offsets.s and generates include/generated/asm-offsets.h.
	offsetsRe = regexp.MustCompile(`^\s*(?:CC|GEN|UPD)\s+(?:\S*/)?(?:arch/[^/\s]+/kernel/asm-offsets\.[so]|include/generated/asm-offsets\.h)\s*$`)
)

// Detect returns the set of units recompiled in the transcript.
func Detect(tr *build.Transcript) (Set, error) {
	res := make(Set)
	for _, line := range tr.Lines() {
		if offsetsRe.MatchString(line) {
			return nil, &LayoutChangeError{Line: line}
		}
		match := compileRe.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		unit := strings.TrimPrefix(match[1], "./")
		if !strings.HasSuffix(unit, ".o") || Excluded(unit) {
			continue
		}
		res[unit] = true
	}
	if len(res) == 0 {
		return nil, ErrNoChanges
	}
	return res, nil
}

// Excluded returns true for generated units that never carry a patchable change.
func Excluded(unit string) bool {
	return excluded[unit] || strings.HasSuffix(unit, ".mod.o")
}
