// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package kbuild reconstructs the link graph of a kernel build from the
// .<target>.cmd files that kbuild leaves next to every target, and resolves
// compiled units to the top-level binary (vmlinux or a module) that contains them.
package kbuild

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Record is the dependency record of a single target:
// the unit produced by a build command and the units it was linked from.
// All paths are slash-separated and relative to the root of the output tree.
type Record struct {
	Unit         string
	Constituents []string
}

// Graph is an index over dependency records: unit -> records that list the unit as a constituent.
type Graph struct {
	records map[string]*Record
	claims  map[string][]*Record
}

func NewGraph(records []*Record) *Graph {
	g := &Graph{
		records: make(map[string]*Record),
		claims:  make(map[string][]*Record),
	}
	for _, rec := range records {
		g.records[rec.Unit] = rec
	}
	units := make([]string, 0, len(g.records))
	for unit := range g.records {
		units = append(units, unit)
	}
	// Keep claimant lists deterministic for error messages.
	sort.Strings(units)
	for _, unit := range units {
		rec := g.records[unit]
		for _, c := range rec.Constituents {
			g.claims[c] = append(g.claims[c], rec)
		}
	}
	return g
}

// Len returns the number of records in the graph.
func (g *Graph) Len() int {
	return len(g.records)
}

// Record returns the unit's own record, or nil.
func (g *Graph) Record(unit string) *Record {
	return g.records[unit]
}

// LocalClaimants returns records from the unit's own directory that list the unit,
// excluding the unit's own record.
func (g *Graph) LocalClaimants(unit string) []*Record {
	dir := path.Dir(unit)
	var res []*Record
	for _, rec := range g.claims[unit] {
		if rec.Unit != unit && path.Dir(rec.Unit) == dir {
			res = append(res, rec)
		}
	}
	return res
}

// GlobalClaimants returns records from the whole tree that list the unit,
// excluding the unit's own record.
func (g *Graph) GlobalClaimants(unit string) []*Record {
	var res []*Record
	for _, rec := range g.claims[unit] {
		if rec.Unit != unit {
			res = append(res, rec)
		}
	}
	return res
}

// ReadGraph loads all dependency records from the kbuild output tree objDir.
func ReadGraph(objDir string) (*Graph, error) {
	var records []*Record
	tree := os.DirFS(objDir)
	err := filepath.WalkDir(objDir, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isCmdFile(d.Name()) {
			return nil
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(objDir, file)
		if err != nil {
			return err
		}
		rec, err := ParseRecord(filepath.ToSlash(rel), data, tree)
		if err != nil {
			return err
		}
		if rec != nil {
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read dependency records in %v: %w", objDir, err)
	}
	return NewGraph(records), nil
}

func isCmdFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".cmd") && len(name) > len("..cmd")
}

// ParseRecord parses a .<target>.cmd file located at cmdFile (relative to the output tree).
// Response files (@file) named in the command are read from tree.
// Returns nil if the record does not describe an object target (e.g. modules.order).
func ParseRecord(cmdFile string, data []byte, tree fs.FS) (*Record, error) {
	dir, name := path.Split(cmdFile)
	if !isCmdFile(name) {
		return nil, fmt.Errorf("%v: not a dependency record file", cmdFile)
	}
	unit := path.Join(dir, strings.TrimSuffix(strings.TrimPrefix(name, "."), ".cmd"))
	if !IsObject(unit) {
		return nil, nil
	}
	cmd, err := extractCommand(data, unit)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", cmdFile, err)
	}
	rec := &Record{Unit: unit}
	seen := map[string]bool{unit: true}
	add := func(tok string) {
		if !IsObject(tok) || seen[tok] {
			return
		}
		seen[tok] = true
		rec.Constituents = append(rec.Constituents, tok)
	}
	// Newer kbuild passes archive members relative to the directory:
	// printf "dir/%s " a.o sub/b.o | xargs ar cDPrST dir/built-in.a.
	prefix := ""
	fields := strings.Fields(cmd)
	for i := 0; i < len(fields); i++ {
		tok, rest, piped := strings.Cut(fields[i], "|")
		if tok == "printf" && i+1 < len(fields) {
			i++
			prefix = printfPrefix(fields[i])
			continue
		}
		if strings.HasSuffix(tok, ";") {
			tok = strings.TrimSuffix(tok, ";")
			piped = true
		}
		if resp, ok := strings.CutPrefix(cleanToken(tok), "@"); ok {
			members, err := readResponseFile(tree, resp)
			if err != nil {
				return nil, fmt.Errorf("%v: %w", cmdFile, err)
			}
			for _, member := range members {
				add(member)
			}
		} else if tok = cleanToken(tok); tok != "" {
			if prefix != "" {
				tok = path.Clean(prefix + tok)
			}
			add(tok)
		}
		if piped {
			prefix = ""
			add(cleanToken(rest))
		}
	}
	return rec, nil
}

// printfPrefix returns the text before %s in a printf format argument.
func printfPrefix(format string) string {
	format = strings.TrimLeft(format, `"'`)
	prefix, _, ok := strings.Cut(format, "%s")
	if !ok {
		return ""
	}
	return prefix
}

// readResponseFile returns objects listed in a response file (one per line or space separated).
func readResponseFile(tree fs.FS, name string) ([]string, error) {
	if tree == nil {
		return nil, fmt.Errorf("response file %v: no output tree", name)
	}
	data, err := fs.ReadFile(tree, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read response file: %w", err)
	}
	var res []string
	for _, tok := range strings.Fields(string(data)) {
		res = append(res, cleanToken(tok))
	}
	return res, nil
}

// extractCommand returns the command that produced unit.
// Newer kbuild versions name the variable savedcmd_<target>, older ones cmd_<target>.
func extractCommand(data []byte, unit string) (string, error) {
	s := bufio.NewScanner(bytes.NewReader(data))
	s.Buffer(nil, 16<<20)
	for s.Scan() {
		line := s.Text()
		for _, prefix := range []string{"savedcmd_", "cmd_"} {
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			target, cmd, ok := strings.Cut(line[len(prefix):], ":=")
			if !ok {
				continue
			}
			if cleanToken(strings.TrimSpace(target)) != unit {
				continue
			}
			return cmd, nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no command line for %v", unit)
}

func cleanToken(tok string) string {
	tok = strings.Trim(tok, `"'();`)
	return strings.TrimPrefix(tok, "./")
}

// IsObject returns true for names of link graph nodes: objects, archives, modules and the kernel image.
func IsObject(name string) bool {
	if name == "" || strings.HasPrefix(name, "-") || strings.ContainsAny(name, "$=*") {
		return false
	}
	switch path.Base(name) {
	case "vmlinux":
		return true
	}
	return strings.HasSuffix(name, ".o") || strings.HasSuffix(name, ".a") || strings.HasSuffix(name, ".ko")
}
