// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package patch parses source patches and applies/reverts them to a kernel tree.
package patch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
	git_diff_parser "github.com/speakeasy-api/git-diff-parser"
)

// Patch is a unified diff against the kernel source tree (-p1 paths).
type Patch struct {
	// File is the path the patch was loaded from.
	File string
	// Name is the file base name without extension.
	Name string
	// Files are the source files touched by the patch.
	Files []string
	Data  []byte
}

func Load(file string) (*Patch, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch: %w", err)
	}
	files, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", file, err)
	}
	base := filepath.Base(file)
	return &Patch{
		File:  file,
		Name:  strings.TrimSuffix(base, filepath.Ext(base)),
		Files: files,
		Data:  data,
	}, nil
}

// Parse returns the list of files modified by the patch.
// Binary patches are rejected since they can't produce object changes we can extract.
func Parse(data []byte) ([]string, error) {
	text := string(data)
	var files []string
	if pos := gitHeaderPos(text); pos != -1 {
		diff, errs := git_diff_parser.Parse(text[pos:])
		if len(errs) != 0 {
			return nil, fmt.Errorf("failed to parse patch: %w", errs[0])
		}
		for _, file := range diff.FileDiff {
			if file.IsBinary {
				return nil, fmt.Errorf("binary patches are not supported: %v", file.ToFile)
			}
			name := file.ToFile
			if file.Type == git_diff_parser.FileDiffTypeDeleted || name == "" {
				name = file.FromFile
			}
			files = append(files, name)
		}
	} else {
		files = parseUnified(text)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("patch does not modify any files")
	}
	sort.Strings(files)
	return dedup(files), nil
}

func gitHeaderPos(text string) int {
	if strings.HasPrefix(text, "diff --git ") {
		return 0
	}
	if pos := strings.Index(text, "\ndiff --git "); pos != -1 {
		return pos + 1
	}
	return -1
}

// parseUnified handles plain "diff -u" output that git-diff-parser does not understand.
func parseUnified(text string) []string {
	var files []string
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		name := strings.TrimPrefix(line, "+++ ")
		if tab := strings.IndexByte(name, '\t'); tab != -1 {
			name = name[:tab]
		}
		name = strings.TrimSpace(name)
		if name == "/dev/null" {
			continue
		}
		// Strip one leading path component, same as patch -p1.
		if slash := strings.IndexByte(name, '/'); slash != -1 {
			name = name[slash+1:]
		}
		files = append(files, name)
	}
	return files
}

func dedup(sorted []string) []string {
	res := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			res = append(res, s)
		}
	}
	return res
}

// MarkerName is the copy of the applied patch kept in the source tree.
// Its presence means that the tree is patched and how to revert it.
const MarkerName = "kpatch.patch"

// Tree applies patches to a source tree using patch(1).
type Tree struct {
	Dir string
	// Bin is the patch binary, "patch" if empty.
	Bin string
}

func (tree *Tree) marker() string {
	return filepath.Join(tree.Dir, MarkerName)
}

// Applied returns true if the tree contains an applied patch.
func (tree *Tree) Applied() bool {
	return osutil.IsExist(tree.marker())
}

// Apply verifies that the patch applies with a dry run, then applies it
// and records the marker.
func (tree *Tree) Apply(ctx context.Context, p *Patch) error {
	if tree.Applied() {
		return fmt.Errorf("%v already contains an applied patch", tree.Dir)
	}
	if _, err := tree.run(ctx, p.Data, "-N", "-p1", "--dry-run"); err != nil {
		return osutil.PrependContext("source patch file failed to apply", err)
	}
	if err := osutil.WriteFile(tree.marker(), p.Data); err != nil {
		return fmt.Errorf("failed to write patch marker: %w", err)
	}
	if _, err := tree.run(ctx, p.Data, "-N", "-p1"); err != nil {
		// Dry run succeeded, so the tree is most likely partially patched:
		// keep the marker so that revert is attempted.
		return osutil.PrependContext("failed to apply patch", err)
	}
	log.Logf(1, "applied %v to %v", p.File, tree.Dir)
	return nil
}

// Revert reverts the patch recorded in the marker. It's a no-op if the tree is not patched.
func (tree *Tree) Revert(ctx context.Context) error {
	data, err := os.ReadFile(tree.marker())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tree.run(ctx, data, "-p1", "-R"); err != nil {
		return osutil.PrependContext("failed to revert patch", err)
	}
	if err := os.Remove(tree.marker()); err != nil {
		return err
	}
	log.Logf(1, "reverted patch in %v", tree.Dir)
	return nil
}

func (tree *Tree) run(ctx context.Context, data []byte, args ...string) ([]byte, error) {
	bin := tree.Bin
	if bin == "" {
		bin = "patch"
	}
	cmd := osutil.Command(bin, args...)
	cmd.Dir = tree.Dir
	cmd.Stdin = bytes.NewReader(data)
	out, err := osutil.Run(ctx, cmd)
	log.Sink().Write(out)
	return out, err
}
