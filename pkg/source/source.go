// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package source acquires kernel source trees for baseline builds.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
	"github.com/kpatch-go/kpatch-build/pkg/vcs"
)

// Provider puts the sources of the kernel version into dir.
// dir is re-created, any previous content is lost.
type Provider interface {
	Fetch(ctx context.Context, version, dir string) error
}

// Tree copies a prepared source tree (e.g. installed kernel sources).
type Tree struct {
	Dir string
}

func (tree *Tree) Fetch(ctx context.Context, version, dir string) error {
	if err := osutil.IsAccessible(filepath.Join(tree.Dir, "Makefile")); err != nil {
		return fmt.Errorf("%v is not a kernel source tree: %w", tree.Dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	log.Logf(0, "copying kernel sources from %v", tree.Dir)
	return osutil.CopyDirRecursively(tree.Dir, dir)
}

// Git checks out the release tag matching the version.
type Git struct {
	Repo string
}

func (git *Git) Fetch(ctx context.Context, version, dir string) error {
	tag, err := vcs.ReleaseTag(version)
	if err != nil {
		return err
	}
	repo := &vcs.Git{Dir: dir}
	com, err := repo.CheckoutTag(ctx, git.Repo, tag)
	if err != nil {
		return err
	}
	log.Logf(0, "checked out %v %.12v %q", tag, com.Hash, com.Title)
	return nil
}
