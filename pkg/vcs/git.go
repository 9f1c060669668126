// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
)

// Git is a checkout in Dir.
type Git struct {
	Dir string
}

// CheckoutTag re-creates the checkout with the tag from repo.
// Only the tagged tree is fetched, without history.
func (git *Git) CheckoutTag(ctx context.Context, repo, tag string) (*Commit, error) {
	if !CheckRepoAddress(repo) {
		return nil, fmt.Errorf("bad git repo address %q", repo)
	}
	if err := git.initRepo(ctx); err != nil {
		return nil, err
	}
	if _, err := git.run(ctx, "remote", "add", "origin", repo); err != nil {
		return nil, err
	}
	log.Logf(0, "fetching %v from %v", tag, repo)
	if _, err := git.run(ctx, "fetch", "--depth=1", "origin", "refs/tags/"+tag); err != nil {
		return nil, osutil.PrependContext(fmt.Sprintf("failed to fetch %v", tag), err)
	}
	if _, err := git.run(ctx, "checkout", "FETCH_HEAD"); err != nil {
		return nil, err
	}
	return git.HeadCommit(ctx)
}

func (git *Git) initRepo(ctx context.Context) error {
	if err := os.RemoveAll(git.Dir); err != nil {
		return fmt.Errorf("failed to remove repo dir: %w", err)
	}
	if err := osutil.MkdirAll(git.Dir); err != nil {
		return fmt.Errorf("failed to create repo dir: %w", err)
	}
	_, err := git.run(ctx, "init")
	return err
}

// HeadCommit returns info about the HEAD commit of the checkout.
func (git *Git) HeadCommit(ctx context.Context) (*Commit, error) {
	output, err := git.run(ctx, "log", "--format=%H%n%s%n%ae%n%ad", "-n", "1", "HEAD")
	if err != nil {
		return nil, err
	}
	return gitParseCommit(output)
}

func (git *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	return osutil.RunCmd(ctx, git.Dir, "git", args...)
}

func gitParseCommit(output []byte) (*Commit, error) {
	lines := bytes.Split(output, []byte{'\n'})
	if len(lines) < 4 || len(lines[0]) != 40 {
		return nil, fmt.Errorf("unexpected git log output: %q", output)
	}
	const dateFormat = "Mon Jan 2 15:04:05 2006 -0700"
	date, err := time.Parse(dateFormat, string(lines[3]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse date in git log output: %w\n%q", err, output)
	}
	return &Commit{
		Hash:   string(lines[0]),
		Title:  string(lines[1]),
		Author: string(lines[2]),
		Date:   date,
	}, nil
}
