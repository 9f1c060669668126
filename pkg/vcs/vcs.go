// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package vcs provides helper functions for fetching kernel sources from git repositories.
package vcs

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type Commit struct {
	Hash   string
	Title  string
	Author string
	Date   time.Time
}

var (
	gitRepoRe    = regexp.MustCompile(`^(git|ssh|http|https|ftp|ftps)://[a-zA-Z0-9-_]+(\.[a-zA-Z0-9-_]+)+(:[0-9]+)?/[a-zA-Z0-9-_./]+(\.git)?(/)?$`)
	releaseTagRe = regexp.MustCompile(`^v([0-9]+)\.([0-9]+)(?:\.([0-9]+))?$`)
	versionRe    = regexp.MustCompile(`^([0-9]+)\.([0-9]+)(?:\.([0-9]+))?`)
)

// CheckRepoAddress does a best-effort approximate check of a git repo address.
// Local paths are accepted as well.
func CheckRepoAddress(repo string) bool {
	return gitRepoRe.MatchString(repo) || len(repo) > 0 && repo[0] == '/'
}

// ParseReleaseTag parses a kernel release tag like v6.8 or v6.8.3.
// v3 is -1 for tags without a stable suffix. All values are -1 if the tag is not a release tag.
func ParseReleaseTag(tag string) (v1, v2, v3 int) {
	v1, v2, v3 = -1, -1, -1
	match := releaseTagRe.FindStringSubmatch(tag)
	if match == nil {
		return
	}
	v1, _ = strconv.Atoi(match[1])
	v2, _ = strconv.Atoi(match[2])
	if match[3] != "" {
		v3, _ = strconv.Atoi(match[3])
	}
	return
}

// ReleaseTag returns the upstream tag for a kernel release string as reported by uname -r.
// The local version suffix is dropped: 6.8.0-45-generic is v6.8, 6.8.3 is v6.8.3.
func ReleaseTag(release string) (string, error) {
	match := versionRe.FindStringSubmatch(release)
	if match == nil {
		return "", fmt.Errorf("bad kernel release %q", release)
	}
	if match[3] == "" || match[3] == "0" {
		return fmt.Sprintf("v%v.%v", match[1], match[2]), nil
	}
	return fmt.Sprintf("v%v.%v.%v", match[1], match[2], match[3]), nil
}
