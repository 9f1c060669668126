// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cache manages the persistent directory with the last built kernel
// source and output trees.
//
// The layout is:
//
//	<dir>/src/        kernel sources, unless the build uses an external source tree
//	<dir>/obj/        build output tree (O=), contains .config
//	<dir>/tmp/        per-session scratch dirs
//	<dir>/version     kernel version the trees were built for
//	<dir>/meta.json   details of the build that produced the trees
//	<dir>/build.log   log of the last session
package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kpatch-go/kpatch-build/pkg/config"
	"github.com/kpatch-go/kpatch-build/pkg/kconfig"
	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

type Cache struct {
	Dir string
}

// Meta describes the build that populated the cache.
type Meta struct {
	Version string `json:"version"`
	// SourceDir is the external source tree used for the build, empty if sources are in src/.
	SourceDir string    `json:"source_dir,omitempty"`
	Session   string    `json:"session"`
	Built     time.Time `json:"built"`
	Targets   []string  `json:"targets"`
}

func Open(dir string) (*Cache, error) {
	c := &Cache{Dir: dir}
	for _, sub := range []string{dir, c.TmpDir()} {
		if err := osutil.MkdirAll(sub); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}
	return c, nil
}

func (c *Cache) SrcDir() string      { return filepath.Join(c.Dir, "src") }
func (c *Cache) ObjDir() string      { return filepath.Join(c.Dir, "obj") }
func (c *Cache) TmpDir() string      { return filepath.Join(c.Dir, "tmp") }
func (c *Cache) LogFile() string     { return filepath.Join(c.Dir, "build.log") }
func (c *Cache) ConfigFile() string  { return filepath.Join(c.ObjDir(), ".config") }
func (c *Cache) versionFile() string { return filepath.Join(c.Dir, "version") }
func (c *Cache) metaFile() string    { return filepath.Join(c.Dir, "meta.json") }

// Version returns the kernel version of the cached trees, or "" if the cache is empty.
func (c *Cache) Version() string {
	data, err := os.ReadFile(c.versionFile())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Meta returns details of the last successful baseline build.
func (c *Cache) Meta() (*Meta, error) {
	meta := new(Meta)
	if err := config.LoadFile(c.metaFile(), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Check returns nil if the cached trees were built for the version with the config
// from sourceDir (empty sourceDir means the sources are in src/).
// Otherwise it returns the reason why they can't be reused.
func (c *Cache) Check(version, sourceDir string, cfg []byte) error {
	have := c.Version()
	if have == "" {
		return fmt.Errorf("cache is empty")
	}
	if have != version {
		return fmt.Errorf("cache is built for %v, requested %v", have, version)
	}
	meta, err := c.Meta()
	if err != nil {
		return fmt.Errorf("cache has no metadata: %w", err)
	}
	if meta.SourceDir != sourceDir {
		return fmt.Errorf("cache is built from %v, requested %v", sourceName(meta.SourceDir), sourceName(sourceDir))
	}
	if (sourceDir == "" && !osutil.IsExist(c.SrcDir())) || !osutil.IsExist(c.ObjDir()) {
		return fmt.Errorf("cache trees are missing")
	}
	cached, err := os.ReadFile(c.ConfigFile())
	if err != nil {
		return fmt.Errorf("cache has no config: %w", err)
	}
	changed := kconfig.ParseConfigData(cached).Changed(kconfig.ParseConfigData(cfg))
	if len(changed) == 0 {
		return nil
	}
	log.Logf(1, "kernel config changed:\n%s", ConfigDiff(cached, cfg))
	const maxNames = 10
	names := changed
	if len(names) > maxNames {
		names = append(names[:maxNames:maxNames], "...")
	}
	return fmt.Errorf("kernel config changed: %v", strings.Join(names, " "))
}

func sourceName(dir string) string {
	if dir == "" {
		return "fetched sources"
	}
	return dir
}

// Invalidate removes the cached trees. The version file is removed first,
// so an interrupted invalidation never leaves a valid-looking cache.
func (c *Cache) Invalidate() error {
	for _, file := range []string{c.versionFile(), c.metaFile()} {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	for _, dir := range []string{c.SrcDir(), c.ObjDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %v: %w", dir, err)
		}
	}
	return osutil.MkdirAll(c.ObjDir())
}

// Commit marks the cached trees as built for meta.Version.
func (c *Cache) Commit(meta *Meta) error {
	if err := config.SaveFile(c.metaFile(), meta); err != nil {
		return err
	}
	return osutil.WriteFile(c.versionFile(), []byte(meta.Version+"\n"))
}

// ConfigDiff renders a line diff between two config files.
func ConfigDiff(from, to []byte) string {
	differ := dmp.New()
	a, b, lines := differ.DiffLinesToChars(string(from), string(to))
	diffs := differ.DiffCharsToLines(differ.DiffMain(a, b, false), lines)
	buf := new(bytes.Buffer)
	for _, diff := range diffs {
		var mark string
		switch diff.Type {
		case dmp.DiffDelete:
			mark = "-"
		case dmp.DiffInsert:
			mark = "+"
		default:
			continue
		}
		for _, line := range strings.SplitAfter(diff.Text, "\n") {
			if line == "" {
				continue
			}
			buf.WriteString(mark + line)
		}
	}
	return buf.String()
}
