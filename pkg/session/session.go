// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package session drives one live patch build: it applies the patch, builds the kernel
// patched and original, finds changed units and their containers, extracts deltas
// and packages them into a patch module.
//
// All per-run state lives in Session. Cleanup runs on every exit path and is idempotent.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kpatch-go/kpatch-build/pkg/build"
	"github.com/kpatch-go/kpatch-build/pkg/cache"
	"github.com/kpatch-go/kpatch-build/pkg/changes"
	"github.com/kpatch-go/kpatch-build/pkg/differ"
	"github.com/kpatch-go/kpatch-build/pkg/kbuild"
	"github.com/kpatch-go/kpatch-build/pkg/kconfig"
	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/module"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
	"github.com/kpatch-go/kpatch-build/pkg/patch"
	"github.com/kpatch-go/kpatch-build/pkg/source"
)

// Patcher applies and reverts source patches in the kernel tree.
type Patcher interface {
	Applied() bool
	Apply(ctx context.Context, p *patch.Patch) error
	Revert(ctx context.Context) error
}

// Deps are the external collaborators of a session. Nil fields get the real implementations.
type Deps struct {
	Builder build.Builder
	Differ  differ.Differ
	Linker  module.Linker
	Source  source.Provider
	// Patcher is created for the source tree if nil.
	Patcher Patcher
}

// PreconditionError means the session can't start: bad inputs or unsuitable kernel config.
type PreconditionError struct {
	Err error
}

func (err *PreconditionError) Error() string {
	return err.Err.Error()
}

func (err *PreconditionError) Unwrap() error {
	return err.Err
}

type Session struct {
	ID      string
	cfg     *Config
	deps    Deps
	cache   *cache.Cache
	srcDir  string
	objDir  string
	scratch string
	stats   *stats
	logFile *os.File
	oldSink io.Writer
	// stashed maps files relocated from the caller-supplied source tree to their copies.
	stashed   []stash
	succeeded bool
	closed    bool
}

type stash struct {
	orig  string
	saved string
}

// New prepares the workspace: the cache, the scratch dir and the session log.
func New(cfg *Config, deps Deps) (*Session, error) {
	if err := cfg.Complete(); err != nil {
		return nil, &PreconditionError{err}
	}
	c, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:     uuid.New().String(),
		cfg:    cfg,
		deps:   deps,
		cache:  c,
		srcDir: cfg.SourceDir,
		objDir: c.ObjDir(),
		stats:  newStats(),
	}
	if s.srcDir == "" {
		s.srcDir = c.SrcDir()
	}
	s.scratch = filepath.Join(c.TmpDir(), s.ID)
	if err := osutil.MkdirAll(s.scratch); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if s.logFile, err = os.Create(c.LogFile()); err != nil {
		os.RemoveAll(s.scratch)
		return nil, fmt.Errorf("failed to create session log: %w", err)
	}
	s.oldSink = log.SetSink(s.logFile)
	if s.deps.Builder == nil {
		s.deps.Builder = &build.Make{}
	}
	if s.deps.Differ == nil {
		s.deps.Differ = &differ.Exec{Bin: cfg.Differ, CoreDir: cfg.CacheDir}
	}
	if s.deps.Linker == nil {
		s.deps.Linker = &module.LD{}
	}
	if s.deps.Source == nil {
		switch {
		case cfg.SourceTree != "":
			s.deps.Source = &source.Tree{Dir: cfg.SourceTree}
		default:
			s.deps.Source = &source.Git{Repo: cfg.GitRepo}
		}
	}
	if s.deps.Patcher == nil {
		s.deps.Patcher = &patch.Tree{Dir: s.srcDir}
	}
	log.Logf(0, "session %v: kernel %v, cache %v", s.ID, cfg.Version, cfg.CacheDir)
	return s, nil
}

// ScratchDir returns the per-session temporary directory.
func (s *Session) ScratchDir() string {
	return s.scratch
}

// LogFile returns the session log path. The file is kept if the session fails.
func (s *Session) LogFile() string {
	return s.logFile.Name()
}

// Run builds the patch module for patchFile. Cleanup is always done before Run returns.
func (s *Session) Run(ctx context.Context, patchFile string) (desc *module.Descriptor, err error) {
	defer func() {
		if err == nil {
			s.succeeded = true
		}
		cerr := s.Cleanup(context.WithoutCancel(ctx))
		if err == nil && cerr != nil {
			desc, err = nil, cerr
		}
	}()
	return s.run(ctx, patchFile)
}

func (s *Session) run(ctx context.Context, patchFile string) (*module.Descriptor, error) {
	if s.deps.Patcher.Applied() {
		log.Logf(0, "reverting stale patch left by a previous session")
		if err := s.deps.Patcher.Revert(ctx); err != nil {
			return nil, err
		}
	}
	p, configData, err := s.checkPreconditions(patchFile)
	if err != nil {
		return nil, err
	}
	if err := s.prepareTree(ctx, configData); err != nil {
		return nil, err
	}
	req := &build.Request{
		SrcDir:    s.srcDir,
		OutputDir: s.objDir,
		Targets:   s.cfg.Targets,
		Flags:     s.flags(),
		Jobs:      s.cfg.Jobs,
	}
	log.Logf(0, "applying patch %v", p.File)
	if err := s.deps.Patcher.Apply(ctx, p); err != nil {
		return nil, err
	}
	var tr *build.Transcript
	if err := s.stage("patched_build", "building patched kernel", func() (err error) {
		tr, err = s.deps.Builder.Build(ctx, req)
		return
	}); err != nil {
		return nil, osutil.PrependContext("patched build failed", err)
	}
	changed, err := changes.Detect(tr)
	if err != nil {
		return nil, err
	}
	units := changed.Sorted()
	s.stats.changedUnits.Add(len(units))
	log.Logf(0, "changed objects: %v", units)
	if err := s.stageUnits(units, s.patchedDir()); err != nil {
		return nil, err
	}
	if err := s.deps.Patcher.Revert(ctx); err != nil {
		return nil, err
	}
	if err := s.stage("original_build", "rebuilding original kernel", func() error {
		_, err := s.deps.Builder.Build(ctx, req)
		return err
	}); err != nil {
		return nil, osutil.PrependContext("original build failed", err)
	}
	if err := s.stageUnits(units, s.origDir()); err != nil {
		return nil, err
	}
	var owners map[string]kbuild.Container
	if err := s.stage("resolve", "resolving containers", func() (err error) {
		owners, err = s.resolve(units)
		return
	}); err != nil {
		return nil, err
	}
	var res *differ.Result
	if err := s.stage("diff", "extracting new and modified functions", func() (err error) {
		res, err = s.assembler().Assemble(ctx, owners)
		return
	}); err != nil {
		return nil, err
	}
	s.stats.deltas.Add(len(res.Artifacts))
	var desc *module.Descriptor
	if err := s.stage("package", "building patch module", func() (err error) {
		desc, err = s.packager().Package(ctx, s.patchName(p), res)
		return
	}); err != nil {
		return nil, err
	}
	if s.cfg.Descriptor != "" {
		if err := desc.Save(s.cfg.Descriptor); err != nil {
			return nil, fmt.Errorf("failed to save descriptor: %w", err)
		}
	}
	log.Logf(0, "built %v", desc)
	return desc, nil
}

func (s *Session) checkPreconditions(patchFile string) (*patch.Patch, []byte, error) {
	p, err := patch.Load(patchFile)
	if err != nil {
		return nil, nil, &PreconditionError{err}
	}
	cf, err := kconfig.ParseConfig(s.cfg.KernelConfig)
	if err != nil {
		return nil, nil, &PreconditionError{err}
	}
	if err := kconfig.CheckLivePatch(cf); err != nil {
		return nil, nil, &PreconditionError{err}
	}
	if s.cfg.Vmlinux != "" {
		if err := osutil.IsAccessible(s.cfg.Vmlinux); err != nil {
			return nil, nil, &PreconditionError{err}
		}
	}
	return p, cf.Serialize(), nil
}

// prepareTree makes sure the output tree holds an original build of the target kernel.
func (s *Session) prepareTree(ctx context.Context, configData []byte) error {
	if s.cfg.SourceDir != "" {
		if err := s.relocate(".config", "vmlinux"); err != nil {
			return err
		}
		if err := s.deps.Builder.Clean(ctx, s.srcDir); err != nil {
			return osutil.PrependContext("failed to clean source tree", err)
		}
	}
	reason := s.cache.Check(s.cfg.Version, s.cfg.SourceDir, configData)
	if reason == nil {
		log.Logf(0, "using cache at %v", s.cfg.CacheDir)
		return nil
	}
	log.Logf(0, "%v, doing a baseline build", reason)
	return s.stage("baseline", "building original kernel", func() error {
		if err := s.cache.Invalidate(); err != nil {
			return err
		}
		if s.cfg.SourceDir == "" {
			if err := s.deps.Source.Fetch(ctx, s.cfg.Version, s.srcDir); err != nil {
				return osutil.PrependContext("failed to fetch kernel sources", err)
			}
		}
		if err := osutil.WriteFile(s.cache.ConfigFile(), configData); err != nil {
			return err
		}
		_, err := s.deps.Builder.Build(ctx, &build.Request{
			SrcDir:    s.srcDir,
			OutputDir: s.objDir,
			Targets:   s.cfg.Targets,
			Flags:     s.flags(),
			Jobs:      s.cfg.Jobs,
		})
		if err != nil {
			return osutil.PrependContext("baseline build failed", err)
		}
		return s.cache.Commit(&cache.Meta{
			Version:   s.cfg.Version,
			SourceDir: s.cfg.SourceDir,
			Session:   s.ID,
			Built:     time.Now(),
			Targets:   s.cfg.Targets,
		})
	})
}

// relocate moves files out of the caller-supplied source tree until cleanup.
func (s *Session) relocate(names ...string) error {
	dir := filepath.Join(s.scratch, "relocated")
	for _, name := range names {
		orig := filepath.Join(s.srcDir, name)
		if !osutil.IsExist(orig) {
			continue
		}
		saved := filepath.Join(dir, name)
		if err := osutil.CopyFile(orig, saved); err != nil {
			return fmt.Errorf("failed to save %v: %w", orig, err)
		}
		s.stashed = append(s.stashed, stash{orig: orig, saved: saved})
		if err := os.Remove(orig); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) flags() []string {
	flags := append([]string(nil), build.SectionFlags...)
	if s.cfg.ModuleTemplate != "" {
		flags = append(flags, "-I"+s.cfg.ModuleTemplate)
	}
	return flags
}

func (s *Session) patchedDir() string { return filepath.Join(s.scratch, "patched") }
func (s *Session) origDir() string    { return filepath.Join(s.scratch, "orig") }

// stageUnits copies the freshly built units so that the next build doesn't overwrite them.
func (s *Session) stageUnits(units []string, dir string) error {
	for _, unit := range units {
		src := filepath.Join(s.objDir, filepath.FromSlash(unit))
		if err := osutil.CopyFile(src, filepath.Join(dir, filepath.FromSlash(unit))); err != nil {
			return fmt.Errorf("failed to stage %v: %w", unit, err)
		}
	}
	return nil
}

func (s *Session) resolve(units []string) (map[string]kbuild.Container, error) {
	graph, err := kbuild.ReadGraph(s.objDir)
	if err != nil {
		return nil, err
	}
	log.Logf(1, "read %v dependency records", graph.Len())
	resolver := kbuild.NewResolver(graph, kbuild.WithExists(func(unit string) bool {
		return osutil.IsExist(filepath.Join(s.objDir, filepath.FromSlash(unit)))
	}))
	owners := make(map[string]kbuild.Container)
	for _, unit := range units {
		container, err := resolver.Resolve(unit)
		if err != nil {
			return nil, err
		}
		log.Logf(1, "%v is part of %v", unit, container)
		owners[unit] = container
	}
	return owners, nil
}

func (s *Session) vmlinux() string {
	if s.cfg.Vmlinux != "" {
		return s.cfg.Vmlinux
	}
	return filepath.Join(s.objDir, "vmlinux")
}

func (s *Session) assembler() *differ.Assembler {
	return &differ.Assembler{
		Differ:     s.deps.Differ,
		OrigDir:    s.origDir(),
		PatchedDir: s.patchedDir(),
		OutputDir:  filepath.Join(s.scratch, "output"),
		ObjDir:     s.objDir,
		Vmlinux:    s.vmlinux(),
		Parallel:   s.cfg.Jobs,
		Debug:      s.cfg.Debug,
		DiffTime:   s.stats.differTime,
	}
}

func (s *Session) packager() *module.Packager {
	outputDir := s.cfg.OutputDir
	if outputDir == "" {
		outputDir = "."
	}
	return &module.Packager{
		Builder:     s.deps.Builder,
		Linker:      s.deps.Linker,
		SrcDir:      s.srcDir,
		ObjDir:      s.objDir,
		TemplateDir: s.cfg.ModuleTemplate,
		BuildDir:    filepath.Join(s.scratch, "patch"),
		OutputDir:   outputDir,
		Jobs:        s.cfg.Jobs,
	}
}

func (s *Session) patchName(p *patch.Patch) string {
	if s.cfg.Name != "" {
		return s.cfg.Name
	}
	return p.Name
}

// stage runs one timed pipeline stage.
func (s *Session) stage(name, title string, fn func() error) error {
	log.Logf(0, "%v", title)
	start := time.Now()
	err := fn()
	s.stats.stages[name].Since(start)
	return err
}

// Cleanup reverts the patch if it's still applied, restores relocated files
// and removes the scratch dir (unless debug). It's safe to call it multiple times.
func (s *Session) Cleanup(ctx context.Context) error {
	var errs []error
	if s.deps.Patcher.Applied() {
		if err := s.deps.Patcher.Revert(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	var kept []stash
	for _, st := range s.stashed {
		if err := osutil.Rename(st.saved, st.orig); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %v: %w", st.orig, err))
			kept = append(kept, st)
		}
	}
	s.stashed = kept
	if s.cfg.Debug {
		log.Logf(0, "keeping scratch dir %v", s.scratch)
	} else if len(s.stashed) == 0 {
		if err := os.RemoveAll(s.scratch); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.MetricsFile != "" {
		if err := s.stats.set.WriteTextfile(s.cfg.MetricsFile); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
	}
	if !s.closed {
		s.closed = true
		s.stats.log()
		log.SetSink(s.oldSink)
		s.logFile.Close()
		if s.succeeded && len(errs) == 0 && !s.cfg.Debug {
			os.Remove(s.logFile.Name())
		} else {
			log.Logf(0, "session log is saved to %v", s.logFile.Name())
		}
	}
	return errors.Join(errs...)
}
