// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kpatch-go/kpatch-build/pkg/build"
	"github.com/kpatch-go/kpatch-build/pkg/changes"
	"github.com/kpatch-go/kpatch-build/pkg/differ"
	"github.com/kpatch-go/kpatch-build/pkg/kbuild"
	"github.com/kpatch-go/kpatch-build/pkg/kconfig"
	"github.com/kpatch-go/kpatch-build/pkg/module"
	"github.com/kpatch-go/kpatch-build/pkg/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `CONFIG_MODULES=y
CONFIG_FUNCTION_TRACER=y
CONFIG_LIVEPATCH=y
CONFIG_DEBUG_INFO=y
CONFIG_FOO=m
`

const testPatch = `diff --git a/drivers/foo/foo.c b/drivers/foo/foo.c
index 1111111..2222222 100644
--- a/drivers/foo/foo.c
+++ b/drivers/foo/foo.c
@@ -1,1 +1,1 @@
-int foo;
+int foo = 1;
`

// baselineTree is the build output tree of the original kernel.
var baselineTree = map[string]string{
	"vmlinux":                   "",
	"init/version.o":            "",
	"kernel/fork.o":             "orig",
	"kernel/built-in.a":         "",
	"kernel/.built-in.a.cmd":    "savedcmd_kernel/built-in.a := rm -f kernel/built-in.a; printf \"kernel/%s \" fork.o | xargs ar cDPrST kernel/built-in.a\n",
	"drivers/foo/foo.o":         "orig",
	"drivers/foo/foo.ko":        "",
	"drivers/foo/.foo.ko.cmd":   "savedcmd_drivers/foo/foo.ko := ld -r -o drivers/foo/foo.ko drivers/foo/foo.o drivers/foo/foo.mod.o\n",
	"drivers/foo/foo.mod.o":     "",
	"drivers/foo/.foo.o.cmd":    "savedcmd_drivers/foo/foo.o := gcc -c -o drivers/foo/foo.o drivers/foo/foo.c\n",
	"drivers/foo/modules.order": "",
}

type fakeBuild struct {
	transcript string
	files      map[string]string
	err        error
}

type fakeBuilder struct {
	mu        sync.Mutex
	builds    []fakeBuild
	reqs      []*build.Request
	moduleReq *build.ModuleRequest
	cleaned   []string
	onClean   func(srcDir string)
}

func (b *fakeBuilder) Build(ctx context.Context, req *build.Request) (*build.Transcript, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	if len(b.builds) == 0 {
		return build.NewTranscript(nil), errors.New("unexpected build")
	}
	next := b.builds[0]
	b.builds = b.builds[1:]
	for name, data := range next.files {
		file := filepath.Join(req.OutputDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(file, []byte(data), 0644); err != nil {
			return nil, err
		}
	}
	return build.NewTranscript([]byte(next.transcript)), next.err
}

func (b *fakeBuilder) BuildModule(ctx context.Context, req *build.ModuleRequest) (*build.Transcript, error) {
	b.moduleReq = req
	ko := filepath.Join(req.ModuleDir, req.Name+".ko")
	return build.NewTranscript(nil), os.WriteFile(ko, []byte("patch module"), 0644)
}

func (b *fakeBuilder) Clean(ctx context.Context, srcDir string) error {
	b.cleaned = append(b.cleaned, srcDir)
	if b.onClean != nil {
		b.onClean(srcDir)
	}
	return nil
}

type fakeDiffer struct {
	mu   sync.Mutex
	reqs []*differ.Request
	err  error
}

func (d *fakeDiffer) Diff(ctx context.Context, req *differ.Request) error {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0755); err != nil {
		return err
	}
	return os.WriteFile(req.Output, []byte("delta"), 0644)
}

type fakeLinker struct {
	inputs []string
}

func (l *fakeLinker) Link(ctx context.Context, output string, inputs []string) error {
	l.inputs = inputs
	return os.WriteFile(output, nil, 0644)
}

type fakeSource struct {
	fetched []string
}

func (src *fakeSource) Fetch(ctx context.Context, version, dir string) error {
	src.fetched = append(src.fetched, version)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "Makefile"), nil, 0644)
}

type fakePatcher struct {
	applied  bool
	applyErr error
	ops      []string
}

func (p *fakePatcher) Applied() bool {
	return p.applied
}

func (p *fakePatcher) Apply(ctx context.Context, _ *patch.Patch) error {
	p.ops = append(p.ops, "apply")
	if p.applyErr != nil {
		return p.applyErr
	}
	p.applied = true
	return nil
}

func (p *fakePatcher) Revert(ctx context.Context) error {
	p.ops = append(p.ops, "revert")
	p.applied = false
	return nil
}

type testEnv struct {
	t         *testing.T
	dir       string
	cfg       *Config
	builder   *fakeBuilder
	differ    *fakeDiffer
	linker    *fakeLinker
	source    *fakeSource
	patcher   *fakePatcher
	patchFile string
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	env := &testEnv{
		t:         t,
		dir:       dir,
		builder:   new(fakeBuilder),
		differ:    new(fakeDiffer),
		linker:    new(fakeLinker),
		source:    new(fakeSource),
		patcher:   new(fakePatcher),
		patchFile: filepath.Join(dir, "fix foo.patch"),
	}
	require.NoError(t, os.WriteFile(env.patchFile, []byte(testPatch), 0644))
	kernelConfig := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(kernelConfig, []byte(testConfig), 0644))
	env.cfg = &Config{
		CacheDir:     filepath.Join(dir, "cache"),
		KernelConfig: kernelConfig,
		Version:      "6.8.0",
		OutputDir:    filepath.Join(dir, "out"),
		Jobs:         2,
	}
	return env
}

func (env *testEnv) deps() Deps {
	return Deps{
		Builder: env.builder,
		Differ:  env.differ,
		Linker:  env.linker,
		Source:  env.source,
		Patcher: env.patcher,
	}
}

// expectBuilds queues the baseline (if needed), patched and original builds.
func (env *testEnv) expectBuilds(baseline bool, patched fakeBuild) {
	if baseline {
		env.builder.builds = append(env.builder.builds, fakeBuild{files: baselineTree})
	}
	env.builder.builds = append(env.builder.builds, patched, fakeBuild{})
}

func (env *testEnv) run() (*Session, *module.Descriptor, error) {
	s, err := New(env.cfg, env.deps())
	require.NoError(env.t, err)
	desc, err := s.Run(context.Background(), env.patchFile)
	return s, desc, err
}

func TestRunModuleUnit(t *testing.T) {
	env := newTestEnv(t)
	env.expectBuilds(true, fakeBuild{
		transcript: "  CC [M]  drivers/foo/foo.o\n  CC      init/version.o\n  LD [M]  drivers/foo/foo.ko\n",
		files:      map[string]string{"drivers/foo/foo.o": "patched"},
	})
	s, desc, err := env.run()
	require.NoError(t, err)

	assert.Equal(t, "fix-foo", desc.Name)
	assert.Equal(t, filepath.Join(env.cfg.OutputDir, "kpatch-fix-foo.ko"), desc.Module)
	require.Len(t, desc.Artifacts, 1)
	assert.Equal(t, "drivers/foo/foo.o", desc.Artifacts[0].Unit)
	assert.Equal(t, "foo", desc.Artifacts[0].Container)
	assert.FileExists(t, desc.Module)

	require.Len(t, env.differ.reqs, 1)
	req := env.differ.reqs[0]
	assert.Equal(t, filepath.Join(s.objDir, "drivers/foo/foo.ko"), req.Container)
	assert.Equal(t, []string{"apply", "revert"}, env.patcher.ops)
	assert.False(t, env.patcher.applied)
	assert.Equal(t, []string{"6.8.0"}, env.source.fetched)
	assert.Len(t, env.builder.reqs, 3)
	for _, req := range env.builder.reqs {
		assert.Equal(t, DefaultTargets, req.Targets)
		assert.Equal(t, build.SectionFlags, req.Flags)
		assert.Equal(t, s.objDir, req.OutputDir)
	}
	assert.Equal(t, "kpatch-fix-foo", env.builder.moduleReq.Name)
	assert.Empty(t, env.builder.cleaned)
	// Scratch and the session log are removed on success.
	assert.NoDirExists(t, s.ScratchDir())
	assert.NoFileExists(t, s.cache.LogFile())
	assert.Equal(t, "6.8.0", s.cache.Version())
}

func TestRunCoreImageUnit(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Name = "fork fix"
	env.expectBuilds(true, fakeBuild{
		transcript: "  CC      kernel/fork.o\n  AR      kernel/built-in.a\n",
	})
	s, desc, err := env.run()
	require.NoError(t, err)
	assert.Equal(t, "fork-fix", desc.Name)
	require.Len(t, desc.Artifacts, 1)
	assert.Equal(t, "vmlinux", desc.Artifacts[0].Container)
	require.Len(t, env.differ.reqs, 1)
	assert.Equal(t, filepath.Join(s.objDir, "vmlinux"), env.differ.reqs[0].Container)
}

func TestRunLayoutChange(t *testing.T) {
	env := newTestEnv(t)
	env.expectBuilds(true, fakeBuild{
		transcript: "  CC      arch/x86/kernel/asm-offsets.s\n  CC      kernel/fork.o\n",
	})
	s, _, err := env.run()
	var layout *changes.LayoutChangeError
	require.True(t, errors.As(err, &layout), "got %v", err)
	assert.Empty(t, env.differ.reqs)
	assert.False(t, env.patcher.applied)
	assert.NoDirExists(t, s.ScratchDir())
	// The log is kept for failed sessions.
	assert.FileExists(t, s.cache.LogFile())
}

func TestRunNoChanges(t *testing.T) {
	env := newTestEnv(t)
	env.expectBuilds(true, fakeBuild{
		transcript: "  CC      init/version.o\n  LD      vmlinux\n",
	})
	s, desc, err := env.run()
	assert.Nil(t, desc)
	assert.True(t, errors.Is(err, changes.ErrNoChanges), "got %v", err)
	assert.Contains(t, err.Error(), "no changes detected")
	assert.Empty(t, env.differ.reqs)
	assert.Equal(t, []string{"apply", "revert"}, env.patcher.ops)
	assert.NoDirExists(t, s.ScratchDir())
}

func TestRunRevertsOnBuildFailure(t *testing.T) {
	env := newTestEnv(t)
	env.expectBuilds(true, fakeBuild{
		transcript: "  CC      kernel/fork.o\n",
		err:        errors.New("kernel/fork.c:10:1: error: expected ';'"),
	})
	_, _, err := env.run()
	assert.ErrorContains(t, err, "patched build failed")
	assert.Equal(t, []string{"apply", "revert"}, env.patcher.ops)
	assert.False(t, env.patcher.applied)
}

func TestRunRevertsOnOriginalBuildFailure(t *testing.T) {
	env := newTestEnv(t)
	env.builder.builds = []fakeBuild{
		{files: baselineTree},
		{transcript: "  CC      kernel/fork.o\n"},
		{err: errors.New("original build broke")},
	}
	_, _, err := env.run()
	assert.ErrorContains(t, err, "original build failed")
	assert.Equal(t, []string{"apply", "revert"}, env.patcher.ops)
	assert.Empty(t, env.differ.reqs)
}

func TestRunDifferCrash(t *testing.T) {
	env := newTestEnv(t)
	env.differ.err = &differ.CrashError{Unit: "kernel/fork.o", Signal: "SIGSEGV"}
	env.expectBuilds(true, fakeBuild{transcript: "  CC      kernel/fork.o\n"})
	_, _, err := env.run()
	var crash *differ.CrashError
	require.True(t, errors.As(err, &crash), "got %v", err)
	assert.Len(t, env.differ.reqs, 1)
	assert.False(t, env.patcher.applied)
}

func TestRunAmbiguous(t *testing.T) {
	env := newTestEnv(t)
	env.expectBuilds(true, fakeBuild{
		transcript: "  CC      kernel/fork.o\n",
		files: map[string]string{
			"kernel/other.a":      "",
			"kernel/.other.a.cmd": "savedcmd_kernel/other.a := ar cDPrST kernel/other.a kernel/fork.o\n",
		},
	})
	_, _, err := env.run()
	var ambiguous *kbuild.AmbiguousError
	require.True(t, errors.As(err, &ambiguous), "got %v", err)
	assert.Equal(t, "kernel/fork.o", ambiguous.Unit)
	assert.Empty(t, env.differ.reqs)
}

func TestRunStalePatch(t *testing.T) {
	env := newTestEnv(t)
	env.patcher.applied = true
	env.expectBuilds(true, fakeBuild{transcript: "  CC      kernel/fork.o\n"})
	_, _, err := env.run()
	require.NoError(t, err)
	assert.Equal(t, []string{"revert", "apply", "revert"}, env.patcher.ops)
}

func TestRunApplyFailure(t *testing.T) {
	env := newTestEnv(t)
	env.patcher.applyErr = errors.New("source patch file failed to apply")
	env.builder.builds = []fakeBuild{{files: baselineTree}}
	_, _, err := env.run()
	assert.ErrorContains(t, err, "failed to apply")
	assert.Len(t, env.builder.reqs, 1)
}

func TestRunCacheReuse(t *testing.T) {
	env := newTestEnv(t)
	env.expectBuilds(true, fakeBuild{transcript: "  CC      kernel/fork.o\n"})
	_, _, err := env.run()
	require.NoError(t, err)

	// Same version and config: no baseline build.
	env.expectBuilds(false, fakeBuild{transcript: "  CC [M]  drivers/foo/foo.o\n"})
	_, _, err = env.run()
	require.NoError(t, err)
	assert.Equal(t, []string{"6.8.0"}, env.source.fetched)
	assert.Len(t, env.builder.reqs, 5)

	// Config change invalidates the cache.
	require.NoError(t, os.WriteFile(env.cfg.KernelConfig, []byte(testConfig+"CONFIG_BAR=y\n"), 0644))
	env.expectBuilds(true, fakeBuild{transcript: "  CC      kernel/fork.o\n"})
	_, _, err = env.run()
	require.NoError(t, err)
	assert.Equal(t, []string{"6.8.0", "6.8.0"}, env.source.fetched)

	// An external source tree is reused the same way, and switching trees rebuilds.
	env = newTestEnv(t)
	srcDir := filepath.Join(env.dir, "linux")
	require.NoError(t, os.MkdirAll(srcDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, ".config"), []byte(testConfig), 0644))
	env.cfg.SourceDir = srcDir
	env.cfg.KernelConfig = ""
	env.expectBuilds(true, fakeBuild{transcript: "  CC      kernel/fork.o\n"})
	_, _, err = env.run()
	require.NoError(t, err)
	env.expectBuilds(false, fakeBuild{transcript: "  CC [M]  drivers/foo/foo.o\n"})
	_, desc, err := env.run()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.cfg.OutputDir, "kpatch-fix-foo.ko"), desc.Module)
	assert.Len(t, env.builder.reqs, 5)
	assert.Empty(t, env.source.fetched)
	assert.Empty(t, env.builder.builds)

	otherDir := filepath.Join(env.dir, "linux-other")
	require.NoError(t, os.MkdirAll(otherDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(otherDir, ".config"), []byte(testConfig), 0644))
	env.cfg.SourceDir = otherDir
	env.cfg.KernelConfig = ""
	env.expectBuilds(true, fakeBuild{transcript: "  CC      kernel/fork.o\n"})
	_, _, err = env.run()
	require.NoError(t, err)
	assert.Len(t, env.builder.reqs, 8)
}

func TestRunPrecondition(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.cfg.KernelConfig, []byte("CONFIG_MODULES=y\n"), 0644))
	_, _, err := env.run()
	var precond *PreconditionError
	require.True(t, errors.As(err, &precond), "got %v", err)
	var unmet *kconfig.UnmetError
	assert.True(t, errors.As(err, &unmet))
	assert.Empty(t, env.builder.reqs)
	assert.Empty(t, env.patcher.ops)

	env = newTestEnv(t)
	env.patchFile = filepath.Join(env.dir, "missing.patch")
	_, _, err = env.run()
	assert.True(t, errors.As(err, &precond), "got %v", err)
}

func TestRunSourceDir(t *testing.T) {
	env := newTestEnv(t)
	srcDir := filepath.Join(env.dir, "linux")
	require.NoError(t, os.MkdirAll(srcDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, ".config"), []byte(testConfig), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "vmlinux"), []byte("user vmlinux"), 0644))
	env.cfg.SourceDir = srcDir
	env.cfg.KernelConfig = ""
	env.builder.onClean = func(dir string) {
		assert.NoFileExists(t, filepath.Join(dir, ".config"))
		assert.NoFileExists(t, filepath.Join(dir, "vmlinux"))
	}
	env.expectBuilds(true, fakeBuild{transcript: "  CC      kernel/fork.o\n"})
	s, _, err := env.run()
	require.NoError(t, err)
	assert.Equal(t, []string{srcDir}, env.builder.cleaned)
	assert.Empty(t, env.source.fetched)
	for _, req := range env.builder.reqs {
		assert.Equal(t, srcDir, req.SrcDir)
	}
	data, err := os.ReadFile(filepath.Join(srcDir, "vmlinux"))
	require.NoError(t, err)
	assert.Equal(t, "user vmlinux", string(data))
	assert.FileExists(t, filepath.Join(srcDir, ".config"))
	assert.NoDirExists(t, s.ScratchDir())
}

func TestCleanupIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.MetricsFile = filepath.Join(env.dir, "kpatch.prom")
	s, err := New(env.cfg, env.deps())
	require.NoError(t, err)
	assert.DirExists(t, s.ScratchDir())
	env.patcher.applied = true
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Cleanup(ctx))
		assert.NoDirExists(t, s.ScratchDir())
		assert.False(t, env.patcher.applied)
	}
	assert.Equal(t, []string{"revert"}, env.patcher.ops)
	assert.FileExists(t, env.cfg.MetricsFile)
}

func TestDebugKeepsScratch(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Debug = true
	env.cfg.Descriptor = filepath.Join(env.dir, "descriptor.json")
	env.cfg.MetricsFile = filepath.Join(env.dir, "kpatch.prom")
	env.cfg.ModuleTemplate = filepath.Join(env.dir, "template")
	require.NoError(t, os.MkdirAll(env.cfg.ModuleTemplate, 0755))
	env.expectBuilds(true, fakeBuild{transcript: "  CC      kernel/fork.o\n"})
	s, desc, err := env.run()
	require.NoError(t, err)
	assert.DirExists(t, s.ScratchDir())
	assert.FileExists(t, filepath.Join(s.ScratchDir(), "patched", "kernel", "fork.o"))
	assert.FileExists(t, filepath.Join(s.ScratchDir(), "orig", "kernel", "fork.o"))
	assert.FileExists(t, s.cache.LogFile())
	assert.True(t, env.differ.reqs[0].Debug)
	for _, req := range env.builder.reqs {
		assert.Equal(t, append(append([]string(nil), build.SectionFlags...), "-I"+env.cfg.ModuleTemplate), req.Flags)
	}

	loaded, err := module.LoadDescriptor(env.cfg.Descriptor)
	require.NoError(t, err)
	assert.Equal(t, desc, loaded)
	metrics, err := os.ReadFile(env.cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "kpatch_changed_units 1")
	assert.Contains(t, string(metrics), "kpatch_deltas 1")
}

func TestConfigComplete(t *testing.T) {
	cfg := &Config{KernelConfig: "/boot/config"}
	assert.ErrorContains(t, cfg.Complete(), "version")

	cfg = &Config{Version: "6.8.0"}
	assert.ErrorContains(t, cfg.Complete(), "kernel config")

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	cfg = &Config{Version: "6.8.0", SourceDir: "/src/linux"}
	require.NoError(t, cfg.Complete())
	assert.Equal(t, filepath.Join(home, ".kpatch"), cfg.CacheDir)
	assert.Equal(t, "/src/linux/.config", cfg.KernelConfig)
	assert.Equal(t, DefaultTargets, cfg.Targets)

	cfg = &Config{Version: "6.8.0", KernelConfig: "/boot/config", GitRepo: "not a repo"}
	assert.ErrorContains(t, cfg.Complete(), "bad git repo")
}

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "kpatch.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
cache_dir: /var/cache/kpatch
version: 6.8.0
targets: [vmlinux]
jobs: 8
`), 0644))
	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/kpatch", cfg.CacheDir)
	assert.Equal(t, DefaultGitRepo, cfg.GitRepo)
	assert.Equal(t, []string{"vmlinux"}, cfg.Targets)
	assert.Equal(t, 8, cfg.Jobs)

	require.NoError(t, os.WriteFile(file, []byte("unknown_field: 1\n"), 0644))
	_, err = LoadConfig(file)
	assert.Error(t, err)
}
