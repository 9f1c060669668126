// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package module

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kpatch-go/kpatch-build/pkg/build"
	"github.com/kpatch-go/kpatch-build/pkg/differ"
	"github.com/kpatch-go/kpatch-build/pkg/kbuild"
	"github.com/kpatch-go/kpatch-build/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"meminfo-fix", "meminfo-fix"},
		{"fix meminfo.v2", "fix-meminfo-v2"},
		{"CVE_2026/1234", "CVE_2026-1234"},
		{"", ""},
		{"ü", "-"},
		{"fix é", "fix--"},
		{"修复-meminfo", "---meminfo"},
		{strings.Repeat("é", 60), strings.Repeat("-", 48)},
		{strings.Repeat("a", 60), strings.Repeat("a", 48)},
		{strings.Repeat("a.", 30), strings.Repeat("a-", 24)},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, SanitizeName(test.name), "name: %q", test.name)
	}
}

func TestSanitizeNameRandom(t *testing.T) {
	valid := regexp.MustCompile(`^[A-Za-z0-9_-]{0,48}$`)
	rnd := rand.New(testutil.RandSource(t))
	for i := 0; i < testutil.IterCount(); i++ {
		buf := make([]byte, rnd.Intn(100))
		for j := range buf {
			buf[j] = byte(rnd.Intn(256))
		}
		name := SanitizeName(string(buf))
		require.True(t, valid.MatchString(name), "input %q, output %q", buf, name)
		// Sanitization is idempotent.
		require.Equal(t, name, SanitizeName(name))
	}
}

type testBuilder struct {
	req *build.ModuleRequest
	err error
}

func (b *testBuilder) Build(ctx context.Context, req *build.Request) (*build.Transcript, error) {
	return nil, errors.New("unexpected")
}

func (b *testBuilder) BuildModule(ctx context.Context, req *build.ModuleRequest) (*build.Transcript, error) {
	b.req = req
	if b.err != nil {
		return build.NewTranscript(nil), b.err
	}
	ko := filepath.Join(req.ModuleDir, req.Name+".ko")
	return build.NewTranscript(nil), os.WriteFile(ko, []byte("module"), 0644)
}

func (b *testBuilder) Clean(ctx context.Context, srcDir string) error {
	return errors.New("unexpected")
}

type testLinker struct {
	output string
	inputs []string
}

func (l *testLinker) Link(ctx context.Context, output string, inputs []string) error {
	l.output, l.inputs = output, inputs
	return os.WriteFile(output, nil, 0644)
}

func testResult() *differ.Result {
	foo := kbuild.Container{Kind: kbuild.Module, Path: "drivers/foo/foo.ko"}
	res := &differ.Result{
		Artifacts: []differ.Artifact{
			{Unit: "drivers/foo/main.o", Container: foo, Delta: "/out/drivers/foo/main.o"},
			{Unit: "kernel/fork.o", Container: kbuild.Vmlinux, Delta: "/out/kernel/fork.o"},
		},
		ByContainer: make(map[kbuild.Container][]differ.Artifact),
	}
	for _, art := range res.Artifacts {
		res.ByContainer[art.Container] = append(res.ByContainer[art.Container], art)
	}
	return res
}

func testPackager(t *testing.T) (*Packager, *testBuilder, *testLinker) {
	dir := t.TempDir()
	builder, linker := new(testBuilder), new(testLinker)
	p := &Packager{
		Builder:   builder,
		Linker:    linker,
		SrcDir:    filepath.Join(dir, "src"),
		ObjDir:    filepath.Join(dir, "obj"),
		BuildDir:  filepath.Join(dir, "scratch", "patch"),
		OutputDir: filepath.Join(dir, "cwd"),
		Jobs:      4,
	}
	symvers := filepath.Join(p.ObjDir, "drivers", "foo", "Module.symvers")
	require.NoError(t, os.MkdirAll(filepath.Dir(symvers), 0755))
	require.NoError(t, os.WriteFile(symvers, nil, 0644))
	return p, builder, linker
}

func TestPackage(t *testing.T) {
	p, builder, linker := testPackager(t)
	desc, err := p.Package(context.Background(), "fix meminfo", testResult())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(p.BuildDir, CombinedObject), linker.output)
	assert.Equal(t, []string{"/out/drivers/foo/main.o", "/out/kernel/fork.o"}, linker.inputs)
	want := &build.ModuleRequest{
		SrcDir:    p.SrcDir,
		OutputDir: p.ObjDir,
		ModuleDir: p.BuildDir,
		Name:      "kpatch-fix-meminfo",
		ExtraSymbols: []string{
			filepath.Join(p.ObjDir, "Module.symvers"),
			filepath.Join(p.ObjDir, "drivers", "foo", "Module.symvers"),
		},
		Jobs: 4,
	}
	if diff := cmp.Diff(want, builder.req); diff != "" {
		t.Fatal(diff)
	}
	makefile, err := os.ReadFile(filepath.Join(p.BuildDir, "Makefile"))
	require.NoError(t, err)
	assert.Contains(t, string(makefile), "KPATCH_NAME ?= kpatch-fix-meminfo\n")
	assert.Contains(t, string(makefile), "$(KPATCH_NAME)-objs += output.o\n")

	assert.Equal(t, "fix-meminfo", desc.Name)
	assert.Equal(t, filepath.Join(p.OutputDir, "kpatch-fix-meminfo.ko"), desc.Module)
	data, err := os.ReadFile(desc.Module)
	require.NoError(t, err)
	assert.Equal(t, "module", string(data))
	assert.Equal(t, []Artifact{
		{Unit: "drivers/foo/main.o", Container: "foo", Delta: "/out/drivers/foo/main.o"},
		{Unit: "kernel/fork.o", Container: "vmlinux", Delta: "/out/kernel/fork.o"},
	}, desc.Artifacts)

	file := filepath.Join(t.TempDir(), "descriptor.json")
	require.NoError(t, desc.Save(file))
	loaded, err := LoadDescriptor(file)
	require.NoError(t, err)
	assert.Equal(t, desc, loaded)
}

func TestPackageTemplate(t *testing.T) {
	p, _, _ := testPackager(t)
	p.TemplateDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(p.TemplateDir, "Makefile"), []byte("custom\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(p.TemplateDir, "kpatch-macros.h"), nil, 0644))
	_, err := p.Package(context.Background(), "x", testResult())
	require.NoError(t, err)
	makefile, err := os.ReadFile(filepath.Join(p.BuildDir, "Makefile"))
	require.NoError(t, err)
	assert.Equal(t, "custom\n", string(makefile))
	assert.FileExists(t, filepath.Join(p.BuildDir, "kpatch-macros.h"))
}

func TestPackageErrors(t *testing.T) {
	p, builder, _ := testPackager(t)
	_, err := p.Package(context.Background(), "x", &differ.Result{})
	assert.Error(t, err)
	_, err = p.Package(context.Background(), "", testResult())
	assert.Error(t, err)

	builder.err = errors.New("modpost failed")
	_, err = p.Package(context.Background(), "x", testResult())
	assert.ErrorContains(t, err, "modpost failed")
	assert.NoFileExists(t, filepath.Join(p.OutputDir, "kpatch-x.ko"))
}

func TestLD(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ld")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho \"$@\" > "+filepath.Join(dir, "args")+"\n"), 0755))
	ld := &LD{Bin: bin}
	output := filepath.Join(dir, "output.o")
	require.NoError(t, ld.Link(context.Background(), output, []string{"a.o", "b.o"}))
	args, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	assert.Equal(t, "-r -o "+output+" a.o b.o\n", string(args))
	assert.Error(t, ld.Link(context.Background(), output, nil))
}
