// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package module links extracted deltas into the final live patch module.
package module

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/kpatch-go/kpatch-build/pkg/build"
	"github.com/kpatch-go/kpatch-build/pkg/config"
	"github.com/kpatch-go/kpatch-build/pkg/differ"
	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
)

const (
	// MaxNameLen is the maximum length of a sanitized patch name.
	MaxNameLen = 48
	// Prefix is prepended to the patch name to form the module name.
	Prefix = "kpatch-"
	// CombinedObject is the relocatable object with all deltas inside of the module dir.
	CombinedObject = "output.o"
)

// SanitizeName replaces characters that are not allowed in module names with '-'
// and truncates the result to MaxNameLen bytes.
// Each character (not byte) of a UTF-8 name is replaced by a single '-'.
func SanitizeName(name string) string {
	buf := make([]byte, 0, min(len(name), MaxNameLen))
	for _, c := range name {
		if len(buf) == MaxNameLen {
			break
		}
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			buf = append(buf, byte(c))
		default:
			buf = append(buf, '-')
		}
	}
	return string(buf)
}

// Linker combines relocatable objects.
type Linker interface {
	Link(ctx context.Context, output string, inputs []string) error
}

// LD links with "ld -r".
type LD struct {
	// Bin is the linker binary, "ld" if empty.
	Bin string
}

func (ld *LD) Link(ctx context.Context, output string, inputs []string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("nothing to link into %v", output)
	}
	bin := ld.Bin
	if bin == "" {
		bin = "ld"
	}
	args := append([]string{"-r", "-o", output}, inputs...)
	out, err := osutil.RunCmd(ctx, filepath.Dir(output), bin, args...)
	log.Sink().Write(out)
	if err != nil {
		return osutil.PrependContext("failed to link deltas", err)
	}
	return nil
}

// Artifact is a serialized differ.Artifact.
type Artifact struct {
	Unit      string `json:"unit"`
	Container string `json:"container"`
	Delta     string `json:"delta"`
}

// Descriptor describes the produced patch module.
type Descriptor struct {
	Name      string     `json:"name"`
	Module    string     `json:"module"`
	Artifacts []Artifact `json:"artifacts"`
}

// Save writes the descriptor in JSON (or YAML, depending on the file extension).
func (desc *Descriptor) Save(file string) error {
	return config.SaveFile(file, desc)
}

// LoadDescriptor reads a descriptor saved with Save.
func LoadDescriptor(file string) (*Descriptor, error) {
	desc := new(Descriptor)
	if err := config.LoadFile(file, desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// Packager builds the patch module from assembled deltas.
type Packager struct {
	Builder build.Builder
	Linker  Linker
	// SrcDir and ObjDir are the kernel source and output trees the module is built against.
	SrcDir string
	ObjDir string
	// TemplateDir contains the patch module sources, copied into BuildDir.
	// If it does not have a Makefile, a minimal one is generated.
	TemplateDir string
	// BuildDir is the scratch directory the module is built in.
	BuildDir string
	// OutputDir receives the final module, normally the invocation working directory.
	OutputDir string
	Jobs      int
}

// Package links all deltas into one object, builds the module and copies it to OutputDir.
func (p *Packager) Package(ctx context.Context, name string, res *differ.Result) (*Descriptor, error) {
	name = SanitizeName(name)
	if name == "" {
		return nil, fmt.Errorf("empty patch module name")
	}
	if res == nil || len(res.Artifacts) == 0 {
		return nil, fmt.Errorf("no deltas to package")
	}
	modName := Prefix + name
	if err := p.prepare(modName); err != nil {
		return nil, err
	}
	combined := filepath.Join(p.BuildDir, CombinedObject)
	if err := p.Linker.Link(ctx, combined, res.Deltas()); err != nil {
		return nil, err
	}
	log.Logf(0, "building patch module %v", modName)
	_, err := p.Builder.BuildModule(ctx, &build.ModuleRequest{
		SrcDir:       p.SrcDir,
		OutputDir:    p.ObjDir,
		ModuleDir:    p.BuildDir,
		Name:         modName,
		ExtraSymbols: p.symbolTables(res),
		Jobs:         p.Jobs,
	})
	if err != nil {
		return nil, osutil.PrependContext("patch module build failed", err)
	}
	ko := modName + ".ko"
	output := filepath.Join(p.OutputDir, ko)
	if err := osutil.CopyFile(filepath.Join(p.BuildDir, ko), output); err != nil {
		return nil, fmt.Errorf("failed to copy patch module: %w", err)
	}
	desc := &Descriptor{
		Name:   name,
		Module: output,
	}
	for _, art := range res.Artifacts {
		desc.Artifacts = append(desc.Artifacts, Artifact{
			Unit:      art.Unit,
			Container: art.Container.Name(),
			Delta:     art.Delta,
		})
	}
	return desc, nil
}

func (p *Packager) prepare(modName string) error {
	if err := osutil.MkdirAll(p.BuildDir); err != nil {
		return err
	}
	if p.TemplateDir != "" {
		if err := osutil.CopyDirRecursively(p.TemplateDir, p.BuildDir); err != nil {
			return fmt.Errorf("failed to copy module template: %w", err)
		}
	}
	makefile := filepath.Join(p.BuildDir, "Makefile")
	if osutil.IsExist(makefile) {
		return nil
	}
	buf := new(bytes.Buffer)
	if err := makefileTemplate.Execute(buf, map[string]string{
		"Default":  modName,
		"Combined": CombinedObject,
	}); err != nil {
		return err
	}
	return osutil.WriteFile(makefile, buf.Bytes())
}

var makefileTemplate = template.Must(template.New("").Parse(`KPATCH_NAME ?= {{.Default}}
obj-m += $(KPATCH_NAME).o
$(KPATCH_NAME)-objs += {{.Combined}}
`))

// symbolTables returns Module.symvers of the kernel and of every patched module dir.
func (p *Packager) symbolTables(res *differ.Result) []string {
	dedup := map[string]bool{
		filepath.Join(p.ObjDir, "Module.symvers"): true,
	}
	for container := range res.ByContainer {
		dir := filepath.Dir(filepath.FromSlash(container.Path))
		if dir == "." {
			continue
		}
		symvers := filepath.Join(p.ObjDir, dir, "Module.symvers")
		if osutil.IsExist(symvers) {
			dedup[symvers] = true
		}
	}
	var files []string
	for file := range dedup {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}

func (desc *Descriptor) String() string {
	var units []string
	for _, art := range desc.Artifacts {
		units = append(units, fmt.Sprintf("%v (%v)", art.Unit, art.Container))
	}
	return fmt.Sprintf("%v: %v", desc.Module, strings.Join(units, ", "))
}
