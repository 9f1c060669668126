// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package build describes the kernel build system used by the patch pipeline
// and contains helpers for interpreting its output.
package build

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kpatch-go/kpatch-build/pkg/osutil"
)

// SectionFlags are the compiler flags required for per-function extraction.
var SectionFlags = []string{"-ffunction-sections", "-fdata-sections"}

// Request is input arguments for Builder.Build.
type Request struct {
	SrcDir    string
	OutputDir string
	Targets   []string
	// Flags are extra compiler flags (KCFLAGS).
	Flags []string
	Jobs  int
}

// ModuleRequest is input arguments for Builder.BuildModule.
type ModuleRequest struct {
	SrcDir    string
	OutputDir string
	// ModuleDir contains the patch module sources and the combined delta object.
	ModuleDir string
	Name      string
	// ExtraSymbols are symbol tables of the patched containers.
	ExtraSymbols []string
	Jobs         int
}

// Builder is the kernel build system.
type Builder interface {
	// Build builds the requested targets. The returned transcript is non-nil
	// even if the build fails.
	Build(ctx context.Context, req *Request) (*Transcript, error)
	// BuildModule builds an external module in req.ModuleDir against the built tree.
	BuildModule(ctx context.Context, req *ModuleRequest) (*Transcript, error)
	// Clean removes all generated files from the source tree.
	Clean(ctx context.Context, srcDir string) error
}

// Transcript is the output of one build invocation.
type Transcript struct {
	lines []string
}

func NewTranscript(output []byte) *Transcript {
	tr := new(Transcript)
	s := bufio.NewScanner(bytes.NewReader(output))
	s.Buffer(nil, 1<<20)
	for s.Scan() {
		tr.lines = append(tr.lines, s.Text())
	}
	return tr
}

// Lines returns the transcript lines in output order.
func (tr *Transcript) Lines() []string {
	if tr == nil {
		return nil
	}
	return append([]string(nil), tr.lines...)
}

type KernelError struct {
	Report     []byte
	Output     []byte
	GuiltyFile string
}

func (err *KernelError) Error() string {
	return string(err.Report)
}

func extractRootCause(err error, kernelSrc string) error {
	if err == nil {
		return nil
	}
	var verr *osutil.VerboseError
	if !errors.As(err, &verr) {
		return err
	}
	reason, file := extractCauseInner(verr.Output, kernelSrc)
	if len(reason) == 0 {
		return err
	}
	return &KernelError{
		Report:     reason,
		Output:     verr.Output,
		GuiltyFile: file,
	}
}

func extractCauseInner(s []byte, kernelSrc string) ([]byte, string) {
	lines := extractCauseRaw(s)
	const maxLines = 20
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	var stripPrefix []byte
	if kernelSrc != "" {
		stripPrefix = []byte(kernelSrc)
		if stripPrefix[len(stripPrefix)-1] != filepath.Separator {
			stripPrefix = append(stripPrefix, filepath.Separator)
		}
	}
	file := ""
	for i := range lines {
		if stripPrefix != nil {
			lines[i] = bytes.ReplaceAll(lines[i], stripPrefix, nil)
		}
		if file == "" {
			for _, fileRe := range fileRes {
				match := fileRe.FindSubmatch(lines[i])
				if match != nil {
					file = string(match[1])
					if file[0] != '/' {
						break
					}
					// We already removed kernel source prefix,
					// if we still have an absolute path, it's probably pointing
					// to compiler/system libraries.
					file = ""
				}
			}
		}
	}
	file = strings.TrimPrefix(file, "./")
	if strings.HasSuffix(file, ".o") {
		// Linker may point to object files instead.
		file = strings.TrimSuffix(file, ".o") + ".c"
	}
	res := bytes.Join(lines, []byte{'\n'})
	// gcc uses these weird quotes around identifiers, which may be
	// mis-rendered by systems that don't understand utf-8.
	res = bytes.ReplaceAll(res, []byte("‘"), []byte{'\''})
	res = bytes.ReplaceAll(res, []byte("’"), []byte{'\''})
	return res, file
}

func extractCauseRaw(s []byte) [][]byte {
	weak := true
	var cause [][]byte
	dedup := make(map[string]bool)
	for _, line := range bytes.Split(s, []byte{'\n'}) {
		for _, pattern := range buildFailureCauses {
			if !bytes.Contains(line, pattern.pattern) {
				continue
			}
			if pattern.weak && !weak {
				// Already have strong causes.
				break
			}
			if weak && !pattern.weak {
				cause = nil
				dedup = make(map[string]bool)
			}
			if dedup[string(line)] {
				continue
			}
			dedup[string(line)] = true
			if cause == nil {
				weak = pattern.weak
			}
			cause = append(cause, line)
			break
		}
	}
	return cause
}

type buildFailureCause struct {
	pattern []byte
	weak    bool
}

var buildFailureCauses = [...]buildFailureCause{
	{pattern: []byte(": error: ")},
	{pattern: []byte("ERROR: ")},
	{pattern: []byte(": fatal error: ")},
	{pattern: []byte(": undefined reference to")},
	{pattern: []byte(": multiple definition of")},
	{pattern: []byte(": Permission denied")},
	{weak: true, pattern: []byte(": final link failed: ")},
	{weak: true, pattern: []byte("collect2: error: ")},
	{weak: true, pattern: []byte("make: *** ")},
}

var fileRes = []*regexp.Regexp{
	regexp.MustCompile(`^([a-zA-Z0-9_\-/.]+):[0-9]+:([0-9]+:)? `),
	regexp.MustCompile(`^(?:ld: )?(([a-zA-Z0-9_\-/.]+?)\.o):`),
	regexp.MustCompile(`; (([a-zA-Z0-9_\-/.]+?)\.o):`),
}
