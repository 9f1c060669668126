// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
)

// Make builds the kernel with kbuild. All output is streamed into the session log.
type Make struct {
	// Bin is the make binary, "make" if empty.
	Bin string
	// Env is appended to the process environment.
	Env []string
}

var _ Builder = (*Make)(nil)

func (mk *Make) Build(ctx context.Context, req *Request) (*Transcript, error) {
	return mk.run(ctx, req.SrcDir, req.SrcDir, MakeArgs(req))
}

func (mk *Make) BuildModule(ctx context.Context, req *ModuleRequest) (*Transcript, error) {
	return mk.run(ctx, req.ModuleDir, req.SrcDir, ModuleMakeArgs(req))
}

func (mk *Make) Clean(ctx context.Context, srcDir string) error {
	_, err := mk.run(ctx, srcDir, srcDir, []string{"mrproper"})
	return err
}

func (mk *Make) run(ctx context.Context, dir, srcDir string, args []string) (*Transcript, error) {
	bin := mk.Bin
	if bin == "" {
		bin = "make"
	}
	log.Logf(1, "running %v %v in %v", bin, strings.Join(args, " "), dir)
	output := new(bytes.Buffer)
	cmd := osutil.Command(bin, args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), mk.Env...)
	cmd.Stdout = io.MultiWriter(output, log.Sink())
	cmd.Stderr = cmd.Stdout
	_, err := osutil.Run(ctx, cmd)
	tr := NewTranscript(output.Bytes())
	if err != nil {
		var verr *osutil.VerboseError
		if errors.As(err, &verr) {
			verr.Output = output.Bytes()
		}
		return tr, extractRootCause(err, srcDir)
	}
	return tr, nil
}

// MakeArgs returns kbuild arguments for the request.
func MakeArgs(req *Request) []string {
	args := []string{fmt.Sprintf("-j%v", jobs(req.Jobs))}
	if req.OutputDir != "" {
		args = append(args, "O="+req.OutputDir)
	}
	if len(req.Flags) != 0 {
		args = append(args, "KCFLAGS="+strings.Join(req.Flags, " "))
	}
	return append(args, req.Targets...)
}

// ModuleMakeArgs returns kbuild arguments for an external module build.
func ModuleMakeArgs(req *ModuleRequest) []string {
	args := []string{
		fmt.Sprintf("-j%v", jobs(req.Jobs)),
		"-C", req.SrcDir,
		"M=" + req.ModuleDir,
	}
	if req.OutputDir != "" {
		args = append(args, "O="+req.OutputDir)
	}
	args = append(args, "KPATCH_NAME="+req.Name)
	if len(req.ExtraSymbols) != 0 {
		args = append(args, "KBUILD_EXTRA_SYMBOLS="+strings.Join(req.ExtraSymbols, " "))
	}
	return append(args, "modules")
}

func jobs(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}
