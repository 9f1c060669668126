// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package differ runs the binary object differ over changed units
// and collects the resulting delta objects.
package differ

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
)

// Request is input arguments for Differ.Diff.
type Request struct {
	// Orig and Patched are the two builds of the same unit.
	Orig    string
	Patched string
	// Container is the top-level binary (vmlinux or a module) the unit is linked into.
	Container string
	// Output is the delta object to create.
	Output string
	Debug  bool
}

type Differ interface {
	Diff(ctx context.Context, req *Request) error
}

// Error is a regular differ failure (non-zero exit).
type Error struct {
	Unit     string
	ExitCode int
	Output   []byte
}

func (err *Error) Error() string {
	return fmt.Sprintf("create-diff-object failed for %v (exit status %v)\n%s",
		err.Unit, err.ExitCode, err.Output)
}

// CrashError means the differ was terminated by a signal.
// The failure is a tool bug and is never retried.
type CrashError struct {
	Unit   string
	Signal string
	// Core is the preserved core file, empty if the differ did not dump core.
	Core   string
	Output []byte
}

func (err *CrashError) Error() string {
	msg := fmt.Sprintf("create-diff-object crashed on %v with %v", err.Unit, err.Signal)
	if err.Core != "" {
		return fmt.Sprintf("%v, core dump is saved to %v", msg, err.Core)
	}
	return msg + ", to save a core dump run 'ulimit -c unlimited' and retry"
}

// Exec runs create-diff-object.
type Exec struct {
	// Bin is the differ binary, "create-diff-object" if empty.
	Bin string
	// CoreDir receives the core file of a crashed differ.
	CoreDir string
}

func (e *Exec) Diff(ctx context.Context, req *Request) error {
	bin := e.Bin
	if bin == "" {
		bin = "create-diff-object"
	}
	var args []string
	if req.Debug {
		args = append(args, "-d")
	}
	args = append(args, req.Orig, req.Patched, req.Container, req.Output)
	if err := osutil.MkdirAll(filepath.Dir(req.Output)); err != nil {
		return err
	}
	// Runs for units of the same directory go in parallel and must not share
	// a working dir, or a core file could be attributed to the wrong unit.
	dir := req.Output + ".d"
	if err := osutil.MkdirAll(dir); err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	cmd := osutil.Command(bin, args...)
	cmd.Dir = dir
	output, err := osutil.Run(ctx, cmd)
	log.Sink().Write(output)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("differ on %v: %w", req.Patched, ctx.Err())
	}
	var verr *osutil.VerboseError
	if !errors.As(err, &verr) {
		return err
	}
	if verr.Signaled() {
		crash := &CrashError{
			Unit:   req.Patched,
			Signal: verr.SignalName(),
			Output: output,
		}
		crash.Core = e.saveCore(dir)
		return crash
	}
	return &Error{
		Unit:     req.Patched,
		ExitCode: verr.ExitCode,
		Output:   output,
	}
}

func (e *Exec) saveCore(dir string) string {
	core := filepath.Join(dir, "core")
	if e.CoreDir == "" || !osutil.IsExist(core) {
		return ""
	}
	dst := filepath.Join(e.CoreDir, "core")
	if err := osutil.CopyFile(core, dst); err != nil {
		log.Logf(0, "failed to save differ core dump: %v", err)
		return ""
	}
	return dst
}
