// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil contains helpers for running external tools and manipulating files.
package osutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

const (
	DefaultDirPerm  = 0755
	DefaultFilePerm = 0644
	DefaultExecPerm = 0755
)

// RunCmd runs "bin args..." in dir and returns its combined output.
func RunCmd(ctx context.Context, dir, bin string, args ...string) ([]byte, error) {
	cmd := Command(bin, args...)
	cmd.Dir = dir
	return Run(ctx, cmd)
}

// Run runs cmd until it exits or ctx is cancelled.
// There is no timeout: external tools are expected to be supervised by the operator.
// Returns combined output. If the command fails, err is *VerboseError and includes output.
// If the caller has set cmd.Stdout/Stderr, the output is not captured.
func Run(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
	output := new(bytes.Buffer)
	if cmd.Stdout == nil {
		cmd.Stdout = output
	}
	if cmd.Stderr == nil {
		cmd.Stderr = output
	}
	setPdeathsig(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v %+v: %w", cmd.Path, cmd.Args, err)
	}
	done := make(chan struct{})
	cancelled := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			cancelled <- true
			killPgroup(cmd)
			cmd.Process.Kill()
		case <-done:
			cancelled <- false
		}
	}()
	err := cmd.Wait()
	close(done)
	if err != nil {
		text := fmt.Sprintf("failed to run %q: %v", cmd.Args, err)
		if <-cancelled {
			text = fmt.Sprintf("cancelled %q", cmd.Args)
		}
		verr := &VerboseError{
			Title:  text,
			Output: output.Bytes(),
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				verr.ExitCode = status.ExitStatus()
				if status.Signaled() {
					verr.Signal = status.Signal()
				}
			}
		}
		return output.Bytes(), verr
	}
	return output.Bytes(), nil
}

// Command is similar to os/exec.Command, but also sets PDEATHSIG and a new process group on linux.
func Command(bin string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	setPdeathsig(cmd)
	return cmd
}

type VerboseError struct {
	Title    string
	Output   []byte
	ExitCode int
	// Signal is non-zero if the process was terminated by a signal.
	Signal syscall.Signal
}

func (err *VerboseError) Error() string {
	if len(err.Output) == 0 {
		return err.Title
	}
	return fmt.Sprintf("%v\n%s", err.Title, err.Output)
}

// Signaled reports whether the process was killed by a signal rather than exited.
func (err *VerboseError) Signaled() bool {
	return err.Signal != 0
}

// SignalName returns a short name like "SIGSEGV" for the terminating signal.
func (err *VerboseError) SignalName() string {
	if !err.Signaled() {
		return ""
	}
	if name := signalName(err.Signal); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(err.Signal))
}

func PrependContext(ctx string, err error) error {
	var verr *VerboseError
	if errors.As(err, &verr) {
		verr.Title = fmt.Sprintf("%v: %v", ctx, verr.Title)
		return err
	}
	return fmt.Errorf("%v: %w", ctx, err)
}

// IsExist returns true if the file name exists.
func IsExist(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// IsAccessible checks if the file can be opened.
func IsAccessible(name string) error {
	if !IsExist(name) {
		return fmt.Errorf("%v does not exist", name)
	}
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("%v can't be opened (%w)", name, err)
	}
	f.Close()
	return nil
}

// CopyFile copies oldFile to newFile, creating parent dirs of newFile as needed.
// The copy keeps the permission bits of oldFile.
func CopyFile(oldFile, newFile string) error {
	oldf, err := os.Open(oldFile)
	if err != nil {
		return err
	}
	defer oldf.Close()
	stat, err := oldf.Stat()
	if err != nil {
		return err
	}
	if err := MkdirAll(filepath.Dir(newFile)); err != nil {
		return err
	}
	tmpFile := newFile + ".tmp"
	newf, err := os.OpenFile(tmpFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, stat.Mode()&os.ModePerm)
	if err != nil {
		return err
	}
	defer newf.Close()
	if _, err := io.Copy(newf, oldf); err != nil {
		return err
	}
	if err := newf.Close(); err != nil {
		return err
	}
	return os.Rename(tmpFile, newFile)
}

// CopyDirRecursively copies srcDir into dstDir, symlinks are recreated as symlinks.
func CopyDirRecursively(srcDir, dstDir string) error {
	if err := MkdirAll(dstDir); err != nil {
		return err
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())
		switch {
		case entry.IsDir():
			if err := CopyDirRecursively(src, dst); err != nil {
				return err
			}
		case entry.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(src)
			if err != nil {
				return err
			}
			os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return err
			}
		default:
			if err := CopyFile(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rename is os.Rename that falls back to copy+remove across file systems.
func Rename(oldFile, newFile string) error {
	err := os.Rename(oldFile, newFile)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	if err := CopyFile(oldFile, newFile); err != nil {
		return err
	}
	return os.Remove(oldFile)
}

func MkdirAll(dir string) error {
	return os.MkdirAll(dir, DefaultDirPerm)
}

func WriteFile(filename string, data []byte) error {
	return os.WriteFile(filename, data, DefaultFilePerm)
}

func WriteExecFile(filename string, data []byte) error {
	os.Remove(filename)
	return os.WriteFile(filename, data, DefaultExecPerm)
}
