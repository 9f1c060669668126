// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func setPdeathsig(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = new(syscall.SysProcAttr)
	}
	cmd.SysProcAttr.Pdeathsig = unix.SIGKILL
	// We will kill the whole process group.
	cmd.SysProcAttr.Setpgid = true
}

func killPgroup(cmd *exec.Cmd) {
	unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

func signalName(sig syscall.Signal) string {
	return unix.SignalName(sig)
}

// KernelRelease returns the release string of the running kernel (uname -r).
func KernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname failed: %w", err)
	}
	return strings.TrimRight(string(uts.Release[:]), "\x00"), nil
}

// HandleInterrupts returns a context that is cancelled on the first SIGINT/SIGTERM
// (expecting that the program will unwind, clean up and exit)
// and terminates the process on the third signal.
func HandleInterrupts(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		c := make(chan os.Signal, 3)
		signal.Notify(c, unix.SIGINT, unix.SIGTERM)
		select {
		case <-c:
		case <-ctx.Done():
			signal.Stop(c)
			return
		}
		cancel()
		fmt.Fprint(os.Stderr, "SIGINT: cleaning up...\n")
		<-c
		fmt.Fprint(os.Stderr, "SIGINT: cleaning up harder...\n")
		<-c
		fmt.Fprint(os.Stderr, "SIGINT: terminating\n")
		os.Exit(int(unix.SIGINT))
	}()
	return ctx, cancel
}
