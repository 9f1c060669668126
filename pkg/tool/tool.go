// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tool contains various helper utilitites useful for implementation of command line tools.
package tool

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	stdout io.Writer = color.Output
	stderr io.Writer = color.Error
	exit             = os.Exit
)

func Failf(msg string, args ...interface{}) {
	fmt.Fprintln(stderr, color.RedString("ERROR: "+msg, args...))
	exit(1)
}

func Fail(err error) {
	Failf("%v", err)
}

// Printf prints a progress message to stdout.
func Printf(msg string, args ...interface{}) {
	fmt.Fprintf(stdout, msg+"\n", args...)
}

// Successf prints a final success message.
func Successf(msg string, args ...interface{}) {
	fmt.Fprintln(stdout, color.GreenString(msg, args...))
}

// Warnf prints a warning to stderr without exiting.
func Warnf(msg string, args ...interface{}) {
	fmt.Fprintln(stderr, color.YellowString("WARNING: "+msg, args...))
}
