// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides functionality similar to standard log package with some extensions:
//   - verbosity levels
//   - global verbosity setting that can be used by multiple packages
//   - a session sink that receives every message regardless of verbosity
package log

import (
	"flag"
	"fmt"
	"io"
	golog "log"
	"sync"
	"time"
)

var (
	flagV       = flag.Int("vv", 0, "verbosity")
	mu          sync.Mutex
	sink        io.Writer
	prependTime = true // for testing
)

// SetVerbosity overrides the -vv flag value.
func SetVerbosity(v int) {
	mu.Lock()
	defer mu.Unlock()
	*flagV = v
}

// V reports whether messages of verbosity v are printed to the console.
func V(v int) bool {
	mu.Lock()
	defer mu.Unlock()
	return v <= *flagV
}

// SetSink sets the writer that receives all log messages (nil disables it).
// The previous sink is returned so that callers can restore it.
func SetSink(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	old := sink
	sink = w
	return old
}

// Sink returns a writer that appends raw data to the current sink.
// It is meant for streaming tool output (build transcripts) into the session log.
func Sink() io.Writer {
	return sinkWriter{}
}

type sinkWriter struct{}

func (sinkWriter) Write(data []byte) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return len(data), nil
	}
	return sink.Write(data)
}

func Logf(v int, msg string, args ...interface{}) {
	mu.Lock()
	doLog := v <= *flagV
	timeStr := ""
	if prependTime {
		timeStr = time.Now().Format("2006/01/02 15:04:05 ")
	}
	if sink != nil {
		fmt.Fprintf(sink, timeStr+msg+"\n", args...)
	}
	mu.Unlock()

	if doLog {
		golog.Printf(msg, args...)
	}
}
