// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// kpatch-build builds a live patch module from a source patch.
//
//	kpatch-build [flags] patch.diff
//
// The kernel is built twice (patched and original) in the cache dir,
// units changed by the patch are extracted with create-diff-object and
// linked into kpatch-<name>.ko in the current directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kpatch-go/kpatch-build/pkg/log"
	"github.com/kpatch-go/kpatch-build/pkg/osutil"
	"github.com/kpatch-go/kpatch-build/pkg/session"
	"github.com/kpatch-go/kpatch-build/pkg/tool"
)

var (
	flagSourceDir  = flag.String("sourcedir", "", "build the kernel in this source tree instead of fetching sources")
	flagConfig     = flag.String("config", "", "kernel config file (defaults to .config in -sourcedir)")
	flagVmlinux    = flag.String("vmlinux", "", "reference vmlinux (defaults to the built one)")
	flagJobs       = flag.Int("j", 0, "number of parallel build jobs (defaults to the number of CPUs)")
	flagCacheDir   = flag.String("cachedir", "", "cache dir (default "+session.DefaultCacheDir+")")
	flagVersion    = flag.String("version", "", "target kernel version (defaults to the running kernel)")
	flagName       = flag.String("name", "", "patch module name (defaults to the patch file name)")
	flagDebug      = flag.Bool("debug", false, "keep scratch files and the session log")
	flagConfigFile = flag.String("config_file", "", "JSON or YAML file with session config")
	flagMetrics    = flag.String("metrics_file", "", "write session metrics to this node exporter textfile")
	flagDescriptor = flag.String("descriptor", "", "write patch module descriptor to this file")
	flagTargets    tool.StringsFlag
)

func main() {
	flag.Var(&flagTargets, "t", "build target, can be repeated (default \"vmlinux modules\")")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: kpatch-build [flags] patch.diff\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	cfg, err := loadConfig()
	if err != nil {
		tool.Fail(err)
	}
	ctx, cancel := osutil.HandleInterrupts(context.Background())
	defer cancel()
	s, err := session.New(cfg, session.Deps{})
	if err != nil {
		tool.Fail(err)
	}
	desc, err := s.Run(ctx, flag.Arg(0))
	if err != nil {
		if ctx.Err() != nil {
			tool.Warnf("interrupted")
		}
		tool.Failf("%v\nsee %v for the full build log", err, s.LogFile())
	}
	tool.Printf("%v", desc)
	tool.Successf("SUCCESS: %v", desc.Module)
}

func loadConfig() (*session.Config, error) {
	cfg := session.DefaultConfig()
	if *flagConfigFile != "" {
		var err error
		if cfg, err = session.LoadConfig(*flagConfigFile); err != nil {
			return nil, err
		}
	}
	override := func(dst *string, val string) {
		if val != "" {
			*dst = val
		}
	}
	override(&cfg.SourceDir, *flagSourceDir)
	override(&cfg.KernelConfig, *flagConfig)
	override(&cfg.Vmlinux, *flagVmlinux)
	override(&cfg.CacheDir, *flagCacheDir)
	override(&cfg.Version, *flagVersion)
	override(&cfg.Name, *flagName)
	override(&cfg.MetricsFile, *flagMetrics)
	override(&cfg.Descriptor, *flagDescriptor)
	if len(flagTargets) != 0 {
		cfg.Targets = flagTargets
	}
	if *flagJobs != 0 {
		cfg.Jobs = *flagJobs
	}
	if *flagDebug {
		cfg.Debug = true
	}
	if cfg.Version == "" {
		release, err := osutil.KernelRelease()
		if err != nil {
			return nil, fmt.Errorf("failed to get kernel version, use -version: %w", err)
		}
		cfg.Version = release
		log.Logf(0, "using running kernel version %v", release)
	}
	return cfg, nil
}
