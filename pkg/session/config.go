// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package session

import (
	"fmt"
	"path/filepath"

	"github.com/kpatch-go/kpatch-build/pkg/config"
	"github.com/kpatch-go/kpatch-build/pkg/vcs"
	"github.com/mitchellh/go-homedir"
)

// Config is the workspace configuration of a build session.
// It can be loaded from a JSON/YAML file, command line flags override file values.
type Config struct {
	// CacheDir holds the source/output trees of the last baseline build.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
	// SourceDir is a caller-supplied kernel source tree that is built in place.
	SourceDir string `json:"source_dir,omitempty" yaml:"source_dir,omitempty"`
	// SourceTree is a prepared kernel source tree copied into the cache for baseline builds.
	SourceTree string `json:"source_tree,omitempty" yaml:"source_tree,omitempty"`
	// GitRepo is used to fetch sources if neither SourceDir nor SourceTree is set.
	GitRepo string `json:"git_repo,omitempty" yaml:"git_repo,omitempty"`
	// KernelConfig is the .config of the target kernel.
	// Defaults to .config in SourceDir.
	KernelConfig string `json:"kernel_config,omitempty" yaml:"kernel_config,omitempty"`
	// Vmlinux is the reference core kernel image. Defaults to vmlinux in the build output tree.
	Vmlinux string `json:"vmlinux,omitempty" yaml:"vmlinux,omitempty"`
	// Version is the target kernel release (uname -r format).
	Version string   `json:"version,omitempty" yaml:"version,omitempty"`
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`
	Jobs    int      `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	// Name overrides the patch name derived from the patch file name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// ModuleTemplate contains the patch module sources and headers usable by patches.
	ModuleTemplate string `json:"module_template,omitempty" yaml:"module_template,omitempty"`
	// Differ is the create-diff-object binary.
	Differ string `json:"differ,omitempty" yaml:"differ,omitempty"`
	// OutputDir receives the patch module, the working directory if empty.
	OutputDir string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	// Descriptor is a file to write the patch module descriptor to.
	Descriptor string `json:"descriptor,omitempty" yaml:"descriptor,omitempty"`
	// MetricsFile is a node exporter textfile to write session metrics to.
	MetricsFile string `json:"metrics_file,omitempty" yaml:"metrics_file,omitempty"`
	// Debug keeps the scratch dir and the session log.
	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}

const (
	DefaultCacheDir = "~/.kpatch"
	DefaultGitRepo  = "https://git.kernel.org/pub/scm/linux/kernel/git/stable/linux.git"
)

var DefaultTargets = []string{"vmlinux", "modules"}

func DefaultConfig() *Config {
	return &Config{
		CacheDir: DefaultCacheDir,
		GitRepo:  DefaultGitRepo,
	}
}

// LoadConfig loads the config file on top of the default config.
func LoadConfig(file string) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadFile(file, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Complete expands paths, fills in defaults and checks the config.
func (cfg *Config) Complete() error {
	if cfg.Version == "" {
		return fmt.Errorf("kernel version is not specified")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = append([]string(nil), DefaultTargets...)
	}
	if cfg.SourceDir == "" && cfg.SourceTree == "" && cfg.GitRepo != "" && !vcs.CheckRepoAddress(cfg.GitRepo) {
		return fmt.Errorf("bad git repo address %q", cfg.GitRepo)
	}
	for _, path := range []*string{
		&cfg.CacheDir, &cfg.SourceDir, &cfg.SourceTree, &cfg.KernelConfig, &cfg.Vmlinux,
		&cfg.ModuleTemplate, &cfg.OutputDir, &cfg.Descriptor, &cfg.MetricsFile,
	} {
		if *path == "" {
			continue
		}
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand %v: %w", *path, err)
		}
		if *path, err = filepath.Abs(expanded); err != nil {
			return err
		}
	}
	if cfg.KernelConfig == "" {
		if cfg.SourceDir == "" {
			return fmt.Errorf("kernel config is not specified")
		}
		cfg.KernelConfig = filepath.Join(cfg.SourceDir, ".config")
	}
	if cfg.SourceDir != "" && cfg.SourceDir == cfg.CacheDir {
		return fmt.Errorf("source dir can't be the cache dir")
	}
	return nil
}
