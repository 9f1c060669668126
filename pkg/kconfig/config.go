// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package kconfig parses kernel .config files and checks live patching prerequisites.
package kconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// ConfigFile represents a parsed .config file.
// It should not be modified directly, only by means of calling methods.
// Note: config names don't include CONFIG_ prefix, here and in other public interfaces,
// users of this package should never mention CONFIG_.
// Use Yes/Mod/No consts to check for/set config to particular values.
type ConfigFile struct {
	Configs  []*Config
	Map      map[string]*Config // duplicates Configs for convenience
	comments []string
}

type Config struct {
	Name     string
	Value    string
	comments []string
}

const (
	Yes    = "y"
	Mod    = "m"
	No     = "---===[[[is not set]]]===---" // to make it more obvious when some code writes it directly
	prefix = "CONFIG_"
)

// Value returns config value, or No if it's not present at all.
func (cf *ConfigFile) Value(name string) string {
	cfg := cf.Map[name]
	if cfg == nil {
		return No
	}
	return cfg.Value
}

// Set changes config value, or adds it if it's not yet present.
func (cf *ConfigFile) Set(name, val string) {
	cfg := cf.Map[name]
	if cfg == nil {
		cfg = &Config{
			Name:  name,
			Value: val,
		}
		cf.Map[name] = cfg
		cf.Configs = append(cf.Configs, cfg)
	}
	cfg.Value = val
	cfg.comments = append(cfg.comments, cf.comments...)
	cf.comments = nil
}

func (cf *ConfigFile) Serialize() []byte {
	buf := new(bytes.Buffer)
	for _, cfg := range cf.Configs {
		for _, comment := range cfg.comments {
			fmt.Fprintf(buf, "%v\n", comment)
		}
		if cfg.Value == No {
			fmt.Fprintf(buf, "# %v%v is not set\n", prefix, cfg.Name)
		} else {
			fmt.Fprintf(buf, "%v%v=%v\n", prefix, cfg.Name, cfg.Value)
		}
	}
	for _, comment := range cf.comments {
		fmt.Fprintf(buf, "%v\n", comment)
	}
	return buf.Bytes()
}

func ParseConfig(file string) (*ConfigFile, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open .config file %v: %w", file, err)
	}
	return ParseConfigData(data), nil
}

func ParseConfigData(data []byte) *ConfigFile {
	cf := &ConfigFile{
		Map: make(map[string]*Config),
	}
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		cf.parseLine(s.Text())
	}
	return cf
}

func (cf *ConfigFile) parseLine(text string) {
	if match := reConfigY.FindStringSubmatch(text); match != nil {
		cf.Set(match[1], match[2])
	} else if match := reConfigN.FindStringSubmatch(text); match != nil {
		cf.Set(match[1], No)
	} else {
		cf.comments = append(cf.comments, text)
	}
}

var (
	reConfigY = regexp.MustCompile(`^` + prefix + `([A-Za-z0-9_]+)=(y|m|(?:-?[0-9]+)|(?:0x[0-9a-fA-F]+)|(?:".*?"))$`)
	reConfigN = regexp.MustCompile(`^# ` + prefix + `([A-Za-z0-9_]+) is not set$`)
)

// Changed returns sorted names of configs that have different values in cf and other.
// Comments (including the generator header with the compiler version) are ignored.
func (cf *ConfigFile) Changed(other *ConfigFile) []string {
	var res []string
	for name, cfg := range cf.Map {
		if other.Value(name) != cfg.Value {
			res = append(res, name)
		}
	}
	for name, cfg := range other.Map {
		if cf.Map[name] == nil && cfg.Value != No {
			res = append(res, name)
		}
	}
	sort.Strings(res)
	return res
}

// Requirement is a config value needed (or forbidden) for live patching.
type Requirement struct {
	Name string
	// Want is the required value. If Forbidden is set, it's the value that must not be present.
	Want      string
	Forbidden bool
	Reason    string
}

// LivePatchRequirements are checked before anything is built.
var LivePatchRequirements = []Requirement{
	{Name: "MODULES", Want: Yes, Reason: "patch modules can't be loaded"},
	{Name: "FUNCTION_TRACER", Want: Yes, Reason: "function redirection is implemented with ftrace"},
	{Name: "LIVEPATCH", Want: Yes, Reason: "the kernel has no live patching core"},
	{Name: "DEBUG_INFO", Want: Yes, Reason: "the differ needs debug info to correlate symbols"},
	{Name: "GCC_PLUGIN_LATENT_ENTROPY", Want: Yes, Forbidden: true,
		Reason: "the plugin randomizes function code between builds"},
	{Name: "GCC_PLUGIN_RANDSTRUCT", Want: Yes, Forbidden: true,
		Reason: "the plugin randomizes structure layout between builds"},
}

// UnmetError lists unmet live patching requirements.
type UnmetError struct {
	Unmet []Requirement
}

func (err *UnmetError) Error() string {
	var lines []string
	for _, req := range err.Unmet {
		state := "is not enabled"
		if req.Forbidden {
			state = "is enabled"
		}
		lines = append(lines, fmt.Sprintf("%v%v %v: %v", prefix, req.Name, state, req.Reason))
	}
	return "kernel config is not suitable for live patching:\n" + strings.Join(lines, "\n")
}

// CheckLivePatch verifies that the kernel built with cf can be live patched.
func CheckLivePatch(cf *ConfigFile) error {
	var unmet []Requirement
	for _, req := range LivePatchRequirements {
		has := cf.Value(req.Name) == req.Want
		if has == req.Forbidden {
			unmet = append(unmet, req)
		}
	}
	if len(unmet) != 0 {
		return &UnmetError{Unmet: unmet}
	}
	return nil
}
