// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tool

import (
	"flag"
	"strings"
)

// StringsFlag is a repeatable string flag, each occurrence may also hold a space-separated list:
// "-t vmlinux -t modules" is the same as "-t 'vmlinux modules'".
type StringsFlag []string

var _ flag.Value = (*StringsFlag)(nil)

func (f *StringsFlag) String() string {
	return strings.Join(*f, " ")
}

func (f *StringsFlag) Set(value string) error {
	*f = append(*f, strings.Fields(value)...)
	return nil
}
