// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package kconfig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodConfig = `#
# Automatically generated file; DO NOT EDIT.
# Linux/x86 6.8.0 Kernel Configuration
#
CONFIG_CC_VERSION_TEXT="gcc (GCC) 13.2.0"
CONFIG_MODULES=y
CONFIG_FUNCTION_TRACER=y
CONFIG_LIVEPATCH=y
CONFIG_DEBUG_INFO=y
CONFIG_FOO=m
CONFIG_LOG_BUF_SHIFT=17
# CONFIG_GCC_PLUGIN_RANDSTRUCT is not set
`

func TestParseSerialize(t *testing.T) {
	cf := ParseConfigData([]byte(goodConfig))
	assert.Equal(t, Yes, cf.Value("MODULES"))
	assert.Equal(t, Mod, cf.Value("FOO"))
	assert.Equal(t, "17", cf.Value("LOG_BUF_SHIFT"))
	assert.Equal(t, `"gcc (GCC) 13.2.0"`, cf.Value("CC_VERSION_TEXT"))
	assert.Equal(t, No, cf.Value("GCC_PLUGIN_RANDSTRUCT"))
	assert.Equal(t, No, cf.Value("MISSING"))
	assert.Equal(t, goodConfig, string(cf.Serialize()))
}

func TestChanged(t *testing.T) {
	a := ParseConfigData([]byte(goodConfig))
	b := ParseConfigData([]byte("# other header\n" + goodConfig))
	assert.Empty(t, a.Changed(b))
	b.Set("FOO", Yes)
	b.Set("BAR", Yes)
	b.Set("BAZ", No)
	assert.Equal(t, []string{"BAR", "FOO"}, a.Changed(b))
	assert.Equal(t, []string{"BAR", "FOO"}, b.Changed(a))
}

func TestCheckLivePatch(t *testing.T) {
	cf := ParseConfigData([]byte(goodConfig))
	require.NoError(t, CheckLivePatch(cf))

	cf.Set("LIVEPATCH", No)
	cf.Set("GCC_PLUGIN_RANDSTRUCT", Yes)
	err := CheckLivePatch(cf)
	var unmet *UnmetError
	require.True(t, errors.As(err, &unmet))
	require.Len(t, unmet.Unmet, 2)
	assert.Equal(t, "LIVEPATCH", unmet.Unmet[0].Name)
	assert.Equal(t, "GCC_PLUGIN_RANDSTRUCT", unmet.Unmet[1].Name)
	assert.Contains(t, err.Error(), "CONFIG_LIVEPATCH is not enabled")
	assert.Contains(t, err.Error(), "CONFIG_GCC_PLUGIN_RANDSTRUCT is enabled")
}
