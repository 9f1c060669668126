// Copyright 2026 kpatch-build project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package stat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	set := NewSet()
	units := set.New("units", "changed units", Prometheus("kpatch_units"))
	units.Add(2)
	units.Add(1)
	dist := set.New("differ", "differ time", Distribution{}, FormatMs)
	for _, v := range []int{10, 20, 30} {
		dist.Add(v)
	}
	ext := 42
	set.New("ext", "external value", func() int { return ext })

	res := set.Collect()
	require.Len(t, res, 3)
	assert.Equal(t, "units", res[0].Name)
	assert.Equal(t, 3, res[0].V)
	assert.Equal(t, "3", res[0].Value)
	assert.Equal(t, 20, res[1].V)
	assert.Equal(t, "20ms", res[1].Value)
	assert.Equal(t, 42, res[2].V)
	assert.InDelta(t, 20, dist.Quantile(0.5), 10)

	assert.Panics(t, func() { set.New("units", "again") })
	assert.Panics(t, func() { set.Get("ext").Add(1) })
}

func TestWriteTextfile(t *testing.T) {
	set := NewSet()
	set.New("units", "changed units", Prometheus("kpatch_units")).Add(5)
	set.New("local", "not exported").Add(1)
	file := filepath.Join(t.TempDir(), "kpatch.prom")
	require.NoError(t, set.WriteTextfile(file))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kpatch_units 5")
	assert.False(t, strings.Contains(string(data), "local"))
}
