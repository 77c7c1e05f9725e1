package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/mpsgraph"
	"github.com/tsawler/go-mpsgraph/objc"
)

func find(rows []row, selector string) (row, bool) {
	for _, r := range rows {
		if r.binding.Selector == selector {
			return r, true
		}
	}
	return row{}, false
}

func TestCollectFiltersByClass(t *testing.T) {
	rows := collect(mpsgraph.Names(), filter{class: "MPSGraphExecutable"})
	require.NotEmpty(t, rows)
	for _, r := range rows {
		assert.Equal(t, "MPSGraphExecutable", r.binding.Class)
		assert.Empty(t, r.status)
		assert.True(t, r.available())
	}
	assert.Empty(t, collect(mpsgraph.Names(), filter{class: "NSNothing"}))
}

func TestCollectChecksAvailability(t *testing.T) {
	rows := collect(mpsgraph.Names(), filter{class: "MPSGraph", platform: objc.MacOS, version: "13.5"})

	sort, ok := find(rows, "sortWithTensor:axis:name:")
	require.True(t, ok)
	assert.Equal(t, "yes", sort.status)

	and, ok := find(rows, "bitwiseANDWithPrimaryTensor:secondaryTensor:name:")
	require.True(t, ok)
	assert.Equal(t, "needs 14.0", and.status)
	assert.False(t, and.available())

	rows = collect(mpsgraph.Names(), filter{class: "MPSGraph", platform: objc.VisionOS, version: "1.0"})
	sdpa, ok := find(rows, "scaledDotProductAttentionWithQueryTensor:keyTensor:valueTensor:scale:name:")
	require.True(t, ok)
	assert.Equal(t, "needs 2.0", sdpa.status)
}

func TestRenderPlain(t *testing.T) {
	rows := collect(mpsgraph.Names(), filter{class: "MPSGraph", platform: objc.MacOS, version: "15.0"})
	var buf bytes.Buffer
	require.NoError(t, renderPlain(&buf, rows, true))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(rows)+1)
	assert.Equal(t, "Entry point\tGo name\tKind\tOwnership\tSince\tAvailable", lines[0])
	assert.Contains(t, buf.String(), "-[MPSGraph runWithMTLCommandQueue:feeds:targetTensors:targetOperations:]\tRunWithMTLCommandQueue\tmethod\t+0\t")
	for _, l := range lines[1:] {
		assert.Len(t, strings.Split(l, "\t"), 6, l)
	}
}

func TestRenderTable(t *testing.T) {
	rows := collect(mpsgraph.Names(), filter{class: "MPSGraphExecutable"})
	out := renderTable(rows, false)
	assert.Contains(t, out, "Go name")
	assert.Contains(t, out, "SerializeToMPSGraphPackageAtURL")
	assert.NotContains(t, out, "Available")
}
