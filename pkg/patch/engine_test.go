package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openevolve/openevolve-go/pkg/errors"
)

func TestParseStructured(t *testing.T) {
	p, err := Parse(`{"diffs": [{"block": "solve", "search": "a", "replace": "b"}]}`)
	require.NoError(t, err)
	assert.Equal(t, FormatStructured, p.Format)
	require.Len(t, p.Edits, 1)
	assert.Equal(t, "solve", p.Edits[0].Block)
}

func TestParseEmptyDiffs(t *testing.T) {
	p, err := Parse(`{"diffs": []}`)
	require.NoError(t, err)
	assert.Equal(t, FormatStructured, p.Format)
	assert.Empty(t, p.Edits)
}

func TestParseStripsFences(t *testing.T) {
	body := "```json\n{\"diffs\": [{\"block\": \"solve\", \"search\": \"x\", \"replace\": \"y\"}]}\n```"
	p, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, FormatStructured, p.Format)
}

func TestParseUnifiedDiff(t *testing.T) {
	body := "--- a/program.py\n+++ b/program.py\n@@ -1,2 +1,2 @@\n-x = 1\n+x = 2\n y = 3\n"
	p, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, FormatUnified, p.Format)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("here is my patch, enjoy")
	require.Error(t, err)
	assert.Equal(t, errors.PatchParseError, errors.Code(err))

	_, err = Parse("   ")
	require.Error(t, err)
}

func TestParseRejectsMissingBlockName(t *testing.T) {
	_, err := Parse(`{"diffs": [{"search": "a", "replace": "b"}]}`)
	require.Error(t, err)
	assert.Equal(t, errors.PatchParseError, errors.Code(err))
}

func writeTarget(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "program.py")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApplyStructuredEdit(t *testing.T) {
	path := writeTarget(t, sampleSource)
	engine := NewEngine(ScopeBlocks)

	p, err := Parse(`{"diffs": [{"block": "solve", "search": "sum(v*v for v in values)", "replace": "sum(values)"}]}`)
	require.NoError(t, err)

	outcome, err := engine.Apply(path, p)
	require.NoError(t, err)
	assert.Equal(t, sampleSource, string(outcome.Snapshot))

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, outcome.NewSource, string(onDisk))
	assert.Contains(t, string(onDisk), "return sum(values)")
	// Sibling block untouched.
	assert.Contains(t, string(onDisk), "return x + 1")
}

func TestApplyAmbiguousSearchLeavesFileUntouched(t *testing.T) {
	source := "# EVOLVE-BLOCK-START body\nx = 1\nx = 1\n# EVOLVE-BLOCK-END\n"
	path := writeTarget(t, source)
	engine := NewEngine(ScopeBlocks)

	p, err := Parse(`{"diffs": [{"block": "body", "search": "x = 1", "replace": "x = 2"}]}`)
	require.NoError(t, err)

	_, err = engine.Apply(path, p)
	require.Error(t, err)
	assert.Equal(t, errors.PatchApplyError, errors.Code(err))
	assert.Contains(t, err.Error(), "ambiguous")

	onDisk, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, source, string(onDisk))
}

func TestApplyMissingSearch(t *testing.T) {
	path := writeTarget(t, sampleSource)
	engine := NewEngine(ScopeBlocks)

	p, err := Parse(`{"diffs": [{"block": "solve", "search": "no such text", "replace": "y"}]}`)
	require.NoError(t, err)

	_, err = engine.Apply(path, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestApplyUnknownBlock(t *testing.T) {
	path := writeTarget(t, sampleSource)
	engine := NewEngine(ScopeBlocks)

	p, err := Parse(`{"diffs": [{"block": "missing", "search": "a", "replace": "b"}]}`)
	require.NoError(t, err)

	_, err = engine.Apply(path, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block not found")
}

func TestBlockScopeForbidsWholeFile(t *testing.T) {
	path := writeTarget(t, sampleSource)
	engine := NewEngine(ScopeBlocks)

	p, err := Parse(`{"diffs": [{"block": "__whole__", "search": "import math", "replace": "import sys"}]}`)
	require.NoError(t, err)

	_, err = engine.Apply(path, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole-file edit")
}

func TestWholeFileScopeAllowsWholeFile(t *testing.T) {
	path := writeTarget(t, sampleSource)
	engine := NewEngine(ScopeWholeFile)

	p, err := Parse(`{"diffs": [{"block": "__whole__", "search": "import math", "replace": "import sys"}]}`)
	require.NoError(t, err)

	outcome, err := engine.Apply(path, p)
	require.NoError(t, err)
	assert.Contains(t, outcome.NewSource, "import sys")
}

func TestApplyUnifiedDiffStrict(t *testing.T) {
	source := "x = 1\ny = 2\nz = 3\n"
	path := writeTarget(t, source)
	engine := NewEngine(ScopeWholeFile)

	good := "--- a/program.py\n+++ b/program.py\n@@ -1,3 +1,3 @@\n x = 1\n-y = 2\n+y = 20\n z = 3\n"
	p, err := Parse(good)
	require.NoError(t, err)
	outcome, err := engine.Apply(path, p)
	require.NoError(t, err)
	assert.Equal(t, "x = 1\ny = 20\nz = 3\n", outcome.NewSource)

	// Context mismatch is rejected without touching the file.
	bad := "--- a/program.py\n+++ b/program.py\n@@ -1,3 +1,3 @@\n x = 999\n-y = 20\n+y = 30\n z = 3\n"
	p, err = Parse(bad)
	require.NoError(t, err)
	before, _ := os.ReadFile(path)
	_, err = engine.Apply(path, p)
	require.Error(t, err)
	assert.Equal(t, errors.PatchApplyError, errors.Code(err))
	after, _ := os.ReadFile(path)
	assert.Equal(t, before, after)
}

func TestRevertRestoresBitExact(t *testing.T) {
	path := writeTarget(t, sampleSource)
	engine := NewEngine(ScopeBlocks)

	p, err := Parse(`{"diffs": [{"block": "solve", "search": "sum(v*v for v in values)", "replace": "0"}]}`)
	require.NoError(t, err)

	outcome, err := engine.Apply(path, p)
	require.NoError(t, err)

	require.NoError(t, engine.Revert(path, outcome.Snapshot))
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sampleSource, string(onDisk))
}

func TestSequentialEditsSeeEarlierEdits(t *testing.T) {
	path := writeTarget(t, sampleSource)
	engine := NewEngine(ScopeBlocks)

	p, err := Parse(`{"diffs": [
        {"block": "solve", "search": "sum(v*v for v in values)", "replace": "total(values)"},
        {"block": "solve", "search": "total(values)", "replace": "total(values) + 1"}
    ]}`)
	require.NoError(t, err)

	outcome, err := engine.Apply(path, p)
	require.NoError(t, err)
	assert.Contains(t, outcome.NewSource, "return total(values) + 1")
}
