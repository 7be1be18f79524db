package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_NoPatternsIncludesEverything(t *testing.T) {
	f, err := NewFilter(nil)
	require.NoError(t, err)

	assert.True(t, f.Include("a.txt"))
	assert.True(t, f.Include("deep/nested/file.bin"))

	var nilFilter *Filter
	assert.True(t, nilFilter.Include("anything"))
}

func TestFilter_LastMatchWins(t *testing.T) {
	f, err := NewFilter([]string{"*.log", "-:*.log", "+:logs/errors.log"})
	require.NoError(t, err)

	// Re-included by the final pattern.
	assert.True(t, f.Include("logs/errors.log"))
	// Excluded by the "-:" rule, and not re-included.
	assert.False(t, f.Include("logs/debug.log"))
	assert.False(t, f.Include("app.log"))
}

func TestFilter_NoMatchIsExcludedWhenListSupplied(t *testing.T) {
	f, err := NewFilter([]string{"*.txt"})
	require.NoError(t, err)

	assert.True(t, f.Include("notes.txt"))
	assert.False(t, f.Include("image.png"))
}

func TestFilter_DoublestarPatterns(t *testing.T) {
	f, err := NewFilter([]string{"docs/**/*.md", "-:docs/internal/**"})
	require.NoError(t, err)

	assert.True(t, f.Include("docs/guide/intro.md"))
	assert.False(t, f.Include("docs/internal/secrets.md"))
	assert.False(t, f.Include("src/main.go"))
}

func TestFilter_BareNamePatternMatchesBase(t *testing.T) {
	f, err := NewFilter([]string{"*.tmp"})
	require.NoError(t, err)

	assert.True(t, f.Include("scratch.tmp"))
	assert.True(t, f.Include("deep/dir/scratch.tmp"))
	assert.False(t, f.Include("deep/dir/keep.txt"))
}

func TestNewFilter_RejectsInvalidPatterns(t *testing.T) {
	_, err := NewFilter([]string{"[unclosed"})
	assert.Error(t, err)

	_, err = NewFilter([]string{"-:"})
	assert.Error(t, err)
}
