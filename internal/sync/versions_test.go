package sync

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVersionStore(t *testing.T, maxVersions int) (*VersionStore, string) {
	t.Helper()
	stateDir := t.TempDir()
	vs := NewVersionStore(stateDir, maxVersions)
	require.NoError(t, vs.Open())
	t.Cleanup(func() { vs.Close() })
	return vs, stateDir
}

func archiveContent(t *testing.T, vs *VersionStore, workDir, relPath, content string) *VersionRecord {
	t.Helper()
	abs := filepath.Join(workDir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	rec, err := vs.Archive(context.Background(), relPath, abs)
	require.NoError(t, err)
	return rec
}

func TestVersionStore_ArchiveAssignsMonotonicIDs(t *testing.T) {
	vs, _ := newTestVersionStore(t, 5)
	work := t.TempDir()

	r1 := archiveContent(t, vs, work, "doc.txt", "v1")
	r2 := archiveContent(t, vs, work, "doc.txt", "v2")
	r3 := archiveContent(t, vs, work, "doc.txt", "v3")

	assert.Equal(t, int64(1), r1.VersionID)
	assert.Equal(t, int64(2), r2.VersionID)
	assert.Equal(t, int64(3), r3.VersionID)

	chain, err := vs.Chain("doc.txt")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	// Newest first.
	assert.Equal(t, int64(3), chain[0].VersionID)
	assert.Equal(t, int64(1), chain[2].VersionID)
}

func TestVersionStore_EvictsOldestBeyondLimit(t *testing.T) {
	vs, _ := newTestVersionStore(t, 3)
	work := t.TempDir()

	for _, content := range []string{"v1", "v2", "v3", "v4", "v5"} {
		archiveContent(t, vs, work, "doc.txt", content)
	}

	chain, err := vs.Chain("doc.txt")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, int64(5), chain[0].VersionID)
	assert.Equal(t, int64(3), chain[2].VersionID)

	// Evicted versions are gone, survivors readable.
	_, err = vs.Get("doc.txt", 1)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	rec, err := vs.Get("doc.txt", 4)
	require.NoError(t, err)
	rc, err := vs.OpenContent(rec)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "v4", string(data))
}

func TestVersionStore_SharedContentSurvivesEviction(t *testing.T) {
	vs, stateDir := newTestVersionStore(t, 2)
	work := t.TempDir()

	// Same bytes archived for two paths share one object.
	archiveContent(t, vs, work, "a.txt", "shared bytes")
	archiveContent(t, vs, work, "b.txt", "shared bytes")

	objects, err := os.ReadDir(filepath.Join(stateDir, "versions", "objects"))
	require.NoError(t, err)
	assert.Len(t, objects, 1)

	// Pushing a.txt past its limit must not delete the object b.txt
	// still references.
	archiveContent(t, vs, work, "a.txt", "a v2")
	archiveContent(t, vs, work, "a.txt", "a v3")

	rec, err := vs.Get("b.txt", 1)
	require.NoError(t, err)
	rc, err := vs.OpenContent(rec)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "shared bytes", string(data))
}

func TestVersionStore_OrphanObjectsCollected(t *testing.T) {
	vs, stateDir := newTestVersionStore(t, 1)
	work := t.TempDir()

	archiveContent(t, vs, work, "doc.txt", "first")
	archiveContent(t, vs, work, "doc.txt", "second")

	objects, err := os.ReadDir(filepath.Join(stateDir, "versions", "objects"))
	require.NoError(t, err)
	assert.Len(t, objects, 1, "evicted content should be garbage collected")
}

func TestVersionStore_RestoreArchivesCurrentFirst(t *testing.T) {
	vs, _ := newTestVersionStore(t, 5)
	work := t.TempDir()

	archiveContent(t, vs, work, "doc.txt", "old content")
	abs := filepath.Join(work, "doc.txt")
	require.NoError(t, os.WriteFile(abs, []byte("current content"), 0o644))

	rec, err := vs.Restore(context.Background(), "doc.txt", 1, abs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.VersionID)

	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "old content", string(data))

	// The overwritten content became version 2; restoring it undoes
	// the restore.
	chain, err := vs.Chain("doc.txt")
	require.NoError(t, err)
	require.Len(t, chain, 2)

	_, err = vs.Restore(context.Background(), "doc.txt", 2, abs)
	require.NoError(t, err)
	data, err = os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "current content", string(data))
}

func TestVersionStore_RestoreUnknownVersion(t *testing.T) {
	vs, _ := newTestVersionStore(t, 5)
	_, err := vs.Restore(context.Background(), "missing.txt", 7, filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestVersionStore_Paths(t *testing.T) {
	vs, _ := newTestVersionStore(t, 5)
	work := t.TempDir()

	archiveContent(t, vs, work, "b.txt", "b")
	archiveContent(t, vs, work, "a.txt", "a")
	archiveContent(t, vs, work, "a.txt", "a2")

	paths, err := vs.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, paths)
}

func TestVersionStore_ZeroLimitDisablesArchiving(t *testing.T) {
	vs, _ := newTestVersionStore(t, 0)
	work := t.TempDir()
	abs := filepath.Join(work, "doc.txt")
	require.NoError(t, os.WriteFile(abs, []byte("v1"), 0o644))

	for i := 0; i < 3; i++ {
		rec, err := vs.Archive(context.Background(), "doc.txt", abs)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}

	chain, err := vs.Chain("doc.txt")
	require.NoError(t, err)
	assert.Empty(t, chain, "a disabled store retains nothing")
}
