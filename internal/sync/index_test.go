package sync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *FingerprintIndex {
	t.Helper()
	idx := NewFingerprintIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, idx.Open())
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestFingerprintIndex_PutGet(t *testing.T) {
	idx := openTestIndex(t)

	entry := &IndexEntry{
		Path:        "docs/a.txt",
		StatSize:    58,
		MtimeNs:     123456789,
		Size:        42,
		Fingerprint: "aabbcc",
		Blocks: []BlockDigest{
			{Weak: 1, Hi: 2, Lo: 3},
			{Weak: 4, Hi: 5, Lo: 6},
		},
	}
	require.NoError(t, idx.Put(TreeSource, entry))

	got, err := idx.Get(TreeSource, "docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry, got)

	// Trees are partitioned.
	miss, err := idx.Get(TreeTarget, "docs/a.txt")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestFingerprintIndex_GetMissing(t *testing.T) {
	idx := openTestIndex(t)

	got, err := idx.Get(TreeSource, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFingerprintIndex_Invalidate(t *testing.T) {
	idx := openTestIndex(t)

	require.NoError(t, idx.Put(TreeSource, &IndexEntry{Path: "a", Fingerprint: "f1"}))
	require.NoError(t, idx.Put(TreeSource, &IndexEntry{Path: "b", Fingerprint: "f2"}))
	require.NoError(t, idx.Put(TreeTarget, &IndexEntry{Path: "a", Fingerprint: "f3"}))

	require.NoError(t, idx.Invalidate(TreeSource, "a"))
	got, err := idx.Get(TreeSource, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Other rows untouched.
	got, err = idx.Get(TreeSource, "b")
	require.NoError(t, err)
	assert.NotNil(t, got)

	count, err := idx.Count(TreeSource)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, idx.InvalidateAll(TreeSource))
	count, err = idx.Count(TreeSource)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Target tree survives a source-wide invalidation.
	count, err = idx.Count(TreeTarget)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFingerprintIndex_OverwriteReplaces(t *testing.T) {
	idx := openTestIndex(t)

	require.NoError(t, idx.Put(TreeSource, &IndexEntry{Path: "a", StatSize: 1, Size: 1, Fingerprint: "old"}))
	require.NoError(t, idx.Put(TreeSource, &IndexEntry{Path: "a", StatSize: 2, Size: 2, Fingerprint: "new"}))

	got, err := idx.Get(TreeSource, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Fingerprint)
	assert.Equal(t, int64(2), got.Size)
}

func TestBlockDigestRoundTrip(t *testing.T) {
	blocks := []BlockDigest{
		{Weak: 0xdeadbeef, Hi: 0x1122334455667788, Lo: 0x99aabbccddeeff00},
		{Weak: 0, Hi: 0, Lo: 1},
	}
	decoded, err := decodeBlocks(encodeBlocks(blocks))
	require.NoError(t, err)
	assert.Equal(t, blocks, decoded)

	_, err = decodeBlocks([]byte{1, 2, 3})
	assert.Error(t, err)
}
