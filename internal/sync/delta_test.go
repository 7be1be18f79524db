package sync

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanDir(t *testing.T, root string) *Snapshot {
	t.Helper()
	snap, diags, err := NewScanner(root, ScanOptions{}).Scan(context.Background())
	require.NoError(t, err)
	require.Empty(t, diags)
	return snap
}

func diffDirs(t *testing.T, sourceRoot, targetRoot string) *ChangeSet {
	t.Helper()
	src := scanDir(t, sourceRoot)
	tgt := scanDir(t, targetRoot)
	cs, err := NewDeltaComputer(sourceRoot, nil).Diff(context.Background(), src, tgt)
	require.NoError(t, err)
	return cs
}

func opsByKind(cs *ChangeSet, kind OpKind) []*Operation {
	var out []*Operation
	for _, op := range cs.Ops {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

func TestDiff_AddDeleteModify(t *testing.T) {
	srcRoot := t.TempDir()
	tgtRoot := t.TempDir()
	writeTree(t, srcRoot, map[string]string{
		"new.txt":    "fresh",
		"same.txt":   "unchanged",
		"edited.txt": "source version",
	})
	writeTree(t, tgtRoot, map[string]string{
		"same.txt":   "unchanged",
		"edited.txt": "target version!",
		"old.txt":    "stale",
	})

	cs := diffDirs(t, srcRoot, tgtRoot)

	adds := opsByKind(cs, OpAdd)
	require.Len(t, adds, 1)
	assert.Equal(t, "new.txt", adds[0].Path)

	dels := opsByKind(cs, OpDelete)
	require.Len(t, dels, 1)
	assert.Equal(t, "old.txt", dels[0].Path)

	mods := opsByKind(cs, OpModify)
	require.Len(t, mods, 1)
	assert.Equal(t, "edited.txt", mods[0].Path)
	assert.NotNil(t, mods[0].Source)
	assert.NotNil(t, mods[0].Target)

	// One operation per path.
	seen := map[string]bool{}
	for _, op := range cs.Ops {
		assert.False(t, seen[op.Path], "duplicate op for %s", op.Path)
		seen[op.Path] = true
	}
}

func TestDiff_NoChangesIsEmpty(t *testing.T) {
	srcRoot := t.TempDir()
	tgtRoot := t.TempDir()
	files := map[string]string{
		"a.txt":      "alpha",
		"sub/b.txt":  "beta",
		"sub/c.json": `{"k":1}`,
	}
	writeTree(t, srcRoot, files)
	writeTree(t, tgtRoot, files)

	cs := diffDirs(t, srcRoot, tgtRoot)
	assert.True(t, cs.Empty())
}

func TestDiff_RenameDetection(t *testing.T) {
	srcRoot := t.TempDir()
	tgtRoot := t.TempDir()
	writeTree(t, srcRoot, map[string]string{"renamed/new-name.txt": "movable content"})
	writeTree(t, tgtRoot, map[string]string{"old-name.txt": "movable content"})

	cs := diffDirs(t, srcRoot, tgtRoot)

	renames := opsByKind(cs, OpRename)
	require.Len(t, renames, 1)
	assert.Equal(t, "old-name.txt", renames[0].From)
	assert.Equal(t, "renamed/new-name.txt", renames[0].Path)

	// The delete was claimed by the rename.
	assert.Empty(t, opsByKind(cs, OpDelete))
	// Only the directory is added.
	adds := opsByKind(cs, OpAdd)
	require.Len(t, adds, 1)
	assert.Equal(t, "renamed", adds[0].Path)
}

func TestDiff_ExecutionOrder(t *testing.T) {
	srcRoot := t.TempDir()
	tgtRoot := t.TempDir()
	writeTree(t, srcRoot, map[string]string{"newdir/file.txt": "x"})
	writeTree(t, tgtRoot, map[string]string{"olddir/nested/gone.txt": "y"})

	cs := diffDirs(t, srcRoot, tgtRoot)

	kinds := make([]OpKind, 0, len(cs.Ops))
	paths := make([]string, 0, len(cs.Ops))
	for _, op := range cs.Ops {
		kinds = append(kinds, op.Kind)
		paths = append(paths, op.Path)
	}

	// Deletes first, children before parents, then dir adds, then files.
	assert.Equal(t, []OpKind{OpDelete, OpDelete, OpDelete, OpAdd, OpAdd}, kinds)
	assert.Equal(t, "olddir/nested/gone.txt", paths[0])
	assert.Equal(t, "olddir/nested", paths[1])
	assert.Equal(t, "olddir", paths[2])
	assert.Equal(t, "newdir", paths[3])
	assert.Equal(t, "newdir/file.txt", paths[4])
}

func TestComputeDelta_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	base := make([]byte, BlockSize*4+1234)
	rng.Read(base)

	cases := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"identical", func(b []byte) []byte {
			return append([]byte(nil), b...)
		}},
		{"prefix insert", func(b []byte) []byte {
			return append([]byte("inserted prefix bytes"), b...)
		}},
		{"middle delete", func(b []byte) []byte {
			out := append([]byte(nil), b[:BlockSize]...)
			return append(out, b[BlockSize+777:]...)
		}},
		{"tail append", func(b []byte) []byte {
			return append(append([]byte(nil), b...), []byte("trailing data")...)
		}},
		{"block reorder", func(b []byte) []byte {
			out := append([]byte(nil), b[BlockSize:BlockSize*2]...)
			out = append(out, b[:BlockSize]...)
			return append(out, b[BlockSize*2:]...)
		}},
		{"total rewrite", func(b []byte) []byte {
			other := make([]byte, len(b))
			rng.Read(other)
			return other
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := base
			source := tc.mutate(base)

			var tgtBlocks []BlockDigest
			for off := 0; off < len(target); off += BlockSize {
				end := off + BlockSize
				if end > len(target) {
					end = len(target)
				}
				tgtBlocks = append(tgtBlocks, blockDigestOf(target[off:end]))
			}

			instrs := computeDelta(context.Background(), source, tgtBlocks)
			require.NotNil(t, instrs)

			rebuilt, err := ApplyDelta(instrs, target)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(source, rebuilt), "round trip must be byte exact")
		})
	}
}

func TestComputeDelta_ReusesBlocksOnShift(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	target := make([]byte, BlockSize*8)
	rng.Read(target)

	// Insert a few bytes near the front: every block after the insert
	// point is offset-shifted but still present.
	source := append([]byte("shift"), target...)

	var tgtBlocks []BlockDigest
	for off := 0; off < len(target); off += BlockSize {
		tgtBlocks = append(tgtBlocks, blockDigestOf(target[off:off+BlockSize]))
	}

	instrs := computeDelta(context.Background(), source, tgtBlocks)

	var literalBytes int
	var copies int
	for _, in := range instrs {
		switch in.Kind {
		case InstrLiteral:
			literalBytes += len(in.Data)
		case InstrCopy:
			copies++
		}
	}

	assert.Equal(t, 8, copies, "all target blocks should be reused")
	assert.Less(t, literalBytes, BlockSize, "only the inserted bytes should travel as literal")

	rebuilt, err := ApplyDelta(instrs, target)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(source, rebuilt))
}

func TestDiff_ModifyCarriesDeltaForLargeFiles(t *testing.T) {
	srcRoot := t.TempDir()
	tgtRoot := t.TempDir()

	rng := rand.New(rand.NewSource(3))
	targetData := make([]byte, BlockSize*3)
	rng.Read(targetData)
	sourceData := append(append([]byte(nil), []byte("edit: ")...), targetData...)

	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "big.bin"), sourceData, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tgtRoot, "big.bin"), targetData, 0o644))

	cs := diffDirs(t, srcRoot, tgtRoot)
	mods := opsByKind(cs, OpModify)
	require.Len(t, mods, 1)
	require.NotNil(t, mods[0].Instructions)

	rebuilt, err := ApplyDelta(mods[0].Instructions, targetData)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(sourceData, rebuilt))
}

func TestApplyDelta_RejectsBadBlockIndex(t *testing.T) {
	_, err := ApplyDelta([]DeltaInstruction{{Kind: InstrCopy, Block: 9}}, []byte("tiny"))
	assert.Error(t, err)
}

func TestRollingSum_MatchesRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := make([]byte, 4096)
	rng.Read(data)

	const window = 512
	roll := newRollingSum(data[:window])
	for i := 0; i+window < len(data); i++ {
		assert.Equal(t, weakSum(data[i:i+window]), roll.sum(), "offset %d", i)
		roll.roll(data[i], data[i+window])
	}
}
