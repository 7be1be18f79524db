package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(path, content string, mtime time.Time) *Entry {
	return &Entry{
		RelPath:     path,
		Kind:        KindFile,
		Size:        int64(len(content)),
		ModTime:     mtime,
		Fingerprint: fingerprintBytes([]byte(content)),
	}
}

func snapshotOf(root string, entries ...*Entry) *Snapshot {
	m := map[string]*Entry{}
	for _, e := range entries {
		m[e.RelPath] = e
	}
	return newSnapshot(root, m)
}

func TestClassify(t *testing.T) {
	t0 := time.Now()
	base := entryAt("f", "base", t0)
	srcEdit := entryAt("f", "source edit", t0.Add(time.Second))
	tgtEdit := entryAt("f", "target edit", t0.Add(2*time.Second))
	sameEdit := entryAt("f", "shared edit", t0.Add(time.Second))

	cr := NewConflictResolver(TreeSource)

	cases := []struct {
		name           string
		src, tgt, base *Entry
		want           ChangeState
	}{
		{"no change anywhere", base, base, base, Unchanged},
		{"source edited", srcEdit, base, base, ChangedOnSource},
		{"target edited", base, tgtEdit, base, ChangedOnTarget},
		{"both edited differently", srcEdit, tgtEdit, base, ChangedOnBoth},
		{"both made identical edit", sameEdit, sameEdit, base, Unchanged},
		{"source deleted", nil, base, base, DeletedOnSource},
		{"target deleted", base, nil, base, DeletedOnTarget},
		{"deleted on both", nil, nil, base, DeletedOnBoth},
		{"delete races edit", nil, tgtEdit, base, ChangedOnBoth},
		{"edit races delete", srcEdit, nil, base, ChangedOnBoth},
		{"new on source only", srcEdit, nil, nil, ChangedOnSource},
		{"new on target only", nil, tgtEdit, nil, ChangedOnTarget},
		{"new on both, same content", sameEdit, sameEdit, nil, Unchanged},
		{"new on both, different content", srcEdit, tgtEdit, nil, ChangedOnBoth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cr.Classify(tc.src, tc.tgt, tc.base))
		})
	}
}

func TestReconcile_SingleSideChangesPropagate(t *testing.T) {
	t0 := time.Now()
	base := entryAt("a.txt", "original", t0)
	edited := entryAt("a.txt", "edited", t0.Add(time.Second))
	tgtNew := entryAt("b.txt", "target only", t0)

	plan := NewConflictResolver(TreeSource).Reconcile(
		snapshotOf("/src", edited),
		snapshotOf("/tgt", base, tgtNew),
		snapshotOf("/base", base),
	)

	require.Len(t, plan.ToTarget.Ops, 1)
	assert.Equal(t, OpModify, plan.ToTarget.Ops[0].Kind)
	assert.Equal(t, "a.txt", plan.ToTarget.Ops[0].Path)

	require.Len(t, plan.ToSource.Ops, 1)
	assert.Equal(t, OpAdd, plan.ToSource.Ops[0].Kind)
	assert.Equal(t, "b.txt", plan.ToSource.Ops[0].Path)

	assert.Empty(t, plan.Conflicts)
}

func TestReconcile_DeletesPropagateTowardUnchangedSide(t *testing.T) {
	t0 := time.Now()
	keep := entryAt("keep.txt", "kept", t0)
	gone := entryAt("gone.txt", "going", t0)

	plan := NewConflictResolver(TreeSource).Reconcile(
		snapshotOf("/src", keep),
		snapshotOf("/tgt", keep, gone),
		snapshotOf("/base", keep, gone),
	)

	require.Len(t, plan.ToTarget.Ops, 1)
	assert.Equal(t, OpDelete, plan.ToTarget.Ops[0].Kind)
	assert.Equal(t, "gone.txt", plan.ToTarget.Ops[0].Path)
	assert.Empty(t, plan.ToSource.Ops)
}

func TestReconcile_LaterMtimeWinsConflict(t *testing.T) {
	t0 := time.Now()
	base := entryAt("c.txt", "base", t0)
	srcEdit := entryAt("c.txt", "source edit", t0.Add(time.Second))
	tgtEdit := entryAt("c.txt", "target edit", t0.Add(5*time.Second))

	plan := NewConflictResolver(TreeSource).Reconcile(
		snapshotOf("/src", srcEdit),
		snapshotOf("/tgt", tgtEdit),
		snapshotOf("/base", base),
	)

	// Target edited later, so target content flows to source.
	assert.Empty(t, plan.ToTarget.Ops)
	require.Len(t, plan.ToSource.Ops, 1)
	assert.Equal(t, OpModify, plan.ToSource.Ops[0].Kind)
	assert.True(t, plan.ToSource.Ops[0].Source.SameContent(tgtEdit))

	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, ChangedOnBoth, plan.Conflicts[0].State)
	assert.Equal(t, TreeTarget, plan.Conflicts[0].Winner)
}

func TestReconcile_TieBreakIsConfigurable(t *testing.T) {
	t0 := time.Now()
	base := entryAt("d.txt", "base", t0)
	srcEdit := entryAt("d.txt", "source edit", t0.Add(time.Second))
	tgtEdit := entryAt("d.txt", "target edit", t0.Add(time.Second))

	for _, tc := range []struct {
		tieBreak Tree
		winner   Tree
	}{
		{TreeSource, TreeSource},
		{TreeTarget, TreeTarget},
	} {
		plan := NewConflictResolver(tc.tieBreak).Reconcile(
			snapshotOf("/src", srcEdit),
			snapshotOf("/tgt", tgtEdit),
			snapshotOf("/base", base),
		)
		require.Len(t, plan.Conflicts, 1)
		assert.Equal(t, tc.winner, plan.Conflicts[0].Winner)
	}
}

func TestReconcile_EditBeatsDelete(t *testing.T) {
	t0 := time.Now()
	base := entryAt("e.txt", "base", t0)
	tgtEdit := entryAt("e.txt", "rescued edit", t0.Add(time.Second))

	plan := NewConflictResolver(TreeSource).Reconcile(
		snapshotOf("/src"),
		snapshotOf("/tgt", tgtEdit),
		snapshotOf("/base", base),
	)

	// The edit survives even though the tie-break prefers source.
	assert.Empty(t, plan.ToTarget.Ops)
	require.Len(t, plan.ToSource.Ops, 1)
	assert.Equal(t, OpAdd, plan.ToSource.Ops[0].Kind)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, TreeTarget, plan.Conflicts[0].Winner)
}

func TestReconcile_DeletedOnBothIsDiagnosticOnly(t *testing.T) {
	t0 := time.Now()
	base := entryAt("f.txt", "base", t0)

	plan := NewConflictResolver(TreeSource).Reconcile(
		snapshotOf("/src"),
		snapshotOf("/tgt"),
		snapshotOf("/base", base),
	)

	assert.Empty(t, plan.ToTarget.Ops)
	assert.Empty(t, plan.ToSource.Ops)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, DeletedOnBoth, plan.Conflicts[0].State)
}

func TestReconcile_FirstRunWithEmptyBaseline(t *testing.T) {
	t0 := time.Now()
	srcOnly := entryAt("src.txt", "s", t0)
	tgtOnly := entryAt("tgt.txt", "t", t0)
	shared := entryAt("both.txt", "same", t0)

	plan := NewConflictResolver(TreeSource).Reconcile(
		snapshotOf("/src", srcOnly, shared),
		snapshotOf("/tgt", tgtOnly, shared),
		EmptySnapshot("/base"),
	)

	require.Len(t, plan.ToTarget.Ops, 1)
	assert.Equal(t, "src.txt", plan.ToTarget.Ops[0].Path)
	require.Len(t, plan.ToSource.Ops, 1)
	assert.Equal(t, "tgt.txt", plan.ToSource.Ops[0].Path)
	assert.Empty(t, plan.Conflicts)
}

func TestAppliedSnapshot_ProjectsReconciledState(t *testing.T) {
	t0 := time.Now()
	base := entryAt("a.txt", "base", t0)
	srcEdit := entryAt("a.txt", "source edit", t0.Add(time.Second))
	tgtWin := entryAt("b.txt", "target wins", t0.Add(3*time.Second))
	srcLose := entryAt("b.txt", "source loses", t0.Add(time.Second))

	source := snapshotOf("/src", srcEdit, srcLose)
	target := snapshotOf("/tgt", base, tgtWin)
	baseline := snapshotOf("/base", base, entryAt("b.txt", "base b", t0))

	plan := NewConflictResolver(TreeSource).Reconcile(source, target, baseline)
	next := AppliedSnapshot(source, target, plan)

	// a.txt carries the source edit, b.txt the target winner.
	require.True(t, next.Has("a.txt"))
	assert.True(t, next.Get("a.txt").SameContent(srcEdit))
	require.True(t, next.Has("b.txt"))
	assert.True(t, next.Get("b.txt").SameContent(tgtWin))
}
