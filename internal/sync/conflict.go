package sync

import (
	"log/slog"
	"sort"
)

// ChangeState classifies one path's divergence since the baseline.
type ChangeState int

const (
	Unchanged ChangeState = iota
	ChangedOnSource
	ChangedOnTarget
	ChangedOnBoth
	DeletedOnSource
	DeletedOnTarget
	DeletedOnBoth
)

func (s ChangeState) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case ChangedOnSource:
		return "changed-on-source"
	case ChangedOnTarget:
		return "changed-on-target"
	case ChangedOnBoth:
		return "changed-on-both"
	case DeletedOnSource:
		return "deleted-on-source"
	case DeletedOnTarget:
		return "deleted-on-target"
	case DeletedOnBoth:
		return "deleted-on-both"
	default:
		return "unknown"
	}
}

// ConflictDiagnostic records one resolved both-sides conflict. The
// losing content is archived before overwrite, never discarded.
type ConflictDiagnostic struct {
	Path   string
	State  ChangeState
	Winner Tree
	Detail string
}

// ReconcilePlan holds the per-direction operations a bidirectional run
// must apply, plus the conflicts resolved along the way.
type ReconcilePlan struct {
	ToTarget  *ChangeSet
	ToSource  *ChangeSet
	Conflicts []ConflictDiagnostic
}

// ConflictResolver classifies paths against the last reconciled
// baseline and turns divergence into directional operations. Both-sides
// conflicts go to the later modification time; tieBreak names the side
// that wins when the times are equal.
type ConflictResolver struct {
	tieBreak Tree
}

func NewConflictResolver(tieBreak Tree) *ConflictResolver {
	if tieBreak == "" {
		tieBreak = TreeSource
	}
	return &ConflictResolver{tieBreak: tieBreak}
}

// Classify determines a path's change state from its source, target and
// baseline entries. Any of the three may be nil when the path is absent
// from that snapshot.
func (cr *ConflictResolver) Classify(src, tgt, base *Entry) ChangeState {
	if base == nil {
		// First sighting: never a conflict unless both sides hold
		// different content.
		switch {
		case src == nil && tgt == nil:
			return Unchanged
		case tgt == nil:
			return ChangedOnSource
		case src == nil:
			return ChangedOnTarget
		case src.SameContent(tgt):
			return Unchanged
		default:
			return ChangedOnBoth
		}
	}

	srcDeleted := src == nil
	tgtDeleted := tgt == nil
	srcChanged := !srcDeleted && !src.SameContent(base)
	tgtChanged := !tgtDeleted && !tgt.SameContent(base)

	switch {
	case srcDeleted && tgtDeleted:
		return DeletedOnBoth
	case srcDeleted && tgtChanged, tgtDeleted && srcChanged:
		// Delete against edit is a content conflict; the surviving
		// edit outranks the delete.
		return ChangedOnBoth
	case srcDeleted:
		return DeletedOnSource
	case tgtDeleted:
		return DeletedOnTarget
	case srcChanged && tgtChanged:
		if src.SameContent(tgt) {
			// Both sides made the identical edit.
			return Unchanged
		}
		return ChangedOnBoth
	case srcChanged:
		return ChangedOnSource
	case tgtChanged:
		return ChangedOnTarget
	default:
		return Unchanged
	}
}

// Reconcile compares both snapshots against the baseline and produces
// the operations each direction must apply. Single-side changes
// propagate toward the unchanged side; both-side conflicts resolve to
// the later modification time, with the loser preserved through the
// executor's archive-before-overwrite path.
func (cr *ConflictResolver) Reconcile(source, target, baseline *Snapshot) *ReconcilePlan {
	plan := &ReconcilePlan{
		ToTarget: &ChangeSet{},
		ToSource: &ChangeSet{},
	}

	paths := map[string]bool{}
	for _, p := range source.Paths() {
		paths[p] = true
	}
	for _, p := range target.Paths() {
		paths[p] = true
	}
	for _, p := range baseline.Paths() {
		paths[p] = true
	}

	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	for _, path := range ordered {
		src := source.Get(path)
		tgt := target.Get(path)
		base := baseline.Get(path)

		state := cr.Classify(src, tgt, base)
		switch state {
		case Unchanged:

		case ChangedOnSource:
			plan.ToTarget.Ops = append(plan.ToTarget.Ops, directionalOp(path, src, tgt))

		case ChangedOnTarget:
			plan.ToSource.Ops = append(plan.ToSource.Ops, directionalOp(path, tgt, src))

		case DeletedOnSource:
			plan.ToTarget.Ops = append(plan.ToTarget.Ops, &Operation{Kind: OpDelete, Path: path, Target: tgt})

		case DeletedOnTarget:
			plan.ToSource.Ops = append(plan.ToSource.Ops, &Operation{Kind: OpDelete, Path: path, Target: src})

		case DeletedOnBoth:
			// Nothing left to move; record it so the baseline entry is
			// known stale.
			plan.Conflicts = append(plan.Conflicts, ConflictDiagnostic{
				Path:   path,
				State:  state,
				Detail: "deleted independently on both sides",
			})

		case ChangedOnBoth:
			winner := cr.pickWinner(src, tgt)
			diag := ConflictDiagnostic{Path: path, State: state, Winner: winner}
			if winner == TreeSource {
				diag.Detail = "source content wins, target content archived"
				plan.ToTarget.Ops = append(plan.ToTarget.Ops, directionalOp(path, src, tgt))
			} else {
				diag.Detail = "target content wins, source content archived"
				plan.ToSource.Ops = append(plan.ToSource.Ops, directionalOp(path, tgt, src))
			}
			plan.Conflicts = append(plan.Conflicts, diag)
			slog.Info("conflict resolved", "path", path, "state", state.String(), "winner", string(winner))
		}
	}

	plan.ToTarget.sortOps()
	plan.ToSource.sortOps()
	return plan
}

// pickWinner chooses the surviving content of a both-sides conflict.
// A side that deleted the path never beats a side that edited it.
func (cr *ConflictResolver) pickWinner(src, tgt *Entry) Tree {
	switch {
	case src == nil:
		return TreeTarget
	case tgt == nil:
		return TreeSource
	case src.ModTime.After(tgt.ModTime):
		return TreeSource
	case tgt.ModTime.After(src.ModTime):
		return TreeTarget
	default:
		return cr.tieBreak
	}
}

// directionalOp builds the operation that carries winning content to
// the side currently holding loser (possibly nil).
func directionalOp(path string, winner, loser *Entry) *Operation {
	if loser == nil {
		return &Operation{Kind: OpAdd, Path: path, Source: winner}
	}
	return &Operation{Kind: OpModify, Path: path, Source: winner, Target: loser}
}

// AppliedSnapshot projects the post-session reconciled state: the
// source snapshot with target-won paths substituted and both-side
// deletions dropped. It becomes the next baseline after a fully
// successful run.
func AppliedSnapshot(source, target *Snapshot, plan *ReconcilePlan) *Snapshot {
	entries := map[string]*Entry{}
	for _, p := range source.Paths() {
		entries[p] = source.Get(p)
	}

	for _, op := range plan.ToSource.Ops {
		switch op.Kind {
		case OpDelete:
			delete(entries, op.Path)
		default:
			if e := target.Get(op.Path); e != nil {
				entries[op.Path] = e
			}
		}
	}
	for _, op := range plan.ToTarget.Ops {
		if e := source.Get(op.Path); e != nil {
			entries[op.Path] = e
		}
	}

	return newSnapshot(source.Root, entries)
}
