package sync

import (
	"sort"
)

// OpKind identifies a ChangeSet operation.
type OpKind string

const (
	OpAdd    OpKind = "Add"
	OpModify OpKind = "Modify"
	OpDelete OpKind = "Delete"
	OpRename OpKind = "Rename"
)

// Operation is one unit of work against the destination tree. Source is
// the entry whose content the destination must end up with; Target is
// the destination's current entry (Modify/Delete only). A Modify with
// nil Instructions transfers the whole file.
type Operation struct {
	Kind         OpKind
	Path         string
	From         string // Rename only: the destination path being moved
	Source       *Entry
	Target       *Entry
	Instructions []DeltaInstruction
}

// ChangeSet is an ordered sequence of Operations with at most one
// Operation per path. Execution order: deletes (children first), then
// directory adds, then renames, then file adds/modifies.
type ChangeSet struct {
	Ops []*Operation
}

func (cs *ChangeSet) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.Ops)
}

// Empty reports whether the change set carries no work.
func (cs *ChangeSet) Empty() bool {
	return cs.Len() == 0
}

// TotalBytes estimates the bytes that will be written, for progress
// accounting.
func (cs *ChangeSet) TotalBytes() int64 {
	var total int64
	for _, op := range cs.Ops {
		if (op.Kind == OpAdd || op.Kind == OpModify) && op.Source.IsFile() {
			total += op.Source.Size
		}
	}
	return total
}

// sortOps puts the change set into execution order. Deletes run first so
// names are free for renames and adds, deepest paths first so children
// go before their parents. Directory adds precede any file write below
// them by phase separation.
func (cs *ChangeSet) sortOps() {
	rank := func(op *Operation) int {
		switch {
		case op.Kind == OpDelete:
			return 0
		case op.makesDir():
			return 1
		case op.Kind == OpRename:
			return 2
		default:
			return 3
		}
	}

	sort.SliceStable(cs.Ops, func(i, j int) bool {
		ri, rj := rank(cs.Ops[i]), rank(cs.Ops[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 0 {
			// children before parents
			return cs.Ops[i].Path > cs.Ops[j].Path
		}
		return cs.Ops[i].Path < cs.Ops[j].Path
	})
}

// makesDir reports whether executing op creates a directory at op.Path.
// A Modify counts too: the path's kind changed and a directory must
// exist before any writes beneath it.
func (op *Operation) makesDir() bool {
	return (op.Kind == OpAdd || op.Kind == OpModify) &&
		op.Source != nil && op.Source.Kind == KindDir
}

// split partitions ops into the three execution phases.
func (cs *ChangeSet) split() (deletes, dirAdds, fileOps []*Operation) {
	for _, op := range cs.Ops {
		switch {
		case op.Kind == OpDelete:
			deletes = append(deletes, op)
		case op.makesDir():
			dirAdds = append(dirAdds, op)
		default:
			fileOps = append(fileOps, op)
		}
	}
	return deletes, dirAdds, fileOps
}
