package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// InstrKind distinguishes delta instructions.
type InstrKind uint8

const (
	// InstrCopy reuses one block already present in the destination's
	// current content, identified by block index.
	InstrCopy InstrKind = iota
	// InstrLiteral carries raw bytes.
	InstrLiteral
)

// DeltaInstruction is one step of a block-matching delta. Applying the
// instruction stream against the destination's current bytes reproduces
// the source content exactly.
type DeltaInstruction struct {
	Kind  InstrKind
	Block int
	Data  []byte
}

// DeltaComputer diffs two snapshots into a ChangeSet. For modified files
// it computes block-matching deltas by reading the source content and
// matching runs against the destination snapshot's block digests, so no
// destination I/O is needed at diff time.
type DeltaComputer struct {
	sourceRoot    string
	decryptSource ReaderTransform // set when the content-source tree is encrypted at rest
}

func NewDeltaComputer(sourceRoot string, decryptSource ReaderTransform) *DeltaComputer {
	return &DeltaComputer{sourceRoot: sourceRoot, decryptSource: decryptSource}
}

// Diff computes the operations that make target match source. Paths only
// in source become Adds, paths only in target become Deletes (unless
// rename detection claims them), fingerprint-equal paths are skipped,
// and the rest become Modifies with a block delta where one is worth
// computing.
func (dc *DeltaComputer) Diff(ctx context.Context, source, target *Snapshot) (*ChangeSet, error) {
	cs := &ChangeSet{}

	var adds []*Operation
	deleted := make(map[string]*Operation) // fingerprint -> unclaimed delete, files only

	for _, path := range source.Paths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src := source.Get(path)
		tgt := target.Get(path)

		if tgt == nil {
			op := &Operation{Kind: OpAdd, Path: path, Source: src}
			adds = append(adds, op)
			cs.Ops = append(cs.Ops, op)
			continue
		}

		if src.SameContent(tgt) {
			continue
		}

		op := &Operation{Kind: OpModify, Path: path, Source: src, Target: tgt}
		if src.IsFile() && tgt.IsFile() {
			op.Instructions = dc.fileDelta(ctx, src, tgt)
		}
		cs.Ops = append(cs.Ops, op)
	}

	for _, path := range target.Paths() {
		if source.Has(path) {
			continue
		}
		op := &Operation{Kind: OpDelete, Path: path, Target: target.Get(path)}
		cs.Ops = append(cs.Ops, op)
		if op.Target.IsFile() && op.Target.Fingerprint != "" {
			deleted[op.Target.Fingerprint] = op
		}
	}

	dc.detectRenames(cs, adds, deleted)
	cs.sortOps()
	return cs, nil
}

// FillDeltas populates block-matching instructions on Modify operations
// assembled outside Diff, such as by bidirectional reconciliation.
func (dc *DeltaComputer) FillDeltas(ctx context.Context, cs *ChangeSet) {
	for _, op := range cs.Ops {
		if op.Kind != OpModify || op.Instructions != nil {
			continue
		}
		if op.Source != nil && op.Target != nil && op.Source.IsFile() && op.Target.IsFile() {
			op.Instructions = dc.fileDelta(ctx, op.Source, op.Target)
		}
	}
}

// detectRenames merges a Delete and an Add with identical content into a
// single Rename, saving the retransfer. Each delete claims at most one
// add.
func (dc *DeltaComputer) detectRenames(cs *ChangeSet, adds []*Operation, deleted map[string]*Operation) {
	if len(adds) == 0 || len(deleted) == 0 {
		return
	}

	claimed := make(map[*Operation]bool)
	for _, add := range adds {
		if !add.Source.IsFile() || add.Source.Fingerprint == "" {
			continue
		}
		del, ok := deleted[add.Source.Fingerprint]
		if !ok || claimed[del] {
			continue
		}
		claimed[del] = true
		delete(deleted, add.Source.Fingerprint)

		add.Kind = OpRename
		add.From = del.Path
		add.Target = del.Target
		slog.Debug("rename detected", "from", del.Path, "to", add.Path)
		cs.remove(del)
	}
}

func (cs *ChangeSet) remove(target *Operation) {
	for i, op := range cs.Ops {
		if op == target {
			cs.Ops = append(cs.Ops[:i], cs.Ops[i+1:]...)
			return
		}
	}
}

// fileDelta computes block-matching instructions for one modified file.
// Any failure degrades to a whole-file transfer (nil instructions)
// rather than failing the diff.
func (dc *DeltaComputer) fileDelta(ctx context.Context, src, tgt *Entry) []DeltaInstruction {
	if len(tgt.Blocks) == 0 {
		return nil
	}

	data, err := dc.readSource(src.RelPath)
	if err != nil {
		slog.Warn("delta read failed, falling back to full transfer", "path", src.RelPath, "error", err)
		return nil
	}

	instrs := computeDelta(ctx, data, tgt.Blocks)
	if instrs == nil {
		return nil
	}

	// A delta that copies nothing is pure overhead.
	hasCopy := false
	for _, in := range instrs {
		if in.Kind == InstrCopy {
			hasCopy = true
			break
		}
	}
	if !hasCopy {
		return nil
	}
	return instrs
}

func (dc *DeltaComputer) readSource(relPath string) ([]byte, error) {
	f, err := os.Open(filepath.Join(dc.sourceRoot, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if dc.decryptSource != nil {
		if r, err = dc.decryptSource(f); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(r)
}

// computeDelta scans data with a rolling checksum. At each alignment
// point where a block-sized window's weak sum hits a destination block
// candidate, the strong digest confirms the match and a Copy instruction
// is emitted; otherwise the literal run grows by one byte. Returns nil
// when cancelled.
func computeDelta(ctx context.Context, data []byte, tgtBlocks []BlockDigest) []DeltaInstruction {
	weak := make(map[uint32][]int, len(tgtBlocks))
	for i, b := range tgtBlocks {
		weak[b.Weak] = append(weak[b.Weak], i)
	}

	var instrs []DeltaInstruction
	emitLiteral := func(lit []byte) {
		if len(lit) == 0 {
			return
		}
		// Copy out of the backing array: instructions outlive data reuse.
		instrs = append(instrs, DeltaInstruction{Kind: InstrLiteral, Data: append([]byte(nil), lit...)})
	}

	i := 0
	literalStart := 0
	var roll rollingSum
	rolling := false

	for i+BlockSize <= len(data) {
		if i%BlockSize == 0 && ctx.Err() != nil {
			return nil
		}

		if !rolling {
			roll = newRollingSum(data[i : i+BlockSize])
			rolling = true
		}

		matched := -1
		if candidates, ok := weak[roll.sum()]; ok {
			strong := blockDigestOf(data[i : i+BlockSize])
			for _, idx := range candidates {
				if tgtBlocks[idx].Hi == strong.Hi && tgtBlocks[idx].Lo == strong.Lo {
					matched = idx
					break
				}
			}
		}

		if matched >= 0 {
			emitLiteral(data[literalStart:i])
			instrs = append(instrs, DeltaInstruction{Kind: InstrCopy, Block: matched})
			i += BlockSize
			literalStart = i
			rolling = false
			continue
		}

		if i+BlockSize < len(data) {
			roll.roll(data[i], data[i+BlockSize])
		}
		i++
	}

	emitLiteral(data[literalStart:])
	return instrs
}

// ApplyDelta reconstructs the source content from an instruction stream
// and the destination's current bytes.
func ApplyDelta(instrs []DeltaInstruction, current []byte) ([]byte, error) {
	var out []byte
	for _, in := range instrs {
		switch in.Kind {
		case InstrLiteral:
			out = append(out, in.Data...)
		case InstrCopy:
			start := in.Block * BlockSize
			if start < 0 || start >= len(current) {
				return nil, fmt.Errorf("delta copy block %d out of range (%d bytes)", in.Block, len(current))
			}
			end := start + BlockSize
			if end > len(current) {
				end = len(current)
			}
			out = append(out, current[start:end]...)
		default:
			return nil, fmt.Errorf("unknown delta instruction kind %d", in.Kind)
		}
	}
	return out, nil
}
