package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsguardian/fsguardian/internal/utils"
	"golang.org/x/sync/errgroup"
)

// maxRetryCount bounds integrity-failure retries per operation.
const maxRetryCount = 3

// WriterTransform optionally wraps a destination writer, e.g. to
// encrypt at-rest content. Closing the returned writer must flush the
// transform without closing the underlying writer. Nil means identity.
type WriterTransform func(io.Writer) (io.WriteCloser, error)

// OpResult reports the outcome of one executed operation.
type OpResult struct {
	Op    *Operation
	Bytes int64
	Err   error
}

// ExecutorOptions configures one transfer direction.
type ExecutorOptions struct {
	// Versions, when set, archives destination content before any
	// Modify or Delete touches it.
	Versions *VersionStore

	// Encrypt wraps destination writes; Decrypt wraps destination
	// reads (delta bases, verification). ContentDecrypt wraps reads
	// from the content-source tree.
	Encrypt        WriterTransform
	Decrypt        ReaderTransform
	ContentDecrypt ReaderTransform

	// Verify re-reads and fingerprints every written file.
	Verify bool

	// Workers bounds parallel file operations.
	Workers int
}

// Executor applies a ChangeSet against a destination tree. Deletes run
// first, then directory adds, then renames and file writes in parallel
// up to the worker bound. Each direction of a bidirectional run gets
// its own Executor.
type Executor struct {
	contentRoot string
	destRoot    string
	opts        ExecutorOptions
}

func NewExecutor(contentRoot, destRoot string, opts ExecutorOptions) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Executor{contentRoot: contentRoot, destRoot: destRoot, opts: opts}
}

func (ex *Executor) destPath(rel string) string {
	return filepath.Join(ex.destRoot, filepath.FromSlash(rel))
}

func (ex *Executor) contentPath(rel string) string {
	return filepath.Join(ex.contentRoot, filepath.FromSlash(rel))
}

// Execute applies the change set and streams one OpResult per
// operation. The channel closes when every operation has finished or
// the context is cancelled; remaining operations are not reported.
func (ex *Executor) Execute(ctx context.Context, cs *ChangeSet) <-chan OpResult {
	results := make(chan OpResult, cs.Len())

	go func() {
		defer close(results)

		deletes, dirAdds, fileOps := cs.split()

		// Deletes and directory adds are ordering-sensitive: children
		// before parents, parents before children respectively.
		for _, op := range deletes {
			if ctx.Err() != nil {
				return
			}
			results <- ex.applyDelete(ctx, op)
		}
		for _, op := range dirAdds {
			if ctx.Err() != nil {
				return
			}
			results <- ex.applyDirAdd(ctx, op)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ex.opts.Workers)
		for _, op := range fileOps {
			op := op
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				results <- ex.applyFileOp(gctx, op)
				return nil
			})
		}
		g.Wait()
	}()

	return results
}

func (ex *Executor) applyDelete(ctx context.Context, op *Operation) OpResult {
	dest := ex.destPath(op.Path)

	if op.Target.IsFile() && ex.opts.Versions != nil && utils.FileExists(dest) {
		if _, err := ex.opts.Versions.Archive(ctx, op.Path, dest); err != nil {
			return OpResult{Op: op, Err: fmt.Errorf("archive before delete: %w", err)}
		}
	}

	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return OpResult{Op: op, Err: fmt.Errorf("delete %s: %w", op.Path, err)}
	}
	slog.Debug("sync", "op", "delete", "path", op.Path)
	return OpResult{Op: op}
}

func (ex *Executor) applyDirAdd(ctx context.Context, op *Operation) OpResult {
	dest := ex.destPath(op.Path)

	// A file or symlink occupying the directory's name must go first.
	if info, err := os.Lstat(dest); err == nil && !info.IsDir() {
		if err := ex.clearReplaced(ctx, op, dest, info); err != nil {
			return OpResult{Op: op, Err: err}
		}
	}

	if err := utils.EnsureDir(dest); err != nil {
		return OpResult{Op: op, Err: fmt.Errorf("create dir %s: %w", op.Path, err)}
	}
	slog.Debug("sync", "op", "mkdir", "path", op.Path)
	return OpResult{Op: op}
}

func (ex *Executor) applyFileOp(ctx context.Context, op *Operation) OpResult {
	if op.Kind == OpModify && op.Source != nil && op.Target != nil && op.Source.Kind != op.Target.Kind {
		dest := ex.destPath(op.Path)
		if info, err := os.Lstat(dest); err == nil {
			if err := ex.clearReplaced(ctx, op, dest, info); err != nil {
				return OpResult{Op: op, Err: err}
			}
		}
	}

	switch {
	case op.Kind == OpRename:
		return ex.applyRename(op)
	case op.Source != nil && op.Source.Kind == KindSymlink:
		return ex.applySymlink(ctx, op)
	default:
		return ex.applyFileWrite(ctx, op)
	}
}

// clearReplaced removes a destination entry whose kind no longer
// matches what the operation will create there. Regular-file content is
// archived first so the replacement never discards data.
func (ex *Executor) clearReplaced(ctx context.Context, op *Operation, dest string, info os.FileInfo) error {
	if info.Mode().IsRegular() && ex.opts.Versions != nil {
		if _, err := ex.opts.Versions.Archive(ctx, op.Path, dest); err != nil {
			return fmt.Errorf("archive before replace: %w", err)
		}
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("replace %s: %w", op.Path, err)
	}
	return nil
}

func (ex *Executor) applyRename(op *Operation) OpResult {
	from, to := ex.destPath(op.From), ex.destPath(op.Path)
	if err := utils.EnsureParent(to); err != nil {
		return OpResult{Op: op, Err: err}
	}
	if err := os.Rename(from, to); err != nil {
		return OpResult{Op: op, Err: fmt.Errorf("rename %s -> %s: %w", op.From, op.Path, err)}
	}
	slog.Debug("sync", "op", "rename", "from", op.From, "to", op.Path)
	return OpResult{Op: op}
}

func (ex *Executor) applySymlink(ctx context.Context, op *Operation) OpResult {
	dest := ex.destPath(op.Path)
	if err := utils.EnsureParent(dest); err != nil {
		return OpResult{Op: op, Err: err}
	}
	if info, err := os.Lstat(dest); err == nil && info.Mode().IsRegular() && ex.opts.Versions != nil {
		if _, err := ex.opts.Versions.Archive(ctx, op.Path, dest); err != nil {
			return OpResult{Op: op, Err: fmt.Errorf("archive before overwrite: %w", err)}
		}
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return OpResult{Op: op, Err: fmt.Errorf("replace symlink %s: %w", op.Path, err)}
	}
	if err := os.Symlink(op.Source.LinkTarget, dest); err != nil {
		return OpResult{Op: op, Err: fmt.Errorf("symlink %s: %w", op.Path, err)}
	}
	slog.Debug("sync", "op", "symlink", "path", op.Path, "target", op.Source.LinkTarget)
	return OpResult{Op: op}
}

// applyFileWrite handles Add and Modify of regular files: assemble the
// new content (delta or full read), archive what it replaces, stage,
// rename, verify.
func (ex *Executor) applyFileWrite(ctx context.Context, op *Operation) OpResult {
	dest := ex.destPath(op.Path)

	data, err := ex.assembleContent(ctx, op, dest)
	if err != nil {
		return OpResult{Op: op, Err: err}
	}

	if op.Kind == OpModify && ex.opts.Versions != nil && utils.FileExists(dest) {
		if _, err := ex.opts.Versions.Archive(ctx, op.Path, dest); err != nil {
			return OpResult{Op: op, Err: fmt.Errorf("archive before overwrite: %w", err)}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return OpResult{Op: op, Err: err}
		}
		if err := ex.writeDest(ctx, dest, data, op.Source.ModTime); err != nil {
			return OpResult{Op: op, Err: fmt.Errorf("write %s: %w", op.Path, err)}
		}
		if !ex.opts.Verify {
			slog.Debug("sync", "op", string(op.Kind), "path", op.Path, "bytes", len(data))
			return OpResult{Op: op, Bytes: int64(len(data))}
		}

		lastErr = ex.verify(ctx, op, dest)
		if lastErr == nil {
			slog.Debug("sync", "op", string(op.Kind), "path", op.Path, "bytes", len(data), "verified", true)
			return OpResult{Op: op, Bytes: int64(len(data))}
		}
		slog.Warn("integrity check failed, retrying", "path", op.Path, "attempt", attempt, "error", lastErr)
	}
	return OpResult{Op: op, Bytes: int64(len(data)), Err: lastErr}
}

// assembleContent produces the plaintext bytes the destination must end
// up with. Delta application failures fall back to a full source read.
func (ex *Executor) assembleContent(ctx context.Context, op *Operation, dest string) ([]byte, error) {
	if op.Kind == OpModify && len(op.Instructions) > 0 {
		current, err := ex.readDest(dest)
		if err == nil {
			if data, err := ApplyDelta(op.Instructions, current); err == nil {
				return data, nil
			}
		}
		slog.Warn("delta application failed, falling back to full transfer", "path", op.Path)
	}

	f, err := os.Open(ex.contentPath(op.Path))
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", op.Path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if ex.opts.ContentDecrypt != nil {
		if r, err = ex.opts.ContentDecrypt(f); err != nil {
			return nil, fmt.Errorf("decrypt source %s: %w", op.Path, err)
		}
	}

	data, err := readAllBlocks(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", op.Path, err)
	}
	return data, nil
}

func (ex *Executor) readDest(dest string) ([]byte, error) {
	f, err := os.Open(dest)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if ex.opts.Decrypt != nil {
		if r, err = ex.opts.Decrypt(f); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(r)
}

// writeDest stages the content to a temp file in the destination
// directory, applying the encryption transform, then renames it into
// place so readers never observe a partial write.
func (ex *Executor) writeDest(ctx context.Context, dest string, data []byte, modTime time.Time) error {
	if err := utils.EnsureParent(dest); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fsg-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	var w io.Writer = tmp
	var flush io.Closer
	if ex.opts.Encrypt != nil {
		wc, err := ex.opts.Encrypt(tmp)
		if err != nil {
			tmp.Close()
			return err
		}
		w = wc
		flush = wc
	}

	for off := 0; off < len(data); off += BlockSize {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return err
		}
		end := off + BlockSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := w.Write(data[off:end]); err != nil {
			tmp.Close()
			return err
		}
	}

	if flush != nil {
		if err := flush.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(tmpPath, modTime, modTime); err != nil {
			return err
		}
	}
	return os.Rename(tmpPath, dest)
}

// verify re-reads the written file through the decrypt transform and
// compares its fingerprint to the expected content.
func (ex *Executor) verify(ctx context.Context, op *Operation, dest string) error {
	fp, _, _, err := hashFile(ctx, dest, ex.opts.Decrypt)
	if err != nil {
		return fmt.Errorf("verify %s: %w", op.Path, err)
	}
	if fp != op.Source.Fingerprint {
		return &IntegrityError{Path: op.Path, Expected: op.Source.Fingerprint, Actual: fp}
	}
	return nil
}

// readAllBlocks reads r fully with a cancellation check per block.
func readAllBlocks(ctx context.Context, r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, BlockSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
