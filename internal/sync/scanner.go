package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsguardian/fsguardian/internal/utils"
	"golang.org/x/sync/errgroup"
)

// ScanOptions configures one Scanner. All fields are optional except
// Tree when an Index is supplied.
type ScanOptions struct {
	Tree    Tree
	Filter  *Filter
	Ignore  *IgnoreList
	Index   *FingerprintIndex
	Decrypt ReaderTransform
	Workers int
}

// Scanner walks one tree and produces an immutable Snapshot. Hashing
// runs on a bounded worker pool; entries that fail to read are dropped
// and reported as ScanError diagnostics.
type Scanner struct {
	root string
	opts ScanOptions
}

func NewScanner(root string, opts ScanOptions) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	return &Scanner{root: root, opts: opts}
}

type pendingFile struct {
	relPath string
	absPath string
	info    fs.FileInfo
}

// Scan captures the tree. The returned error is non-nil only when the
// walk itself cannot proceed (root unreadable) or the context is
// cancelled; per-entry failures come back as diagnostics.
func (s *Scanner) Scan(ctx context.Context) (*Snapshot, []ScanError, error) {
	tStart := time.Now()

	entries := make(map[string]*Entry)
	var files []pendingFile
	var diags []ScanError

	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.root {
				return err
			}
			diags = append(diags, ScanError{Path: path, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if path == s.root {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			diags = append(diags, ScanError{Path: path, Err: err})
			return nil
		}
		relPath := utils.NormPath(rel)

		if d.IsDir() {
			if s.opts.Ignore.ShouldIgnore(relPath + "/") {
				return fs.SkipDir
			}
			entries[relPath] = &Entry{
				RelPath: relPath,
				Kind:    KindDir,
			}
			return nil
		}

		if s.opts.Ignore.ShouldIgnore(relPath) || !s.opts.Filter.Include(relPath) {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			entry, err := scanSymlink(path, relPath)
			if err != nil {
				diags = append(diags, ScanError{Path: relPath, Err: err})
				return nil
			}
			entries[relPath] = entry
			return nil
		}

		if !d.Type().IsRegular() {
			// sockets, devices, fifos are not syncable
			return nil
		}

		info, err := d.Info()
		if err != nil {
			diags = append(diags, ScanError{Path: relPath, Err: err})
			return nil
		}
		files = append(files, pendingFile{relPath: relPath, absPath: path, info: info})
		return nil
	})
	if walkErr != nil {
		return nil, diags, fmt.Errorf("scan %s: %w", s.root, walkErr)
	}

	// Hash files on the worker pool. Each worker writes into its own
	// slot, so the results need no locking; diagnostics do.
	results := make([]*Entry, len(files))
	var diagMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i := range files {
		g.Go(func() error {
			entry, err := s.hashOne(gctx, files[i])
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				diagMu.Lock()
				diags = append(diags, ScanError{Path: files[i].relPath, Err: err})
				diagMu.Unlock()
				return nil
			}
			results[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, diags, err
	}

	for _, entry := range results {
		if entry != nil {
			entries[entry.RelPath] = entry
		}
	}

	snap := newSnapshot(s.root, entries)
	slog.Debug("scan complete",
		"root", s.root,
		"entries", snap.Len(),
		"errors", len(diags),
		"took", time.Since(tStart),
	)
	return snap, diags, nil
}

// hashOne produces a file Entry, seeding from the fingerprint index when
// the on-disk size and mtime are unchanged since the cached hash.
func (s *Scanner) hashOne(ctx context.Context, pf pendingFile) (*Entry, error) {
	statSize := pf.info.Size()
	mtime := pf.info.ModTime()

	if s.opts.Index != nil {
		cached, err := s.opts.Index.Get(s.opts.Tree, pf.relPath)
		if err != nil {
			slog.Warn("fingerprint index read failed", "path", pf.relPath, "error", err)
		} else if cached != nil && cached.StatSize == statSize && cached.MtimeNs == mtime.UnixNano() {
			return &Entry{
				RelPath:     pf.relPath,
				Kind:        KindFile,
				Size:        cached.Size,
				ModTime:     mtime,
				Fingerprint: cached.Fingerprint,
				Blocks:      cached.Blocks,
			}, nil
		}
	}

	fingerprint, blocks, size, err := hashFile(ctx, pf.absPath, s.opts.Decrypt)
	if err != nil {
		return nil, err
	}

	if s.opts.Index != nil {
		putErr := s.opts.Index.Put(s.opts.Tree, &IndexEntry{
			Path:        pf.relPath,
			StatSize:    statSize,
			MtimeNs:     mtime.UnixNano(),
			Size:        size,
			Fingerprint: fingerprint,
			Blocks:      blocks,
		})
		if putErr != nil {
			slog.Warn("fingerprint index write failed", "path", pf.relPath, "error", putErr)
		}
	}

	return &Entry{
		RelPath:     pf.relPath,
		Kind:        KindFile,
		Size:        size,
		ModTime:     mtime,
		Fingerprint: fingerprint,
		Blocks:      blocks,
	}, nil
}

func scanSymlink(absPath, relPath string) (*Entry, error) {
	target, err := os.Readlink(absPath)
	if err != nil {
		return nil, err
	}
	return &Entry{
		RelPath:     relPath,
		Kind:        KindSymlink,
		Size:        int64(len(target)),
		Fingerprint: fingerprintBytes([]byte(target)),
		LinkTarget:  target,
	}, nil
}
