package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsguardian/fsguardian/internal/db"
	"github.com/fsguardian/fsguardian/internal/utils"
	"github.com/jmoiron/sqlx"
)

const versionSchema = `
CREATE TABLE IF NOT EXISTS version_records (
    path TEXT NOT NULL,
    version_id INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    content_ref TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    size INTEGER NOT NULL,
    PRIMARY KEY (path, version_id)
);

CREATE INDEX IF NOT EXISTS idx_vr_content ON version_records(content_ref);
`

// VersionRecord describes one retained historical version of a synced
// path. ContentRef names the archived object holding the bytes as they
// were on disk at archive time.
type VersionRecord struct {
	Path        string `db:"path"`
	VersionID   int64  `db:"version_id"`
	CreatedAtNs int64  `db:"created_at"`
	ContentRef  string `db:"content_ref"`
	Fingerprint string `db:"fingerprint"`
	Size        int64  `db:"size"`
}

// CreatedAt returns the archive timestamp.
func (r *VersionRecord) CreatedAt() time.Time {
	return time.Unix(0, r.CreatedAtNs)
}

// VersionStore retains up to maxVersions prior versions per path before
// they are overwritten or deleted. Records live in SQLite; content
// lives in content-addressed object files, so identical versions of the
// same or different paths share storage.
type VersionStore struct {
	mu          sync.Mutex
	db          *sqlx.DB
	dbPath      string
	objectsDir  string
	maxVersions int
}

// NewVersionStore creates a store rooted at stateDir. Call Open before
// use.
func NewVersionStore(stateDir string, maxVersions int) *VersionStore {
	return &VersionStore{
		dbPath:      filepath.Join(stateDir, "versions.db"),
		objectsDir:  filepath.Join(stateDir, "versions", "objects"),
		maxVersions: maxVersions,
	}
}

// Open opens the backing database and creates the objects directory.
func (v *VersionStore) Open() error {
	if v.db != nil {
		return fmt.Errorf("version store already open")
	}
	if err := utils.EnsureDir(v.objectsDir); err != nil {
		return fmt.Errorf("create objects dir: %w", err)
	}

	database, err := db.NewSqliteDB(db.WithPath(v.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open version store: %w", err)
	}
	if _, err := database.Exec(versionSchema); err != nil {
		database.Close()
		return fmt.Errorf("initialize version schema: %w", err)
	}

	v.db = database
	return nil
}

// Close closes the backing database.
func (v *VersionStore) Close() error {
	if v.db == nil {
		return fmt.Errorf("version store not open")
	}
	err := v.db.Close()
	v.db = nil
	return err
}

func (v *VersionStore) objectPath(ref string) string {
	return filepath.Join(v.objectsDir, ref+".bin")
}

// Archive captures the current on-disk content of absPath as a new
// version of relPath, evicting the oldest record when the retained
// count would exceed the per-path limit. The bytes are archived exactly
// as stored, so encrypted trees archive ciphertext. A store with a
// non-positive limit has versioning disabled and archives nothing.
func (v *VersionStore) Archive(ctx context.Context, relPath, absPath string) (*VersionRecord, error) {
	if v.maxVersions <= 0 {
		return nil, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s for archive: %w", relPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := fingerprintBytes(data)
	objPath := v.objectPath(ref)
	if !utils.FileExists(objPath) {
		if err := utils.WriteFileAtomic(objPath, data, 0o600); err != nil {
			return nil, fmt.Errorf("store version object %s: %w", ref, err)
		}
	}

	var maxID sql.NullInt64
	if err := v.db.Get(&maxID, "SELECT MAX(version_id) FROM version_records WHERE path = ?", relPath); err != nil {
		return nil, fmt.Errorf("next version id for %s: %w", relPath, err)
	}

	rec := VersionRecord{
		Path:        relPath,
		VersionID:   maxID.Int64 + 1,
		CreatedAtNs: time.Now().UnixNano(),
		ContentRef:  ref,
		Fingerprint: ref,
		Size:        int64(len(data)),
	}
	query := `INSERT INTO version_records (path, version_id, created_at, content_ref, fingerprint, size)
	          VALUES (:path, :version_id, :created_at, :content_ref, :fingerprint, :size)`
	if _, err := v.db.NamedExec(query, rec); err != nil {
		return nil, fmt.Errorf("record version of %s: %w", relPath, err)
	}

	if err := v.prune(relPath); err != nil {
		return nil, err
	}

	slog.Debug("version archived", "path", relPath, "version", rec.VersionID, "size", rec.Size)
	return &rec, nil
}

// prune evicts oldest-first until the path is within the retention
// limit, then removes any object files no record references.
func (v *VersionStore) prune(relPath string) error {
	if v.maxVersions <= 0 {
		return nil
	}

	var ids []int64
	if err := v.db.Select(&ids,
		"SELECT version_id FROM version_records WHERE path = ? ORDER BY version_id ASC", relPath); err != nil {
		return fmt.Errorf("list versions of %s: %w", relPath, err)
	}
	excess := len(ids) - v.maxVersions
	if excess <= 0 {
		return nil
	}

	for _, id := range ids[:excess] {
		if _, err := v.db.Exec(
			"DELETE FROM version_records WHERE path = ? AND version_id = ?", relPath, id); err != nil {
			return fmt.Errorf("evict version %d of %s: %w", id, relPath, err)
		}
		slog.Debug("version evicted", "path", relPath, "version", id)
	}

	return v.collectOrphans()
}

// collectOrphans deletes object files whose content_ref no longer
// appears in any record.
func (v *VersionStore) collectOrphans() error {
	entries, err := os.ReadDir(v.objectsDir)
	if err != nil {
		return fmt.Errorf("list version objects: %w", err)
	}

	refs := map[string]bool{}
	var all []string
	if err := v.db.Select(&all, "SELECT DISTINCT content_ref FROM version_records"); err != nil {
		return fmt.Errorf("list referenced objects: %w", err)
	}
	for _, r := range all {
		refs[r] = true
	}

	for _, e := range entries {
		name := e.Name()
		ref, ok := strings.CutSuffix(name, ".bin")
		if !ok || refs[ref] {
			continue
		}
		if err := os.Remove(filepath.Join(v.objectsDir, name)); err != nil {
			slog.Warn("orphan version object not removed", "object", name, "error", err)
		}
	}
	return nil
}

// Chain returns the retained versions of a path, newest first.
func (v *VersionStore) Chain(relPath string) ([]*VersionRecord, error) {
	var recs []*VersionRecord
	err := v.db.Select(&recs,
		`SELECT path, version_id, created_at, content_ref, fingerprint, size
		 FROM version_records WHERE path = ? ORDER BY version_id DESC`, relPath)
	if err != nil {
		return nil, fmt.Errorf("version chain for %s: %w", relPath, err)
	}
	return recs, nil
}

// Paths returns every path with at least one retained version.
func (v *VersionStore) Paths() ([]string, error) {
	var paths []string
	if err := v.db.Select(&paths,
		"SELECT DISTINCT path FROM version_records ORDER BY path"); err != nil {
		return nil, fmt.Errorf("list versioned paths: %w", err)
	}
	return paths, nil
}

// Get returns one version record, or ErrVersionNotFound.
func (v *VersionStore) Get(relPath string, versionID int64) (*VersionRecord, error) {
	var rec VersionRecord
	err := v.db.Get(&rec,
		`SELECT path, version_id, created_at, content_ref, fingerprint, size
		 FROM version_records WHERE path = ? AND version_id = ?`, relPath, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s@%d: %w", relPath, versionID, ErrVersionNotFound)
		}
		return nil, fmt.Errorf("load version %d of %s: %w", versionID, relPath, err)
	}
	return &rec, nil
}

// OpenContent opens the archived bytes of a version for reading.
func (v *VersionStore) OpenContent(rec *VersionRecord) (io.ReadCloser, error) {
	f, err := os.Open(v.objectPath(rec.ContentRef))
	if err != nil {
		return nil, fmt.Errorf("open version object %s: %w", rec.ContentRef, err)
	}
	return f, nil
}

// Restore writes the archived content of version versionID of relPath
// back to absPath. The content being replaced is archived first, so the
// restore itself can be undone through the same chain.
func (v *VersionStore) Restore(ctx context.Context, relPath string, versionID int64, absPath string) (*VersionRecord, error) {
	rec, err := v.Get(relPath, versionID)
	if err != nil {
		return nil, err
	}

	if utils.FileExists(absPath) {
		if _, err := v.Archive(ctx, relPath, absPath); err != nil {
			return nil, fmt.Errorf("archive current before restore: %w", err)
		}
	}

	data, err := os.ReadFile(v.objectPath(rec.ContentRef))
	if err != nil {
		return nil, fmt.Errorf("read version object %s: %w", rec.ContentRef, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := utils.WriteFileAtomic(absPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("restore %s: %w", relPath, err)
	}

	slog.Info("version restored", "path", relPath, "version", versionID, "size", rec.Size)
	return rec, nil
}
