package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fsguardian/fsguardian/internal/db"
	"github.com/jmoiron/sqlx"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS fingerprint_index (
    tree TEXT NOT NULL,
    path TEXT NOT NULL,
    stat_size INTEGER NOT NULL,
    mtime_ns INTEGER NOT NULL,
    size INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    blocks BLOB NOT NULL,
    PRIMARY KEY (tree, path)
);

CREATE INDEX IF NOT EXISTS idx_fpi_tree ON fingerprint_index(tree);
`

// dbIndexRow mirrors one fingerprint_index row.
type dbIndexRow struct {
	Tree        string `db:"tree"`
	Path        string `db:"path"`
	StatSize    int64  `db:"stat_size"`
	MtimeNs     int64  `db:"mtime_ns"`
	Size        int64  `db:"size"`
	Fingerprint string `db:"fingerprint"`
	Blocks      []byte `db:"blocks"`
}

// IndexEntry is a cached hash result. The scanner reuses it only when
// both the on-disk size and mtime still match the live file; it never
// substitutes for re-verification. Size is the logical (hashed) content
// size, which differs from StatSize when at-rest encryption is active.
type IndexEntry struct {
	Path        string
	StatSize    int64
	MtimeNs     int64
	Size        int64
	Fingerprint string
	Blocks      []BlockDigest
}

// FingerprintIndex caches path fingerprints across runs so unchanged
// files are not re-hashed, backed by SQLite.
type FingerprintIndex struct {
	db     *sqlx.DB
	dbPath string
}

// NewFingerprintIndex creates an index handle backed by the database at
// dbPath. Call Open before use.
func NewFingerprintIndex(dbPath string) *FingerprintIndex {
	return &FingerprintIndex{dbPath: dbPath}
}

// Open opens the underlying database and creates the schema.
func (x *FingerprintIndex) Open() error {
	if x.db != nil {
		return fmt.Errorf("fingerprint index already open")
	}

	database, err := db.NewSqliteDB(db.WithPath(x.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open fingerprint index: %w", err)
	}

	if _, err := database.Exec(indexSchema); err != nil {
		database.Close()
		return fmt.Errorf("initialize index schema: %w", err)
	}

	x.db = database
	return nil
}

// Close closes the underlying database connection.
func (x *FingerprintIndex) Close() error {
	if x.db == nil {
		return fmt.Errorf("fingerprint index not open")
	}
	err := x.db.Close()
	x.db = nil
	return err
}

// Get retrieves the cached entry for a path, or nil when absent.
func (x *FingerprintIndex) Get(tree Tree, path string) (*IndexEntry, error) {
	var row dbIndexRow
	err := x.db.Get(&row,
		"SELECT tree, path, stat_size, mtime_ns, size, fingerprint, blocks FROM fingerprint_index WHERE tree = ? AND path = ?",
		string(tree), path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query index for %s: %w", path, err)
	}

	blocks, err := decodeBlocks(row.Blocks)
	if err != nil {
		// A corrupt row is as good as a miss.
		slog.Warn("fingerprint index row corrupt", "path", path, "error", err)
		return nil, nil
	}

	return &IndexEntry{
		Path:        row.Path,
		StatSize:    row.StatSize,
		MtimeNs:     row.MtimeNs,
		Size:        row.Size,
		Fingerprint: row.Fingerprint,
		Blocks:      blocks,
	}, nil
}

// Put inserts or updates the cached hash result for a path.
func (x *FingerprintIndex) Put(tree Tree, entry *IndexEntry) error {
	if entry == nil {
		return fmt.Errorf("cannot put nil index entry")
	}

	row := dbIndexRow{
		Tree:        string(tree),
		Path:        entry.Path,
		StatSize:    entry.StatSize,
		MtimeNs:     entry.MtimeNs,
		Size:        entry.Size,
		Fingerprint: entry.Fingerprint,
		Blocks:      encodeBlocks(entry.Blocks),
	}

	query := `INSERT OR REPLACE INTO fingerprint_index (tree, path, stat_size, mtime_ns, size, fingerprint, blocks)
	          VALUES (:tree, :path, :stat_size, :mtime_ns, :size, :fingerprint, :blocks)`
	if _, err := x.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("set index entry for %s: %w", entry.Path, err)
	}
	return nil
}

// Invalidate drops the cached entry for a path. Used when a change
// notification reports the path dirty; the next scan re-hashes it.
func (x *FingerprintIndex) Invalidate(tree Tree, path string) error {
	if _, err := x.db.Exec("DELETE FROM fingerprint_index WHERE tree = ? AND path = ?", string(tree), path); err != nil {
		return fmt.Errorf("invalidate index entry for %s: %w", path, err)
	}
	return nil
}

// InvalidateAll drops every cached entry for one tree.
func (x *FingerprintIndex) InvalidateAll(tree Tree) error {
	if _, err := x.db.Exec("DELETE FROM fingerprint_index WHERE tree = ?", string(tree)); err != nil {
		return fmt.Errorf("invalidate index tree %s: %w", tree, err)
	}
	return nil
}

// Count returns the number of cached entries for one tree.
func (x *FingerprintIndex) Count(tree Tree) (int, error) {
	var count int
	if err := x.db.Get(&count, "SELECT COUNT(*) FROM fingerprint_index WHERE tree = ?", string(tree)); err != nil {
		return 0, fmt.Errorf("count index entries: %w", err)
	}
	return count, nil
}
