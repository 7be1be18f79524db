package sync

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsguardian/fsguardian/internal/db"
	"github.com/jmoiron/sqlx"
)

const baselineSchema = `
CREATE TABLE IF NOT EXISTS baseline_entries (
    path TEXT NOT NULL PRIMARY KEY,
    kind TEXT NOT NULL,
    size INTEGER NOT NULL,
    mtime_ns INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    link_target TEXT NOT NULL DEFAULT ''
);
`

type dbBaselineRow struct {
	Path        string `db:"path"`
	Kind        string `db:"kind"`
	Size        int64  `db:"size"`
	MtimeNs     int64  `db:"mtime_ns"`
	Fingerprint string `db:"fingerprint"`
	LinkTarget  string `db:"link_target"`
}

// BaselineStore persists the last reconciled snapshot between
// bidirectional runs. It is replaced in one transaction only after a
// fully successful session, so a crashed or failed run always leaves
// the previous baseline intact.
type BaselineStore struct {
	db     *sqlx.DB
	dbPath string
}

// NewBaselineStore creates a store backed by the database at
// stateDir/baseline.db. Call Open before use.
func NewBaselineStore(stateDir string) *BaselineStore {
	return &BaselineStore{dbPath: filepath.Join(stateDir, "baseline.db")}
}

func (b *BaselineStore) Open() error {
	if b.db != nil {
		return fmt.Errorf("baseline store already open")
	}
	database, err := db.NewSqliteDB(db.WithPath(b.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open baseline store: %w", err)
	}
	if _, err := database.Exec(baselineSchema); err != nil {
		database.Close()
		return fmt.Errorf("initialize baseline schema: %w", err)
	}
	b.db = database
	return nil
}

func (b *BaselineStore) Close() error {
	if b.db == nil {
		return fmt.Errorf("baseline store not open")
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Load reads the persisted baseline. An empty table yields an empty
// snapshot, which is the correct baseline for a first run.
func (b *BaselineStore) Load() (*Snapshot, error) {
	if b.db == nil {
		return nil, &DeltaError{Err: fmt.Errorf("load baseline: store not open")}
	}

	var rows []dbBaselineRow
	if err := b.db.Select(&rows,
		"SELECT path, kind, size, mtime_ns, fingerprint, link_target FROM baseline_entries"); err != nil {
		return nil, &DeltaError{Err: fmt.Errorf("load baseline: %w", err)}
	}

	entries := make(map[string]*Entry, len(rows))
	for _, row := range rows {
		entries[row.Path] = &Entry{
			RelPath:     row.Path,
			Kind:        EntryKind(row.Kind),
			Size:        row.Size,
			ModTime:     time.Unix(0, row.MtimeNs),
			Fingerprint: row.Fingerprint,
			LinkTarget:  row.LinkTarget,
		}
	}
	return newSnapshot("", entries), nil
}

// Replace swaps the persisted baseline for the given snapshot in one
// transaction.
func (b *BaselineStore) Replace(snap *Snapshot) error {
	tx, err := b.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin baseline replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM baseline_entries"); err != nil {
		return fmt.Errorf("clear baseline: %w", err)
	}

	query := `INSERT INTO baseline_entries (path, kind, size, mtime_ns, fingerprint, link_target)
	          VALUES (:path, :kind, :size, :mtime_ns, :fingerprint, :link_target)`
	for _, path := range snap.Paths() {
		e := snap.Get(path)
		row := dbBaselineRow{
			Path:        e.RelPath,
			Kind:        string(e.Kind),
			Size:        e.Size,
			MtimeNs:     e.ModTime.UnixNano(),
			Fingerprint: e.Fingerprint,
			LinkTarget:  e.LinkTarget,
		}
		if _, err := tx.NamedExec(query, row); err != nil {
			return fmt.Errorf("write baseline entry %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	return nil
}
