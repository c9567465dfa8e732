// Package media keeps a media folder in sync with a peer. Files are keyed
// by name and compared by SHA-1 checksum; a ledger next to the collection
// records which files changed since they were last sent.
package media

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Default names inside a collection directory.
const (
	FolderName = "media"
	LedgerFile = "media.db"
)

var ledgerDDL = []string{
	`CREATE TABLE IF NOT EXISTS media (
    fname TEXT PRIMARY KEY,
    csum  TEXT,
    mtime INTEGER NOT NULL DEFAULT 0,
    dirty INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_media_dirty ON media (dirty)`,
	`CREATE TABLE IF NOT EXISTS meta (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    dir_mod INTEGER NOT NULL DEFAULT 0
)`,
	`INSERT OR IGNORE INTO meta (id, dir_mod) VALUES (1, 0)`,
}

// Entry is one ledger row. An empty Checksum records a deleted file.
type Entry struct {
	Name     string
	Checksum string
	MTime    int64
	Dirty    bool
}

// Store is a local media folder and its ledger.
type Store struct {
	mu     sync.Mutex
	dir    string
	ledger string
	db     *sql.DB
	log    logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open opens the media folder dir with its ledger at ledgerPath, creating
// both when missing. A ledger that cannot be opened or fails its integrity
// check is deleted and rebuilt, so every file in the folder is sent again.
func Open(dir, ledgerPath string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, ledger: ledgerPath, log: discardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating media folder: %w", err)
	}

	db, err := openLedger(ledgerPath)
	if err != nil {
		s.log.WithError(err).Warn("media ledger unusable, rebuilding")
		if err := removeLedger(ledgerPath); err != nil {
			return nil, err
		}
		if db, err = openLedger(ledgerPath); err != nil {
			return nil, err
		}
	}
	s.db = db
	return s, nil
}

func openLedger(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		db.Close()
		return nil, fmt.Errorf("checking %s: %w", path, err)
	}
	if result != "ok" {
		db.Close()
		return nil, fmt.Errorf("checking %s: %s", path, result)
	}
	for _, ddl := range ledgerDDL {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating media ledger: %w", err)
		}
	}
	return db, nil
}

func removeLedger(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// Close releases the ledger.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Dir returns the media folder.
func (s *Store) Dir() string { return s.dir }

// Path returns the location of a media file.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Entry returns the ledger row for name.
func (s *Store) Entry(ctx context.Context, name string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var e Entry
	var csum sql.NullString
	var dirty int
	err := s.db.QueryRowContext(ctx, `SELECT fname, csum, mtime, dirty FROM media WHERE fname = ?`, name).
		Scan(&e.Name, &csum, &e.MTime, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading media entry %s: %w", name, err)
	}
	e.Checksum, e.Dirty = csum.String, dirty != 0
	return e, true, nil
}

// Dirty returns up to limit entries not yet sent, in name order.
func (s *Store) Dirty(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.QueryContext(ctx, `SELECT fname, csum, mtime FROM media WHERE dirty = 1 ORDER BY fname LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dirty media: %w", err)
	}
	defer res.Close()
	var out []Entry
	for res.Next() {
		e := Entry{Dirty: true}
		var csum sql.NullString
		if err := res.Scan(&e.Name, &csum, &e.MTime); err != nil {
			return nil, err
		}
		e.Checksum = csum.String
		out = append(out, e)
	}
	return out, res.Err()
}

// MarkClean clears the dirty flag of names. Deletions the peer has
// accepted are forgotten.
func (s *Store) MarkClean(ctx context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			if _, err := tx.ExecContext(ctx, `UPDATE media SET dirty = 0 WHERE fname = ?`, name); err != nil {
				return fmt.Errorf("marking %s clean: %w", name, err)
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM media WHERE csum IS NULL AND dirty = 0`)
		return err
	})
}

// Count returns the number of files the ledger knows to be present.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM media WHERE csum IS NOT NULL`)
}

// DirtyCount returns the number of changes not yet sent.
func (s *Store) DirtyCount(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM media WHERE dirty = 1`)
}

func (s *Store) count(ctx context.Context, query string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting media: %w", err)
	}
	return n, nil
}

// WriteFile stores a file received from the peer and records it as clean.
func (s *Store) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ValidName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := writeAtomic(s.dir, name, data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO media (fname, csum, mtime, dirty) VALUES (?, ?, ?, 0)`,
		name, Checksum(data), info.ModTime().UnixNano())
	if err != nil {
		return fmt.Errorf("recording %s: %w", name, err)
	}
	return nil
}

// RemoveFile deletes a file the peer deleted and forgets it.
func (s *Store) RemoveFile(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE fname = ?`, name); err != nil {
		return fmt.Errorf("forgetting %s: %w", name, err)
	}
	return nil
}

// ForceResync empties the ledger. The next scan records every file in the
// folder as a new change.
func (s *Store) ForceResync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM media`); err != nil {
			return fmt.Errorf("clearing media ledger: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE meta SET dir_mod = 0 WHERE id = 1`); err != nil {
			return fmt.Errorf("resetting media meta: %w", err)
		}
		return nil
	})
}

// inTx runs fn in a transaction. The caller must hold s.mu.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Checksum returns the hex SHA-1 of data.
func Checksum(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeAtomic writes data to dir/name through a temp file, fsync and rename.
func writeAtomic(dir, name string, data []byte) (os.FileInfo, error) {
	tmp, err := os.CreateTemp(dir, ".media-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("syncing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("closing %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("renaming %s: %w", name, err)
	}
	return os.Stat(path)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// dirModTime returns the folder's modification time.
func dirModTime(dir string) (int64, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}
