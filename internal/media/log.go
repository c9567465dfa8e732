package media

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

var logDDL = []string{
	`CREATE TABLE IF NOT EXISTS log (
    usn   INTEGER PRIMARY KEY AUTOINCREMENT,
    fname TEXT NOT NULL,
    csum  TEXT
)`,
	`CREATE TABLE IF NOT EXISTS files (
    fname TEXT PRIMARY KEY,
    csum  TEXT,
    usn   INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_files_usn ON files (usn)`,
}

// Log is the host side of media sync: a folder of files and an append-only
// change log numbered by usn. Every accepted change takes the next usn, so
// a client that remembers the last usn it saw can ask for the rest.
type Log struct {
	mu  sync.Mutex
	dir string
	db  *sql.DB
	log logrus.FieldLogger
}

// OpenLog opens the media folder dir with its change log at dbPath.
func OpenLog(dir, dbPath string, l logrus.FieldLogger) (*Log, error) {
	if l == nil {
		l = discardLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating media folder: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	for _, ddl := range logDDL {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating media log: %w", err)
		}
	}
	return &Log{dir: dir, db: db, log: l}, nil
}

// Close releases the change log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// LastUSN returns the newest usn, or 0 for an empty log.
func (l *Log) LastUSN(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUSN(ctx, l.db)
}

type rowQuerier interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

func (l *Log) lastUSN(ctx context.Context, q rowQuerier) (int64, error) {
	var usn int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(usn), 0) FROM log`).Scan(&usn); err != nil {
		return 0, fmt.Errorf("reading media usn: %w", err)
	}
	return usn, nil
}

// Count returns the number of files present.
func (l *Log) Count(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE csum IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting media: %w", err)
	}
	return n, nil
}

// Changes returns the latest change of every file changed after since, in
// usn order.
func (l *Log) Changes(ctx context.Context, since int64) ([]types.MediaChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.QueryContext(ctx, `SELECT fname, csum, usn FROM files WHERE usn > ? ORDER BY usn`, since)
	if err != nil {
		return nil, fmt.Errorf("listing media changes: %w", err)
	}
	defer res.Close()
	var out []types.MediaChange
	for res.Next() {
		var c types.MediaChange
		var csum sql.NullString
		if err := res.Scan(&c.Name, &csum, &c.USN); err != nil {
			return nil, err
		}
		c.Checksum = csum.String
		out = append(out, c)
	}
	return out, res.Err()
}

// Get writes an archive of the named files to w. Names that are not
// present are left out; the caller sees them missing from the archive.
func (l *Log) Get(ctx context.Context, names []string, w io.Writer) error {
	if len(names) > types.MediaBatchFiles {
		return fmt.Errorf("%w: %d files requested, limit %d", types.ErrMediaTooLarge, len(names), types.MediaBatchFiles)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := NewArchiveWriter()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ValidName(name) != nil {
			continue
		}
		data, err := os.ReadFile(l.path(name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if err := a.AddFile(name, data); err != nil {
			return err
		}
	}
	data, err := a.Close()
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

// Put applies an archive of additions and deletions. Every entry takes one
// usn, whether or not it changed anything, so the caller can tell from the
// result whether anyone else wrote to the log meanwhile.
func (l *Log) Put(ctx context.Context, r io.Reader) (types.MediaPutResult, error) {
	a, err := ReadArchive(r, MaxArchiveBytes)
	if err != nil {
		return types.MediaPutResult{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return types.MediaPutResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var res types.MediaPutResult
	for _, e := range a.Entries {
		var csum sql.NullString
		if e.Deleted() {
			if err := os.Remove(l.path(e.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return types.MediaPutResult{}, fmt.Errorf("removing %s: %w", e.Name, err)
			}
		} else {
			data, err := a.Open(e)
			if err != nil {
				return types.MediaPutResult{}, err
			}
			if _, err := writeAtomic(l.dir, e.Name, data); err != nil {
				return types.MediaPutResult{}, err
			}
			csum = sql.NullString{String: Checksum(data), Valid: true}
		}
		out, err := tx.ExecContext(ctx, `INSERT INTO log (fname, csum) VALUES (?, ?)`, e.Name, csum)
		if err != nil {
			return types.MediaPutResult{}, fmt.Errorf("logging %s: %w", e.Name, err)
		}
		usn, err := out.LastInsertId()
		if err != nil {
			return types.MediaPutResult{}, err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO files (fname, csum, usn) VALUES (?, ?, ?)
ON CONFLICT(fname) DO UPDATE SET csum = excluded.csum, usn = excluded.usn`, e.Name, csum, usn)
		if err != nil {
			return types.MediaPutResult{}, fmt.Errorf("recording %s: %w", e.Name, err)
		}
		res.Processed++
	}
	if res.LastUSN, err = l.lastUSN(ctx, tx); err != nil {
		return types.MediaPutResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.MediaPutResult{}, fmt.Errorf("commit: %w", err)
	}
	l.log.WithFields(logrus.Fields{"processed": res.Processed, "usn": res.LastUSN}).Debug("accepted media batch")
	return res, nil
}

func (l *Log) path(name string) string { return filepath.Join(l.dir, name) }
