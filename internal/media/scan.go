package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

var illegalChars = regexp.MustCompile(`[\][><:"/?*^\\|\x00\r\n]`)

// ValidName reports whether name can be stored and synced: NFC form, no
// path separators or characters some platforms reject, and not a hidden or
// special file.
func ValidName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", types.ErrMediaName, name)
	case illegalChars.MatchString(name):
		return fmt.Errorf("%w: %q has illegal characters", types.ErrMediaName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", types.ErrMediaName, name)
	case !norm.NFC.IsNormalString(name):
		return fmt.Errorf("%w: %q is not NFC", types.ErrMediaName, name)
	}
	return nil
}

// ScanResult counts the changes a scan recorded.
type ScanResult struct {
	Added   int
	Changed int
	Removed int
	// Skipped lists files left out: illegal names and oversized files.
	Skipped []string
}

// Total returns the number of recorded changes.
func (r ScanResult) Total() int { return r.Added + r.Changed + r.Removed }

// Scan records changes made to the media folder since the last scan. It
// returns at once when the folder's modification time has not moved, which
// misses files edited in place; Rescan does not take that shortcut.
func (s *Store) Scan(ctx context.Context) (ScanResult, error) {
	return s.scan(ctx, false)
}

// Rescan records every change in the media folder.
func (s *Store) Rescan(ctx context.Context) (ScanResult, error) {
	return s.scan(ctx, true)
}

type scanned struct {
	name  string
	mtime int64
	csum  string
	known bool
}

func (s *Store) scan(ctx context.Context, full bool) (ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ScanResult
	dirMod, err := dirModTime(s.dir)
	if err != nil {
		return res, fmt.Errorf("reading media folder: %w", err)
	}
	if !full {
		var last int64
		if err := s.db.QueryRowContext(ctx, `SELECT dir_mod FROM meta WHERE id = 1`).Scan(&last); err != nil {
			return res, fmt.Errorf("reading media meta: %w", err)
		}
		if last != 0 && last == dirMod {
			return res, nil
		}
	}

	known, err := s.knownFiles(ctx)
	if err != nil {
		return res, err
	}
	files, skipped, err := s.listFolder()
	if err != nil {
		return res, err
	}
	res.Skipped = skipped

	var todo []*scanned
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.name] = true
		prev, ok := known[f.name]
		if ok && prev.mtime == f.mtime {
			continue
		}
		f.known = ok
		todo = append(todo, f)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, f := range todo {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, err := checksumFile(s.Path(f.name))
			if err != nil {
				return fmt.Errorf("checksumming %s: %w", f.name, err)
			}
			f.csum = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, f := range todo {
			dirty := 1
			switch {
			case !f.known:
				res.Added++
			case known[f.name].csum != f.csum:
				res.Changed++
			default:
				dirty = 0
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO media (fname, csum, mtime, dirty) VALUES (?, ?, ?, ?)
ON CONFLICT(fname) DO UPDATE SET csum = excluded.csum, mtime = excluded.mtime, dirty = MAX(media.dirty, excluded.dirty)`,
				f.name, f.csum, f.mtime, dirty)
			if err != nil {
				return fmt.Errorf("recording %s: %w", f.name, err)
			}
		}
		for name := range known {
			if seen[name] {
				continue
			}
			res.Removed++
			if _, err := tx.ExecContext(ctx, `UPDATE media SET csum = NULL, mtime = 0, dirty = 1 WHERE fname = ?`, name); err != nil {
				return fmt.Errorf("recording removal of %s: %w", name, err)
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE meta SET dir_mod = ? WHERE id = 1`, dirMod)
		return err
	})
	if err != nil {
		return ScanResult{}, err
	}
	if res.Total() > 0 {
		s.log.WithFields(logrus.Fields{
			"added":   res.Added,
			"changed": res.Changed,
			"removed": res.Removed,
		}).Info("scanned media folder")
	}
	return res, nil
}

func (s *Store) knownFiles(ctx context.Context) (map[string]scanned, error) {
	res, err := s.db.QueryContext(ctx, `SELECT fname, csum, mtime FROM media WHERE csum IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("reading media ledger: %w", err)
	}
	defer res.Close()
	out := make(map[string]scanned)
	for res.Next() {
		var f scanned
		if err := res.Scan(&f.name, &f.csum, &f.mtime); err != nil {
			return nil, err
		}
		out[f.name] = f
	}
	return out, res.Err()
}

// listFolder returns the syncable files of the media folder. Empty files
// are deleted and names not in NFC form are renamed; when the NFC name is
// taken the duplicate is deleted.
func (s *Store) listFolder() ([]*scanned, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading media folder: %w", err)
	}
	var files []*scanned
	var skipped []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || strings.EqualFold(name, "thumbs.db") || strings.HasPrefix(name, ".") {
			continue
		}
		if illegalChars.MatchString(name) {
			skipped = append(skipped, name)
			continue
		}
		info, err := de.Info()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		path := filepath.Join(s.dir, name)
		if info.Size() == 0 {
			os.Remove(path)
			continue
		}
		if info.Size() > types.MediaMaxFile {
			s.log.WithField("file", name).Warn("ignoring media file over size limit")
			skipped = append(skipped, name)
			continue
		}

		if nfc := norm.NFC.String(name); nfc != name {
			nfcPath := filepath.Join(s.dir, nfc)
			if _, err := os.Stat(nfcPath); err == nil {
				os.Remove(path)
				continue
			}
			if err := os.Rename(path, nfcPath); err != nil {
				return nil, nil, fmt.Errorf("normalizing %s: %w", name, err)
			}
			if info, err = os.Stat(nfcPath); err != nil {
				return nil, nil, err
			}
			name = nfc
		}
		files = append(files, &scanned{name: name, mtime: info.ModTime().UnixNano()})
	}
	return files, skipped, nil
}
