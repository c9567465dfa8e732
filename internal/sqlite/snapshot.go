package sqlite

import (
	"bufio"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// A snapshot is a gzip-compressed JSONL stream: one header line, then one
// line per row of every syncable table in apply order.

// snapshotVersion is the format revision written in the header.
const snapshotVersion = 1

type snapshotHeader struct {
	Version   int   `json:"version"`
	Mod       int64 `json:"mod"`
	SchemaGen int64 `json:"schema_gen"`
}

type snapshotLine struct {
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// ExportOptions controls Export.
type ExportOptions struct {
	// PeerID and SyncTime, when set, record the export as a completed full
	// sync with PeerID at SyncTime. The header then carries SyncTime as the
	// collection mod and the bookkeeping commits only if the whole snapshot
	// was written.
	PeerID   string
	SyncTime int64
}

// Export writes a snapshot of the whole collection to w and returns the mod
// written in its header.
func (s *Store) Export(ctx context.Context, w io.Writer, opts ExportOptions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var h snapshotHeader
	h.Version = snapshotVersion
	if err := tx.QueryRowContext(ctx, `SELECT mod, schema_gen FROM col WHERE id = 1`).Scan(&h.Mod, &h.SchemaGen); err != nil {
		return 0, fmt.Errorf("reading col: %w", err)
	}
	if opts.SyncTime > 0 {
		h.Mod = opts.SyncTime
		if _, err := tx.ExecContext(ctx, `UPDATE col SET mod = ? WHERE id = 1`, h.Mod); err != nil {
			return 0, fmt.Errorf("setting col mod: %w", err)
		}
		if opts.PeerID != "" {
			if err := setLastSync(ctx, tx, opts.PeerID, opts.SyncTime); err != nil {
				return 0, err
			}
		}
	}

	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(h); err != nil {
		return 0, fmt.Errorf("writing snapshot header: %w", err)
	}
	rows := 0
	for _, table := range types.SyncableTables {
		all, err := codecs[table].all(ctx, tx)
		if err != nil {
			return 0, err
		}
		for _, r := range all {
			raw, err := json.Marshal(r)
			if err != nil {
				return 0, fmt.Errorf("encoding %s %s: %w", table, r.RowID(), err)
			}
			if err := enc.Encode(snapshotLine{Table: table, Row: raw}); err != nil {
				return 0, fmt.Errorf("writing snapshot: %w", err)
			}
		}
		rows += len(all)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("closing snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.log.WithFields(logrus.Fields{"rows": rows, "mod": h.Mod}).Info("exported snapshot")
	return h.Mod, nil
}

// ImportOptions controls Import.
type ImportOptions struct {
	// PeerID is the relationship the snapshot came from.
	PeerID string
	// Floor is the earliest acceptable sync time; the result is the larger
	// of Floor and the snapshot's mod.
	Floor int64
}

// Import replaces every syncable table with the snapshot read from r, in one
// transaction, and records the full sync with opts.PeerID. Every other
// relationship is reset so its next session is a full sync too. It refuses
// to replace a collection holding notes or cards with one holding none, and
// fails with ErrIntegrity when the snapshot has dangling references. It
// returns the negotiated sync time.
func (s *Store) Import(ctx context.Context, r io.Reader, opts ImportOptions) (int64, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: snapshot is not gzip: %v", types.ErrIntegrity, err)
	}
	defer zr.Close()
	dec := json.NewDecoder(bufio.NewReader(zr))

	var h snapshotHeader
	if err := dec.Decode(&h); err != nil {
		return 0, fmt.Errorf("%w: reading snapshot header: %v", types.ErrIntegrity, err)
	}
	if h.Version != snapshotVersion {
		return 0, fmt.Errorf("%w: snapshot version %d", types.ErrIntegrity, h.Version)
	}
	t := max(h.Mod, opts.Floor)

	var imported int
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var had int
		if err := tx.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM notes) + (SELECT COUNT(*) FROM cards)`).Scan(&had); err != nil {
			return fmt.Errorf("counting rows: %w", err)
		}
		for _, table := range types.SyncableTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}

		content := 0
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			var line snapshotLine
			err := dec.Decode(&line)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("%w: reading snapshot: %v", types.ErrIntegrity, err)
			}
			row, err := decodeRow(line)
			if err != nil {
				return err
			}
			if err := codecs[line.Table].put(ctx, tx, row, t); err != nil {
				return err
			}
			if line.Table == types.TableNotes || line.Table == types.TableCards {
				content++
			}
			imported++
		}
		if content == 0 && had > 0 {
			return types.ErrDownloadClobber
		}
		if err := checkReferences(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE notes SET synced_tags = tags`); err != nil {
			return fmt.Errorf("recording synced tags: %w", err)
		}
		if err := rebuildCardDue(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE col SET mod = ?, schema_gen = ? WHERE id = 1`, t, h.SchemaGen); err != nil {
			return fmt.Errorf("setting col: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE peers SET last_sync = 0`); err != nil {
			return fmt.Errorf("resetting peers: %w", err)
		}
		return setLastSync(ctx, tx, opts.PeerID, t)
	})
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"rows": imported, "peer": opts.PeerID, "sync_time": t}).Info("imported snapshot")
	return t, nil
}

func decodeRow(line snapshotLine) (types.Row, error) {
	var row types.Row
	switch line.Table {
	case types.TableNotetypes:
		row = &types.Notetype{}
	case types.TableDecks:
		row = &types.Deck{}
	case types.TableTags:
		row = &types.Tag{}
	case types.TableConfig:
		row = &types.ConfigEntry{}
	case types.TableNotes:
		row = &types.Note{}
	case types.TableCards:
		row = &types.Card{}
	case types.TableRevlog:
		row = &types.RevlogEntry{}
	case types.TableGraves:
		row = &types.Grave{}
	default:
		return nil, fmt.Errorf("%w: snapshot table %q", types.ErrIntegrity, line.Table)
	}
	if err := json.Unmarshal(line.Row, row); err != nil {
		return nil, fmt.Errorf("%w: decoding %s row: %v", types.ErrIntegrity, line.Table, err)
	}
	return row, nil
}

// MarkFullSynced records a completed upload of a snapshot whose header mod
// was exported. Rows changed after the export stay pending. Every other
// relationship is reset to require a full sync.
func (s *Store) MarkFullSynced(ctx context.Context, peerID string, exported, syncTime int64) (CommitResult, error) {
	var out CommitResult
	pendingAt := syncTime + 1
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range types.SyncableTables {
			res, err := tx.ExecContext(ctx, "UPDATE "+table+" SET usn = ? WHERE usn > ?", pendingAt, exported)
			if err != nil {
				return fmt.Errorf("re-stamping %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			out.Pending += int(n)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE notes SET synced_tags = tags WHERE usn <= ?`, exported); err != nil {
			return fmt.Errorf("recording synced tags: %w", err)
		}
		out.Mod = syncTime
		if out.Pending > 0 {
			out.Mod = pendingAt
		}
		if _, err := tx.ExecContext(ctx, `UPDATE col SET mod = ? WHERE id = 1`, out.Mod); err != nil {
			return fmt.Errorf("setting col mod: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE peers SET last_sync = 0`); err != nil {
			return fmt.Errorf("resetting peers: %w", err)
		}
		return setLastSync(ctx, tx, peerID, syncTime)
	})
	return out, err
}

// Backup writes a snapshot to a new file in dir using the temp-file, fsync,
// rename pattern and returns its path.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".backup-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	if _, err := s.Export(ctx, w, ExportOptions{}); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("flushing buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	path := filepath.Join(dir, "backup-"+time.UnixMilli(s.nowMs()).UTC().Format("20060102-150405.000")+".jsonl.gz")
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("renaming temp file: %w", err)
	}
	return path, nil
}
