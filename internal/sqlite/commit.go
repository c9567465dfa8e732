package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// CommitParams describes the end of a successful incremental session.
type CommitParams struct {
	// PeerID names the relationship being committed.
	PeerID string
	// SyncTime is the negotiated session time.
	SyncTime int64
	// Snapshot is the collection mod at the time summaries were built.
	Snapshot int64
	// Settled holds the usn of every row the session sent or applied.
	Settled Stamps
	// Repush lists rows whose stored content the peer does not hold.
	Repush map[string][]string
}

// CommitResult reports the outcome of Commit.
type CommitResult struct {
	// Mod is the new collection mod: SyncTime, or SyncTime+1 when rows were
	// left pending.
	Mod int64
	// Pending counts rows re-stamped to stay pending for the next session.
	Pending int
}

// Commit advances the relationship with the peer to the negotiated time and
// sets the collection mod to match.
//
// Rows that changed after the snapshot without being settled, for instance a
// local edit made while the session ran, are re-stamped after SyncTime so
// the next session picks them up. Rows named in Repush get a fresh mod as
// well, since the peer holds a different version with an older or equal
// mod. Notes the session settled record their tags as the new merge base.
func (s *Store) Commit(ctx context.Context, p CommitParams) (CommitResult, error) {
	var out CommitResult
	pendingAt := p.SyncTime + 1
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		repush := make(map[string]map[string]bool, len(p.Repush))
		for table, ids := range p.Repush {
			repush[table] = make(map[string]bool, len(ids))
			for _, id := range ids {
				repush[table][id] = true
			}
		}

		for _, table := range types.SyncableTables {
			res, err := tx.QueryContext(ctx, "SELECT id, usn FROM "+table+" WHERE usn > ?", p.Snapshot)
			if err != nil {
				return fmt.Errorf("scanning %s for pending rows: %w", table, err)
			}
			var late []string
			for res.Next() {
				var id string
				var usn int64
				if err := res.Scan(&id, &usn); err != nil {
					res.Close()
					return err
				}
				if !p.Settled.Has(table, id, usn) && !repush[table][id] {
					late = append(late, id)
				}
			}
			if err := res.Err(); err != nil {
				res.Close()
				return err
			}
			res.Close()

			for _, id := range late {
				if _, err := tx.ExecContext(ctx, "UPDATE "+table+" SET usn = ? WHERE id = ?", pendingAt, id); err != nil {
					return fmt.Errorf("re-stamping %s %s: %w", table, id, err)
				}
			}
			out.Pending += len(late)

			for id := range repush[table] {
				res, err := tx.ExecContext(ctx, "UPDATE "+table+" SET mod = MAX(mod, ?), usn = ? WHERE id = ?", pendingAt, pendingAt, id)
				if err != nil {
					return fmt.Errorf("re-stamping %s %s: %w", table, id, err)
				}
				if n, _ := res.RowsAffected(); n > 0 {
					out.Pending++
				}
			}
		}

		for id, usn := range p.Settled[types.TableNotes] {
			if repush[types.TableNotes][id] {
				continue
			}
			_, err := tx.ExecContext(ctx, `UPDATE notes SET synced_tags = tags WHERE id = ? AND usn = ?`, id, usn)
			if err != nil {
				return fmt.Errorf("recording synced tags of %s: %w", id, err)
			}
		}

		out.Mod = p.SyncTime
		if out.Pending > 0 {
			out.Mod = pendingAt
		}
		if _, err := tx.ExecContext(ctx, `UPDATE col SET mod = ? WHERE id = 1`, out.Mod); err != nil {
			return fmt.Errorf("setting col mod: %w", err)
		}
		return setLastSync(ctx, tx, p.PeerID, p.SyncTime)
	})
	if err != nil {
		return CommitResult{}, err
	}
	s.log.WithFields(logrus.Fields{
		"peer":      p.PeerID,
		"sync_time": p.SyncTime,
		"pending":   out.Pending,
	}).Info("committed sync")
	return out, nil
}
