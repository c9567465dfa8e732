package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Stamps records, per table and id, the usn a row had when a session sent
// or applied it. A row whose usn still matches at commit time is settled:
// the peer holds exactly this version.
type Stamps map[string]map[string]int64

// Add records id of table at usn.
func (s Stamps) Add(table, id string, usn int64) {
	m, ok := s[table]
	if !ok {
		m = make(map[string]int64)
		s[table] = m
	}
	m[id] = usn
}

// Merge copies every stamp of other into s.
func (s Stamps) Merge(other Stamps) {
	for table, ids := range other {
		for id, usn := range ids {
			s.Add(table, id, usn)
		}
	}
}

// Has reports whether id of table was recorded at usn.
func (s Stamps) Has(table, id string, usn int64) bool {
	got, ok := s[table][id]
	return ok && got == usn
}

// Summaries returns, for every syncable table, the rows that changed since
// the last sync with peerID. All tables are read in one transaction so the
// result reflects a single instant. The returned snapshot is the collection
// mod at that instant; every later change carries a larger usn.
func (s *Store) Summaries(ctx context.Context, peerID string) (types.Summaries, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, types.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	p, err := readPeer(ctx, tx, peerID)
	if err != nil {
		return nil, 0, err
	}
	var snapshot int64
	if err := tx.QueryRowContext(ctx, `SELECT mod FROM col WHERE id = 1`).Scan(&snapshot); err != nil {
		return nil, 0, fmt.Errorf("reading col mod: %w", err)
	}

	out := make(types.Summaries, len(types.SyncableTables))
	for _, table := range types.SyncableTables {
		sum, err := tableSummary(ctx, tx, table, p.LastSync)
		if err != nil {
			return nil, 0, err
		}
		out[table] = sum
	}
	return out, snapshot, nil
}

func tableSummary(ctx context.Context, q querier, table string, since int64) (types.Summary, error) {
	res, err := q.QueryContext(ctx, "SELECT id, mod FROM "+table+" WHERE usn > ? ORDER BY id", since)
	if err != nil {
		return nil, fmt.Errorf("summarizing %s: %w", table, err)
	}
	defer res.Close()
	sum := types.Summary{}
	for res.Next() {
		var e types.SummaryEntry
		if err := res.Scan(&e.ID, &e.Mod); err != nil {
			return nil, err
		}
		sum = append(sum, e)
	}
	return sum, res.Err()
}

// BuildPayload reads the current content of the named rows. Ids no longer
// present are skipped: a deleted row travels as its grave. With tagDeltas
// set, every note carries its tag change since the last sync, computed from
// the tag set recorded at that sync.
func (s *Store) BuildPayload(ctx context.Context, ids map[string][]string, tagDeltas bool) (*types.Payload, Stamps, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, types.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	p := &types.Payload{}
	stamps := make(Stamps)
	for _, table := range types.SyncableTables {
		want := ids[table]
		if len(want) == 0 {
			continue
		}
		c := codecs[table]
		rows, usns, err := c.byIDs(ctx, tx, want)
		if err != nil {
			return nil, nil, err
		}
		for i, r := range rows {
			p.Add(r)
			stamps.Add(table, r.RowID(), usns[i])
		}
	}

	if tagDeltas && len(p.Notes) > 0 {
		p.TagDeltas = make(map[string]types.TagDelta, len(p.Notes))
		for _, n := range p.Notes {
			base, _, err := syncedTags(ctx, tx, n.ID)
			if err != nil {
				return nil, nil, err
			}
			p.TagDeltas[n.ID] = types.ComputeTagDelta(base, n.Tags)
		}
	}
	return p, stamps, nil
}

// syncedTags returns the tag set a note had at its last settled sync.
func syncedTags(ctx context.Context, q querier, noteID string) ([]string, bool, error) {
	var stored sql.NullString
	err := q.QueryRowContext(ctx, `SELECT synced_tags FROM notes WHERE id = ?`, noteID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading synced tags of %s: %w", noteID, err)
	}
	if !stored.Valid {
		return nil, false, nil
	}
	return types.SplitTags(stored.String), true, nil
}
