package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/internal/reconcile"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

// ApplyResult reports what ApplyPayload did.
type ApplyResult struct {
	// Applied counts rows written, per table.
	Applied map[string]int
	// Skipped counts incoming rows left out because a local deletion or a
	// newer local edit won.
	Skipped int
	// Stamps records the usn of every written row.
	Stamps Stamps
	// Conflicts lists rows both sides changed.
	Conflicts []reconcile.Conflict
	// Diverged lists, per table, rows whose stored result differs from the
	// incoming copy. The peer does not hold that result yet.
	Diverged map[string][]string
}

// Total returns the number of rows written.
func (r *ApplyResult) Total() int {
	n := 0
	for _, c := range r.Applied {
		n += c
	}
	return n
}

func newApplyResult() *ApplyResult {
	return &ApplyResult{
		Applied:  make(map[string]int),
		Stamps:   make(Stamps),
		Diverged: make(map[string][]string),
	}
}

// ApplyPayload applies rows received from peerID. Tables are applied in
// dependency order, each in its own transaction: a failure rolls back only
// the failing table, tables applied before it stay applied, and the error
// is returned without a result. A local row untouched since the last
// sync with peerID is replaced; a row changed on both sides is merged with
// m. A deleted parent takes its children with it: an incoming note or card
// whose parent has a grave here is skipped and buried, and an incoming grave
// buries every row that references its target. A note referencing a missing
// notetype, or a card referencing a missing note or deck, with no grave to
// explain it fails its table with ErrIntegrity.
func (s *Store) ApplyPayload(ctx context.Context, peerID string, p *types.Payload, m reconcile.Merger) (*ApplyResult, error) {
	result := newApplyResult()
	if p.Len() == 0 {
		return result, nil
	}

	peer, err := s.Peer(ctx, peerID)
	if err != nil {
		return nil, err
	}
	sentGraves := make(map[string]int64)
	for _, r := range p.Rows(types.TableGraves) {
		sentGraves[r.RowID()] = r.RowMod()
	}

	for _, table := range types.SyncableTables {
		rows := p.Rows(table)
		if len(rows) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a := &applier{
			table:    table,
			lastSync: peer.LastSync,
			merger:   m,
			deltas:   p.TagDeltas,
			graves:   sentGraves,
			result:   result,
			log:      s.log.WithFields(logrus.Fields{"table": table, "peer": peerID}),
		}
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			usn, err := s.stamp(ctx, tx)
			if err != nil {
				return err
			}
			a.tx, a.usn = tx, usn
			for _, r := range rows {
				if err := a.apply(ctx, r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("applying %s: %w", table, err)
		}
		a.log.WithField("rows", result.Applied[table]).Debug("applied table")
	}
	return result, nil
}

// applier applies the rows of one table inside one transaction.
type applier struct {
	tx       *sql.Tx
	table    string
	usn      int64
	lastSync int64
	merger   reconcile.Merger
	deltas   map[string]types.TagDelta
	// graves maps the id of every grave in the payload to its mod.
	graves map[string]int64
	result *ApplyResult
	log      logrus.FieldLogger
}

func (a *applier) apply(ctx context.Context, r types.Row) error {
	switch a.table {
	case types.TableGraves:
		return a.applyGrave(ctx, r.(*types.Grave))
	case types.TableRevlog:
		return a.applyRevlog(ctx, r)
	}
	return a.applyRow(ctx, r)
}

func (a *applier) applyRow(ctx context.Context, incoming types.Row) error {
	c := codecs[a.table]
	id := incoming.RowID()

	if buried, err := a.buryOrphan(ctx, incoming); err != nil || buried {
		return err
	}
	if buried, err := a.resolveGrave(ctx, id, incoming.RowMod()); err != nil || buried {
		return err
	}
	if err := a.checkReferences(ctx, incoming); err != nil {
		return err
	}

	local, localUsn, err := c.get(ctx, a.tx, id)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}

	result := incoming
	if local != nil && localUsn > a.lastSync {
		result = a.merge(ctx, local, incoming)
	}

	if err := c.put(ctx, a.tx, result, a.usn); err != nil {
		return err
	}
	if err := a.afterWrite(ctx, result); err != nil {
		return err
	}
	a.wrote(id)
	return nil
}

// merge combines a locally changed row with its incoming copy and records
// the conflict.
func (a *applier) merge(ctx context.Context, local, incoming types.Row) types.Row {
	var result types.Row
	var side reconcile.Side
	if a.table == types.TableNotes {
		ln, in := local.(*types.Note), incoming.(*types.Note)
		var delta *types.TagDelta
		if d, ok := a.deltas[in.ID]; ok {
			delta = &d
		}
		base, hasBase, err := syncedTags(ctx, a.tx, in.ID)
		if err != nil {
			a.log.WithError(err).WithField("id", in.ID).Warn("synced tags unreadable, merging by union")
			hasBase = false
		}
		result, side = a.merger.MergeNote(ln, in, base, hasBase, delta)
	} else {
		result, side = a.merger.Pick(local, incoming)
	}

	if !sameRow(local, incoming) {
		a.result.Conflicts = append(a.result.Conflicts, reconcile.Conflict{
			Table:       a.table,
			ID:          incoming.RowID(),
			LocalMod:    local.RowMod(),
			IncomingMod: incoming.RowMod(),
			Winner:      side,
		})
	}
	if !sameRow(result, incoming) {
		a.result.Diverged[a.table] = append(a.result.Diverged[a.table], incoming.RowID())
	}
	return result
}

// resolveGrave settles an incoming row against a local grave for the same
// row. It reports true when the grave wins and the row must be skipped; a
// newer row removes the grave.
func (a *applier) resolveGrave(ctx context.Context, id string, rowMod int64) (bool, error) {
	grave, _, err := codecs[types.TableGraves].get(ctx, a.tx, types.GraveID(a.table, id))
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if reconcile.GraveWins(grave.RowMod(), rowMod) {
		a.result.Skipped++
		return true, nil
	}
	_, err = deleteByID(ctx, a.tx, types.TableGraves, grave.RowID())
	return false, err
}

// buryOrphan settles an incoming row whose parent was deleted here. The
// deletion wins: the row is skipped and buried, and its grave is left
// pending so the sender learns of it.
func (a *applier) buryOrphan(ctx context.Context, r types.Row) (bool, error) {
	for _, p := range parentsOf(r) {
		err := requireRow(ctx, a.tx, p.table, p.id)
		if err == nil {
			continue
		}
		if !errors.Is(err, types.ErrNotFound) {
			return false, err
		}
		pg, _, err := codecs[types.TableGraves].get(ctx, a.tx, types.GraveID(p.table, p.id))
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		a.result.Conflicts = append(a.result.Conflicts, reconcile.Conflict{
			Table:       a.table,
			ID:          r.RowID(),
			LocalMod:    pg.RowMod(),
			IncomingMod: r.RowMod(),
			Winner:      reconcile.Local,
			Deleted:     true,
		})
		a.result.Skipped++
		return true, a.buryChild(ctx, ref{a.table, r.RowID()}, max(pg.RowMod(), r.RowMod()))
	}
	return false, nil
}

func (a *applier) checkReferences(ctx context.Context, r types.Row) error {
	switch row := r.(type) {
	case *types.Note:
		if err := requireRow(ctx, a.tx, types.TableNotetypes, row.NotetypeID); err != nil {
			return fmt.Errorf("%w: note %s: %v", types.ErrIntegrity, row.ID, err)
		}
	case *types.Card:
		if err := requireRow(ctx, a.tx, types.TableNotes, row.NoteID); err != nil {
			return fmt.Errorf("%w: card %s: %v", types.ErrIntegrity, row.ID, err)
		}
		if err := requireRow(ctx, a.tx, types.TableDecks, row.DeckID); err != nil {
			return fmt.Errorf("%w: card %s: %v", types.ErrIntegrity, row.ID, err)
		}
	}
	return nil
}

func (a *applier) afterWrite(ctx context.Context, r types.Row) error {
	switch row := r.(type) {
	case *types.Note:
		added, err := registerTags(ctx, a.tx, row.Tags, row.Mod, a.usn)
		for _, name := range added {
			a.result.Stamps.Add(types.TableTags, name, a.usn)
		}
		return err
	case *types.Card:
		return updateCardDue(ctx, a.tx, row)
	}
	return nil
}

func (a *applier) applyRevlog(ctx context.Context, r types.Row) error {
	c := codecs[types.TableRevlog]
	vals, err := c.values(r)
	if err != nil {
		return err
	}
	res, err := a.tx.ExecContext(ctx, c.insertIgnoreSQL(), append(vals, a.usn)...)
	if err != nil {
		return fmt.Errorf("writing revlog %s: %w", r.RowID(), err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		a.wrote(r.RowID())
	}
	return nil
}

// applyGrave deletes the target row unless it was edited after the
// deletion, in which case the edit survives and the grave is dropped. Rows
// referencing the target are buried with it whatever their mod.
func (a *applier) applyGrave(ctx context.Context, g *types.Grave) error {
	tc, err := codecFor(g.Table)
	if err != nil || g.Table == types.TableGraves {
		return fmt.Errorf("%w: grave for table %q", types.ErrInvalidRow, g.Table)
	}
	target, _, err := tc.get(ctx, a.tx, g.Target)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if target != nil && !reconcile.GraveWins(g.Mod, target.RowMod()) {
		a.result.Conflicts = append(a.result.Conflicts, reconcile.Conflict{
			Table:       g.Table,
			ID:          g.Target,
			LocalMod:    target.RowMod(),
			IncomingMod: g.Mod,
			Winner:      reconcile.Local,
			Deleted:     true,
		})
		a.result.Skipped++
		return nil
	}
	if target == nil {
		local, _, err := codecs[types.TableGraves].get(ctx, a.tx, g.RowID())
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		if local != nil && local.RowMod() > g.Mod {
			// Keep the newer grave and send it back.
			a.result.Skipped++
			return codecs[types.TableGraves].put(ctx, a.tx, local, a.usn)
		}
	}

	children, err := childrenOf(ctx, a.tx, g.Table, g.Target)
	if err != nil {
		return err
	}
	for _, c := range children {
		row, _, err := codecs[c.table].get(ctx, a.tx, c.id)
		if err != nil {
			return err
		}
		if row.RowMod() > g.Mod {
			a.result.Conflicts = append(a.result.Conflicts, reconcile.Conflict{
				Table:       c.table,
				ID:          c.id,
				LocalMod:    row.RowMod(),
				IncomingMod: g.Mod,
				Winner:      reconcile.Incoming,
				Deleted:     true,
			})
		}
		if err := a.buryChild(ctx, c, max(g.Mod, row.RowMod())); err != nil {
			return err
		}
	}
	if err := buryRow(ctx, a.tx, g.Table, g.Target, g.Mod, a.usn); err != nil {
		return err
	}
	a.wrote(g.RowID())
	return nil
}

// buryChild deletes a row that went with its deleted parent and writes its
// grave at mod, unless a grave at least that new is already here. The grave
// counts as settled only when the payload carries the same one.
func (a *applier) buryChild(ctx context.Context, c ref, mod int64) error {
	id := types.GraveID(c.table, c.id)
	existing, _, err := codecs[types.TableGraves].get(ctx, a.tx, id)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if existing != nil && existing.RowMod() >= mod {
		err := requireRow(ctx, a.tx, c.table, c.id)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		mod = existing.RowMod()
	}
	if err := buryRow(ctx, a.tx, c.table, c.id, mod, a.usn); err != nil {
		return err
	}
	if sent, ok := a.graves[id]; ok && sent == mod {
		a.result.Stamps.Add(types.TableGraves, id, a.usn)
	}
	return nil
}

func (a *applier) wrote(id string) {
	a.result.Stamps.Add(a.table, id, a.usn)
	a.result.Applied[a.table]++
}

// sameRow reports whether two rows of one table hold the same content.
func sameRow(x, y types.Row) bool {
	return reflect.DeepEqual(normalizeRow(x), normalizeRow(y))
}

func normalizeRow(r types.Row) types.Row {
	if n, ok := r.(*types.Note); ok {
		cp := *n
		cp.Tags = types.NormalizeTags(cp.Tags)
		if len(cp.Fields) == 0 {
			cp.Fields = nil
		}
		return &cp
	}
	return r
}
