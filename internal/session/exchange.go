package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/internal/reconcile"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

// incremental exchanges the rows both sides changed since their last sync
// and commits the session on both sides.
func (r *runner) incremental(ctx context.Context) error {
	e := r.engine

	r.enter(AwaitingSummaries, "exchanging change summaries")
	remoteSums, err := r.remote.Summaries(ctx)
	if err != nil {
		return err
	}
	r.remoteOpen = true
	localSums, snapshot, err := e.store.Summaries(ctx, e.opts.PeerID)
	if err != nil {
		return err
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	r.enter(Diffing, "comparing summaries")
	plan := reconcile.DiffAll(localSums, remoteSums)
	send, receive, conflict := plan.Counts()
	r.log.WithFields(logrus.Fields{"send": send, "receive": receive, "conflict": conflict}).Info("planned exchange")

	r.enter(IncrementalExchange, "exchanging rows")
	settled := make(sqlite.Stamps)
	repush := make(map[string]map[string]bool)
	if !plan.Empty() {
		out, stamps, err := e.store.BuildPayload(ctx, plan.Outgoing(), true)
		if err != nil {
			return err
		}
		settled.Merge(stamps)

		batches := split(out, plan.Incoming(), e.opts.MaxPayloadRows)
		merger := reconcile.NewClientMerger(e.opts.TieBreak)
		total := int64(out.Len() + out.WantCount())
		var done int64
		for _, b := range batches {
			if err := checkpoint(ctx); err != nil {
				return err
			}
			reply, err := r.remote.ApplyPayload(ctx, b)
			if err != nil {
				return err
			}
			r.stats.Sent += b.Len()

			res, err := e.store.ApplyPayload(ctx, e.opts.PeerID, reply, merger)
			if err != nil {
				return err
			}
			r.stats.Received += res.Total()
			settled.Merge(res.Stamps)
			for table, ids := range res.Diverged {
				if repush[table] == nil {
					repush[table] = make(map[string]bool)
				}
				for _, id := range ids {
					repush[table][id] = true
				}
			}
			for _, c := range res.Conflicts {
				r.stats.Conflicts++
				if r.cb.OnConflict != nil {
					r.cb.OnConflict(c)
				}
			}
			done += int64(b.Len() + b.WantCount())
			r.emit(Event{State: IncrementalExchange, Message: "exchanging rows", Done: done, Total: total})
		}
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	r.enter(Committing, "committing")
	local, err := e.store.Meta(ctx, "")
	if err != nil {
		return err
	}
	hint := max(e.store.Now(), local.Mod)
	t, err := r.remote.Finish(ctx, hint)
	if err != nil {
		return err
	}
	r.remoteOpen = false

	pending := make(map[string][]string, len(repush))
	for table, ids := range repush {
		for id := range ids {
			pending[table] = append(pending[table], id)
		}
	}
	// The remote has committed; a cancel from here on must not leave the
	// local side behind.
	res, err := e.store.Commit(context.WithoutCancel(ctx), sqlite.CommitParams{
		PeerID:   e.opts.PeerID,
		SyncTime: t,
		Snapshot: snapshot,
		Settled:  settled,
		Repush:   pending,
	})
	if err != nil {
		return err
	}
	r.stats.SyncTime = t
	r.stats.Pending = res.Pending
	r.stats.Committed = true
	return nil
}

// split cuts the outgoing rows and the wanted ids into requests of at most
// limit entries each. Entries keep table order, rows of a table before the
// ids wanted from it, so a parent row always travels no later than the
// rows that reference it, in either direction.
func split(out *types.Payload, want map[string][]string, limit int) []*types.Payload {
	var batches []*types.Payload
	cur := &types.Payload{}
	n := 0
	flush := func() {
		if n > 0 {
			batches = append(batches, cur)
			cur = &types.Payload{}
			n = 0
		}
	}
	for _, table := range types.SyncableTables {
		for _, row := range out.Rows(table) {
			if n == limit {
				flush()
			}
			cur.Add(row)
			if table == types.TableNotes {
				if d, ok := out.TagDeltas[row.RowID()]; ok {
					if cur.TagDeltas == nil {
						cur.TagDeltas = make(map[string]types.TagDelta)
					}
					cur.TagDeltas[row.RowID()] = d
				}
			}
			n++
		}
		for _, id := range want[table] {
			if n == limit {
				flush()
			}
			if cur.Want == nil {
				cur.Want = make(map[string][]string)
			}
			cur.Want[table] = append(cur.Want[table], id)
			n++
		}
	}
	flush()
	return batches
}
