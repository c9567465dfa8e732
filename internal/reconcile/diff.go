// Package reconcile compares change summaries and merges rows that changed
// on both sides of a sync.
package reconcile

import (
	"sort"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// TableDiff classifies the changed ids of one table.
//
// Send holds ids only the local side changed, Receive ids only the remote
// side changed. Conflict holds ids both sides changed with different
// modification times; they travel in both directions so the receiver of
// each copy can merge.
type TableDiff struct {
	Send     []string
	Receive  []string
	Conflict []string
}

// Empty reports whether nothing needs to move for the table.
func (d TableDiff) Empty() bool {
	return len(d.Send) == 0 && len(d.Receive) == 0 && len(d.Conflict) == 0
}

// Diff compares the local and remote summaries of one table. Ids present on
// both sides with equal modification times are already converged and are
// left out.
func Diff(local, remote types.Summary) TableDiff {
	remoteIdx := remote.Index()
	localIdx := local.Index()

	var d TableDiff
	for id, lmod := range localIdx {
		rmod, ok := remoteIdx[id]
		switch {
		case !ok:
			d.Send = append(d.Send, id)
		case rmod != lmod:
			d.Conflict = append(d.Conflict, id)
		}
	}
	for id := range remoteIdx {
		if _, ok := localIdx[id]; !ok {
			d.Receive = append(d.Receive, id)
		}
	}
	sort.Strings(d.Send)
	sort.Strings(d.Receive)
	sort.Strings(d.Conflict)
	return d
}

// Plan is the per-table diff of a whole session.
type Plan map[string]TableDiff

// DiffAll diffs every syncable table. Tables missing from either side are
// treated as having no changes there.
func DiffAll(local, remote types.Summaries) Plan {
	p := make(Plan, len(types.SyncableTables))
	for _, table := range types.SyncableTables {
		d := Diff(local[table], remote[table])
		if !d.Empty() {
			p[table] = d
		}
	}
	return p
}

// Empty reports whether no table needs an exchange.
func (p Plan) Empty() bool {
	for _, d := range p {
		if !d.Empty() {
			return false
		}
	}
	return true
}

// Outgoing returns, per table, the ids whose local rows go to the peer.
func (p Plan) Outgoing() map[string][]string {
	return p.collect(func(d TableDiff) []string { return concat(d.Send, d.Conflict) })
}

// Incoming returns, per table, the ids whose remote rows are requested.
func (p Plan) Incoming() map[string][]string {
	return p.collect(func(d TableDiff) []string { return concat(d.Receive, d.Conflict) })
}

// Counts returns the number of ids sent, received and in conflict.
func (p Plan) Counts() (send, receive, conflict int) {
	for _, d := range p {
		send += len(d.Send)
		receive += len(d.Receive)
		conflict += len(d.Conflict)
	}
	return send, receive, conflict
}

func (p Plan) collect(pick func(TableDiff) []string) map[string][]string {
	out := make(map[string][]string)
	for table, d := range p {
		if ids := pick(d); len(ids) > 0 {
			out[table] = ids
		}
	}
	return out
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
