package reconcile

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Strategy is how a field of a row merges when both sides changed it.
type Strategy int

const (
	// Overwrite takes the value of the row that wins last-writer-wins.
	Overwrite Strategy = iota
	// Union combines both sides' set members; nothing either side added is
	// lost.
	Union
)

// fieldRules lists the fields that do not merge by Overwrite.
var fieldRules = map[string]map[string]Strategy{
	types.TableNotes: {"tags": Union},
}

// StrategyFor returns the merge strategy of field in table.
func StrategyFor(table, field string) Strategy {
	if rules, ok := fieldRules[table]; ok {
		if s, ok := rules[field]; ok {
			return s
		}
	}
	return Overwrite
}

// TiePolicy decides which side wins last-writer-wins when both rows carry
// the same modification time.
type TiePolicy int

const (
	// PreferRemote favours the remote row. The remote is the server of record.
	PreferRemote TiePolicy = iota
	// PreferLocal favours the local row.
	PreferLocal
)

// ParseTiePolicy maps the sync.tie_break config value to a TiePolicy.
func ParseTiePolicy(s string) (TiePolicy, error) {
	switch strings.ToLower(s) {
	case "", types.TieBreakRemote:
		return PreferRemote, nil
	case types.TieBreakLocal:
		return PreferLocal, nil
	}
	return PreferRemote, fmt.Errorf("%w: %q", types.ErrTieBreakUnknown, s)
}

func (p TiePolicy) String() string {
	if p == PreferLocal {
		return types.TieBreakLocal
	}
	return types.TieBreakRemote
}

// Side names the origin of a merged value.
type Side int

const (
	Local Side = iota
	Incoming
)

func (s Side) String() string {
	if s == Incoming {
		return "incoming"
	}
	return "local"
}

// Merger merges an incoming row into a local row that changed since the last
// sync.
type Merger struct {
	// IncomingWinsTie is true when ties go to the incoming row. A client
	// applying server rows sets it from its TiePolicy; the server applying
	// client rows leaves it false, so the server of record keeps ties.
	IncomingWinsTie bool
}

// NewClientMerger returns the merger a client uses for rows from its server.
func NewClientMerger(p TiePolicy) Merger {
	return Merger{IncomingWinsTie: p == PreferRemote}
}

// NewHostMerger returns the merger a server uses for rows from a client.
func NewHostMerger() Merger {
	return Merger{}
}

// Winner picks the side whose scalar fields survive.
func (m Merger) Winner(localMod, incomingMod int64) Side {
	switch {
	case incomingMod > localMod:
		return Incoming
	case incomingMod < localMod:
		return Local
	case m.IncomingWinsTie:
		return Incoming
	default:
		return Local
	}
}

// Pick merges two whole rows that hold only Overwrite fields. The result
// keeps the winner's content and carries the larger modification time.
func (m Merger) Pick(local, incoming types.Row) (types.Row, Side) {
	if m.Winner(local.RowMod(), incoming.RowMod()) == Incoming {
		return incoming, Incoming
	}
	return local, Local
}

// MergeNote merges a locally changed note with an incoming one. Scalars and
// fields follow Winner. Tags merge three ways: base is the tag set both
// sides agreed on at the last sync, and delta, when known, is the incoming
// side's change relative to it. Without a delta the incoming change is
// derived from base; without a base every incoming tag counts as added.
func (m Merger) MergeNote(local, incoming *types.Note, base []string, hasBase bool, delta *types.TagDelta) (*types.Note, Side) {
	side := m.Winner(local.Mod, incoming.Mod)

	var out types.Note
	if side == Incoming {
		out = *incoming
	} else {
		out = *local
	}
	out.Fields = append([]string(nil), out.Fields...)
	if incoming.Mod > local.Mod {
		out.Mod = incoming.Mod
	} else {
		out.Mod = local.Mod
	}

	var d types.TagDelta
	switch {
	case delta != nil:
		d = *delta
	case hasBase:
		d = types.ComputeTagDelta(base, incoming.Tags)
	default:
		d = types.TagDelta{Added: incoming.Tags}
	}
	out.Tags = MergeTags(local.Tags, d)
	return &out, side
}

// MergeTags applies an incoming tag delta to the local tag set: removed tags
// drop out, added tags join, local additions survive.
func MergeTags(local []string, d types.TagDelta) []string {
	removed := make(map[string]bool, len(d.Removed))
	for _, t := range d.Removed {
		removed[t] = true
	}
	out := make([]string, 0, len(local)+len(d.Added))
	for _, t := range local {
		if !removed[t] {
			out = append(out, t)
		}
	}
	out = append(out, d.Added...)
	return types.NormalizeTags(out)
}

// GraveWins reports whether a deletion at graveMod removes a row last
// modified at rowMod. A deletion wins over an edit that is not newer.
func GraveWins(graveMod, rowMod int64) bool {
	return graveMod >= rowMod
}
