// Package fullsync decides when a session must transfer the whole
// collection and performs that transfer.
package fullsync

import (
	"fmt"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Outcome is the kind of session the two metas call for.
type Outcome int

const (
	// Incremental means summaries can be diffed and rows exchanged.
	Incremental Outcome = iota
	// NoChanges means both sides are already identical.
	NoChanges
	// FullRequired means incremental diffing is unsafe; Reason says why.
	FullRequired
)

func (o Outcome) String() string {
	switch o {
	case Incremental:
		return "incremental"
	case NoChanges:
		return "no-changes"
	case FullRequired:
		return "full-sync-required"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Reason explains a FullRequired decision.
type Reason string

const (
	ReasonFirstSync     Reason = "the two collections have never synced"
	ReasonSchemaChanged Reason = "the collection structure changed on one side"
)

// Decision is the result of Decide. Reason is set only for FullRequired.
type Decision struct {
	Outcome Outcome
	Reason  Reason
}

func (d Decision) String() string {
	if d.Outcome == FullRequired {
		return fmt.Sprintf("%s: %s", d.Outcome, d.Reason)
	}
	return d.Outcome.String()
}

// Decide compares the local and remote metas of one relationship. Equal
// mods mean nothing changed on either side since they last converged. A
// missing sync point on either side, or differing schema generations,
// require a full sync.
func Decide(local, remote types.Meta) Decision {
	switch {
	case local.Mod == remote.Mod:
		return Decision{Outcome: NoChanges}
	case local.LastSync <= 0 || remote.LastSync <= 0:
		return Decision{Outcome: FullRequired, Reason: ReasonFirstSync}
	case local.SchemaGen != remote.SchemaGen:
		return Decision{Outcome: FullRequired, Reason: ReasonSchemaChanged}
	}
	return Decision{Outcome: Incremental}
}

// Direction picks the direction of a full sync. It returns the choice and
// whether the user must confirm it instead. An empty local collection
// downloads without asking and an empty remote one is uploaded to. When only
// one side has unsynced changes that side wins. When both do, or neither
// does, the user decides.
func Direction(local, remote types.Meta) (types.FullSyncChoice, bool) {
	switch {
	case local.Empty:
		return types.ChoiceKeepRemote, false
	case remote.Empty:
		return types.ChoiceKeepLocal, false
	case local.Changed() && !remote.Changed():
		return types.ChoiceKeepLocal, false
	case remote.Changed() && !local.Changed():
		return types.ChoiceKeepRemote, false
	}
	return types.ChoiceCancel, true
}
