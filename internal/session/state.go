package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mesh-intelligence/decksync/internal/fullsync"
	"github.com/mesh-intelligence/decksync/internal/media"
	"github.com/mesh-intelligence/decksync/internal/reconcile"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

// State is a step of the session state machine.
type State int

const (
	Idle State = iota
	Connecting
	ClockCheck
	AwaitingSummaries
	Diffing
	IncrementalExchange
	FullSyncDirectionPrompt
	FullSyncTransfer
	Committing
	MediaSync
	Done
	Aborted
)

var stateNames = [...]string{
	Idle:                    "idle",
	Connecting:              "connecting",
	ClockCheck:              "clock-check",
	AwaitingSummaries:       "awaiting-summaries",
	Diffing:                 "diffing",
	IncrementalExchange:     "incremental-exchange",
	FullSyncDirectionPrompt: "full-sync-direction-prompt",
	FullSyncTransfer:        "full-sync-transfer",
	Committing:              "committing",
	MediaSync:               "media-sync",
	Done:                    "done",
	Aborted:                 "aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool { return s == Done || s == Aborted }

// Event is a progress report. Done and Total count rows, bytes or files
// depending on the state; Total is zero when unknown.
type Event struct {
	State   State
	Message string
	Done    int64
	Total   int64
	Time    time.Time
}

// Prompt asks the caller which way a full sync should go.
type Prompt struct {
	Reason fullsync.Reason
	Local  types.Meta
	Remote types.Meta
}

// Callbacks connect a session to its caller. Every callback runs on the
// session goroutine; a slow callback slows the session down.
type Callbacks struct {
	// OnProgress receives every state change and progress step.
	OnProgress func(Event)
	// OnConflict is told about every row both sides changed. It cannot
	// change the outcome of the merge.
	OnConflict func(reconcile.Conflict)
	// OnFullSyncPrompt is asked for a direction when both collections
	// changed and a full sync is required. There is no timeout; cancelling
	// ctx ends the wait. A nil prompt cancels the session.
	OnFullSyncPrompt func(ctx context.Context, p Prompt) (types.FullSyncChoice, error)
}

// Outcome is the overall result of a session.
type Outcome int

const (
	Success Outcome = iota
	NoChangesNeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NoChangesNeeded:
		return "no-changes-needed"
	case Failed:
		return "aborted"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Stats counts what a session did.
type Stats struct {
	Sent      int
	Received  int
	Conflicts int
	// Pending counts rows left for the next session, such as edits made
	// while this one ran.
	Pending  int
	Full     types.FullSyncChoice
	SyncTime int64
	// Committed is set once the collection rows are committed on both
	// sides. A media failure after that leaves the rows synced.
	Committed bool
	Media     media.Result
}

// Result is what a session ends with. Reason is set only for Failed.
type Result struct {
	Outcome Outcome
	Reason  *types.SyncError
	// Message is the notice the remote attached to its meta, if any.
	Message string
	Stats   Stats
}

// Err returns Reason as an error, or nil.
func (r Result) Err() error {
	if r.Reason == nil {
		return nil
	}
	return r.Reason
}
