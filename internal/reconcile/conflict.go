package reconcile

// Conflict describes a row both sides changed since their last sync.
// Deleted is set when one of the changes was a deletion.
type Conflict struct {
	Table       string
	ID          string
	LocalMod    int64
	IncomingMod int64
	Winner      Side
	Deleted     bool
}
