package types

// ProtocolVersion is the peer protocol revision spoken by this build.
// A peer reporting a different revision cannot be synced with.
const ProtocolVersion = 1

// Meta is the collection state exchanged at the start of every session.
// All times are unix milliseconds.
type Meta struct {
	// Mod is the time of the most recent mutation of the collection.
	Mod int64 `json:"mod"`
	// SchemaGen is bumped whenever the table structure itself changes.
	SchemaGen int64 `json:"schema_gen"`
	// LastSync is the time of the last successful sync with the peer that
	// asked for this meta. Zero means the two have never synced.
	LastSync int64 `json:"last_sync"`
	// ServerTime is the wall clock of the side producing the meta.
	ServerTime int64 `json:"server_time"`
	// MediaUSN is the newest media change log sequence number.
	MediaUSN int64 `json:"media_usn"`
	// Empty reports that the collection holds no notes and no cards.
	Empty bool `json:"empty"`
	// ProtocolVersion is the peer protocol revision of the producer.
	ProtocolVersion int `json:"protocol_version"`
	// Message is an optional notice to show the user after the session.
	Message string `json:"message,omitempty"`
	// Continue is false when the producer refuses to sync right now.
	Continue bool `json:"continue"`
}

// Changed reports whether the collection has mutations not yet synced with
// the peer the meta was produced for. An empty collection never counts as
// changed, since a full sync cannot lose anything from it.
func (m Meta) Changed() bool {
	return !m.Empty && m.Mod > m.LastSync
}

// FullSyncChoice is the direction picked for a full sync.
type FullSyncChoice int

const (
	// ChoiceCancel abandons the session without transferring anything.
	ChoiceCancel FullSyncChoice = iota
	// ChoiceKeepLocal uploads: the local collection replaces the remote one.
	ChoiceKeepLocal
	// ChoiceKeepRemote downloads: the remote collection replaces the local one.
	ChoiceKeepRemote
)

func (c FullSyncChoice) String() string {
	switch c {
	case ChoiceKeepLocal:
		return "keepLocal"
	case ChoiceKeepRemote:
		return "keepRemote"
	default:
		return "cancel"
	}
}
