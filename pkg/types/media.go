package types

// MediaChange is one entry of a media change log. An empty Checksum marks a
// deletion.
type MediaChange struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum,omitempty"`
	USN      int64  `json:"usn"`
}

// Deleted reports whether the change records a removal.
func (c MediaChange) Deleted() bool { return c.Checksum == "" }

// MediaPutResult reports how much of an uploaded media archive the
// receiver applied, and its change log position afterwards.
type MediaPutResult struct {
	Processed int   `json:"processed"`
	LastUSN   int64 `json:"last_usn"`
}

// Media transfer limits. A single archive never holds more than
// MediaBatchFiles files, and is closed once it passes MediaBatchBytes.
const (
	MediaBatchFiles = 25
	MediaBatchBytes = 2_500_000
	MediaMaxFile    = 100 * 1024 * 1024
)
