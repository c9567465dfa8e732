package types

import "encoding/json"

// Row is implemented by every syncable record. RowID is unique within its
// table and RowMod is the unix-millisecond time of the row's last mutation.
type Row interface {
	RowID() string
	RowMod() int64
}

// Notetype describes the field layout and card templates of a family of
// notes. Changing Fields or Templates is a schema change: the store bumps the
// collection's schema generation, which forces the next sync to be full.
type Notetype struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Fields    []string `json:"fields"`
	Templates []string `json:"templates"`
	Mod       int64    `json:"mod"`
}

func (n *Notetype) RowID() string { return n.ID }
func (n *Notetype) RowMod() int64 { return n.Mod }

// Deck groups cards.
type Deck struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ConfID      string `json:"conf_id,omitempty"`
	Mod         int64  `json:"mod"`
}

func (d *Deck) RowID() string { return d.ID }
func (d *Deck) RowMod() int64 { return d.Mod }

// Tag is an entry in the collection's tag registry. The name is the id.
type Tag struct {
	Name string `json:"name"`
	Mod  int64  `json:"mod"`
}

func (t *Tag) RowID() string { return t.Name }
func (t *Tag) RowMod() int64 { return t.Mod }

// ConfigEntry is one collection-level key/value setting.
type ConfigEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	Mod   int64           `json:"mod"`
}

func (c *ConfigEntry) RowID() string { return c.Key }
func (c *ConfigEntry) RowMod() int64 { return c.Mod }

// Card is one reviewable prompt generated from a note.
// Scheduling fields are carried opaquely; their meaning belongs to the
// scheduler, not to sync.
type Card struct {
	ID       string `json:"id"`
	NoteID   string `json:"note_id"`
	DeckID   string `json:"deck_id"`
	Ord      int    `json:"ord"`
	Type     int    `json:"type"`
	Queue    int    `json:"queue"`
	Due      int64  `json:"due"`
	Interval int    `json:"interval"`
	Factor   int    `json:"factor"`
	Reps     int    `json:"reps"`
	Lapses   int    `json:"lapses"`
	Flags    int    `json:"flags"`
	Mod      int64  `json:"mod"`
}

func (c *Card) RowID() string { return c.ID }
func (c *Card) RowMod() int64 { return c.Mod }

// RevlogEntry records a single review. Entries are immutable once written,
// so the sync applies them insert-or-ignore.
type RevlogEntry struct {
	ID           string `json:"id"`
	CardID       string `json:"card_id"`
	Ease         int    `json:"ease"`
	Interval     int    `json:"interval"`
	LastInterval int    `json:"last_interval"`
	Factor       int    `json:"factor"`
	TimeMs       int    `json:"time_ms"`
	Type         int    `json:"type"`
	Mod          int64  `json:"mod"`
}

func (r *RevlogEntry) RowID() string { return r.ID }
func (r *RevlogEntry) RowMod() int64 { return r.Mod }

// Grave is the tombstone left when a row is deleted. Its id in the graves
// table is Table + ":" + Target so deletions of different tables never clash.
type Grave struct {
	Table  string `json:"table"`
	Target string `json:"target"`
	Mod    int64  `json:"mod"`
}

// GraveID returns the graves-table id for a deletion of rowID in table.
func GraveID(table, rowID string) string { return table + ":" + rowID }

func (g *Grave) RowID() string { return GraveID(g.Table, g.Target) }
func (g *Grave) RowMod() int64 { return g.Mod }
