package types

// Payload carries full row content for a set of ids, one slice per table,
// plus the merge metadata the receiver needs. A payload sent to a peer may
// also name, in Want, the rows the sender expects back in the reply; the
// reply is built after the payload has been applied.
type Payload struct {
	Notetypes []*Notetype    `json:"notetypes,omitempty"`
	Decks     []*Deck        `json:"decks,omitempty"`
	Tags      []*Tag         `json:"tags,omitempty"`
	Config    []*ConfigEntry `json:"config,omitempty"`
	Notes     []*Note        `json:"notes,omitempty"`
	Cards     []*Card        `json:"cards,omitempty"`
	Revlog    []*RevlogEntry `json:"revlog,omitempty"`
	Graves    []*Grave       `json:"graves,omitempty"`

	// TagDeltas holds, per note id, how the sender's tag set changed since
	// the sender's last sync. Notes without an entry carry no tag change.
	TagDeltas map[string]TagDelta `json:"tag_deltas,omitempty"`

	// Want names, per table, the ids the sender wants in the reply.
	Want map[string][]string `json:"want,omitempty"`
}

// Add appends row to the slice matching its concrete type.
// Rows of unknown types are ignored.
func (p *Payload) Add(row Row) {
	switch r := row.(type) {
	case *Notetype:
		p.Notetypes = append(p.Notetypes, r)
	case *Deck:
		p.Decks = append(p.Decks, r)
	case *Tag:
		p.Tags = append(p.Tags, r)
	case *ConfigEntry:
		p.Config = append(p.Config, r)
	case *Note:
		p.Notes = append(p.Notes, r)
	case *Card:
		p.Cards = append(p.Cards, r)
	case *RevlogEntry:
		p.Revlog = append(p.Revlog, r)
	case *Grave:
		p.Graves = append(p.Graves, r)
	}
}

// Rows returns the rows carried for table, in payload order.
func (p *Payload) Rows(table string) []Row {
	var out []Row
	switch table {
	case TableNotetypes:
		for _, r := range p.Notetypes {
			out = append(out, r)
		}
	case TableDecks:
		for _, r := range p.Decks {
			out = append(out, r)
		}
	case TableTags:
		for _, r := range p.Tags {
			out = append(out, r)
		}
	case TableConfig:
		for _, r := range p.Config {
			out = append(out, r)
		}
	case TableNotes:
		for _, r := range p.Notes {
			out = append(out, r)
		}
	case TableCards:
		for _, r := range p.Cards {
			out = append(out, r)
		}
	case TableRevlog:
		for _, r := range p.Revlog {
			out = append(out, r)
		}
	case TableGraves:
		for _, r := range p.Graves {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of rows carried across all tables.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Notetypes) + len(p.Decks) + len(p.Tags) + len(p.Config) +
		len(p.Notes) + len(p.Cards) + len(p.Revlog) + len(p.Graves)
}

// WantCount returns the number of ids requested in Want.
func (p *Payload) WantCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, ids := range p.Want {
		n += len(ids)
	}
	return n
}
