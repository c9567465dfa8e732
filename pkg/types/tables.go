package types

// Syncable table names. Every name is a key in Summaries and Payload.Want.
const (
	TableNotetypes = "notetypes"
	TableDecks     = "decks"
	TableTags      = "tags"
	TableConfig    = "config"
	TableNotes     = "notes"
	TableCards     = "cards"
	TableRevlog    = "revlog"
	TableGraves    = "graves"
)

// SyncableTables lists the syncable tables in apply order. Parents come
// before the rows that reference them so a payload can be applied table by
// table without dangling references; graves come last so a deletion is
// applied after any row it targets.
var SyncableTables = []string{
	TableNotetypes,
	TableDecks,
	TableTags,
	TableConfig,
	TableNotes,
	TableCards,
	TableRevlog,
	TableGraves,
}

// IsSyncableTable reports whether name is one of SyncableTables.
func IsSyncableTable(name string) bool {
	for _, t := range SyncableTables {
		if t == name {
			return true
		}
	}
	return false
}
