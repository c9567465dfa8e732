// Package sqlite implements the collection store on SQLite.
// This file holds the schema DDL.
package sqlite

// Every syncable table carries two times. mod is the time of the row's last
// edit; it travels with the row and decides last-writer-wins. usn is the
// local store time at which the row last changed here, whether by a local
// edit or by applying a peer's row; change summaries select on it, so a row
// that arrives with an old mod still reaches every other peer.

// Schema DDL for all tables.
const (
	createCol = `CREATE TABLE IF NOT EXISTS col (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    mod INTEGER NOT NULL,
    schema_gen INTEGER NOT NULL,
    created INTEGER NOT NULL
);`

	createPeers = `CREATE TABLE IF NOT EXISTS peers (
    peer_id TEXT PRIMARY KEY,
    last_sync INTEGER NOT NULL DEFAULT 0,
    media_usn INTEGER NOT NULL DEFAULT 0
);`

	createNotetypes = `CREATE TABLE IF NOT EXISTS notetypes (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    fields TEXT NOT NULL,
    templates TEXT NOT NULL,
    mod INTEGER NOT NULL,
    usn INTEGER NOT NULL
);`

	createDecks = `CREATE TABLE IF NOT EXISTS decks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    conf_id TEXT NOT NULL DEFAULT '',
    mod INTEGER NOT NULL,
    usn INTEGER NOT NULL
);`

	createTags = `CREATE TABLE IF NOT EXISTS tags (
    id TEXT PRIMARY KEY,
    mod INTEGER NOT NULL,
    usn INTEGER NOT NULL
);`

	createConfig = `CREATE TABLE IF NOT EXISTS config (
    id TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    mod INTEGER NOT NULL,
    usn INTEGER NOT NULL
);`

	createNotes = `CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    notetype_id TEXT NOT NULL,
    fields TEXT NOT NULL,
    tags TEXT NOT NULL,
    flags INTEGER NOT NULL DEFAULT 0,
    data TEXT NOT NULL DEFAULT '',
    mod INTEGER NOT NULL,
    usn INTEGER NOT NULL,
    synced_tags TEXT
);`

	createCards = `CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    note_id TEXT NOT NULL,
    deck_id TEXT NOT NULL,
    ord INTEGER NOT NULL,
    type INTEGER NOT NULL,
    queue INTEGER NOT NULL,
    due INTEGER NOT NULL,
    ivl INTEGER NOT NULL,
    factor INTEGER NOT NULL,
    reps INTEGER NOT NULL,
    lapses INTEGER NOT NULL,
    flags INTEGER NOT NULL,
    mod INTEGER NOT NULL,
    usn INTEGER NOT NULL
);`

	createRevlog = `CREATE TABLE IF NOT EXISTS revlog (
    id TEXT PRIMARY KEY,
    card_id TEXT NOT NULL,
    ease INTEGER NOT NULL,
    ivl INTEGER NOT NULL,
    last_ivl INTEGER NOT NULL,
    factor INTEGER NOT NULL,
    time_ms INTEGER NOT NULL,
    type INTEGER NOT NULL,
    mod INTEGER NOT NULL,
    usn INTEGER NOT NULL
);`

	createGraves = `CREATE TABLE IF NOT EXISTS graves (
    id TEXT PRIMARY KEY,
    tbl TEXT NOT NULL,
    target TEXT NOT NULL,
    mod INTEGER NOT NULL,
    usn INTEGER NOT NULL
);`

	createCardDue = `CREATE TABLE IF NOT EXISTS card_due (
    card_id TEXT PRIMARY KEY,
    deck_id TEXT NOT NULL,
    queue INTEGER NOT NULL,
    due INTEGER NOT NULL
);`
)

// Index DDL for summary and lookup queries.
const (
	idxNotetypesUsn = `CREATE INDEX IF NOT EXISTS idx_notetypes_usn ON notetypes(usn);`
	idxDecksUsn     = `CREATE INDEX IF NOT EXISTS idx_decks_usn ON decks(usn);`
	idxTagsUsn      = `CREATE INDEX IF NOT EXISTS idx_tags_usn ON tags(usn);`
	idxConfigUsn    = `CREATE INDEX IF NOT EXISTS idx_config_usn ON config(usn);`
	idxNotesUsn     = `CREATE INDEX IF NOT EXISTS idx_notes_usn ON notes(usn);`
	idxCardsUsn     = `CREATE INDEX IF NOT EXISTS idx_cards_usn ON cards(usn);`
	idxCardsNote    = `CREATE INDEX IF NOT EXISTS idx_cards_note ON cards(note_id);`
	idxRevlogUsn    = `CREATE INDEX IF NOT EXISTS idx_revlog_usn ON revlog(usn);`
	idxGravesUsn    = `CREATE INDEX IF NOT EXISTS idx_graves_usn ON graves(usn);`
	idxCardDueDeck  = `CREATE INDEX IF NOT EXISTS idx_card_due_deck ON card_due(deck_id, queue, due);`
)

// schemaDDL lists all CREATE TABLE statements in dependency order.
var schemaDDL = []string{
	createCol,
	createPeers,
	createNotetypes,
	createDecks,
	createTags,
	createConfig,
	createNotes,
	createCards,
	createRevlog,
	createGraves,
	createCardDue,
}

// indexDDL lists all CREATE INDEX statements.
var indexDDL = []string{
	idxNotetypesUsn,
	idxDecksUsn,
	idxTagsUsn,
	idxConfigUsn,
	idxNotesUsn,
	idxCardsUsn,
	idxCardsNote,
	idxRevlogUsn,
	idxGravesUsn,
	idxCardDueDeck,
}
