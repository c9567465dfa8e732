package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Local mutations. Each one runs in its own transaction, stamps the row with
// a fresh mod and bumps the collection mod.

// PutNotetype creates or updates a notetype. Changing the field list or the
// templates of an existing notetype bumps the schema generation.
func (s *Store) PutNotetype(ctx context.Context, nt *types.Notetype) error {
	if nt.Name == "" {
		return fmt.Errorf("%w: notetype name is empty", types.ErrInvalidRow)
	}
	if nt.ID == "" {
		nt.ID = NewID()
	}
	c := codecs[types.TableNotetypes]
	return s.inTx(ctx, func(tx *sql.Tx) error {
		prev, _, err := c.get(ctx, tx, nt.ID)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		if prev != nil {
			old := prev.(*types.Notetype)
			if !slices.Equal(old.Fields, nt.Fields) || !slices.Equal(old.Templates, nt.Templates) {
				if err := bumpSchemaGen(ctx, tx); err != nil {
					return err
				}
			}
		}
		t, err := s.stamp(ctx, tx)
		if err != nil {
			return err
		}
		nt.Mod = t
		return c.put(ctx, tx, nt, t)
	})
}

// PutDeck creates or updates a deck.
func (s *Store) PutDeck(ctx context.Context, d *types.Deck) error {
	if d.Name == "" {
		return fmt.Errorf("%w: deck name is empty", types.ErrInvalidRow)
	}
	if d.ID == "" {
		d.ID = NewID()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.stamp(ctx, tx)
		if err != nil {
			return err
		}
		d.Mod = t
		return codecs[types.TableDecks].put(ctx, tx, d, t)
	})
}

// SetConfig stores value, encoded as JSON, under key.
func (s *Store) SetConfig(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: config key is empty", types.ErrInvalidRow)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding config %s: %w", key, err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.stamp(ctx, tx)
		if err != nil {
			return err
		}
		entry := &types.ConfigEntry{Key: key, Value: raw, Mod: t}
		return codecs[types.TableConfig].put(ctx, tx, entry, t)
	})
}

// PutNote creates or updates a note. Its notetype must exist. Tags are
// normalised and any tag new to the collection joins the tag registry.
func (s *Store) PutNote(ctx context.Context, n *types.Note) error {
	if n.ID == "" {
		n.ID = NewID()
	}
	n.Tags = types.NormalizeTags(n.Tags)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, types.TableNotetypes, n.NotetypeID); err != nil {
			return fmt.Errorf("note %s: %w", n.ID, err)
		}
		t, err := s.stamp(ctx, tx)
		if err != nil {
			return err
		}
		n.Mod = t
		if err := codecs[types.TableNotes].put(ctx, tx, n, t); err != nil {
			return err
		}
		_, err = registerTags(ctx, tx, n.Tags, t, t)
		return err
	})
}

// PutCard creates or updates a card. Its note and deck must exist.
func (s *Store) PutCard(ctx context.Context, c *types.Card) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, types.TableNotes, c.NoteID); err != nil {
			return fmt.Errorf("card %s: %w", c.ID, err)
		}
		if err := requireRow(ctx, tx, types.TableDecks, c.DeckID); err != nil {
			return fmt.Errorf("card %s: %w", c.ID, err)
		}
		t, err := s.stamp(ctx, tx)
		if err != nil {
			return err
		}
		c.Mod = t
		if err := codecs[types.TableCards].put(ctx, tx, c, t); err != nil {
			return err
		}
		return updateCardDue(ctx, tx, c)
	})
}

// AddReview records a review. Review entries are never changed afterwards.
func (s *Store) AddReview(ctx context.Context, e *types.RevlogEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, types.TableCards, e.CardID); err != nil {
			return fmt.Errorf("review %s: %w", e.ID, err)
		}
		t, err := s.stamp(ctx, tx)
		if err != nil {
			return err
		}
		e.Mod = t
		return codecs[types.TableRevlog].put(ctx, tx, e, t)
	})
}

// Delete removes a row and leaves a grave so the deletion syncs. Deleting a
// note also deletes its cards. A notetype or deck still referenced cannot be
// deleted. Deleting a notetype bumps the schema generation.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if !types.IsSyncableTable(table) || table == types.TableGraves || table == types.TableRevlog {
		return fmt.Errorf("%w: cannot delete from %s", types.ErrUnknownTable, table)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, table, id); err != nil {
			return err
		}
		if err := refuseReferenced(ctx, tx, table, id); err != nil {
			return err
		}
		t, err := s.stamp(ctx, tx)
		if err != nil {
			return err
		}
		if table == types.TableNotetypes {
			if err := bumpSchemaGen(ctx, tx); err != nil {
				return err
			}
		}
		if table == types.TableNotes {
			cardIDs, err := idsWhere(ctx, tx, `SELECT id FROM cards WHERE note_id = ?`, id)
			if err != nil {
				return err
			}
			for _, cid := range cardIDs {
				if err := buryRow(ctx, tx, types.TableCards, cid, t, t); err != nil {
					return err
				}
			}
		}
		return buryRow(ctx, tx, table, id, t, t)
	})
}

// buryRow deletes a row and writes its grave.
func buryRow(ctx context.Context, tx *sql.Tx, table, id string, mod, usn int64) error {
	if _, err := deleteByID(ctx, tx, table, id); err != nil {
		return err
	}
	if table == types.TableCards {
		if _, err := tx.ExecContext(ctx, `DELETE FROM card_due WHERE card_id = ?`, id); err != nil {
			return fmt.Errorf("deleting card_due %s: %w", id, err)
		}
	}
	g := &types.Grave{Table: table, Target: id, Mod: mod}
	return codecs[types.TableGraves].put(ctx, tx, g, usn)
}

func refuseReferenced(ctx context.Context, tx *sql.Tx, table, id string) error {
	var query string
	switch table {
	case types.TableNotetypes:
		query = `SELECT COUNT(*) FROM notes WHERE notetype_id = ?`
	case types.TableDecks:
		query = `SELECT COUNT(*) FROM cards WHERE deck_id = ?`
	default:
		return nil
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
		return fmt.Errorf("checking references to %s %s: %w", table, id, err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s %s is referenced by %d rows", types.ErrIntegrity, table, id, n)
	}
	return nil
}

// registerTags adds tags missing from the registry and returns the ones it
// added.
func registerTags(ctx context.Context, tx *sql.Tx, tags []string, mod, usn int64) ([]string, error) {
	var added []string
	for _, name := range tags {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (id, mod, usn) VALUES (?, ?, ?)`, name, mod, usn)
		if err != nil {
			return added, fmt.Errorf("registering tag %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, name)
		}
	}
	return added, nil
}

func requireRow(ctx context.Context, q querier, table, id string) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", table, id, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up %s %s: %w", table, id, err)
	}
	return nil
}

func idsWhere(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	res, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer res.Close()
	var ids []string
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, res.Err()
}

// Reads.

// Get returns one row of table.
func (s *Store) Get(ctx context.Context, table, id string) (types.Row, error) {
	c, err := codecFor(table)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	r, _, err := c.get(ctx, s.db, id)
	return r, err
}

// GetNote returns a note by id.
func (s *Store) GetNote(ctx context.Context, id string) (*types.Note, error) {
	r, err := s.Get(ctx, types.TableNotes, id)
	if err != nil {
		return nil, err
	}
	return r.(*types.Note), nil
}

// GetCard returns a card by id.
func (s *Store) GetCard(ctx context.Context, id string) (*types.Card, error) {
	r, err := s.Get(ctx, types.TableCards, id)
	if err != nil {
		return nil, err
	}
	return r.(*types.Card), nil
}

// All returns every row of table in id order.
func (s *Store) All(ctx context.Context, table string) ([]types.Row, error) {
	c, err := codecFor(table)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	return c.all(ctx, s.db)
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if _, err := codecFor(table); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// Counts returns the row count of every syncable table.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(types.SyncableTables))
	for _, table := range types.SyncableTables {
		n, err := s.Count(ctx, table)
		if err != nil {
			return nil, err
		}
		out[table] = n
	}
	return out, nil
}

// ref names one row.
type ref struct {
	table, id string
}

// parentsOf lists the rows r references.
func parentsOf(r types.Row) []ref {
	switch row := r.(type) {
	case *types.Note:
		return []ref{{types.TableNotetypes, row.NotetypeID}}
	case *types.Card:
		return []ref{{types.TableNotes, row.NoteID}, {types.TableDecks, row.DeckID}}
	}
	return nil
}

// childrenOf lists the rows that reference table:id, directly or through
// another child, parents before their own children.
func childrenOf(ctx context.Context, q querier, table, id string) ([]ref, error) {
	var child, query string
	switch table {
	case types.TableNotetypes:
		child, query = types.TableNotes, `SELECT id FROM notes WHERE notetype_id = ?`
	case types.TableDecks:
		child, query = types.TableCards, `SELECT id FROM cards WHERE deck_id = ?`
	case types.TableNotes:
		child, query = types.TableCards, `SELECT id FROM cards WHERE note_id = ?`
	default:
		return nil, nil
	}
	ids, err := idsWhere(ctx, q, query, id)
	if err != nil {
		return nil, fmt.Errorf("listing rows referencing %s %s: %w", table, id, err)
	}
	var out []ref
	for _, cid := range ids {
		out = append(out, ref{child, cid})
		grand, err := childrenOf(ctx, q, child, cid)
		if err != nil {
			return nil, err
		}
		out = append(out, grand...)
	}
	return out, nil
}
