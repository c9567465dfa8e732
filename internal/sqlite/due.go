package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// card_due is a derived index of when each card is due per deck. It is
// rewritten in the same transaction as the card it mirrors.

func updateCardDue(ctx context.Context, tx *sql.Tx, c *types.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO card_due (card_id, deck_id, queue, due) VALUES (?, ?, ?, ?)
ON CONFLICT(card_id) DO UPDATE SET deck_id = excluded.deck_id, queue = excluded.queue, due = excluded.due`,
		c.ID, c.DeckID, c.Queue, c.Due)
	if err != nil {
		return fmt.Errorf("updating card_due %s: %w", c.ID, err)
	}
	return nil
}

func rebuildCardDue(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM card_due`); err != nil {
		return fmt.Errorf("clearing card_due: %w", err)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO card_due (card_id, deck_id, queue, due) SELECT id, deck_id, queue, due FROM cards`)
	if err != nil {
		return fmt.Errorf("rebuilding card_due: %w", err)
	}
	return nil
}

// DueEntry is one row of the due index.
type DueEntry struct {
	CardID string
	DeckID string
	Queue  int
	Due    int64
}

// DueCards lists the due index of a deck ordered by due.
func (s *Store) DueCards(ctx context.Context, deckID string) ([]DueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	res, err := s.db.QueryContext(ctx,
		`SELECT card_id, deck_id, queue, due FROM card_due WHERE deck_id = ? ORDER BY due, card_id`, deckID)
	if err != nil {
		return nil, fmt.Errorf("querying card_due: %w", err)
	}
	defer res.Close()
	var out []DueEntry
	for res.Next() {
		var e DueEntry
		if err := res.Scan(&e.CardID, &e.DeckID, &e.Queue, &e.Due); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, res.Err()
}
