package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// codec maps one syncable table between its SQL columns and its row type.
// cols starts with id and ends with mod; usn is handled by the callers.
type codec struct {
	table  string
	cols   []string
	scan   func(sc scanner) (types.Row, error)
	values func(r types.Row) ([]any, error)
}

// maxVars bounds the ids bound into a single IN clause.
const maxVars = 500

var codecs = map[string]*codec{
	types.TableNotetypes: {
		table: types.TableNotetypes,
		cols:  []string{"id", "name", "fields", "templates", "mod"},
		scan: func(sc scanner) (types.Row, error) {
			var nt types.Notetype
			var fields, templates string
			if err := sc.Scan(&nt.ID, &nt.Name, &fields, &templates, &nt.Mod); err != nil {
				return nil, err
			}
			if err := unmarshalStrings(fields, &nt.Fields); err != nil {
				return nil, err
			}
			if err := unmarshalStrings(templates, &nt.Templates); err != nil {
				return nil, err
			}
			return &nt, nil
		},
		values: func(r types.Row) ([]any, error) {
			nt, ok := r.(*types.Notetype)
			if !ok {
				return nil, rowTypeError(types.TableNotetypes, r)
			}
			fields, err := marshalStrings(nt.Fields)
			if err != nil {
				return nil, err
			}
			templates, err := marshalStrings(nt.Templates)
			if err != nil {
				return nil, err
			}
			return []any{nt.ID, nt.Name, fields, templates, nt.Mod}, nil
		},
	},
	types.TableDecks: {
		table: types.TableDecks,
		cols:  []string{"id", "name", "description", "conf_id", "mod"},
		scan: func(sc scanner) (types.Row, error) {
			var d types.Deck
			if err := sc.Scan(&d.ID, &d.Name, &d.Description, &d.ConfID, &d.Mod); err != nil {
				return nil, err
			}
			return &d, nil
		},
		values: func(r types.Row) ([]any, error) {
			d, ok := r.(*types.Deck)
			if !ok {
				return nil, rowTypeError(types.TableDecks, r)
			}
			return []any{d.ID, d.Name, d.Description, d.ConfID, d.Mod}, nil
		},
	},
	types.TableTags: {
		table: types.TableTags,
		cols:  []string{"id", "mod"},
		scan: func(sc scanner) (types.Row, error) {
			var t types.Tag
			if err := sc.Scan(&t.Name, &t.Mod); err != nil {
				return nil, err
			}
			return &t, nil
		},
		values: func(r types.Row) ([]any, error) {
			t, ok := r.(*types.Tag)
			if !ok {
				return nil, rowTypeError(types.TableTags, r)
			}
			return []any{t.Name, t.Mod}, nil
		},
	},
	types.TableConfig: {
		table: types.TableConfig,
		cols:  []string{"id", "value", "mod"},
		scan: func(sc scanner) (types.Row, error) {
			var c types.ConfigEntry
			var value string
			if err := sc.Scan(&c.Key, &value, &c.Mod); err != nil {
				return nil, err
			}
			c.Value = json.RawMessage(value)
			return &c, nil
		},
		values: func(r types.Row) ([]any, error) {
			c, ok := r.(*types.ConfigEntry)
			if !ok {
				return nil, rowTypeError(types.TableConfig, r)
			}
			if !json.Valid(c.Value) {
				return nil, fmt.Errorf("%w: config %q value is not JSON", types.ErrInvalidRow, c.Key)
			}
			return []any{c.Key, string(c.Value), c.Mod}, nil
		},
	},
	types.TableNotes: {
		table: types.TableNotes,
		cols:  []string{"id", "notetype_id", "fields", "tags", "flags", "data", "mod"},
		scan: func(sc scanner) (types.Row, error) {
			var n types.Note
			var fields, tags string
			if err := sc.Scan(&n.ID, &n.NotetypeID, &fields, &tags, &n.Flags, &n.Data, &n.Mod); err != nil {
				return nil, err
			}
			if err := unmarshalStrings(fields, &n.Fields); err != nil {
				return nil, err
			}
			n.Tags = types.SplitTags(tags)
			return &n, nil
		},
		values: func(r types.Row) ([]any, error) {
			n, ok := r.(*types.Note)
			if !ok {
				return nil, rowTypeError(types.TableNotes, r)
			}
			fields, err := marshalStrings(n.Fields)
			if err != nil {
				return nil, err
			}
			return []any{n.ID, n.NotetypeID, fields, types.JoinTags(n.Tags), n.Flags, n.Data, n.Mod}, nil
		},
	},
	types.TableCards: {
		table: types.TableCards,
		cols:  []string{"id", "note_id", "deck_id", "ord", "type", "queue", "due", "ivl", "factor", "reps", "lapses", "flags", "mod"},
		scan: func(sc scanner) (types.Row, error) {
			var c types.Card
			if err := sc.Scan(&c.ID, &c.NoteID, &c.DeckID, &c.Ord, &c.Type, &c.Queue, &c.Due,
				&c.Interval, &c.Factor, &c.Reps, &c.Lapses, &c.Flags, &c.Mod); err != nil {
				return nil, err
			}
			return &c, nil
		},
		values: func(r types.Row) ([]any, error) {
			c, ok := r.(*types.Card)
			if !ok {
				return nil, rowTypeError(types.TableCards, r)
			}
			return []any{c.ID, c.NoteID, c.DeckID, c.Ord, c.Type, c.Queue, c.Due,
				c.Interval, c.Factor, c.Reps, c.Lapses, c.Flags, c.Mod}, nil
		},
	},
	types.TableRevlog: {
		table: types.TableRevlog,
		cols:  []string{"id", "card_id", "ease", "ivl", "last_ivl", "factor", "time_ms", "type", "mod"},
		scan: func(sc scanner) (types.Row, error) {
			var e types.RevlogEntry
			if err := sc.Scan(&e.ID, &e.CardID, &e.Ease, &e.Interval, &e.LastInterval,
				&e.Factor, &e.TimeMs, &e.Type, &e.Mod); err != nil {
				return nil, err
			}
			return &e, nil
		},
		values: func(r types.Row) ([]any, error) {
			e, ok := r.(*types.RevlogEntry)
			if !ok {
				return nil, rowTypeError(types.TableRevlog, r)
			}
			return []any{e.ID, e.CardID, e.Ease, e.Interval, e.LastInterval,
				e.Factor, e.TimeMs, e.Type, e.Mod}, nil
		},
	},
	types.TableGraves: {
		table: types.TableGraves,
		cols:  []string{"id", "tbl", "target", "mod"},
		scan: func(sc scanner) (types.Row, error) {
			var g types.Grave
			var id string
			if err := sc.Scan(&id, &g.Table, &g.Target, &g.Mod); err != nil {
				return nil, err
			}
			return &g, nil
		},
		values: func(r types.Row) ([]any, error) {
			g, ok := r.(*types.Grave)
			if !ok {
				return nil, rowTypeError(types.TableGraves, r)
			}
			if !types.IsSyncableTable(g.Table) || g.Table == types.TableGraves {
				return nil, fmt.Errorf("%w: grave for table %q", types.ErrInvalidRow, g.Table)
			}
			return []any{g.RowID(), g.Table, g.Target, g.Mod}, nil
		},
	},
}

func codecFor(table string) (*codec, error) {
	c, ok := codecs[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownTable, table)
	}
	return c, nil
}

func (c *codec) selectSQL() string {
	return "SELECT " + strings.Join(c.cols, ", ") + " FROM " + c.table
}

func (c *codec) upsertSQL() string {
	cols := append(append([]string(nil), c.cols...), "usn")
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	sets := make([]string, 0, len(cols)-1)
	for _, col := range cols[1:] {
		sets = append(sets, col+" = excluded."+col)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		c.table, strings.Join(cols, ", "), marks, strings.Join(sets, ", "))
}

func (c *codec) insertIgnoreSQL() string {
	cols := append(append([]string(nil), c.cols...), "usn")
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		c.table, strings.Join(cols, ", "), marks)
}

// get reads one row by id. It returns ErrNotFound when the row is absent.
func (c *codec) get(ctx context.Context, q querier, id string) (types.Row, int64, error) {
	row := q.QueryRowContext(ctx, c.selectSQLWithUsn()+" WHERE id = ?", id)
	r, usn, err := c.scanWithUsn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%s %s: %w", c.table, id, types.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s %s: %w", c.table, id, err)
	}
	return r, usn, nil
}

func (c *codec) selectSQLWithUsn() string {
	return "SELECT " + strings.Join(c.cols, ", ") + ", usn FROM " + c.table
}

// scanWithUsn scans a row selected by selectSQLWithUsn.
func (c *codec) scanWithUsn(sc scanner) (types.Row, int64, error) {
	var usn int64
	r, err := c.scan(usnScanner{sc: sc, usn: &usn})
	if err != nil {
		return nil, 0, err
	}
	return r, usn, nil
}

// usnScanner appends the trailing usn column to a codec's scan targets.
type usnScanner struct {
	sc  scanner
	usn *int64
}

func (u usnScanner) Scan(dest ...any) error {
	return u.sc.Scan(append(dest, u.usn)...)
}

// put writes r with the given usn, replacing any row with the same id.
func (c *codec) put(ctx context.Context, q querier, r types.Row, usn int64) error {
	vals, err := c.values(r)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, c.upsertSQL(), append(vals, usn)...); err != nil {
		return fmt.Errorf("writing %s %s: %w", c.table, r.RowID(), err)
	}
	return nil
}

// byIDs reads the rows with the given ids. Missing ids are skipped.
func (c *codec) byIDs(ctx context.Context, q querier, ids []string) ([]types.Row, []int64, error) {
	var rows []types.Row
	var usns []int64
	for start := 0; start < len(ids); start += maxVars {
		end := min(start+maxVars, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		query := c.selectSQLWithUsn() + " WHERE id IN (" + marks + ") ORDER BY id"
		res, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, nil, fmt.Errorf("querying %s: %w", c.table, err)
		}
		for res.Next() {
			r, usn, err := c.scanWithUsn(res)
			if err != nil {
				res.Close()
				return nil, nil, fmt.Errorf("scanning %s: %w", c.table, err)
			}
			rows = append(rows, r)
			usns = append(usns, usn)
		}
		if err := res.Err(); err != nil {
			res.Close()
			return nil, nil, err
		}
		res.Close()
	}
	return rows, usns, nil
}

// all reads every row of the table in id order.
func (c *codec) all(ctx context.Context, q querier) ([]types.Row, error) {
	res, err := q.QueryContext(ctx, c.selectSQL()+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", c.table, err)
	}
	defer res.Close()
	var rows []types.Row
	for res.Next() {
		r, err := c.scan(res)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", c.table, err)
		}
		rows = append(rows, r)
	}
	return rows, res.Err()
}

func deleteByID(ctx context.Context, q querier, table, id string) (bool, error) {
	res, err := q.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("deleting %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(s string, v *[]string) error {
	if s == "" {
		*v = nil
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func rowTypeError(table string, r types.Row) error {
	return fmt.Errorf("%w: %T is not a %s row", types.ErrInvalidRow, r, table)
}
