package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// CollectionFile is the database file name inside a collection directory.
const CollectionFile = "collection.db"

// Store is one collection backed by a SQLite database.
type Store struct {
	mu     sync.RWMutex
	closed bool
	db     *sql.DB
	path   string
	log    logrus.FieldLogger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the wall clock used to stamp mutations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens the collection in dir, creating the directory, the database and
// its schema when they do not exist.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating collection dir: %w", err)
	}

	s := &Store{
		path: filepath.Join(dir, CollectionFile),
		log:  discardLogger(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := initSchema(db, s.nowMs()); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

func initSchema(db *sql.DB, created int64) error {
	for _, ddl := range schemaDDL {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	for _, ddl := range indexDDL {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO col (id, mod, schema_gen, created) VALUES (1, 0, 1, ?)`, created)
	if err != nil {
		return fmt.Errorf("initializing col: %w", err)
	}
	return nil
}

// Close releases the database. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Dir returns the collection directory.
func (s *Store) Dir() string { return filepath.Dir(s.path) }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// Now returns the store's wall clock in unix milliseconds.
func (s *Store) Now() int64 { return s.nowMs() }

// begin starts a write transaction. The caller must hold s.mu.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return tx, nil
}

// inTx runs fn in a write transaction and commits it when fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// stamp returns a mutation time strictly after the collection's mod and
// records it as the new mod. Local mutations get strictly increasing stamps
// even when the wall clock stalls or steps back.
func (s *Store) stamp(ctx context.Context, tx *sql.Tx) (int64, error) {
	var mod int64
	if err := tx.QueryRowContext(ctx, `SELECT mod FROM col WHERE id = 1`).Scan(&mod); err != nil {
		return 0, fmt.Errorf("reading col mod: %w", err)
	}
	t := max(s.nowMs(), mod+1)
	if _, err := tx.ExecContext(ctx, `UPDATE col SET mod = ? WHERE id = 1`, t); err != nil {
		return 0, fmt.Errorf("stamping col mod: %w", err)
	}
	return t, nil
}

func bumpSchemaGen(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `UPDATE col SET schema_gen = schema_gen + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("bumping schema generation: %w", err)
	}
	return nil
}

// Meta returns the collection state as seen by peerID. An empty peerID
// reports LastSync zero.
func (s *Store) Meta(ctx context.Context, peerID string) (types.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.Meta{}, types.ErrStoreClosed
	}
	return readMeta(ctx, s.db, peerID, s.nowMs())
}

func readMeta(ctx context.Context, q querier, peerID string, now int64) (types.Meta, error) {
	m := types.Meta{
		ServerTime:      now,
		ProtocolVersion: types.ProtocolVersion,
		Continue:        true,
	}
	if err := q.QueryRowContext(ctx, `SELECT mod, schema_gen FROM col WHERE id = 1`).Scan(&m.Mod, &m.SchemaGen); err != nil {
		return types.Meta{}, fmt.Errorf("reading col: %w", err)
	}
	var rows int
	err := q.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM notes) + (SELECT COUNT(*) FROM cards)`).Scan(&rows)
	if err != nil {
		return types.Meta{}, fmt.Errorf("counting rows: %w", err)
	}
	m.Empty = rows == 0
	if peerID != "" {
		p, err := readPeer(ctx, q, peerID)
		if err != nil {
			return types.Meta{}, err
		}
		m.LastSync = p.LastSync
		m.MediaUSN = p.MediaUSN
	}
	return m, nil
}

// PeerState is the persisted state of one sync relationship.
type PeerState struct {
	PeerID   string
	LastSync int64
	MediaUSN int64
}

func readPeer(ctx context.Context, q querier, peerID string) (PeerState, error) {
	p := PeerState{PeerID: peerID}
	err := q.QueryRowContext(ctx, `SELECT last_sync, media_usn FROM peers WHERE peer_id = ?`, peerID).
		Scan(&p.LastSync, &p.MediaUSN)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return PeerState{}, fmt.Errorf("reading peer %s: %w", peerID, err)
	}
	return p, nil
}

// Peer returns the persisted state of the relationship with peerID. A peer
// never synced with reports zero values.
func (s *Store) Peer(ctx context.Context, peerID string) (PeerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return PeerState{}, types.ErrStoreClosed
	}
	return readPeer(ctx, s.db, peerID)
}

// Peers lists every known relationship.
func (s *Store) Peers(ctx context.Context) ([]PeerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	res, err := s.db.QueryContext(ctx, `SELECT peer_id, last_sync, media_usn FROM peers ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("querying peers: %w", err)
	}
	defer res.Close()
	var out []PeerState
	for res.Next() {
		var p PeerState
		if err := res.Scan(&p.PeerID, &p.LastSync, &p.MediaUSN); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, res.Err()
}

func setLastSync(ctx context.Context, tx *sql.Tx, peerID string, t int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO peers (peer_id, last_sync) VALUES (?, ?)
ON CONFLICT(peer_id) DO UPDATE SET last_sync = excluded.last_sync`, peerID, t)
	if err != nil {
		return fmt.Errorf("setting last sync for %s: %w", peerID, err)
	}
	return nil
}

// SetMediaUSN records the media change log position reached with peerID.
func (s *Store) SetMediaUSN(ctx context.Context, peerID string, usn int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO peers (peer_id, media_usn) VALUES (?, ?)
ON CONFLICT(peer_id) DO UPDATE SET media_usn = excluded.media_usn`, peerID, usn)
		if err != nil {
			return fmt.Errorf("setting media usn for %s: %w", peerID, err)
		}
		return nil
	})
}

// ForceFullSync bumps the schema generation so the next sync with any peer
// transfers the whole collection.
func (s *Store) ForceFullSync(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.stamp(ctx, tx); err != nil {
			return err
		}
		return bumpSchemaGen(ctx, tx)
	})
}

// CheckIntegrity runs SQLite's integrity check and the collection's
// reference checks.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", types.ErrIntegrity, result)
	}
	return checkReferences(ctx, s.db)
}

// checkReferences verifies that every note has its notetype and every card
// its note and deck.
func checkReferences(ctx context.Context, q querier) error {
	checks := []struct {
		what  string
		query string
	}{
		{"note without notetype", `SELECT n.id FROM notes n LEFT JOIN notetypes t ON t.id = n.notetype_id WHERE t.id IS NULL LIMIT 1`},
		{"card without note", `SELECT c.id FROM cards c LEFT JOIN notes n ON n.id = c.note_id WHERE n.id IS NULL LIMIT 1`},
		{"card without deck", `SELECT c.id FROM cards c LEFT JOIN decks d ON d.id = c.deck_id WHERE d.id IS NULL LIMIT 1`},
	}
	for _, c := range checks {
		var id string
		err := q.QueryRowContext(ctx, c.query).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("checking references: %w", err)
		}
		return fmt.Errorf("%w: %s %s", types.ErrIntegrity, c.what, id)
	}
	return nil
}

// NewID returns a fresh row id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
