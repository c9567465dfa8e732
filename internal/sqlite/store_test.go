package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// testClock is a manual clock shared by stores in a test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// setupStore opens a store in a temp dir, closed when the test ends.
func setupStore(t *testing.T, clock *testClock) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed holds the ids created by seedCollection.
type seed struct {
	notetype *types.Notetype
	deck     *types.Deck
	note     *types.Note
	card     *types.Card
}

func seedCollection(t *testing.T, s *Store) seed {
	t.Helper()
	ctx := context.Background()
	nt := &types.Notetype{Name: "Basic", Fields: []string{"Front", "Back"}, Templates: []string{"Card 1"}}
	require.NoError(t, s.PutNotetype(ctx, nt))
	d := &types.Deck{Name: "Default"}
	require.NoError(t, s.PutDeck(ctx, d))
	n := &types.Note{NotetypeID: nt.ID, Fields: []string{"hola", "hello"}, Tags: []string{"spanish"}}
	require.NoError(t, s.PutNote(ctx, n))
	c := &types.Card{NoteID: n.ID, DeckID: d.ID, Due: 5}
	require.NoError(t, s.PutCard(ctx, c))
	return seed{notetype: nt, deck: d, note: n, card: c}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, CollectionFile))
	require.NoError(t, err)

	m, err := s.Meta(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, m.Empty)
	assert.Equal(t, int64(0), m.Mod)
	assert.Equal(t, int64(1), m.SchemaGen)
	assert.Equal(t, types.ProtocolVersion, m.ProtocolVersion)
	assert.True(t, m.Continue)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Meta(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	seedCollection(t, s)
	_, err = s.Commit(ctx, CommitParams{PeerID: "server", SyncTime: s.Now() + 10, Snapshot: 0})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	p, err := s.Peer(ctx, "server")
	require.NoError(t, err)
	assert.Positive(t, p.LastSync)
	n, err := s.Count(ctx, types.TableNotes)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStampsAreMonotonic(t *testing.T) {
	clock := newTestClock()
	s := setupStore(t, clock)
	ctx := context.Background()

	d1 := &types.Deck{Name: "one"}
	d2 := &types.Deck{Name: "two"}
	require.NoError(t, s.PutDeck(ctx, d1))
	require.NoError(t, s.PutDeck(ctx, d2))
	assert.Greater(t, d2.Mod, d1.Mod)

	m, err := s.Meta(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, d2.Mod, m.Mod)
}

func TestLocalMutations(t *testing.T) {
	tests := []struct {
		name  string
		check func(t *testing.T, s *Store, sd seed)
	}{
		{
			name: "structure change bumps schema generation",
			check: func(t *testing.T, s *Store, sd seed) {
				ctx := context.Background()
				before, err := s.Meta(ctx, "")
				require.NoError(t, err)

				sd.notetype.Name = "Renamed"
				require.NoError(t, s.PutNotetype(ctx, sd.notetype))
				mid, err := s.Meta(ctx, "")
				require.NoError(t, err)
				assert.Equal(t, before.SchemaGen, mid.SchemaGen)

				sd.notetype.Fields = append(sd.notetype.Fields, "Extra")
				require.NoError(t, s.PutNotetype(ctx, sd.notetype))
				after, err := s.Meta(ctx, "")
				require.NoError(t, err)
				assert.Equal(t, before.SchemaGen+1, after.SchemaGen)
			},
		},
		{
			name: "note needs its notetype",
			check: func(t *testing.T, s *Store, sd seed) {
				err := s.PutNote(context.Background(), &types.Note{NotetypeID: "missing"})
				assert.ErrorIs(t, err, types.ErrNotFound)
			},
		},
		{
			name: "card needs its deck",
			check: func(t *testing.T, s *Store, sd seed) {
				err := s.PutCard(context.Background(), &types.Card{NoteID: sd.note.ID, DeckID: "missing"})
				assert.ErrorIs(t, err, types.ErrNotFound)
			},
		},
		{
			name: "note tags are normalised and registered",
			check: func(t *testing.T, s *Store, sd seed) {
				ctx := context.Background()
				sd.note.Tags = []string{"verbs", " spanish", "verbs"}
				require.NoError(t, s.PutNote(ctx, sd.note))
				got, err := s.GetNote(ctx, sd.note.ID)
				require.NoError(t, err)
				assert.Equal(t, []string{"spanish", "verbs"}, got.Tags)

				_, err = s.Get(ctx, types.TableTags, "verbs")
				assert.NoError(t, err)
			},
		},
		{
			name: "card writes its due entry",
			check: func(t *testing.T, s *Store, sd seed) {
				ctx := context.Background()
				due, err := s.DueCards(ctx, sd.deck.ID)
				require.NoError(t, err)
				require.Len(t, due, 1)
				assert.Equal(t, int64(5), due[0].Due)

				sd.card.Due = 9
				require.NoError(t, s.PutCard(ctx, sd.card))
				due, err = s.DueCards(ctx, sd.deck.ID)
				require.NoError(t, err)
				assert.Equal(t, int64(9), due[0].Due)
			},
		},
		{
			name: "deleting a note buries its cards",
			check: func(t *testing.T, s *Store, sd seed) {
				ctx := context.Background()
				require.NoError(t, s.Delete(ctx, types.TableNotes, sd.note.ID))

				_, err := s.GetCard(ctx, sd.card.ID)
				assert.ErrorIs(t, err, types.ErrNotFound)
				_, err = s.Get(ctx, types.TableGraves, types.GraveID(types.TableCards, sd.card.ID))
				assert.NoError(t, err)
				_, err = s.Get(ctx, types.TableGraves, types.GraveID(types.TableNotes, sd.note.ID))
				assert.NoError(t, err)

				due, err := s.DueCards(ctx, sd.deck.ID)
				require.NoError(t, err)
				assert.Empty(t, due)
			},
		},
		{
			name: "referenced deck cannot be deleted",
			check: func(t *testing.T, s *Store, sd seed) {
				err := s.Delete(context.Background(), types.TableDecks, sd.deck.ID)
				assert.ErrorIs(t, err, types.ErrIntegrity)
			},
		},
		{
			name: "revlog rows cannot be deleted",
			check: func(t *testing.T, s *Store, sd seed) {
				err := s.Delete(context.Background(), types.TableRevlog, "r1")
				assert.ErrorIs(t, err, types.ErrUnknownTable)
			},
		},
		{
			name: "config values are stored as JSON",
			check: func(t *testing.T, s *Store, sd seed) {
				ctx := context.Background()
				require.NoError(t, s.SetConfig(ctx, "newPerDay", 20))
				r, err := s.Get(ctx, types.TableConfig, "newPerDay")
				require.NoError(t, err)
				assert.JSONEq(t, "20", string(r.(*types.ConfigEntry).Value))
			},
		},
		{
			name: "integrity check passes on a seeded collection",
			check: func(t *testing.T, s *Store, sd seed) {
				assert.NoError(t, s.CheckIntegrity(context.Background()))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupStore(t, newTestClock())
			tt.check(t, s, seedCollection(t, s))
		})
	}
}

func TestSummaries(t *testing.T) {
	clock := newTestClock()
	s := setupStore(t, clock)
	ctx := context.Background()
	sd := seedCollection(t, s)

	sums, snapshot, err := s.Summaries(ctx, "server")
	require.NoError(t, err)
	assert.Len(t, sums[types.TableNotes], 1)
	assert.Len(t, sums[types.TableCards], 1)
	assert.Equal(t, 5, sums.Count())

	clock.Advance(time.Second)
	_, err = s.Commit(ctx, CommitParams{PeerID: "server", SyncTime: s.Now(), Snapshot: snapshot})
	require.NoError(t, err)

	sums, _, err = s.Summaries(ctx, "server")
	require.NoError(t, err)
	assert.True(t, sums.Empty())

	clock.Advance(time.Second)
	sd.note.Fields[0] = "adiós"
	require.NoError(t, s.PutNote(ctx, sd.note))

	sums, _, err = s.Summaries(ctx, "server")
	require.NoError(t, err)
	assert.Equal(t, types.Summary{{ID: sd.note.ID, Mod: sd.note.Mod}}, sums[types.TableNotes])

	// Another relationship has its own sync point.
	other, _, err := s.Summaries(ctx, "laptop")
	require.NoError(t, err)
	assert.Equal(t, 5, other.Count())
}

func TestCommitKeepsLateEditsPending(t *testing.T) {
	clock := newTestClock()
	s := setupStore(t, clock)
	ctx := context.Background()
	sd := seedCollection(t, s)

	sums, snapshot, err := s.Summaries(ctx, "server")
	require.NoError(t, err)
	ids := make(map[string][]string)
	for table, sum := range sums {
		for _, e := range sum {
			ids[table] = append(ids[table], e.ID)
		}
	}
	_, settled, err := s.BuildPayload(ctx, ids, true)
	require.NoError(t, err)

	// Edited while the session runs, after the summaries were taken.
	clock.Advance(time.Second)
	d := &types.Deck{ID: sd.deck.ID, Name: "Renamed"}
	require.NoError(t, s.PutDeck(ctx, d))

	syncTime := s.Now() + 1000
	res, err := s.Commit(ctx, CommitParams{PeerID: "server", SyncTime: syncTime, Snapshot: snapshot, Settled: settled})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, syncTime+1, res.Mod)

	sums, _, err = s.Summaries(ctx, "server")
	require.NoError(t, err)
	assert.Equal(t, 1, sums.Count())
	assert.Equal(t, sd.deck.ID, sums[types.TableDecks][0].ID)

	m, err := s.Meta(ctx, "server")
	require.NoError(t, err)
	assert.Equal(t, syncTime, m.LastSync)
	assert.True(t, m.Changed())
}

func TestCommitRepushGetsNewerMod(t *testing.T) {
	clock := newTestClock()
	s := setupStore(t, clock)
	ctx := context.Background()
	sd := seedCollection(t, s)

	syncTime := s.Now() + 1000
	_, err := s.Commit(ctx, CommitParams{
		PeerID:   "server",
		SyncTime: syncTime,
		Snapshot: s.Now() + 1000,
		Repush:   map[string][]string{types.TableDecks: {sd.deck.ID}},
	})
	require.NoError(t, err)

	r, err := s.Get(ctx, types.TableDecks, sd.deck.ID)
	require.NoError(t, err)
	assert.Equal(t, syncTime+1, r.RowMod())

	sums, _, err := s.Summaries(ctx, "server")
	require.NoError(t, err)
	assert.Len(t, sums[types.TableDecks], 1)
}
