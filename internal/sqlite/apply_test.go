package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/decksync/internal/reconcile"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

var clientMerger = reconcile.NewClientMerger(reconcile.PreferRemote)

// markSynced commits every current row as synced with peer.
func markSynced(t *testing.T, s *Store, clock *testClock, peer string) {
	t.Helper()
	ctx := context.Background()
	sums, snapshot, err := s.Summaries(ctx, peer)
	require.NoError(t, err)
	ids := make(map[string][]string)
	for table, sum := range sums {
		for _, e := range sum {
			ids[table] = append(ids[table], e.ID)
		}
	}
	_, settled, err := s.BuildPayload(ctx, ids, true)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Commit(ctx, CommitParams{PeerID: peer, SyncTime: s.Now(), Snapshot: snapshot, Settled: settled})
	require.NoError(t, err)
	clock.Advance(time.Second)
}

func TestApplyPayload(t *testing.T) {
	tests := []struct {
		name  string
		check func(t *testing.T, s *Store, clock *testClock, sd seed)
	}{
		{
			name: "new rows are inserted",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				p := &types.Payload{}
				p.Add(&types.Deck{ID: "d2", Name: "Remote", Mod: 100})
				p.Add(&types.Note{ID: "n2", NotetypeID: sd.notetype.ID, Fields: []string{"a", "b"}, Tags: []string{"new"}, Mod: 100})
				p.Add(&types.Card{ID: "c2", NoteID: "n2", DeckID: "d2", Due: 3, Mod: 100})

				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 3, res.Total())
				assert.Empty(t, res.Conflicts)

				n, err := s.GetNote(ctx, "n2")
				require.NoError(t, err)
				assert.Equal(t, int64(100), n.Mod)
				_, err = s.Get(ctx, types.TableTags, "new")
				assert.NoError(t, err)
				due, err := s.DueCards(ctx, "d2")
				require.NoError(t, err)
				assert.Len(t, due, 1)
			},
		},
		{
			name: "clean rows are replaced",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				markSynced(t, s, clock, "server")

				p := &types.Payload{}
				p.Add(&types.Deck{ID: sd.deck.ID, Name: "Older but changed remotely", Mod: sd.deck.Mod - 1})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Empty(t, res.Conflicts)

				r, err := s.Get(ctx, types.TableDecks, sd.deck.ID)
				require.NoError(t, err)
				assert.Equal(t, "Older but changed remotely", r.(*types.Deck).Name)
			},
		},
		{
			name: "newer remote edit wins a conflict",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				p := &types.Payload{}
				p.Add(&types.Deck{ID: sd.deck.ID, Name: "Remote", Mod: sd.deck.Mod + 10})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				require.Len(t, res.Conflicts, 1)
				assert.Equal(t, reconcile.Incoming, res.Conflicts[0].Winner)
				assert.Empty(t, res.Diverged[types.TableDecks])

				r, err := s.Get(ctx, types.TableDecks, sd.deck.ID)
				require.NoError(t, err)
				assert.Equal(t, "Remote", r.(*types.Deck).Name)
			},
		},
		{
			name: "older remote edit loses a conflict",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				p := &types.Payload{}
				p.Add(&types.Deck{ID: sd.deck.ID, Name: "Remote", Mod: sd.deck.Mod - 10})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				require.Len(t, res.Conflicts, 1)
				assert.Equal(t, reconcile.Local, res.Conflicts[0].Winner)
				assert.Equal(t, []string{sd.deck.ID}, res.Diverged[types.TableDecks])

				r, err := s.Get(ctx, types.TableDecks, sd.deck.ID)
				require.NoError(t, err)
				assert.Equal(t, "Default", r.(*types.Deck).Name)
			},
		},
		{
			name: "concurrent tag additions are unioned",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				markSynced(t, s, clock, "server")

				sd.note.AddTag("local")
				require.NoError(t, s.PutNote(ctx, sd.note))

				remote := *sd.note
				remote.Tags = []string{"remote", "spanish"}
				remote.Mod = sd.note.Mod + 5
				p := &types.Payload{}
				p.Add(&remote)
				_, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)

				got, err := s.GetNote(ctx, sd.note.ID)
				require.NoError(t, err)
				assert.Equal(t, []string{"local", "remote", "spanish"}, got.Tags)
			},
		},
		{
			name: "remote tag removal is honoured",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				markSynced(t, s, clock, "server")

				sd.note.AddTag("local")
				require.NoError(t, s.PutNote(ctx, sd.note))

				remote := *sd.note
				remote.Tags = nil
				remote.Mod = sd.note.Mod + 5
				p := &types.Payload{}
				p.Add(&remote)
				_, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)

				got, err := s.GetNote(ctx, sd.note.ID)
				require.NoError(t, err)
				assert.Equal(t, []string{"local"}, got.Tags)
			},
		},
		{
			name: "grave deletes an older row",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				p := &types.Payload{}
				p.Add(&types.Grave{Table: types.TableNotes, Target: sd.note.ID, Mod: sd.note.Mod + 1})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 1, res.Applied[types.TableGraves])

				_, err = s.GetNote(ctx, sd.note.ID)
				assert.ErrorIs(t, err, types.ErrNotFound)
				_, err = s.GetCard(ctx, sd.card.ID)
				assert.ErrorIs(t, err, types.ErrNotFound)
			},
		},
		{
			name: "newer edit survives a grave",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				p := &types.Payload{}
				p.Add(&types.Grave{Table: types.TableNotes, Target: sd.note.ID, Mod: sd.note.Mod - 1})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 1, res.Skipped)
				require.Len(t, res.Conflicts, 1)
				assert.True(t, res.Conflicts[0].Deleted)

				_, err = s.GetNote(ctx, sd.note.ID)
				assert.NoError(t, err)
			},
		},
		{
			name: "local grave beats an older incoming row",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				old := *sd.deck
				d := &types.Deck{Name: "Spare"}
				require.NoError(t, s.PutDeck(ctx, d))
				require.NoError(t, s.Delete(ctx, types.TableDecks, d.ID))

				stale := &types.Deck{ID: d.ID, Name: "Spare", Mod: old.Mod}
				p := &types.Payload{}
				p.Add(stale)
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 1, res.Skipped)

				_, err = s.Get(ctx, types.TableDecks, d.ID)
				assert.ErrorIs(t, err, types.ErrNotFound)
			},
		},
		{
			name: "card edit under a deleted note is buried",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				require.NoError(t, s.Delete(ctx, types.TableNotes, sd.note.ID))
				clock.Advance(time.Second)

				edited := *sd.card
				edited.Due = 42
				edited.Mod = s.Now()
				p := &types.Payload{}
				p.Add(&edited)
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 1, res.Skipped)
				require.Len(t, res.Conflicts, 1)
				assert.True(t, res.Conflicts[0].Deleted)
				assert.Equal(t, reconcile.Local, res.Conflicts[0].Winner)

				_, err = s.GetCard(ctx, sd.card.ID)
				assert.ErrorIs(t, err, types.ErrNotFound)
				g, err := s.Get(ctx, types.TableGraves, types.GraveID(types.TableCards, sd.card.ID))
				require.NoError(t, err)
				assert.Equal(t, edited.Mod, g.RowMod(), "the grave covers the edit")
				assert.NotContains(t, res.Stamps[types.TableGraves], g.RowID(), "the sender still needs the grave")
			},
		},
		{
			name: "new card under a deleted deck is buried",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				d := &types.Deck{Name: "Spare"}
				require.NoError(t, s.PutDeck(ctx, d))
				require.NoError(t, s.Delete(ctx, types.TableDecks, d.ID))

				p := &types.Payload{}
				p.Add(&types.Card{ID: "c9", NoteID: sd.note.ID, DeckID: d.ID, Mod: 100})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 1, res.Skipped)

				_, err = s.GetCard(ctx, "c9")
				assert.ErrorIs(t, err, types.ErrNotFound)
				_, err = s.Get(ctx, types.TableGraves, types.GraveID(types.TableCards, "c9"))
				assert.NoError(t, err)
			},
		},
		{
			name: "note grave buries a newer card edit",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				grave := &types.Grave{Table: types.TableNotes, Target: sd.note.ID, Mod: sd.card.Mod}
				clock.Advance(time.Second)
				sd.card.Due = 42
				require.NoError(t, s.PutCard(ctx, sd.card))

				p := &types.Payload{}
				p.Add(grave)
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				require.Len(t, res.Conflicts, 1)
				assert.Equal(t, types.TableCards, res.Conflicts[0].Table)
				assert.Equal(t, reconcile.Incoming, res.Conflicts[0].Winner)

				_, err = s.GetNote(ctx, sd.note.ID)
				assert.ErrorIs(t, err, types.ErrNotFound)
				_, err = s.GetCard(ctx, sd.card.ID)
				assert.ErrorIs(t, err, types.ErrNotFound)
				g, err := s.Get(ctx, types.TableGraves, types.GraveID(types.TableCards, sd.card.ID))
				require.NoError(t, err)
				assert.Equal(t, sd.card.Mod, g.RowMod())
			},
		},
		{
			name: "older grave keeps the newer local one",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				require.NoError(t, s.Delete(ctx, types.TableNotes, sd.note.ID))
				id := types.GraveID(types.TableCards, sd.card.ID)
				local, err := s.Get(ctx, types.TableGraves, id)
				require.NoError(t, err)

				p := &types.Payload{}
				p.Add(&types.Grave{Table: types.TableCards, Target: sd.card.ID, Mod: local.RowMod() - 1})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 1, res.Skipped)

				g, err := s.Get(ctx, types.TableGraves, id)
				require.NoError(t, err)
				assert.Equal(t, local.RowMod(), g.RowMod())
			},
		},
		{
			name: "revlog entries are inserted once",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				p := &types.Payload{}
				p.Add(&types.RevlogEntry{ID: "r1", CardID: sd.card.ID, Ease: 3, Mod: 50})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 1, res.Applied[types.TableRevlog])

				res, err = s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)
				assert.Equal(t, 0, res.Applied[types.TableRevlog])
			},
		},
		{
			name: "dangling card fails its table only",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				p := &types.Payload{}
				p.Add(&types.Deck{ID: "d9", Name: "Applied", Mod: 100})
				p.Add(&types.Card{ID: "c9", NoteID: "missing", DeckID: "d9", Mod: 100})

				_, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.ErrorIs(t, err, types.ErrIntegrity)

				_, err = s.Get(ctx, types.TableDecks, "d9")
				assert.NoError(t, err)
				_, err = s.GetCard(ctx, "c9")
				assert.ErrorIs(t, err, types.ErrNotFound)
			},
		},
		{
			name: "applied rows do not return to the sender",
			check: func(t *testing.T, s *Store, clock *testClock, sd seed) {
				ctx := context.Background()
				markSynced(t, s, clock, "server")
				_, snapshot, err := s.Summaries(ctx, "server")
				require.NoError(t, err)

				p := &types.Payload{}
				p.Add(&types.Deck{ID: "d2", Name: "Remote", Mod: 100})
				res, err := s.ApplyPayload(ctx, "server", p, clientMerger)
				require.NoError(t, err)

				clock.Advance(time.Second)
				_, err = s.Commit(ctx, CommitParams{PeerID: "server", SyncTime: s.Now(), Snapshot: snapshot, Settled: res.Stamps})
				require.NoError(t, err)

				sums, _, err := s.Summaries(ctx, "server")
				require.NoError(t, err)
				assert.True(t, sums.Empty())

				// A different peer still needs the row, despite its old mod.
				sums, _, err = s.Summaries(ctx, "laptop")
				require.NoError(t, err)
				assert.Contains(t, sums[types.TableDecks], types.SummaryEntry{ID: "d2", Mod: 100})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newTestClock()
			s := setupStore(t, clock)
			tt.check(t, s, clock, seedCollection(t, s))
		})
	}
}

func TestBuildPayloadTagDeltas(t *testing.T) {
	clock := newTestClock()
	s := setupStore(t, clock)
	ctx := context.Background()
	sd := seedCollection(t, s)

	p, stamps, err := s.BuildPayload(ctx, map[string][]string{types.TableNotes: {sd.note.ID, "gone"}}, true)
	require.NoError(t, err)
	require.Len(t, p.Notes, 1)
	assert.Equal(t, types.TagDelta{Added: []string{"spanish"}}, p.TagDeltas[sd.note.ID])
	assert.Contains(t, stamps[types.TableNotes], sd.note.ID)

	markSynced(t, s, clock, "server")
	sd.note.RemoveTag("spanish")
	sd.note.AddTag("verbs")
	require.NoError(t, s.PutNote(ctx, sd.note))

	p, _, err = s.BuildPayload(ctx, map[string][]string{types.TableNotes: {sd.note.ID}}, true)
	require.NoError(t, err)
	assert.Equal(t, types.TagDelta{Added: []string{"verbs"}, Removed: []string{"spanish"}}, p.TagDeltas[sd.note.ID])

	p, _, err = s.BuildPayload(ctx, map[string][]string{types.TableNotes: {sd.note.ID}}, false)
	require.NoError(t, err)
	assert.Nil(t, p.TagDeltas)
}
