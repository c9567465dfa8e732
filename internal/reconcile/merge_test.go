package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

func TestWinner(t *testing.T) {
	tests := []struct {
		name     string
		merger   Merger
		local    int64
		incoming int64
		want     Side
	}{
		{name: "newer incoming wins", merger: NewHostMerger(), local: 1, incoming: 2, want: Incoming},
		{name: "newer local wins", merger: NewClientMerger(PreferRemote), local: 3, incoming: 2, want: Local},
		{name: "client tie goes to remote", merger: NewClientMerger(PreferRemote), local: 2, incoming: 2, want: Incoming},
		{name: "client tie kept locally", merger: NewClientMerger(PreferLocal), local: 2, incoming: 2, want: Local},
		{name: "host keeps ties", merger: NewHostMerger(), local: 2, incoming: 2, want: Local},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.merger.Winner(tt.local, tt.incoming))
		})
	}
}

func TestPick(t *testing.T) {
	m := NewClientMerger(PreferRemote)
	local := &types.Deck{ID: "d", Name: "local", Mod: 5}
	incoming := &types.Deck{ID: "d", Name: "remote", Mod: 7}

	row, side := m.Pick(local, incoming)
	assert.Equal(t, Incoming, side)
	assert.Equal(t, "remote", row.(*types.Deck).Name)
}

func TestMergeNoteTags(t *testing.T) {
	m := NewClientMerger(PreferRemote)

	t.Run("concurrent additions are both kept", func(t *testing.T) {
		base := []string{"a"}
		local := &types.Note{ID: "n", Fields: []string{"L"}, Tags: []string{"a", "x"}, Mod: 10}
		incoming := &types.Note{ID: "n", Fields: []string{"R"}, Tags: []string{"a", "y"}, Mod: 12}

		out, side := m.MergeNote(local, incoming, base, true, nil)
		assert.Equal(t, Incoming, side)
		assert.Equal(t, []string{"R"}, out.Fields)
		assert.Equal(t, []string{"a", "x", "y"}, out.Tags)
		assert.Equal(t, int64(12), out.Mod)
	})

	t.Run("incoming removal drops the tag", func(t *testing.T) {
		local := &types.Note{ID: "n", Tags: []string{"a", "b", "x"}, Mod: 12}
		incoming := &types.Note{ID: "n", Tags: []string{"b"}, Mod: 10}
		delta := types.TagDelta{Removed: []string{"a"}}

		out, side := m.MergeNote(local, incoming, nil, false, &delta)
		assert.Equal(t, Local, side)
		assert.Equal(t, []string{"b", "x"}, out.Tags)
		assert.Equal(t, int64(12), out.Mod)
	})

	t.Run("no base unions everything", func(t *testing.T) {
		local := &types.Note{ID: "n", Tags: []string{"x"}, Mod: 1}
		incoming := &types.Note{ID: "n", Tags: []string{"y"}, Mod: 2}

		out, _ := m.MergeNote(local, incoming, nil, false, nil)
		assert.Equal(t, []string{"x", "y"}, out.Tags)
	})

	t.Run("merge leaves inputs untouched", func(t *testing.T) {
		local := &types.Note{ID: "n", Fields: []string{"f"}, Tags: []string{"x"}, Mod: 3}
		incoming := &types.Note{ID: "n", Tags: []string{"y"}, Mod: 2}

		out, _ := m.MergeNote(local, incoming, nil, false, nil)
		out.Fields[0] = "changed"
		assert.Equal(t, "f", local.Fields[0])
		assert.Equal(t, []string{"x"}, local.Tags)
	})
}

func TestParseTiePolicy(t *testing.T) {
	p, err := ParseTiePolicy("local")
	require.NoError(t, err)
	assert.Equal(t, PreferLocal, p)

	p, err = ParseTiePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PreferRemote, p)

	_, err = ParseTiePolicy("coin")
	assert.ErrorIs(t, err, types.ErrTieBreakUnknown)
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, Union, StrategyFor(types.TableNotes, "tags"))
	assert.Equal(t, Overwrite, StrategyFor(types.TableNotes, "fields"))
	assert.Equal(t, Overwrite, StrategyFor(types.TableDecks, "name"))
}

func TestGraveWins(t *testing.T) {
	assert.True(t, GraveWins(10, 5))
	assert.True(t, GraveWins(10, 10))
	assert.False(t, GraveWins(10, 11))
}
