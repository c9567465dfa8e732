package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoteTags(t *testing.T) {
	n := &Note{ID: "n1"}
	n.AddTag("verbs")
	n.AddTag("  spanish ")
	n.AddTag("verbs")
	n.AddTag("")
	assert.Equal(t, []string{"spanish", "verbs"}, n.Tags)
	assert.True(t, n.HasTag("verbs"))

	n.RemoveTag("verbs")
	assert.Equal(t, []string{"spanish"}, n.Tags)
	assert.False(t, n.HasTag("verbs"))

	n.RemoveTag("missing")
	assert.Equal(t, []string{"spanish"}, n.Tags)
}

func TestComputeTagDelta(t *testing.T) {
	tests := []struct {
		name        string
		base        []string
		current     []string
		wantAdded   []string
		wantRemoved []string
	}{
		{
			name:    "no change",
			base:    []string{"a", "b"},
			current: []string{"b", "a"},
		},
		{
			name:      "added only",
			base:      []string{"a"},
			current:   []string{"a", "c", "b"},
			wantAdded: []string{"b", "c"},
		},
		{
			name:        "removed only",
			base:        []string{"a", "b"},
			current:     []string{"b"},
			wantRemoved: []string{"a"},
		},
		{
			name:        "added and removed",
			base:        []string{"old"},
			current:     []string{"new"},
			wantAdded:   []string{"new"},
			wantRemoved: []string{"old"},
		},
		{
			name:      "empty base",
			current:   []string{"x"},
			wantAdded: []string{"x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ComputeTagDelta(tt.base, tt.current)
			assert.Equal(t, tt.wantAdded, d.Added)
			assert.Equal(t, tt.wantRemoved, d.Removed)
			assert.Equal(t, len(tt.wantAdded)+len(tt.wantRemoved) == 0, d.Empty())
		})
	}
}

func TestJoinSplitTags(t *testing.T) {
	assert.Equal(t, "", JoinTags(nil))
	assert.Equal(t, " a b ", JoinTags([]string{"b", "a", "b"}))
	assert.Equal(t, []string{"a", "b"}, SplitTags(" b a "))
	assert.Empty(t, SplitTags(""))
}
