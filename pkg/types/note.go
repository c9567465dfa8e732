package types

import (
	"sort"
	"strings"
)

// Note holds the field content shared by one or more cards.
// Tags is a set: it is kept sorted and free of duplicates, and merges by
// union rather than overwrite.
type Note struct {
	ID         string   `json:"id"`
	NotetypeID string   `json:"notetype_id"`
	Fields     []string `json:"fields"`
	Tags       []string `json:"tags"`
	Flags      int      `json:"flags"`
	Data       string   `json:"data,omitempty"`
	Mod        int64    `json:"mod"`
}

// RowID implements Row.
func (n *Note) RowID() string { return n.ID }

// RowMod implements Row.
func (n *Note) RowMod() int64 { return n.Mod }

// AddTag adds tag to the note's tag set. Blank tags are ignored.
func (n *Note) AddTag(tag string) {
	n.Tags = NormalizeTags(append(n.Tags, tag))
}

// RemoveTag removes tag from the note's tag set, if present.
func (n *Note) RemoveTag(tag string) {
	out := n.Tags[:0]
	for _, t := range n.Tags {
		if t != tag {
			out = append(out, t)
		}
	}
	n.Tags = out
}

// HasTag reports whether the note carries tag.
func (n *Note) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagDelta records how a note's tag set changed relative to the tag set it
// had at the last successful sync. It travels with the note in a payload so
// the receiver can merge by union without losing a concurrent removal.
type TagDelta struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether the delta carries no change.
func (d TagDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// ComputeTagDelta returns the delta that turns base into current.
func ComputeTagDelta(base, current []string) TagDelta {
	baseSet := tagSet(base)
	curSet := tagSet(current)
	var d TagDelta
	for t := range curSet {
		if !baseSet[t] {
			d.Added = append(d.Added, t)
		}
	}
	for t := range baseSet {
		if !curSet[t] {
			d.Removed = append(d.Removed, t)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}

// NormalizeTags trims, drops blanks and duplicates, and sorts tags.
func NormalizeTags(tags []string) []string {
	set := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || set[t] {
			continue
		}
		set[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// JoinTags renders a tag set in its stored form: space separated with a
// leading and trailing space so single tags can be matched with LIKE.
func JoinTags(tags []string) string {
	tags = NormalizeTags(tags)
	if len(tags) == 0 {
		return ""
	}
	return " " + strings.Join(tags, " ") + " "
}

// SplitTags parses the stored form produced by JoinTags.
func SplitTags(s string) []string {
	return NormalizeTags(strings.Fields(s))
}

func tagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return set
}
