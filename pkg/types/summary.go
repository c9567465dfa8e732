package types

import "sort"

// SummaryEntry is the fingerprint of one changed row.
type SummaryEntry struct {
	ID  string `json:"id"`
	Mod int64  `json:"mod"`
}

// Summary lists the rows of one table changed since the last sync point,
// ordered by id.
type Summary []SummaryEntry

// Sort orders the summary by id.
func (s Summary) Sort() {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

// Index returns the summary as an id -> mod map.
func (s Summary) Index() map[string]int64 {
	m := make(map[string]int64, len(s))
	for _, e := range s {
		m[e.ID] = e.Mod
	}
	return m
}

// Summaries maps each syncable table name to its change summary. They are
// built fresh for every session and never stored.
type Summaries map[string]Summary

// Empty reports whether no table has a changed row.
func (s Summaries) Empty() bool {
	for _, sum := range s {
		if len(sum) > 0 {
			return false
		}
	}
	return true
}

// Count returns the number of changed rows across all tables.
func (s Summaries) Count() int {
	n := 0
	for _, sum := range s {
		n += len(sum)
	}
	return n
}
