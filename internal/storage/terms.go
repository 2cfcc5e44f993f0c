package storage

import (
	"sort"
	"strings"

	"profilestore/internal/domain"
)

// NormalizeTerm maps a search query or an indexed attribute onto the form
// stored in the search index.
func NormalizeTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Terms returns the search terms indexed for rec: username, email and every
// whitespace separated token of the display name.
func Terms(rec domain.ProfileRecord) []string {
	seen := make(map[string]struct{})
	add := func(s string) {
		if t := NormalizeTerm(s); t != "" {
			seen[t] = struct{}{}
		}
	}
	add(rec.Username)
	add(rec.Email)
	for _, tok := range strings.Fields(rec.Name) {
		add(tok)
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MutationFor builds the mutation that folds ev, read at offset, into a
// partition.
func MutationFor(offset int64, ev domain.ChangeEvent) Mutation {
	m := Mutation{Offset: offset, Key: ev.Key, EventID: ev.EventID}
	if ev.Type == domain.EventDelete || ev.Profile == nil {
		return m
	}
	rec := *ev.Profile
	m.Record = &rec
	m.Terms = Terms(rec)
	return m
}
