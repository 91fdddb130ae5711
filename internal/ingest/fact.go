package ingest

import "time"

// Subject identifies the person a fact belongs to, as the upstream source
// spells it. Resolution to a canonical politician ID happens in the upsert
// engine, not in the sources.
type Subject struct {
	Name       string // free-text name, any ordering or punctuation
	ExternalID string // optional stable ID in the source system
	Source     string // alias source system ("bioguide", "fec", "house_fd")
	State      string // fallback attribute for on-the-fly creation
	Party      string // fallback attribute for on-the-fly creation
}

// Fact is one normalized candidate record produced by a source extractor.
// Columns and Values describe the payload after the politician_id column,
// which the upsert engine prepends once the subject is resolved.
//
// A Fact with an empty Table is roster-only: the subject is resolved (with
// alias binding and enrichment side effects) but no fact row is written.
// The FEC candidate master uses this to seed the roster.
type Fact struct {
	Subject      Subject
	Table        string
	Columns      []string
	Values       []any
	ConflictKeys []string  // natural dedup key, including politician_id
	EventTime    time.Time // zero when the source has no reliable timestamp
}
