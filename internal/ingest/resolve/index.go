package resolve

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/civitas-labs/civicsync/internal/db"
)

// NameIndex is an in-memory index of known politicians keyed by
// {"given family" lowercase, family-name-only lowercase}. It is built once
// per run and shared by every resolution call in that run.
type NameIndex struct {
	byKey map[string]int64
}

// BuildNameIndex loads all politicians and indexes them by full name and
// family name.
func BuildNameIndex(ctx context.Context, pool db.Pool) (*NameIndex, error) {
	rows, err := pool.Query(ctx, `SELECT id, first_name, last_name FROM civic.politicians`)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: load politicians")
	}
	defer rows.Close()

	ix := &NameIndex{byKey: make(map[string]int64)}
	for rows.Next() {
		var id int64
		var first, last string
		if err := rows.Scan(&id, &first, &last); err != nil {
			return nil, eris.Wrap(err, "resolve: scan politician")
		}
		ix.Add(first, last, id)
	}
	return ix, rows.Err()
}

// Add indexes a politician under both the full-name and family-name keys.
// Later additions win on key collisions, matching insertion order semantics.
func (ix *NameIndex) Add(first, last string, id int64) {
	full := strings.ToLower(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	ix.byKey[strings.TrimSpace(full)] = id
	if l := strings.ToLower(strings.TrimSpace(last)); l != "" {
		ix.byKey[l] = id
	}
}

// Len returns the number of index keys.
func (ix *NameIndex) Len() int {
	return len(ix.byKey)
}

// Match finds a politician for a normalized (lowercase, cleaned) name. An
// exact key hit is tried first; otherwise a key matches if it is a substring
// of the name or vice versa. The substring pass is deliberately permissive:
// it trades false positives on shared surnames for recall, and callers treat
// the result as best-effort, not exact identity.
func (ix *NameIndex) Match(normalized string) (int64, bool) {
	if normalized == "" {
		return 0, false
	}
	if id, ok := ix.byKey[normalized]; ok {
		return id, true
	}
	for key, id := range ix.byKey {
		if strings.Contains(normalized, key) || strings.Contains(key, normalized) {
			return id, true
		}
	}
	return 0, false
}
