package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/db"
)

// ErrUnresolvable signals that a name could not be mapped to a politician and
// no record could be created for it (e.g. a single-token name). Callers must
// decide explicitly to skip the record.
var ErrUnresolvable = eris.New("resolve: unresolvable name")

// Match describes how a name was resolved.
type Match int

const (
	// MatchAlias means the (source, external_id) pair matched an existing alias.
	MatchAlias Match = iota
	// MatchName means the permissive substring name heuristic found a politician.
	MatchName
	// MatchCreated means a new politician record was created for the name.
	MatchCreated
)

func (m Match) String() string {
	switch m {
	case MatchAlias:
		return "alias"
	case MatchName:
		return "name"
	case MatchCreated:
		return "created"
	default:
		return "unknown"
	}
}

// Attrs carries fallback attributes for politicians created on the fly.
type Attrs struct {
	State string
	Party string
}

// Resolver maps free-text names to politician IDs. It owns the politicians
// and politician_aliases tables and the per-run name index.
type Resolver struct {
	pool  db.Pool
	index *NameIndex
	log   *zap.Logger
}

// NewResolver builds the name index from the current roster and returns a
// resolver for this run.
func NewResolver(ctx context.Context, pool db.Pool) (*Resolver, error) {
	index, err := BuildNameIndex(ctx, pool)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "ingest.resolve"))
	log.Debug("name index built", zap.Int("keys", index.Len()))
	return &Resolver{pool: pool, index: index, log: log}, nil
}

// Resolve maps a name (plus an optional stable external ID) to a politician
// ID, in priority order: alias lookup, name-index heuristic, on-the-fly
// creation. When an external ID is supplied it is bound as an alias for the
// resolved politician and the record is opportunistically enriched from
// source-specific rules. Returns ErrUnresolvable when the name cannot yield
// a politician; it never silently drops a record.
func (r *Resolver) Resolve(ctx context.Context, name, externalID, source string, fallback Attrs) (int64, Match, error) {
	if externalID != "" {
		id, ok, err := r.aliasLookup(ctx, source, externalID)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			return id, MatchAlias, nil
		}
	}

	normalized := NormalizeName(name)
	if normalized == "" {
		return 0, 0, eris.Wrapf(ErrUnresolvable, "empty name %q", name)
	}

	if id, ok := r.index.Match(normalized); ok {
		if err := r.bindAlias(ctx, id, source, externalID); err != nil {
			return 0, 0, err
		}
		r.enrich(ctx, id, source, externalID)
		return id, MatchName, nil
	}

	id, err := r.create(ctx, name, fallback)
	if err != nil {
		return 0, 0, err
	}
	if err := r.bindAlias(ctx, id, source, externalID); err != nil {
		return 0, 0, err
	}
	r.enrich(ctx, id, source, externalID)
	return id, MatchCreated, nil
}

// aliasLookup returns the politician bound to (source, externalID), if any.
func (r *Resolver) aliasLookup(ctx context.Context, source, externalID string) (int64, bool, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT politician_id FROM civic.politician_aliases WHERE source = $1 AND external_id = $2`,
		source, externalID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, eris.Wrapf(err, "resolve: alias lookup %s/%s", source, externalID)
	}
	return id, true, nil
}

// create inserts a new politician from the name's first/last tokens and adds
// it to the index so later records in the same run resolve to the same ID.
func (r *Resolver) create(ctx context.Context, name string, fallback Attrs) (int64, error) {
	first, last, ok := SplitName(name)
	if !ok {
		return 0, eris.Wrapf(ErrUnresolvable, "single-token name %q", name)
	}

	state := fallback.State
	if state == "" {
		state = "Unknown"
	}
	party := fallback.Party
	if party == "" {
		party = "Unknown"
	}

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO civic.politicians (first_name, last_name, state, party)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		first, last, state, party,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "resolve: create politician %q", name)
	}

	r.index.Add(first, last, id)
	r.log.Info("created politician",
		zap.Int64("id", id),
		zap.String("name", first+" "+last),
		zap.String("state", state),
	)
	return id, nil
}

// bindAlias records (source, externalID) for a politician. Re-binding the
// same pair is a no-op, never an error.
func (r *Resolver) bindAlias(ctx context.Context, politicianID int64, source, externalID string) error {
	if externalID == "" {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO civic.politician_aliases (politician_id, source, external_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (source, external_id) DO NOTHING`,
		politicianID, source, externalID,
	)
	if err != nil {
		return eris.Wrapf(err, "resolve: bind alias %s/%s", source, externalID)
	}
	return nil
}

// enrich applies source-specific attribute derivation. Enrichment is
// best-effort: failures are logged and never fail the resolution.
func (r *Resolver) enrich(ctx context.Context, politicianID int64, source, externalID string) {
	if externalID == "" {
		return
	}

	var err error
	switch source {
	case "bioguide":
		_, err = r.pool.Exec(ctx,
			`UPDATE civic.politicians SET photo_url = $1, bioguide_id = $2 WHERE id = $3`,
			PhotoURL(externalID), externalID, politicianID,
		)
	case "fec":
		_, err = r.pool.Exec(ctx,
			`UPDATE civic.politicians SET fec_candidate_id = $1 WHERE id = $2`,
			externalID, politicianID,
		)
	}
	if err != nil {
		r.log.Warn("enrichment update failed",
			zap.Int64("politician_id", politicianID),
			zap.String("source", source),
			zap.Error(err),
		)
	}
}

// PhotoURL builds a pipe-joined primary|fallback photo URL pair from a
// bioguide ID. The frontend tries the URLs in order.
func PhotoURL(bioguideID string) string {
	if bioguideID == "" {
		return ""
	}
	primary := fmt.Sprintf("https://theunitedstates.io/images/congress/450x550/%s.jpg", bioguideID)
	fallback := fmt.Sprintf("https://bioguide-cloudfront.house.gov/bioguide/photo/%s/%s.jpg",
		strings.ToUpper(bioguideID[:1]), bioguideID)
	return primary + "|" + fallback
}
