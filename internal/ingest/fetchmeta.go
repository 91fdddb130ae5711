package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/db"
	"github.com/civitas-labs/civicsync/internal/fetcher"
)

// FetchMeta is a row in civic.fetch_cache: the validator and digest recorded
// after the last successful fetch of a resource.
type FetchMeta struct {
	URL         string
	ETag        string
	SHA256      string
	Filepath    string
	LastChecked time.Time
}

// ChangeDetector decides whether a remote resource has changed since the last
// successful fetch, using stored cache validators. It fails open: any
// transport error during the check means "assume changed" so real updates are
// never silently skipped.
type ChangeDetector struct {
	pool  db.Pool
	fetch fetcher.Fetcher
	log   *zap.Logger
}

// NewChangeDetector creates a ChangeDetector backed by civic.fetch_cache.
func NewChangeDetector(pool db.Pool, f fetcher.Fetcher) *ChangeDetector {
	return &ChangeDetector{
		pool:  pool,
		fetch: f,
		log:   zap.L().With(zap.String("component", "ingest.changedetect")),
	}
}

// Lookup returns the stored fetch metadata for a URL, or nil if the resource
// has never been fetched.
func (c *ChangeDetector) Lookup(ctx context.Context, url string) (*FetchMeta, error) {
	var m FetchMeta
	var etag, digest, path *string
	err := c.pool.QueryRow(ctx,
		`SELECT url, etag, sha256, filepath, last_checked FROM civic.fetch_cache WHERE url = $1`,
		url,
	).Scan(&m.URL, &etag, &digest, &path, &m.LastChecked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "changedetect: lookup %s", url)
	}
	if etag != nil {
		m.ETag = *etag
	}
	if digest != nil {
		m.SHA256 = *digest
	}
	if path != nil {
		m.Filepath = *path
	}
	return &m, nil
}

// NeedsFetch reports whether the resource should be downloaded. It issues a
// HEAD request carrying no body; if the server's ETag matches the stored
// validator the resource is unchanged. Resources never seen before, servers
// without ETags, and transport errors all report true.
func (c *ChangeDetector) NeedsFetch(ctx context.Context, url string) (bool, error) {
	meta, err := c.Lookup(ctx, url)
	if err != nil {
		return true, err
	}
	if meta == nil || meta.ETag == "" {
		return true, nil
	}

	etag, err := c.fetch.HeadETag(ctx, url)
	if err != nil {
		c.log.Warn("head request failed, assuming changed",
			zap.String("url", url),
			zap.Error(err),
		)
		return true, nil
	}
	if etag == "" {
		return true, nil
	}

	if etag == meta.ETag {
		c.log.Debug("resource unchanged", zap.String("url", url), zap.String("etag", etag))
		return false, nil
	}
	return true, nil
}

// Unchanged reports whether a freshly computed content digest matches the
// stored one. Used after downloading from servers that expose no usable
// validator: the body must be transferred, but reprocessing can be skipped.
func (c *ChangeDetector) Unchanged(ctx context.Context, url, digest string) (bool, error) {
	meta, err := c.Lookup(ctx, url)
	if err != nil {
		return false, err
	}
	if meta == nil || meta.SHA256 == "" || digest == "" {
		return false, nil
	}
	return meta.SHA256 == digest, nil
}

// Commit persists the validator, digest, and local path after a successful
// full fetch. Validators are never stored speculatively: an aborted or
// partial fetch leaves the previous row intact.
func (c *ChangeDetector) Commit(ctx context.Context, url, etag, digest, path string) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO civic.fetch_cache (url, etag, sha256, filepath, last_checked)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (url)
		 DO UPDATE SET etag = $2, sha256 = $3, filepath = $4, last_checked = now()`,
		url, etag, digest, path,
	)
	if err != nil {
		return eris.Wrapf(err, "changedetect: commit %s", url)
	}
	return nil
}
