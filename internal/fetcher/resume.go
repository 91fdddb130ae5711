package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DownloadResumable downloads rawURL to dest, resuming a previous partial
// download if one exists. Progress is written to dest + ".part" and the part
// file is renamed onto dest only after the body has been fully consumed, so
// dest is never left truncated.
//
// The returned digest is the hex SHA-256 of the complete file content. When
// resuming, the existing prefix is hashed before the Range request is issued
// so the digest always covers the whole file. A server that ignores the Range
// header and replies 200 causes the part file to be truncated and the
// download to restart from byte zero.
//
// On failure the part file is left in place for the next attempt.
func (f *HTTPFetcher) DownloadResumable(ctx context.Context, rawURL string, dest string) (int64, string, error) {
	partPath := dest + ".part"

	part, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, "", eris.Wrap(err, "resume: open part file")
	}
	defer part.Close() //nolint:errcheck

	hasher := sha256.New()

	// Hash whatever we already have so the final digest covers the full file.
	offset, err := io.Copy(hasher, part)
	if err != nil {
		return 0, "", eris.Wrap(err, "resume: hash existing prefix")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", eris.Wrap(err, "resume: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return 0, "", eris.Wrapf(err, "resume: download %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Server honored the Range header; append after the prefix.
	case http.StatusOK:
		// Range ignored (or nothing to resume); start over from byte zero.
		if offset > 0 {
			zap.L().Debug("resume: server ignored range, restarting",
				zap.String("url", rawURL),
				zap.Int64("discarded_bytes", offset),
			)
			if err := part.Truncate(0); err != nil {
				return 0, "", eris.Wrap(err, "resume: truncate part file")
			}
			if _, err := part.Seek(0, io.SeekStart); err != nil {
				return 0, "", eris.Wrap(err, "resume: seek part file")
			}
			hasher = sha256.New()
			offset = 0
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// Offset at or past EOF; the part file already holds the full body.
	default:
		return 0, "", eris.Errorf("resume: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	var written int64
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		written, err = io.Copy(io.MultiWriter(part, hasher), resp.Body)
		if err != nil {
			// Keep the part file so the next attempt can resume.
			return offset + written, "", eris.Wrapf(err, "resume: read body of %s", rawURL)
		}
	}

	if err := part.Sync(); err != nil {
		return offset + written, "", eris.Wrap(err, "resume: sync part file")
	}
	if err := part.Close(); err != nil {
		return offset + written, "", eris.Wrap(err, "resume: close part file")
	}

	if err := os.Rename(partPath, dest); err != nil {
		return offset + written, "", eris.Wrap(err, "resume: rename part file")
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	total := offset + written

	zap.L().Debug("resume: download complete",
		zap.String("url", rawURL),
		zap.String("dest", dest),
		zap.Int64("bytes", total),
		zap.Int64("resumed_from", offset),
	)

	return total, digest, nil
}
