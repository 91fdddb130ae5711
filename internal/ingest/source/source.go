// Package source holds the concrete upstream data sources registered with the
// ingest engine: FEC bulk campaign-finance files, govinfo BILLSTATUS bulk
// data, and House periodic transaction report filings.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
)

// fileDigest returns the hex SHA-256 of a local file. Used for change
// detection on transports that have no validator of their own (FTP).
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "digest %s", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "digest %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseDate tries each layout in order.
func parseDate(value string, layouts ...string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
