package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/civitas-labs/civicsync/internal/config"
	"github.com/civitas-labs/civicsync/internal/fetcher"
	"github.com/civitas-labs/civicsync/internal/ingest"
)

// FEC bulk files are pipe-delimited, headerless, ISO-8859-1. Candidate master
// field positions per the published cn header; contributions per the itcont
// export with committee/candidate columns appended.
const (
	fecCandidateMinFields    = 5
	fecContributionMinFields = 19

	fecCandIDCol    = 0
	fecCandNameCol  = 1
	fecCandPartyCol = 2
	fecCandStateCol = 4

	fecOccupationCol    = 12
	fecTxnDateCol       = 13
	fecTxnAmountCol     = 14
	fecCommitteeNameCol = 15
	fecCandidateIDCol   = 16
	fecCandidateNameCol = 17
)

// FEC ingests the candidate master (roster and fec aliases) and the
// individual contributions bulk file for one election cycle.
type FEC struct {
	cfg config.FECConfig
	log *zap.Logger
}

// NewFEC creates the campaign-finance source.
func NewFEC(cfg config.FECConfig) *FEC {
	return &FEC{
		cfg: cfg,
		log: zap.L().With(zap.String("component", "source.fec")),
	}
}

func (s *FEC) Name() string { return "fec" }

func (s *FEC) WatermarkKey() string { return "contribution_date" }

// fecArchive is one bulk ZIP to mirror locally.
type fecArchive struct {
	url      string
	filename string
}

func (s *FEC) archives() []fecArchive {
	base := s.cfg.BulkBaseURL
	if s.cfg.MirrorURL != "" {
		base = s.cfg.MirrorURL
	}
	yy := s.cfg.CycleYear % 100
	return []fecArchive{
		{
			url:      fmt.Sprintf("%s/%d/cn%02d.zip", base, s.cfg.CycleYear, yy),
			filename: fmt.Sprintf("cn%02d.zip", yy),
		},
		{
			url:      fmt.Sprintf("%s/%d/indiv%02d.zip", base, s.cfg.CycleYear, yy),
			filename: fmt.Sprintf("indiv%02d.zip", yy),
		},
	}
}

// Fetch mirrors both archives and extracts them. An archive whose validator or
// content digest matches the cached value is skipped; changed reports whether
// any archive produced fresh data. An ftp:// base routes through the FTP
// fetcher with digest-only change detection.
func (s *FEC) Fetch(ctx context.Context, env *ingest.Env) ([]string, bool, error) {
	dir := filepath.Join(env.DataDir, "fec")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, eris.Wrap(err, "fec: create data dir")
	}

	var files []string
	for _, a := range s.archives() {
		dest := filepath.Join(dir, a.filename)

		fresh, digest, err := s.fetchArchive(ctx, env, a, dest)
		if err != nil {
			return nil, false, err
		}
		if !fresh {
			s.log.Info("archive unchanged", zap.String("url", a.url))
			continue
		}

		extracted, err := fetcher.ExtractZIPSingle(dest, dir)
		if err != nil {
			return nil, false, eris.Wrapf(err, "fec: extract %s", a.filename)
		}
		files = append(files, extracted)

		etag, _ := env.HTTP.HeadETag(ctx, a.url)
		if err := env.Detector.Commit(ctx, a.url, etag, digest, dest); err != nil {
			s.log.Warn("failed to record fetch metadata", zap.String("url", a.url), zap.Error(err))
		}
	}

	return files, len(files) > 0, nil
}

// fetchArchive downloads one archive, returning fresh=false when change
// detection shows the cached copy is still current.
func (s *FEC) fetchArchive(ctx context.Context, env *ingest.Env, a fecArchive, dest string) (bool, string, error) {
	if strings.HasPrefix(a.url, "ftp://") {
		if env.FTP == nil {
			return false, "", eris.Errorf("fec: ftp mirror %s configured but no FTP fetcher", a.url)
		}
		if _, err := env.FTP.DownloadToFile(ctx, a.url, dest); err != nil {
			return false, "", ingest.Transient(eris.Wrapf(err, "fec: download %s", a.url))
		}
		digest, err := fileDigest(dest)
		if err != nil {
			return false, "", err
		}
		if !env.Force {
			same, err := env.Detector.Unchanged(ctx, a.url, digest)
			if err != nil {
				return false, "", err
			}
			if same {
				return false, digest, nil
			}
		}
		return true, digest, nil
	}

	if !env.Force {
		needs, err := env.Detector.NeedsFetch(ctx, a.url)
		if err != nil {
			return false, "", err
		}
		if !needs {
			return false, "", nil
		}
	}

	_, digest, err := env.HTTP.DownloadResumable(ctx, a.url, dest)
	if err != nil {
		return false, "", ingest.Transient(eris.Wrapf(err, "fec: download %s", a.url))
	}

	if !env.Force {
		same, err := env.Detector.Unchanged(ctx, a.url, digest)
		if err != nil {
			return false, "", err
		}
		if same {
			return false, digest, nil
		}
	}
	return true, digest, nil
}

// Extract parses the extracted bulk files. Candidate master rows become
// roster-only records; contribution rows become contribution facts keyed to
// the candidate they supported.
func (s *FEC) Extract(ctx context.Context, files []string) ([]ingest.Fact, error) {
	var facts []ingest.Fact
	for _, path := range files {
		name := strings.ToLower(filepath.Base(path))
		var (
			parsed []ingest.Fact
			err    error
		)
		switch {
		case strings.HasPrefix(name, "cn"):
			parsed, err = s.parseCandidates(ctx, path)
		case strings.HasPrefix(name, "itcont"), strings.HasPrefix(name, "indiv"):
			parsed, err = s.parseContributions(ctx, path)
		default:
			s.log.Warn("unrecognized bulk file", zap.String("path", path))
			continue
		}
		facts = append(facts, parsed...)
		if err != nil {
			return facts, err
		}
	}
	return facts, nil
}

func (s *FEC) openCSV(ctx context.Context, path string) (*os.File, <-chan []string, <-chan error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, eris.Wrapf(err, "fec: open %s", path)
	}
	rows, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		Delimiter: '|',
		TrimSpace: true,
		Encoding:  charmap.ISO8859_1,
	})
	return f, rows, errCh, nil
}

func (s *FEC) parseCandidates(ctx context.Context, path string) ([]ingest.Fact, error) {
	f, rows, errCh, err := s.openCSV(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var facts []ingest.Fact
	var total, short int
	for rec := range rows {
		total++
		if len(rec) < fecCandidateMinFields {
			short++
			continue
		}
		name := rec[fecCandNameCol]
		party := rec[fecCandPartyCol]
		if name == "" || party == "" {
			continue
		}
		facts = append(facts, ingest.Fact{
			Subject: ingest.Subject{
				Name:       name,
				ExternalID: rec[fecCandIDCol],
				Source:     "fec",
				State:      rec[fecCandStateCol],
				Party:      party,
			},
		})
	}
	if err := <-errCh; err != nil {
		return facts, eris.Wrapf(err, "fec: read %s", path)
	}
	if total > 0 && short == total {
		return nil, &ingest.SchemaMismatchError{
			Source: "fec",
			Detail: fmt.Sprintf("candidate master: every row has fewer than %d fields", fecCandidateMinFields),
		}
	}
	s.log.Info("candidate master parsed",
		zap.String("path", path),
		zap.Int("rows", total),
		zap.Int("candidates", len(facts)),
	)
	return facts, nil
}

func (s *FEC) parseContributions(ctx context.Context, path string) ([]ingest.Fact, error) {
	f, rows, errCh, err := s.openCSV(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var facts []ingest.Fact
	var total, short, malformed int
	for rec := range rows {
		total++
		if len(rec) < fecContributionMinFields {
			short++
			continue
		}

		candidate := rec[fecCandidateNameCol]
		amountText := rec[fecTxnAmountCol]
		if candidate == "" || amountText == "" {
			continue
		}

		amount, err := strconv.ParseFloat(amountText, 64)
		if err != nil {
			malformed++
			continue
		}
		date, ok := parseDate(rec[fecTxnDateCol], "01/02/2006", "01022006", "2006-01-02")
		if !ok {
			malformed++
			continue
		}

		organization := rec[fecCommitteeNameCol]
		if organization == "" {
			organization = "Unknown"
		}
		industry := rec[fecOccupationCol]
		if industry == "" {
			industry = "Unknown"
		}

		facts = append(facts, ingest.Fact{
			Subject: ingest.Subject{
				Name:       candidate,
				ExternalID: rec[fecCandidateIDCol],
				Source:     "fec",
			},
			Table:        "civic.contributions",
			Columns:      []string{"organization", "amount", "contribution_date", "industry"},
			Values:       []any{organization, amount, date, industry},
			ConflictKeys: []string{"politician_id", "organization", "contribution_date", "amount"},
			EventTime:    date,
		})
	}
	if err := <-errCh; err != nil {
		return facts, eris.Wrapf(err, "fec: read %s", path)
	}
	if total > 0 && short == total {
		return nil, &ingest.SchemaMismatchError{
			Source: "fec",
			Detail: fmt.Sprintf("contributions: every row has fewer than %d fields", fecContributionMinFields),
		}
	}
	s.log.Info("contributions parsed",
		zap.String("path", path),
		zap.Int("rows", total),
		zap.Int("facts", len(facts)),
		zap.Int("malformed", malformed),
	)
	return facts, nil
}
