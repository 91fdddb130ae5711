package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civitas-labs/civicsync/internal/config"
	"github.com/civitas-labs/civicsync/internal/fetcher"
	"github.com/civitas-labs/civicsync/internal/ingest"
)

// congressDownloadParallelism bounds concurrent BILLSTATUS archive downloads.
const congressDownloadParallelism = 3

var validBillTypes = map[string]bool{
	"hr": true, "s": true, "hjres": true, "sjres": true,
	"hconres": true, "sconres": true, "hres": true, "sres": true,
}

// Congress ingests govinfo BILLSTATUS bulk data: cosponsorships and recorded
// roll-call votes, both carrying bioguide IDs that bootstrap the roster.
type Congress struct {
	cfg config.CongressConfig
	log *zap.Logger
}

// NewCongress creates the legislative-activity source.
func NewCongress(cfg config.CongressConfig) *Congress {
	return &Congress{
		cfg: cfg,
		log: zap.L().With(zap.String("component", "source.congress")),
	}
}

func (s *Congress) Name() string { return "congress" }

func (s *Congress) WatermarkKey() string { return "vote_date" }

// Fetch downloads one BILLSTATUS archive per configured bill type, up to
// three at a time, and extracts the per-bill XML files. A failed bill type is
// logged and skipped; Fetch errors only when every type failed.
func (s *Congress) Fetch(ctx context.Context, env *ingest.Env) ([]string, bool, error) {
	dir := filepath.Join(env.DataDir, "congress")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, eris.Wrap(err, "congress: create data dir")
	}

	billTypes := make([]string, 0, len(s.cfg.BillTypes))
	for _, bt := range s.cfg.BillTypes {
		if !validBillTypes[bt] {
			s.log.Warn("skipping invalid bill type", zap.String("bill_type", bt))
			continue
		}
		billTypes = append(billTypes, bt)
	}
	if len(billTypes) == 0 {
		return nil, false, eris.New("congress: no valid bill types configured")
	}

	var (
		mu       sync.Mutex
		files    []string
		failures []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(congressDownloadParallelism)
	for _, bt := range billTypes {
		g.Go(func() error {
			extracted, err := s.fetchBillType(gctx, env, dir, bt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One bill type failing should not sink the others.
				s.log.Warn("bill type download failed", zap.String("bill_type", bt), zap.Error(err))
				failures = append(failures, fmt.Sprintf("%s: %v", bt, err))
				return nil
			}
			files = append(files, extracted...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	if len(files) == 0 {
		if len(failures) == len(billTypes) {
			return nil, false, ingest.Transient(
				eris.Errorf("congress: all bill type downloads failed: %s", strings.Join(failures, "; ")))
		}
		return nil, false, nil // everything unchanged
	}
	return files, true, nil
}

// session returns the congress number for this run: the per-run override from
// the trigger boundary when set, the configured number otherwise.
func (s *Congress) session(env *ingest.Env) int {
	if env.Session > 0 {
		return env.Session
	}
	return s.cfg.Number
}

// fetchBillType mirrors and extracts one BILLSTATUS archive. Returns no files
// when change detection shows the archive is current.
func (s *Congress) fetchBillType(ctx context.Context, env *ingest.Env, dir, billType string) ([]string, error) {
	number := s.session(env)
	url := fmt.Sprintf("%s/%d/%s/BILLSTATUS-%d%s.zip", s.cfg.BulkDataURL, number, billType, number, billType)
	dest := filepath.Join(dir, fmt.Sprintf("BILLSTATUS-%d%s.zip", number, billType))

	if !env.Force {
		needs, err := env.Detector.NeedsFetch(ctx, url)
		if err != nil {
			return nil, err
		}
		if !needs {
			return nil, nil
		}
	}

	_, digest, err := env.HTTP.DownloadResumable(ctx, url, dest)
	if err != nil {
		return nil, ingest.Transient(eris.Wrapf(err, "download %s", url))
	}

	if !env.Force {
		same, err := env.Detector.Unchanged(ctx, url, digest)
		if err != nil {
			return nil, err
		}
		if same {
			return nil, nil
		}
	}

	extractDir := filepath.Join(dir, fmt.Sprintf("billstatus-%d%s", number, billType))
	files, err := fetcher.ExtractZIP(dest, extractDir)
	if err != nil {
		return nil, eris.Wrapf(err, "extract %s", dest)
	}

	etag, _ := env.HTTP.HeadETag(ctx, url)
	if err := env.Detector.Commit(ctx, url, etag, digest, dest); err != nil {
		s.log.Warn("failed to record fetch metadata", zap.String("url", url), zap.Error(err))
	}
	return files, nil
}

// billMetaXML captures the bill identity fields from a BILLSTATUS document.
type billMetaXML struct {
	Number string `xml:"billNumber"`
	Type   string `xml:"billType"`
	Title  string `xml:"title"`
}

// cosponsorXML is one cosponsor entry; the bioguide ID and attributes ride on
// the element, the display name is the text content.
type cosponsorXML struct {
	BioguideID      string `xml:"bioguideId,attr"`
	State           string `xml:"state,attr"`
	Party           string `xml:"party,attr"`
	SponsorshipDate string `xml:"sponsorshipDate,attr"`
	Name            string `xml:",chardata"`
}

// recordedVoteXML is one roll-call vote block with per-legislator positions.
type recordedVoteXML struct {
	Date        string          `xml:"date"`
	Legislators []legislatorXML `xml:"legislator"`
}

type legislatorXML struct {
	FullName   string `xml:"fullName"`
	Vote       string `xml:"vote"`
	Party      string `xml:"party"`
	State      string `xml:"state"`
	BioguideID string `xml:"bioguideId"`
}

// Extract parses every bill file into vote facts: cosponsorships become
// "Cosponsor" votes, recorded roll calls become one vote per legislator.
// A file that fails to parse is skipped; Extract returns whatever facts it
// accumulated alongside the first file error.
func (s *Congress) Extract(ctx context.Context, files []string) ([]ingest.Fact, error) {
	var facts []ingest.Fact
	var firstErr error
	var failed int
	for _, path := range files {
		if !strings.HasSuffix(strings.ToLower(path), ".xml") {
			continue
		}
		parsed, err := s.extractBill(ctx, path)
		facts = append(facts, parsed...)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		s.log.Warn("some bill files failed to parse", zap.Int("failed", failed))
	}
	return facts, firstErr
}

func (s *Congress) extractBill(ctx context.Context, path string) ([]ingest.Fact, error) {
	meta, err := s.billMeta(ctx, path)
	if err != nil {
		return nil, err
	}
	billName := strings.TrimSpace(fmt.Sprintf("%s. %s", meta.Type, meta.Number))

	var facts []ingest.Fact

	cosponsors, err := streamFile[cosponsorXML](ctx, path, "cosponsor")
	if err != nil {
		return facts, err
	}
	for _, c := range cosponsors {
		name := strings.TrimSpace(c.Name)
		if name == "" || c.BioguideID == "" {
			continue
		}
		// Event times feed the watermark: a record without a real date is
		// dropped, never given a fabricated one.
		date, ok := parseDate(c.SponsorshipDate, "2006-01-02")
		if !ok {
			continue
		}
		facts = append(facts, voteFactFor(name, c.BioguideID, c.State, c.Party,
			billName, meta.Title, "Cosponsor", date))
	}

	rolls, err := streamFile[recordedVoteXML](ctx, path, "recordedVote")
	if err != nil {
		return facts, err
	}
	for _, roll := range rolls {
		date, ok := parseDate(roll.Date, "2006-01-02")
		if !ok {
			continue
		}
		for _, leg := range roll.Legislators {
			if leg.FullName == "" || leg.Vote == "" {
				continue
			}
			facts = append(facts, voteFactFor(leg.FullName, leg.BioguideID, leg.State, leg.Party,
				billName, meta.Title, leg.Vote, date))
		}
	}

	return facts, nil
}

func (s *Congress) billMeta(ctx context.Context, path string) (billMetaXML, error) {
	metas, err := streamFile[billMetaXML](ctx, path, "bill")
	if err != nil {
		return billMetaXML{}, err
	}
	if len(metas) == 0 {
		return billMetaXML{}, &ingest.SchemaMismatchError{
			Source: "congress",
			Detail: fmt.Sprintf("%s: no bill element", filepath.Base(path)),
		}
	}
	return metas[0], nil
}

// streamFile collects all elements of one name from an XML file.
func streamFile[T any](ctx context.Context, path, element string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "congress: open %s", path)
	}
	defer f.Close()

	out, errCh := fetcher.StreamXML[T](ctx, f, element)
	var items []T
	for item := range out {
		items = append(items, item)
	}
	if err := <-errCh; err != nil {
		return items, eris.Wrapf(err, "congress: parse %s", path)
	}
	return items, nil
}

func voteFactFor(name, bioguideID, state, party, billName, description, result string, date time.Time) ingest.Fact {
	return ingest.Fact{
		Subject: ingest.Subject{
			Name:       name,
			ExternalID: bioguideID,
			Source:     "bioguide",
			State:      state,
			Party:      party,
		},
		Table:        "civic.votes",
		Columns:      []string{"bill_name", "bill_description", "vote_date", "vote_result"},
		Values:       []any{billName, description, date, result},
		ConflictKeys: []string{"politician_id", "bill_name", "vote_date"},
		EventTime:    date,
	}
}
