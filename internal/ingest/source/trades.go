package source

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/config"
	"github.com/civitas-labs/civicsync/internal/ingest"
	"github.com/civitas-labs/civicsync/internal/pdftext"
)

var (
	ptrLinkPattern    = regexp.MustCompile(`(?i)href="([^"]+\.pdf)"`)
	filerNamePattern  = regexp.MustCompile(`(?m)^\s*Name:\s*(.+?)\s*$`)
	filingDatePattern = regexp.MustCompile(`Filing Date:\s*(\d{1,2}/\d{1,2}/\d{4})`)

	// Two transaction layouts show up in periodic transaction reports: a
	// spelled-out type with a dollar range, and a dated single-letter form.
	rangeTxnPattern = regexp.MustCompile(
		`(?i)(?P<asset>\S[^\n$]*?)\s+(?P<type>Purchase|Sale)\s+(?P<amount>\$[\d,]+\s*-\s*\$[\d,]+)`)
	datedTxnPattern = regexp.MustCompile(
		`(?i)(?P<asset>\S[^\n$]*?)\s+(?P<date>\d{1,2}/\d{1,2}/\d{4})\s+(?P<type>P|S)\s+(?P<amount>\$[\d,]+)`)
)

// Trades ingests House periodic transaction report filings: scrape the
// disclosure index for PTR PDFs, pull the newest ones, and extract stock
// transactions from the PDF text.
type Trades struct {
	cfg       config.TradesConfig
	extractor pdftext.Extractor
	log       *zap.Logger
}

// NewTrades creates the stock-disclosure source.
func NewTrades(cfg config.TradesConfig, extractor pdftext.Extractor) *Trades {
	return &Trades{
		cfg:       cfg,
		extractor: extractor,
		log:       zap.L().With(zap.String("component", "source.trades")),
	}
}

func (s *Trades) Name() string { return "trades" }

func (s *Trades) WatermarkKey() string { return "trade_date" }

// Fetch scrapes the PTR index and downloads filings not yet in the fetch
// cache, newest first, up to the configured per-run cap. Filings are
// immutable once published, so a cached URL is never re-downloaded.
func (s *Trades) Fetch(ctx context.Context, env *ingest.Env) ([]string, bool, error) {
	dir := filepath.Join(env.DataDir, "trades", "pdfs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, eris.Wrap(err, "trades: create data dir")
	}

	links, err := s.scrapeIndex(ctx, env)
	if err != nil {
		return nil, false, err
	}
	if s.cfg.MaxFilings > 0 && len(links) > s.cfg.MaxFilings {
		links = links[:s.cfg.MaxFilings]
	}

	var files []string
	var attempted, failed int
	for _, link := range links {
		if !env.Force {
			meta, err := env.Detector.Lookup(ctx, link)
			if err != nil {
				return files, false, err
			}
			if meta != nil {
				continue
			}
		}

		attempted++
		dest := filepath.Join(dir, path.Base(mustPath(link)))
		if _, err := env.HTTP.DownloadToFile(ctx, link, dest); err != nil {
			failed++
			s.log.Warn("filing download failed", zap.String("url", link), zap.Error(err))
			continue
		}

		digest, err := fileDigest(dest)
		if err != nil {
			return files, false, err
		}
		if err := env.Detector.Commit(ctx, link, "", digest, dest); err != nil {
			s.log.Warn("failed to record fetch metadata", zap.String("url", link), zap.Error(err))
		}
		files = append(files, dest)
	}

	if attempted > 0 && failed == attempted {
		return nil, false, ingest.Transient(
			eris.Errorf("trades: all %d filing downloads failed", attempted))
	}
	s.log.Info("filings fetched",
		zap.Int("index_links", len(links)),
		zap.Int("downloaded", len(files)),
		zap.Int("failed", failed),
	)
	return files, len(files) > 0, nil
}

// scrapeIndex pulls PDF links from the PTR index page.
func (s *Trades) scrapeIndex(ctx context.Context, env *ingest.Env) ([]string, error) {
	indexURL := s.cfg.DisclosureURL + "/PTR.aspx"
	body, err := env.HTTP.Download(ctx, indexURL)
	if err != nil {
		return nil, ingest.Transient(eris.Wrapf(err, "trades: fetch index %s", indexURL))
	}
	defer body.Close()

	html, err := io.ReadAll(body)
	if err != nil {
		return nil, ingest.Transient(eris.Wrap(err, "trades: read index"))
	}

	seen := make(map[string]bool)
	var links []string
	for _, m := range ptrLinkPattern.FindAllStringSubmatch(string(html), -1) {
		href := m[1]
		if !strings.Contains(strings.ToLower(href), "ptr") {
			continue
		}
		if !strings.HasPrefix(href, "http") {
			href = s.cfg.DisclosureURL + "/" + strings.TrimPrefix(href, "/")
		}
		if seen[href] {
			continue
		}
		seen[href] = true
		links = append(links, href)
	}
	return links, nil
}

func mustPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

// Extract runs text extraction over each filing and parses transactions. A
// filing that yields no text or no filer name is skipped.
func (s *Trades) Extract(ctx context.Context, files []string) ([]ingest.Fact, error) {
	var facts []ingest.Fact
	var firstErr error
	for _, pdf := range files {
		text, err := s.extractor.ExtractText(ctx, pdf)
		if err != nil {
			s.log.Warn("text extraction failed", zap.String("path", pdf), zap.Error(err))
			if firstErr == nil {
				firstErr = eris.Wrapf(err, "trades: extract %s", filepath.Base(pdf))
			}
			continue
		}
		parsed := parseFiling(text)
		if len(parsed) == 0 {
			s.log.Debug("no transactions in filing", zap.String("path", pdf))
		}
		facts = append(facts, parsed...)
	}
	return facts, firstErr
}

// parseFiling extracts transactions from one filing's text. The filer's name
// and filing date come from the header; the filing date backstops
// transactions without their own date. Event times feed the watermark, so a
// transaction whose date cannot be established is dropped, never invented.
func parseFiling(text string) []ingest.Fact {
	var filer string
	if m := filerNamePattern.FindStringSubmatch(text); m != nil {
		filer = strings.TrimSpace(m[1])
	}
	if filer == "" {
		return nil
	}

	var filingDate time.Time
	haveFilingDate := false
	if m := filingDatePattern.FindStringSubmatch(text); m != nil {
		if d, ok := parseDate(m[1], "1/2/2006"); ok {
			filingDate, haveFilingDate = d, true
		}
	}

	var facts []ingest.Fact
	if haveFilingDate {
		for _, m := range rangeTxnPattern.FindAllStringSubmatch(text, -1) {
			facts = append(facts, tradeFact(filer, m[1], m[2], m[3], filingDate))
		}
	}
	for _, m := range datedTxnPattern.FindAllStringSubmatch(text, -1) {
		date, ok := parseDate(m[2], "1/2/2006")
		if !ok {
			continue
		}
		facts = append(facts, tradeFact(filer, m[1], m[3], m[4], date))
	}
	return facts
}

func tradeFact(filer, asset, txnType, amount string, date time.Time) ingest.Fact {
	var tradeType string
	switch strings.ToUpper(strings.TrimSpace(txnType)) {
	case "P", "PURCHASE":
		tradeType = "BUY"
	case "S", "SALE":
		tradeType = "SELL"
	default:
		tradeType = "UNKNOWN"
	}

	return ingest.Fact{
		Subject: ingest.Subject{
			Name:   filer,
			Source: "ptr",
		},
		Table:        "civic.stock_trades",
		Columns:      []string{"stock_name", "trade_date", "trade_type", "amount", "potential_conflict"},
		Values:       []any{strings.TrimSpace(asset), date, tradeType, normalizeAmount(amount), false},
		ConflictKeys: []string{"politician_id", "stock_name", "trade_date", "trade_type"},
		EventTime:    date,
	}
}

// normalizeAmount collapses whitespace inside a dollar range.
func normalizeAmount(amount string) string {
	return strings.Join(strings.Fields(amount), " ")
}
