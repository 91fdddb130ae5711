package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas-labs/civicsync/internal/config"
)

// fakeExtractor returns canned text per PDF path.
type fakeExtractor struct {
	texts map[string]string
	err   error
}

func (f *fakeExtractor) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.texts[pdfPath], nil
}

const filingText = `Periodic Transaction Report
Name: Hon. John Smith
Filing Date: 3/15/2024

Transactions
Apple Inc Common Stock Purchase $1,001 - $15,000
Microsoft Corp 3/10/2024 S $50,000
`

func TestParseFiling(t *testing.T) {
	facts := parseFiling(filingText)
	require.Len(t, facts, 2)

	buy := facts[0]
	assert.Equal(t, "Hon. John Smith", buy.Subject.Name)
	assert.Equal(t, "ptr", buy.Subject.Source)
	assert.Equal(t, "civic.stock_trades", buy.Table)
	assert.Equal(t, "Apple Inc Common Stock", buy.Values[0])
	// Range form has no transaction date; the filing date backstops it.
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), buy.Values[1])
	assert.Equal(t, "BUY", buy.Values[2])
	assert.Equal(t, "$1,001 - $15,000", buy.Values[3])
	assert.Equal(t, false, buy.Values[4])

	sell := facts[1]
	assert.Equal(t, "Microsoft Corp", sell.Values[0])
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), sell.Values[1])
	assert.Equal(t, "SELL", sell.Values[2])
	assert.Equal(t, "$50,000", sell.Values[3])
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), sell.EventTime)
}

func TestParseFilingNoFilerName(t *testing.T) {
	assert.Nil(t, parseFiling("Apple Inc Purchase $1,001 - $15,000"))
}

func TestParseFilingNoFilingDate(t *testing.T) {
	const text = `Name: Hon. John Smith
Apple Inc Common Stock Purchase $1,001 - $15,000
Microsoft Corp 3/10/2024 S $50,000
Oracle Corp 13/40/2024 P $1,000
`
	facts := parseFiling(text)
	// Without a filing date the range transaction has no date to carry, and
	// the impossible calendar date is dropped; neither gets an invented event
	// time that would advance the watermark.
	require.Len(t, facts, 1)
	assert.Equal(t, "Microsoft Corp", facts[0].Values[0])
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), facts[0].EventTime)
}

func TestTradesExtract(t *testing.T) {
	ext := &fakeExtractor{texts: map[string]string{"/tmp/a.pdf": filingText}}
	s := NewTrades(config.TradesConfig{}, ext)

	facts, err := s.Extract(context.Background(), []string{"/tmp/a.pdf"})
	require.NoError(t, err)
	assert.Len(t, facts, 2)
}

func TestTradesExtractErrorKeepsGoodFilings(t *testing.T) {
	ext := &fakeExtractor{err: eris.New("ocr unavailable")}
	s := NewTrades(config.TradesConfig{}, ext)

	facts, err := s.Extract(context.Background(), []string{"/tmp/a.pdf"})
	require.Error(t, err)
	assert.Empty(t, facts)
}

func TestTradesFetchLimitsAndCaches(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/PTR.aspx":
			_, _ = w.Write([]byte(`<html>
				<a href="` + srvURL + `/pdfs/ptr-2024-001.pdf">first</a>
				<a href="` + srvURL + `/pdfs/ptr-2024-002.pdf">second</a>
				<a href="` + srvURL + `/pdfs/annual-report.pdf">not a ptr</a>
			</html>`))
		default:
			_, _ = w.Write([]byte("%PDF-1.4 fake"))
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	env, mock := newTestEnv(t)
	first := srv.URL + "/pdfs/ptr-2024-001.pdf"
	expectNeverFetched(mock, first) // Lookup miss triggers download
	mock.ExpectExec(`INSERT INTO civic\.fetch_cache`).
		WithArgs(first, "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := NewTrades(config.TradesConfig{
		DisclosureURL: srv.URL,
		MaxFilings:    1,
	}, &fakeExtractor{})

	files, changed, err := s.Fetch(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "ptr-2024-001.pdf")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradesFetchLookupError(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<a href="` + srvURL + `/pdfs/ptr-2024-001.pdf">x</a>`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	env, mock := newTestEnv(t)
	link := srv.URL + "/pdfs/ptr-2024-001.pdf"
	mock.ExpectQuery(`SELECT url, etag, sha256, filepath, last_checked`).
		WithArgs(link).
		WillReturnError(eris.New("connection lost"))

	s := NewTrades(config.TradesConfig{DisclosureURL: srv.URL}, &fakeExtractor{})
	files, changed, err := s.Fetch(context.Background(), env)
	require.Error(t, err)
	assert.False(t, changed)
	assert.Empty(t, files)
}

func TestTradesFetchAllCached(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<a href="` + srvURL + `/pdfs/ptr-2024-001.pdf">x</a>`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	env, mock := newTestEnv(t)
	cached := srv.URL + "/pdfs/ptr-2024-001.pdf"
	etag := ""
	digest := "abc"
	mock.ExpectQuery(`SELECT url, etag, sha256, filepath, last_checked`).
		WithArgs(cached).
		WillReturnRows(pgxmock.NewRows(
			[]string{"url", "etag", "sha256", "filepath", "last_checked"},
		).AddRow(cached, &etag, &digest, (*string)(nil), time.Now()))

	s := NewTrades(config.TradesConfig{DisclosureURL: srv.URL}, &fakeExtractor{})
	files, changed, err := s.Fetch(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, files)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradesName(t *testing.T) {
	s := NewTrades(config.TradesConfig{}, &fakeExtractor{})
	assert.Equal(t, "trades", s.Name())
	assert.Equal(t, "trade_date", s.WatermarkKey())
}
