package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas-labs/civicsync/internal/config"
)

const billStatusXML = `<?xml version="1.0" encoding="UTF-8"?>
<billStatus>
  <bill>
    <billNumber>1234</billNumber>
    <billType>HR</billType>
    <title>Infrastructure Investment Act</title>
    <congress>118</congress>
    <cosponsors>
      <cosponsor bioguideId="S000148" state="NY" party="D" sponsorshipDate="2024-03-01">Charles Schumer</cosponsor>
      <cosponsor state="CA" party="D">No Bioguide</cosponsor>
    </cosponsors>
    <actions>
      <action>
        <actionDate>2024-03-05</actionDate>
        <recordedVote>
          <date>2024-03-05</date>
          <legislator>
            <fullName>John Smith</fullName>
            <vote>Yea</vote>
            <party>R</party>
            <state>TX</state>
            <bioguideId>S000001</bioguideId>
          </legislator>
          <legislator>
            <fullName></fullName>
            <vote>Nay</vote>
          </legislator>
        </recordedVote>
      </action>
    </actions>
  </bill>
</billStatus>`

func TestCongressExtractBill(t *testing.T) {
	path := writeFile(t, t.TempDir(), "BILLSTATUS-118hr1234.xml", []byte(billStatusXML))

	s := NewCongress(config.CongressConfig{})
	facts, err := s.Extract(context.Background(), []string{path})
	require.NoError(t, err)
	require.Len(t, facts, 2) // cosponsor without bioguide and nameless legislator dropped

	cosponsor := facts[0]
	assert.Equal(t, "Charles Schumer", cosponsor.Subject.Name)
	assert.Equal(t, "S000148", cosponsor.Subject.ExternalID)
	assert.Equal(t, "bioguide", cosponsor.Subject.Source)
	assert.Equal(t, "NY", cosponsor.Subject.State)
	assert.Equal(t, "civic.votes", cosponsor.Table)
	assert.Equal(t, "HR. 1234", cosponsor.Values[0])
	assert.Equal(t, "Infrastructure Investment Act", cosponsor.Values[1])
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), cosponsor.Values[2])
	assert.Equal(t, "Cosponsor", cosponsor.Values[3])

	vote := facts[1]
	assert.Equal(t, "John Smith", vote.Subject.Name)
	assert.Equal(t, "S000001", vote.Subject.ExternalID)
	assert.Equal(t, "Yea", vote.Values[3])
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), vote.EventTime)
}

func TestCongressExtractDropsUnparseableDates(t *testing.T) {
	const xmlDoc = `<?xml version="1.0" encoding="UTF-8"?>
<billStatus>
  <bill>
    <billNumber>9</billNumber>
    <billType>S</billType>
    <title>Example Act</title>
    <cosponsors>
      <cosponsor bioguideId="A000001" state="VT" party="D" sponsorshipDate="not-a-date">Alice Alpha</cosponsor>
    </cosponsors>
    <actions>
      <action>
        <recordedVote>
          <date></date>
          <legislator>
            <fullName>Bob Beta</fullName>
            <vote>Nay</vote>
          </legislator>
        </recordedVote>
      </action>
    </actions>
  </bill>
</billStatus>`
	path := writeFile(t, t.TempDir(), "BILLSTATUS-118s9.xml", []byte(xmlDoc))

	s := NewCongress(config.CongressConfig{})
	facts, err := s.Extract(context.Background(), []string{path})
	require.NoError(t, err)
	// Neither record carries a usable date, so neither may become a fact
	// with an invented event time.
	assert.Empty(t, facts)
}

func TestCongressExtractSkipsNonXML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "notes.txt", []byte("not xml"))

	s := NewCongress(config.CongressConfig{})
	facts, err := s.Extract(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestCongressExtractKeepsFactsOnPartialFailure(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.xml", []byte(billStatusXML))
	bad := writeFile(t, dir, "bad.xml", []byte("<billStatus><bill><billNumber>1</billNumber>"))

	s := NewCongress(config.CongressConfig{})
	facts, err := s.Extract(context.Background(), []string{good, bad})
	require.Error(t, err)
	assert.Len(t, facts, 2)
}

func TestCongressFetchNoValidBillTypes(t *testing.T) {
	env, _ := newTestEnv(t)
	s := NewCongress(config.CongressConfig{BillTypes: []string{"bogus"}})

	_, _, err := s.Fetch(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid bill types")
}

func TestCongressFetchUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
	}))
	defer srv.Close()

	env, mock := newTestEnv(t)
	url := srv.URL + "/118/hr/BILLSTATUS-118hr.zip"
	etag := `"v1"`
	digest := "abc"
	mock.ExpectQuery(`SELECT url, etag, sha256, filepath, last_checked`).
		WithArgs(url).
		WillReturnRows(pgxmock.NewRows(
			[]string{"url", "etag", "sha256", "filepath", "last_checked"},
		).AddRow(url, &etag, &digest, (*string)(nil), time.Now()))

	s := NewCongress(config.CongressConfig{
		BulkDataURL: srv.URL,
		Number:      118,
		BillTypes:   []string{"hr"},
	})
	files, changed, err := s.Fetch(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, files)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCongressFetchSessionOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
	}))
	defer srv.Close()

	env, mock := newTestEnv(t)
	env.Session = 119

	// Change detection is keyed by URL, so the expectation only matches when
	// the override replaced the configured session number.
	url := srv.URL + "/119/hr/BILLSTATUS-119hr.zip"
	etag := `"v1"`
	digest := "abc"
	mock.ExpectQuery(`SELECT url, etag, sha256, filepath, last_checked`).
		WithArgs(url).
		WillReturnRows(pgxmock.NewRows(
			[]string{"url", "etag", "sha256", "filepath", "last_checked"},
		).AddRow(url, &etag, &digest, (*string)(nil), time.Now()))

	s := NewCongress(config.CongressConfig{
		BulkDataURL: srv.URL,
		Number:      118,
		BillTypes:   []string{"hr"},
	})
	_, changed, err := s.Fetch(context.Background(), env)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCongressName(t *testing.T) {
	s := NewCongress(config.CongressConfig{})
	assert.Equal(t, "congress", s.Name())
	assert.Equal(t, "vote_date", s.WatermarkKey())
}
