package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) [][]string {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	require.NoError(t, <-errCh)
	return rows
}

func TestStreamCSVPipeDelimited(t *testing.T) {
	input := "H0CA01001|SMITH, JOHN|REP|CA\nH0TX02002|DOE, JANE|DEM|TX\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter:  '|',
		LazyQuotes: true,
	})

	rows := collectRows(t, rowCh, errCh)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"H0CA01001", "SMITH, JOHN", "REP", "CA"}, rows[0])
	assert.Equal(t, []string{"H0TX02002", "DOE, JANE", "DEM", "TX"}, rows[1])
}

func TestStreamCSVISO88591(t *testing.T) {
	// "MUÑOZ" with Ñ encoded as the single ISO-8859-1 byte 0xD1.
	input := []byte("C001|MU\xd1OZ, MARIA\n")
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(string(input)), CSVOptions{
		Delimiter: '|',
		Encoding:  charmap.ISO8859_1,
	})

	rows := collectRows(t, rowCh, errCh)
	require.Len(t, rows, 1)
	assert.Equal(t, "MUÑOZ, MARIA", rows[0][1])
}

func TestStreamCSVHeader(t *testing.T) {
	input := "id|name\n1|Alice\n2|Bob\n"
	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter: '|',
		HasHeader: true,
		HeaderCh:  headerCh,
	})

	rows := collectRows(t, rowCh, errCh)
	assert.Equal(t, []string{"id", "name"}, <-headerCh)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "Alice"}, rows[0])
}

func TestStreamCSVTrimSpace(t *testing.T) {
	input := " a | b \n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter: '|',
		TrimSpace: true,
	})

	rows := collectRows(t, rowCh, errCh)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"a", "b"}, rows[0])
}

func TestStreamCSVVariableFields(t *testing.T) {
	input := "a|b|c\nd|e\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{Delimiter: '|'})

	rows := collectRows(t, rowCh, errCh)
	require.Len(t, rows, 2)
	assert.Len(t, rows[0], 3)
	assert.Len(t, rows[1], 2)
}

func TestStreamCSVContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a|b\n"), CSVOptions{Delimiter: '|'})
	for range rowCh {
	}
	require.Error(t, <-errCh)
}
