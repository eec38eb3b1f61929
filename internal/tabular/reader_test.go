package tabular

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHeaders(t *testing.T) {
	path := writeFile(t, "sales.csv", "\uFEFFdate, region ,revenue\n2024-01-01,EU,100\n")

	headers, err := Headers(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"date", "region", "revenue"}, headers)
}

func TestHeadersErrors(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		kind    ErrorKind
		msg     string
	}{
		{name: "missing file", content: nil, kind: KindFileNotFound, msg: "File not found: "},
		{name: "empty file", content: strPtr(""), kind: KindNoHeaders, msg: "CSV file must have a header row"},
		{name: "blank headers", content: strPtr(" , ,\n1,2,3\n"), kind: KindNoHeaders, msg: "CSV file must have a header row"},
		{name: "invalid utf8", content: strPtr("na\xffme,value\n"), kind: KindEncoding, msg: "Invalid CSV file: Encoding error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data.csv")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0o644))
			}

			_, err := Headers(path)
			require.Error(t, err)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestRowCount(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"header only", "a,b\n", 0},
		{"trailing newline", "a,b\n1,2\n3,4\n", 2},
		{"no trailing newline", "a,b\n1,2\n3,4", 2},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := RowCount(writeFile(t, "rows.csv", tt.content))
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	_, err := RowCount(filepath.Join(t.TempDir(), "absent.csv"))
	assert.True(t, IsKind(err, KindFileNotFound))
}

func TestEncodingErrorKind(t *testing.T) {
	dir := t.TempDir()
	badBytes := filepath.Join(dir, "bytes.csv")
	require.NoError(t, os.WriteFile(badBytes, []byte("name,value\n\xff\xfe,1\n"), 0o644))

	_, err := SampleRows(badBytes, 10)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindEncoding), "got %v", err)
	assert.False(t, IsKind(err, KindInvalidCSV))
	assert.Contains(t, err.Error(), "line 2")

	_, err = RowCount(badBytes)
	assert.True(t, IsKind(err, KindEncoding), "got %v", err)
}

func TestSampleRowsReturnsAllWhenSmall(t *testing.T) {
	path := writeFile(t, "small.csv", "region,revenue\nEU,1\nUS,2\nAPAC\n")

	rows, err := SampleRows(path, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "EU", rows[0]["region"])
	assert.Equal(t, "2", rows[1]["revenue"])
	assert.Equal(t, "", rows[2]["revenue"], "short records are padded")
}

func TestSampleRowsSeededIsReproducible(t *testing.T) {
	var b strings.Builder
	b.WriteString("id,value\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "%d,%d\n", i, i*10)
	}
	path := writeFile(t, "big.csv", b.String())

	first, err := SampleRowsSeeded(path, 15, 42)
	require.NoError(t, err)
	second, err := SampleRowsSeeded(path, 15, 42)
	require.NoError(t, err)

	require.Len(t, first, 15)
	assert.Equal(t, first, second)

	seen := map[string]bool{}
	for _, r := range first {
		assert.False(t, seen[r["id"]], "sample must not repeat rows")
		seen[r["id"]] = true
	}
}

func TestCardinality(t *testing.T) {
	path := writeFile(t, "card.csv", "region\nEU\nUS\nEU\nAPAC\nUS\n")

	n, err := Cardinality(path, "region", 1000)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReaderSatisfiesEngineContract(t *testing.T) {
	path := writeFile(t, "r.csv", "a,b\n1,2\n")
	r := NewReader()

	headers, err := r.Headers(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, headers)

	count, err := r.RowCount(path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rows, err := r.SampleRows(path, 5)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func strPtr(s string) *string { return &s }
