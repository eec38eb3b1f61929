// Package tabular reads headers, row counts and row samples from CSV files
// and infers primitive column types from sampled values.
package tabular

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"math/rand"
	"os"
	"sort"
	"strings"
	"unicode/utf8"
)

// Row maps header name to cell value.
type Row map[string]string

const utf8BOM = "\uFEFF"

// Reader is the concrete file reader used by the investigation engine.
type Reader struct{}

// NewReader returns a Reader.
func NewReader() *Reader { return &Reader{} }

func (Reader) Headers(path string) ([]string, error)        { return Headers(path) }
func (Reader) SampleRows(path string, n int) ([]Row, error) { return SampleRows(path, n) }
func (Reader) RowCount(path string) (int, error)            { return RowCount(path) }

func open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(path)
		}
		return nil, invalid(path, err.Error())
	}
	return f, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr
}

func checkUTF8(path string, record []string, line int) error {
	for _, field := range record {
		if !utf8.ValidString(field) {
			return encodingError(path, line)
		}
	}
	return nil
}

func readHeaderRecord(path string, cr *csv.Reader) ([]string, error) {
	record, err := cr.Read()
	if err == io.EOF {
		return nil, noHeaders(path)
	}
	if err != nil {
		return nil, invalid(path, err.Error())
	}
	if err := checkUTF8(path, record, 1); err != nil {
		return nil, err
	}

	headers := make([]string, len(record))
	blank := true
	for i, h := range record {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		headers[i] = strings.TrimSpace(h)
		if headers[i] != "" {
			blank = false
		}
	}
	if blank {
		return nil, noHeaders(path)
	}
	return headers, nil
}

// Headers returns the trimmed column names from the first record.
func Headers(path string) ([]string, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readHeaderRecord(path, newCSVReader(f))
}

// ReadAll returns the headers and every data row.
func ReadAll(path string) ([]string, []Row, error) {
	f, err := open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	cr := newCSVReader(f)
	headers, err := readHeaderRecord(path, cr)
	if err != nil {
		return nil, nil, err
	}

	var rows []Row
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, invalid(path, err.Error())
		}
		line, _ := cr.FieldPos(0)
		if err := checkUTF8(path, record, line); err != nil {
			return nil, nil, err
		}
		row := make(Row, len(headers))
		for i, h := range headers {
			if i < len(record) {
				row[h] = record[i]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

// SampleRows returns all rows when the file has at most n, otherwise a
// random sample of n rows kept in file order.
func SampleRows(path string, n int) ([]Row, error) {
	return sampleRows(path, n, rand.New(rand.NewSource(rand.Int63())))
}

// SampleRowsSeeded is SampleRows with a reproducible sample.
func SampleRowsSeeded(path string, n int, seed int64) ([]Row, error) {
	return sampleRows(path, n, rand.New(rand.NewSource(seed)))
}

func sampleRows(path string, n int, rng *rand.Rand) ([]Row, error) {
	_, rows, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	if len(rows) <= n {
		return rows, nil
	}

	idx := rng.Perm(len(rows))[:n]
	sort.Ints(idx)
	sample := make([]Row, n)
	for i, j := range idx {
		sample[i] = rows[j]
	}
	return sample, nil
}

// RowCount counts physical lines after the header line.
func RowCount(path string) (int, error) {
	f, err := open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)
	lines := 0
	lineNo := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			if !utf8.Valid(bytes.TrimSuffix(line, []byte{'\n'})) {
				return 0, encodingError(path, lineNo)
			}
			lines++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, invalid(path, err.Error())
		}
	}
	if lines == 0 {
		return 0, nil
	}
	return lines - 1, nil
}

// ColumnValues projects one column out of rows.
func ColumnValues(rows []Row, column string) []string {
	values := make([]string, 0, len(rows))
	for _, r := range rows {
		values = append(values, r[column])
	}
	return values
}

// Cardinality counts distinct values of column over a sample of up to
// sampleSize rows.
func Cardinality(path, column string, sampleSize int) (int, error) {
	rows, err := SampleRows(path, sampleSize)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		seen[r[column]] = struct{}{}
	}
	return len(seen), nil
}
