package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

// xlsxMagic is the ZIP local-file signature that opens every XLSX container.
var xlsxMagic = []byte{0x50, 0x4b, 0x03, 0x04}

// decodeRows converts the raw upload bytes into a uniform grid of string
// cells. CSV uploads must be named .csv, or .txt for the comma-delimited
// exports some banks label that way; single-sheet XLSX is recognized by
// extension or by its container signature. Anything else is rejected with a
// FormatError before parsing begins.
func decodeRows(filename string, data []byte) ([][]string, error) {
	if len(data) == 0 {
		return nil, NewFormatError("empty file")
	}

	if isXLSX(filename, data) {
		return decodeXLSX(data)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
	default:
		return nil, NewFormatError(fmt.Sprintf("unsupported file type %q: expected CSV or XLSX", filepath.Ext(filename)))
	}

	return decodeCSV(data)
}

func isXLSX(filename string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return true
	}
	return bytes.HasPrefix(data, xlsxMagic)
}

func decodeCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	data = sanitizeUTF8(data)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, NewFormatError(fmt.Sprintf("parse CSV: %v", err))
	}
	return records, nil
}

// decodeXLSX reads the first sheet of an XLSX workbook.
func decodeXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, NewFormatError(fmt.Sprintf("open XLSX: %v", err))
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, NewFormatError("XLSX workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, NewFormatError(fmt.Sprintf("read XLSX sheet %q: %v", sheets[0], err))
	}
	return rows, nil
}

// sanitizeUTF8 replaces invalid byte sequences with the Unicode replacement
// character so downstream parsing never sees broken encodings.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('�')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}

	return buf.Bytes()
}

// cleanCell removes common spreadsheet artifacts from a cell value:
// surrounding whitespace, the Excel formula prefix (="..."), and stray
// surrounding quotes.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)

	return strings.TrimSpace(s)
}
