package importer

import (
	"fmt"
	"strings"
	"unicode"
)

// Canonical column names produced by the header normalizer.
const (
	colDate        = "date"
	colDescription = "description"
	colAmount      = "amount"
	colDebit       = "debit"
	colCredit      = "credit"
	colCategory    = "category"
	colMerchant    = "merchant"
)

// headerSynonyms maps lowercased, cleaned header spellings onto canonical
// column names. Headers not listed here pass through verbatim.
var headerSynonyms = map[string]string{
	"date":             colDate,
	"transaction date": colDate,
	"posted date":      colDate,
	"posting date":     colDate,
	"trans date":       colDate,

	"description":             colDescription,
	"memo":                    colDescription,
	"transaction description": colDescription,
	"details":                 colDescription,
	"narrative":               colDescription,

	"amount":             colAmount,
	"transaction amount": colAmount,
	"value":              colAmount,

	"debit":        colDebit,
	"debit amount": colDebit,
	"withdrawal":   colDebit,
	"withdrawals":  colDebit,

	"credit":        colCredit,
	"credit amount": colCredit,
	"deposit":       colCredit,
	"deposits":      colCredit,

	"category": colCategory,
	"type":     colCategory,

	"payee":    colMerchant,
	"vendor":   colMerchant,
	"merchant": colMerchant,
}

// NormalizeHeaders maps the first row's raw cells onto canonical column
// names. Recognized synonyms are matched case-insensitively after trimming
// and stripping non-printable characters; unrecognized headers are kept
// verbatim (cleaned, unmapped). This never fails: missing required columns
// are caught by the aggregate header check.
func NormalizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	for i, h := range raw {
		cleaned := cleanHeader(h)
		if canonical, ok := headerSynonyms[strings.ToLower(cleaned)]; ok {
			headers[i] = canonical
		} else {
			headers[i] = cleaned
		}
	}
	return headers
}

// cleanHeader trims whitespace and strips non-printable characters, including
// the UTF-8 BOM that spreadsheet exports like to prepend.
func cleanHeader(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(s)
}

// checkRequiredHeaders is the aggregate all-or-nothing header check: the file
// must carry a date column, a description (or merchant) column, and either a
// single amount column or debit/credit columns. Unlike row parsing, a failure
// here rejects the whole file before any session exists.
func checkRequiredHeaders(headers []string) error {
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[h] = true
	}

	var missing []string
	if !present[colDate] {
		missing = append(missing, colDate)
	}
	if !present[colDescription] && !present[colMerchant] {
		missing = append(missing, colDescription)
	}
	if !present[colAmount] && !present[colDebit] && !present[colCredit] {
		missing = append(missing, colAmount)
	}

	if len(missing) > 0 {
		return NewFormatError(fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")))
	}
	return nil
}
