package importer

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// parse.go converts one raw row into a typed, normalized candidate record,
// handling the messy reality of bank exports: several date encodings,
// currency symbols and thousands separators, accounting-style negatives, and
// amounts split across debit/credit columns.

// rowError is a classified per-row parse failure.
type rowError struct {
	Field   string
	Message string
}

// Date layouts tried in order. Two-digit years are always interpreted as
// 2000+YY, so layouts that carry them need the century fixup below.
var (
	isoDateLayout = "2006-01-02"

	twoDigitYearLayouts = []string{
		"2-Jan-06",
		"2 Jan 06",
	}

	usDateLayout = "1/2/2006"

	// Generic fallback sweep for formats occasionally seen in exports.
	genericDateLayouts = []string{
		"2006/01/02",
		"2006.01.02",
		"1-2-2006",
		"1.2.2006",
		"Jan 2, 2006",
		"2 Jan 2006",
		"20060102",
	}
)

// parseDate resolves a calendar date from its flexible encodings.
// The result is normalized to midnight UTC with no time component.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(isoDateLayout, s); err == nil {
		return dateOnly(t), true
	}

	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			// Go maps 69-99 to 19xx; the import contract is 2000+YY.
			if t.Year() < 2000 {
				t = t.AddDate(100, 0, 0)
			}
			return dateOnly(t), true
		}
	}

	if t, err := time.Parse(usDateLayout, s); err == nil {
		return dateOnly(t), true
	}

	for _, layout := range genericDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOnly(t), true
		}
	}

	return time.Time{}, false
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// currencyStrip removes currency symbols, thousands separators, and interior
// whitespace before decimal parsing.
var currencyStrip = strings.NewReplacer(
	"$", "",
	"€", "", // euro
	"£", "", // pound
	",", "",
	" ", "",
	" ", "", // non-breaking space
)

// parseAmount parses a signed decimal amount, honoring parenthesized
// accounting notation for negatives.
func parseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = currencyStrip.Replace(s)
	if s == "" {
		return decimal.Zero, false
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}

	if negative {
		d = d.Neg()
	}

	// Normalize to cents so the in-memory natural key always matches the
	// value the store persists in its numeric(18,2) column. Without this a
	// sub-cent input collides on insert but misses the duplicate lookup.
	return d.Round(2), true
}

// rowParser converts raw rows into candidates using the column shape
// discovered from the normalized headers.
type rowParser struct {
	hasAmount bool
	hasDebit  bool
	hasCredit bool
}

func newRowParser(headers []string) *rowParser {
	p := &rowParser{}
	for _, h := range headers {
		switch h {
		case colAmount:
			p.hasAmount = true
		case colDebit:
			p.hasDebit = true
		case colCredit:
			p.hasCredit = true
		}
	}
	return p
}

// isEmpty reports whether the row has no populated required-bearing columns
// (date, amount, debit, credit). Such rows are skipped silently: not counted,
// not an error.
func (p *rowParser) isEmpty(row RawRow) bool {
	for _, col := range []string{colDate, colAmount, colDebit, colCredit} {
		if strings.TrimSpace(row.Cells[col]) != "" {
			return false
		}
	}
	return true
}

// parse converts one raw row into a candidate, or a classified failure.
func (p *rowParser) parse(row RawRow) (*NormalizedTransaction, *rowError) {
	rawDate := row.Cells[colDate]
	date, ok := parseDate(rawDate)
	if !ok {
		return nil, &rowError{Field: colDate, Message: fmt.Sprintf("unrecognized date %q", rawDate)}
	}

	desc := strings.TrimSpace(row.Cells[colDescription])
	if desc == "" {
		desc = strings.TrimSpace(row.Cells[colMerchant])
	}
	if desc == "" {
		return nil, &rowError{Field: colDescription, Message: "description is required"}
	}

	amount, rerr := p.resolveAmount(row)
	if rerr != nil {
		return nil, rerr
	}

	var category *string
	if c := strings.TrimSpace(row.Cells[colCategory]); c != "" {
		category = &c
	}

	return &NormalizedTransaction{
		Date:        date,
		Amount:      amount,
		Description: desc,
		Category:    category,
	}, nil
}

// resolveAmount applies the two amount encodings: a single signed amount
// column, or separate debit/credit columns where debits become negative and
// credits positive. When both debit and credit hold values they are summed.
func (p *rowParser) resolveAmount(row RawRow) (decimal.Decimal, *rowError) {
	if p.hasAmount {
		raw := strings.TrimSpace(row.Cells[colAmount])
		if raw != "" {
			amount, ok := parseAmount(raw)
			if !ok {
				return decimal.Zero, &rowError{Field: colAmount, Message: fmt.Sprintf("invalid amount %q", raw)}
			}
			// "0.00" in a single amount column is a valid zero-amount
			// transaction.
			return amount, nil
		}
		if !p.hasDebit && !p.hasCredit {
			return decimal.Zero, &rowError{Field: colAmount, Message: "amount is required"}
		}
	}

	rawDebit := strings.TrimSpace(row.Cells[colDebit])
	rawCredit := strings.TrimSpace(row.Cells[colCredit])
	if rawDebit == "" && rawCredit == "" {
		return decimal.Zero, &rowError{Field: colAmount, Message: "amount is required"}
	}

	total := decimal.Zero
	if rawDebit != "" {
		debit, ok := parseAmount(rawDebit)
		if !ok {
			return decimal.Zero, &rowError{Field: colAmount, Message: fmt.Sprintf("invalid debit amount %q", rawDebit)}
		}
		total = total.Sub(debit)
	}
	if rawCredit != "" {
		credit, ok := parseAmount(rawCredit)
		if !ok {
			return decimal.Zero, &rowError{Field: colAmount, Message: fmt.Sprintf("invalid credit amount %q", rawCredit)}
		}
		total = total.Add(credit)
	}

	// A debit/credit pair that resolves to exactly zero is ambiguous intent,
	// unlike an explicit "0.00" amount.
	if total.IsZero() {
		return decimal.Zero, &rowError{Field: colAmount, Message: "debit and credit amounts resolve to zero"}
	}

	return total, nil
}
