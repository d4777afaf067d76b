package template

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/clearledger/importer/internal/model"
)

// Resolve turns raw extracted rows into statement records using the template
// registered for institutionID. It is a pure transformation: lookup plus
// row-wise coercion, no balance arithmetic.
//
// A template with an account column yields one record per distinct account
// value; otherwise all rows land in a single record for accountID.
func (r *Registry) Resolve(institutionID, accountID string, rows []model.RawRow) ([]model.StatementRecord, error) {
	t, ok := r.Get(institutionID)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownInstitution, "institution %q", institutionID)
	}

	if t.SkipRows > 0 && t.SkipRows < len(rows) {
		rows = rows[t.SkipRows:]
	} else if t.SkipRows >= len(rows) {
		rows = nil
	}

	meta, dataRows := extractMeta(t.Meta, rows)

	type parsedRow struct {
		account string
		row     model.TransactionRow
	}
	var parsed []parsedRow
	for i, raw := range dataRows {
		if blankRow(raw) {
			continue
		}

		dateText, err := cellValue(raw, t.Columns.Date)
		if err != nil {
			return nil, eris.Wrapf(ErrMalformedInput, "row %d: date column: %v", i+1, err)
		}
		postedAt, err := parseDate(dateText, t.DateFormats)
		if err != nil {
			return nil, eris.Wrapf(ErrMalformedInput, "row %d: %v", i+1, err)
		}

		amount, err := rowAmount(t, raw)
		if err != nil {
			return nil, eris.Wrapf(ErrMalformedInput, "row %d: %v", i+1, err)
		}

		var desc string
		if t.Columns.Description.Set() {
			desc, err = cellValue(raw, t.Columns.Description)
			if err != nil {
				return nil, eris.Wrapf(ErrMalformedInput, "row %d: description column: %v", i+1, err)
			}
			desc = strings.TrimSpace(desc)
		}

		var balance *decimal.Decimal
		if t.Columns.Balance.Set() {
			text, err := cellValue(raw, t.Columns.Balance)
			if err != nil {
				return nil, eris.Wrapf(ErrMalformedInput, "row %d: balance column: %v", i+1, err)
			}
			if strings.TrimSpace(text) != "" {
				b, err := parseDecimal(text, t.Decimal)
				if err != nil {
					return nil, eris.Wrapf(ErrMalformedInput, "row %d: balance: %v", i+1, err)
				}
				balance = &b
			}
		}

		acct := accountID
		if t.Columns.Account.Set() {
			if v, err := cellValue(raw, t.Columns.Account); err == nil && strings.TrimSpace(v) != "" {
				acct = strings.TrimSpace(v)
			}
		}

		parsed = append(parsed, parsedRow{
			account: acct,
			row: model.TransactionRow{
				PostedAt:       postedAt,
				Description:    desc,
				Amount:         amount,
				RunningBalance: balance,
			},
		})
	}

	// Group into records preserving first-seen account order.
	var order []string
	grouped := make(map[string][]model.TransactionRow)
	for _, p := range parsed {
		if _, seen := grouped[p.account]; !seen {
			order = append(order, p.account)
		}
		grouped[p.account] = append(grouped[p.account], p.row)
	}

	records := make([]model.StatementRecord, 0, len(order))
	for _, acct := range order {
		groupRows := grouped[acct]
		for i := range groupRows {
			groupRows[i].Seq = i + 1
		}

		rec := model.StatementRecord{
			InstitutionID: t.Institution,
			AccountID:     acct,
			Rows:          groupRows,
		}
		if err := applyHeader(&rec, t, meta); err != nil {
			return nil, err
		}
		if err := rec.Validate(); err != nil {
			return nil, eris.Wrapf(ErrMalformedInput, "%v", err)
		}
		records = append(records, rec)
	}

	return records, nil
}

// applyHeader fills period and declared balances from metadata, falling back
// to row-derived values where the template allows.
func applyHeader(rec *model.StatementRecord, t Template, meta map[string]string) error {
	var err error

	rec.PeriodStart, rec.PeriodEnd, err = headerPeriod(rec, t, meta)
	if err != nil {
		return err
	}

	if v, ok := meta[t.Meta.OpeningBalance]; ok && t.Meta.OpeningBalance != "" {
		rec.OpeningBalance, err = parseDecimal(v, t.Decimal)
		if err != nil {
			return eris.Wrapf(ErrMalformedInput, "opening balance: %v", err)
		}
	} else if t.DeriveBalances && len(rec.Rows) > 0 && rec.Rows[0].RunningBalance != nil {
		rec.OpeningBalance = rec.Rows[0].RunningBalance.Sub(rec.Rows[0].Amount)
	} else {
		return eris.Wrapf(ErrMalformedInput, "institution %s: no opening balance available", t.Institution)
	}

	if v, ok := meta[t.Meta.ClosingBalance]; ok && t.Meta.ClosingBalance != "" {
		rec.ClosingBalance, err = parseDecimal(v, t.Decimal)
		if err != nil {
			return eris.Wrapf(ErrMalformedInput, "closing balance: %v", err)
		}
	} else if t.DeriveBalances && len(rec.Rows) > 0 && rec.Rows[len(rec.Rows)-1].RunningBalance != nil {
		rec.ClosingBalance = *rec.Rows[len(rec.Rows)-1].RunningBalance
	} else {
		return eris.Wrapf(ErrMalformedInput, "institution %s: no closing balance available", t.Institution)
	}

	return nil
}

func headerPeriod(rec *model.StatementRecord, t Template, meta map[string]string) (time.Time, time.Time, error) {
	if t.Meta.PeriodStart != "" && t.Meta.PeriodEnd != "" {
		startText, okStart := meta[t.Meta.PeriodStart]
		endText, okEnd := meta[t.Meta.PeriodEnd]
		if okStart && okEnd {
			start, err := parseDate(startText, t.DateFormats)
			if err != nil {
				return time.Time{}, time.Time{}, eris.Wrapf(ErrMalformedInput, "period start: %v", err)
			}
			end, err := parseDate(endText, t.DateFormats)
			if err != nil {
				return time.Time{}, time.Time{}, eris.Wrapf(ErrMalformedInput, "period end: %v", err)
			}
			return start, end, nil
		}
	}

	// Fall back to the observed posting-date range.
	if len(rec.Rows) == 0 {
		return time.Time{}, time.Time{}, nil
	}
	start, end := rec.Rows[0].PostedAt, rec.Rows[0].PostedAt
	for _, row := range rec.Rows[1:] {
		if row.PostedAt.Before(start) {
			start = row.PostedAt
		}
		if row.PostedAt.After(end) {
			end = row.PostedAt
		}
	}
	return start, end, nil
}

// extractMeta pulls header values out of rows carrying any of the template's
// meta keys; those rows are consumed and do not become transactions.
func extractMeta(keys MetaKeys, rows []model.RawRow) (map[string]string, []model.RawRow) {
	names := []string{keys.PeriodStart, keys.PeriodEnd, keys.OpeningBalance, keys.ClosingBalance}
	meta := make(map[string]string)

	var data []model.RawRow
	for _, raw := range rows {
		consumed := false
		for _, k := range names {
			if k == "" {
				continue
			}
			if v, ok := raw.Fields[k]; ok && strings.TrimSpace(v) != "" {
				meta[k] = strings.TrimSpace(v)
				consumed = true
			}
		}
		if !consumed {
			data = append(data, raw)
		}
	}
	return meta, data
}

func rowAmount(t Template, raw model.RawRow) (decimal.Decimal, error) {
	var amount decimal.Decimal

	if t.Columns.Amount.Set() {
		text, err := cellValue(raw, t.Columns.Amount)
		if err != nil {
			return decimal.Decimal{}, eris.Wrap(err, "amount column")
		}
		amount, err = parseDecimal(text, t.Decimal)
		if err != nil {
			return decimal.Decimal{}, eris.Wrap(err, "amount")
		}
	} else {
		// Split debit/credit columns: debit negates, credit keeps sign.
		debitText, creditText := "", ""
		if t.Columns.Debit.Set() {
			if v, err := cellValue(raw, t.Columns.Debit); err == nil {
				debitText = strings.TrimSpace(v)
			}
		}
		if t.Columns.Credit.Set() {
			if v, err := cellValue(raw, t.Columns.Credit); err == nil {
				creditText = strings.TrimSpace(v)
			}
		}
		switch {
		case debitText != "":
			d, err := parseDecimal(debitText, t.Decimal)
			if err != nil {
				return decimal.Decimal{}, eris.Wrap(err, "debit")
			}
			amount = d.Abs().Neg()
		case creditText != "":
			c, err := parseDecimal(creditText, t.Decimal)
			if err != nil {
				return decimal.Decimal{}, eris.Wrap(err, "credit")
			}
			amount = c.Abs()
		default:
			// Neither side filled in; a zero row is kept and flagged
			// downstream rather than silently dropped.
			amount = decimal.Zero
		}
	}

	if t.NegateAmounts {
		amount = amount.Neg()
	}
	return amount, nil
}

func cellValue(raw model.RawRow, ref ColumnRef) (string, error) {
	if ref.Name != "" {
		v, ok := raw.Fields[ref.Name]
		if !ok {
			return "", eris.Errorf("missing column %q", ref.Name)
		}
		return v, nil
	}
	if ref.Index != nil {
		if *ref.Index < 0 || *ref.Index >= len(raw.Cells) {
			return "", eris.Errorf("column index %d out of range (%d cells)", *ref.Index, len(raw.Cells))
		}
		return raw.Cells[*ref.Index], nil
	}
	return "", eris.New("column reference unset")
}

func parseDate(s string, formats []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, f := range formats {
		if ts, err := time.Parse(f, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, eris.Errorf("unparseable date %q", s)
}

// parseDecimal coerces an institution-formatted money string to an exact
// decimal, honoring thousands separators, parenthesized negatives and
// currency signs.
func parseDecimal(s string, f DecimalFormat) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, eris.New("empty amount")
	}

	negative := false
	if f.NegativeParens && strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	signs := f.CurrencySigns
	if signs == "" {
		signs = "$€£"
	}
	s = strings.TrimFunc(s, func(r rune) bool {
		return strings.ContainsRune(signs+" ", r)
	})

	if f.ThousandsSep != "" {
		s = strings.ReplaceAll(s, f.ThousandsSep, "")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	if f.DecimalSep != "" && f.DecimalSep != "." {
		s = strings.ReplaceAll(s, f.DecimalSep, ".")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, eris.Errorf("unparseable amount %q", s)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func blankRow(raw model.RawRow) bool {
	for _, c := range raw.Cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	for _, v := range raw.Fields {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
