package template

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Sentinel errors for template resolution. Both are input errors: the caller
// gets them immediately and no staging session is created.
var (
	ErrUnknownInstitution = eris.New("template: unknown institution")
	ErrMalformedInput     = eris.New("template: malformed input")
)

// ColumnRef points at one column of a raw row, by header name or by position.
// Name wins when both are set; a nil Index with an empty Name means unset.
type ColumnRef struct {
	Name  string `yaml:"name,omitempty"`
	Index *int   `yaml:"index,omitempty"`
}

// Set reports whether the reference points anywhere at all.
func (c ColumnRef) Set() bool { return c.Name != "" || c.Index != nil }

// Columns maps canonical transaction fields onto statement columns. Either
// Amount, or the Debit/Credit pair, must be set; Date is always required,
// and at least one of Description/Balance must be present.
type Columns struct {
	Date        ColumnRef `yaml:"date"`
	Description ColumnRef `yaml:"description,omitempty"`
	Amount      ColumnRef `yaml:"amount,omitempty"`
	Debit       ColumnRef `yaml:"debit,omitempty"`
	Credit      ColumnRef `yaml:"credit,omitempty"`
	Balance     ColumnRef `yaml:"balance,omitempty"`
	Account     ColumnRef `yaml:"account,omitempty"`
}

// MetaKeys names the row-dict keys carrying statement header values. Rows
// containing any of these keys are header rows, not transactions.
type MetaKeys struct {
	PeriodStart    string `yaml:"period_start,omitempty"`
	PeriodEnd      string `yaml:"period_end,omitempty"`
	OpeningBalance string `yaml:"opening_balance,omitempty"`
	ClosingBalance string `yaml:"closing_balance,omitempty"`
}

// DecimalFormat describes how the institution prints money.
type DecimalFormat struct {
	ThousandsSep   string `yaml:"thousands_sep,omitempty"`
	DecimalSep     string `yaml:"decimal_sep,omitempty"`
	NegativeParens bool   `yaml:"negative_parens,omitempty"`
	CurrencySigns  string `yaml:"currency_signs,omitempty"`
}

// Template is the declarative mapping for one institution's statement shape.
// Adding an institution means registering a template, never writing code.
type Template struct {
	Institution   string        `yaml:"institution"`
	DisplayName   string        `yaml:"display_name,omitempty"`
	SkipRows      int           `yaml:"skip_rows,omitempty"`
	DateFormats   []string      `yaml:"date_formats"`
	Columns       Columns       `yaml:"columns"`
	Meta          MetaKeys      `yaml:"meta,omitempty"`
	Decimal       DecimalFormat `yaml:"decimal,omitempty"`
	NegateAmounts bool          `yaml:"negate_amounts,omitempty"`

	// DeriveBalances allows opening/closing to be reconstructed from the
	// running-balance column when the statement header is not supplied.
	DeriveBalances bool `yaml:"derive_balances,omitempty"`
}

func (t *Template) validate() error {
	if strings.TrimSpace(t.Institution) == "" {
		return eris.New("template: missing institution id")
	}
	if len(t.DateFormats) == 0 {
		return eris.Errorf("template %s: no date formats", t.Institution)
	}
	if !t.Columns.Date.Set() {
		return eris.Errorf("template %s: no date column", t.Institution)
	}
	if !t.Columns.Amount.Set() && !(t.Columns.Debit.Set() || t.Columns.Credit.Set()) {
		return eris.Errorf("template %s: no amount or debit/credit columns", t.Institution)
	}
	if !t.Columns.Description.Set() && !t.Columns.Balance.Set() {
		return eris.Errorf("template %s: need at least one of description/balance", t.Institution)
	}
	return nil
}
