package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawRow is one extracted table row as delivered by the extraction layer.
// Fields holds header-keyed cells when the source had a header row; Cells
// always holds the positional values.
type RawRow struct {
	Cells  []string          `json:"cells"`
	Fields map[string]string `json:"fields,omitempty"`
}

// TransactionRow is a single statement line item. Amount is signed (debits
// negative) and exact; RunningBalance is the balance the statement itself
// declares after this row, when the institution prints one.
type TransactionRow struct {
	Seq            int              `json:"seq"`
	PostedAt       time.Time        `json:"posted_at"`
	Description    string           `json:"description"`
	Amount         decimal.Decimal  `json:"amount"`
	RunningBalance *decimal.Decimal `json:"running_balance,omitempty"`
}

// StatementRecord is one parsed statement: header plus ordered rows. It is
// immutable after template resolution; the staging session owns it until
// commit or discard.
type StatementRecord struct {
	InstitutionID  string           `json:"institution_id"`
	AccountID      string           `json:"account_id"`
	PeriodStart    time.Time        `json:"period_start"`
	PeriodEnd      time.Time        `json:"period_end"`
	OpeningBalance decimal.Decimal  `json:"opening_balance"`
	ClosingBalance decimal.Decimal  `json:"closing_balance"`
	Rows           []TransactionRow `json:"rows"`
}

// Validate checks the record's structural invariants.
func (r *StatementRecord) Validate() error {
	if r.InstitutionID == "" {
		return fmt.Errorf("statement record missing institution id")
	}
	if r.AccountID == "" {
		return fmt.Errorf("statement record missing account id")
	}
	if r.PeriodEnd.Before(r.PeriodStart) {
		return fmt.Errorf("statement period end %s precedes start %s",
			r.PeriodEnd.Format("2006-01-02"), r.PeriodStart.Format("2006-01-02"))
	}
	return nil
}

// RowHash builds the stable identity hash used by the exact duplicate phase
// and stored alongside committed rows. The description is normalized before
// hashing so cosmetic casing/whitespace differences still collide.
func RowHash(accountID string, postedAt time.Time, amount decimal.Decimal, description string) string {
	input := fmt.Sprintf("%s:%s:%s:%s",
		accountID,
		postedAt.Format("2006-01-02"),
		amount.String(),
		NormalizeDescription(description),
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// LedgerEntry is one durably committed transaction row.
type LedgerEntry struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	InstitutionID string          `json:"institution_id"`
	AccountID     string          `json:"account_id"`
	PostedAt      time.Time       `json:"posted_at"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	SourceHash    string          `json:"source_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}
