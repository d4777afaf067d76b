package validate

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/importer/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func record(opening, closing string, rows ...model.TransactionRow) *model.StatementRecord {
	return &model.StatementRecord{
		InstitutionID:  "firstnational",
		AccountID:      "chk-001",
		PeriodStart:    day(1),
		PeriodEnd:      day(31),
		OpeningBalance: dec(opening),
		ClosingBalance: dec(closing),
		Rows:           rows,
	}
}

func row(seq, d int, amount string) model.TransactionRow {
	return model.TransactionRow{Seq: seq, PostedAt: day(d), Description: "txn", Amount: dec(amount)}
}

func TestCheck_Consistent(t *testing.T) {
	v := New(decimal.Zero)

	rec := record("1000.00", "925.00",
		row(1, 5, "-50.00"),
		row(2, 9, "-25.00"),
	)

	f, err := v.Check(0, rec)
	require.NoError(t, err)

	assert.Equal(t, model.ValidationConsistent, f.Status)
	assert.True(t, f.Delta.IsZero(), "delta %s", f.Delta)
	assert.True(t, f.ComputedClosing.Equal(dec("925.00")))
	assert.Empty(t, f.RowFindings)
	assert.Empty(t, f.Anomalies)
}

func TestCheck_Discrepant(t *testing.T) {
	v := New(decimal.Zero)

	// Declared ending balance is 900.00 but the rows only account for 925.00.
	rec := record("1000.00", "900.00",
		row(1, 5, "-50.00"),
		row(2, 9, "-25.00"),
	)

	f, err := v.Check(3, rec)
	require.NoError(t, err)

	assert.Equal(t, model.ValidationDiscrepant, f.Status)
	assert.Equal(t, 3, f.RecordIndex)
	assert.True(t, f.Delta.Equal(dec("-25.00")), "delta %s", f.Delta)
	assert.True(t, f.ComputedClosing.Equal(dec("925.00")))
	assert.True(t, f.DeclaredClosing.Equal(dec("900.00")))
}

func TestCheck_RowLevelLocalization(t *testing.T) {
	v := New(decimal.Zero)

	r1 := row(1, 5, "-50.00")
	r1.RunningBalance = decp("950.00") // matches
	r2 := row(2, 9, "-25.00")
	r2.RunningBalance = decp("900.00") // break: expected 925.00
	r3 := row(3, 12, "-10.00")
	r3.RunningBalance = decp("915.00") // matches again

	rec := record("1000.00", "915.00", r1, r2, r3)

	f, err := v.Check(0, rec)
	require.NoError(t, err)

	require.Len(t, f.RowFindings, 1)
	rf := f.RowFindings[0]
	assert.Equal(t, 2, rf.Seq)
	assert.True(t, rf.Expected.Equal(dec("925.00")))
	assert.True(t, rf.Declared.Equal(dec("900.00")))
	assert.True(t, rf.Delta.Equal(dec("-25.00")))

	// Overall reconciliation is still clean.
	assert.Equal(t, model.ValidationConsistent, f.Status)
}

func TestCheck_EpsilonTolerance(t *testing.T) {
	v := New(dec("0.01"))

	rec := record("100.00", "49.99", row(1, 2, "-50.00"))

	f, err := v.Check(0, rec)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationConsistent, f.Status)
	assert.True(t, f.Delta.Equal(dec("-0.01")))
}

func TestCheck_EpsilonExceeded(t *testing.T) {
	v := New(dec("0.01"))

	rec := record("100.00", "49.98", row(1, 2, "-50.00"))

	f, err := v.Check(0, rec)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationDiscrepant, f.Status)
}

func TestCheck_ZeroAmountAnomaly(t *testing.T) {
	v := New(decimal.Zero)

	memo := row(2, 6, "0")
	memo.Description = "ANNUAL FEE WAIVED"

	rec := record("100.00", "50.00", row(1, 5, "-50.00"), memo)

	f, err := v.Check(0, rec)
	require.NoError(t, err)

	assert.Equal(t, model.ValidationConsistent, f.Status)
	require.Len(t, f.Anomalies, 1)
	assert.Contains(t, f.Anomalies[0], "zero-amount")
	assert.Contains(t, f.Anomalies[0], "ANNUAL FEE WAIVED")
}

func TestCheck_EmptyStatement(t *testing.T) {
	v := New(decimal.Zero)

	rec := record("100.00", "100.00")

	f, err := v.Check(0, rec)
	assert.Nil(t, f)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrEmptyStatement))
	assert.Contains(t, err.Error(), "chk-001")
}

func TestCheck_NegativeEpsilonNormalized(t *testing.T) {
	v := New(dec("-0.05"))

	rec := record("100.00", "49.96", row(1, 2, "-50.00"))

	f, err := v.Check(0, rec)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationConsistent, f.Status)
}
