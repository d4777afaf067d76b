package validate

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearledger/importer/internal/model"
)

// ErrEmptyStatement is returned for a record with zero transactions: there is
// nothing to reconcile and silently passing it would hide an extraction bug.
var ErrEmptyStatement = eris.New("validate: empty statement")

// Validator proves a statement record arithmetically self-consistent. All
// arithmetic is exact decimal; binary floating point never touches this path.
type Validator struct {
	epsilon decimal.Decimal
}

// New returns a Validator with the given tolerance. Epsilon absorbs
// documented rounding or fee-timing artifacts; zero means exact.
func New(epsilon decimal.Decimal) *Validator {
	return &Validator{epsilon: epsilon.Abs()}
}

// Check reconciles opening + Σ(amounts) against the declared closing balance
// (Delta = declared − computed, so an under-stated statement reports a
// negative delta) and independently verifies every declared running balance,
// localizing breaks to row sequence indexes. recordIndex tags the finding
// with the record's position in its staging session.
func (v *Validator) Check(recordIndex int, rec *model.StatementRecord) (*model.ValidationFinding, error) {
	if len(rec.Rows) == 0 {
		return nil, eris.Wrapf(ErrEmptyStatement, "account %s", rec.AccountID)
	}

	finding := &model.ValidationFinding{
		RecordIndex:     recordIndex,
		DeclaredClosing: rec.ClosingBalance,
	}

	running := rec.OpeningBalance
	for _, row := range rec.Rows {
		running = running.Add(row.Amount)

		if row.Amount.IsZero() {
			finding.Anomalies = append(finding.Anomalies,
				fmt.Sprintf("row %d: zero-amount transaction %q", row.Seq, row.Description))
		}

		if row.RunningBalance != nil {
			delta := row.RunningBalance.Sub(running)
			if delta.Abs().GreaterThan(v.epsilon) {
				finding.RowFindings = append(finding.RowFindings, model.RowFinding{
					Seq:      row.Seq,
					Expected: running,
					Declared: *row.RunningBalance,
					Delta:    delta,
				})
			}
		}
	}

	finding.ComputedClosing = running
	finding.Delta = rec.ClosingBalance.Sub(running)

	if finding.Delta.Abs().GreaterThan(v.epsilon) {
		finding.Status = model.ValidationDiscrepant
		zap.L().Info("validate: statement discrepant",
			zap.String("account", rec.AccountID),
			zap.String("delta", finding.Delta.String()),
			zap.Int("row_findings", len(finding.RowFindings)),
		)
	} else {
		finding.Status = model.ValidationConsistent
	}

	return finding, nil
}
