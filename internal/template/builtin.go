package template

func intp(i int) *int { return &i }

// builtinTemplates are the institution mappings shipped with the binary.
// Site-specific templates layered on top via LoadDir override these.
var builtinTemplates = []Template{
	{
		Institution: "firstnational",
		DisplayName: "First National Bank (CSV export)",
		DateFormats: []string{"2006-01-02", "01/02/2006"},
		Columns: Columns{
			Date:        ColumnRef{Name: "Date"},
			Description: ColumnRef{Name: "Description"},
			Amount:      ColumnRef{Name: "Amount"},
			Balance:     ColumnRef{Name: "Balance"},
		},
		Meta: MetaKeys{
			PeriodStart:    "Statement Period Start",
			PeriodEnd:      "Statement Period End",
			OpeningBalance: "Beginning Balance",
			ClosingBalance: "Ending Balance",
		},
	},
	{
		Institution: "cascade-cu",
		DisplayName: "Cascade Credit Union (debit/credit columns)",
		DateFormats: []string{"01/02/2006", "1/2/2006"},
		Columns: Columns{
			Date:        ColumnRef{Name: "Posting Date"},
			Description: ColumnRef{Name: "Memo"},
			Debit:       ColumnRef{Name: "Debit"},
			Credit:      ColumnRef{Name: "Credit"},
			Balance:     ColumnRef{Name: "Balance"},
		},
		Decimal:        DecimalFormat{NegativeParens: true},
		DeriveBalances: true,
	},
	{
		Institution: "meridian-brokerage",
		DisplayName: "Meridian Brokerage (positional table extract)",
		SkipRows:    1,
		DateFormats: []string{"Jan 2, 2006", "2006-01-02"},
		Columns: Columns{
			Date:        ColumnRef{Index: intp(0)},
			Description: ColumnRef{Index: intp(1)},
			Amount:      ColumnRef{Index: intp(2)},
			Account:     ColumnRef{Index: intp(3)},
		},
		Meta: MetaKeys{
			OpeningBalance: "opening_balance",
			ClosingBalance: "closing_balance",
			PeriodStart:    "period_start",
			PeriodEnd:      "period_end",
		},
	},
}
