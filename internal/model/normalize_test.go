package model

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeDescription(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"COFFEE SHOP", "coffee shop"},
		{"  Coffee   Shop  ", "coffee shop"},
		{"Café Núñez", "cafe nunez"},
		{"CHECK\t#1204", "check #1204"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeDescription(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeDescription_KeepsPunctuation(t *testing.T) {
	// Reference numbers must stay distinct for hashing.
	a := NormalizeDescription("CHECK #1204")
	b := NormalizeDescription("CHECK 1204")
	assert.NotEqual(t, a, b)
}

func TestNormalizeForSimilarity(t *testing.T) {
	assert.Equal(t, "coffee shop 42", NormalizeForSimilarity("Coffee Shop #42"))
	assert.Equal(t, "coffee shop 0042", NormalizeForSimilarity("COFFEE SHOP 0042"))
	assert.Equal(t, "ach pmt acme co", NormalizeForSimilarity("ACH/PMT*ACME-CO"))
	assert.Equal(t, "", NormalizeForSimilarity("***"))
}

func TestNormalize_ConcurrentUse(t *testing.T) {
	// The detector normalizes from errgroup goroutines; concurrent imports
	// must not share caser state.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Equal(t, "cafe nunez", NormalizeDescription("Café Núñez"))
				assert.Equal(t, "ach pmt acme co", NormalizeForSimilarity("ACH/PMT*ACME-CO"))
			}
		}()
	}
	wg.Wait()
}

func TestRowHash_CosmeticStability(t *testing.T) {
	at := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	amt := decimal.RequireFromString("-4.50")

	h1 := RowHash("chk-001", at, amt, "Coffee  Shop")
	h2 := RowHash("chk-001", at, amt, "COFFEE SHOP")
	assert.Equal(t, h1, h2)

	// Different posting time on the same calendar day still collides.
	h3 := RowHash("chk-001", at.Add(10*time.Hour), amt, "coffee shop")
	assert.Equal(t, h1, h3)
}

func TestRowHash_Discriminates(t *testing.T) {
	at := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	amt := decimal.RequireFromString("-4.50")
	base := RowHash("chk-001", at, amt, "COFFEE SHOP")

	assert.NotEqual(t, base, RowHash("sav-900", at, amt, "COFFEE SHOP"))
	assert.NotEqual(t, base, RowHash("chk-001", at.AddDate(0, 0, 1), amt, "COFFEE SHOP"))
	assert.NotEqual(t, base, RowHash("chk-001", at, decimal.RequireFromString("-4.51"), "COFFEE SHOP"))
	assert.NotEqual(t, base, RowHash("chk-001", at, amt, "COFFEE SHOP #42"))
}

func TestStatementRecord_Validate(t *testing.T) {
	rec := StatementRecord{
		InstitutionID: "firstnational",
		AccountID:     "chk-001",
		PeriodStart:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:     time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	assert.NoError(t, rec.Validate())

	missing := rec
	missing.AccountID = ""
	assert.Error(t, missing.Validate())

	inverted := rec
	inverted.PeriodStart, inverted.PeriodEnd = rec.PeriodEnd, rec.PeriodStart
	assert.Error(t, inverted.Validate())
}

func TestDecision_DiscardedRows(t *testing.T) {
	sess := &StagingSession{
		Candidates: []DuplicateCandidate{
			{ID: "c1", RecordIndex: 0, Seq: 2},
			{ID: "c2", RecordIndex: 1, Seq: 5},
			{ID: "c3", RecordIndex: 1, Seq: 7},
		},
	}
	d := &Decision{
		Action: ActionApprove,
		Duplicates: map[string]DuplicateChoice{
			"c1": ChoiceDiscard,
			"c2": ChoiceKeep,
			"c3": ChoiceDiscard,
		},
	}

	rows := d.DiscardedRows(sess)
	assert.True(t, rows[[2]int{0, 2}])
	assert.False(t, rows[[2]int{1, 5}])
	assert.True(t, rows[[2]int{1, 7}])
	assert.Len(t, rows, 2)
}
