package dupdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/clearledger/importer/internal/model"
)

// Config tunes the fuzzy phase. The defaults are starting points meant to be
// adjusted against real statement corpora, not fixed constants.
type Config struct {
	// DateWindowDays bounds how far apart posting dates may drift between
	// statement cuts and still be compared.
	DateWindowDays int
	// Threshold is the minimum description similarity for a fuzzy candidate.
	Threshold float64
}

// DefaultConfig returns the ±3 day window and 0.85 similarity floor.
func DefaultConfig() Config {
	return Config{DateWindowDays: 3, Threshold: 0.85}
}

// Detector finds likely duplicates between a staging batch and committed
// history, and within the batch itself. It only annotates: every removal is a
// reviewer decision made elsewhere.
type Detector struct {
	cfg Config
}

// New returns a Detector, applying defaults for zero config fields.
func New(cfg Config) *Detector {
	if cfg.DateWindowDays <= 0 {
		cfg.DateWindowDays = 3
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.85
	}
	return &Detector{cfg: cfg}
}

// Result carries the candidates plus non-fatal annotations.
type Result struct {
	Candidates []model.DuplicateCandidate
	Warnings   []string
}

type incomingRow struct {
	recordIndex int
	accountID   string
	row         model.TransactionRow
	hash        string
	normDesc    string
	exact       bool
}

// Detect runs the two-phase algorithm over all records in a staging batch
// against a read-only view of committed history for the same account(s).
// Absent history is a warning, not an error: batch-internal detection still
// runs. Detect is deterministic, so rerunning on the same input yields the
// same candidate set.
func (d *Detector) Detect(records []model.StatementRecord, history []model.LedgerEntry) *Result {
	res := &Result{}

	var rows []*incomingRow
	for ri, rec := range records {
		for _, tr := range rec.Rows {
			rows = append(rows, &incomingRow{
				recordIndex: ri,
				accountID:   rec.AccountID,
				row:         tr,
				hash:        model.RowHash(rec.AccountID, tr.PostedAt, tr.Amount, tr.Description),
				normDesc:    model.NormalizeForSimilarity(tr.Description),
			})
		}
	}

	if len(history) == 0 {
		res.Warnings = append(res.Warnings,
			"no committed history available; duplicate detection limited to the current batch")
	}

	historyByHash := make(map[string][]model.LedgerEntry)
	historyByAccount := make(map[string][]model.LedgerEntry)
	for _, h := range history {
		historyByHash[h.SourceHash] = append(historyByHash[h.SourceHash], h)
		historyByAccount[h.AccountID] = append(historyByAccount[h.AccountID], h)
	}

	// Phase 1: exact identity matches, score 1.0.
	d.exactPhase(rows, historyByHash, res)

	// Phase 2: same amount within the date window, similar description.
	d.fuzzyPhase(rows, historyByAccount, res)

	zap.L().Debug("dupdetect: pass complete",
		zap.Int("rows", len(rows)),
		zap.Int("history", len(history)),
		zap.Int("candidates", len(res.Candidates)),
	)
	return res
}

func (d *Detector) exactPhase(rows []*incomingRow, historyByHash map[string][]model.LedgerEntry, res *Result) {
	firstSeen := make(map[string]*incomingRow)

	for _, in := range rows {
		// Against committed history.
		if hits := historyByHash[in.hash]; len(hits) > 0 {
			h := hits[0]
			res.Candidates = append(res.Candidates, candidate(in, model.MatchExact, 1.0,
				h.ID, nil, nil, daysApart(in.row.PostedAt, h.PostedAt), h.Description))
			in.exact = true
			continue
		}

		// Against earlier rows of the same batch.
		if prior, ok := firstSeen[in.hash]; ok {
			ri, seq := prior.recordIndex, prior.row.Seq
			res.Candidates = append(res.Candidates, candidate(in, model.MatchExact, 1.0,
				"", &ri, &seq, daysApart(in.row.PostedAt, prior.row.PostedAt), prior.row.Description))
			in.exact = true
			continue
		}
		firstSeen[in.hash] = in
	}
}

type fuzzyTarget struct {
	score     float64
	daysApart int
	ledgerID  string
	peerRec   *int
	peerSeq   *int
	text      string
}

func (d *Detector) fuzzyPhase(rows []*incomingRow, historyByAccount map[string][]model.LedgerEntry, res *Result) {
	for i, in := range rows {
		if in.exact {
			continue
		}

		var best *fuzzyTarget

		for _, h := range historyByAccount[in.accountID] {
			if !h.Amount.Equal(in.row.Amount) {
				continue
			}
			days := daysApart(in.row.PostedAt, h.PostedAt)
			if days > d.cfg.DateWindowDays {
				continue
			}
			score := levenshtein.Similarity(in.normDesc, model.NormalizeForSimilarity(h.Description), nil)
			best = better(best, &fuzzyTarget{
				score: score, daysApart: days, ledgerID: h.ID, text: h.Description,
			})
		}

		// Earlier batch rows only, so each pair is considered once and the
		// pass stays idempotent.
		for _, peer := range rows[:i] {
			if peer.accountID != in.accountID || !peer.row.Amount.Equal(in.row.Amount) {
				continue
			}
			days := daysApart(in.row.PostedAt, peer.row.PostedAt)
			if days > d.cfg.DateWindowDays {
				continue
			}
			score := levenshtein.Similarity(in.normDesc, peer.normDesc, nil)
			ri, seq := peer.recordIndex, peer.row.Seq
			best = better(best, &fuzzyTarget{
				score: score, daysApart: days, peerRec: &ri, peerSeq: &seq, text: peer.row.Description,
			})
		}

		if best != nil && best.score >= d.cfg.Threshold {
			res.Candidates = append(res.Candidates, candidate(in, model.MatchFuzzy, best.score,
				best.ledgerID, best.peerRec, best.peerSeq, best.daysApart, best.text))
		}
	}
}

// better keeps the highest-scoring target, preferring the chronologically
// nearest on exact score ties.
func better(cur, next *fuzzyTarget) *fuzzyTarget {
	if cur == nil {
		return next
	}
	if next.score > cur.score {
		return next
	}
	if next.score == cur.score && next.daysApart < cur.daysApart {
		return next
	}
	return cur
}

func candidate(in *incomingRow, basis model.MatchBasis, score float64,
	ledgerID string, peerRec, peerSeq *int, days int, matchedText string) model.DuplicateCandidate {
	return model.DuplicateCandidate{
		ID:              candidateID(in, ledgerID, peerRec, peerSeq),
		RecordIndex:     in.recordIndex,
		Seq:             in.row.Seq,
		LedgerID:        ledgerID,
		PeerRecordIndex: peerRec,
		PeerSeq:         peerSeq,
		Score:           score,
		Basis:           basis,
		DaysApart:       days,
		MatchedText:     matchedText,
	}
}

// candidateID is derived from the pairing itself so detector reruns and
// session reloads agree on candidate identity.
func candidateID(in *incomingRow, ledgerID string, peerRec, peerSeq *int) string {
	target := ledgerID
	if peerRec != nil && peerSeq != nil {
		target = fmt.Sprintf("peer:%d:%d", *peerRec, *peerSeq)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d|%s", in.recordIndex, in.row.Seq, target)))
	return hex.EncodeToString(sum[:6])
}

func daysApart(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d / (24 * time.Hour))
}
