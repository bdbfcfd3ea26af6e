package welfare

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/benefit-engine/generic"
)

// ledgerKey is the row key of an entry. ToBePaid rows are keyed by the
// decision so that a later decision supersedes them, Processed rows by the
// transaction so that every payment is kept.
func ledgerKey(e LedgerEntry) string {
	if e.Type == EntrySummary {
		return "summary-" + e.Month.String()
	}
	return fmt.Sprintf("%s-%s-%s", entryPrefix(e.Type), e.Month, e.ReferenceID)
}

func entryPrefix(t LedgerEntryType) string {
	switch t {
	case EntryToBePaid:
		return "tobepaid"
	case EntryProcessed:
		return "processed"
	case EntryCalculation:
		return "calculation"
	}
	return string(t)
}

func ledgerIndexes(month generic.Month, t LedgerEntryType) map[string]string {
	return map[string]string{"month": month.String(), "type": string(t)}
}

// RecordEntry writes e into the ledger table and recomputes the Summary row
// of its month. A ToBePaid entry first removes every ToBePaid (and legacy
// Calculation) entry of the month; Processed entries are never removed.
func RecordEntry(ctx context.Context, tx generic.ProjectionTx, e LedgerEntry) error {
	if e.Type != EntryToBePaid && e.Type != EntryProcessed {
		return generic.Invalid("type", fmt.Sprintf("cannot record a %s entry", e.Type))
	}

	entries, err := MonthEntries(ctx, tx, e.Month)
	if err != nil {
		return err
	}
	if e.Type == EntryToBePaid {
		kept := entries[:0]
		for _, existing := range entries {
			if existing.Type == EntryToBePaid || existing.Type == EntryCalculation {
				if err := tx.Delete(ctx, TableLedger, ledgerKey(existing)); err != nil {
					return err
				}
				continue
			}
			kept = append(kept, existing)
		}
		entries = kept
	}

	if err := upsert(ctx, tx, TableLedger, ledgerKey(e), ledgerIndexes(e.Month, e.Type), e); err != nil {
		return err
	}
	entries = append(entries, e)

	summary := Summarize(e.Month, entries)
	return upsert(ctx, tx, TableLedger, "summary-"+e.Month.String(), ledgerIndexes(e.Month, EntrySummary), summary)
}

// MonthEntries returns the non-summary entries of a month.
func MonthEntries(ctx context.Context, r generic.ProjectionReader, month generic.Month) ([]LedgerEntry, error) {
	rows, err := r.ByIndex(ctx, TableLedger, "month", month.String())
	if err != nil {
		return nil, err
	}
	var out []LedgerEntry
	for _, row := range rows {
		if row.Indexes["type"] == string(EntrySummary) {
			continue
		}
		e, err := generic.DecodeRow[LedgerEntry](row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Summarize computes the balance of a month from its entries:
// latest ToBePaid (by SequenceID) minus the sum of Processed. It depends only
// on the entry set, not on the order of the slice.
func Summarize(month generic.Month, entries []LedgerEntry) LedgerSummary {
	s := LedgerSummary{
		Type:           EntrySummary,
		Month:          month,
		LatestToBePaid: decimal.Zero,
		TotalProcessed: decimal.Zero,
	}

	var latest *LedgerEntry
	for i := range entries {
		e := &entries[i]
		if !e.Month.Equal(month) {
			continue
		}
		switch e.Type {
		case EntryToBePaid, EntryCalculation:
			if latest == nil || e.SequenceID > latest.SequenceID ||
				(e.SequenceID == latest.SequenceID && e.ReferenceID > latest.ReferenceID) {
				latest = e
			}
		case EntryProcessed:
			s.TotalProcessed = s.TotalProcessed.Add(e.Amount)
		}
	}
	if latest != nil {
		s.LatestToBePaid = latest.Amount
	}
	s.Balance = s.LatestToBePaid.Sub(s.TotalProcessed)
	return s
}

// Summaries returns the Summary rows of the ledger, oldest month first.
func Summaries(ctx context.Context, r generic.ProjectionReader) ([]LedgerSummary, error) {
	rows, err := r.ByIndex(ctx, TableLedger, "type", string(EntrySummary))
	if err != nil {
		return nil, err
	}
	out, err := generic.DecodeRows[LedgerSummary](rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out, nil
}

func sortedMonths[V any](m map[generic.Month]V) []generic.Month {
	months := make([]generic.Month, 0, len(m))
	for month := range m {
		months = append(months, month)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months
}
