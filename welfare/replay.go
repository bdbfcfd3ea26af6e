package welfare

import (
	"context"
	"sort"

	"github.com/warp/benefit-engine/generic"
)

// statusOf maps the event types that move a Change to the status they
// leave it in. Other event types referencing the change are ignored.
func statusOf(t generic.EventType) (ChangeStatus, bool) {
	switch t {
	case TypeChangeCancelled:
		return StatusCancelled, true
	case TypeChangePushed:
		return StatusPushed, true
	case TypeIncomeAdded, TypeExpenseAdded, TypeChangeCommitted:
		return StatusCommitted, true
	case TypeChangeCreated:
		return StatusOpen, true
	}
	return "", false
}

// ReplayEvents derives the status of a Change from its events.
//
// SequenceID is authoritative: the status is the one mapped from the change
// event with the highest SequenceID. Timestamps are never consulted, so two
// events stamped in the same instant still resolve deterministically and a
// later push after a re-commit reads as Pushed, not Committed.
func ReplayEvents(events []generic.Event) ChangeStatus {
	sorted := append([]generic.Event(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceID > sorted[j].SequenceID })

	for _, ev := range sorted {
		if status, ok := statusOf(ev.Type); ok {
			return status
		}
	}
	return StatusUnknown
}

// Replay returns the current status of a Change by folding the events of
// the log that reference it. An empty changeID yields StatusNone; an id with
// no change events yields StatusUnknown.
func Replay(ctx context.Context, log *generic.EventLog, changeID string) (ChangeStatus, error) {
	if changeID == "" {
		return StatusNone, nil
	}
	events, err := log.ByForeignKey(ctx, changeID)
	if err != nil {
		return "", err
	}
	return ReplayEvents(events), nil
}
