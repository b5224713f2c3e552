package merge

import (
	"fmt"

	"github.com/silverline/silverline/internal/cdc"
	"github.com/silverline/silverline/internal/hash"
)

// HistoryMerger folds ordered events into the SCD Type 2 version chain for
// one key. Only changes to the tracked attribute set open a new version;
// drift in any other attribute is folded into the open version's snapshot.
type HistoryMerger struct {
	tracked     []string
	except      map[string]struct{}
	ignoreNulls bool
}

func NewHistoryMerger(trackedColumns, exceptColumns []string, ignoreNulls bool) *HistoryMerger {
	except := make(map[string]struct{}, len(exceptColumns))
	for _, name := range exceptColumns {
		except[name] = struct{}{}
	}
	tracked := make([]string, len(trackedColumns))
	copy(tracked, trackedColumns)
	return &HistoryMerger{tracked: tracked, except: except, ignoreNulls: ignoreNulls}
}

// Apply advances the chain by one event. It returns the version that is
// current after the event (nil right after a delete) and every version the
// event created or mutated, for the ledger to upsert. Start sequences never
// move; at most one version is open.
func (m *HistoryMerger) Apply(current *HistoryVersion, event cdc.ChangeEvent) (*HistoryVersion, []*HistoryVersion, error) {
	if event.Operation == cdc.OperationDelete {
		if current == nil {
			return nil, nil, nil
		}
		end := event.Sequence
		current.EndSequence = &end
		current.Current = false
		return nil, []*HistoryVersion{current}, nil
	}

	candidate := make(map[string]any)
	if current != nil {
		for name, value := range current.Fields {
			candidate[name] = value
		}
	}
	for name, value := range event.Fields {
		if _, excluded := m.except[name]; excluded {
			continue
		}
		if value == nil && m.ignoreNulls {
			continue
		}
		candidate[name] = value
	}

	fingerprint, err := hash.Fingerprint(candidate, m.tracked)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fingerprint tracked columns: %w", err)
	}

	// Non-tracked drift: refresh the open version in place.
	if current != nil && current.Fingerprint == fingerprint {
		current.Fields = candidate
		return current, []*HistoryVersion{current}, nil
	}

	opened := &HistoryVersion{
		Key:           event.Key,
		Fields:        candidate,
		StartSequence: event.Sequence,
		Current:       true,
		Fingerprint:   fingerprint,
	}

	if current == nil {
		return opened, []*HistoryVersion{opened}, nil
	}

	end := event.Sequence
	current.EndSequence = &end
	current.Current = false
	return opened, []*HistoryVersion{current, opened}, nil
}
