package merge

import (
	"github.com/silverline/silverline/internal/cdc"
)

// CurrentMerger folds ordered events into the SCD Type 1 row for one key.
// It carries no state beyond its configuration.
type CurrentMerger struct {
	except      map[string]struct{}
	ignoreNulls bool
}

func NewCurrentMerger(exceptColumns []string, ignoreNulls bool) *CurrentMerger {
	except := make(map[string]struct{}, len(exceptColumns))
	for _, name := range exceptColumns {
		except[name] = struct{}{}
	}
	return &CurrentMerger{except: except, ignoreNulls: ignoreNulls}
}

// Apply produces the next current-state row from the previous one (nil if
// the key has no live row) and a single event. A delete tombstones the key;
// a later event starts from scratch, never from pre-delete values.
func (m *CurrentMerger) Apply(prev *CurrentRecord, event cdc.ChangeEvent) *CurrentRecord {
	if event.Operation == cdc.OperationDelete {
		return nil
	}

	next := &CurrentRecord{
		Key:          event.Key,
		Fields:       make(map[string]any),
		LastSequence: event.Sequence,
	}
	if prev != nil {
		for name, value := range prev.Fields {
			next.Fields[name] = value
		}
	}

	m.overwrite(next.Fields, event)
	return next
}

// overwrite applies the event's present fields on top of the carried
// snapshot. Absent attributes stay untouched.
func (m *CurrentMerger) overwrite(fields map[string]any, event cdc.ChangeEvent) {
	for name, value := range event.Fields {
		if _, excluded := m.except[name]; excluded {
			continue
		}
		if value == nil && m.ignoreNulls {
			continue
		}
		fields[name] = value
	}
}
