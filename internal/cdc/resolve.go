package cdc

import (
	"reflect"
	"sort"
)

// Resolve sorts the events for one key ascending by (ordinal, source,
// arrival). The sort is stable so equal composite keys keep their input
// order. The second return value counts conflicting ties: adjacent events
// whose ordinal and source collide but whose content differs.
func Resolve(events []ChangeEvent) ([]ChangeEvent, int) {
	ordered := make([]ChangeEvent, len(events))
	copy(ordered, events)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence.Less(ordered[j].Sequence)
	})

	ties := 0
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if prev.Sequence.Ordinal != cur.Sequence.Ordinal || prev.Sequence.Source != cur.Sequence.Source {
			continue
		}
		if !reflect.DeepEqual(prev.Fields, cur.Fields) || prev.Operation != cur.Operation {
			ties++
		}
	}

	return ordered, ties
}
