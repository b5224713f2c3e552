package cdc

import (
	"fmt"
)

type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Sequence is the composite ordering key for a change event. Ordinal is the
// configured sequence_by value (monotonic counter or timestamp micros); ties
// are broken by Source, then by Arrival order at the normalizer.
type Sequence struct {
	Ordinal uint64 `json:"ordinal"`
	Source  string `json:"source"`
	Arrival uint64 `json:"arrival"`
}

func (s Sequence) Compare(other Sequence) int {
	if s.Ordinal != other.Ordinal {
		if s.Ordinal < other.Ordinal {
			return -1
		}
		return 1
	}
	if s.Source != other.Source {
		if s.Source < other.Source {
			return -1
		}
		return 1
	}
	if s.Arrival != other.Arrival {
		if s.Arrival < other.Arrival {
			return -1
		}
		return 1
	}
	return 0
}

func (s Sequence) Less(other Sequence) bool {
	return s.Compare(other) < 0
}

func (s Sequence) IsZero() bool {
	return s.Ordinal == 0 && s.Source == "" && s.Arrival == 0
}

func (s Sequence) String() string {
	return fmt.Sprintf("%d:%s:%d", s.Ordinal, s.Source, s.Arrival)
}

// ChangeEvent is one partial update to a business entity. Fields holds only
// the attributes the source emitted: a key missing from the map means the
// source said nothing about that attribute, a nil value means the source
// explicitly cleared it.
type ChangeEvent struct {
	Key       string         `json:"key"`
	Fields    map[string]any `json:"fields"`
	Operation Operation      `json:"operation"`
	Sequence  Sequence       `json:"sequence"`
	Source    string         `json:"source"`
}

// FieldPresent reports whether the source emitted the attribute at all,
// including an explicit null.
func (e *ChangeEvent) FieldPresent(name string) bool {
	_, ok := e.Fields[name]
	return ok
}

type MalformedEventError struct {
	Reason string
	Event  ChangeEvent
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event (key=%q seq=%s): %s", e.Event.Key, e.Event.Sequence, e.Reason)
}

func NewMalformedEventError(event ChangeEvent, reason string) *MalformedEventError {
	return &MalformedEventError{Reason: reason, Event: event}
}

func IsMalformedEventError(err error) bool {
	_, ok := err.(*MalformedEventError)
	return ok
}

// Validate enforces the ingress contract: a malformed event must never reach
// the mergers.
func (e *ChangeEvent) Validate() error {
	if e.Key == "" {
		return NewMalformedEventError(*e, "missing business key")
	}
	if e.Sequence.IsZero() {
		return NewMalformedEventError(*e, "missing sequence")
	}
	switch e.Operation {
	case OperationInsert, OperationUpdate, OperationDelete:
	default:
		return NewMalformedEventError(*e, fmt.Sprintf("unknown operation %q", e.Operation))
	}
	return nil
}
