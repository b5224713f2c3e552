package cdc

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DecodeOptions maps the pipeline configuration onto the wire format.
// KeyAttributes and SequenceAttribute name the business-key and ordering
// attributes, lifted from the event's fields when not carried explicitly.
// An event whose DeleteFlagAttribute is truthy is normalized to a delete.
type DecodeOptions struct {
	KeyAttributes       []string
	SequenceAttribute   string
	DeleteFlagAttribute string
}

// DecodeBatch reads a stream of JSON change events (one object per line).
// Field presence follows the JSON object: an attribute missing from
// "fields" was not emitted, a JSON null is an explicit clear.
func DecodeBatch(r io.Reader, opts DecodeOptions) ([]ChangeEvent, error) {
	dec := json.NewDecoder(r)

	var events []ChangeEvent
	var arrival uint64

	for {
		var event ChangeEvent
		if err := dec.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode event %d: %w", len(events)+1, err)
		}

		arrival++
		if event.Sequence.Arrival == 0 {
			event.Sequence.Arrival = arrival
		}
		if event.Sequence.Source == "" {
			event.Sequence.Source = event.Source
		}
		if event.Operation == "" {
			event.Operation = OperationUpdate
		}
		if opts.DeleteFlagAttribute != "" && isTruthy(event.Fields[opts.DeleteFlagAttribute]) {
			event.Operation = OperationDelete
		}

		if event.Key == "" && len(opts.KeyAttributes) > 0 {
			event.Key = liftKey(event.Fields, opts.KeyAttributes)
		}
		if event.Sequence.Ordinal == 0 && opts.SequenceAttribute != "" {
			if v, ok := event.Fields[opts.SequenceAttribute]; ok {
				ordinal, err := parseOrdinal(v)
				if err != nil {
					return nil, fmt.Errorf("event %d: bad %s: %w", len(events)+1, opts.SequenceAttribute, err)
				}
				event.Sequence.Ordinal = ordinal
			}
		}

		events = append(events, event)
	}

	return events, nil
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true" || val == "Y" || val == "1"
	case float64:
		return val != 0
	default:
		return false
	}
}

// liftKey builds the business key from the configured key attributes. Any
// missing or null part leaves the key empty, which the coordinator rejects
// at the boundary.
func liftKey(fields map[string]any, attrs []string) string {
	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		v, ok := fields[attr]
		if !ok || v == nil {
			return ""
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "/")
}

// parseOrdinal accepts a plain number, a numeric string, or an RFC3339
// timestamp (converted to microseconds since epoch).
func parseOrdinal(v any) (uint64, error) {
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return 0, fmt.Errorf("negative sequence value %v", val)
		}
		return uint64(val), nil
	case string:
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			return n, nil
		}
		ts, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return 0, fmt.Errorf("sequence value %q is neither integer nor RFC3339", val)
		}
		return uint64(ts.UnixMicro()), nil
	default:
		return 0, fmt.Errorf("unsupported sequence type %T", v)
	}
}
