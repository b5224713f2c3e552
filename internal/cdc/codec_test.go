package cdc

import (
	"strings"
	"testing"
)

func TestDecodeBatch(t *testing.T) {
	input := `{"operation": "UPDATE", "source": "mongodb", "fields": {"cpf": "111", "email": "a@x.com", "city": null, "dt_current_timestamp": 1700000001}}
{"operation": "DELETE", "source": "mssql", "fields": {"cpf": "222", "dt_current_timestamp": 1700000002}}
{"source": "mongodb", "fields": {"cpf": "111", "email": "b@x.com", "dt_current_timestamp": 1700000003}}
`

	opts := DecodeOptions{
		KeyAttributes:     []string{"cpf"},
		SequenceAttribute: "dt_current_timestamp",
	}

	events, err := DecodeBatch(strings.NewReader(input), opts)
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	t.Run("key and sequence lifted from fields", func(t *testing.T) {
		if events[0].Key != "111" {
			t.Errorf("expected key 111, got %q", events[0].Key)
		}
		if events[0].Sequence.Ordinal != 1700000001 {
			t.Errorf("expected ordinal 1700000001, got %d", events[0].Sequence.Ordinal)
		}
		if events[0].Sequence.Source != "mongodb" {
			t.Errorf("expected sequence source mongodb, got %q", events[0].Sequence.Source)
		}
	})

	t.Run("three field states survive decoding", func(t *testing.T) {
		e := events[0]
		if v := e.Fields["email"]; v != "a@x.com" {
			t.Errorf("expected present value, got %v", v)
		}
		if !e.FieldPresent("city") || e.Fields["city"] != nil {
			t.Error("explicit null should decode as present-null")
		}
		if e.FieldPresent("first_name") {
			t.Error("unmentioned attribute should be absent")
		}
	})

	t.Run("arrival records stream order", func(t *testing.T) {
		for i, e := range events {
			if e.Sequence.Arrival != uint64(i+1) {
				t.Errorf("event %d: expected arrival %d, got %d", i, i+1, e.Sequence.Arrival)
			}
		}
	})

	t.Run("missing operation defaults to update", func(t *testing.T) {
		if events[2].Operation != OperationUpdate {
			t.Errorf("expected UPDATE, got %s", events[2].Operation)
		}
	})

	t.Run("delete keeps its tag", func(t *testing.T) {
		if events[1].Operation != OperationDelete {
			t.Errorf("expected DELETE, got %s", events[1].Operation)
		}
	})
}

func TestDecodeBatchCompositeKey(t *testing.T) {
	input := `{"operation": "UPDATE", "source": "mssql", "sequence": {"ordinal": 7}, "fields": {"country": "BR", "user_id": 42}}`

	events, err := DecodeBatch(strings.NewReader(input), DecodeOptions{KeyAttributes: []string{"country", "user_id"}})
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}

	if events[0].Key != "BR/42" {
		t.Errorf("expected composite key BR/42, got %q", events[0].Key)
	}
}

func TestDecodeBatchTimestampOrdinal(t *testing.T) {
	input := `{"operation": "UPDATE", "source": "mongodb", "fields": {"cpf": "111", "dt_current_timestamp": "2024-03-01T10:00:00Z"}}`

	events, err := DecodeBatch(strings.NewReader(input), DecodeOptions{
		KeyAttributes:     []string{"cpf"},
		SequenceAttribute: "dt_current_timestamp",
	})
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}

	if events[0].Sequence.Ordinal == 0 {
		t.Error("RFC3339 timestamp should produce a nonzero ordinal")
	}
}

func TestDecodeBatchExplicitSequenceWins(t *testing.T) {
	input := `{"operation": "UPDATE", "source": "mongodb", "sequence": {"ordinal": 9, "source": "mongodb", "arrival": 4}, "fields": {"cpf": "111"}}`

	events, err := DecodeBatch(strings.NewReader(input), DecodeOptions{KeyAttributes: []string{"cpf"}})
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}

	if events[0].Sequence.Ordinal != 9 || events[0].Sequence.Arrival != 4 {
		t.Errorf("explicit sequence should be kept, got %s", events[0].Sequence)
	}
}

func TestDecodeBatchDeleteFlag(t *testing.T) {
	input := `{"operation": "UPDATE", "source": "mssql", "sequence": {"ordinal": 1}, "fields": {"cpf": "111", "is_deleted": true}}
{"operation": "UPDATE", "source": "mssql", "sequence": {"ordinal": 2}, "fields": {"cpf": "222", "is_deleted": false}}
{"operation": "UPDATE", "source": "mssql", "sequence": {"ordinal": 3}, "fields": {"cpf": "333", "is_deleted": "Y"}}
`

	events, err := DecodeBatch(strings.NewReader(input), DecodeOptions{
		KeyAttributes:       []string{"cpf"},
		DeleteFlagAttribute: "is_deleted",
	})
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}

	if events[0].Operation != OperationDelete {
		t.Errorf("true flag should normalize to DELETE, got %s", events[0].Operation)
	}
	if events[1].Operation != OperationUpdate {
		t.Errorf("false flag should stay UPDATE, got %s", events[1].Operation)
	}
	if events[2].Operation != OperationDelete {
		t.Errorf("Y flag should normalize to DELETE, got %s", events[2].Operation)
	}
}

func TestDecodeBatchMalformedJSON(t *testing.T) {
	input := `{"operation": "UPDATE"`

	if _, err := DecodeBatch(strings.NewReader(input), DecodeOptions{}); err == nil {
		t.Fatal("expected decode error for truncated JSON")
	}
}

func TestDecodeBatchBadSequenceValue(t *testing.T) {
	input := `{"operation": "UPDATE", "source": "mongodb", "fields": {"cpf": "111", "dt_current_timestamp": "not-a-time"}}`

	_, err := DecodeBatch(strings.NewReader(input), DecodeOptions{
		KeyAttributes:     []string{"cpf"},
		SequenceAttribute: "dt_current_timestamp",
	})
	if err == nil {
		t.Fatal("expected error for unparseable sequence value")
	}
}
