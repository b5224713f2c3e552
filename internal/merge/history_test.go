package merge

import (
	"testing"
)

func TestHistoryMergerTrackedFork(t *testing.T) {
	m := NewHistoryMerger([]string{"email"}, nil, false)

	// seq 1: first version opens.
	current, touched, err := m.Apply(nil, update("1", 1, map[string]any{"email": "a", "city": "X"}))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if current == nil || !current.Current {
		t.Fatal("expected an open version")
	}
	if len(touched) != 1 {
		t.Fatalf("expected 1 touched version, got %d", len(touched))
	}
	v1 := current

	// seq 2: non-tracked drift updates in place, no fork.
	current, touched, err = m.Apply(current, update("1", 2, map[string]any{"city": "Y"}))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if current != v1 {
		t.Fatal("non-tracked drift must not open a new version")
	}
	if current.Fields["city"] != "Y" {
		t.Error("snapshot should be refreshed in place")
	}
	if current.StartSequence.Ordinal != 1 {
		t.Error("start sequence must not move on in-place refresh")
	}
	if len(touched) != 1 || touched[0] != v1 {
		t.Error("refresh should report the open version as touched")
	}

	// seq 3: tracked change closes v1 and opens v2.
	current, touched, err = m.Apply(current, update("1", 3, map[string]any{"email": "b"}))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if current == v1 {
		t.Fatal("tracked change must open a new version")
	}
	if len(touched) != 2 {
		t.Fatalf("expected closed + opened versions, got %d", len(touched))
	}

	if v1.Current {
		t.Error("superseded version should not be current")
	}
	if v1.EndSequence == nil || v1.EndSequence.Ordinal != 3 {
		t.Error("superseded version should close at the forking sequence")
	}
	if current.StartSequence.Ordinal != 3 || current.EndSequence != nil {
		t.Error("new version should be open from sequence 3")
	}
	if current.Fields["city"] != "Y" {
		t.Error("non-tracked attribute must carry into the new version")
	}
	if current.Fields["email"] != "b" {
		t.Error("tracked attribute must take the new value")
	}
	if current.Fingerprint == v1.Fingerprint {
		t.Error("forked versions must have different fingerprints")
	}
}

func TestHistoryMergerDelete(t *testing.T) {
	m := NewHistoryMerger([]string{"email"}, nil, false)

	current, _, _ := m.Apply(nil, update("1", 3, map[string]any{"email": "a", "city": "X"}))

	// Delete at seq 5 closes the chain without opening anything.
	next, touched, err := m.Apply(current, deleteEvent("1", 5))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next != nil {
		t.Fatal("delete must leave zero current versions")
	}
	if len(touched) != 1 {
		t.Fatalf("expected exactly the closed version, got %d", len(touched))
	}
	if current.EndSequence == nil || current.EndSequence.Ordinal != 5 {
		t.Error("closed version should end at the delete sequence")
	}
	if current.Current {
		t.Error("closed version should not be current")
	}

	// Insert at seq 7 opens fresh with no pre-delete carryover.
	reopened, _, err := m.Apply(next, update("1", 7, map[string]any{"email": "b"}))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if reopened.StartSequence.Ordinal != 7 || reopened.EndSequence != nil {
		t.Error("reopened version should be open from sequence 7")
	}
	if _, leaked := reopened.Fields["city"]; leaked {
		t.Error("pre-delete attribute leaked across the delete")
	}
}

func TestHistoryMergerDeleteOnEmptyChain(t *testing.T) {
	m := NewHistoryMerger([]string{"email"}, nil, false)

	next, touched, err := m.Apply(nil, deleteEvent("1", 5))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if next != nil || len(touched) != 0 {
		t.Error("delete with no current version is a no-op")
	}
}

func TestHistoryMergerNullForksTrackedColumn(t *testing.T) {
	m := NewHistoryMerger([]string{"email"}, nil, false)

	current, _, _ := m.Apply(nil, update("1", 1, map[string]any{"email": "a"}))
	next, _, err := m.Apply(current, update("1", 2, map[string]any{"email": nil}))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if next == current {
		t.Fatal("clearing a tracked attribute must fork history")
	}
	if v, present := next.Fields["email"]; !present || v != nil {
		t.Error("new version should snapshot the explicit null")
	}
}

func TestHistoryMergerExceptColumns(t *testing.T) {
	m := NewHistoryMerger([]string{"email"}, []string{"processed_timestamp"}, false)

	current, _, _ := m.Apply(nil, update("1", 1, map[string]any{
		"email":               "a",
		"processed_timestamp": "2024-01-01",
	}))

	if _, stored := current.Fields["processed_timestamp"]; stored {
		t.Error("except-listed attribute must not enter the snapshot")
	}
}
