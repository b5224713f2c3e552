package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/silverline/silverline/internal/cdc"
	"github.com/silverline/silverline/internal/merge"
)

func tempStore(t *testing.T) *Store {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "silverline-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := Open(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func seq(ordinal uint64) cdc.Sequence {
	return cdc.Sequence{Ordinal: ordinal, Source: "mongodb", Arrival: ordinal}
}

func TestStore(t *testing.T) {
	store := tempStore(t)

	t.Run("empty key has zero state", func(t *testing.T) {
		state, err := store.MergeState("missing")
		if err != nil {
			t.Fatalf("MergeState failed: %v", err)
		}
		if state.HasApplied {
			t.Error("unseen key should have no watermark")
		}

		record, err := store.CurrentRecord("missing")
		if err != nil || record != nil {
			t.Errorf("unseen key should have no record, got %v (err=%v)", record, err)
		}

		version, err := store.CurrentVersion("missing")
		if err != nil || version != nil {
			t.Errorf("unseen key should have no version, got %v (err=%v)", version, err)
		}
	})

	t.Run("commit and read back", func(t *testing.T) {
		end := seq(3)
		delta := merge.Delta{
			Record: &merge.CurrentRecord{
				Key:          "111",
				Fields:       map[string]any{"email": "b", "city": "Y"},
				LastSequence: seq(3),
			},
			History: []*merge.HistoryVersion{
				{Key: "111", Fields: map[string]any{"email": "a"}, StartSequence: seq(1), EndSequence: &end, Fingerprint: "f1"},
				{Key: "111", Fields: map[string]any{"email": "b"}, StartSequence: seq(3), Current: true, Fingerprint: "f2"},
			},
			LastApplied: seq(3),
		}

		if err := store.Commit("111", delta); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		state, err := store.MergeState("111")
		if err != nil {
			t.Fatalf("MergeState failed: %v", err)
		}
		if !state.HasApplied || state.LastApplied.Ordinal != 3 {
			t.Errorf("expected watermark 3, got %+v", state)
		}

		record, err := store.CurrentRecord("111")
		if err != nil || record == nil {
			t.Fatalf("CurrentRecord failed: %v (err=%v)", record, err)
		}
		if record.Fields["email"] != "b" {
			t.Errorf("expected email b, got %v", record.Fields["email"])
		}

		version, err := store.CurrentVersion("111")
		if err != nil || version == nil {
			t.Fatalf("CurrentVersion failed: %v (err=%v)", version, err)
		}
		if version.StartSequence.Ordinal != 3 {
			t.Errorf("expected open version from 3, got %s", version.StartSequence)
		}

		versions, err := store.History("111")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(versions) != 2 {
			t.Fatalf("expected 2 versions, got %d", len(versions))
		}
		if versions[0].StartSequence.Ordinal != 1 || versions[1].StartSequence.Ordinal != 3 {
			t.Error("history should come back in start-sequence order")
		}
	})

	t.Run("tombstone removes the record", func(t *testing.T) {
		if err := store.Commit("111", merge.Delta{Record: nil, LastApplied: seq(5)}); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}

		record, err := store.CurrentRecord("111")
		if err != nil || record != nil {
			t.Errorf("expected tombstone, got %v (err=%v)", record, err)
		}

		state, _ := store.MergeState("111")
		if state.LastApplied.Ordinal != 5 {
			t.Error("watermark should advance on delete commits too")
		}
	})

	t.Run("keys", func(t *testing.T) {
		keys, err := store.Keys()
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 1 || keys[0] != "111" {
			t.Errorf("expected [111], got %v", keys)
		}
	})
}

func TestStoreKeyPrefixIsolation(t *testing.T) {
	store := tempStore(t)

	commit := func(key string, ordinal uint64) {
		t.Helper()
		err := store.Commit(key, merge.Delta{
			Record: &merge.CurrentRecord{Key: key, Fields: map[string]any{"k": key}, LastSequence: seq(ordinal)},
			History: []*merge.HistoryVersion{
				{Key: key, Fields: map[string]any{"k": key}, StartSequence: seq(ordinal), Current: true},
			},
			LastApplied: seq(ordinal),
		})
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}

	commit("11", 1)
	commit("111", 2)
	// A ":" inside a business key must not collide with the segment separator.
	commit("11:1", 3)

	versions, err := store.History("11")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(versions) != 1 || versions[0].Key != "11" {
		t.Errorf("prefix scan leaked a neighboring key: %+v", versions)
	}

	versions, err = store.History("11:1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(versions) != 1 || versions[0].Key != "11:1" {
		t.Errorf("colon key parsed against a neighboring prefix: %+v", versions)
	}
}

func TestStoreHistoryOrderWithSourceTie(t *testing.T) {
	store := tempStore(t)

	// Same ordinal, sources where one name prefixes the other. Sequence order
	// says "users" before "users2"; the stored byte order would say otherwise
	// because the separator outsorts the trailing "2".
	first := cdc.Sequence{Ordinal: 5, Source: "users", Arrival: 1}
	second := cdc.Sequence{Ordinal: 5, Source: "users2", Arrival: 2}

	err := store.Commit("111", merge.Delta{
		Record: &merge.CurrentRecord{Key: "111", Fields: map[string]any{"email": "b"}, LastSequence: second},
		History: []*merge.HistoryVersion{
			{Key: "111", Fields: map[string]any{"email": "a"}, StartSequence: first, EndSequence: &second},
			{Key: "111", Fields: map[string]any{"email": "b"}, StartSequence: second, Current: true},
		},
		LastApplied: second,
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	versions, err := store.History("111")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].StartSequence.Source != "users" || versions[1].StartSequence.Source != "users2" {
		t.Errorf("history out of chain order: got %s then %s",
			versions[0].StartSequence, versions[1].StartSequence)
	}
	if !versions[1].Current {
		t.Error("open version must come back last in the chain")
	}
}

// End-to-end: the coordinator against the real store.
func TestStoreWithCoordinator(t *testing.T) {
	run := func(t *testing.T, batches [][]cdc.ChangeEvent) *Store {
		t.Helper()
		store := tempStore(t)
		coordinator, err := merge.NewCoordinator(store, merge.Options{
			SCDType:             2,
			TrackHistoryColumns: []string{"email"},
			ExceptColumns:       []string{"processed_timestamp"},
		})
		if err != nil {
			t.Fatalf("NewCoordinator failed: %v", err)
		}
		for _, batch := range batches {
			result, err := coordinator.ApplyBatch(context.Background(), batch)
			if err != nil || !result.OK() {
				t.Fatalf("ApplyBatch failed: %v %+v", err, result)
			}
		}
		return store
	}

	events := []cdc.ChangeEvent{
		{Key: "111", Operation: cdc.OperationUpdate, Sequence: seq(1), Source: "mongodb",
			Fields: map[string]any{"email": "a", "city": "X", "processed_timestamp": "t1"}},
		{Key: "111", Operation: cdc.OperationUpdate, Sequence: seq(2), Source: "mongodb",
			Fields: map[string]any{"city": "Y"}},
		{Key: "222", Operation: cdc.OperationUpdate, Sequence: seq(1), Source: "mssql",
			Fields: map[string]any{"email": "z"}},
		{Key: "111", Operation: cdc.OperationUpdate, Sequence: seq(3), Source: "mongodb",
			Fields: map[string]any{"email": "b"}},
	}

	t.Run("replaying the same batch converges", func(t *testing.T) {
		store := run(t, [][]cdc.ChangeEvent{events, events})

		versions, err := store.History("111")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(versions) != 2 {
			t.Fatalf("expected 2 versions after replay, got %d", len(versions))
		}

		record, _ := store.CurrentRecord("111")
		if record.Fields["email"] != "b" || record.Fields["city"] != "Y" {
			t.Errorf("unexpected record: %v", record.Fields)
		}
		if _, stored := record.Fields["processed_timestamp"]; stored {
			t.Error("except-listed column leaked into storage")
		}
	})

	t.Run("independent instances converge to the same digest", func(t *testing.T) {
		permuted := []cdc.ChangeEvent{events[3], events[1], events[2], events[0]}

		a := run(t, [][]cdc.ChangeEvent{events})
		b := run(t, [][]cdc.ChangeEvent{permuted})

		digestA, liveA, err := a.CurrentDigest()
		if err != nil {
			t.Fatalf("CurrentDigest failed: %v", err)
		}
		digestB, liveB, err := b.CurrentDigest()
		if err != nil {
			t.Fatalf("CurrentDigest failed: %v", err)
		}

		if liveA != 2 || liveB != 2 {
			t.Errorf("expected 2 live records each, got %d and %d", liveA, liveB)
		}
		if digestA != digestB {
			t.Error("same event set must converge to the same current-state digest")
		}
	})
}

func TestStoreCommitIsAtomicUnit(t *testing.T) {
	store := tempStore(t)

	// A marshal failure inside Commit must leave nothing behind.
	delta := merge.Delta{
		Record: &merge.CurrentRecord{
			Key:          "111",
			Fields:       map[string]any{"bad": make(chan int)},
			LastSequence: seq(1),
		},
		LastApplied: seq(1),
	}

	if err := store.Commit("111", delta); err == nil {
		t.Fatal("expected marshal error")
	}

	state, err := store.MergeState("111")
	if err != nil {
		t.Fatalf("MergeState failed: %v", err)
	}
	if state.HasApplied {
		t.Error("failed commit must not advance the watermark")
	}
	if record, _ := store.CurrentRecord("111"); record != nil {
		t.Errorf("failed commit must leave no record, got %v", record)
	}
}

func TestStoreDigestChangesWithData(t *testing.T) {
	store := tempStore(t)

	empty, _, err := store.CurrentDigest()
	if err != nil {
		t.Fatalf("CurrentDigest failed: %v", err)
	}
	if empty != "" {
		t.Error("empty table should digest to empty string")
	}

	err = store.Commit("111", merge.Delta{
		Record:      &merge.CurrentRecord{Key: "111", Fields: map[string]any{"email": "a"}, LastSequence: seq(1)},
		LastApplied: seq(1),
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	digest, live, err := store.CurrentDigest()
	if err != nil {
		t.Fatalf("CurrentDigest failed: %v", err)
	}
	if digest == "" || live != 1 {
		t.Errorf("expected nonempty digest over 1 record, got %q/%d", digest, live)
	}
}
