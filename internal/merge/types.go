package merge

import (
	"github.com/silverline/silverline/internal/cdc"
)

// CurrentRecord is the SCD Type 1 row for a live key. An explicitly cleared
// attribute is stored as nil; one no source ever supplied is missing from
// Fields.
type CurrentRecord struct {
	Key          string         `json:"key"`
	Fields       map[string]any `json:"fields"`
	LastSequence cdc.Sequence   `json:"last_sequence"`
}

// HistoryVersion is one link of the SCD Type 2 chain. EndSequence is nil
// while the version is current. Fingerprint covers only the tracked
// attributes of the snapshot.
type HistoryVersion struct {
	Key           string         `json:"key"`
	Fields        map[string]any `json:"fields"`
	StartSequence cdc.Sequence   `json:"start_sequence"`
	EndSequence   *cdc.Sequence  `json:"end_sequence,omitempty"`
	Current       bool           `json:"current"`
	Fingerprint   string         `json:"fingerprint"`
}

// MergeState is the per-key idempotency watermark. Events at or below
// LastApplied have already been committed and are dropped on redelivery.
type MergeState struct {
	LastApplied cdc.Sequence `json:"last_applied"`
	HasApplied  bool         `json:"has_applied"`
}

func (s MergeState) IsStale(seq cdc.Sequence) bool {
	return s.HasApplied && seq.Compare(s.LastApplied) <= 0
}

// Delta is the atomic unit of durability for one key: the folded
// current-state row (nil meaning tombstone), every history version touched
// by the batch, and the advanced watermark.
type Delta struct {
	Record      *CurrentRecord
	History     []*HistoryVersion
	LastApplied cdc.Sequence
}

// Ledger is the durable store the coordinator commits against. Commit must
// be atomic per key.
type Ledger interface {
	MergeState(key string) (MergeState, error)
	CurrentRecord(key string) (*CurrentRecord, error)
	CurrentVersion(key string) (*HistoryVersion, error)
	Commit(key string, delta Delta) error
}
