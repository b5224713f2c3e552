package merge

import (
	"context"
	"fmt"
	"sync"

	"github.com/silverline/silverline/internal/cdc"
)

const defaultWorkers = 4

// Options configures the merge engine. SCD type 1 keeps the current-state
// table only, type 2 keeps the history chain alongside it.
type Options struct {
	SCDType             int
	TrackHistoryColumns []string
	ExceptColumns       []string
	IgnoreNullUpdates   bool
	Workers             int
}

func (o *Options) validate() error {
	switch o.SCDType {
	case 1:
		if len(o.TrackHistoryColumns) > 0 {
			return fmt.Errorf("%w: track_history_columns is only supported for SCD type 2", ErrConfiguration)
		}
	case 2:
		if len(o.TrackHistoryColumns) == 0 {
			return fmt.Errorf("%w: track_history_columns is required for SCD type 2", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: scd_type must be 1 or 2, got %d", ErrConfiguration, o.SCDType)
	}
	if o.Workers < 0 {
		return fmt.Errorf("%w: workers must be positive", ErrConfiguration)
	}
	return nil
}

// BatchResult reports what a batch did. Stale and Ties are expected under
// at-least-once delivery and misordered sources.
type BatchResult struct {
	Applied  int
	Stale    int
	Ties     int
	Rejected []*cdc.MalformedEventError
	Failed   map[string]error
}

func (r *BatchResult) OK() bool {
	return len(r.Rejected) == 0 && len(r.Failed) == 0
}

// Coordinator partitions batches by business key, replays each key's events
// through the mergers in sequence order and commits the results atomically
// against the ledger.
type Coordinator struct {
	opts    Options
	ledger  Ledger
	current *CurrentMerger
	history *HistoryMerger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func NewCoordinator(ledger Ledger, opts Options) (*Coordinator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrConfiguration)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Workers == 0 {
		opts.Workers = defaultWorkers
	}

	c := &Coordinator{
		opts:     opts,
		ledger:   ledger,
		current:  NewCurrentMerger(opts.ExceptColumns, opts.IgnoreNullUpdates),
		keyLocks: make(map[string]*sync.Mutex),
	}
	if opts.SCDType == 2 {
		c.history = NewHistoryMerger(opts.TrackHistoryColumns, opts.ExceptColumns, opts.IgnoreNullUpdates)
	}
	return c, nil
}

// ApplyBatch processes one batch of change events: unordered, mixed keys,
// duplicates and stale redeliveries allowed. A commit failure for one key
// never blocks the others; resubmitting the same batch is safe.
func (c *Coordinator) ApplyBatch(ctx context.Context, events []cdc.ChangeEvent) (BatchResult, error) {
	result := BatchResult{Failed: make(map[string]error)}

	byKey := make(map[string][]cdc.ChangeEvent)
	var keys []string
	for _, event := range events {
		if err := event.Validate(); err != nil {
			result.Rejected = append(result.Rejected, err.(*cdc.MalformedEventError))
			continue
		}
		if _, seen := byKey[event.Key]; !seen {
			keys = append(keys, event.Key)
		}
		byKey[event.Key] = append(byKey[event.Key], event)
	}

	workers := c.opts.Workers
	if workers > len(keys) {
		workers = len(keys)
	}

	keyCh := make(chan string)
	var wg sync.WaitGroup
	var resultMu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range keyCh {
				applied, stale, ties, err := c.applyKey(key, byKey[key])

				resultMu.Lock()
				result.Applied += applied
				result.Stale += stale
				result.Ties += ties
				if err != nil {
					result.Failed[key] = err
				}
				resultMu.Unlock()
			}
		}()
	}

	var cancelled error
feed:
	for _, key := range keys {
		select {
		case keyCh <- key:
		case <-ctx.Done():
			cancelled = ctx.Err()
			break feed
		}
	}
	close(keyCh)
	wg.Wait()

	return result, cancelled
}

// applyKey runs the merge transaction for one key: read watermark, drop
// stale events, order the rest, fold the mergers, commit once. The per-key
// lock keeps the read-fold-commit sequence exclusive.
func (c *Coordinator) applyKey(key string, events []cdc.ChangeEvent) (applied, stale, ties int, err error) {
	lock := c.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	state, err := c.ledger.MergeState(key)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read merge state: %w", err)
	}

	fresh := make([]cdc.ChangeEvent, 0, len(events))
	for _, event := range events {
		if state.IsStale(event.Sequence) {
			stale++
			continue
		}
		fresh = append(fresh, event)
	}
	if len(fresh) == 0 {
		return 0, stale, 0, nil
	}

	fresh, ties = cdc.Resolve(fresh)

	record, err := c.ledger.CurrentRecord(key)
	if err != nil {
		return 0, stale, ties, fmt.Errorf("failed to read current record: %w", err)
	}

	var version *HistoryVersion
	if c.history != nil {
		version, err = c.ledger.CurrentVersion(key)
		if err != nil {
			return 0, stale, ties, fmt.Errorf("failed to read current version: %w", err)
		}
	}

	touched := make([]*HistoryVersion, 0, len(fresh))
	seen := make(map[*HistoryVersion]bool)

	for _, event := range fresh {
		record = c.current.Apply(record, event)

		if c.history != nil {
			var stepped []*HistoryVersion
			version, stepped, err = c.history.Apply(version, event)
			if err != nil {
				return 0, stale, ties, err
			}
			for _, v := range stepped {
				if !seen[v] {
					seen[v] = true
					touched = append(touched, v)
				}
			}
		}
		applied++
	}

	delta := Delta{
		Record:      record,
		History:     touched,
		LastApplied: fresh[len(fresh)-1].Sequence,
	}
	if err := c.ledger.Commit(key, delta); err != nil {
		return 0, stale, ties, NewCommitError(key, err)
	}

	return applied, stale, ties, nil
}

func (c *Coordinator) lockKey(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.keyLocks[key] = lock
	}
	return lock
}
