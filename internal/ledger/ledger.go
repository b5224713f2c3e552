package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/silverline/silverline/internal/hash"
	"github.com/silverline/silverline/internal/merge"
)

var (
	CurrentBucket = []byte("current")
	HistoryBucket = []byte("history")
	StateBucket   = []byte("state")
)

// Store is the durable idempotency ledger plus both derived tables, backed
// by a single bbolt file.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{CurrentBucket, HistoryBucket, StateBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// versionKey identifies a version by its start sequence. Key and source
// segments are hex-encoded so they cannot collide with the separator.
func versionKey(key string, v *merge.HistoryVersion) []byte {
	return []byte(fmt.Sprintf("%s:%020d:%s:%010d",
		hex.EncodeToString([]byte(key)),
		v.StartSequence.Ordinal,
		hex.EncodeToString([]byte(v.StartSequence.Source)),
		v.StartSequence.Arrival))
}

func historyPrefix(key string) []byte {
	return []byte(hex.EncodeToString([]byte(key)) + ":")
}

func (s *Store) MergeState(key string) (merge.MergeState, error) {
	var state merge.MergeState

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(StateBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return merge.MergeState{}, fmt.Errorf("failed to read merge state for %s: %w", key, err)
	}

	return state, nil
}

func (s *Store) CurrentRecord(key string) (*merge.CurrentRecord, error) {
	var record *merge.CurrentRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(CurrentBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		record = &merge.CurrentRecord{}
		return json.Unmarshal(data, record)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read current record for %s: %w", key, err)
	}

	return record, nil
}

// CurrentVersion returns the key's open history version, nil if the chain is
// empty or closed by a delete.
func (s *Store) CurrentVersion(key string) (*merge.HistoryVersion, error) {
	var current *merge.HistoryVersion

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(HistoryBucket).Cursor()
		prefix := historyPrefix(key)

		for k, v := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cursor.Next() {
			var version merge.HistoryVersion
			if err := json.Unmarshal(v, &version); err != nil {
				return fmt.Errorf("corrupt history version at %s: %w", k, err)
			}
			if version.Current {
				current = &version
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return current, nil
}

// Commit applies one key's delta atomically: the current-state upsert or
// tombstone, every touched history version, and the watermark advance.
func (s *Store) Commit(key string, delta merge.Delta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		current := tx.Bucket(CurrentBucket)
		if delta.Record == nil {
			if err := current.Delete([]byte(key)); err != nil {
				return fmt.Errorf("failed to delete current record: %w", err)
			}
		} else {
			data, err := json.Marshal(delta.Record)
			if err != nil {
				return fmt.Errorf("failed to marshal current record: %w", err)
			}
			if err := current.Put([]byte(key), data); err != nil {
				return fmt.Errorf("failed to write current record: %w", err)
			}
		}

		history := tx.Bucket(HistoryBucket)
		for _, version := range delta.History {
			data, err := json.Marshal(version)
			if err != nil {
				return fmt.Errorf("failed to marshal history version: %w", err)
			}
			if err := history.Put(versionKey(key, version), data); err != nil {
				return fmt.Errorf("failed to write history version: %w", err)
			}
		}

		state, err := json.Marshal(merge.MergeState{LastApplied: delta.LastApplied, HasApplied: true})
		if err != nil {
			return fmt.Errorf("failed to marshal merge state: %w", err)
		}
		return tx.Bucket(StateBucket).Put([]byte(key), state)
	})
}

// History returns the full version chain for a key in start-sequence order.
// The stored byte order does not collate like Sequence.Compare when sources
// tie on ordinal, so the decoded versions are sorted.
func (s *Store) History(key string) ([]*merge.HistoryVersion, error) {
	var versions []*merge.HistoryVersion

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(HistoryBucket).Cursor()
		prefix := historyPrefix(key)

		for k, v := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cursor.Next() {
			var version merge.HistoryVersion
			if err := json.Unmarshal(v, &version); err != nil {
				return fmt.Errorf("corrupt history version at %s: %w", k, err)
			}
			versions = append(versions, &version)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].StartSequence.Less(versions[j].StartSequence)
	})

	return versions, nil
}

// Keys lists every business key the ledger has ever committed.
func (s *Store) Keys() ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(StateBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	return keys, nil
}

// CurrentDigest merkle-hashes the whole current-state table. Independent
// instances fed the same event set converge to the same digest.
func (s *Store) CurrentDigest() (string, int, error) {
	tree := hash.NewMerkleTree()

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(CurrentBucket).ForEach(func(_, v []byte) error {
			var record merge.CurrentRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			return tree.AddLeaf(record)
		})
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to digest current table: %w", err)
	}

	return tree.GetRoot(), tree.LeafCount(), nil
}
