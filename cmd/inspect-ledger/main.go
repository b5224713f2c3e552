package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/silverline/silverline/internal/ledger"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <ledger-path> [key]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Dumps merge state, current record and history chain from a ledger file\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]

	fmt.Printf("Opening ledger: %s\n", dbPath)
	store, err := ledger.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if len(os.Args) == 2 {
		keys, err := store.Keys()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Keys: %d\n", len(keys))
		for _, key := range keys {
			state, err := store.MergeState(key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", key, err)
				continue
			}
			fmt.Printf("  %s  last_applied=%s\n", key, state.LastApplied)
		}
		return
	}

	key := os.Args[2]

	state, err := store.MergeState(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Merge state: last_applied=%s has_applied=%v\n", state.LastApplied, state.HasApplied)

	record, err := store.CurrentRecord(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if record == nil {
		fmt.Println("Current record: (tombstone)")
	} else {
		data, _ := json.MarshalIndent(record, "", "  ")
		fmt.Printf("Current record:\n%s\n", data)
	}

	versions, err := store.History(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("History versions: %d\n", len(versions))
	for i, version := range versions {
		end := "open"
		if version.EndSequence != nil {
			end = version.EndSequence.String()
		}
		fmt.Printf("  [%d] start=%s end=%s current=%v fingerprint=%.16s\n",
			i, version.StartSequence, end, version.Current, version.Fingerprint)

		data, _ := json.Marshal(version.Fields)
		fmt.Printf("      %s\n", data)
	}
}
