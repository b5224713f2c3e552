package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

func Calculate(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

func CalculateString(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

type trackedValue struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
	Value   any    `json:"value"`
}

// Fingerprint hashes the tracked attributes of a record snapshot. An
// explicitly cleared attribute hashes differently from one never supplied.
// Tracked names are sorted so the result is independent of config order.
func Fingerprint(fields map[string]any, tracked []string) (string, error) {
	names := make([]string, len(tracked))
	copy(names, tracked)
	sort.Strings(names)

	values := make([]trackedValue, 0, len(names))
	for _, name := range names {
		v, ok := fields[name]
		values = append(values, trackedValue{Name: name, Present: ok, Value: v})
	}

	return Calculate(values)
}
