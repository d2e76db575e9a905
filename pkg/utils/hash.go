package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HashValue hashes the JSON encoding of v. Map keys are sorted by
// encoding/json, so equal values always produce equal hashes.
func HashValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value for hashing: %w", err)
	}
	return HashString(string(data)), nil
}

// HashIDs returns a short stable identifier for an unordered set of ids.
func HashIDs(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return HashString(strings.Join(sorted, ","))[:16]
}
