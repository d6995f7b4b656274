package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// HashStruct generates a deterministic SHA-256 hash of a value through its
// JSON form. The encoder sorts map keys, so equal documents hash equal
// regardless of insertion order.
func HashStruct(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("contenthash: marshal for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func HashString(s string) string {
	return HashBytes([]byte(s))
}

// Combine folds named member digests into a single digest, independent of
// map order. Baseline hashes are derived this way from per-entity document
// hashes.
func Combine(members map[string]string) string {
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, members[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
