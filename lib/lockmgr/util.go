package lockmgr

import (
	"cmp"
	"crypto/rand"
	"slices"
	"strings"

	"github.com/ValentinKolb/hlock/lib/hashindex"
)

const (
	ownerIDBytes = 32
)

// generateOwnerID creates a new unique owner ID
// The owner ID is a random byte slice of 256 bits.
func generateOwnerID() ([]byte, error) {
	randomBytes := make([]byte, ownerIDBytes)
	_, err := rand.Read(randomBytes)
	return randomBytes, err
}

// globalOrder removes duplicate keys and sorts the rest by (hash, key), the
// order every multi-key acquisition follows.
func globalOrder(ix *hashindex.Index, keys []string) []string {
	type hashed struct {
		hash uint64
		key  string
	}
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]hashed, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ordered = append(ordered, hashed{hash: ix.Hash([]byte(k)), key: k})
	}
	slices.SortFunc(ordered, func(a, b hashed) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return strings.Compare(a.key, b.key)
	})
	out := make([]string, len(ordered))
	for i, h := range ordered {
		out[i] = h.key
	}
	return out
}
