package writer

import (
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/stjordanis/knime-core/internal/record"
)

// keySet remembers every row key written so far. Keys are bucketed by their
// 64-bit digest; collisions fall back to exact comparison.
type keySet struct {
	buckets map[uint64][]record.RowKey
}

func newKeySet() *keySet {
	return &keySet{buckets: make(map[uint64][]record.RowKey)}
}

// add reports false if k was already present.
func (s *keySet) add(k record.RowKey) bool {
	d := xxhash.Sum64String(string(k))
	b := s.buckets[d]
	if slices.Contains(b, k) {
		return false
	}
	s.buckets[d] = append(b, k)
	return true
}
