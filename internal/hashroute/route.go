package hashroute

import (
	"strings"

	"profilestore/internal/domain"

	"github.com/cespare/xxhash/v2"
)

// DefaultPartitionCount matches the partition count of a freshly created
// events topic. Changing it for a live cluster requires a full rebuild.
const DefaultPartitionCount = 25

// CanonicalizeKey normalizes incoming profile keys before hashing.
func CanonicalizeKey(key string) string {
	return strings.TrimSpace(key)
}

func PartitionOf(key string, partitions int) domain.PartitionID {
	if partitions <= 0 {
		partitions = DefaultPartitionCount
	}
	return domain.PartitionID(xxhash.Sum64String(CanonicalizeKey(key)) % uint64(partitions))
}
