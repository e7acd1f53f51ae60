package evaluator

import (
	"github.com/spaolacci/murmur3"
)

// totalBuckets gives rollouts a resolution of 0.01%
const totalBuckets = 10000

// bucket maps an entity onto [0, totalBuckets) for a given flag.
//
// The key is entityID + ":" + flagKey hashed with 32-bit murmur3, so the same
// entity lands in the same bucket for a flag across snapshots and processes,
// while different flags bucket the same entity independently.
func bucket(flagKey, entityID string) uint32 {
	return murmur3.Sum32([]byte(entityID+":"+flagKey)) % totalBuckets
}

// percentBuckets converts a 0-100 percentage into a bucket boundary
func percentBuckets(percent float64) float64 {
	return percent * (totalBuckets / 100)
}
