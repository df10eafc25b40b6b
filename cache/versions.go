package cache

import (
	"strconv"
	"sync"

	"github.com/cachepit/cachepit/event"
	"github.com/cachepit/cachepit/s3ops"
)

// versions holds the monotonic counters mixed into fingerprints. Bumping a
// counter makes every prior fingerprint that embedded the old value
// unreachable in O(1); the orphaned entries are collected by TTL/TTI and the
// sweeper.
//
// Three scopes exist:
//   - bucket: bumped by bucket-wide events, embedded in object fingerprints
//   - object: bumped by key-scoped events, embedded in object fingerprints
//   - listing: bumped by every event for the bucket, embedded in list and
//     HeadBucket fingerprints (any object change can alter a listing)
//
// ListBuckets embeds the global counter, bumped by bucket-wide events only.
type versions struct {
	mu      sync.Mutex
	bucket  map[string]uint64
	object  map[string]uint64
	listing map[string]uint64
	global  uint64
}

func newVersions() *versions {
	return &versions{
		bucket:  make(map[string]uint64),
		object:  make(map[string]uint64),
		listing: make(map[string]uint64),
	}
}

func objectScope(bucket, key string) string {
	return bucket + "\x00" + key
}

// snapshot renders the counters relevant to op as a stable string fragment
// for the fingerprint tuple.
func (v *versions) snapshot(op s3ops.Operation) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case op.Tag == s3ops.ListBuckets:
		return "g" + strconv.FormatUint(v.global, 10)
	case op.Tag.HasObjectKey():
		return "b" + strconv.FormatUint(v.bucket[op.Bucket], 10) +
			"o" + strconv.FormatUint(v.object[objectScope(op.Bucket, op.Key)], 10)
	default:
		return "l" + strconv.FormatUint(v.listing[op.Bucket], 10)
	}
}

// apply bumps the counters affected by an invalidation event.
func (v *versions) apply(ev event.Invalidation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ev.Key != "" {
		v.object[objectScope(ev.Bucket, ev.Key)]++
	} else {
		v.bucket[ev.Bucket]++
		v.global++
	}
	v.listing[ev.Bucket]++
}
