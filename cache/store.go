package cache

import (
	"container/list"
	"net/http"
	"time"

	"github.com/cachepit/cachepit/metrics"
)

// entry is one cached response. The shape string is kept alongside the
// fingerprint so a hash collision is detected instead of served.
type entry struct {
	fp    Fingerprint
	shape string

	status int
	header http.Header
	body   []byte
	weight int64

	admittedAt time.Time
	lastAccess time.Time
	ttl        time.Duration // 0 = unbounded
	tti        time.Duration // 0 = unbounded

	elem *list.Element
}

func (e *entry) expired(now time.Time) bool {
	if e.ttl > 0 && !now.Before(e.admittedAt.Add(e.ttl)) {
		return true
	}
	if e.tti > 0 && !now.Before(e.lastAccess.Add(e.tti)) {
		return true
	}
	return false
}

// cached is the snapshot handed out on a hit. The body slice is shared and
// must be treated as read-only.
type cached struct {
	status     int
	header     http.Header
	body       []byte
	admittedAt time.Time
}

// store owns the entries, the size-weighted recency list and the admission
// sketch. One mutex covers all three; the pieces move in lockstep so
// fine-grained locking buys nothing at this scale.
type store struct {
	capacity     int64
	maxEntrySize int64

	entries map[Fingerprint]*entry
	lru     *list.List // front = most recently used
	used    int64
	sketch  *sketch

	now func() time.Time
	m   *metrics.Metrics
}

func newStore(capacity, maxEntrySize int64, sketchWidth int, now func() time.Time, m *metrics.Metrics) *store {
	if maxEntrySize <= 0 || maxEntrySize > capacity {
		maxEntrySize = capacity
	}
	if sketchWidth <= 0 {
		sketchWidth = 1 << 14
	}
	return &store{
		capacity:     capacity,
		maxEntrySize: maxEntrySize,
		entries:      make(map[Fingerprint]*entry),
		lru:          list.New(),
		sketch:       newSketch(sketchWidth),
		now:          now,
		m:            m,
	}
}

// Touch records an access in the admission sketch. Called on every cacheable
// request, hit or miss.
func (s *store) Touch(fp Fingerprint) {
	s.sketch.Touch(fp.hash64())
}

// Lookup returns the stored response for fp if it is fresh and its shape
// matches. Expired and colliding entries are removed and reported as misses.
func (s *store) Lookup(fp Fingerprint, shape string) (cached, bool) {
	now := s.now()
	e, ok := s.entries[fp]
	if !ok {
		return cached{}, false
	}
	if e.expired(now) {
		s.remove(e)
		s.m.IncExpirations()
		return cached{}, false
	}
	if e.shape != shape {
		// Fingerprint collision. Discard the entry and refetch.
		s.remove(e)
		return cached{}, false
	}
	e.lastAccess = now
	s.lru.MoveToFront(e.elem)
	return cached{status: e.status, header: e.header, body: e.body, admittedAt: e.admittedAt}, true
}

// Refresh marks fp as just accessed, restarting its idle clock. Used when a
// 304 validates the stored body.
func (s *store) Refresh(fp Fingerprint, shape string) bool {
	e, ok := s.entries[fp]
	if !ok || e.shape != shape {
		return false
	}
	e.lastAccess = s.now()
	s.lru.MoveToFront(e.elem)
	return true
}

// Admit offers a response to the cache. TinyLFU decides against the current
// LRU victim; rejected challengers leave the live entries untouched (expired
// entries met while looking for victims are removed either way). The capacity
// invariant holds on return: the sum of live weights never exceeds capacity.
func (s *store) Admit(fp Fingerprint, shape string, status int, header http.Header, body []byte, ttl, tti time.Duration) bool {
	weight := int64(len(body))
	if weight == 0 {
		weight = 1
	}
	if weight > s.maxEntrySize || weight > s.capacity {
		s.m.IncAdmissionsRejected()
		return false
	}

	// An entry under the same fingerprint is replaced, not challenged; its
	// weight counts as reclaimable, but it is only removed once the
	// newcomer is confirmed.
	old, replacing := s.entries[fp]
	var reclaimed int64
	if replacing {
		reclaimed = old.weight
	}

	// Stage victims from the tail until the newcomer fits. Nothing is
	// evicted yet: if any victim wins the frequency contest the admission
	// is rejected and the live entries stay untouched.
	challenger := s.sketch.Estimate(fp.hash64())
	var victims []*entry
	elem := s.lru.Back()
	for s.used-reclaimed+weight > s.capacity {
		if elem == nil {
			break
		}
		ve := elem.Value.(*entry)
		prev := elem.Prev()
		if ve == old {
			elem = prev
			continue
		}
		if ve.expired(s.now()) {
			// dead weight goes regardless of the admission outcome
			s.remove(ve)
			s.m.IncExpirations()
			elem = prev
			continue
		}
		if challenger < s.sketch.Estimate(ve.fp.hash64()) {
			s.m.IncAdmissionsRejected()
			return false
		}
		victims = append(victims, ve)
		reclaimed += ve.weight
		elem = prev
	}

	if replacing {
		s.remove(old)
	}
	for _, ve := range victims {
		s.remove(ve)
		s.m.IncEvictions()
	}

	now := s.now()
	e := &entry{
		fp:         fp,
		shape:      shape,
		status:     status,
		header:     header,
		body:       body,
		weight:     weight,
		admittedAt: now,
		lastAccess: now,
		ttl:        ttl,
		tti:        tti,
	}
	e.elem = s.lru.PushFront(e)
	s.entries[fp] = e
	s.used += weight
	s.m.IncAdmissions()
	return true
}

// Sweep removes every expired entry. Run periodically; lookups also collect
// lazily.
func (s *store) Sweep() int {
	now := s.now()
	var removed int
	for _, e := range s.entries {
		if e.expired(now) {
			s.remove(e)
			s.m.IncExpirations()
			removed++
		}
	}
	return removed
}

// Used reports the current total weight.
func (s *store) Used() int64 {
	return s.used
}

// Len reports the number of live entries.
func (s *store) Len() int {
	return len(s.entries)
}

func (s *store) remove(e *entry) {
	delete(s.entries, e.fp)
	s.lru.Remove(e.elem)
	s.used -= e.weight
}
