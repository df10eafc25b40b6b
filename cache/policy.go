package cache

import (
	"time"

	"github.com/cachepit/cachepit/s3ops"
)

// OpPolicy overrides caching behaviour for a single operation.
// Zero durations inherit the global values.
type OpPolicy struct {
	Enabled bool
	TTL     time.Duration
	TTI     time.Duration
}

// Policy is the immutable caching configuration: global capacity and
// lifetimes plus per-operation overrides.
type Policy struct {
	// Capacity bounds the sum of entry weights, in bytes.
	Capacity int64
	// MaxEntrySize rejects oversized responses outright. Defaults to
	// Capacity/8 when zero.
	MaxEntrySize int64
	TTL          time.Duration
	TTI          time.Duration
	Ops          map[s3ops.Tag]OpPolicy
}

func (p Policy) withDefaults() Policy {
	if p.MaxEntrySize == 0 && p.Capacity > 0 {
		p.MaxEntrySize = p.Capacity / 8
		if p.MaxEntrySize == 0 {
			p.MaxEntrySize = p.Capacity
		}
	}
	return p
}

// resolve returns whether tag is cacheable and its effective lifetimes.
// Operations without an explicit policy are enabled.
func (p Policy) resolve(tag s3ops.Tag) (enabled bool, ttl, tti time.Duration) {
	if tag == s3ops.Other {
		return false, 0, 0
	}
	ttl, tti = p.TTL, p.TTI
	op, ok := p.Ops[tag]
	if !ok {
		return true, ttl, tti
	}
	if op.TTL > 0 {
		ttl = op.TTL
	}
	if op.TTI > 0 {
		tti = op.TTI
	}
	return op.Enabled, ttl, tti
}
