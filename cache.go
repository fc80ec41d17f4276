package bluewire

import "time"

type cachePolicyKind int

const (
	cacheNever cachePolicyKind = iota
	cacheAlways
	cacheTimeSensitive
)

// A CachePolicy decides, per read call, whether a cached characteristic
// value satisfies the read without a radio round trip.
type CachePolicy struct {
	kind   cachePolicyKind
	maxAge time.Duration
}

// CacheNever bypasses the cache: every read issues a radio command.
var CacheNever = CachePolicy{kind: cacheNever}

// CacheAlways accepts any cached value regardless of age.
var CacheAlways = CachePolicy{kind: cacheAlways}

// CacheTimeSensitive accepts a cached value no older than maxAge.
func CacheTimeSensitive(maxAge time.Duration) CachePolicy {
	return CachePolicy{kind: cacheTimeSensitive, maxAge: maxAge}
}

// Accepts reports whether a cached value of the given age satisfies the
// policy.
func (p CachePolicy) Accepts(age time.Duration) bool {
	switch p.kind {
	case cacheAlways:
		return true
	case cacheTimeSensitive:
		return age <= p.maxAge
	}
	return false
}

func (p CachePolicy) String() string {
	switch p.kind {
	case cacheAlways:
		return "always"
	case cacheTimeSensitive:
		return "timeSensitive(" + p.maxAge.String() + ")"
	}
	return "never"
}
