package offshell

import "net/http"

// CacheEntry is an immutable snapshot of an origin response. Entries are
// replaced wholesale on refresh, never mutated in place.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// StrategyClass identifies how a request is satisfied against the store and
// the network. It is assigned once per request and never changes.
type StrategyClass int

const (
	CacheFirst StrategyClass = iota
	NetworkFirst
	StaleWhileRevalidate
)

func (c StrategyClass) String() string {
	switch c {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return "unknown"
}
