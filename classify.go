package offlineagent

import "strings"

// Policy is the caching policy for a request path.
type Policy int

const (
	// CachePreferred serves an existing cached response over the network.
	CachePreferred Policy = iota
	// AlwaysFresh tries the network first, using the cache only as fallback.
	AlwaysFresh
)

func (p Policy) String() string {
	if p == AlwaysFresh {
		return "always-fresh"
	}
	return "cache-preferred"
}

// Classifier maps a request path to a caching policy.
// A path matching any of the no-cache paths (exact or suffix match)
// is classified AlwaysFresh, everything else CachePreferred.
type Classifier struct {
	noCachePaths []string
}

func NewClassifier(noCachePaths []string) Classifier {
	return Classifier{noCachePaths: noCachePaths}
}

// Classify is pure and total: any input, including the empty string,
// yields a policy.
func (c Classifier) Classify(path string) Policy {
	for _, noCache := range c.noCachePaths {
		if path == noCache || strings.HasSuffix(path, noCache) {
			return AlwaysFresh
		}
	}
	return CachePreferred
}
