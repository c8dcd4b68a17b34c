package merge

import "codearchive/internal/archive"

// EvictionPolicy decides which version leaves a method record that grew past
// the version cap. Versions are in insertion order.
type EvictionPolicy interface {
	Evict(versions []*archive.Version) int
	String() string
}

// LeastRecentlyAdded evicts the version that was added first.
type LeastRecentlyAdded struct{}

func (LeastRecentlyAdded) Evict([]*archive.Version) int { return 0 }
func (LeastRecentlyAdded) String() string               { return "least-recently-added" }
