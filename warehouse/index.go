package warehouse

import (
	"sort"
	"sync"
)

// =============================================================================
// VERSION INDEX - Arena of versions, chains ordered by valid_from
// =============================================================================

// VersionIndex holds every dimension version in an arena addressed by
// surrogate key. Each natural key owns a chain of arena slots sorted by
// valid_from, so current and as-of lookups are a binary search over the chain
// rather than a scan of all versions. Safe for concurrent use.
type VersionIndex struct {
	mu     sync.RWMutex
	arena  []DimensionVersion
	bySK   map[SurrogateKey]int
	chains map[EntityKey][]int
}

func NewVersionIndex() *VersionIndex {
	return &VersionIndex{
		bySK:   make(map[SurrogateKey]int),
		chains: make(map[EntityKey][]int),
	}
}

// Put adds a version with an already-assigned surrogate key.
func (x *VersionIndex) Put(v DimensionVersion) {
	x.mu.Lock()
	defer x.mu.Unlock()

	slot := len(x.arena)
	x.arena = append(x.arena, v)
	x.bySK[v.SurrogateKey] = slot

	key := v.Key()
	chain := x.chains[key]
	i := sort.Search(len(chain), func(i int) bool {
		return x.arena[chain[i]].Validity.From.After(v.Validity.From)
	})
	chain = append(chain, 0)
	copy(chain[i+1:], chain[i:])
	chain[i] = slot
	x.chains[key] = chain
}

// Replace overwrites the version stored under v.SurrogateKey. Only validity,
// is_current and informational fields are expected to change.
func (x *VersionIndex) Replace(v DimensionVersion) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	slot, ok := x.bySK[v.SurrogateKey]
	if !ok {
		return false
	}
	x.arena[slot] = v
	return true
}

// Retract removes the most recently Put version. It exists only to undo an
// uncommitted insert; committed versions are never removed.
func (x *VersionIndex) Retract(sk SurrogateKey) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	slot, ok := x.bySK[sk]
	if !ok || slot != len(x.arena)-1 {
		return false
	}
	key := x.arena[slot].Key()
	chain := x.chains[key]
	for i, s := range chain {
		if s == slot {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(x.chains, key)
	} else {
		x.chains[key] = chain
	}
	delete(x.bySK, sk)
	x.arena = x.arena[:slot]
	return true
}

func (x *VersionIndex) Get(sk SurrogateKey) (DimensionVersion, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	slot, ok := x.bySK[sk]
	if !ok {
		return DimensionVersion{}, false
	}
	return x.arena[slot], true
}

// Current returns the open version of a chain. The open version is always
// the last one because intervals are contiguous.
func (x *VersionIndex) Current(key EntityKey) (DimensionVersion, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	chain := x.chains[key]
	if len(chain) == 0 {
		return DimensionVersion{}, false
	}
	v := x.arena[chain[len(chain)-1]]
	if !v.IsCurrent {
		return DimensionVersion{}, false
	}
	return v, true
}

// AsOf returns the version whose [valid_from, valid_to) contains the date.
func (x *VersionIndex) AsOf(key EntityKey, at Date) (DimensionVersion, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	chain := x.chains[key]
	// First version starting after `at`; the candidate is the one before it.
	i := sort.Search(len(chain), func(i int) bool {
		return x.arena[chain[i]].Validity.From.After(at)
	})
	if i == 0 {
		return DimensionVersion{}, false
	}
	v := x.arena[chain[i-1]]
	if !v.Validity.Contains(at) {
		return DimensionVersion{}, false
	}
	return v, true
}

// History returns the chain ordered by valid_from.
func (x *VersionIndex) History(key EntityKey) []DimensionVersion {
	x.mu.RLock()
	defer x.mu.RUnlock()

	chain := x.chains[key]
	out := make([]DimensionVersion, len(chain))
	for i, slot := range chain {
		out[i] = x.arena[slot]
	}
	return out
}

// Keys returns every natural key in the index.
func (x *VersionIndex) Keys() []EntityKey {
	x.mu.RLock()
	defer x.mu.RUnlock()

	keys := make([]EntityKey, 0, len(x.chains))
	for k := range x.chains {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].NaturalKey < keys[j].NaturalKey
	})
	return keys
}

func (x *VersionIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.arena)
}
