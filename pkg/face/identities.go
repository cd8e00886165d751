package face

import (
	"math"
	"sort"
	"sync"
)

// Identities is the table of known face embeddings. One table is shared by
// every pipeline so a friend enrolled by one robot is recognized by the
// other. Entries are never evicted implicitly.
type Identities struct {
	mu sync.RWMutex
	m  map[int]Embedding
}

// NewIdentities creates an empty table.
func NewIdentities() *Identities {
	return &Identities{m: make(map[int]Embedding)}
}

// Add inserts or replaces the embedding for faceID.
func (t *Identities) Add(faceID int, emb Embedding) {
	t.mu.Lock()
	t.m[faceID] = emb
	t.mu.Unlock()
}

// Remove deletes faceID.
func (t *Identities) Remove(faceID int) {
	t.mu.Lock()
	delete(t.m, faceID)
	t.mu.Unlock()
}

// Len returns the number of identities.
func (t *Identities) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// IDs returns the known face IDs in ascending order.
func (t *Identities) IDs() []int {
	t.mu.RLock()
	ids := make([]int, 0, len(t.m))
	for id := range t.m {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Match returns the identity nearest to emb when its distance is below
// threshold, otherwise Unknown. dist is the nearest distance found
// (+Inf for an empty table). Ties go to the lowest face ID.
func (t *Identities) Match(emb Embedding, threshold float64) (faceID int, dist float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	faceID, dist = Unknown, math.Inf(1)
	for id, known := range t.m {
		d := Distance(emb, known)
		if d < dist || (d == dist && id < faceID) {
			faceID, dist = id, d
		}
	}
	if dist >= threshold {
		return Unknown, dist
	}
	return faceID, dist
}

// Distance is the Euclidean distance between two embeddings.
func Distance(a, b Embedding) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Normalize scales emb to unit length. A zero vector is returned as is.
func Normalize(emb Embedding) Embedding {
	var sum float64
	for _, v := range emb {
		sum += v * v
	}
	if sum == 0 {
		return emb
	}
	n := math.Sqrt(sum)
	for i := range emb {
		emb[i] /= n
	}
	return emb
}
