package util

import (
	"cmp"
	"container/heap"
	"slices"
)

// Scored is an entry of a TopK heap.
type Scored[K comparable] struct {
	Key   K
	Score float64
	index int
}

// TopK keeps the k highest scored keys seen so far. It combines a min-heap
// ordered by score with a map from key to heap entry, so the weakest entry
// is evicted in O(log k) and the score of a key already present can be
// raised in place.
//
// Ties are broken by the less function given to NewTopK, keys that compare
// lower win. This keeps results deterministic for equal scores.
//
// Not safe for concurrent use.
type TopK[K comparable] struct {
	k     int
	less  func(a, b K) bool
	items []*Scored[K]
	byKey map[K]*Scored[K]
}

// NewTopK creates a heap that retains at most k entries.
func NewTopK[K comparable](k int, less func(a, b K) bool) *TopK[K] {
	return &TopK[K]{
		k:     k,
		less:  less,
		items: make([]*Scored[K], 0, k),
		byKey: make(map[K]*Scored[K], k),
	}
}

// Len is part of heap.Interface
func (t *TopK[K]) Len() int { return len(t.items) }

// Less orders the weakest entry to the top (part of heap.Interface)
func (t *TopK[K]) Less(i, j int) bool {
	return t.weaker(t.items[i], t.items[j])
}

// Swap is part of heap.Interface
func (t *TopK[K]) Swap(i, j int) {
	t.items[i], t.items[j] = t.items[j], t.items[i]
	t.items[i].index = i
	t.items[j].index = j
}

// Push is part of heap.Interface, use Offer instead
func (t *TopK[K]) Push(x any) {
	s := x.(*Scored[K])
	s.index = len(t.items)
	t.items = append(t.items, s)
	t.byKey[s.Key] = s
}

// Pop is part of heap.Interface
func (t *TopK[K]) Pop() any {
	old := t.items
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	t.items = old[:n-1]
	delete(t.byKey, s.Key)
	return s
}

func (t *TopK[K]) weaker(a, b *Scored[K]) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return t.less(b.Key, a.Key)
}

// Offer records key with score. An existing key keeps the higher of its two
// scores. It returns true if the key is retained.
func (t *TopK[K]) Offer(key K, score float64) bool {
	if t.k <= 0 {
		return false
	}
	if s, ok := t.byKey[key]; ok {
		if score > s.Score {
			s.Score = score
			heap.Fix(t, s.index)
		}
		return true
	}

	cand := &Scored[K]{Key: key, Score: score}
	if len(t.items) < t.k {
		heap.Push(t, cand)
		return true
	}
	if !t.weaker(t.items[0], cand) {
		return false
	}
	heap.Pop(t)
	heap.Push(t, cand)
	return true
}

// Contains reports whether key is currently retained.
func (t *TopK[K]) Contains(key K) bool {
	_, ok := t.byKey[key]
	return ok
}

// Sorted returns the retained entries, strongest first.
func (t *TopK[K]) Sorted() []Scored[K] {
	out := make([]Scored[K], 0, len(t.items))
	for _, s := range t.items {
		out = append(out, Scored[K]{Key: s.Key, Score: s.Score})
	}
	slices.SortFunc(out, func(a, b Scored[K]) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		switch {
		case t.less(a.Key, b.Key):
			return -1
		case t.less(b.Key, a.Key):
			return 1
		}
		return 0
	})
	return out
}
