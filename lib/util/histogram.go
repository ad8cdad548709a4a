package util

import (
	"math"
	"sync"
)

// SizeHistogram tracks the distribution of document sizes using exponential
// buckets from 16 bytes to 4 GiB. Samples can be removed again, which lets a
// shard keep the histogram in step with documents that grow or shrink.
type SizeHistogram struct {
	mutex      sync.RWMutex
	boundaries []int
	buckets    []int64
	count      int64
	sum        int64
}

// NewSizeHistogram creates an empty histogram.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		boundaries: []int{
			16, 64, 256, 1024, 4096, // 16B to 4KB
			16384, 65536, 262144, 1048576, // 16KB to 1MB
			4194304, 16777216, 67108864, // 4MB to 64MB
			268435456, 1073741824, 4294967296, // 256MB to 4GB
		},
		buckets: make([]int64, 16),
	}
}

func (h *SizeHistogram) bucket(size int) int {
	for i, boundary := range h.boundaries {
		if size <= boundary {
			return i
		}
	}
	return len(h.boundaries)
}

// Add records a sample.
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) Add(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.buckets[h.bucket(size)]++
	h.count++
	h.sum += int64(size)
}

// Remove forgets a sample previously recorded with Add.
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) Remove(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	b := h.bucket(size)
	if h.buckets[b] == 0 {
		return
	}
	h.buckets[b]--
	h.count--
	h.sum -= int64(size)
}

// Replace moves a sample from oldSize to newSize.
func (h *SizeHistogram) Replace(oldSize, newSize int) {
	h.Remove(oldSize)
	h.Add(newSize)
}

// Reset clears all samples.
func (h *SizeHistogram) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.count = 0
	h.sum = 0
	clear(h.buckets)
}

// SizeStats is a point-in-time summary of a SizeHistogram.
type SizeStats struct {
	Count   int64 `json:"count"`
	Total   int64 `json:"total"`
	Average int   `json:"average"`
	P50     int   `json:"p50"`
	P95     int   `json:"p95"`
	P99     int   `json:"p99"`
}

// Stats returns a summary of the histogram.
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) Stats() SizeStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return SizeStats{}
	}
	return SizeStats{
		Count:   h.count,
		Total:   h.sum,
		Average: int(h.sum / h.count),
		P50:     h.percentile(50),
		P95:     h.percentile(95),
		P99:     h.percentile(99),
	}
}

// percentile estimates the given percentile as the midpoint of its bucket.
// Caller must hold the read lock.
func (h *SizeHistogram) percentile(p int) int {
	target := int64(math.Ceil(float64(h.count) * float64(p) / 100.0))
	var cumulative int64
	for i, count := range h.buckets {
		cumulative += count
		if cumulative >= target {
			switch {
			case i == 0:
				return h.boundaries[0] / 2
			case i < len(h.boundaries):
				return (h.boundaries[i-1] + h.boundaries[i]) / 2
			default:
				return h.boundaries[len(h.boundaries)-1] * 2
			}
		}
	}
	return int(h.sum / h.count)
}
