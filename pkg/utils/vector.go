package utils

import (
	"container/heap"
	"math"
	"sort"
)

// Dot computes the dot product of two float32 vectors, accumulating in
// float64. Returns 0 if the vectors have different lengths.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var result float64
	for i := range a {
		result += float64(a[i]) * float64(b[i])
	}
	return result
}

// DotMatrix computes the full similarity matrix S[i][j] = dot(a[i], b[j]).
func DotMatrix(a, b [][]float32) [][]float64 {
	out := make([][]float64, len(a))
	for i := range a {
		out[i] = make([]float64, len(b))
		for j := range b {
			out[i][j] = Dot(a[i], b[j])
		}
	}
	return out
}

// Norm computes the Euclidean (L2) norm of a float32 vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// EuclideanDistance computes the L2 distance between two vectors.
// Returns 0 if the vectors have different lengths.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Normalize normalizes a float32 vector to unit length.
// Returns nil if the input is empty or has zero magnitude.
func Normalize(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}

	mag := Norm(v)
	if mag == 0 {
		return nil
	}

	result := make([]float32, len(v))
	for i, x := range v {
		result[i] = float32(float64(x) / mag)
	}
	return result
}

// CosineSimilarity calculates the cosine similarity between two float32
// vectors. Returns 0 if vectors have different lengths, are empty, or either
// has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	normA := Norm(a)
	normB := Norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}

	return Dot(a, b) / (normA * normB)
}

// ScoredIndex pairs a slice index with its score for top-k selection.
type ScoredIndex struct {
	Index int
	Score float64
}

// minHeap keeps the smallest score at the root so the current top-k set can
// cheaply decide whether a new candidate displaces its weakest member.
type minHeap []ScoredIndex

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].Score == h[j].Score {
		// Larger index is "worse" so ties resolve to the lower index.
		return h[i].Index > h[j].Index
	}
	return h[i].Score < h[j].Score
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(ScoredIndex)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopKIndices returns the indices of the k highest scores in descending score
// order. Ties are broken deterministically by ascending index. This is
// O(n log k), which beats a full sort when k << n.
func TopKIndices(scores []float64, k int) []int {
	if k <= 0 || len(scores) == 0 {
		return nil
	}
	if k > len(scores) {
		k = len(scores)
	}

	h := make(minHeap, 0, k)
	heap.Init(&h)
	for i, s := range scores {
		item := ScoredIndex{Index: i, Score: s}
		if h.Len() < k {
			heap.Push(&h, item)
		} else if betterThan(item, h[0]) {
			heap.Pop(&h)
			heap.Push(&h, item)
		}
	}

	indices := make([]int, h.Len())
	for i := len(indices) - 1; i >= 0; i-- {
		indices[i] = heap.Pop(&h).(ScoredIndex).Index
	}
	return indices
}

// betterThan reports whether a should outrank b: higher score wins, lower
// index wins on ties.
func betterThan(a, b ScoredIndex) bool {
	if a.Score == b.Score {
		return a.Index < b.Index
	}
	return a.Score > b.Score
}

// ArgsortAscending returns the permutation that sorts values in ascending
// order. Ties preserve original order.
func ArgsortAscending(values []float64) []int {
	indices := make([]int, len(values))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return values[indices[i]] < values[indices[j]]
	})
	return indices
}
