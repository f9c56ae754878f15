package services

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// ChunkMerger joins chunk transcripts in order, dropping the words a chunk
// repeats from the end of the previous one because of the audio overlap.
type ChunkMerger struct {
	MinOverlap int
	MaxOverlap int
	Threshold  float64
}

// NewChunkMerger creates a merger that looks for 2 to 10 word overlaps at 0.8 similarity.
func NewChunkMerger() *ChunkMerger {
	return &ChunkMerger{MinOverlap: 2, MaxOverlap: 10, Threshold: 0.8}
}

// Merge concatenates chunks, removing fuzzy-matched boundary duplicates.
func (m *ChunkMerger) Merge(chunks []string) string {
	var merged []string
	for _, chunk := range chunks {
		words := strings.Fields(chunk)
		if len(words) == 0 {
			continue
		}
		if len(merged) > 0 {
			words = words[m.overlap(merged, words):]
		}
		merged = append(merged, words...)
	}
	return strings.Join(merged, " ")
}

// overlap returns the largest k in [MinOverlap, MaxOverlap] whose leading k
// words of next match the trailing k words of prev.
func (m *ChunkMerger) overlap(prev, next []string) int {
	maxK := m.MaxOverlap
	if len(prev) < maxK {
		maxK = len(prev)
	}
	if len(next) < maxK {
		maxK = len(next)
	}

	for k := maxK; k >= m.MinOverlap && k > 0; k-- {
		tail := normalizeWords(prev[len(prev)-k:])
		head := normalizeWords(next[:k])
		if tail == "" || head == "" {
			continue
		}
		if similarity(tail, head) >= m.Threshold {
			return k
		}
	}
	return 0
}

func similarity(a, b string) float64 {
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func normalizeWords(words []string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
		if w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}
