package embedding

import (
	"context"
	"hash/fnv"
	"regexp"
	"sort"
	"strings"

	"docchat/internal/domain"
)

const (
	bm25K1     = 1.2
	bm25B      = 0.75
	bm25AvgLen = 256.0
)

// Sparse produces BM25-style lexical vectors. Terms are hashed into the
// uint32 index space; IDF weighting is applied by the index at query time.
type Sparse struct {
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

func NewSparse() *Sparse {
	return &Sparse{
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}]+)*`),
		stopwords:    defaultStopwords(),
	}
}

// EmbedSparse embeds a query: every distinct term gets weight 1.
func (s *Sparse) EmbedSparse(_ context.Context, text string) (domain.SparseVector, error) {
	weights := make(map[uint32]float32)
	for _, tok := range s.tokenize(text) {
		weights[termIndex(tok)] = 1
	}
	return toSparseVector(weights), nil
}

// EmbedPassage embeds an indexed passage with BM25 term-frequency saturation
// and length normalization.
func (s *Sparse) EmbedPassage(_ context.Context, text string) (domain.SparseVector, error) {
	tokens := s.tokenize(text)
	counts := make(map[uint32]int)
	for _, tok := range tokens {
		counts[termIndex(tok)]++
	}
	norm := bm25K1 * (1 - bm25B + bm25B*float64(len(tokens))/bm25AvgLen)
	weights := make(map[uint32]float32, len(counts))
	for idx, tf := range counts {
		weights[idx] = float32(float64(tf) * (bm25K1 + 1) / (float64(tf) + norm))
	}
	return toSparseVector(weights), nil
}

func (s *Sparse) tokenize(text string) []string {
	raw := s.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := s.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func termIndex(term string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(term))
	return h.Sum32()
}

func toSparseVector(weights map[uint32]float32) domain.SparseVector {
	vec := domain.SparseVector{
		Indices: make([]uint32, 0, len(weights)),
		Values:  make([]float32, 0, len(weights)),
	}
	for idx := range weights {
		vec.Indices = append(vec.Indices, idx)
	}
	sort.Slice(vec.Indices, func(i, j int) bool { return vec.Indices[i] < vec.Indices[j] })
	for _, idx := range vec.Indices {
		vec.Values = append(vec.Values, weights[idx])
	}
	return vec
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"what", "which", "who", "whom", "how", "when", "where", "why", "does", "do", "did",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
