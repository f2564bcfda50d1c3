package api

import (
	"strings"

	"github.com/ashuein/contentforge/internal/types"
)

// ReferenceResolver maps a subject/chapter pair to a reference document id.
// Resolution tries an exact index hit, then keyword overlap, then a fuzzy
// Levenshtein match; thresholds come from config.
type ReferenceResolver struct {
	keywordThreshold float64
	fuzzyThreshold   float64
	index            map[string]string // normalized "subject/chapter" -> document id
}

// NewReferenceResolver builds a resolver over a prebuilt index.
func NewReferenceResolver(keywordThreshold, fuzzyThreshold float64, index map[string]string) *ReferenceResolver {
	normalized := make(map[string]string, len(index))
	for key, id := range index {
		normalized[normalizeKey(key)] = id
	}
	return &ReferenceResolver{
		keywordThreshold: keywordThreshold,
		fuzzyThreshold:   fuzzyThreshold,
		index:            normalized,
	}
}

func normalizeKey(key string) string {
	return types.Slugify(key)
}

// Resolve returns the best matching document id, or "" when nothing
// clears the thresholds.
func (r *ReferenceResolver) Resolve(subject types.Subject, chapter string) string {
	query := normalizeKey(string(subject) + " " + chapter)

	// Exact hit.
	if id, ok := r.index[query]; ok {
		return id
	}

	// Partial keyword overlap.
	queryWords := strings.Split(query, "-")
	bestID, bestScore := "", 0.0
	for key, id := range r.index {
		score := keywordOverlap(queryWords, strings.Split(key, "-"))
		if score > bestScore {
			bestID, bestScore = id, score
		}
	}
	if bestScore >= r.keywordThreshold {
		return bestID
	}

	// Fuzzy fallback.
	bestID, bestScore = "", 0.0
	for key, id := range r.index {
		score := similarity(query, key)
		if score > bestScore {
			bestID, bestScore = id, score
		}
	}
	if bestScore >= r.fuzzyThreshold {
		return bestID
	}
	return ""
}

// keywordOverlap is the fraction of query words present in the candidate.
func keywordOverlap(query, candidate []string) float64 {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]bool, len(candidate))
	for _, w := range candidate {
		set[w] = true
	}
	hits := 0
	for _, w := range query {
		if set[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// similarity is 1 - normalized Levenshtein distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
