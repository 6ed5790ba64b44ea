// Package textcompare scores the similarity of two text documents with
// TF-IDF weighted cosine similarity. It is used to check a re-downloaded
// gating file against the copy already mirrored to the object store.
package textcompare

import (
	"fmt"
	"math"
	"os"
	"strings"
	"unicode"
)

// Similarity returns the cosine similarity of the TF-IDF vectors of two
// documents, in [0, 1]. Identical documents score 1. Two documents with
// no tokens at all are considered identical.
func Similarity(a, b string) float64 {
	tokensA := tokenize(a)
	tokensB := tokenize(b)

	if len(tokensA) == 0 && len(tokensB) == 0 {
		return 1
	}
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	countsA := termCounts(tokensA)
	countsB := termCounts(tokensB)

	// Smoothed inverse document frequency over the two documents.
	idf := func(term string) float64 {
		df := 0
		if countsA[term] > 0 {
			df++
		}
		if countsB[term] > 0 {
			df++
		}
		return math.Log(float64(1+2)/float64(1+df)) + 1
	}

	vocab := make(map[string]struct{}, len(countsA)+len(countsB))
	for t := range countsA {
		vocab[t] = struct{}{}
	}
	for t := range countsB {
		vocab[t] = struct{}{}
	}

	var dot, normA, normB float64
	for term := range vocab {
		w := idf(term)
		wa := float64(countsA[term]) * w
		wb := float64(countsB[term]) * w
		dot += wa * wb
		normA += wa * wa
		normB += wb * wb
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CompareFiles reads both files and returns their similarity.
func CompareFiles(pathA, pathB string) (float64, error) {
	a, err := os.ReadFile(pathA)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", pathA, err)
	}
	b, err := os.ReadFile(pathB)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", pathB, err)
	}
	return Similarity(string(a), string(b)), nil
}

// tokenize lowercases the document and splits it into runs of word
// characters, dropping tokens shorter than two characters.
func tokenize(s string) []string {
	var tokens []string
	var sb strings.Builder

	flush := func() {
		if sb.Len() > 0 {
			token := sb.String()
			if len([]rune(token)) >= 2 {
				tokens = append(tokens, token)
			}
			sb.Reset()
		}
	}

	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()

	return tokens
}

func termCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}
