// Package ranker selects retrieval context for a question using a cheap,
// deterministic lexical-overlap heuristic. It is intentionally embedding-free;
// callers must not assume semantic recall.
package ranker

import (
	"sort"
	"strings"
	"unicode"

	"github.com/noema-labs/noema-qa/internal/qa"
)

// DefaultLimit caps how many chunks a ranking returns.
const DefaultLimit = 6

// sectionBoost rewards chunks from the section the question was asked about.
const sectionBoost = 2

// fallbackChunks is how many leading chunks back an overlap-free question.
const fallbackChunks = 3

// Tokenize lower-cases the text, splits it into letter/number runs and drops
// single-character tokens. Order is irrelevant for scoring.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

type scoredChunk struct {
	chunk qa.Chunk
	score int
}

// Rank orders chunks by lexical overlap with the question tokens plus an
// unconditional boost for the preferred section, and returns at most limit
// chunks with a positive score. A preferred-section chunk therefore survives
// even with zero overlap; the first-chunks fallback applies only when no
// chunk scores at all, so a non-empty corpus never yields an empty context.
func Rank(questionTokens []string, chunks []qa.Chunk, preferredSectionID string, limit int) []qa.Chunk {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(chunks) == 0 {
		return nil
	}

	scored := make([]scoredChunk, 0, len(chunks))
	for _, c := range chunks {
		content := strings.ToLower(c.Content)
		score := 0
		for _, tok := range questionTokens {
			if strings.Contains(content, tok) {
				score++
			}
		}
		if c.SectionID == preferredSectionID {
			score += sectionBoost
		}
		if score > 0 {
			scored = append(scored, scoredChunk{chunk: c, score: score})
		}
	}

	if len(scored) == 0 {
		n := fallbackChunks
		if n > len(chunks) {
			n = len(chunks)
		}
		out := make([]qa.Chunk, n)
		copy(out, chunks[:n])
		return out
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].chunk.Position < scored[j].chunk.Position
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	out := make([]qa.Chunk, len(scored))
	for i, sc := range scored {
		out[i] = sc.chunk
	}
	return out
}

// ContextChars sums the content length of the selected chunks.
func ContextChars(chunks []qa.Chunk) int {
	total := 0
	for _, c := range chunks {
		total += len(c.Content)
	}
	return total
}
