package retrieval

import (
	"strings"
	"unicode/utf8"
)

// Splitter cuts documents into overlapping chunks on word boundaries.
type Splitter struct {
	// Size is the maximum chunk length in runes.
	Size int
	// Overlap is the number of trailing runes of one chunk repeated at the start of the next.
	Overlap int
}

// DefaultSplitter matches the chunking used for recipe documents.
func DefaultSplitter() Splitter { return Splitter{Size: 500, Overlap: 50} }

// Split returns the chunks of text. Whitespace runs collapse to a single space.
// A word longer than Size forms a chunk of its own.
func (s Splitter) Split(text string) []string {
	size, overlap := s.Size, s.Overlap
	if size < 1 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var (
		chunks []string
		cur    []string
		curLen int
	)
	width := func(n int, w string) int {
		l := utf8.RuneCountInString(w)
		if n > 0 {
			l++ // joining space
		}
		return l
	}

	for _, w := range words {
		if len(cur) > 0 && curLen+width(len(cur), w) > size {
			chunks = append(chunks, strings.Join(cur, " "))
			cur, curLen = tail(cur, overlap)
			if len(cur) > 0 && curLen+width(len(cur), w) > size {
				cur, curLen = nil, 0
			}
		}
		curLen += width(len(cur), w)
		cur = append(cur, w)
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, " "))
	}
	return chunks
}

// tail returns the longest suffix of words whose joined length fits in limit.
func tail(words []string, limit int) ([]string, int) {
	n := 0
	start := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		l := utf8.RuneCountInString(words[i])
		if start < len(words) {
			l++
		}
		if n+l > limit {
			break
		}
		n += l
		start = i
	}
	out := append([]string(nil), words[start:]...)
	return out, n
}
