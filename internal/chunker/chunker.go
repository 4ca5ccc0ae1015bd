// Package chunker splits extracted document text into sentence-aligned
// chunks bounded by a word budget.
package chunker

import (
	"fmt"
	"iter"
	"slices"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// DefaultMaxWords is the word budget used when a non-positive budget is given.
const DefaultMaxWords = 180

// Chunk splits text into chunks of at most maxWords words. A sentence longer
// than maxWords becomes a chunk of its own and is not split.
func Chunk(text string, maxWords int) []string {
	return slices.Collect(Seq(text, maxWords))
}

// Seq is the lazy form of Chunk. The returned sequence can be ranged over
// any number of times and always yields the same chunks.
func Seq(text string, maxWords int) iter.Seq[string] {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	return func(yield func(string) bool) {
		var (
			buf      []string
			count    int
			produced bool
		)
		for sentence := range sentences(text) {
			words := strings.Fields(sentence)
			if count+len(words) > maxWords && len(buf) > 0 {
				if !yield(strings.Join(buf, " ")) {
					return
				}
				produced = true
				buf, count = buf[:0], 0
			}
			buf = append(buf, words...)
			count += len(words)
		}
		if len(buf) > 0 {
			if !yield(strings.Join(buf, " ")) {
				return
			}
			produced = true
		}
		if produced {
			return
		}

		// No sentence survived; fall back to fixed windows.
		words := strings.Fields(text)
		for start := 0; start < len(words); start += maxWords {
			end := min(start+maxWords, len(words))
			if !yield(strings.Join(words[start:end], " ")) {
				return
			}
		}
	}
}

// sentences yields trimmed, non-empty sentences. A sentence ends at a
// terminal mark followed by whitespace; the mark stays with the sentence.
func sentences(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		runes := []rune(text)
		start := 0
		for i, r := range runes {
			if !isTerminal(r) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
				continue
			}
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				if !yield(s) {
					return
				}
			}
			start = i + 1
		}
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			yield(s)
		}
	}
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// ID returns a new chunk id of the form doc_id:index:suffix, where suffix is
// the first eight hex characters of a random UUID.
func ID(docID string, index int) string {
	return fmt.Sprintf("%s:%d:%s", docID, index, uuid.NewString()[:8])
}
