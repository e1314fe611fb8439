package tts

import (
	"strings"
	"unicode"
)

// SentenceBoundary returns the index of the first sentence-ending character
// ('.', '!', '?') that is either at the end of s or immediately followed by
// whitespace. Returns -1 if no sentence boundary is found.
//
// Abbreviations like "Dr.Smith" or decimal numbers like "3.14" are not treated
// as boundaries because the terminator is followed by a non-space character.
func SentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// Segmenter accumulates streamed text fragments and cuts them into complete
// sentences. The zero value is ready to use. Not safe for concurrent use.
type Segmenter struct {
	buf strings.Builder
}

// Push appends fragment and returns every sentence completed by it, trimmed of
// surrounding whitespace. Empty sentences are dropped.
func (s *Segmenter) Push(fragment string) []string {
	s.buf.WriteString(fragment)
	var out []string
	for {
		cur := s.buf.String()
		idx := SentenceBoundary(cur)
		if idx < 0 {
			return out
		}
		sentence := strings.TrimSpace(cur[:idx+1])
		s.buf.Reset()
		s.buf.WriteString(cur[idx+1:])
		if sentence != "" {
			out = append(out, sentence)
		}
	}
}

// Flush returns the buffered partial sentence, if any, and clears the buffer.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}
