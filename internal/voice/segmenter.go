package voice

import (
	"strings"
	"time"
	"unicode/utf8"
)

// SpokenItem is one utterance handed to the speech queue.
type SpokenItem struct {
	Text          string
	EndingSilence time.Duration
	// IsReplay marks an item re-spoken after a reconnection.
	IsReplay bool
}

// DefaultPunctuation closes a sentence when a short token starts with one of these runes.
var DefaultPunctuation = []rune{'.', '?', '!', ':', ';', '。', '？', '！', '：', '；'}

// BoundaryFunc reports whether token closes the sentence accumulated so far.
type BoundaryFunc func(token string) bool

// PunctuationBoundary returns the default rule: a token of one or two runes,
// ignoring embedded newlines, that starts with a punctuation rune.
func PunctuationBoundary(punctuation []rune) BoundaryFunc {
	set := make(map[rune]struct{}, len(punctuation))
	for _, r := range punctuation {
		set[r] = struct{}{}
	}
	return func(token string) bool {
		token = strings.ReplaceAll(token, "\n", "")
		n := utf8.RuneCountInString(token)
		if n != 1 && n != 2 {
			return false
		}
		first, _ := utf8.DecodeRuneInString(token)
		_, ok := set[first]
		return ok
	}
}

// Segmenter accumulates content tokens of one assistant turn into sentences.
type Segmenter struct {
	boundary BoundaryFunc
	pending  strings.Builder
}

// NewSegmenter builds a segmenter. A nil boundary uses DefaultPunctuation.
func NewSegmenter(boundary BoundaryFunc) *Segmenter {
	if boundary == nil {
		boundary = PunctuationBoundary(DefaultPunctuation)
	}
	return &Segmenter{boundary: boundary}
}

// Accept adds a token and returns the sentence it completes, if any.
func (s *Segmenter) Accept(token string) (SpokenItem, bool) {
	if token == "\n" || token == "\n\n" {
		s.pending.WriteString(token)
		return s.take()
	}
	s.pending.WriteString(token)
	if s.boundary(token) {
		return s.take()
	}
	return SpokenItem{}, false
}

// Flush returns whatever remains at the end of the turn.
func (s *Segmenter) Flush() (SpokenItem, bool) {
	return s.take()
}

// Pending returns the text accumulated since the last sentence.
func (s *Segmenter) Pending() string {
	return s.pending.String()
}

// Reset discards accumulated text.
func (s *Segmenter) Reset() {
	s.pending.Reset()
}

func (s *Segmenter) take() (SpokenItem, bool) {
	text := strings.TrimLeft(s.pending.String(), " \t\r\n")
	s.pending.Reset()
	if strings.TrimSpace(text) == "" {
		return SpokenItem{}, false
	}
	return SpokenItem{Text: text}, true
}
