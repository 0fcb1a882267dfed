package ingest

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer splits text into consecutive, non-overlapping chunks of at most
// size tokens, preserving document order.
type Tokenizer interface {
	Chunk(text string, size int) []string
	Count(text string) int
}

// NewTokenizer returns the tokenizer registered under name: "words" (the
// default) or "tiktoken" (cl100k_base).
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case "", "words":
		return WordTokenizer{}, nil
	case "tiktoken":
		return NewTiktokenTokenizer("cl100k_base")
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}

// WordTokenizer treats each whitespace-separated word as one token. Chunks
// are slices of the original text, so whitespace inside a chunk survives.
type WordTokenizer struct{}

func (WordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func (WordTokenizer) Chunk(text string, size int) []string {
	if size <= 0 {
		return nil
	}
	var (
		chunks  []string
		start   = -1
		words   int
		inWord  bool
		wordEnd int
	)
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				inWord = false
				wordEnd = i
				if words == size {
					chunks = append(chunks, text[start:wordEnd])
					start, words = -1, 0
				}
			}
			continue
		}
		if !inWord {
			inWord = true
			if start < 0 {
				start = i
			}
			words++
		}
	}
	if start >= 0 {
		end := len(text)
		if !inWord {
			end = wordEnd
		}
		chunks = append(chunks, text[start:end])
	}
	return chunks
}

// TiktokenTokenizer counts BPE tokens the way OpenAI models do. The
// encoding's vocabulary is downloaded on first use unless
// TIKTOKEN_CACHE_DIR already holds it.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads the named encoding, e.g. "cl100k_base".
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenTokenizer) Chunk(text string, size int) []string {
	if size <= 0 {
		return nil
	}
	return chunkTokens(t.enc.Encode(text, nil, nil), size, func(tokens []int) string {
		return t.enc.Decode(tokens)
	})
}

// chunkTokens groups tokens into windows of size and decodes each one. A BPE
// token may carry only part of a multi-byte character, so a window that
// would split one ends at the previous character boundary instead, or at the
// next one when a single character needs more than size tokens.
func chunkTokens(tokens []int, size int, decode func([]int) string) []string {
	chunks := make([]string, 0, len(tokens)/size+1)
	for i := 0; i < len(tokens); {
		end := min(i+size, len(tokens))
		chunk := decode(tokens[i:end])
		if !utf8.ValidString(chunk) {
			end = boundary(tokens, i, end, decode)
			chunk = decode(tokens[i:end])
		}
		i = end
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// boundary returns the end closest to end at which tokens[start:end]
// decodes to valid UTF-8, preferring shorter windows. Input that is not
// valid UTF-8 to begin with keeps end.
func boundary(tokens []int, start, end int, decode func([]int) string) int {
	for e := end - 1; e > start; e-- {
		if utf8.ValidString(decode(tokens[start:e])) {
			return e
		}
	}
	for e := end + 1; e <= min(end+utf8.UTFMax, len(tokens)); e++ {
		if utf8.ValidString(decode(tokens[start:e])) {
			return e
		}
	}
	return end
}
