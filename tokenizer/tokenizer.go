// Package tokenizer provides the token counting and encode/decode
// abstraction used by the chunker, the batch merger, and the query
// planners. The default implementation wraps tiktoken; a word-based
// heuristic is available for environments where the encoding files
// cannot be loaded.
package tokenizer

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer encodes text to token ids and back. Count is provided
// separately because it is by far the hottest call.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

// New returns a tiktoken-backed Tokenizer for the given encoding
// (e.g. "cl100k_base"). An empty encoding selects cl100k_base.
func New(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tiktoken encoding %q: %w", encoding, err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

func (t *tiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic is a dependency-free fallback Tokenizer. One whitespace
// word is one token, keeping Count(text) == len(Encode(text)) so window
// invariants hold. Encode/Decode round-trip word content through a
// process-local vocabulary (exact spacing is not preserved).
type Heuristic struct {
	mu    sync.Mutex
	vocab map[string]int
	words []string
}

// NewHeuristic returns the word-based fallback tokenizer.
func NewHeuristic() *Heuristic {
	return &Heuristic{vocab: make(map[string]int)}
}

func (h *Heuristic) Encode(text string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	fields := strings.Fields(text)
	ids := make([]int, len(fields))
	for i, w := range fields {
		id, ok := h.vocab[w]
		if !ok {
			id = len(h.words)
			h.vocab[w] = id
			h.words = append(h.words, w)
		}
		ids[i] = id
	}
	return ids
}

func (h *Heuristic) Decode(tokens []int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	parts := make([]string, 0, len(tokens))
	for _, id := range tokens {
		if id >= 0 && id < len(h.words) {
			parts = append(parts, h.words[id])
		}
	}
	return strings.Join(parts, " ")
}

func (h *Heuristic) Count(text string) int {
	return len(strings.Fields(text))
}

// Estimate approximates the token count of text without an encoding:
// tokens ~ words * 1.3. Used for budget checks where no Tokenizer is in
// reach.
func Estimate(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}
