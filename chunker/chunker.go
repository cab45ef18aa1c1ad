package chunker

import (
	"fmt"
	"strings"

	"github.com/nanograph/nanograph/storage"
	"github.com/nanograph/nanograph/tokenizer"
)

// Strategy selects how documents are split.
type Strategy string

const (
	// StrategyTokenWindow slides a fixed token window with overlap.
	StrategyTokenWindow Strategy = "token_window"
	// StrategySeparator recursively splits on a prioritized separator
	// list, then enforces the token window on oversized pieces.
	StrategySeparator Strategy = "separator"
)

// DefaultSeparators is the split priority for the separator strategy.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// Config controls the chunking behaviour.
type Config struct {
	Strategy   Strategy
	TokenSize  int      // maximum tokens per chunk, default 1200
	Overlap    int      // token overlap between consecutive chunks, default 100
	Separators []string // separator strategy only
}

// Chunker converts full documents into store-ready chunks.
type Chunker struct {
	tok tokenizer.Tokenizer
	cfg Config
}

// New returns a Chunker with the given configuration. Zero-value fields
// are replaced with defaults.
func New(tok tokenizer.Tokenizer, cfg Config) (*Chunker, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyTokenWindow
	}
	if cfg.TokenSize <= 0 {
		cfg.TokenSize = 1200
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.TokenSize {
		return nil, fmt.Errorf("chunker: overlap %d must be in [0, %d)", cfg.Overlap, cfg.TokenSize)
	}
	if cfg.Overlap == 0 && cfg.Strategy == StrategyTokenWindow {
		cfg.Overlap = 100
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = DefaultSeparators
	}
	return &Chunker{tok: tok, cfg: cfg}, nil
}

// GetChunks splits each document and returns chunk records keyed by chunk
// id. chunk_order_index increases from 0 within each document.
func (c *Chunker) GetChunks(docs map[string]string) (map[string]storage.TextChunk, error) {
	out := make(map[string]storage.TextChunk)
	for docID, content := range docs {
		var pieces []string
		switch c.cfg.Strategy {
		case StrategyTokenWindow:
			pieces = c.tokenWindow(content)
		case StrategySeparator:
			pieces = c.separatorSplit(content)
		default:
			return nil, fmt.Errorf("chunker: unknown strategy %q", c.cfg.Strategy)
		}

		for i, piece := range pieces {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			id := storage.ChunkID(docID, piece)
			// Identical windows hash to the same id; the earliest order
			// index wins so order 0 is never lost.
			if _, seen := out[id]; seen {
				continue
			}
			out[id] = storage.TextChunk{
				Content:         piece,
				Tokens:          c.tok.Count(piece),
				ChunkOrderIndex: i,
				FullDocID:       docID,
			}
		}
	}
	return out, nil
}

// tokenWindow slides a fixed window of TokenSize tokens with Overlap
// tokens shared between consecutive chunks.
func (c *Chunker) tokenWindow(content string) []string {
	tokens := c.tok.Encode(content)
	if len(tokens) == 0 {
		return nil
	}
	step := c.cfg.TokenSize - c.cfg.Overlap
	var pieces []string
	for start := 0; start < len(tokens); start += step {
		end := min(start+c.cfg.TokenSize, len(tokens))
		pieces = append(pieces, c.tok.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return pieces
}

// separatorSplit recursively splits on the separator list and re-packs
// the resulting pieces greedily under the token window. Pieces that stay
// oversized after the last separator fall back to the token window.
func (c *Chunker) separatorSplit(content string) []string {
	parts := c.recursiveSplit(content, 0)

	var pieces []string
	var current strings.Builder
	currentTokens := 0
	for _, part := range parts {
		partTokens := c.tok.Count(part)
		if currentTokens+partTokens > c.cfg.TokenSize && current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
			currentTokens = 0
		}
		current.WriteString(part)
		currentTokens += partTokens
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

func (c *Chunker) recursiveSplit(text string, sepIdx int) []string {
	if c.tok.Count(text) <= c.cfg.TokenSize {
		return []string{text}
	}
	if sepIdx >= len(c.cfg.Separators) {
		// No separator fits; enforce the window directly.
		return c.tokenWindow(text)
	}
	sep := c.cfg.Separators[sepIdx]
	raw := strings.SplitAfter(text, sep)
	var out []string
	for _, piece := range raw {
		if piece == "" {
			continue
		}
		out = append(out, c.recursiveSplit(piece, sepIdx+1)...)
	}
	return out
}
