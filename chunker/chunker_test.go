package chunker

import (
	"strings"
	"testing"

	"github.com/nanograph/nanograph/storage"
	"github.com/nanograph/nanograph/tokenizer"
)

func newTestChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(tokenizer.NewHeuristic(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Token window
// ---------------------------------------------------------------------------

func TestTokenWindowRespectsSize(t *testing.T) {
	c := newTestChunker(t, Config{Strategy: StrategyTokenWindow, TokenSize: 50, Overlap: 10})

	doc := strings.Repeat("graph retrieval augments generation with structure ", 40)
	docID := storage.DocID(doc)
	chunks, err := c.GetChunks(map[string]string{docID: doc})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want the doc split", len(chunks))
	}

	seenOrders := map[int]bool{}
	for id, ch := range chunks {
		if ch.Tokens > 50 {
			t.Errorf("chunk %s holds %d tokens, want <= 50", id, ch.Tokens)
		}
		if ch.FullDocID != docID {
			t.Errorf("chunk %s doc = %q", id, ch.FullDocID)
		}
		if !strings.HasPrefix(id, "chunk-") {
			t.Errorf("chunk id %q missing prefix", id)
		}
		seenOrders[ch.ChunkOrderIndex] = true
	}
	if !seenOrders[0] {
		t.Error("no chunk with order index 0")
	}
}

func TestTokenWindowOverlapRepeatsTrailingTokens(t *testing.T) {
	c := newTestChunker(t, Config{Strategy: StrategyTokenWindow, TokenSize: 10, Overlap: 3})

	words := make([]string, 25)
	for i := range words {
		words[i] = "w" + strings.Repeat("x", i) // 25 distinct words
	}
	doc := strings.Join(words, " ")
	chunks, err := c.GetChunks(map[string]string{"doc-x": doc})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}

	byOrder := map[int]string{}
	for _, ch := range chunks {
		byOrder[ch.ChunkOrderIndex] = ch.Content
	}
	first, second := strings.Fields(byOrder[0]), strings.Fields(byOrder[1])
	if len(first) != 10 {
		t.Fatalf("first window = %d words, want 10", len(first))
	}
	// The second window starts 3 words before the first one ends.
	if first[7] != second[0] || first[8] != second[1] || first[9] != second[2] {
		t.Errorf("overlap mismatch: first tail %v, second head %v", first[7:], second[:3])
	}
}

func TestTokenWindowShortDocSingleChunk(t *testing.T) {
	c := newTestChunker(t, Config{TokenSize: 1200})

	doc := "a short document"
	chunks, err := c.GetChunks(map[string]string{"doc-x": doc})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	for _, ch := range chunks {
		if ch.ChunkOrderIndex != 0 {
			t.Errorf("order = %d, want 0", ch.ChunkOrderIndex)
		}
	}
}

func TestRepetitiveContentKeepsEarliestOrderIndex(t *testing.T) {
	c := newTestChunker(t, Config{Strategy: StrategyTokenWindow, TokenSize: 10, Overlap: 2})

	// Every full window decodes to the same ten words, so they all hash
	// to one chunk id. The first-seen record must survive.
	doc := strings.Repeat("word ", 30)
	chunks, err := c.GetChunks(map[string]string{"doc-x": doc})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}

	found := false
	for _, ch := range chunks {
		if ch.Tokens == 10 {
			found = true
			if ch.ChunkOrderIndex != 0 {
				t.Errorf("repeated window order = %d, want 0", ch.ChunkOrderIndex)
			}
		}
	}
	if !found {
		t.Fatal("no full window produced")
	}
}

func TestChunkIDScopedToDocument(t *testing.T) {
	c := newTestChunker(t, Config{TokenSize: 1200})
	doc := "identical content"

	chunks, err := c.GetChunks(map[string]string{"doc-a": doc, "doc-b": doc})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	// Same content under two documents must yield two distinct chunk ids.
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2 (doc-scoped ids)", len(chunks))
	}
}

// ---------------------------------------------------------------------------
// Separator strategy
// ---------------------------------------------------------------------------

func TestSeparatorStrategyRespectsWindow(t *testing.T) {
	c := newTestChunker(t, Config{Strategy: StrategySeparator, TokenSize: 40})

	paraA := strings.Repeat("alpha paragraph words repeated here. ", 5)
	paraB := strings.Repeat("beta paragraph words repeated here. ", 5)
	paraC := strings.Repeat("gamma paragraph words repeated here. ", 5)
	doc := paraA + "\n\n" + paraB + "\n\n" + paraC
	chunks, err := c.GetChunks(map[string]string{"doc-x": doc})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want multiple", len(chunks))
	}
	for id, ch := range chunks {
		if ch.Tokens > 40 {
			t.Errorf("chunk %s holds %d tokens, want <= 40", id, ch.Tokens)
		}
	}
}

func TestSeparatorStrategyLastResortSpaces(t *testing.T) {
	c := newTestChunker(t, Config{Strategy: StrategySeparator, TokenSize: 5})

	// Only the last-resort space separator applies; the window must
	// still hold after repacking.
	words := make([]string, 23)
	for i := range words {
		words[i] = "tok" + strings.Repeat("e", i)
	}
	doc := strings.Join(words, " ")
	chunks, err := c.GetChunks(map[string]string{"doc-x": doc})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks produced")
	}
	for id, ch := range chunks {
		if ch.Tokens > 5 {
			t.Errorf("chunk %s holds %d tokens, want <= 5", id, ch.Tokens)
		}
	}
}

// ---------------------------------------------------------------------------
// Config validation
// ---------------------------------------------------------------------------

func TestNewRejectsBadOverlap(t *testing.T) {
	tok := tokenizer.NewHeuristic()
	if _, err := New(tok, Config{TokenSize: 100, Overlap: 100}); err == nil {
		t.Error("overlap == window accepted")
	}
	if _, err := New(tok, Config{TokenSize: 100, Overlap: -1}); err == nil {
		t.Error("negative overlap accepted")
	}
}
