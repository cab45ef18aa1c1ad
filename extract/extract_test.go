package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/nanograph/nanograph/llm"
	"github.com/nanograph/nanograph/storage"
)

// scriptedProvider returns canned responses in order and records every
// request it sees.
type scriptedProvider struct {
	responses []string
	requests  []llm.CompleteRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompleteRequest) (string, error) {
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return CompletionDelimiter, nil
	}
	out := p.responses[0]
	p.responses = p.responses[1:]
	return out, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

// ---------------------------------------------------------------------------
// Sanitize utilities
// ---------------------------------------------------------------------------

func TestSanitizeStr(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  plain  ", "plain"},
		{"&quot;quoted&quot;", "quoted"},
		{"a\x00b\x1fc", "abc"},
		{`"wrapped"`, "wrapped"},
		{"Fish &amp; Chips", "Fish & Chips"},
		{"", ""},
	}
	for _, c := range cases {
		if got := SanitizeStr(c.in); got != c.want {
			t.Errorf("SanitizeStr(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSafeFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
	}{
		{2.5, 2.5},
		{int(3), 3},
		{"4.5", 4.5},
		{" 7 ", 7},
		{"not a number", 1.0},
		{nil, 1.0},
		{map[string]any{}, 1.0},
	}
	for _, c := range cases {
		if got := SafeFloat(c.in, 1.0); got != c.want {
			t.Errorf("SafeFloat(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

// ---------------------------------------------------------------------------
// NDJSON parsing
// ---------------------------------------------------------------------------

func TestParseSkipsMalformedLines(t *testing.T) {
	e := New(&scriptedProvider{}, Config{})
	out := strings.Join([]string{
		`{"type": "entity", "name": "Ada Lovelace", "entity_type": "person", "description": "mathematician"}`,
		`this line is not json at all`,
		`{"type": "entity", "name": "Babbage"`, // truncated json
		`{"type": "relationship", "source": "Ada Lovelace", "target": "Analytical Engine", "description": "Ada created programs for the engine", "strength": "8"}`,
		`{"type": "entity", "name": "Analytical Engine", "entity_type": "TECHNOLOGY", "description": "mechanical computer"}`,
		CompletionDelimiter,
	}, "\n")

	result := e.parse("chunk-1", out)

	if len(result.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2 (malformed lines skipped)", len(result.Nodes))
	}
	ada := result.Nodes["ADA LOVELACE"]
	if len(ada) != 1 {
		t.Fatalf("no fragment for ADA LOVELACE")
	}
	if ada[0].Name != "ADA LOVELACE" {
		t.Errorf("name = %q, want uppercase normalization", ada[0].Name)
	}
	if ada[0].EntityType != "PERSON" {
		t.Errorf("entity_type = %q, want PERSON (uppercased, validated)", ada[0].EntityType)
	}
	if ada[0].SourceID != "chunk-1" {
		t.Errorf("source_id = %q", ada[0].SourceID)
	}

	if len(result.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(result.Edges))
	}
	edge := result.Edges[0]
	if edge.Weight != 8 {
		t.Errorf("weight = %v, want 8 (string coerced)", edge.Weight)
	}
	if edge.RelationType != "CREATED" {
		t.Errorf("relation_type = %q, want CREATED from pattern scan", edge.RelationType)
	}
}

func TestParseKeysNodesByNormalizedName(t *testing.T) {
	e := New(&scriptedProvider{}, Config{})
	out := strings.Join([]string{
		`{"type": "entity", "name": "Executive Order 14196", "entity_type": "EVENT", "description": "an order"}`,
		`{"type": "relationship", "source": "Executive Order 14196", "target": "Executive Order 13800", "description": "supersedes the earlier order", "strength": 9}`,
	}, "\n")

	result := e.parse("chunk-1", out)

	// Node keys are the names themselves; the hashed ent-<md5> form is
	// reserved for vector records and must never leak into the graph.
	if _, ok := result.Nodes["EXECUTIVE ORDER 14196"]; !ok {
		t.Fatalf("node keys = %v, want the normalized name", keysOf(result.Nodes))
	}
	if _, ok := result.Nodes[storage.EntityID("EXECUTIVE ORDER 14196")]; ok {
		t.Error("node keyed by hashed vector id")
	}
	edge := result.Edges[0]
	if edge.Source != "EXECUTIVE ORDER 14196" || edge.Target != "EXECUTIVE ORDER 13800" {
		t.Errorf("edge endpoints = %q -> %q, want names", edge.Source, edge.Target)
	}
}

func keysOf(m map[string][]NodeFragment) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestParseDropsEmptyNames(t *testing.T) {
	e := New(&scriptedProvider{}, Config{})
	out := strings.Join([]string{
		`{"type": "entity", "name": null, "entity_type": "PERSON", "description": "nameless"}`,
		`{"type": "entity", "name": "   ", "entity_type": "PERSON", "description": "blank"}`,
		`{"type": "relationship", "source": "", "target": "X", "description": "d"}`,
	}, "\n")

	result := e.parse("chunk-1", out)
	if len(result.Nodes) != 0 || len(result.Edges) != 0 {
		t.Errorf("result = %d nodes, %d edges; want empty", len(result.Nodes), len(result.Edges))
	}
}

func TestParseUnknownEntityType(t *testing.T) {
	e := New(&scriptedProvider{}, Config{EntityTypes: []string{"PERSON"}})
	out := `{"type": "entity", "name": "Mars", "entity_type": "PLANET", "description": "planet"}`

	result := e.parse("chunk-1", out)
	frag := result.Nodes["MARS"][0]
	if frag.EntityType != "UNKNOWN" {
		t.Errorf("entity_type = %q, want UNKNOWN for out-of-set type", frag.EntityType)
	}
}

func TestParseClampsOversizedExtraction(t *testing.T) {
	e := New(&scriptedProvider{}, Config{MaxEntities: 2, MaxRelations: 1})
	var lines []string
	for _, name := range []string{"A", "B", "C", "D"} {
		lines = append(lines, `{"type": "entity", "name": "`+name+`", "entity_type": "PERSON", "description": "x"}`)
	}
	lines = append(lines,
		`{"type": "relationship", "source": "A", "target": "B", "description": "r1"}`,
		`{"type": "relationship", "source": "C", "target": "D", "description": "r2"}`,
	)

	result := e.parse("chunk-1", strings.Join(lines, "\n"))
	if len(result.Nodes) != 2 {
		t.Errorf("nodes = %d, want clamp at 2", len(result.Nodes))
	}
	if len(result.Edges) != 1 {
		t.Errorf("edges = %d, want clamp at 1", len(result.Edges))
	}
}

// ---------------------------------------------------------------------------
// Relation-type mapping
// ---------------------------------------------------------------------------

func TestRelationTypeFirstMatchWins(t *testing.T) {
	e := New(&scriptedProvider{}, Config{RelationPatterns: []RelationPattern{
		{"works for", "EMPLOYED_BY"},
		{"for", "GENERIC_FOR"},
	}})

	if got := e.relationType("she works for the lab"); got != "EMPLOYED_BY" {
		t.Errorf("relationType = %q, want first pattern in order", got)
	}
	if got := e.relationType("made for testing"); got != "GENERIC_FOR" {
		t.Errorf("relationType = %q", got)
	}
	if got := e.relationType("no verb matches here"); got != DefaultRelationType {
		t.Errorf("relationType = %q, want default %q", got, DefaultRelationType)
	}
}

// ---------------------------------------------------------------------------
// Gleaning and continuation
// ---------------------------------------------------------------------------

func TestExtractChunkGleansInSameConversation(t *testing.T) {
	p := &scriptedProvider{responses: []string{
		`{"type": "entity", "name": "First", "entity_type": "PERSON", "description": "d"}` + "\n" + CompletionDelimiter,
		`{"type": "entity", "name": "Second", "entity_type": "PERSON", "description": "d"}` + "\n" + CompletionDelimiter,
	}}
	e := New(p, Config{MaxGleaning: 1})

	result, err := e.ExtractChunk(context.Background(), "chunk-1", "some text")
	if err != nil {
		t.Fatalf("ExtractChunk: %v", err)
	}
	if len(result.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2 (initial + gleaned)", len(result.Nodes))
	}
	if len(p.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(p.requests))
	}
	// The gleaning request carries the prior exchange as history.
	glean := p.requests[1]
	if len(glean.History) != 2 {
		t.Errorf("gleaning history = %d messages, want 2", len(glean.History))
	}
	if !strings.Contains(glean.Prompt, "missed") {
		t.Errorf("gleaning prompt = %q", glean.Prompt)
	}
}

func TestExtractChunkContinuesTruncatedOutput(t *testing.T) {
	truncated := `{"type": "entity", "name": "Alpha", "entity_type": "PERSON", "description": "d"}` + "\n" +
		`{"type": "relationship", "source": "Alpha", "tar` // cut mid-line, no delimiter
	p := &scriptedProvider{responses: []string{
		truncated,
		`{"type": "entity", "name": "Beta", "entity_type": "PERSON", "desc`, // gleaning round, also cut off
		`{"type": "relationship", "source": "Alpha", "target": "Beta", "description": "alpha leads beta", "strength": 5}` + "\n" + CompletionDelimiter,
	}}
	e := New(p, Config{MaxGleaning: 1, MaxContinuationAttempts: 2})

	result, err := e.ExtractChunk(context.Background(), "chunk-1", "text")
	if err != nil {
		t.Fatalf("ExtractChunk: %v", err)
	}
	// 3 calls: initial, gleaning, one continuation (second response ended
	// clean so no further attempts).
	if len(p.requests) != 3 {
		t.Fatalf("requests = %d, want 3", len(p.requests))
	}
	if len(result.Edges) != 1 {
		t.Fatalf("edges = %d, want the continued relationship", len(result.Edges))
	}
	if result.Edges[0].RelationType != "LEADS" {
		t.Errorf("relation_type = %q", result.Edges[0].RelationType)
	}
}

func TestLooksTruncated(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want bool
	}{
		{"with delimiter", "line\n" + CompletionDelimiter, false},
		{"empty", "  ", false},
		{"ellipsis", `{"type": "entity"}` + "\n" + "something...", true},
		{"mid json", `{"type": "entity", "name": "X`, true},
		{"clean json no delimiter", `{"type": "entity", "name": "X"}`, false},
	}
	for _, c := range cases {
		if got := looksTruncated(c.in); got != c.want {
			t.Errorf("%s: looksTruncated = %v, want %v", c.name, got, c.want)
		}
	}
}
