// Package extract turns text chunks into entity and relationship
// fragments via NDJSON-structured LLM extraction, with gleaning and
// continuation passes for small models.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nanograph/nanograph/llm"
)

// DefaultEntityTypes is the extraction enumeration when none is
// configured.
var DefaultEntityTypes = []string{
	"PERSON", "ORGANIZATION", "LOCATION", "EVENT", "CONCEPT", "TECHNOLOGY",
}

// RelationPattern maps a case-insensitive substring of a relationship
// description to a relation type. Patterns are scanned in order; the
// first match wins.
type RelationPattern struct {
	Substring string
	Type      string
}

// DefaultRelationPatterns covers the common verb families. Anything
// unmatched stays DefaultRelationType.
var DefaultRelationPatterns = []RelationPattern{
	{"is part of", "PART_OF"},
	{"belongs to", "PART_OF"},
	{"works for", "EMPLOYED_BY"},
	{"employed", "EMPLOYED_BY"},
	{"leads", "LEADS"},
	{"manages", "LEADS"},
	{"located in", "LOCATED_IN"},
	{"owns", "OWNS"},
	{"supports", "SUPPORTS"},
	{"opposes", "OPPOSES"},
	{"causes", "CAUSES"},
	{"created", "CREATED"},
	{"produces", "CREATED"},
}

// DefaultRelationType is assigned when no pattern matches.
const DefaultRelationType = "RELATED"

const (
	defaultMaxGleaning     = 1
	defaultMaxContinuation = 2
	defaultMaxEntities     = 500
	defaultMaxRelations    = 1000
	perChunkTimeout        = 5 * time.Minute
)

// Config controls extraction behaviour. Zero values take defaults.
type Config struct {
	EntityTypes             []string
	RelationPatterns        []RelationPattern
	MaxGleaning             int
	MaxContinuationAttempts int
	MaxEntities             int
	MaxRelations            int
}

// NodeFragment is one per-chunk observation of an entity.
type NodeFragment struct {
	Name        string
	EntityType  string
	Description string
	SourceID    string
}

// EdgeFragment is one per-chunk observation of a relationship. Source
// and Target are normalized entity names.
type EdgeFragment struct {
	Source       string
	Target       string
	Description  string
	Weight       float64
	SourceID     string
	RelationType string
}

// Result is the extraction output for one chunk. Nodes are keyed by
// normalized entity name; duplicates within a chunk are allowed to
// coexist as merged fragments later.
type Result struct {
	Nodes map[string][]NodeFragment
	Edges []EdgeFragment
}

// Extractor drives the extraction protocol against an LLM provider.
type Extractor struct {
	provider llm.Provider
	cfg      Config
	typeSet  map[string]bool
}

// New returns an Extractor. Defaults are applied for unset config fields.
func New(provider llm.Provider, cfg Config) *Extractor {
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = DefaultEntityTypes
	}
	if cfg.RelationPatterns == nil {
		cfg.RelationPatterns = DefaultRelationPatterns
	}
	if cfg.MaxGleaning <= 0 {
		cfg.MaxGleaning = defaultMaxGleaning
	}
	if cfg.MaxContinuationAttempts <= 0 {
		cfg.MaxContinuationAttempts = defaultMaxContinuation
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = defaultMaxEntities
	}
	if cfg.MaxRelations <= 0 {
		cfg.MaxRelations = defaultMaxRelations
	}
	typeSet := make(map[string]bool, len(cfg.EntityTypes))
	for _, t := range cfg.EntityTypes {
		typeSet[strings.ToUpper(t)] = true
	}
	return &Extractor{provider: provider, cfg: cfg, typeSet: typeSet}
}

// ExtractChunk runs the full protocol (extract, glean, continue) for one
// chunk and returns its fragments.
func (e *Extractor) ExtractChunk(ctx context.Context, chunkID, content string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, perChunkTimeout)
	defer cancel()

	prompt := fmt.Sprintf(entityExtractionPrompt,
		strings.Join(e.cfg.EntityTypes, ", "),
		CompletionDelimiter,
		CompletionDelimiter,
		content)

	first, err := e.provider.Complete(ctx, llm.CompleteRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	history := []llm.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: first},
	}
	responses := []string{first}

	// Gleaning: same conversation, recover what the first pass missed.
	for i := 0; i < e.cfg.MaxGleaning; i++ {
		glean := fmt.Sprintf(gleaningPrompt, CompletionDelimiter)
		out, err := e.provider.Complete(ctx, llm.CompleteRequest{
			Prompt:  glean,
			History: history,
		})
		if err != nil {
			return nil, fmt.Errorf("gleaning call %d: %w", i+1, err)
		}
		history = append(history,
			llm.Message{Role: "user", Content: glean},
			llm.Message{Role: "assistant", Content: out})
		responses = append(responses, out)
	}

	// Continuation: only when the accumulated output looks cut off.
	for i := 0; i < e.cfg.MaxContinuationAttempts; i++ {
		if !looksTruncated(responses[len(responses)-1]) {
			break
		}
		slog.Debug("extract: response looks truncated, continuing",
			"chunk", chunkID, "attempt", i+1)
		cont := fmt.Sprintf(continuationPrompt, CompletionDelimiter)
		out, err := e.provider.Complete(ctx, llm.CompleteRequest{
			Prompt:  cont,
			History: history,
		})
		if err != nil {
			return nil, fmt.Errorf("continuation call %d: %w", i+1, err)
		}
		history = append(history,
			llm.Message{Role: "user", Content: cont},
			llm.Message{Role: "assistant", Content: out})
		responses = append(responses, out)
	}

	return e.parse(chunkID, strings.Join(responses, "\n")), nil
}

// looksTruncated reports whether a response appears cut off: no
// completion delimiter, or a trailing ellipsis, or an unterminated JSON
// line.
func looksTruncated(response string) bool {
	if strings.Contains(response, CompletionDelimiter) {
		return false
	}
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…") {
		return true
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	return strings.HasPrefix(last, "{") && !json.Valid([]byte(last))
}

// ndjsonRecord is the union of entity and relationship lines.
type ndjsonRecord struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	EntityType  string `json:"entity_type"`
	Description string `json:"description"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	Strength    any    `json:"strength"`
}

// parse walks the NDJSON output line by line, skipping anything that is
// not a valid record. Parse failures never abort the chunk.
func (e *Extractor) parse(chunkID, output string) *Result {
	result := &Result{Nodes: make(map[string][]NodeFragment)}
	entities, relations := 0, 0

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, CompletionDelimiter) {
			continue
		}
		var rec ndjsonRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Debug("extract: skipping unparsable line", "chunk", chunkID, "line", line)
			continue
		}

		switch rec.Type {
		case "entity":
			name := strings.ToUpper(SanitizeStr(rec.Name))
			if name == "" {
				continue
			}
			if entities >= e.cfg.MaxEntities {
				slog.Warn("extract: entity limit reached, truncating",
					"chunk", chunkID, "limit", e.cfg.MaxEntities)
				continue
			}
			entities++
			// Graph nodes are keyed by the normalized name itself. The
			// ent-<md5> form exists only inside the vector store.
			result.Nodes[name] = append(result.Nodes[name], NodeFragment{
				Name:        name,
				EntityType:  e.normalizeType(rec.EntityType),
				Description: SanitizeStr(rec.Description),
				SourceID:    chunkID,
			})
		case "relationship":
			src := strings.ToUpper(SanitizeStr(rec.Source))
			tgt := strings.ToUpper(SanitizeStr(rec.Target))
			if src == "" || tgt == "" {
				continue
			}
			if relations >= e.cfg.MaxRelations {
				slog.Warn("extract: relationship limit reached, truncating",
					"chunk", chunkID, "limit", e.cfg.MaxRelations)
				continue
			}
			relations++
			desc := SanitizeStr(rec.Description)
			result.Edges = append(result.Edges, EdgeFragment{
				Source:       src,
				Target:       tgt,
				Description:  desc,
				Weight:       SafeFloat(rec.Strength, 1.0),
				SourceID:     chunkID,
				RelationType: e.relationType(desc),
			})
		}
	}
	return result
}

// normalizeType uppercases and validates an extracted entity type; types
// outside the configured set become UNKNOWN.
func (e *Extractor) normalizeType(t string) string {
	t = strings.ToUpper(SanitizeStr(t))
	if e.typeSet[t] {
		return t
	}
	return "UNKNOWN"
}

// relationType derives the relation type from the description by ordered
// first-match substring scan.
func (e *Extractor) relationType(description string) string {
	lower := strings.ToLower(description)
	for _, p := range e.cfg.RelationPatterns {
		if strings.Contains(lower, strings.ToLower(p.Substring)) {
			return p.Type
		}
	}
	return DefaultRelationType
}
