// Package query implements the three retrieval modes over an ingested
// knowledge base: local (entity neighborhood), global (community report
// map/reduce), and naive (flat chunk RAG).
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanograph/nanograph/llm"
	"github.com/nanograph/nanograph/storage"
	"github.com/nanograph/nanograph/tokenizer"
)

// ErrNaiveRAGDisabled is returned by Naive when no chunk vector store is
// configured.
var ErrNaiveRAGDisabled = errors.New("nanograph: naive rag is disabled")

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeGlobal Mode = "global"
	ModeNaive  Mode = "naive"
)

// Config holds query-time knobs. Zero values take defaults.
type Config struct {
	// TopK entities (local) or chunks (naive) retrieved per query.
	TopK int
	// Level of community reports consulted by global mode (0 = root).
	Level int
	// MapGroupSize is the number of reports per global map call.
	MapGroupSize int
	// ResponseType is the requested answer shape, e.g. "multiple paragraphs".
	ResponseType string
	// LocalTemplate / GlobalTemplate override the response templates;
	// inline text or a file path (leading ".", "/" or "\").
	LocalTemplate  string
	GlobalTemplate string
	// EnableNaiveRAG gates naive mode; requires a chunk vector store.
	EnableNaiveRAG bool

	// Per-section token budgets.
	EntityTokens   int
	RelationTokens int
	SourceTokens   int
	ReportTokens   int
	ChunkTokens    int
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 20
	}
	if c.MapGroupSize <= 0 {
		c.MapGroupSize = 8
	}
	if c.ResponseType == "" {
		c.ResponseType = "multiple paragraphs"
	}
	if c.EntityTokens <= 0 {
		c.EntityTokens = 4000
	}
	if c.RelationTokens <= 0 {
		c.RelationTokens = 4800
	}
	if c.SourceTokens <= 0 {
		c.SourceTokens = 4000
	}
	if c.ReportTokens <= 0 {
		c.ReportTokens = 12000
	}
	if c.ChunkTokens <= 0 {
		c.ChunkTokens = 12000
	}
	return c
}

// Planner executes queries against the ingested stores.
type Planner struct {
	provider   llm.Provider
	tok        tokenizer.Tokenizer
	graph      storage.GraphStorage
	entities   storage.VectorStorage
	chunks     storage.VectorStorage // nil unless naive RAG enabled
	textChunks storage.KVStorage[storage.TextChunk]
	reports    storage.KVStorage[storage.CommunityReport]
	cfg        Config
}

// NewPlanner wires a Planner. chunks may be nil, which disables naive mode.
func NewPlanner(
	provider llm.Provider,
	tok tokenizer.Tokenizer,
	graph storage.GraphStorage,
	entities storage.VectorStorage,
	chunks storage.VectorStorage,
	textChunks storage.KVStorage[storage.TextChunk],
	reports storage.KVStorage[storage.CommunityReport],
	cfg Config,
) *Planner {
	return &Planner{
		provider:   provider,
		tok:        tok,
		graph:      graph,
		entities:   entities,
		chunks:     chunks,
		textChunks: textChunks,
		reports:    reports,
		cfg:        cfg.withDefaults(),
	}
}

// Query dispatches to the mode-specific planner.
func (p *Planner) Query(ctx context.Context, query string, mode Mode) (string, error) {
	switch mode {
	case ModeLocal, "":
		return p.Local(ctx, query)
	case ModeGlobal:
		return p.Global(ctx, query)
	case ModeNaive:
		return p.Naive(ctx, query)
	default:
		return "", fmt.Errorf("nanograph: unknown query mode %q", mode)
	}
}

// ---------------------------------------------------------------------------
// Local mode
// ---------------------------------------------------------------------------

// Local retrieves the entity neighborhood of the query and answers from
// entity, relationship and source tables. Retrieval failures degrade to
// an empty context; the LLM is still called.
func (p *Planner) Local(ctx context.Context, query string) (string, error) {
	start := time.Now()

	contextData, err := p.buildLocalContext(ctx, query)
	if err != nil {
		slog.Warn("query: local context retrieval failed, answering with empty context", "error", err)
		contextData = ""
	}

	tpl := resolveTemplate("local", p.cfg.LocalTemplate, defaultLocalTemplate)
	answer, err := p.provider.Complete(ctx, llm.CompleteRequest{
		System: renderTemplate(tpl, contextData, p.cfg.ResponseType),
		Prompt: query,
	})
	if err != nil {
		return "", fmt.Errorf("local query completion: %w", err)
	}
	slog.Debug("query: local answered",
		"context_tokens", p.tok.Count(contextData),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return answer, nil
}

// BuildLocalContext exposes the assembled context tables, used by tests
// and by callers that want retrieval without generation.
func (p *Planner) BuildLocalContext(ctx context.Context, query string) (string, error) {
	return p.buildLocalContext(ctx, query)
}

func (p *Planner) buildLocalContext(ctx context.Context, query string) (string, error) {
	points, err := p.entities.Query(ctx, query, p.cfg.TopK)
	if err != nil {
		return "", fmt.Errorf("entity vector query: %w", err)
	}
	if len(points) == 0 {
		return "", nil
	}

	// Hits are keyed ent-<md5>; the graph is keyed by entity name, which
	// every vector payload carries.
	ids := make([]string, len(points))
	for i, pt := range points {
		ids[i] = pt.Payload.EntityName
	}
	nodes, err := p.graph.GetNodesBatch(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("resolving entity nodes: %w", err)
	}

	// A vector hit without a graph node means has_vector bookkeeping broke.
	var keptIDs []string
	nodeByID := make(map[string]*storage.NodeData)
	dropped := 0
	for i, n := range nodes {
		if n == nil {
			dropped++
			continue
		}
		keptIDs = append(keptIDs, ids[i])
		nodeByID[ids[i]] = n
	}
	if dropped > 0 {
		slog.Warn("query: vector hits without graph nodes, has_vector inconsistency",
			"dropped", dropped)
	}
	if len(keptIDs) == 0 {
		return "", nil
	}

	degrees, err := p.graph.NodeDegreesBatch(ctx, keptIDs)
	if err != nil {
		return "", fmt.Errorf("ranking entities by degree: %w", err)
	}
	degreeByID := make(map[string]int, len(keptIDs))
	for i, id := range keptIDs {
		degreeByID[id] = degrees[i]
	}
	sort.SliceStable(keptIDs, func(a, b int) bool {
		return degreeByID[keptIDs[a]] > degreeByID[keptIDs[b]]
	})

	entitySection := p.entitySection(keptIDs, nodeByID, degreeByID)
	relationSection, err := p.relationSection(ctx, keptIDs, nodeByID, degreeByID)
	if err != nil {
		return "", err
	}
	sourceSection, err := p.sourceSection(ctx, keptIDs, nodeByID)
	if err != nil {
		return "", err
	}

	return entitySection + relationSection + sourceSection, nil
}

func (p *Planner) entitySection(ids []string, nodeByID map[string]*storage.NodeData, degreeByID map[string]int) string {
	rows := make([]string, 0, len(ids))
	for _, id := range ids {
		n := nodeByID[id]
		rows = append(rows, csvRow(n.Name, n.EntityType, n.Description, fmt.Sprint(degreeByID[id])))
	}
	return p.csvSection("Entities", "id,entity,type,description,rank", rows, p.cfg.EntityTokens)
}

// relationSection renders the edges among and around the retrieved
// entities. Deduplication keys on the exact ordered (source, target)
// tuple so a bidirectional typed pair keeps both rows.
func (p *Planner) relationSection(ctx context.Context, ids []string, nodeByID map[string]*storage.NodeData, degreeByID map[string]int) (string, error) {
	edgeLists, err := p.graph.GetNodesEdgesBatch(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("fetching entity edges: %w", err)
	}

	type edgeRow struct {
		edge storage.Edge
		rank int
	}
	seen := make(map[[2]string]bool)
	var rows []edgeRow
	var extraIDs []string
	for _, list := range edgeLists {
		for _, e := range list {
			key := [2]string{e.Source, e.Target}
			if seen[key] {
				continue
			}
			seen[key] = true
			rows = append(rows, edgeRow{edge: e})
			for _, id := range key {
				if _, ok := nodeByID[id]; !ok {
					extraIDs = append(extraIDs, id)
					nodeByID[id] = nil // reserve; filled below
				}
			}
		}
	}

	// Endpoints outside the retrieved set still need names and degrees.
	if len(extraIDs) > 0 {
		extraNodes, err := p.graph.GetNodesBatch(ctx, extraIDs)
		if err != nil {
			return "", fmt.Errorf("resolving edge endpoints: %w", err)
		}
		extraDegrees, err := p.graph.NodeDegreesBatch(ctx, extraIDs)
		if err != nil {
			return "", fmt.Errorf("ranking edge endpoints: %w", err)
		}
		for i, id := range extraIDs {
			nodeByID[id] = extraNodes[i]
			degreeByID[id] = extraDegrees[i]
		}
	}

	for i := range rows {
		rows[i].rank = degreeByID[rows[i].edge.Source] + degreeByID[rows[i].edge.Target]
	}
	sort.SliceStable(rows, func(a, b int) bool {
		if rows[a].rank != rows[b].rank {
			return rows[a].rank > rows[b].rank
		}
		return rows[a].edge.Data.Weight > rows[b].edge.Data.Weight
	})

	nameOf := func(id string) string {
		if n := nodeByID[id]; n != nil && n.Name != "" {
			return n.Name
		}
		return id
	}
	rendered := make([]string, 0, len(rows))
	for _, r := range rows {
		rendered = append(rendered, csvRow(
			nameOf(r.edge.Source), nameOf(r.edge.Target),
			r.edge.Data.Description, r.edge.Data.RelationType,
			fmt.Sprintf("%.1f", r.edge.Data.Weight), fmt.Sprint(r.rank)))
	}
	return p.csvSection("Relationships",
		"id,source,target,description,relation_type,weight,rank", rendered, p.cfg.RelationTokens), nil
}

// sourceSection pulls the text chunks backing the retrieved entities, in
// entity-rank order.
func (p *Planner) sourceSection(ctx context.Context, ids []string, nodeByID map[string]*storage.NodeData) (string, error) {
	seen := make(map[string]bool)
	var chunkIDs []string
	for _, id := range ids {
		n := nodeByID[id]
		if n == nil {
			continue
		}
		for _, cid := range storage.SplitField(n.SourceID) {
			if !seen[cid] {
				seen[cid] = true
				chunkIDs = append(chunkIDs, cid)
			}
		}
	}
	if len(chunkIDs) == 0 {
		return p.csvSection("Sources", "id,content", nil, p.cfg.SourceTokens), nil
	}

	chunks, found, err := p.textChunks.GetByIDs(ctx, chunkIDs)
	if err != nil {
		return "", fmt.Errorf("fetching source chunks: %w", err)
	}
	rows := make([]string, 0, len(chunks))
	for i, ok := range found {
		if ok {
			rows = append(rows, csvRow(chunks[i].Content))
		}
	}
	return p.csvSection("Sources", "id,content", rows, p.cfg.SourceTokens), nil
}

// ---------------------------------------------------------------------------
// Global mode
// ---------------------------------------------------------------------------

type analystPoint struct {
	Description string `json:"description"`
	Score       int    `json:"score"`
}

// Global answers by map/reduce over community reports: each group of
// reports yields scored points, the reduce step synthesizes the answer.
func (p *Planner) Global(ctx context.Context, query string) (string, error) {
	start := time.Now()

	reports, err := p.reportsAtLevel(ctx, p.cfg.Level)
	if err != nil {
		slog.Warn("query: loading community reports failed, answering with empty context", "error", err)
		reports = nil
	}
	if len(reports) == 0 {
		slog.Warn("query: no community reports at level", "level", p.cfg.Level)
	}

	points := p.mapReports(ctx, query, reports)
	sort.SliceStable(points, func(a, b int) bool { return points[a].Score > points[b].Score })

	var b strings.Builder
	for i, pt := range points {
		section := fmt.Sprintf("----Analyst %d----\nImportance Score: %d\n%s\n\n", i+1, pt.Score, pt.Description)
		if p.tok.Count(b.String()+section) > p.cfg.ReportTokens {
			break
		}
		b.WriteString(section)
	}

	tpl := resolveTemplate("global", p.cfg.GlobalTemplate, defaultGlobalTemplate)
	answer, err := p.provider.Complete(ctx, llm.CompleteRequest{
		System: renderTemplate(tpl, b.String(), p.cfg.ResponseType),
		Prompt: query,
	})
	if err != nil {
		return "", fmt.Errorf("global query completion: %w", err)
	}
	slog.Debug("query: global answered",
		"reports", len(reports), "points", len(points),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return answer, nil
}

func (p *Planner) reportsAtLevel(ctx context.Context, level int) ([]storage.CommunityReport, error) {
	keys, err := p.reports.AllKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing community reports: %w", err)
	}
	sort.Strings(keys)
	all, found, err := p.reports.GetByIDs(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("loading community reports: %w", err)
	}
	var out []storage.CommunityReport
	for i, ok := range found {
		if ok && all[i].Level == level {
			out = append(out, all[i])
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Occurrence > out[b].Occurrence })
	return out, nil
}

// mapReports runs the map phase over report groups. Group failures are
// logged and dropped; the reduce step works with whatever survived.
func (p *Planner) mapReports(ctx context.Context, query string, reports []storage.CommunityReport) []analystPoint {
	var groups [][]storage.CommunityReport
	for len(reports) > 0 {
		n := p.cfg.MapGroupSize
		if n > len(reports) {
			n = len(reports)
		}
		groups = append(groups, reports[:n])
		reports = reports[n:]
	}

	var (
		mu     sync.Mutex
		points []analystPoint
	)
	g, gctx := errgroup.WithContext(ctx)
	for gi, group := range groups {
		g.Go(func() error {
			var b strings.Builder
			b.WriteString("id,content,rating,importance\n")
			for i, r := range group {
				rating := 0.0
				if v, ok := r.ReportJSON["rating"].(float64); ok {
					rating = v
				}
				fmt.Fprintf(&b, "%s,%.1f,%.2f\n", csvRow(fmt.Sprint(i), r.ReportString), rating, r.Occurrence)
			}

			out, err := p.provider.Complete(gctx, llm.CompleteRequest{
				System:         renderTemplate(communityReportMapPrompt, b.String(), p.cfg.ResponseType),
				Prompt:         query,
				ResponseFormat: "json_object",
			})
			if err != nil {
				slog.Warn("query: global map call failed, dropping group", "group", gi, "error", err)
				return nil
			}

			var parsed struct {
				Points []analystPoint `json:"points"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &parsed); err != nil {
				slog.Warn("query: global map output unparsable, dropping group", "group", gi, "error", err)
				return nil
			}
			mu.Lock()
			for _, pt := range parsed.Points {
				if pt.Score > 0 {
					points = append(points, pt)
				}
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return points
}

// ---------------------------------------------------------------------------
// Naive mode
// ---------------------------------------------------------------------------

// Naive is flat RAG over raw chunks. Requires the chunk vector store.
func (p *Planner) Naive(ctx context.Context, query string) (string, error) {
	if !p.cfg.EnableNaiveRAG || p.chunks == nil {
		return "", ErrNaiveRAGDisabled
	}

	points, err := p.chunks.Query(ctx, query, p.cfg.TopK)
	if err != nil {
		slog.Warn("query: chunk vector query failed, answering with empty context", "error", err)
		points = nil
	}
	ids := make([]string, len(points))
	for i, pt := range points {
		ids[i] = pt.ID
	}

	var b strings.Builder
	if len(ids) > 0 {
		chunks, found, err := p.textChunks.GetByIDs(ctx, ids)
		if err != nil {
			return "", fmt.Errorf("fetching chunks: %w", err)
		}
		for i, ok := range found {
			if !ok {
				continue
			}
			section := "--New Chunk--\n" + chunks[i].Content + "\n"
			if p.tok.Count(b.String()+section) > p.cfg.ChunkTokens {
				break
			}
			b.WriteString(section)
		}
	}

	answer, err := p.provider.Complete(ctx, llm.CompleteRequest{
		System: renderTemplate(naiveTemplate, b.String(), p.cfg.ResponseType),
		Prompt: query,
	})
	if err != nil {
		return "", fmt.Errorf("naive query completion: %w", err)
	}
	return answer, nil
}

// ---------------------------------------------------------------------------
// CSV helpers
// ---------------------------------------------------------------------------

func csvEscape(s string) string {
	s = strings.ReplaceAll(s, `"`, `""`)
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + s + `"`
	}
	return s
}

// csvRow joins escaped fields; the caller-visible id column is prepended
// by csvSection so row indices stay dense after truncation.
func csvRow(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = csvEscape(f)
	}
	return strings.Join(escaped, ",")
}

// csvSection renders a fenced CSV block, dropping tail rows (lowest rank
// last) until the token budget is met. The header always survives and
// kept rows are never column-trimmed.
func (p *Planner) csvSection(title, header string, rows []string, budget int) string {
	render := func(rows []string) string {
		var b strings.Builder
		fmt.Fprintf(&b, "-----%s-----\n```csv\n%s\n", title, header)
		for i, r := range rows {
			fmt.Fprintf(&b, "%d,%s\n", i, r)
		}
		b.WriteString("```\n")
		return b.String()
	}
	out := render(rows)
	for len(rows) > 0 && p.tok.Count(out) > budget {
		rows = rows[:len(rows)-1]
		out = render(rows)
	}
	return out
}
