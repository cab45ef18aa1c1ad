// Package community turns graph clusters into LLM-written reports. Report
// generation is the most fan-out-heavy phase of the pipeline and runs
// under a mandatory bounded semaphore.
package community

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nanograph/nanograph/llm"
	"github.com/nanograph/nanograph/storage"
	"github.com/nanograph/nanograph/tokenizer"
)

// Config controls report generation.
type Config struct {
	// Algorithm passed to graph clustering, default "leiden".
	Algorithm string
	// MaxConcurrency bounds concurrent per-community work. Without this
	// bound a large level fans out to thousands of graph sessions.
	MaxConcurrency int64
	// ModelContext is the completion model's context size in tokens.
	ModelContext int
	// TokenBudgetRatio of the context usable for packed data.
	TokenBudgetRatio float64
	// ChatOverhead reserves tokens for the prompt scaffolding.
	ChatOverhead int
}

// Engine drives clustering and report generation.
type Engine struct {
	provider llm.Provider
	tok      tokenizer.Tokenizer
	graph    storage.GraphStorage
	reports  storage.KVStorage[storage.CommunityReport]
	cfg      Config
}

// NewEngine returns an Engine with defaults applied.
func NewEngine(provider llm.Provider, tok tokenizer.Tokenizer, graph storage.GraphStorage, reports storage.KVStorage[storage.CommunityReport], cfg Config) *Engine {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "leiden"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.ModelContext <= 0 {
		cfg.ModelContext = 32768
	}
	if cfg.TokenBudgetRatio <= 0 || cfg.TokenBudgetRatio > 1 {
		cfg.TokenBudgetRatio = 0.75
	}
	if cfg.ChatOverhead <= 0 {
		cfg.ChatOverhead = 1000
	}
	return &Engine{provider: provider, tok: tok, graph: graph, reports: reports, cfg: cfg}
}

// tokenBudget is the packed-data allowance per report.
func (e *Engine) tokenBudget() int {
	b := int(math.Floor(float64(e.cfg.ModelContext)*e.cfg.TokenBudgetRatio)) - e.cfg.ChatOverhead
	if b < 1 {
		b = 1
	}
	return b
}

// GenerateReports re-clusters the graph and regenerates every community
// report. Existing reports are dropped first. Levels are processed
// deepest-first so sub-community reports exist when their parents pack.
func (e *Engine) GenerateReports(ctx context.Context) error {
	start := time.Now()

	if err := e.reports.Drop(ctx); err != nil {
		return fmt.Errorf("dropping stale reports: %w", err)
	}

	schema, err := e.graph.Clustering(ctx, e.cfg.Algorithm)
	if err != nil {
		return fmt.Errorf("clustering: %w", err)
	}
	if len(schema) == 0 {
		slog.Info("community: graph has no communities, nothing to report")
		return nil
	}

	byLevel := make(map[int][]string)
	for id, info := range schema {
		byLevel[info.Level] = append(byLevel[info.Level], id)
	}
	levels := make([]int, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))

	sem := semaphore.NewWeighted(e.cfg.MaxConcurrency)
	for _, level := range levels {
		ids := byLevel[level]
		sort.Strings(ids)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for _, id := range ids {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer sem.Release(1)
				if err := e.generateOne(ctx, id, schema[id], schema); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("community %s: %w", id, err))
					mu.Unlock()
				}
			}(id)
		}
		wg.Wait()
		if len(errs) > 0 {
			return errs[0]
		}
		slog.Info("community: level complete", "level", level, "communities", len(ids))
	}

	if err := e.reports.IndexDoneCallback(ctx); err != nil {
		return fmt.Errorf("flushing reports: %w", err)
	}
	slog.Info("community: reports generated",
		"communities", len(schema), "elapsed", time.Since(start))
	return nil
}

// generateOne packs one community's data, calls the LLM and persists the
// report under the cluster id.
func (e *Engine) generateOne(ctx context.Context, id string, info *storage.CommunityInfo, schema storage.CommunitySchema) error {
	packed, err := e.pack(ctx, info, schema)
	if err != nil {
		return err
	}

	out, err := e.provider.Complete(ctx, llm.CompleteRequest{
		Prompt:         fmt.Sprintf(reportPrompt, packed),
		ResponseFormat: "json_object",
	})
	if err != nil {
		return fmt.Errorf("report completion: %w", err)
	}

	reportJSON, reportString := parseReport(out, info.Title)

	return e.reports.Upsert(ctx, map[string]storage.CommunityReport{
		id: {
			Level:        info.Level,
			Title:        titleOf(reportJSON, info.Title),
			Occurrence:   info.Occurrence,
			ReportString: reportString,
			ReportJSON:   reportJSON,
		},
	})
}

// entityRow / relationRow are the pre-CSV staging rows, kept so dropping
// by rank stays cheap.
type entityRow struct {
	id     string
	name   string
	typ    string
	desc   string
	degree int
}

type relationRow struct {
	source       string
	target       string
	desc         string
	relationType string
	weight       float64
	rank         int
}

// pack builds the CSV sections for a community under the token budget.
// Exactly two graph batch calls run per community; the pool-exhaustion
// regression is measured against that number.
func (e *Engine) pack(ctx context.Context, info *storage.CommunityInfo, schema storage.CommunitySchema) (string, error) {
	nodes, err := e.graph.GetNodesBatch(ctx, info.Nodes)
	if err != nil {
		return "", fmt.Errorf("fetching community nodes: %w", err)
	}
	nodeEdges, err := e.graph.GetNodesEdgesBatch(ctx, info.Nodes)
	if err != nil {
		return "", fmt.Errorf("fetching community edges: %w", err)
	}

	member := make(map[string]bool, len(info.Nodes))
	for _, n := range info.Nodes {
		member[n] = true
	}
	degree := make(map[string]int, len(info.Nodes))
	edgeData := make(map[[2]string]*storage.EdgeData)
	for i, nodeID := range info.Nodes {
		degree[nodeID] = len(nodeEdges[i])
		for j := range nodeEdges[i] {
			ed := nodeEdges[i][j]
			// Ordered tuple: opposite directions stay distinct rows.
			key := [2]string{ed.Source, ed.Target}
			if _, ok := edgeData[key]; !ok && member[ed.Source] && member[ed.Target] {
				edgeData[key] = &ed.Data
			}
		}
	}

	entities := make([]entityRow, 0, len(info.Nodes))
	for i, nodeID := range info.Nodes {
		if nodes[i] == nil {
			continue
		}
		entities = append(entities, entityRow{
			id:     nodeID,
			name:   nodes[i].Name,
			typ:    nodes[i].EntityType,
			desc:   nodes[i].Description,
			degree: degree[nodeID],
		})
	}
	sort.Slice(entities, func(a, b int) bool {
		if entities[a].degree != entities[b].degree {
			return entities[a].degree > entities[b].degree
		}
		return entities[a].id < entities[b].id
	})

	relations := make([]relationRow, 0, len(edgeData))
	for _, pair := range info.Edges {
		ed, ok := edgeData[pair]
		if !ok {
			continue
		}
		relations = append(relations, relationRow{
			source:       pair[0],
			target:       pair[1],
			desc:         ed.Description,
			relationType: ed.RelationType,
			weight:       ed.Weight,
			rank:         degree[pair[0]] + degree[pair[1]],
		})
	}
	sort.Slice(relations, func(a, b int) bool {
		return relations[a].rank > relations[b].rank
	})

	subReports := e.subReports(ctx, info, schema)

	budget := e.tokenBudget()
	packed := renderSections(subReports, entities, relations)
	if e.tok.Count(packed) <= budget {
		return packed, nil
	}

	// Over budget: drop lowest-ranked rows (relationships first) and
	// re-pack once.
	for len(relations) > 0 && e.tok.Count(packed) > budget {
		relations = relations[:len(relations)-1]
		packed = renderSections(subReports, entities, relations)
	}
	for len(entities) > 1 && e.tok.Count(packed) > budget {
		entities = entities[:len(entities)-1]
		packed = renderSections(subReports, entities, relations)
	}
	if e.tok.Count(packed) > budget {
		slog.Warn("community: pack still over budget after dropping rows, truncating",
			"community", info.Title, "budget", budget)
		packed = e.tok.Decode(e.tok.Encode(packed)[:budget])
	}
	return packed, nil
}

// subReports collects already-written reports of direct sub-communities.
func (e *Engine) subReports(ctx context.Context, info *storage.CommunityInfo, schema storage.CommunitySchema) []storage.CommunityReport {
	if len(info.SubCommunities) == 0 {
		return nil
	}
	reports, found, err := e.reports.GetByIDs(ctx, info.SubCommunities)
	if err != nil {
		slog.Warn("community: reading sub-community reports failed", "error", err)
		return nil
	}
	out := make([]storage.CommunityReport, 0, len(reports))
	for i, ok := range found {
		if ok {
			out = append(out, reports[i])
		}
	}
	return out
}

func csvEscape(s string) string {
	s = strings.ReplaceAll(s, `"`, `""`)
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + s + `"`
	}
	return s
}

func renderSections(subReports []storage.CommunityReport, entities []entityRow, relations []relationRow) string {
	var b strings.Builder

	if len(subReports) > 0 {
		b.WriteString("-----Reports-----\n```csv\nid,content,rating,importance\n")
		for i, r := range subReports {
			rating := 0.0
			if v, ok := r.ReportJSON["rating"].(float64); ok {
				rating = v
			}
			fmt.Fprintf(&b, "%d,%s,%.1f,%.2f\n", i, csvEscape(r.ReportString), rating, r.Occurrence)
		}
		b.WriteString("```\n")
	}

	b.WriteString("-----Entities-----\n```csv\nid,entity,type,description,rank\n")
	for i, row := range entities {
		fmt.Fprintf(&b, "%d,%s,%s,%s,%d\n",
			i, csvEscape(row.name), csvEscape(row.typ), csvEscape(row.desc), row.degree)
	}
	b.WriteString("```\n")

	b.WriteString("-----Relationships-----\n```csv\nid,source,target,description,relation_type,weight,rank\n")
	for i, row := range relations {
		fmt.Fprintf(&b, "%d,%s,%s,%s,%s,%.1f,%d\n",
			i, csvEscape(row.source), csvEscape(row.target), csvEscape(row.desc),
			csvEscape(row.relationType), row.weight, row.rank)
	}
	b.WriteString("```\n")

	return b.String()
}

// parseReport extracts the structured report from the LLM output. On any
// parse failure the raw output becomes the report string with an empty
// JSON map, never an error.
func parseReport(out, fallbackTitle string) (map[string]any, string) {
	raw := strings.TrimSpace(out)
	// Models sometimes wrap JSON in a fence.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || len(parsed) == 0 {
		slog.Warn("community: report JSON unparsable, using raw output",
			"community", fallbackTitle)
		return map[string]any{}, strings.TrimSpace(out)
	}
	return parsed, renderReportString(parsed)
}

func titleOf(reportJSON map[string]any, fallback string) string {
	if t, ok := reportJSON["title"].(string); ok && t != "" {
		return t
	}
	return fallback
}

// renderReportString flattens the report JSON into readable markdown.
func renderReportString(report map[string]any) string {
	var b strings.Builder
	if t, ok := report["title"].(string); ok {
		b.WriteString("# " + t + "\n\n")
	}
	if s, ok := report["summary"].(string); ok {
		b.WriteString(s + "\n")
	}
	if findings, ok := report["findings"].([]any); ok {
		for _, f := range findings {
			fm, ok := f.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := fm["summary"].(string); ok {
				b.WriteString("\n## " + s + "\n")
			}
			if ex, ok := fm["explanation"].(string); ok {
				b.WriteString(ex + "\n")
			}
		}
	}
	return strings.TrimSpace(b.String())
}
