package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
)

// Neo4jConfig holds driver and batching settings for the Neo4j backend.
type Neo4jConfig struct {
	URI                    string
	Username               string
	Password               string
	Database               string
	Encrypted              bool
	BatchSize              int // nodes+edges per write transaction, default 1000
	MaxConnectionPoolSize  int
	ConnectionTimeout      time.Duration
	MaxTransactionRetryTime time.Duration
}

// labelSanitizeRe keeps only characters legal in interpolated labels.
// Labels cannot be parameterized in Cypher, so this is the injection guard.
var labelSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// SanitizeLabel strips every character outside [A-Za-z0-9_] from a value
// destined to be a graph label.
func SanitizeLabel(s string) string {
	s = labelSanitizeRe.ReplaceAllString(s, "")
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

// Neo4j is the production graph backend. All writes for one document go
// through ExecuteDocumentBatch: the batch is split into chunks that each
// run in a single write transaction, with explicit backoff-retry on
// transient failures (deadlocks). Data arrives already merged, so node
// and edge writes use set-replace (SET +=) semantics.
type Neo4j struct {
	namespace string
	cfg       Neo4jConfig
	driver    neo4j.DriverWithContext

	mu         sync.Mutex
	lastSchema CommunitySchema
}

// NewNeo4j connects to the server and ensures the id uniqueness constraint.
func NewNeo4j(ctx context.Context, cfg Neo4jConfig, namespace string) (*Neo4j, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *config.Config) {
			if cfg.MaxConnectionPoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
			}
			if cfg.ConnectionTimeout > 0 {
				c.SocketConnectTimeout = cfg.ConnectionTimeout
			}
			if cfg.MaxTransactionRetryTime > 0 {
				c.MaxTransactionRetryTime = cfg.MaxTransactionRetryTime
			}
		})
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	s := &Neo4j{namespace: namespace, cfg: cfg, driver: driver}
	if err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx,
			"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE", nil)
		return err
	}); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("ensuring entity constraint: %w", err)
	}
	return s, nil
}

func (s *Neo4j) Namespace() string { return s.namespace }

// Close shuts down the driver.
func (s *Neo4j) Close(ctx context.Context) error { return s.driver.Close(ctx) }

func (s *Neo4j) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.cfg.Database,
	})
}

func (s *Neo4j) read(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)
	_, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

func (s *Neo4j) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) error) error {
	sess := s.session(ctx, neo4j.AccessModeWrite)
	defer sess.Close(ctx)
	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

func nodeProps(data NodeData) map[string]any {
	return map[string]any{
		"name":                  data.Name,
		"entity_type":           data.EntityType,
		"description":           data.Description,
		"source_id":             data.SourceID,
		"has_vector":            data.HasVector,
		"community_description": data.CommunityDescription,
	}
}

func nodeFromRecord(props map[string]any) *NodeData {
	n := &NodeData{}
	if v, ok := props["name"].(string); ok {
		n.Name = v
	}
	if v, ok := props["entity_type"].(string); ok {
		n.EntityType = v
	}
	if v, ok := props["description"].(string); ok {
		n.Description = v
	}
	if v, ok := props["source_id"].(string); ok {
		n.SourceID = v
	}
	if v, ok := props["has_vector"].(bool); ok {
		n.HasVector = v
	}
	if v, ok := props["community_description"].(string); ok {
		n.CommunityDescription = v
	}
	return n
}

func edgeProps(data EdgeData) map[string]any {
	return map[string]any{
		"description":   data.Description,
		"weight":        data.Weight,
		"source_id":     data.SourceID,
		"relation_type": data.RelationType,
		"order":         int64(data.Order),
	}
}

func edgeFromRecord(props map[string]any) *EdgeData {
	e := &EdgeData{}
	if v, ok := props["description"].(string); ok {
		e.Description = v
	}
	switch v := props["weight"].(type) {
	case float64:
		e.Weight = v
	case int64:
		e.Weight = float64(v)
	}
	if v, ok := props["source_id"].(string); ok {
		e.SourceID = v
	}
	if v, ok := props["relation_type"].(string); ok {
		e.RelationType = v
	}
	if v, ok := props["order"].(int64); ok {
		e.Order = int(v)
	}
	return e
}

func (s *Neo4j) HasNode(ctx context.Context, id string) (bool, error) {
	n, err := s.GetNode(ctx, id)
	return n != nil, err
}

func (s *Neo4j) HasEdge(ctx context.Context, source, target string) (bool, error) {
	e, err := s.GetEdge(ctx, source, target)
	return e != nil, err
}

func (s *Neo4j) GetNode(ctx context.Context, id string) (*NodeData, error) {
	nodes, err := s.GetNodesBatch(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

func (s *Neo4j) GetEdge(ctx context.Context, source, target string) (*EdgeData, error) {
	edges, err := s.GetEdgesBatch(ctx, [][2]string{{source, target}})
	if err != nil {
		return nil, err
	}
	return edges[0], nil
}

func (s *Neo4j) UpsertNode(ctx context.Context, id string, data NodeData) error {
	batch := &DocumentBatch{Nodes: []BatchNode{{ID: id, Data: data}}}
	return s.ExecuteDocumentBatch(ctx, batch)
}

func (s *Neo4j) UpsertEdge(ctx context.Context, source, target string, data EdgeData) error {
	batch := &DocumentBatch{Edges: []BatchEdge{{Source: source, Target: target, Data: data}}}
	return s.ExecuteDocumentBatch(ctx, batch)
}

func (s *Neo4j) NodeDegree(ctx context.Context, id string) (int, error) {
	degrees, err := s.NodeDegreesBatch(ctx, []string{id})
	if err != nil {
		return 0, err
	}
	return degrees[0], nil
}

func (s *Neo4j) EdgeDegree(ctx context.Context, source, target string) (int, error) {
	degrees, err := s.NodeDegreesBatch(ctx, []string{source, target})
	if err != nil {
		return 0, err
	}
	return degrees[0] + degrees[1], nil
}

func (s *Neo4j) GetNodesBatch(ctx context.Context, ids []string) ([]*NodeData, error) {
	out := make([]*NodeData, len(ids))
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, `
UNWIND range(0, size($ids)-1) AS i
OPTIONAL MATCH (n:Entity {id: $ids[i]})
RETURN i, properties(n) AS props`, map[string]any{"ids": ids})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			rec := res.Record()
			i := int(rec.Values[0].(int64))
			if props, ok := rec.Values[1].(map[string]any); ok && props != nil {
				out[i] = nodeFromRecord(props)
			}
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j get_nodes_batch: %w", err)
	}
	return out, nil
}

func (s *Neo4j) NodeDegreesBatch(ctx context.Context, ids []string) ([]int, error) {
	out := make([]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, `
UNWIND range(0, size($ids)-1) AS i
OPTIONAL MATCH (n:Entity {id: $ids[i]})
RETURN i, CASE WHEN n IS NULL THEN 0 ELSE COUNT { (n)--() } END AS degree`,
			map[string]any{"ids": ids})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			rec := res.Record()
			out[int(rec.Values[0].(int64))] = int(rec.Values[1].(int64))
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j node_degrees_batch: %w", err)
	}
	return out, nil
}

func (s *Neo4j) GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]*EdgeData, error) {
	out := make([]*EdgeData, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}
	params := make([]map[string]any, len(pairs))
	for i, p := range pairs {
		params[i] = map[string]any{"src": p[0], "tgt": p[1]}
	}
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, `
UNWIND range(0, size($pairs)-1) AS i
OPTIONAL MATCH (:Entity {id: $pairs[i].src})-[r:RELATED]->(:Entity {id: $pairs[i].tgt})
RETURN i, properties(r) AS props`, map[string]any{"pairs": params})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			rec := res.Record()
			i := int(rec.Values[0].(int64))
			if props, ok := rec.Values[1].(map[string]any); ok && props != nil {
				out[i] = edgeFromRecord(props)
			}
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j get_edges_batch: %w", err)
	}
	return out, nil
}

func (s *Neo4j) GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]Edge, error) {
	out := make([][]Edge, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, `
UNWIND range(0, size($ids)-1) AS i
MATCH (n:Entity {id: $ids[i]})-[r:RELATED]-()
RETURN i, startNode(r).id AS src, endNode(r).id AS tgt, properties(r) AS props`,
			map[string]any{"ids": ids})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			rec := res.Record()
			i := int(rec.Values[0].(int64))
			e := Edge{
				Source: rec.Values[1].(string),
				Target: rec.Values[2].(string),
			}
			if props, ok := rec.Values[3].(map[string]any); ok {
				e.Data = *edgeFromRecord(props)
			}
			out[i] = append(out[i], e)
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j get_nodes_edges_batch: %w", err)
	}
	return out, nil
}

func (s *Neo4j) AllNodeIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, "MATCH (n:Entity) RETURN n.id ORDER BY n.id", nil)
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			ids = append(ids, res.Record().Values[0].(string))
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j all_node_ids: %w", err)
	}
	return ids, nil
}

// Retry policy for transient graph failures (deadlocks, leader switches).
const (
	batchRetryAttempts = 3
	batchRetryMinDelay = 2 * time.Second
	batchRetryMaxDelay = 10 * time.Second
)

// ExecuteDocumentBatch splits the batch into transaction-sized chunks and
// commits each in a single write transaction, retrying transient errors
// with exponential backoff. Nodes are grouped by their sanitized
// entity_type so each group can attach its type label (labels cannot be
// parameterized).
func (s *Neo4j) ExecuteDocumentBatch(ctx context.Context, batch *DocumentBatch) error {
	if batch == nil || (len(batch.Nodes) == 0 && len(batch.Edges) == 0) {
		return nil
	}
	chunks := batch.Split(s.cfg.BatchSize)
	for i, chunk := range chunks {
		if err := s.executeChunkWithRetry(ctx, chunk); err != nil {
			return fmt.Errorf("batch chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (s *Neo4j) executeChunkWithRetry(ctx context.Context, chunk *DocumentBatch) error {
	var lastErr error
	delay := batchRetryMinDelay
	for attempt := 1; attempt <= batchRetryAttempts; attempt++ {
		lastErr = s.executeChunk(ctx, chunk)
		if lastErr == nil {
			return nil
		}
		if !neo4j.IsRetryable(lastErr) {
			return lastErr
		}
		slog.Warn("neo4j: transient batch failure, retrying",
			"attempt", attempt, "delay", delay, "error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay *= 2; delay > batchRetryMaxDelay {
			delay = batchRetryMaxDelay
		}
	}
	return fmt.Errorf("after %d attempts: %w", batchRetryAttempts, lastErr)
}

func (s *Neo4j) executeChunk(ctx context.Context, chunk *DocumentBatch) error {
	// Group nodes by sanitized type label.
	byLabel := make(map[string][]map[string]any)
	var labels []string
	for _, n := range chunk.Nodes {
		label := SanitizeLabel(n.Data.EntityType)
		if _, ok := byLabel[label]; !ok {
			labels = append(labels, label)
		}
		byLabel[label] = append(byLabel[label], map[string]any{
			"id":    n.ID,
			"props": nodeProps(n.Data),
		})
	}

	edges := make([]map[string]any, len(chunk.Edges))
	for i, e := range chunk.Edges {
		edges[i] = map[string]any{
			"src":           e.Source,
			"tgt":           e.Target,
			"props":         edgeProps(e.Data),
			"relation_type": e.Data.RelationType,
		}
	}

	return s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		for _, label := range labels {
			// Data is pre-merged in memory; SET += replaces, never re-merges.
			query := fmt.Sprintf(`
UNWIND $nodes AS node
MERGE (n:Entity {id: node.id})
SET n += node.props
SET n:%s`, label)
			if _, err := tx.Run(ctx, query, map[string]any{"nodes": byLabel[label]}); err != nil {
				return fmt.Errorf("node group %s: %w", label, err)
			}
		}
		if len(edges) > 0 {
			_, err := tx.Run(ctx, `
UNWIND $edges AS edge
MERGE (a:Entity {id: edge.src})
MERGE (b:Entity {id: edge.tgt})
MERGE (a)-[r:RELATED]->(b)
SET r += edge.props
SET r.relation_type = edge.relation_type`,
				map[string]any{"edges": edges})
			if err != nil {
				return fmt.Errorf("edge group: %w", err)
			}
		}
		return nil
	})
}

// updatableNodeFields is the allow-list for BatchUpdateNodeField: property
// names are interpolated into Cypher, never caller-controlled.
var updatableNodeFields = map[string]bool{
	"has_vector":            true,
	"community_description": true,
	"entity_type":           true,
}

func (s *Neo4j) BatchUpdateNodeField(ctx context.Context, ids []string, field string, value any) error {
	if len(ids) == 0 {
		return nil
	}
	if !updatableNodeFields[field] {
		return fmt.Errorf("neo4j: field %q is not updatable", field)
	}
	query := fmt.Sprintf(`
MATCH (n:Entity)
WHERE n.id IN $ids
SET n.%s = $value`, field)
	err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, err := tx.Run(ctx, query, map[string]any{"ids": ids, "value": value})
		return err
	})
	if err != nil {
		return fmt.Errorf("neo4j batch_update_node_field %s: %w", field, err)
	}
	return nil
}

func (s *Neo4j) Stats(ctx context.Context) (GraphStats, error) {
	var stats GraphStats
	err := s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, `
MATCH (n:Entity)
WITH count(n) AS nodes
OPTIONAL MATCH ()-[r:RELATED]->()
RETURN nodes, count(r) AS edges`, nil)
		if err != nil {
			return err
		}
		if res.Next(ctx) {
			rec := res.Record()
			stats.Nodes = int(rec.Values[0].(int64))
			stats.Edges = int(rec.Values[1].(int64))
		}
		return res.Err()
	})
	if err != nil {
		return stats, fmt.Errorf("neo4j stats: %w", err)
	}
	return stats, nil
}

func (s *Neo4j) IndexDoneCallback(ctx context.Context) error { return nil }

// Clustering runs GDS hierarchical Leiden and materializes the community
// schema from the streamed intermediate community ids.
func (s *Neo4j) Clustering(ctx context.Context, algorithm string) (CommunitySchema, error) {
	if algorithm != "" && algorithm != "leiden" {
		return nil, fmt.Errorf("neo4j: unsupported clustering algorithm %q", algorithm)
	}

	graphName := "nanograph_" + s.namespace

	// (Re-)project the graph for GDS; drop a stale projection first.
	err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
		_, _ = tx.Run(ctx,
			"CALL gds.graph.drop($name, false) YIELD graphName RETURN graphName",
			map[string]any{"name": graphName})
		_, err := tx.Run(ctx, `
CALL gds.graph.project($name, 'Entity', {RELATED: {orientation: 'UNDIRECTED', properties: 'weight'}})
YIELD graphName RETURN graphName`, map[string]any{"name": graphName})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j gds projection: %w", err)
	}

	// node id -> community id per level.
	levels := make(map[string][]int64)
	err = s.read(ctx, func(tx neo4j.ManagedTransaction) error {
		res, err := tx.Run(ctx, `
CALL gds.leiden.stream($name, {includeIntermediateCommunities: true, relationshipWeightProperty: 'weight'})
YIELD nodeId, intermediateCommunityIds
RETURN gds.util.asNode(nodeId).id AS id, intermediateCommunityIds`,
			map[string]any{"name": graphName})
		if err != nil {
			return err
		}
		for res.Next(ctx) {
			rec := res.Record()
			id := rec.Values[0].(string)
			raw := rec.Values[1].([]any)
			ids := make([]int64, len(raw))
			for i, v := range raw {
				ids[i] = v.(int64)
			}
			levels[id] = ids
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j leiden stream: %w", err)
	}

	return s.buildSchema(ctx, levels)
}

// buildSchema turns per-node community paths into the cluster map. GDS
// streams intermediate ids finest-first; level 0 is the coarsest.
func (s *Neo4j) buildSchema(ctx context.Context, levels map[string][]int64) (CommunitySchema, error) {
	schema := make(CommunitySchema)
	memberOf := make(map[string]map[string]bool) // cluster -> node set

	for nodeID, path := range levels {
		depth := len(path)
		for li := 0; li < depth; li++ {
			level := depth - 1 - li // coarsest last in GDS output
			key := strconv.Itoa(level) + "-" + strconv.FormatInt(path[li], 10)
			info, ok := schema[key]
			if !ok {
				info = &CommunityInfo{Level: level, Title: "Cluster " + key}
				schema[key] = info
				memberOf[key] = make(map[string]bool)
			}
			memberOf[key][nodeID] = true
			info.Nodes = append(info.Nodes, nodeID)
		}
	}

	for _, info := range schema {
		sort.Strings(info.Nodes)
	}

	// Parent/child: a level n+1 cluster is a sub-community of the level n
	// cluster that contains all of its nodes.
	for childKey, childInfo := range schema {
		for parentKey, parentInfo := range schema {
			if parentInfo.Level != childInfo.Level-1 {
				continue
			}
			contained := true
			for n := range memberOf[childKey] {
				if !memberOf[parentKey][n] {
					contained = false
					break
				}
			}
			if contained {
				parentInfo.SubCommunities = append(parentInfo.SubCommunities, childKey)
				break
			}
		}
	}
	for _, info := range schema {
		sort.Strings(info.SubCommunities)
	}

	// Edges and chunk ids need node data: fetch in batches.
	for key, info := range schema {
		nodes, err := s.GetNodesBatch(ctx, info.Nodes)
		if err != nil {
			return nil, err
		}
		chunkSeen := make(map[string]bool)
		for _, n := range nodes {
			if n == nil {
				continue
			}
			for _, cid := range SplitField(n.SourceID) {
				if !chunkSeen[cid] {
					chunkSeen[cid] = true
					info.ChunkIDs = append(info.ChunkIDs, cid)
				}
			}
		}
		sort.Strings(info.ChunkIDs)

		edgesPerNode, err := s.GetNodesEdgesBatch(ctx, info.Nodes)
		if err != nil {
			return nil, err
		}
		edgeSeen := make(map[[2]string]bool)
		for _, edges := range edgesPerNode {
			for _, e := range edges {
				pair := [2]string{e.Source, e.Target}
				if !edgeSeen[pair] && memberOf[key][e.Source] && memberOf[key][e.Target] {
					edgeSeen[pair] = true
					info.Edges = append(info.Edges, pair)
				}
			}
		}
		sort.Slice(info.Edges, func(a, b int) bool {
			if info.Edges[a][0] != info.Edges[b][0] {
				return info.Edges[a][0] < info.Edges[b][0]
			}
			return info.Edges[a][1] < info.Edges[b][1]
		})
	}

	maxChunks := 0
	for _, info := range schema {
		if len(info.ChunkIDs) > maxChunks {
			maxChunks = len(info.ChunkIDs)
		}
	}
	if maxChunks > 0 {
		for _, info := range schema {
			info.Occurrence = float64(len(info.ChunkIDs)) / float64(maxChunks)
		}
	}

	s.mu.Lock()
	s.lastSchema = schema
	s.mu.Unlock()
	return schema, nil
}

// CommunitySchema returns the schema from the most recent Clustering call.
func (s *Neo4j) CommunitySchema(ctx context.Context) (CommunitySchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSchema == nil {
		return CommunitySchema{}, nil
	}
	return s.lastSchema, nil
}

// ---------------------------------------------------------------------------
// Snapshot support: Cypher script export, per-statement import.
// ---------------------------------------------------------------------------

// Dump exports nodes and edges as a Cypher script plus a JSON sidecar.
func (s *Neo4j) Dump(ctx context.Context, dir string) error {
	ids, err := s.AllNodeIDs(ctx)
	if err != nil {
		return err
	}
	nodes, err := s.GetNodesBatch(ctx, ids)
	if err != nil {
		return err
	}
	edgesPerNode, err := s.GetNodesEdgesBatch(ctx, ids)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("// nanograph neo4j export: " + s.namespace + "\n")
	for i, id := range ids {
		if nodes[i] == nil {
			continue
		}
		props, _ := json.Marshal(nodeProps(*nodes[i]))
		fmt.Fprintf(&b, "MERGE (n:Entity {id: %s}) SET n += %s;\n",
			cypherString(id), jsonToCypherMap(props))
	}
	edgeSeen := make(map[[2]string]bool)
	for _, edges := range edgesPerNode {
		for _, e := range edges {
			pair := [2]string{e.Source, e.Target}
			if edgeSeen[pair] {
				continue
			}
			edgeSeen[pair] = true
			props, _ := json.Marshal(edgeProps(e.Data))
			fmt.Fprintf(&b,
				"MATCH (a:Entity {id: %s}) MATCH (b:Entity {id: %s}) MERGE (a)-[r:RELATED]->(b) SET r += %s;\n",
				cypherString(e.Source), cypherString(e.Target), jsonToCypherMap(props))
		}
	}

	return os.WriteFile(filepath.Join(dir, s.namespace+".cypher"), []byte(b.String()), 0o644)
}

// Load executes a Cypher script statement by statement, stripping comment
// lines and shell-tool commands (":begin", ":commit", lines starting with
// "!") that dump tools emit.
func (s *Neo4j) Load(ctx context.Context, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, s.namespace+".cypher"))
	if err != nil {
		return fmt.Errorf("reading cypher script: %w", err)
	}

	var statements []string
	for _, stmt := range strings.Split(string(raw), ";\n") {
		var clean []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "//") ||
				strings.HasPrefix(trimmed, ":") || strings.HasPrefix(trimmed, "!") {
				continue
			}
			clean = append(clean, line)
		}
		if len(clean) > 0 {
			statements = append(statements, strings.Join(clean, "\n"))
		}
	}

	for i, stmt := range statements {
		if err := s.write(ctx, func(tx neo4j.ManagedTransaction) error {
			_, err := tx.Run(ctx, stmt, nil)
			return err
		}); err != nil {
			return fmt.Errorf("executing restore statement %d/%d: %w", i+1, len(statements), err)
		}
	}
	slog.Info("neo4j: restored from script", "statements", len(statements))
	return nil
}

// cypherString quotes a string literal for inline Cypher.
func cypherString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// jsonToCypherMap rewrites a JSON object literal into Cypher map syntax
// (unquoted keys). Keys here are fixed property names, never user data.
var jsonKeyRe = regexp.MustCompile(`"(name|entity_type|description|source_id|has_vector|community_description|weight|relation_type|order)":`)

func jsonToCypherMap(data []byte) string {
	return jsonKeyRe.ReplaceAllString(string(data), "$1:")
}
