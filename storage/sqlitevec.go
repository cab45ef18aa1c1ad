package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// SQLiteVec is the embedded vector backend: a sqlite database with a vec0
// virtual table for dense KNN plus a payload table. Dense-only; hybrid
// sparse retrieval requires the Qdrant backend.
type SQLiteVec struct {
	namespace string
	path      string
	dim       int
	db        *sql.DB
	embed     EmbeddingFunc
}

// NewSQLiteVec opens (or creates) the vector database for a namespace.
func NewSQLiteVec(dir, namespace string, dim int, embed EmbeddingFunc) (*SQLiteVec, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("sqlitevec: embedding dim must be positive, got %d", dim)
	}
	if embed == nil {
		return nil, fmt.Errorf("sqlitevec: embedding func is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating vector dir: %w", err)
	}
	path := filepath.Join(dir, "vdb_"+namespace+".db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening vector db: %w", err)
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS payloads (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	entity_name TEXT,
	entity_type TEXT,
	community_description TEXT,
	rowid_ref INTEGER
);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_points USING vec0(
	embedding float[%d] distance_metric=cosine
);`, dim)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising vector schema: %w", err)
	}

	return &SQLiteVec{
		namespace: namespace,
		path:      path,
		dim:       dim,
		db:        db,
		embed:     embed,
	}, nil
}

func (s *SQLiteVec) Namespace() string { return s.namespace }

// Close releases the database handle.
func (s *SQLiteVec) Close() error { return s.db.Close() }

// Upsert embeds each record's content and stores vector + payload in one
// transaction. Re-upserting an existing id replaces the payload but keeps
// content semantics: content is expected to be identical for the same id.
func (s *SQLiteVec) Upsert(ctx context.Context, records map[string]VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, 0, len(records))
	texts := make([]string, 0, len(records))
	for id, r := range records {
		ids = append(ids, id)
		texts = append(texts, r.Content)
	}

	embeddings, err := s.embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(embeddings) != len(texts) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(texts))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer tx.Rollback()

	for i, id := range ids {
		r := records[id]

		// Reuse the existing vec rowid when the id is already present so
		// re-upserts replace rather than accumulate.
		var rowid sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT rowid_ref FROM payloads WHERE id = ?", id).Scan(&rowid)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("looking up point %s: %w", id, err)
		}

		blob := serializeFloat32(embeddings[i])
		if rowid.Valid {
			if _, err := tx.ExecContext(ctx,
				"UPDATE vec_points SET embedding = ? WHERE rowid = ?",
				blob, rowid.Int64); err != nil {
				return fmt.Errorf("updating vector %s: %w", id, err)
			}
		} else {
			res, err := tx.ExecContext(ctx,
				"INSERT INTO vec_points (embedding) VALUES (?)", blob)
			if err != nil {
				return fmt.Errorf("inserting vector %s: %w", id, err)
			}
			rid, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading vector rowid %s: %w", id, err)
			}
			rowid = sql.NullInt64{Int64: rid, Valid: true}
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO payloads (id, content, entity_name, entity_type, community_description, rowid_ref)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	entity_name = excluded.entity_name,
	entity_type = excluded.entity_type,
	community_description = excluded.community_description`,
			id, r.Content, r.EntityName, r.EntityType, r.CommunityDescription, rowid.Int64); err != nil {
			return fmt.Errorf("upserting payload %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// UpdatePayload changes non-embedding payload fields only. The protected
// content and embedding fields are silently dropped (debug log); nothing
// is re-embedded.
func (s *SQLiteVec) UpdatePayload(ctx context.Context, updates map[string]map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning payload tx: %w", err)
	}
	defer tx.Rollback()

	for id, fields := range updates {
		for field, value := range fields {
			if ProtectedPayloadField(field) {
				slog.Debug("sqlitevec: dropping protected payload field",
					"id", id, "field", field)
				continue
			}
			var column string
			switch field {
			case "entity_name":
				column = "entity_name"
			case "entity_type":
				column = "entity_type"
			case "community_description":
				column = "community_description"
			default:
				slog.Debug("sqlitevec: ignoring unknown payload field",
					"id", id, "field", field)
				continue
			}
			res, err := tx.ExecContext(ctx,
				"UPDATE payloads SET "+column+" = ? WHERE id = ?", value, id)
			if err != nil {
				return fmt.Errorf("updating payload %s.%s: %w", id, field, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				slog.Error("sqlitevec: UNEXPECTED payload update for missing point",
					"id", id, "field", field)
			}
		}
	}
	return tx.Commit()
}

// Query embeds the text and runs a cosine KNN search.
func (s *SQLiteVec) Query(ctx context.Context, text string, topK int) ([]ScoredPoint, error) {
	if topK <= 0 {
		topK = 10
	}
	embeddings, err := s.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedding query returned no vectors")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT p.id, v.distance, p.content, p.entity_name, p.entity_type, p.community_description
FROM vec_points v
JOIN payloads p ON p.rowid_ref = v.rowid
WHERE v.embedding MATCH ? AND k = ?
ORDER BY v.distance`,
		serializeFloat32(embeddings[0]), topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ScoredPoint
	for rows.Next() {
		var p ScoredPoint
		var distance float64
		var name, typ, comm sql.NullString
		if err := rows.Scan(&p.ID, &distance, &p.Payload.Content, &name, &typ, &comm); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		p.Payload.EntityName = name.String
		p.Payload.EntityType = typ.String
		p.Payload.CommunityDescription = comm.String
		// Cosine distance -> similarity.
		p.Score = 1.0 - distance
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteVec) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM payloads WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking point %s: %w", id, err)
	}
	return true, nil
}

func (s *SQLiteVec) IndexDoneCallback(ctx context.Context) error {
	// sqlite commits per transaction; checkpoint the WAL if enabled.
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Dump copies the database file into dir. A checkpoint runs first so the
// copy is self-contained.
func (s *SQLiteVec) Dump(ctx context.Context, dir string) error {
	if err := s.IndexDoneCallback(ctx); err != nil {
		return fmt.Errorf("checkpointing before dump: %w", err)
	}
	return copyFile(s.path, filepath.Join(dir, filepath.Base(s.path)))
}

// Load replaces the database file from a Dump directory. The handle is
// reopened on the restored file.
func (s *SQLiteVec) Load(ctx context.Context, dir string) error {
	src := filepath.Join(dir, filepath.Base(s.path))
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing before restore: %w", err)
	}
	if err := copyFile(src, s.path); err != nil {
		return fmt.Errorf("restoring vector db: %w", err)
	}
	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("reopening vector db: %w", err)
	}
	s.db = db
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for
// sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
