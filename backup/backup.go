// Package backup creates and restores .ngbak archives: a tar.gz holding
// a manifest, one export per storage tier, and a config snapshot. The
// checksum covers the payload with the manifest's own checksum field
// excluded symmetrically on create and verify.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanograph/nanograph/storage"
)

// Extension of archive files produced by Create.
const Extension = ".ngbak"

// Statistics summarizes the archived knowledge base.
type Statistics struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Communities   int `json:"communities"`
	Documents     int `json:"documents"`
	Chunks        int `json:"chunks"`
	Vectors       int `json:"vectors"`
}

// Manifest describes one archive. Checksum is omitted while the payload
// hash is computed, then filled in.
type Manifest struct {
	BackupID        string            `json:"backup_id"`
	CreatedAt       time.Time         `json:"created_at"`
	EngineVersion   string            `json:"engine_version"`
	StorageBackends map[string]string `json:"storage_backends"`
	Statistics      Statistics        `json:"statistics"`
	Checksum        string            `json:"checksum,omitempty"`
}

// restore tier order: the graph carries the canonical entity state, the
// vector tier references it, and KV namespaces come last.
var tierOrder = []string{"graph", "vector", "kv"}

// Orchestrator drives backup and restore over the configured backends.
type Orchestrator struct {
	dir          string
	snapshotters map[string]storage.Snapshotter
	backendNames map[string]string
	version      string
	statsFunc    func(ctx context.Context) (Statistics, error)
	configSnap   any
}

// New returns an Orchestrator writing archives into dir. statsFunc and
// configSnap may be nil; backendNames feeds the manifest's
// storage_backends block.
func New(dir string, snapshotters map[string]storage.Snapshotter, backendNames map[string]string, version string, statsFunc func(ctx context.Context) (Statistics, error), configSnap any) *Orchestrator {
	return &Orchestrator{
		dir:          dir,
		snapshotters: snapshotters,
		backendNames: backendNames,
		version:      version,
		statsFunc:    statsFunc,
		configSnap:   configSnap,
	}
}

// tierDir maps a snapshotter key like "kv_full_docs" to its payload
// subdirectory "kv/full_docs".
func tierDir(key string) string {
	tier, name, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return filepath.Join(tier, name)
}

// Create exports every backend, seals the archive and writes the sidecar
// checksum file. An empty id gets a generated uuid. Returns the archive
// path.
func (o *Orchestrator) Create(ctx context.Context, id string) (string, error) {
	start := time.Now()
	if id == "" {
		id = uuid.NewString()
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}

	payload, err := os.MkdirTemp(o.dir, "ngbak-payload-")
	if err != nil {
		return "", fmt.Errorf("creating payload dir: %w", err)
	}
	defer os.RemoveAll(payload)

	keys := make([]string, 0, len(o.snapshotters))
	for k := range o.snapshotters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		dir := filepath.Join(payload, tierDir(key))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating %s export dir: %w", key, err)
		}
		if err := o.snapshotters[key].Dump(ctx, dir); err != nil {
			return "", fmt.Errorf("exporting %s: %w", key, err)
		}
	}

	if o.configSnap != nil {
		cfgDir := filepath.Join(payload, "config")
		if err := os.MkdirAll(cfgDir, 0o755); err != nil {
			return "", fmt.Errorf("creating config dir: %w", err)
		}
		data, err := json.MarshalIndent(o.configSnap, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshaling config snapshot: %w", err)
		}
		if err := os.WriteFile(filepath.Join(cfgDir, "graphrag_config.json"), data, 0o644); err != nil {
			return "", fmt.Errorf("writing config snapshot: %w", err)
		}
	}

	manifest := Manifest{
		BackupID:        id,
		CreatedAt:       time.Now().UTC(),
		EngineVersion:   o.version,
		StorageBackends: o.backendNames,
	}
	if o.statsFunc != nil {
		stats, err := o.statsFunc(ctx)
		if err != nil {
			slog.Warn("backup: statistics collection failed", "error", err)
		} else {
			manifest.Statistics = stats
		}
	}

	// Hash the payload with the manifest present but its checksum empty,
	// then seal the real checksum into the manifest.
	if err := writeManifest(payload, manifest); err != nil {
		return "", err
	}
	sum, err := dirChecksum(payload)
	if err != nil {
		return "", fmt.Errorf("computing payload checksum: %w", err)
	}
	manifest.Checksum = sum
	if err := writeManifest(payload, manifest); err != nil {
		return "", err
	}

	archivePath := filepath.Join(o.dir, id+Extension)
	if err := archiveDir(payload, archivePath); err != nil {
		return "", fmt.Errorf("writing archive: %w", err)
	}
	if err := os.WriteFile(filepath.Join(o.dir, id+".checksum"), []byte(sum+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing sidecar checksum: %w", err)
	}

	slog.Info("backup: archive created",
		"id", id, "path", archivePath, "checksum", sum,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return archivePath, nil
}

// Restore extracts an archive, verifies its checksum and loads every
// tier in graph -> vector -> kv order. A checksum mismatch logs a
// warning and the restore proceeds.
func (o *Orchestrator) Restore(ctx context.Context, archivePath string) error {
	start := time.Now()

	payload, err := os.MkdirTemp("", "ngbak-restore-")
	if err != nil {
		return fmt.Errorf("creating restore dir: %w", err)
	}
	defer os.RemoveAll(payload)

	if err := extractArchive(archivePath, payload); err != nil {
		return fmt.Errorf("extracting archive: %w", err)
	}

	manifest, err := readManifest(payload)
	if err != nil {
		return err
	}
	if err := o.verifyChecksum(payload, manifest); err != nil {
		slog.Warn("backup: checksum verification failed, continuing restore",
			"id", manifest.BackupID, "error", err)
	}

	for _, tier := range tierOrder {
		keys := make([]string, 0, len(o.snapshotters))
		for k := range o.snapshotters {
			if strings.HasPrefix(k, tier+"_") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			dir := filepath.Join(payload, tierDir(key))
			if _, err := os.Stat(dir); err != nil {
				slog.Warn("backup: archive has no export for backend, skipping",
					"backend", key)
				continue
			}
			if err := o.snapshotters[key].Load(ctx, dir); err != nil {
				return fmt.Errorf("restoring %s: %w", key, err)
			}
		}
	}

	slog.Info("backup: archive restored",
		"id", manifest.BackupID, "created_at", manifest.CreatedAt,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// verifyChecksum recomputes the payload hash with the manifest's checksum
// field blanked, mirroring what Create hashed.
func (o *Orchestrator) verifyChecksum(payload string, manifest Manifest) error {
	if manifest.Checksum == "" {
		return fmt.Errorf("manifest carries no checksum")
	}
	stored := manifest.Checksum
	manifest.Checksum = ""
	if err := writeManifest(payload, manifest); err != nil {
		return err
	}
	sum, err := dirChecksum(payload)
	if err != nil {
		return err
	}
	manifest.Checksum = stored
	if err := writeManifest(payload, manifest); err != nil {
		return err
	}
	if sum != stored {
		return fmt.Errorf("checksum mismatch: archive %s, computed %s", stored, sum)
	}
	return nil
}

func writeManifest(payload string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(payload, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

func readManifest(payload string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(payload, "manifest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}
