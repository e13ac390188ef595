// Package metadata maintains Iceberg-style table metadata for the parquet
// files written by the opportunity journal, so query engines can discover
// them without listing the bucket.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultSnapshotLimit = 1000

// Store is where manifests and table metadata are written.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Location(key string) string
}

// DataFile describes a single parquet file written by the journal.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot holds minimal information required for time-travel queries.
type Snapshot struct {
	SnapshotID  int64             `json:"snapshot-id"`
	TimestampMs int64             `json:"timestamp-ms"`
	Manifest    string            `json:"manifest-list"`
	Summary     map[string]string `json:"summary,omitempty"`
}

// TableMetadata represents the high level Iceberg table metadata file.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	LastUpdatedMs     int64      `json:"last-updated-ms"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// Generator incrementally builds metadata for one table. Only the most
// recent snapshots are listed in metadata.json; older manifests stay in
// the store.
type Generator struct {
	store     Store
	basePath  string
	tableName string
	tableUUID string
	limit     int

	mu        sync.Mutex
	snapshots []Snapshot
	lastID    int64
}

// NewGenerator returns a generator whose files live under basePath in store.
func NewGenerator(store Store, basePath, tableName string) *Generator {
	return &Generator{
		store:     store,
		basePath:  basePath,
		tableName: tableName,
		tableUUID: uuid.NewString(),
		limit:     defaultSnapshotLimit,
	}
}

// AddFile records a newly written parquet file as a snapshot, writes its
// manifest and rewrites the table metadata.
func (g *Generator) AddFile(ctx context.Context, df DataFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	snapID := df.Timestamp.UnixNano()
	if snapID <= g.lastID {
		snapID = g.lastID + 1
	}
	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)
	b, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return err
	}
	if err := g.store.Put(ctx, g.metadataKey(manifestFile), b); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	g.lastID = snapID
	g.snapshots = append(g.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
		Summary: map[string]string{
			"operation":      "append",
			"added-records":  fmt.Sprint(df.RecordCount),
			"added-size":     fmt.Sprint(df.FileSize),
			"added-location": df.Path,
		},
	})
	if len(g.snapshots) > g.limit {
		g.snapshots = append([]Snapshot(nil), g.snapshots[len(g.snapshots)-g.limit:]...)
	}
	return g.writeTableMetadata(ctx, df.Timestamp)
}

// Snapshots returns the snapshots currently listed in the table metadata.
func (g *Generator) Snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Snapshot, len(g.snapshots))
	copy(out, g.snapshots)
	return out
}

func (g *Generator) writeTableMetadata(ctx context.Context, now time.Time) error {
	if len(g.snapshots) == 0 {
		return nil
	}
	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         g.tableUUID,
		Location:          g.store.Location(g.basePath),
		LastUpdatedMs:     now.UnixMilli(),
		CurrentSnapshotID: g.snapshots[len(g.snapshots)-1].SnapshotID,
		Snapshots:         g.snapshots,
	}
	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	return g.store.Put(ctx, g.metadataKey("metadata.json"), b)
}

// WriteCatalogEntry creates a simple catalog entry pointing at the table metadata.
func (g *Generator) WriteCatalogEntry(ctx context.Context, catalogDir string) error {
	entry := map[string]string{
		"name":              g.tableName,
		"table_uuid":        g.tableUUID,
		"metadata_location": g.store.Location(g.metadataKey("metadata.json")),
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return g.store.Put(ctx, path.Join(catalogDir, g.tableName+".json"), b)
}

func (g *Generator) metadataKey(name string) string {
	return path.Join(g.basePath, "metadata", name)
}
