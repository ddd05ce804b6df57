package tillsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Catalog is the in-memory materialization of the local store that the
// point-of-sale surface reads from. It is safe for concurrent use.
//
// Two write paths exist with deliberately different semantics: delta
// application replaces records wholesale, while rehydration only adds
// records that are missing. A record already in memory may be newer
// than its stored copy and always wins over the one on disk.
type Catalog struct {
	mu       sync.RWMutex
	entities map[EntityType]map[int64]CatalogRecord
}

// NewCatalog creates an empty in-memory catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entities: make(map[EntityType]map[int64]CatalogRecord),
	}
}

// Upsert replaces a record wholesale. Used when applying remote deltas,
// where the incoming record is the complete current truth.
func (c *Catalog) Upsert(rec CatalogRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	part, ok := c.entities[rec.Entity]
	if !ok {
		part = make(map[int64]CatalogRecord)
		c.entities[rec.Entity] = part
	}
	part[rec.ID] = rec
}

// InsertMissing adds a record only when no copy with the same id is
// present, reporting whether it was added. Used during rehydration,
// where an existing in-memory record wins over the stored one.
func (c *Catalog) InsertMissing(rec CatalogRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	part, ok := c.entities[rec.Entity]
	if !ok {
		part = make(map[int64]CatalogRecord)
		c.entities[rec.Entity] = part
	}
	if _, exists := part[rec.ID]; exists {
		return false
	}
	part[rec.ID] = rec
	return true
}

// Remove deletes a record. Unknown ids are ignored.
func (c *Catalog) Remove(entity EntityType, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if part, ok := c.entities[entity]; ok {
		delete(part, id)
	}
}

// Get returns a record by entity and id.
func (c *Catalog) Get(entity EntityType, id int64) (CatalogRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.entities[entity][id]
	return rec, ok
}

// All returns a snapshot of all records of an entity class.
func (c *Catalog) All(entity EntityType) []CatalogRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	part := c.entities[entity]
	out := make([]CatalogRecord, 0, len(part))
	for _, rec := range part {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of records of an entity class.
func (c *Catalog) Len(entity EntityType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities[entity])
}

// LoadStats summarizes one rehydration pass.
type LoadStats struct {
	// Loaded counts records added to the catalog, per entity.
	Loaded map[EntityType]int
	// Skipped counts records rejected by validation or already present
	// in the catalog, per entity.
	Skipped map[EntityType]int
	// Elapsed is the wall time of the pass.
	Elapsed time.Duration
}

// TotalLoaded sums loaded counts across entity classes.
func (s LoadStats) TotalLoaded() int {
	n := 0
	for _, c := range s.Loaded {
		n += c
	}
	return n
}

// TotalSkipped sums skip counts across entity classes.
func (s LoadStats) TotalSkipped() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Rehydrator loads the persisted catalog into memory at startup.
type Rehydrator struct {
	store  CatalogStore
	models *ModelRegistry
	logger *slog.Logger
}

// NewRehydrator creates a rehydrator over a store and model registry.
func NewRehydrator(store CatalogStore, models *ModelRegistry, logger *slog.Logger) *Rehydrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rehydrator{
		store:  store,
		models: models,
		logger: logger,
	}
}

// Rehydrate loads every entity class from the store into the catalog in
// dependency order. Records that fail validation or that already exist
// in the catalog are skipped and counted, never aborting the pass: one
// corrupt row must not take the whole catalog offline.
func (r *Rehydrator) Rehydrate(ctx context.Context, catalog *Catalog) (LoadStats, error) {
	start := time.Now()
	stats := LoadStats{
		Loaded:  make(map[EntityType]int),
		Skipped: make(map[EntityType]int),
	}

	for _, entity := range r.models.Ordered() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		recs, err := r.store.LoadAll(ctx, entity)
		if err != nil {
			return stats, fmt.Errorf("load %s: %w", entity, err)
		}
		loaded, skipped := 0, 0
		for _, rec := range recs {
			if rec.ID <= 0 || rec.Fields == nil {
				skipped++
				r.logger.Warn("skipping invalid record",
					"entity", string(entity),
					"id", rec.ID)
				continue
			}
			if !catalog.InsertMissing(rec) {
				skipped++
				continue
			}
			loaded++
		}
		stats.Loaded[entity] = loaded
		stats.Skipped[entity] = skipped
	}

	stats.Elapsed = time.Since(start)
	r.logger.Info("catalog rehydrated",
		"entities", r.models.Len(),
		"loaded", stats.TotalLoaded(),
		"skipped", stats.TotalSkipped(),
		"elapsed", stats.Elapsed)
	return stats, nil
}
