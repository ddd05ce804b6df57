package tillsync

import (
	"context"
	"sort"
	"sync"
)

// Metadata keys persisted alongside catalog entities.
const (
	metaKeyCursor     = "last_sync_date"
	metaKeyBulkLoaded = "bulk_loaded"
)

// CatalogStore is the local persistence layer for catalog entities.
// Implementations must be safe for concurrent use. Entity partitions
// are created lazily on first write so adding entity types never
// requires a migration step.
type CatalogStore interface {
	// EnsureEntity creates the partition for an entity type if it does
	// not exist yet.
	EnsureEntity(entity EntityType) error

	// UpsertRecords inserts or replaces records in an entity partition
	// and returns how many were written. The operation is idempotent:
	// re-applying a batch converges to the same state. A record that
	// cannot be encoded is skipped without aborting the batch.
	UpsertRecords(ctx context.Context, entity EntityType, recs []CatalogRecord) (int, error)

	// DeleteRecords removes records by id. Unknown ids are ignored.
	DeleteRecords(ctx context.Context, entity EntityType, ids []int64) error

	// LoadAll returns every record in an entity partition, ordered by id.
	LoadAll(ctx context.Context, entity EntityType) ([]CatalogRecord, error)

	// Get returns a single record by id. The bool reports presence.
	Get(ctx context.Context, entity EntityType, id int64) (CatalogRecord, bool, error)

	// Count returns the number of records in an entity partition. A
	// partition that was never created counts as zero.
	Count(ctx context.Context, entity EntityType) (int64, error)

	// CountAll returns per-entity record counts for all known partitions.
	CountAll(ctx context.Context) (map[EntityType]int64, error)

	// Cursor returns the persisted sync cursor. A store that has never
	// completed a bulk load returns a zero cursor.
	Cursor(ctx context.Context) (SyncCursor, error)

	// SetCursor persists the sync cursor. Callers advance the cursor
	// only after the records it covers are durably stored.
	SetCursor(ctx context.Context, cursor SyncCursor) error

	// GetMeta reads an auxiliary metadata value. Missing keys return "".
	GetMeta(ctx context.Context, key string) (string, error)

	// SetMeta writes an auxiliary metadata value.
	SetMeta(ctx context.Context, key, value string) error

	// Clear removes all records from an entity partition.
	Clear(ctx context.Context, entity EntityType) error

	// Close releases store resources. The store is unusable afterwards.
	Close() error
}

// NewStore opens the store selected by the configuration: a SQLite
// file when a path is set, the in-memory store otherwise.
func NewStore(config StoreConfig) (CatalogStore, error) {
	if config.Path == "" {
		return NewMemStore(), nil
	}
	return NewSQLiteStore(config)
}

// MemStore is an in-memory CatalogStore. It exists for tests and for
// running without a database file; contents are lost on restart.
type MemStore struct {
	mu       sync.RWMutex
	entities map[EntityType]map[int64]CatalogRecord
	meta     map[string]string
	closed   bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entities: make(map[EntityType]map[int64]CatalogRecord),
		meta:     make(map[string]string),
	}
}

// EnsureEntity creates the partition for an entity type if needed.
func (s *MemStore) EnsureEntity(entity EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.entities[entity]; !ok {
		s.entities[entity] = make(map[int64]CatalogRecord)
	}
	return nil
}

// UpsertRecords inserts or replaces records in an entity partition.
func (s *MemStore) UpsertRecords(ctx context.Context, entity EntityType, recs []CatalogRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	part, ok := s.entities[entity]
	if !ok {
		part = make(map[int64]CatalogRecord)
		s.entities[entity] = part
	}
	for _, rec := range recs {
		part[rec.ID] = rec
	}
	return len(recs), nil
}

// DeleteRecords removes records by id.
func (s *MemStore) DeleteRecords(ctx context.Context, entity EntityType, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	part, ok := s.entities[entity]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(part, id)
	}
	return nil
}

// LoadAll returns every record in an entity partition, ordered by id.
func (s *MemStore) LoadAll(ctx context.Context, entity EntityType) ([]CatalogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	part := s.entities[entity]
	recs := make([]CatalogRecord, 0, len(part))
	for _, rec := range part {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// Get returns a single record by id.
func (s *MemStore) Get(ctx context.Context, entity EntityType, id int64) (CatalogRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return CatalogRecord{}, false, ErrStoreClosed
	}
	rec, ok := s.entities[entity][id]
	return rec, ok, nil
}

// Count returns the number of records in an entity partition.
func (s *MemStore) Count(ctx context.Context, entity EntityType) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return int64(len(s.entities[entity])), nil
}

// CountAll returns per-entity record counts.
func (s *MemStore) CountAll(ctx context.Context) (map[EntityType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	counts := make(map[EntityType]int64, len(s.entities))
	for entity, part := range s.entities {
		counts[entity] = int64(len(part))
	}
	return counts, nil
}

// Cursor returns the persisted sync cursor.
func (s *MemStore) Cursor(ctx context.Context) (SyncCursor, error) {
	raw, err := s.GetMeta(ctx, metaKeyCursor)
	if err != nil {
		return SyncCursor{}, err
	}
	return ParseCursor(raw)
}

// SetCursor persists the sync cursor.
func (s *MemStore) SetCursor(ctx context.Context, cursor SyncCursor) error {
	return s.SetMeta(ctx, metaKeyCursor, cursor.String())
}

// GetMeta reads an auxiliary metadata value.
func (s *MemStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrStoreClosed
	}
	return s.meta[key], nil
}

// SetMeta writes an auxiliary metadata value.
func (s *MemStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.meta[key] = value
	return nil
}

// Clear removes all records from an entity partition.
func (s *MemStore) Clear(ctx context.Context, entity EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.entities[entity]; ok {
		s.entities[entity] = make(map[int64]CatalogRecord)
	}
	return nil
}

// Close marks the store closed.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
