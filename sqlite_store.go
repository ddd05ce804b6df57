package tillsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStore implements CatalogStore on a single SQLite file. Records
// survive process restarts, which is what makes cold starts with a
// populated catalog possible.
type SQLiteStore struct {
	db     *sql.DB
	config StoreConfig
	mu     sync.RWMutex
	closed bool

	// Prepared statements for hot paths
	upsertStmt    *sql.Stmt
	deleteStmt    *sql.Stmt
	selectStmt    *sql.Stmt
	getStmt       *sql.Stmt
	countStmt     *sql.Stmt
	getMetaStmt   *sql.Stmt
	setMetaStmt   *sql.Stmt
	addEntityStmt *sql.Stmt
}

// NewSQLiteStore opens or creates a SQLite-backed catalog store.
func NewSQLiteStore(config StoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "tillsync.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		config.Path, config.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeInit, "failed to open database", "", err)
	}

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorTypeInit, "failed to initialize schema", "", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorTypeInit, "failed to prepare statements", "", err)
	}

	return store, nil
}

// initSchema creates the database schema.
func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Catalog records, partitioned by entity type
		CREATE TABLE IF NOT EXISTS catalog_records (
			entity TEXT NOT NULL,
			id INTEGER NOT NULL,
			fields TEXT NOT NULL,
			write_date TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity, id)
		);

		-- Known entity partitions, so counts cover empty partitions too
		CREATE TABLE IF NOT EXISTS catalog_entities (
			entity TEXT PRIMARY KEY
		);

		-- Sync cursor and auxiliary metadata
		CREATE TABLE IF NOT EXISTS sync_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_catalog_write_date ON catalog_records(entity, write_date);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// prepareStatements prepares common SQL statements for better performance.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.upsertStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO catalog_records (entity, id, fields, write_date)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`
		DELETE FROM catalog_records WHERE entity = ? AND id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}

	s.selectStmt, err = s.db.Prepare(`
		SELECT id, fields, write_date FROM catalog_records
		WHERE entity = ? ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("prepare select: %w", err)
	}

	s.getStmt, err = s.db.Prepare(`
		SELECT fields, write_date FROM catalog_records
		WHERE entity = ? AND id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}

	s.countStmt, err = s.db.Prepare(`
		SELECT COUNT(*) FROM catalog_records WHERE entity = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare count: %w", err)
	}

	s.getMetaStmt, err = s.db.Prepare(`
		SELECT value FROM sync_meta WHERE key = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare get meta: %w", err)
	}

	s.setMetaStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare set meta: %w", err)
	}

	s.addEntityStmt, err = s.db.Prepare(`
		INSERT OR IGNORE INTO catalog_entities (entity) VALUES (?)
	`)
	if err != nil {
		return fmt.Errorf("prepare add entity: %w", err)
	}

	return nil
}

// EnsureEntity registers an entity partition.
func (s *SQLiteStore) EnsureEntity(entity EntityType) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.addEntityStmt.Exec(string(entity)); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to register entity", entity, err)
	}
	return nil
}

// UpsertRecords inserts or replaces a batch of records in one
// transaction and reports how many landed. A record whose fields
// cannot be encoded is skipped; a database failure aborts the batch.
func (s *SQLiteStore) UpsertRecords(ctx context.Context, entity EntityType, recs []CatalogRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, newStoreError(StoreErrorTypeWrite, "failed to begin transaction", entity, err)
	}
	defer tx.Rollback()

	if _, err := tx.Stmt(s.addEntityStmt).Exec(string(entity)); err != nil {
		return 0, newStoreError(StoreErrorTypeWrite, "failed to register entity", entity, err)
	}

	saved := 0
	stmt := tx.Stmt(s.upsertStmt)
	for _, rec := range recs {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			continue
		}
		wd := ""
		if !rec.WriteDate.IsZero() {
			wd = rec.WriteDate.UTC().Format(TimeLayout)
		}
		if _, err := stmt.ExecContext(ctx, string(entity), rec.ID, string(fields), wd); err != nil {
			return 0, newStoreError(StoreErrorTypeWrite, "failed to upsert record", entity, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, newStoreError(StoreErrorTypeWrite, "failed to commit upsert", entity, err)
	}
	return saved, nil
}

// DeleteRecords removes records by id in one transaction.
func (s *SQLiteStore) DeleteRecords(ctx context.Context, entity EntityType, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to begin transaction", entity, err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.deleteStmt)
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, string(entity), id); err != nil {
			return newStoreError(StoreErrorTypeWrite, "failed to delete record", entity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to commit delete", entity, err)
	}
	return nil
}

// LoadAll returns every record in an entity partition, ordered by id.
func (s *SQLiteStore) LoadAll(ctx context.Context, entity EntityType) ([]CatalogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.selectStmt.QueryContext(ctx, string(entity))
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to query records", entity, err)
	}
	defer rows.Close()

	var recs []CatalogRecord
	for rows.Next() {
		var (
			id     int64
			fields string
			wd     string
		)
		if err := rows.Scan(&id, &fields, &wd); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "failed to scan record", entity, err)
		}
		rec := CatalogRecord{Entity: entity, ID: id}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "failed to decode record fields", entity, err)
		}
		if wd != "" {
			if t, err := time.Parse(TimeLayout, wd); err == nil {
				rec.WriteDate = t
			}
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to iterate records", entity, err)
	}
	return recs, nil
}

// Get returns a single record by id.
func (s *SQLiteStore) Get(ctx context.Context, entity EntityType, id int64) (CatalogRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return CatalogRecord{}, false, ErrStoreClosed
	}

	var (
		fields string
		wd     string
	)
	err := s.getStmt.QueryRowContext(ctx, string(entity), id).Scan(&fields, &wd)
	if err == sql.ErrNoRows {
		return CatalogRecord{}, false, nil
	}
	if err != nil {
		return CatalogRecord{}, false, newStoreError(StoreErrorTypeRead, "failed to read record", entity, err)
	}

	rec := CatalogRecord{Entity: entity, ID: id}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return CatalogRecord{}, false, newStoreError(StoreErrorTypeRead, "failed to decode record fields", entity, err)
	}
	if wd != "" {
		if t, err := time.Parse(TimeLayout, wd); err == nil {
			rec.WriteDate = t
		}
	}
	return rec, true, nil
}

// Count returns the number of records in an entity partition.
func (s *SQLiteStore) Count(ctx context.Context, entity EntityType) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	var n int64
	if err := s.countStmt.QueryRowContext(ctx, string(entity)).Scan(&n); err != nil {
		return 0, newStoreError(StoreErrorTypeRead, "failed to count records", entity, err)
	}
	return n, nil
}

// CountAll returns per-entity record counts for all registered partitions.
func (s *SQLiteStore) CountAll(ctx context.Context) (map[EntityType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.entity, COUNT(r.id)
		FROM catalog_entities e
		LEFT JOIN catalog_records r ON r.entity = e.entity
		GROUP BY e.entity
	`)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to count entities", "", err)
	}
	defer rows.Close()

	counts := make(map[EntityType]int64)
	for rows.Next() {
		var (
			entity string
			n      int64
		)
		if err := rows.Scan(&entity, &n); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "failed to scan entity count", "", err)
		}
		counts[EntityType(entity)] = n
	}
	return counts, rows.Err()
}

// Cursor returns the persisted sync cursor.
func (s *SQLiteStore) Cursor(ctx context.Context) (SyncCursor, error) {
	raw, err := s.GetMeta(ctx, metaKeyCursor)
	if err != nil {
		return SyncCursor{}, err
	}
	return ParseCursor(raw)
}

// SetCursor persists the sync cursor.
func (s *SQLiteStore) SetCursor(ctx context.Context, cursor SyncCursor) error {
	return s.SetMeta(ctx, metaKeyCursor, cursor.String())
}

// GetMeta reads an auxiliary metadata value. Missing keys return "".
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrStoreClosed
	}
	var value string
	err := s.getMetaStmt.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", newStoreError(StoreErrorTypeRead, "failed to read metadata", "", err)
	}
	return value, nil
}

// SetMeta writes an auxiliary metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.setMetaStmt.ExecContext(ctx, key, value); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to write metadata", "", err)
	}
	return nil
}

// Clear removes all records from an entity partition.
func (s *SQLiteStore) Clear(ctx context.Context, entity EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog_records WHERE entity = ?`, string(entity)); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to clear entity", entity, err)
	}
	return nil
}

// Close releases the database handle and prepared statements.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{
		s.upsertStmt, s.deleteStmt, s.selectStmt, s.getStmt, s.countStmt,
		s.getMetaStmt, s.setMetaStmt, s.addEntityStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
