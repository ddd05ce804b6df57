package tillsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRemote is a scriptable RemoteClient for engine tests.
type fakeRemote struct {
	mu    sync.Mutex
	calls map[string]int

	checkFn        func(SyncCursor) (bool, error)
	deltaAllFn     func(SyncCursor) (*DeltaResult, error)
	deltaProdFn    func(SyncCursor) (*DeltaResult, error)
	bulkStartFn    func() (*BulkStart, error)
	bulkStart      *BulkStart
	bulkPlan       *BulkPlan
	batches        [][]map[string]any
	completeCursor SyncCursor
	completeErr    error
	uploadFn       func([]BackupRecord) (*BackupUploadResult, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{calls: make(map[string]int)}
}

func (f *fakeRemote) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeRemote) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) CheckSyncRequired(ctx context.Context, cursor SyncCursor) (bool, error) {
	f.count("check")
	if f.checkFn == nil {
		return true, nil
	}
	return f.checkFn(cursor)
}

func (f *fakeRemote) DeltaAll(ctx context.Context, cursor SyncCursor) (*DeltaResult, error) {
	f.count("delta_all")
	if f.deltaAllFn == nil {
		return &DeltaResult{Changes: map[EntityType]EntityDelta{}}, nil
	}
	return f.deltaAllFn(cursor)
}

func (f *fakeRemote) DeltaProducts(ctx context.Context, cursor SyncCursor) (*DeltaResult, error) {
	f.count("delta_products")
	if f.deltaProdFn == nil {
		return &DeltaResult{Changes: map[EntityType]EntityDelta{}}, nil
	}
	return f.deltaProdFn(cursor)
}

func (f *fakeRemote) StartBulkSync(ctx context.Context) (*BulkStart, error) {
	f.count("start_bulk")
	if f.bulkStartFn != nil {
		return f.bulkStartFn()
	}
	if f.bulkStart == nil {
		return &BulkStart{Metadata: map[EntityType][]map[string]any{}}, nil
	}
	return f.bulkStart, nil
}

func (f *fakeRemote) PlanProductBatches(ctx context.Context, batchSize int) (*BulkPlan, error) {
	f.count("plan")
	if f.bulkPlan == nil {
		return &BulkPlan{}, nil
	}
	return f.bulkPlan, nil
}

func (f *fakeRemote) FetchProductBatch(ctx context.Context, batch, batchSize int) ([]map[string]any, error) {
	f.count("fetch_batch")
	if batch >= len(f.batches) {
		return nil, nil
	}
	return f.batches[batch], nil
}

func (f *fakeRemote) CompleteBulkSync(ctx context.Context) (SyncCursor, error) {
	f.count("complete")
	return f.completeCursor, f.completeErr
}

func (f *fakeRemote) UploadBackups(ctx context.Context, backups []BackupRecord) (*BackupUploadResult, error) {
	f.count("upload")
	if f.uploadFn == nil {
		return &BackupUploadResult{}, nil
	}
	return f.uploadFn(backups)
}

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.Sync.StartupDelay = time.Hour
	cfg.Sync.BackgroundInterval = time.Hour
	cfg.Sync.BatchDelay = time.Millisecond
	return cfg
}

func rawProduct(id int64, name string, price float64) map[string]any {
	return map[string]any{
		"id":        float64(id),
		"name":      name,
		"lst_price": price,
	}
}

func TestEngineColdStartBulkLoads(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	remote := newFakeRemote()
	remote.bulkStart = &BulkStart{Metadata: map[EntityType][]map[string]any{
		EntityTax: {{"id": float64(1), "name": "VAT 21%"}},
	}}
	remote.bulkPlan = &BulkPlan{BatchesNeeded: 2, TotalProducts: 3}
	remote.batches = [][]map[string]any{
		{rawProduct(1, "Espresso", 2.5), rawProduct(2, "Latte", 3.5)},
		{rawProduct(3, "Cappuccino", 3.0)},
	}
	remote.completeCursor = SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}

	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	if engine.Catalog().Len(EntityProduct) != 3 {
		t.Errorf("expected 3 products, got %d", engine.Catalog().Len(EntityProduct))
	}
	if engine.Catalog().Len(EntityTax) != 1 {
		t.Errorf("expected 1 tax, got %d", engine.Catalog().Len(EntityTax))
	}
	if remote.callCount("fetch_batch") != 2 {
		t.Errorf("expected 2 batch fetches, got %d", remote.callCount("fetch_batch"))
	}

	cursor, err := store.Cursor(ctx)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.String() != remote.completeCursor.String() {
		t.Errorf("expected cursor %s, got %s", remote.completeCursor, cursor)
	}
	if stats := engine.Stats(); stats.BulkLoads != 1 {
		t.Errorf("expected 1 bulk load, got %d", stats.BulkLoads)
	}
}

func TestEngineColdStartFinalizeFailureStampsCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	remote := newFakeRemote()
	remote.bulkPlan = &BulkPlan{BatchesNeeded: 1, TotalProducts: 2}
	remote.batches = [][]map[string]any{
		{rawProduct(1, "Espresso", 2.5), rawProduct(2, "Latte", 3.5)},
	}
	remote.completeErr = newSyncError(SyncErrorTransient, "complete_manual_sync", "server error", nil)

	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	// The downloaded catalog stays usable even though finalization
	// failed, and the cursor is stamped locally.
	if engine.Catalog().Len(EntityProduct) != 2 {
		t.Errorf("expected 2 products, got %d", engine.Catalog().Len(EntityProduct))
	}
	cursor, _ := store.Cursor(ctx)
	if cursor.IsZero() {
		t.Error("expected locally stamped cursor after failed finalization")
	}
}

func TestEngineColdStartSurvivesFailedDownload(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	remote := newFakeRemote()
	remote.bulkStartFn = func() (*BulkStart, error) {
		if remote.callCount("start_bulk") == 1 {
			return nil, newSyncError(SyncErrorTransient, "start_manual_sync", "connection refused", nil)
		}
		return &BulkStart{Metadata: map[EntityType][]map[string]any{}}, nil
	}
	remote.bulkPlan = &BulkPlan{BatchesNeeded: 1, TotalProducts: 1}
	remote.batches = [][]map[string]any{{rawProduct(1, "Espresso", 2.5)}}
	remote.completeCursor = SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}

	cfg := testEngineConfig()
	cfg.Sync.BulkRetryInterval = time.Millisecond

	// An unreachable remote must not keep the till from opening; the
	// download is retried in the background.
	engine := NewSyncEngine(cfg, store, remote, nil)
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	deadline := time.After(5 * time.Second)
	for engine.Catalog().Len(EntityProduct) == 0 {
		select {
		case <-deadline:
			t.Fatal("download was not retried after transient failure")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if remote.callCount("start_bulk") < 2 {
		t.Errorf("expected a retried download, got %d attempts", remote.callCount("start_bulk"))
	}
}

func TestEngineWarmStartRehydrates(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	store.UpsertRecords(ctx, EntityProduct, []CatalogRecord{
		testRecord(EntityProduct, 1, "Espresso"),
		testRecord(EntityProduct, 2, "Latte"),
	})
	store.SetCursor(ctx, SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)})

	remote := newFakeRemote()
	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Stop()

	if engine.Catalog().Len(EntityProduct) != 2 {
		t.Errorf("expected 2 products rehydrated, got %d", engine.Catalog().Len(EntityProduct))
	}
	if remote.callCount("start_bulk") != 0 {
		t.Error("expected no bulk download on warm start")
	}
}

func TestEngineDeltaApplyAndCursorAdvance(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	store.UpsertRecords(ctx, EntityProduct, []CatalogRecord{
		testRecord(EntityProduct, 1, "Espresso"),
		testRecord(EntityProduct, 2, "Latte"),
	})
	start := SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	store.SetCursor(ctx, start)

	newer := SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)}
	remote := newFakeRemote()
	remote.deltaAllFn = func(cursor SyncCursor) (*DeltaResult, error) {
		return &DeltaResult{
			Changes: map[EntityType]EntityDelta{
				EntityProduct: {
					Records:    []map[string]any{rawProduct(3, "Cappuccino", 3.0)},
					DeletedIDs: []int64{2},
				},
			},
			SyncDate: newer,
		}, nil
	}

	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	if err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	n, _ := store.Count(ctx, EntityProduct)
	if n != 2 {
		t.Errorf("expected 2 products in store after delta, got %d", n)
	}
	if _, ok := engine.Catalog().Get(EntityProduct, 3); !ok {
		t.Error("expected new product in catalog")
	}
	if _, ok := engine.Catalog().Get(EntityProduct, 2); ok {
		t.Error("expected deleted product removed from catalog")
	}
	cursor, _ := store.Cursor(ctx)
	if cursor.String() != newer.String() {
		t.Errorf("expected cursor advanced to %s, got %s", newer, cursor)
	}

	// A stale server cursor must never move the local one backwards.
	remote.deltaAllFn = func(cursor SyncCursor) (*DeltaResult, error) {
		return &DeltaResult{Changes: map[EntityType]EntityDelta{}, SyncDate: start}, nil
	}
	if err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	cursor, _ = store.Cursor(ctx)
	if cursor.String() != newer.String() {
		t.Errorf("expected cursor to stay at %s, got %s", newer, cursor)
	}
}

// cursorFailStore fails a fixed number of cursor writes, then behaves
// like its embedded store.
type cursorFailStore struct {
	*MemStore
	failures int
}

func (s *cursorFailStore) SetCursor(ctx context.Context, cursor SyncCursor) error {
	if s.failures > 0 {
		s.failures--
		return newStoreError(StoreErrorTypeWrite, "disk full", "", nil)
	}
	return s.MemStore.SetCursor(ctx, cursor)
}

func TestEngineDeltaReappliesAfterCursorWriteFailure(t *testing.T) {
	ctx := context.Background()
	store := &cursorFailStore{MemStore: NewMemStore(), failures: 1}
	defer store.Close()

	start := SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	store.MemStore.SetCursor(ctx, start)

	newer := SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)}
	remote := newFakeRemote()
	remote.deltaAllFn = func(cursor SyncCursor) (*DeltaResult, error) {
		return &DeltaResult{
			Changes: map[EntityType]EntityDelta{
				EntityProduct: {Records: []map[string]any{rawProduct(3, "Cappuccino", 3.0)}},
			},
			SyncDate: newer,
		}, nil
	}

	// The records land but the cursor write dies with the process.
	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	if err := engine.SyncNow(ctx); err == nil {
		t.Fatal("expected error from failed cursor write")
	}
	n, _ := store.Count(ctx, EntityProduct)
	if n != 1 {
		t.Fatalf("expected record persisted before cursor write, got %d", n)
	}
	cursor, _ := store.Cursor(ctx)
	if cursor.String() != start.String() {
		t.Fatalf("expected cursor unchanged at %s, got %s", start, cursor)
	}

	// The next cycle re-fetches from the old cursor and converges.
	if err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	n, _ = store.Count(ctx, EntityProduct)
	if n != 1 {
		t.Errorf("expected idempotent re-apply, got %d records", n)
	}
	cursor, _ = store.Cursor(ctx)
	if cursor.String() != newer.String() {
		t.Errorf("expected cursor advanced to %s, got %s", newer, cursor)
	}
	if remote.callCount("delta_all") != 2 {
		t.Errorf("expected 2 delta fetches, got %d", remote.callCount("delta_all"))
	}
}

func TestEngineDeltaSkipsWhenNoChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	store.SetCursor(ctx, SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)})

	remote := newFakeRemote()
	remote.checkFn = func(SyncCursor) (bool, error) { return false, nil }

	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	if err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if remote.callCount("check") != 1 {
		t.Errorf("expected 1 pre-check, got %d", remote.callCount("check"))
	}
	if remote.callCount("delta_all") != 0 {
		t.Errorf("expected no delta fetch when nothing changed, got %d", remote.callCount("delta_all"))
	}
}

func TestEngineDeltaDowngradesToProducts(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	store.SetCursor(ctx, SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)})

	remote := newFakeRemote()
	remote.deltaAllFn = func(cursor SyncCursor) (*DeltaResult, error) {
		return nil, newSyncError(SyncErrorStructural, "sync_all_models_since", "endpoint unavailable", nil)
	}
	remote.deltaProdFn = func(cursor SyncCursor) (*DeltaResult, error) {
		return &DeltaResult{
			Changes: map[EntityType]EntityDelta{
				EntityProduct: {Records: []map[string]any{rawProduct(5, "Mocha", 4.0)}},
			},
			SyncDate: SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)},
		}, nil
	}

	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	if err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if _, ok := engine.Catalog().Get(EntityProduct, 5); !ok {
		t.Error("expected product from downgraded feed")
	}
	if remote.callCount("delta_products") != 1 {
		t.Errorf("expected products-only fallback call, got %d", remote.callCount("delta_products"))
	}
	if stats := engine.Stats(); stats.Downgrades != 1 {
		t.Errorf("expected 1 downgrade, got %d", stats.Downgrades)
	}
}

func TestEngineDeltaRequiresCursor(t *testing.T) {
	store := NewMemStore()
	defer store.Close()

	engine := NewSyncEngine(testEngineConfig(), store, newFakeRemote(), nil)
	if err := engine.SyncNow(context.Background()); !errors.Is(err, ErrNilCursor) {
		t.Errorf("expected ErrNilCursor before any bulk load, got %v", err)
	}
}

func TestEngineSyncMutualExclusion(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	store.SetCursor(ctx, SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)})

	release := make(chan struct{})
	entered := make(chan struct{})
	remote := newFakeRemote()
	remote.deltaAllFn = func(cursor SyncCursor) (*DeltaResult, error) {
		close(entered)
		<-release
		return &DeltaResult{Changes: map[EntityType]EntityDelta{}}, nil
	}

	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)

	done := make(chan error, 1)
	go func() { done <- engine.SyncNow(ctx) }()
	<-entered

	if err := engine.SyncNow(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress while a cycle is in flight, got %v", err)
	}
	if err := engine.ManualSync(ctx); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress for manual sync too, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first sync: %v", err)
	}
}

func TestEngineDeltaSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	store.SetCursor(ctx, SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)})

	remote := newFakeRemote()
	remote.deltaAllFn = func(cursor SyncCursor) (*DeltaResult, error) {
		return &DeltaResult{
			Changes: map[EntityType]EntityDelta{
				EntityProduct: {Records: []map[string]any{
					rawProduct(1, "Espresso", 2.5),
					{"name": "no id"},
				}},
			},
			SyncDate: SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)},
		}, nil
	}

	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	if err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if engine.Catalog().Len(EntityProduct) != 1 {
		t.Errorf("expected 1 valid product, got %d", engine.Catalog().Len(EntityProduct))
	}
	if stats := engine.Stats(); stats.RecordsSkipped != 1 {
		t.Errorf("expected 1 skipped record, got %d", stats.RecordsSkipped)
	}
}

func TestEngineDeltaRebuildsPriceCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()
	store.SetCursor(ctx, SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)})

	remote := newFakeRemote()
	remote.deltaAllFn = func(cursor SyncCursor) (*DeltaResult, error) {
		return &DeltaResult{
			Changes: map[EntityType]EntityDelta{
				EntityPricelistItem: {Records: []map[string]any{{
					"id":            float64(1),
					"pricelist_id":  []any{float64(1), "Default"},
					"applied_on":    ruleScopeGlobal,
					"compute_price": "fixed",
					"fixed_price":   1.5,
				}}},
			},
			SyncDate: SyncCursor{LastSyncDate: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)},
		}, nil
	}

	engine := NewSyncEngine(testEngineConfig(), store, remote, nil)
	before := engine.Prices().Generation()
	if err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if engine.Prices().Generation() == before {
		t.Error("expected price cache rebuild after pricing delta")
	}
}
