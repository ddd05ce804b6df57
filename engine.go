package tillsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SyncState describes what the engine is currently doing.
type SyncState int

const (
	// SyncStateIdle means no sync cycle is running.
	SyncStateIdle SyncState = iota
	// SyncStateSyncing means a delta cycle is in flight.
	SyncStateSyncing
	// SyncStateBulkLoading means a full catalog download is in flight.
	SyncStateBulkLoading
	// SyncStateError means the last cycle failed.
	SyncStateError
)

// String returns a human-readable state name.
func (s SyncState) String() string {
	switch s {
	case SyncStateIdle:
		return "idle"
	case SyncStateSyncing:
		return "syncing"
	case SyncStateBulkLoading:
		return "bulk-loading"
	case SyncStateError:
		return "error"
	default:
		return "unknown"
	}
}

// SyncStats carries counters over the engine's lifetime.
type SyncStats struct {
	State            SyncState
	LastSync         time.Time
	LastError        error
	DeltasApplied    uint64
	RecordsUpserted  uint64
	RecordsDeleted   uint64
	RecordsSkipped   uint64
	BulkLoads        uint64
	Downgrades       uint64
	BackupsDelivered uint64
}

// SyncEngine coordinates the local store, the in-memory catalog, the
// remote authority and the order backup log. One engine runs per till.
//
// Startup is local-first: an already populated store is rehydrated
// immediately and the network is only consulted afterwards, so the till
// sells from the moment it boots even with no connectivity.
type SyncEngine struct {
	config   Config
	store    CatalogStore
	catalog  *Catalog
	models   *ModelRegistry
	client   RemoteClient
	prices   *PriceCache
	orders   *OrderLog
	archiver *BackupArchiver
	notifier *ChangeNotifier
	logger   *slog.Logger

	mu             sync.Mutex
	running        bool
	syncInProgress bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	state SyncState
	stats SyncStats

	// wake is signaled by the change notifier to pull a delta early.
	wake chan struct{}
}

// EngineOption customizes engine construction.
type EngineOption func(*SyncEngine)

// WithOrderLog attaches a durable order backup log. The engine drives
// its upload and retention loops.
func WithOrderLog(log *OrderLog) EngineOption {
	return func(e *SyncEngine) { e.orders = log }
}

// WithArchiver attaches an object storage archiver. Acknowledged order
// backups are copied off device after each delivery round.
func WithArchiver(a *BackupArchiver) EngineOption {
	return func(e *SyncEngine) { e.archiver = a }
}

// WithNotifier attaches a change notifier. Notifications trigger an
// immediate delta cycle instead of waiting for the interval.
func WithNotifier(n *ChangeNotifier) EngineOption {
	return func(e *SyncEngine) { e.notifier = n }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *SyncEngine) { e.logger = logger }
}

// NewSyncEngine creates an engine over a store and remote client.
func NewSyncEngine(config Config, store CatalogStore, client RemoteClient, models *ModelRegistry, opts ...EngineOption) *SyncEngine {
	if models == nil {
		models = DefaultModels()
	}
	if config.Sync.BackgroundInterval <= 0 {
		config.Sync.BackgroundInterval = 3 * time.Minute
	}
	if config.Sync.StartupDelay < 0 {
		config.Sync.StartupDelay = 0
	}
	if config.Sync.BulkRetryInterval <= 0 {
		config.Sync.BulkRetryInterval = time.Second
	}
	if config.Sync.BatchSize <= 0 {
		config.Sync.BatchSize = 500
	}
	if config.Sync.RequestTimeout <= 0 {
		config.Sync.RequestTimeout = 30 * time.Second
	}
	if config.Backup.RetryInterval <= 0 {
		config.Backup.RetryInterval = 10 * time.Second
	}
	e := &SyncEngine{
		config:  config,
		store:   store,
		catalog: NewCatalog(),
		models:  models,
		client:  client,
		prices:  NewPriceCache(),
		logger:  slog.Default(),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the in-memory catalog the till reads from.
func (e *SyncEngine) Catalog() *Catalog {
	return e.catalog
}

// Prices returns the derived price cache.
func (e *SyncEngine) Prices() *PriceCache {
	return e.prices
}

// Stats returns a snapshot of engine counters.
func (e *SyncEngine) Stats() SyncStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := e.stats
	stats.State = e.state
	return stats
}

// Start boots the engine. A store holding a usable catalog is
// rehydrated and background delta sync begins after the startup delay;
// an effectively empty store triggers a blocking full download first.
// Start returns once the catalog is ready to sell from.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already started")
	}
	e.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	fail := func(err error) error {
		cancel()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}

	for _, entity := range e.models.Ordered() {
		if err := e.store.EnsureEntity(entity); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrStoreInit, err))
		}
	}

	productCount, err := e.store.Count(ctx, EntityProduct)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrStoreInit, err))
	}

	// A count of one typically means only a placeholder product made it
	// in before a previous bulk load died. Treat it the same as empty.
	warm := productCount > 1
	needBulk := false
	if warm {
		rehydrator := NewRehydrator(e.store, e.models, e.logger)
		stats, err := rehydrator.Rehydrate(ctx, e.catalog)
		if err != nil {
			return fail(fmt.Errorf("%w: %v", ErrStoreInit, err))
		}
		e.prices.Rebuild(e.catalog)
		e.logger.Info("cold start from local catalog",
			"products", stats.Loaded[EntityProduct],
			"skipped", stats.TotalSkipped())
	} else {
		e.logger.Info("local catalog empty, performing full download")
		if err := e.ManualSync(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return fail(err)
			}
			// Only a store that cannot open is fatal. The till opens
			// with an empty catalog and the download is retried in the
			// background until it lands.
			e.logger.Warn("initial download failed, retrying in background", "error", err)
			needBulk = true
		}
	}

	e.wg.Add(1)
	go e.backgroundLoop(runCtx, warm, needBulk)

	if e.orders != nil {
		e.wg.Add(1)
		go e.backupLoop(runCtx)
	}
	if e.notifier != nil {
		if err := e.notifier.Start(runCtx); err != nil {
			e.logger.Warn("change notifier failed to start", "error", err)
		} else {
			e.wg.Add(1)
			go e.notifyLoop(runCtx)
		}
	}
	return nil
}

// Stop shuts the engine down and waits for workers to drain.
func (e *SyncEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	if e.notifier != nil {
		e.notifier.Stop()
	}
	e.wg.Wait()
	return nil
}

// backgroundLoop runs periodic delta sync. A warm start waits the
// configured startup delay before the first pull so the UI settles
// first. A cold start whose initial download failed keeps retrying the
// download before delta sync can begin.
func (e *SyncEngine) backgroundLoop(ctx context.Context, warm, needBulk bool) {
	defer e.wg.Done()

	for needBulk {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.config.Sync.BulkRetryInterval):
		}
		err := e.ManualSync(ctx)
		switch {
		case err == nil:
			needBulk = false
		case errors.Is(err, ErrSyncInProgress), errors.Is(err, context.Canceled):
		default:
			e.logger.Warn("initial download failed, retrying in background", "error", err)
		}
	}

	if warm {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.config.Sync.StartupDelay):
		}
		e.runDelta(ctx)
	}

	ticker := time.NewTicker(e.config.Sync.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runDelta(ctx)
		case <-e.wake:
			e.runDelta(ctx)
		}
	}
}

// SyncNow triggers an immediate delta cycle. It returns
// ErrSyncInProgress when another cycle holds the in-flight flag.
func (e *SyncEngine) SyncNow(ctx context.Context) error {
	return e.deltaCycle(ctx)
}

// runDelta is the background wrapper around deltaCycle: overlapping
// cycles are skipped silently, failures are logged and retried at the
// next interval.
func (e *SyncEngine) runDelta(ctx context.Context) {
	err := e.deltaCycle(ctx)
	switch {
	case err == nil, errors.Is(err, ErrSyncInProgress), errors.Is(err, context.Canceled):
	default:
		e.logger.Warn("background sync failed", "error", err)
	}
}

// deltaCycle fetches and applies one round of remote changes.
func (e *SyncEngine) deltaCycle(ctx context.Context) error {
	e.mu.Lock()
	if e.syncInProgress {
		e.mu.Unlock()
		return ErrSyncInProgress
	}
	e.syncInProgress = true
	e.state = SyncStateSyncing
	e.mu.Unlock()

	err := e.doDelta(ctx)

	e.mu.Lock()
	e.syncInProgress = false
	if err != nil {
		e.state = SyncStateError
		e.stats.LastError = err
	} else {
		e.state = SyncStateIdle
		e.stats.LastError = nil
		e.stats.LastSync = time.Now()
		e.stats.DeltasApplied++
	}
	e.mu.Unlock()
	return err
}

func (e *SyncEngine) doDelta(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.Sync.RequestTimeout)
	defer cancel()

	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return err
	}
	if cursor.IsZero() {
		return ErrNilCursor
	}

	// Cheap pre-check so an unchanged catalog costs one small request
	// per cycle. A failed check falls through to the full fetch, which
	// classifies the failure properly.
	if required, err := e.client.CheckSyncRequired(ctx, cursor); err == nil && !required {
		return nil
	}

	result, err := e.client.DeltaAll(ctx, cursor)
	if err != nil {
		var syncErr *SyncError
		if errors.As(err, &syncErr) && syncErr.Kind == SyncErrorStructural {
			// The richer endpoint is unavailable; fall back to the
			// products-only feed for this cycle.
			e.logger.Warn("all-models sync unavailable, downgrading to products only")
			e.mu.Lock()
			e.stats.Downgrades++
			e.mu.Unlock()
			result, err = e.client.DeltaProducts(ctx, cursor)
		}
		if err != nil {
			return err
		}
	}

	return e.applyDelta(ctx, cursor, result)
}

// applyDelta persists and materializes a delta batch, then advances the
// cursor. The store write happens first: the cursor must never claim
// changes that could be lost with the process.
func (e *SyncEngine) applyDelta(ctx context.Context, cursor SyncCursor, result *DeltaResult) error {
	var upserted, deleted, skipped uint64
	pricingTouched := false

	for _, entity := range e.models.Ordered() {
		delta, ok := result.Changes[entity]
		if !ok {
			continue
		}

		recs := make([]CatalogRecord, 0, len(delta.Records))
		for _, raw := range delta.Records {
			rec, err := NewCatalogRecord(entity, raw)
			if err != nil {
				skipped++
				e.logger.Warn("skipping malformed record",
					"entity", string(entity),
					"error", err)
				continue
			}
			recs = append(recs, rec)
		}

		saved, err := e.store.UpsertRecords(ctx, entity, recs)
		if err != nil {
			return err
		}
		if err := e.store.DeleteRecords(ctx, entity, delta.DeletedIDs); err != nil {
			return err
		}

		for _, rec := range recs {
			e.catalog.Upsert(rec)
		}
		for _, id := range delta.DeletedIDs {
			e.catalog.Remove(entity, id)
		}

		upserted += uint64(saved)
		skipped += uint64(len(recs) - saved)
		deleted += uint64(len(delta.DeletedIDs))
		if entity == EntityPricelist || entity == EntityPricelistItem ||
			entity == EntityProduct || entity == EntityProductCategory {
			pricingTouched = pricingTouched || len(recs) > 0 || len(delta.DeletedIDs) > 0
		}
	}

	if !result.SyncDate.IsZero() && cursor.Before(result.SyncDate) {
		if err := e.store.SetCursor(ctx, result.SyncDate); err != nil {
			return err
		}
	}

	if pricingTouched {
		e.prices.Rebuild(e.catalog)
	}

	e.mu.Lock()
	e.stats.RecordsUpserted += upserted
	e.stats.RecordsDeleted += deleted
	e.stats.RecordsSkipped += skipped
	e.mu.Unlock()

	if upserted > 0 || deleted > 0 {
		e.logger.Info("delta applied",
			"upserted", upserted,
			"deleted", deleted,
			"skipped", skipped,
			"cursor", result.SyncDate.String())
	}
	return nil
}

// ManualSync performs a full catalog download: reference entities first,
// then products in batches, then finalization. The cursor only advances
// after every batch is durably stored, but a failed finalization does
// not discard the downloaded catalog.
func (e *SyncEngine) ManualSync(ctx context.Context) error {
	e.mu.Lock()
	if e.syncInProgress {
		e.mu.Unlock()
		return ErrSyncInProgress
	}
	e.syncInProgress = true
	e.state = SyncStateBulkLoading
	e.mu.Unlock()

	err := e.doManualSync(ctx)

	e.mu.Lock()
	e.syncInProgress = false
	if err != nil {
		e.state = SyncStateError
		e.stats.LastError = err
	} else {
		e.state = SyncStateIdle
		e.stats.LastError = nil
		e.stats.LastSync = time.Now()
		e.stats.BulkLoads++
	}
	e.mu.Unlock()
	return err
}

func (e *SyncEngine) doManualSync(ctx context.Context) error {
	started := time.Now()

	start, err := e.client.StartBulkSync(ctx)
	if err != nil {
		return err
	}

	var skipped uint64
	for _, entity := range e.models.Ordered() {
		raws, ok := start.Metadata[entity]
		if !ok {
			continue
		}
		recs := make([]CatalogRecord, 0, len(raws))
		for _, raw := range raws {
			rec, err := NewCatalogRecord(entity, raw)
			if err != nil {
				skipped++
				continue
			}
			recs = append(recs, rec)
		}
		if _, err := e.store.UpsertRecords(ctx, entity, recs); err != nil {
			return err
		}
		for _, rec := range recs {
			e.catalog.Upsert(rec)
		}
	}

	plan, err := e.client.PlanProductBatches(ctx, e.config.Sync.BatchSize)
	if err != nil {
		return err
	}
	e.logger.Info("bulk download planned",
		"batches", plan.BatchesNeeded,
		"products", plan.TotalProducts)

	for batch := 0; batch < plan.BatchesNeeded; batch++ {
		if batch > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.config.Sync.BatchDelay):
			}
		}
		raws, err := e.client.FetchProductBatch(ctx, batch, e.config.Sync.BatchSize)
		if err != nil {
			return err
		}
		recs := make([]CatalogRecord, 0, len(raws))
		for _, raw := range raws {
			rec, err := NewCatalogRecord(EntityProduct, raw)
			if err != nil {
				skipped++
				continue
			}
			recs = append(recs, rec)
		}
		if _, err := e.store.UpsertRecords(ctx, EntityProduct, recs); err != nil {
			return err
		}
		for _, rec := range recs {
			e.catalog.Upsert(rec)
		}
	}

	// Finalization is best effort. Everything is already stored, so a
	// failed handshake must not force a re-download: stamp the cursor
	// from the download start time instead.
	cursor, err := e.client.CompleteBulkSync(ctx)
	if err != nil {
		e.logger.Warn("bulk sync finalization failed, stamping cursor locally", "error", err)
		cursor = SyncCursor{LastSyncDate: started.UTC()}
	}
	if err := e.store.SetCursor(ctx, cursor); err != nil {
		return err
	}
	if err := e.store.SetMeta(ctx, metaKeyBulkLoaded, "1"); err != nil {
		return err
	}

	e.prices.Rebuild(e.catalog)

	e.mu.Lock()
	e.stats.RecordsSkipped += skipped
	e.mu.Unlock()

	e.logger.Info("bulk download complete",
		"products", e.catalog.Len(EntityProduct),
		"elapsed", time.Since(started),
		"cursor", cursor.String())
	return nil
}

// backupLoop periodically uploads pending order backups and applies the
// retention policy. The interval doubles as the retry delay after a
// failed upload.
func (e *SyncEngine) backupLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Backup.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		acked, err := e.orders.SyncPending(ctx, e.client)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.logger.Warn("order backup upload failed", "error", err)
			}
			continue
		}
		if len(acked) > 0 {
			e.mu.Lock()
			e.stats.BackupsDelivered += uint64(len(acked))
			e.mu.Unlock()
			e.logger.Info("order backups delivered", "count", len(acked))

			if e.archiver != nil {
				if _, err := e.archiver.ArchiveTokens(ctx, e.orders, acked); err != nil {
					e.logger.Warn("order backup archival failed", "error", err)
				}
			}
		}

		if e.config.Backup.RetentionPeriod > 0 {
			if n, err := e.orders.Prune(ctx, e.config.Backup.RetentionPeriod); err != nil {
				e.logger.Warn("order backup pruning failed", "error", err)
			} else if n > 0 {
				e.logger.Info("order backups pruned", "count", n)
			}
		}
	}
}

// notifyLoop converts change notifications into early delta cycles.
func (e *SyncEngine) notifyLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-e.notifier.Events():
			if !ok {
				return
			}
			select {
			case e.wake <- struct{}{}:
			default:
			}
		}
	}
}
