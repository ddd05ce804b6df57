// Package tillsync keeps a point-of-sale client sellable without a
// network connection.
//
// The package maintains a local, durable copy of the product catalog,
// rehydrates it into memory at startup, and reconciles it with the
// remote authority in the background. Finalized orders are written to a
// durable log before the sale completes and uploaded asynchronously.
//
// # Basic Usage
//
// Open a store and start the engine:
//
//	store, err := tillsync.NewSQLiteStore(tillsync.StoreConfig{Path: "catalog.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	client := tillsync.NewHTTPClient(tillsync.HTTPClientConfig{
//	    BaseURL: "https://pos.example.com",
//	})
//
//	engine := tillsync.NewSyncEngine(tillsync.DefaultConfig(), store, client, nil)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// Once Start returns the in-memory catalog is ready:
//
//	product, ok := engine.Catalog().Get(tillsync.EntityProduct, 42)
//	res := engine.Prices().ResolvePrice(engine.Catalog(), 42, 1, 2, time.Now())
//
// # Features
//
// Catalog:
//   - SQLite-backed local store with lazy per-entity partitions
//   - Dependency-ordered rehydration into an in-memory catalog
//   - Background delta sync with products-only downgrade path
//   - Batched full downloads with resumable cursor handling
//   - Derived price index with scope-based rule resolution
//
// Orders:
//   - Durable order backup log with snappy compression
//   - Optional AES-256-GCM encryption at rest
//   - Asynchronous upload with per-order acknowledgement
//   - Optional archival to S3-compatible object storage
//
// Connectivity:
//   - Retry with exponential backoff and a circuit breaker
//   - Optional websocket change notifications for prompt deltas
//
// # Configuration
//
// Use [Config] to customize behavior, or [DefaultConfig] for sensible
// defaults. [LoadConfig] reads a YAML file.
package tillsync
