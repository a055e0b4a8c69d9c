// Package marketsync provides a minimal public API for embedding the
// sync engine in other Go programs.
//
// Most integrations should go through the admin HTTP API of a running
// `msync serve` process. This package exports only the essential types
// and constructors for programs that want to drive the storage layer or
// enqueue work directly.
package marketsync

import (
	"context"

	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/storage/memory"
	"github.com/tradewind/marketsync/internal/storage/sqlite"
	"github.com/tradewind/marketsync/internal/types"
)

// Store is the persistence port: one authoritative backend for entities,
// versions, sync runs, queue rows, schedules and checkpoints.
type Store = storage.Store

// Transaction provides atomic multi-record upserts.
// Use Store.RunInTransaction() to obtain one.
type Transaction = storage.Transaction

// NewSQLiteStore opens (and if needed creates) the sqlite store at path.
func NewSQLiteStore(ctx context.Context, path string) (Store, error) {
	return sqlite.New(ctx, path)
}

// NewMemoryStore builds an in-memory store for tests and experiments.
func NewMemoryStore() Store {
	return memory.New()
}

// Core entity and run types.
type (
	Product       = types.Product
	Supplier      = types.Supplier
	ProductImage  = types.ProductImage
	VersionRecord = types.VersionRecord
	SyncRun       = types.SyncRun
	Checkpoint    = types.Checkpoint
	QueuedWork    = types.QueuedWork
	Schedule      = types.Schedule
	Statistics    = types.Statistics

	ProductFilter  = types.ProductFilter
	SupplierFilter = types.SupplierFilter
	RunFilter      = types.RunFilter
	SourceFilter   = types.SourceFilter
	Counters       = types.Counters

	ProductStatus = types.ProductStatus
	SyncStatus    = types.SyncStatus
	RunStatus     = types.RunStatus
	OperationType = types.OperationType
	SyncType      = types.SyncType
	Priority      = types.Priority
)

// Sentinel errors callers are expected to branch on.
var (
	ErrNotFound   = types.ErrNotFound
	ErrQueueEmpty = types.ErrQueueEmpty
	ErrStaleLease = types.ErrStaleLease
)
