// Package storage defines the persistence port: the fixed capability set
// every marketsync backend implements. One authoritative store owns entity
// rows, version history, sync runs, queue rows, schedule entries, leader
// leases and checkpoint blobs.
package storage

import (
	"context"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

// Transaction exposes the subset of Store operations that execute within a
// single database transaction. Multi-record upserts batch through it so a
// page of accepted records commits atomically.
//
//   - All operations share one connection; changes are invisible until commit
//   - An error from the callback rolls the transaction back
//   - SQLite backends begin with BEGIN IMMEDIATE to take the write lock early
type Transaction interface {
	UpsertSupplier(ctx context.Context, s *types.Supplier, actor string) (created bool, err error)
	UpsertProduct(ctx context.Context, p *types.Product, actor string) (created bool, err error)
	AppendVersion(ctx context.Context, v *types.VersionRecord) error
	LatestVersion(ctx context.Context, entityType types.EntityType, entityID string) (*types.VersionRecord, error)
	ReplaceProductImages(ctx context.Context, productRef string, images []*types.ProductImage) error
}

// Store is the persistence port. A single concrete implementation suffices
// for production (sqlite) and tests (memory).
type Store interface {
	// Suppliers
	UpsertSupplier(ctx context.Context, s *types.Supplier, actor string) (created bool, err error)
	GetSupplierBySourceID(ctx context.Context, sourceID string) (*types.Supplier, error)
	ListSuppliers(ctx context.Context, filter types.SupplierFilter) ([]*types.Supplier, error)
	SoftDeleteSupplier(ctx context.Context, sourceID, actor, reason string) error

	// Products
	UpsertProduct(ctx context.Context, p *types.Product, actor string) (created bool, err error)
	GetProductBySourceID(ctx context.Context, sourceID string) (*types.Product, error)
	ListProducts(ctx context.Context, filter types.ProductFilter) ([]*types.Product, int, error)
	SoftDeleteProduct(ctx context.Context, sourceID, actor, reason string) error
	UpdateProductSyncStatus(ctx context.Context, sourceID string, status types.SyncStatus, at time.Time) error

	// Images
	ReplaceProductImages(ctx context.Context, productRef string, images []*types.ProductImage) error
	ListProductImages(ctx context.Context, productRef string) ([]*types.ProductImage, error)
	SetImageObject(ctx context.Context, id int64, objectKey string, size int64, width, height int) error
	SweepOrphanImages(ctx context.Context) (removed int, err error)

	// Versions
	AppendVersion(ctx context.Context, v *types.VersionRecord) error
	LatestVersion(ctx context.Context, entityType types.EntityType, entityID string) (*types.VersionRecord, error)
	ListVersions(ctx context.Context, entityType types.EntityType, entityID string) ([]*types.VersionRecord, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error
	LoadCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, taskID string) error
	PurgeCheckpointsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Sync runs
	CreateSyncRun(ctx context.Context, run *types.SyncRun) error
	GetSyncRun(ctx context.Context, taskID string) (*types.SyncRun, error)
	UpdateSyncRun(ctx context.Context, run *types.SyncRun) error
	ListSyncRuns(ctx context.Context, filter types.RunFilter) ([]*types.SyncRun, error)
	RequestCancel(ctx context.Context, taskID string) error
	CancelRequested(ctx context.Context, taskID string) (bool, error)

	// Durable queue rows
	EnqueueWork(ctx context.Context, w *types.QueuedWork) error
	LeaseWork(ctx context.Context, queues []string, workerID, leaseToken string, deadline time.Time, now time.Time) (*types.QueuedWork, error)
	ExtendLease(ctx context.Context, workID, leaseToken string, deadline time.Time) error
	AckWork(ctx context.Context, workID, leaseToken string) error
	NackWork(ctx context.Context, workID, leaseToken, reason string, notBefore time.Time, terminal bool) error
	QueueDepths(ctx context.Context) (map[string]int, error)
	ReapExpired(ctx context.Context, now time.Time) (int, error)

	// Schedules
	UpsertSchedule(ctx context.Context, s *types.Schedule) error
	ListSchedules(ctx context.Context) ([]*types.Schedule, error)
	MarkFired(ctx context.Context, name string, firedAt, nextFire time.Time) error
	DeleteSchedule(ctx context.Context, name string) error

	// Leader lease (scheduler singleton election)
	AcquireLeader(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	RenewLeader(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) error
	ReleaseLeader(ctx context.Context, name, holder string) error

	// Statistics
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// RunInTransaction executes fn atomically.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	Close() error
}
