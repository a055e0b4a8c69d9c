// Package types defines the canonical data model shared by every marketsync
// component: entities synchronized from the source marketplace, version and
// checkpoint records, sync runs, and queued work items.
package types

import (
	"time"
)

// BusinessType classifies a supplier's business registration.
type BusinessType string

const (
	BusinessManufacturer BusinessType = "manufacturer"
	BusinessTrader       BusinessType = "trader"
	BusinessIndividual   BusinessType = "individual"
)

// Valid reports whether bt is a known business type.
func (bt BusinessType) Valid() bool {
	switch bt {
	case BusinessManufacturer, BusinessTrader, BusinessIndividual:
		return true
	}
	return false
}

// ProductStatus is the lifecycle status of a product on the source site.
type ProductStatus string

const (
	ProductActive       ProductStatus = "active"
	ProductInactive     ProductStatus = "inactive"
	ProductDiscontinued ProductStatus = "discontinued"
)

func (s ProductStatus) Valid() bool {
	switch s {
	case ProductActive, ProductInactive, ProductDiscontinued:
		return true
	}
	return false
}

// SyncStatus tracks the synchronization state of a single entity row.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSyncing, SyncCompleted, SyncFailed:
		return true
	}
	return false
}

// Supplier is the canonical supplier entity, upserted by SourceID.
// ProductCount is derived from product rows and never authored directly.
type Supplier struct {
	ID                int64             `json:"id"`
	SourceID          string            `json:"source_id"`
	Name              string            `json:"name"`
	CompanyName       string            `json:"company_name,omitempty"`
	Contact           map[string]string `json:"contact,omitempty"`
	Province          string            `json:"province,omitempty"`
	City              string            `json:"city,omitempty"`
	Rating            float64           `json:"rating,omitempty"`
	ResponseRate      float64           `json:"response_rate,omitempty"`
	ProductCount      int               `json:"product_count,omitempty"`
	BusinessType      BusinessType      `json:"business_type,omitempty"`
	MainProducts      []string          `json:"main_products,omitempty"`
	Verified          bool              `json:"verified"`
	VerificationLevel string            `json:"verification_level,omitempty"`
	CanonicalOf       string            `json:"canonical_of,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	LastSyncTime      *time.Time        `json:"last_sync_time,omitempty"`
	DeletedAt         *time.Time        `json:"deleted_at,omitempty"`
}

// Product is the canonical product entity, upserted by SourceID.
type Product struct {
	ID             int64             `json:"id"`
	SourceID       string            `json:"source_id"`
	Title          string            `json:"title"`
	Subtitle       string            `json:"subtitle,omitempty"`
	Description    string            `json:"description,omitempty"`
	PriceMin       float64           `json:"price_min,omitempty"`
	PriceMax       float64           `json:"price_max,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	MOQ            int               `json:"moq,omitempty"`
	PriceUnit      string            `json:"price_unit,omitempty"`
	MainImageURL   string            `json:"main_image_url,omitempty"`
	DetailImages   []string          `json:"detail_images,omitempty"`
	Specifications map[string]string `json:"specifications,omitempty"`
	SupplierRef    string            `json:"supplier_ref,omitempty"`
	SalesCount     int               `json:"sales_count,omitempty"`
	ReviewCount    int               `json:"review_count,omitempty"`
	Rating         float64           `json:"rating,omitempty"`
	CategoryID     string            `json:"category_id,omitempty"`
	CategoryName   string            `json:"category_name,omitempty"`
	Status         ProductStatus     `json:"status"`
	SyncStatus     SyncStatus        `json:"sync_status"`
	CanonicalOf    string            `json:"canonical_of,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastSyncTime   *time.Time        `json:"last_sync_time,omitempty"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// ImageKind distinguishes product image roles. Exactly one main image
// exists per product; order is unique per (product, kind).
type ImageKind string

const (
	ImageMain      ImageKind = "main"
	ImageDetail    ImageKind = "detail"
	ImageThumbnail ImageKind = "thumbnail"
)

func (k ImageKind) Valid() bool {
	switch k {
	case ImageMain, ImageDetail, ImageThumbnail:
		return true
	}
	return false
}

// ProductImage references a stored image object for a product.
// ObjectKey is the content-addressed key in the image store; empty until
// the image.download task has fetched the blob.
type ProductImage struct {
	ID         int64     `json:"id"`
	ProductRef string    `json:"product_ref"`
	URL        string    `json:"url"`
	Kind       ImageKind `json:"kind"`
	OrderIndex int       `json:"order_index"`
	AltText    string    `json:"alt_text,omitempty"`
	ObjectKey  string    `json:"object_key,omitempty"`
	FileSize   int64     `json:"file_size,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChangeKind is the kind of change a VersionRecord captures.
type ChangeKind string

const (
	ChangeCreate  ChangeKind = "create"
	ChangeUpdate  ChangeKind = "update"
	ChangeDelete  ChangeKind = "delete"
	ChangeRestore ChangeKind = "restore"
)

// EntityType names a versioned entity class.
type EntityType string

const (
	EntityProduct  EntityType = "product"
	EntitySupplier EntityType = "supplier"
)

// VersionRecord is an immutable historical snapshot of an entity state.
// Version numbers are dense and monotonic per (EntityType, EntityID);
// a create is always version 1 and carries no diff.
type VersionRecord struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	VersionNo  int        `json:"version_no"`
	ChangeKind ChangeKind `json:"change_kind"`
	Author     string     `json:"author"`
	CreatedAt  time.Time  `json:"created_at"`
	Checksum   string     `json:"checksum"`
	Snapshot   []byte     `json:"snapshot"`
	Diff       []byte     `json:"diff,omitempty"`
}

// OperationType is how a sync run was initiated.
type OperationType string

const (
	OpFull        OperationType = "full"
	OpIncremental OperationType = "incremental"
	OpManual      OperationType = "manual"
	OpScheduled   OperationType = "scheduled"
)

// SyncType selects which entity classes a run synchronizes.
type SyncType string

const (
	SyncProducts  SyncType = "product"
	SyncSuppliers SyncType = "supplier"
	SyncImages    SyncType = "image"
	SyncAll       SyncType = "all"
)

// RunStatus is the lifecycle state of a SyncRun. Transitions are
// pending → running → {completed, failed, cancelled}; reverse transitions
// are disallowed and retry always creates a new run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// CanTransition reports whether s may move to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunCancelled
	case RunRunning:
		return next == RunCompleted || next == RunFailed || next == RunCancelled
	}
	return false
}

// Counters aggregates record outcomes for a run. Processed is always
// Success + Failed + Skipped.
type Counters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Add accumulates outcome counts and keeps Processed consistent.
func (c *Counters) Add(success, failed, skipped int) {
	c.Success += success
	c.Failed += failed
	c.Skipped += skipped
	c.Processed = c.Success + c.Failed + c.Skipped
}

// Merge folds other into c.
func (c *Counters) Merge(other Counters) {
	c.Total += other.Total
	c.Add(other.Success, other.Failed, other.Skipped)
}

// SourceFilter narrows which source records a run covers.
type SourceFilter struct {
	Category string     `json:"category,omitempty"`
	Keyword  string     `json:"keyword,omitempty"`
	Since    *time.Time `json:"since,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// SyncRun is one operator-visible execution of a sync pipeline.
type SyncRun struct {
	ID              int64          `json:"id"`
	TaskID          string         `json:"task_id"`
	TaskName        string         `json:"task_name"`
	OperationType   OperationType  `json:"operation_type"`
	SyncType        SyncType       `json:"sync_type"`
	Status          RunStatus      `json:"status"`
	Progress        float64        `json:"progress"`
	Counters        Counters       `json:"counters"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationMS      int64          `json:"duration_ms,omitempty"`
	ErrorDigest     map[string]int `json:"error_digest,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Filter          SourceFilter   `json:"filter"`
	ConfigSnapshot  []byte         `json:"config_snapshot,omitempty"`
	RetryOf         string         `json:"retry_of,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	ResumeCheckpoint bool          `json:"resume_from_checkpoint,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Checkpoint is a durable opaque cursor plus counters permitting a task
// to resume after a crash. Sequence numbers are dense per task.
type Checkpoint struct {
	TaskID     string    `json:"task_id"`
	SequenceNo int       `json:"sequence_no"`
	CreatedAt  time.Time `json:"created_at"`
	Cursor     []byte    `json:"cursor"`
	Counters   Counters  `json:"counters"`
	Checksum   string    `json:"checksum"`
}

// Priority orders work within a queue. Higher values dispatch first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 8
	PriorityUrgent Priority = 10
)

// Well-known queue names. A worker pool may bind to any non-empty subset.
const (
	QueueDefault  = "default"
	QueueCrawler  = "crawler"
	QueueImage    = "image"
	QueueDataSync = "data_sync"
	QueueBatch    = "batch"
)

// AllQueues lists every named queue in dispatch order for status output.
func AllQueues() []string {
	return []string{QueueDefault, QueueCrawler, QueueImage, QueueDataSync, QueueBatch}
}

// WorkStatus is the queue-level state of a work item.
type WorkStatus string

const (
	WorkPending WorkStatus = "pending"
	WorkLeased  WorkStatus = "leased"
	WorkDone    WorkStatus = "done"
	WorkFailed  WorkStatus = "failed"
)

// QueuedWork is one unit of work in the durable queue. At most one live
// lease exists per work item; AttemptNo only grows.
type QueuedWork struct {
	WorkID        string     `json:"work_id"`
	TaskName      string     `json:"task_name"`
	Args          []byte     `json:"args"`
	Queue         string     `json:"queue"`
	Priority      Priority   `json:"priority"`
	Status        WorkStatus `json:"status"`
	AttemptNo     int        `json:"attempt_no"`
	NotBefore     time.Time  `json:"not_before"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	LeaseToken    string     `json:"lease_token,omitempty"`
	LeaseWorker   string     `json:"lease_worker,omitempty"`
	LeaseDeadline *time.Time `json:"lease_deadline,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// ScheduleKind selects how a schedule entry computes its next fire.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleDelayed  ScheduleKind = "delayed"
)

// Schedule is a named trigger that enqueues work when it fires.
// Fire times are monotonic per name.
type Schedule struct {
	Name       string       `json:"name"`
	Kind       ScheduleKind `json:"kind"`
	TaskName   string       `json:"task_name"`
	Args       []byte       `json:"args,omitempty"`
	Queue      string       `json:"queue"`
	Priority   Priority     `json:"priority"`
	Interval   time.Duration `json:"interval,omitempty"`
	Jitter     time.Duration `json:"jitter,omitempty"`
	CronExpr   string       `json:"cron_expr,omitempty"`
	Timezone   string       `json:"timezone,omitempty"`
	At         *time.Time   `json:"at,omitempty"`
	Enabled    bool         `json:"enabled"`
	LastFire   *time.Time   `json:"last_fire,omitempty"`
	NextFire   *time.Time   `json:"next_fire,omitempty"`
}

// Statistics summarizes the store for dashboards and `msync status`.
type Statistics struct {
	Products          int            `json:"products"`
	ProductsByStatus  map[string]int `json:"products_by_status"`
	Suppliers         int            `json:"suppliers"`
	Images            int            `json:"images"`
	Versions          int            `json:"versions"`
	SyncRunsByStatus  map[string]int `json:"sync_runs_by_status"`
	QueueDepths       map[string]int `json:"queue_depths"`
	LastCompletedRun  *time.Time     `json:"last_completed_run,omitempty"`
}
