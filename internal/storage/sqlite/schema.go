package sqlite

const schema = `
-- Suppliers table
CREATE TABLE IF NOT EXISTS suppliers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    company_name TEXT NOT NULL DEFAULT '',
    contact TEXT NOT NULL DEFAULT '{}',          -- JSON map
    province TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    rating REAL NOT NULL DEFAULT 0,
    response_rate REAL NOT NULL DEFAULT 0,
    product_count INTEGER NOT NULL DEFAULT 0,    -- derived, maintained by triggers below
    business_type TEXT NOT NULL DEFAULT '',
    main_products TEXT NOT NULL DEFAULT '[]',    -- JSON array
    verified INTEGER NOT NULL DEFAULT 0,
    verification_level TEXT NOT NULL DEFAULT '',
    canonical_of TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_sync_time DATETIME,
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_suppliers_province ON suppliers(province);
CREATE INDEX IF NOT EXISTS idx_suppliers_business_type ON suppliers(business_type);
CREATE INDEX IF NOT EXISTS idx_suppliers_deleted ON suppliers(deleted_at);

-- Products table
CREATE TABLE IF NOT EXISTS products (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL DEFAULT '' CHECK(length(title) <= 500),
    subtitle TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    price_min REAL NOT NULL DEFAULT 0,
    price_max REAL NOT NULL DEFAULT 0,
    currency TEXT NOT NULL DEFAULT 'CNY',
    moq INTEGER NOT NULL DEFAULT 0,
    price_unit TEXT NOT NULL DEFAULT '',
    main_image_url TEXT NOT NULL DEFAULT '',
    detail_images TEXT NOT NULL DEFAULT '[]',    -- JSON array, ordered
    specifications TEXT NOT NULL DEFAULT '{}',   -- JSON map
    supplier_ref TEXT NOT NULL DEFAULT '',
    sales_count INTEGER NOT NULL DEFAULT 0,
    review_count INTEGER NOT NULL DEFAULT 0,
    rating REAL NOT NULL DEFAULT 0,
    category_id TEXT NOT NULL DEFAULT '',
    category_name TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    sync_status TEXT NOT NULL DEFAULT 'pending',
    canonical_of TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_sync_time DATETIME,
    deleted_at DATETIME,
    CHECK (price_min <= price_max OR price_max = 0)
);

CREATE INDEX IF NOT EXISTS idx_products_supplier ON products(supplier_ref);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_id);
CREATE INDEX IF NOT EXISTS idx_products_status ON products(status);
CREATE INDEX IF NOT EXISTS idx_products_sync_status ON products(sync_status);
CREATE INDEX IF NOT EXISTS idx_products_deleted ON products(deleted_at);

-- product_count is derived from live product rows
CREATE TRIGGER IF NOT EXISTS trg_products_count_insert
AFTER INSERT ON products
BEGIN
    UPDATE suppliers SET product_count = (
        SELECT COUNT(*) FROM products
        WHERE supplier_ref = NEW.supplier_ref AND deleted_at IS NULL
    ) WHERE source_id = NEW.supplier_ref;
END;

CREATE TRIGGER IF NOT EXISTS trg_products_count_update
AFTER UPDATE OF supplier_ref, deleted_at ON products
BEGIN
    UPDATE suppliers SET product_count = (
        SELECT COUNT(*) FROM products
        WHERE supplier_ref = NEW.supplier_ref AND deleted_at IS NULL
    ) WHERE source_id = NEW.supplier_ref;
    UPDATE suppliers SET product_count = (
        SELECT COUNT(*) FROM products
        WHERE supplier_ref = OLD.supplier_ref AND deleted_at IS NULL
    ) WHERE source_id = OLD.supplier_ref;
END;

-- Product images table
CREATE TABLE IF NOT EXISTS product_images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    product_ref TEXT NOT NULL,
    url TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'detail',
    order_index INTEGER NOT NULL DEFAULT 0,
    alt_text TEXT NOT NULL DEFAULT '',
    object_key TEXT NOT NULL DEFAULT '',
    file_size INTEGER NOT NULL DEFAULT 0,
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (product_ref, kind, order_index)
);

CREATE INDEX IF NOT EXISTS idx_images_product ON product_images(product_ref);
-- exactly one main image per product
CREATE UNIQUE INDEX IF NOT EXISTS idx_images_one_main
    ON product_images(product_ref) WHERE kind = 'main';

-- Version history table
CREATE TABLE IF NOT EXISTS versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version_no INTEGER NOT NULL,
    change_kind TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    checksum TEXT NOT NULL,
    snapshot BLOB NOT NULL,
    diff BLOB,
    UNIQUE (entity_type, entity_id, version_no)
);

CREATE INDEX IF NOT EXISTS idx_versions_entity ON versions(entity_type, entity_id);

-- Sync run table
CREATE TABLE IF NOT EXISTS sync_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL UNIQUE,
    task_name TEXT NOT NULL,
    operation_type TEXT NOT NULL DEFAULT 'manual',
    sync_type TEXT NOT NULL DEFAULT 'product',
    status TEXT NOT NULL DEFAULT 'pending',
    progress REAL NOT NULL DEFAULT 0,
    total INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME,
    ended_at DATETIME,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error_digest TEXT NOT NULL DEFAULT '{}',     -- JSON map code -> count
    recommendations TEXT NOT NULL DEFAULT '[]',  -- JSON array
    filter TEXT NOT NULL DEFAULT '{}',           -- JSON SourceFilter
    config_snapshot BLOB,
    retry_of TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    resume_from_checkpoint INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CHECK (processed = success + failed + skipped)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON sync_runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created ON sync_runs(created_at);

-- Checkpoint blobs, dense sequence per task
CREATE TABLE IF NOT EXISTS checkpoints (
    task_id TEXT NOT NULL,
    sequence_no INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    cursor BLOB NOT NULL,
    total INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL,
    PRIMARY KEY (task_id, sequence_no)
);

-- Durable queue
CREATE TABLE IF NOT EXISTS queued_work (
    work_id TEXT PRIMARY KEY,
    task_name TEXT NOT NULL,
    args BLOB,
    queue TEXT NOT NULL DEFAULT 'default',
    priority INTEGER NOT NULL DEFAULT 5,
    status TEXT NOT NULL DEFAULT 'pending',
    attempt_no INTEGER NOT NULL DEFAULT 0,
    not_before DATETIME NOT NULL,
    enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    lease_token TEXT NOT NULL DEFAULT '',
    lease_worker TEXT NOT NULL DEFAULT '',
    lease_deadline DATETIME,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_work_dispatch
    ON queued_work(queue, status, priority DESC, not_before, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_work_deadline ON queued_work(status, lease_deadline);

-- Schedule entries
CREATE TABLE IF NOT EXISTS schedules (
    name TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    task_name TEXT NOT NULL,
    args BLOB,
    queue TEXT NOT NULL DEFAULT 'default',
    priority INTEGER NOT NULL DEFAULT 5,
    interval_ns INTEGER NOT NULL DEFAULT 0,
    jitter_ns INTEGER NOT NULL DEFAULT 0,
    cron_expr TEXT NOT NULL DEFAULT '',
    timezone TEXT NOT NULL DEFAULT '',
    at DATETIME,
    enabled INTEGER NOT NULL DEFAULT 1,
    last_fire DATETIME,
    next_fire DATETIME
);

-- Named leases (scheduler leader election)
CREATE TABLE IF NOT EXISTS leases (
    name TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at DATETIME NOT NULL
);

-- Schema version bookkeeping
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
