package syncer

import (
	"github.com/tradewind/marketsync/internal/worker"
)

// RegisterAll wires every sync, crawl, image, batch and maintenance
// handler into the registry under its symbolic task name.
func (c *Coordinator) RegisterAll(reg *worker.Registry) {
	reg.Register("crawl.fetch_products", c.crawlFetchProducts)
	reg.Register("crawl.fetch_product_details", c.crawlFetchProductDetails)
	reg.Register("crawl.fetch_suppliers", c.crawlFetchSuppliers)
	reg.Register("crawl.sync_category", c.crawlSyncCategory)

	reg.Register("image.download", c.imageDownload)
	reg.Register("image.resize", c.imageResize)
	reg.Register("image.optimize", c.imageOptimize)
	reg.Register("image.thumbnail", c.imageThumbnail)
	reg.Register("image.cleanup_orphans", c.imageCleanupOrphans)

	reg.Register("sync.products", c.syncProducts)
	reg.Register("sync.suppliers", c.syncSuppliers)
	reg.Register("sync.validate", c.syncValidate)
	reg.Register("sync.cleanup_duplicates", c.syncCleanupDuplicates)

	reg.Register("health.check", c.healthCheck)

	reg.Register("batch.import", c.batchImport)
	reg.Register("batch.export", c.batchExport)
	reg.Register("batch.update", c.batchUpdate)
	reg.Register("batch.delete", c.batchDelete)
}
