// Package memory implements the storage port entirely in process memory.
// It backs unit tests and keeps the same semantics as the sqlite backend:
// soft deletes, dense versions, conditional lease claims, checksum-verified
// checkpoints.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu sync.Mutex

	suppliers map[string]*types.Supplier // by source_id
	products  map[string]*types.Product
	images    map[string][]*types.ProductImage // by product_ref
	nextImgID int64

	versions    map[string][]*types.VersionRecord // by entityType/entityID
	checkpoints map[string][]*types.Checkpoint    // by task_id
	runs        map[string]*types.SyncRun         // by task_id
	work        map[string]*types.QueuedWork      // by work_id
	schedules   map[string]*types.Schedule
	leases      map[string]lease

	nextEntityID int64
}

type lease struct {
	holder    string
	expiresAt time.Time
}

var _ storage.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		suppliers:   make(map[string]*types.Supplier),
		products:    make(map[string]*types.Product),
		images:      make(map[string][]*types.ProductImage),
		versions:    make(map[string][]*types.VersionRecord),
		checkpoints: make(map[string][]*types.Checkpoint),
		runs:        make(map[string]*types.SyncRun),
		work:        make(map[string]*types.QueuedWork),
		schedules:   make(map[string]*types.Schedule),
		leases:      make(map[string]lease),
	}
}

func (s *Store) Close() error { return nil }

func versionKey(et types.EntityType, id string) string { return string(et) + "/" + id }

// --- Suppliers ---

func (s *Store) UpsertSupplier(ctx context.Context, sup *types.Supplier, actor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertSupplierLocked(sup)
}

func (s *Store) upsertSupplierLocked(sup *types.Supplier) (bool, error) {
	now := time.Now().UTC()
	existing, ok := s.suppliers[sup.SourceID]
	cp := *sup
	cp.UpdatedAt = now
	if ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
		cp.ProductCount = existing.ProductCount
		s.suppliers[sup.SourceID] = &cp
		return false, nil
	}
	s.nextEntityID++
	cp.ID = s.nextEntityID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	s.suppliers[sup.SourceID] = &cp
	s.recountLocked(sup.SourceID)
	return true, nil
}

func (s *Store) recountLocked(supplierRef string) {
	sup, ok := s.suppliers[supplierRef]
	if !ok {
		return
	}
	n := 0
	for _, p := range s.products {
		if p.SupplierRef == supplierRef && p.DeletedAt == nil {
			n++
		}
	}
	sup.ProductCount = n
}

func (s *Store) GetSupplierBySourceID(ctx context.Context, sourceID string) (*types.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sup, ok := s.suppliers[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: supplier %s", types.ErrNotFound, sourceID)
	}
	cp := *sup
	return &cp, nil
}

func (s *Store) ListSuppliers(ctx context.Context, filter types.SupplierFilter) ([]*types.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Supplier
	for _, sup := range s.suppliers {
		if sup.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.Query != "" && !strings.Contains(sup.Name, filter.Query) &&
			!strings.Contains(sup.CompanyName, filter.Query) {
			continue
		}
		if filter.Province != "" && sup.Province != filter.Province {
			continue
		}
		if filter.BusinessType != "" && sup.BusinessType != filter.BusinessType {
			continue
		}
		if filter.VerifiedOnly && !sup.Verified {
			continue
		}
		cp := *sup
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *Store) SoftDeleteSupplier(ctx context.Context, sourceID, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sup, ok := s.suppliers[sourceID]
	if !ok || sup.DeletedAt != nil {
		return fmt.Errorf("%w: supplier %s", types.ErrNotFound, sourceID)
	}
	now := time.Now().UTC()
	sup.DeletedAt = &now
	sup.UpdatedAt = now
	return nil
}

// --- Products ---

func (s *Store) UpsertProduct(ctx context.Context, p *types.Product, actor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertProductLocked(p)
}

func (s *Store) upsertProductLocked(p *types.Product) (bool, error) {
	now := time.Now().UTC()
	cp := *p
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = types.ProductActive
	}
	if cp.SyncStatus == "" {
		cp.SyncStatus = types.SyncPending
	}
	existing, ok := s.products[p.SourceID]
	if ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
		s.products[p.SourceID] = &cp
		s.recountLocked(cp.SupplierRef)
		if existing.SupplierRef != cp.SupplierRef {
			s.recountLocked(existing.SupplierRef)
		}
		return false, nil
	}
	s.nextEntityID++
	cp.ID = s.nextEntityID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	s.products[p.SourceID] = &cp
	s.recountLocked(cp.SupplierRef)
	return true, nil
}

func (s *Store) GetProductBySourceID(ctx context.Context, sourceID string) (*types.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", types.ErrNotFound, sourceID)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProducts(ctx context.Context, filter types.ProductFilter) ([]*types.Product, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Product
	for _, p := range s.products {
		if p.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.Query != "" && !strings.Contains(p.Title, filter.Query) &&
			!strings.Contains(p.Description, filter.Query) {
			continue
		}
		if filter.CategoryID != "" && p.CategoryID != filter.CategoryID {
			continue
		}
		if filter.SupplierRef != "" && p.SupplierRef != filter.SupplierRef {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.SyncStatus != "" && p.SyncStatus != filter.SyncStatus {
			continue
		}
		if filter.PriceMin > 0 && p.PriceMax < filter.PriceMin {
			continue
		}
		if filter.PriceMax > 0 && p.PriceMin > filter.PriceMax {
			continue
		}
		if filter.RatingMin > 0 && p.Rating < filter.RatingMin {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	total := len(out)
	return paginate(out, filter.Offset, filter.Limit), total, nil
}

func (s *Store) SoftDeleteProduct(ctx context.Context, sourceID, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[sourceID]
	if !ok || p.DeletedAt != nil {
		return fmt.Errorf("%w: product %s", types.ErrNotFound, sourceID)
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	p.UpdatedAt = now
	s.recountLocked(p.SupplierRef)
	return nil
}

func (s *Store) UpdateProductSyncStatus(ctx context.Context, sourceID string, status types.SyncStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[sourceID]
	if !ok {
		return fmt.Errorf("%w: product %s", types.ErrNotFound, sourceID)
	}
	p.SyncStatus = status
	t := at.UTC()
	p.LastSyncTime = &t
	return nil
}

// --- Images ---

func (s *Store) ReplaceProductImages(ctx context.Context, productRef string, images []*types.ProductImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceImagesLocked(productRef, images)
}

func (s *Store) replaceImagesLocked(productRef string, images []*types.ProductImage) error {
	mains := 0
	seen := make(map[string]bool)
	var stored []*types.ProductImage
	for _, img := range images {
		if img.Kind == types.ImageMain {
			mains++
		}
		key := fmt.Sprintf("%s/%d", img.Kind, img.OrderIndex)
		if seen[key] {
			return fmt.Errorf("%w: image (%s, %s, %d)", types.ErrUniqueViolation,
				productRef, img.Kind, img.OrderIndex)
		}
		seen[key] = true
		cp := *img
		s.nextImgID++
		cp.ID = s.nextImgID
		cp.ProductRef = productRef
		cp.CreatedAt = time.Now().UTC()
		stored = append(stored, &cp)
	}
	if mains > 1 {
		return fmt.Errorf("%w: multiple main images for %s", types.ErrUniqueViolation, productRef)
	}
	s.images[productRef] = stored
	return nil
}

func (s *Store) ListProductImages(ctx context.Context, productRef string) ([]*types.ProductImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	imgs := s.images[productRef]
	out := make([]*types.ProductImage, len(imgs))
	for i, img := range imgs {
		cp := *img
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out, nil
}

func (s *Store) SetImageObject(ctx context.Context, id int64, objectKey string, size int64, width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, imgs := range s.images {
		for _, img := range imgs {
			if img.ID == id {
				img.ObjectKey = objectKey
				img.FileSize = size
				img.Width = width
				img.Height = height
				return nil
			}
		}
	}
	return fmt.Errorf("%w: image %d", types.ErrNotFound, id)
}

func (s *Store) SweepOrphanImages(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for ref, imgs := range s.images {
		p, ok := s.products[ref]
		if !ok || p.DeletedAt != nil {
			removed += len(imgs)
			delete(s.images, ref)
			continue
		}
		var kept []*types.ProductImage
		for _, img := range imgs {
			live := false
			if img.Kind == types.ImageMain {
				live = img.URL == p.MainImageURL
			} else {
				for _, u := range p.DetailImages {
					if u == img.URL {
						live = true
						break
					}
				}
			}
			if live {
				kept = append(kept, img)
			} else {
				removed++
			}
		}
		s.images[ref] = kept
	}
	return removed, nil
}

// --- Versions ---

func (s *Store) AppendVersion(ctx context.Context, v *types.VersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendVersionLocked(v)
}

func (s *Store) appendVersionLocked(v *types.VersionRecord) error {
	key := versionKey(v.EntityType, v.EntityID)
	existing := s.versions[key]
	v.VersionNo = len(existing) + 1
	if v.VersionNo == 1 && v.ChangeKind == types.ChangeUpdate {
		v.ChangeKind = types.ChangeCreate
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	cp := *v
	s.versions[key] = append(existing, &cp)
	return nil
}

func (s *Store) LatestVersion(ctx context.Context, et types.EntityType, id string) (*types.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestVersionLocked(et, id)
}

func (s *Store) latestVersionLocked(et types.EntityType, id string) (*types.VersionRecord, error) {
	vs := s.versions[versionKey(et, id)]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: version (%s, %s)", types.ErrNotFound, et, id)
	}
	cp := *vs[len(vs)-1]
	return &cp, nil
}

func (s *Store) ListVersions(ctx context.Context, et types.EntityType, id string) ([]*types.VersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[versionKey(et, id)]
	out := make([]*types.VersionRecord, len(vs))
	for i, v := range vs {
		cp := *v
		out[i] = &cp
	}
	return out, nil
}

// --- Checkpoints ---

func checkpointChecksum(cursor []byte, c types.Counters) string {
	h := sha256.New()
	h.Write(cursor)
	fmt.Fprintf(h, "|%d|%d|%d|%d", c.Total, c.Success, c.Failed, c.Skipped)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.SequenceNo = len(s.checkpoints[cp.TaskID]) + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Checksum = checkpointChecksum(cp.Cursor, cp.Counters)
	c := *cp
	s.checkpoints[cp.TaskID] = append(s.checkpoints[cp.TaskID], &c)
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.checkpoints[taskID]
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: checkpoint for %s", types.ErrNotFound, taskID)
	}
	cp := *cps[len(cps)-1]
	if checkpointChecksum(cp.Cursor, cp.Counters) != cp.Checksum {
		return nil, fmt.Errorf("%w: task %s seq %d", types.ErrCheckpointCorrupt, taskID, cp.SequenceNo)
	}
	return &cp, nil
}

func (s *Store) DeleteCheckpoints(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, taskID)
	return nil
}

func (s *Store) PurgeCheckpointsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for taskID, cps := range s.checkpoints {
		var kept []*types.Checkpoint
		for _, cp := range cps {
			if cp.CreatedAt.Before(cutoff) {
				purged++
			} else {
				kept = append(kept, cp)
			}
		}
		if len(kept) == 0 {
			delete(s.checkpoints, taskID)
		} else {
			s.checkpoints[taskID] = kept
		}
	}
	return purged, nil
}

// --- Sync runs ---

func (s *Store) CreateSyncRun(ctx context.Context, run *types.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.TaskID]; ok {
		return fmt.Errorf("%w: sync run %s", types.ErrUniqueViolation, run.TaskID)
	}
	if run.Status == "" {
		run.Status = types.RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	s.nextEntityID++
	cp.ID = s.nextEntityID
	s.runs[run.TaskID] = &cp
	return nil
}

func (s *Store) GetSyncRun(ctx context.Context, taskID string) (*types.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: sync run %s", types.ErrNotFound, taskID)
	}
	cp := *run
	return &cp, nil
}

func (s *Store) UpdateSyncRun(ctx context.Context, run *types.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.TaskID]
	if !ok {
		return fmt.Errorf("%w: sync run %s", types.ErrNotFound, run.TaskID)
	}
	if current.Status != run.Status && !current.Status.CanTransition(run.Status) {
		return fmt.Errorf("%w: sync run %s cannot move %s -> %s",
			types.ErrBadRequest, run.TaskID, current.Status, run.Status)
	}
	cp := *run
	cp.ID = current.ID
	cp.CancelRequested = current.CancelRequested
	s.runs[run.TaskID] = &cp
	return nil
}

func (s *Store) ListSyncRuns(ctx context.Context, filter types.RunFilter) ([]*types.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.SyncRun
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.SyncType != "" && run.SyncType != filter.SyncType {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok || (run.Status != types.RunPending && run.Status != types.RunRunning) {
		return fmt.Errorf("%w: active sync run %s", types.ErrNotFound, taskID)
	}
	run.CancelRequested = true
	return nil
}

func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok {
		return false, fmt.Errorf("%w: sync run %s", types.ErrNotFound, taskID)
	}
	return run.CancelRequested, nil
}

// --- Queue ---

func (s *Store) EnqueueWork(ctx context.Context, w *types.QueuedWork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.work[w.WorkID]; ok {
		return fmt.Errorf("%w: work %s", types.ErrUniqueViolation, w.WorkID)
	}
	now := time.Now().UTC()
	cp := *w
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = now
	}
	if cp.NotBefore.IsZero() {
		cp.NotBefore = cp.EnqueuedAt
	}
	if cp.Status == "" {
		cp.Status = types.WorkPending
	}
	s.work[w.WorkID] = &cp
	return nil
}

func (s *Store) LeaseWork(ctx context.Context, queues []string, workerID, leaseToken string, deadline time.Time, now time.Time) (*types.QueuedWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inSet := make(map[string]bool, len(queues))
	for _, q := range queues {
		inSet[q] = true
	}
	var best *types.QueuedWork
	for _, w := range s.work {
		if w.Status != types.WorkPending || !inSet[w.Queue] || w.NotBefore.After(now) {
			continue
		}
		if best == nil || workLess(w, best) {
			best = w
		}
	}
	if best == nil {
		return nil, types.ErrQueueEmpty
	}
	best.Status = types.WorkLeased
	best.LeaseToken = leaseToken
	best.LeaseWorker = workerID
	d := deadline.UTC()
	best.LeaseDeadline = &d
	best.AttemptNo++
	cp := *best
	return &cp, nil
}

// workLess orders by priority DESC, not_before, enqueued_at.
func workLess(a, b *types.QueuedWork) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (s *Store) ExtendLease(ctx context.Context, workID, leaseToken string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.work[workID]
	if !ok || w.Status != types.WorkLeased || w.LeaseToken != leaseToken {
		return fmt.Errorf("%w: work %s", types.ErrStaleLease, workID)
	}
	d := deadline.UTC()
	w.LeaseDeadline = &d
	return nil
}

func (s *Store) AckWork(ctx context.Context, workID, leaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.work[workID]
	if !ok || w.Status != types.WorkLeased || w.LeaseToken != leaseToken {
		return fmt.Errorf("%w: work %s", types.ErrStaleLease, workID)
	}
	delete(s.work, workID)
	return nil
}

func (s *Store) NackWork(ctx context.Context, workID, leaseToken, reason string, notBefore time.Time, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.work[workID]
	if !ok || w.Status != types.WorkLeased || w.LeaseToken != leaseToken {
		return fmt.Errorf("%w: work %s", types.ErrStaleLease, workID)
	}
	if terminal {
		w.Status = types.WorkFailed
	} else {
		w.Status = types.WorkPending
	}
	w.LeaseToken = ""
	w.LeaseWorker = ""
	w.LeaseDeadline = nil
	w.NotBefore = notBefore.UTC()
	w.LastError = reason
	return nil
}

func (s *Store) QueueDepths(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depths := make(map[string]int)
	for _, w := range s.work {
		if w.Status == types.WorkPending || w.Status == types.WorkLeased {
			depths[w.Queue]++
		}
	}
	return depths, nil
}

func (s *Store) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.work {
		if w.Status == types.WorkLeased && w.LeaseDeadline != nil && w.LeaseDeadline.Before(now) {
			w.Status = types.WorkPending
			w.LeaseToken = ""
			w.LeaseWorker = ""
			w.LeaseDeadline = nil
			n++
		}
	}
	return n, nil
}

// --- Schedules & leases ---

func (s *Store) UpsertSchedule(ctx context.Context, sch *types.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sch
	if prev, ok := s.schedules[sch.Name]; ok {
		cp.LastFire = prev.LastFire
	}
	s.schedules[sch.Name] = &cp
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*types.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Schedule
	for _, sch := range s.schedules {
		cp := *sch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) MarkFired(ctx context.Context, name string, firedAt, nextFire time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("%w: schedule %s", types.ErrNotFound, name)
	}
	if sch.LastFire != nil && !sch.LastFire.Before(firedAt) {
		return fmt.Errorf("%w: schedule %s (non-monotonic fire)", types.ErrNotFound, name)
	}
	f, n := firedAt.UTC(), nextFire.UTC()
	sch.LastFire = &f
	sch.NextFire = &n
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[name]; !ok {
		return fmt.Errorf("%w: schedule %s", types.ErrNotFound, name)
	}
	delete(s.schedules, name)
	return nil
}

func (s *Store) AcquireLeader(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if ok && l.holder != holder && l.expiresAt.After(now) {
		return false, nil
	}
	s.leases[name] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) RenewLeader(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if !ok || l.holder != holder {
		return fmt.Errorf("%w: lease %s", types.ErrNotLeader, name)
	}
	s.leases[name] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) ReleaseLeader(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.holder == holder {
		delete(s.leases, name)
	}
	return nil
}

// --- Statistics ---

func (s *Store) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &types.Statistics{
		ProductsByStatus: make(map[string]int),
		SyncRunsByStatus: make(map[string]int),
		QueueDepths:      make(map[string]int),
	}
	for _, p := range s.products {
		if p.DeletedAt != nil {
			continue
		}
		stats.Products++
		stats.ProductsByStatus[string(p.Status)]++
	}
	for _, sup := range s.suppliers {
		if sup.DeletedAt == nil {
			stats.Suppliers++
		}
	}
	for _, imgs := range s.images {
		stats.Images += len(imgs)
	}
	for _, vs := range s.versions {
		stats.Versions += len(vs)
	}
	for _, run := range s.runs {
		stats.SyncRunsByStatus[string(run.Status)]++
		if run.Status == types.RunCompleted && run.EndedAt != nil {
			if stats.LastCompletedRun == nil || run.EndedAt.After(*stats.LastCompletedRun) {
				stats.LastCompletedRun = run.EndedAt
			}
		}
	}
	for _, w := range s.work {
		if w.Status == types.WorkPending || w.Status == types.WorkLeased {
			stats.QueueDepths[w.Queue]++
		}
	}
	return stats, nil
}

// --- Transactions ---

// memTx serves Transaction against the already-locked store. The memory
// backend is not atomic across operations; tests only need sequencing.
type memTx struct{ s *Store }

func (t *memTx) UpsertSupplier(ctx context.Context, sup *types.Supplier, actor string) (bool, error) {
	return t.s.upsertSupplierLocked(sup)
}

func (t *memTx) UpsertProduct(ctx context.Context, p *types.Product, actor string) (bool, error) {
	return t.s.upsertProductLocked(p)
}

func (t *memTx) AppendVersion(ctx context.Context, v *types.VersionRecord) error {
	return t.s.appendVersionLocked(v)
}

func (t *memTx) LatestVersion(ctx context.Context, et types.EntityType, id string) (*types.VersionRecord, error) {
	return t.s.latestVersionLocked(et, id)
}

func (t *memTx) ReplaceProductImages(ctx context.Context, productRef string, images []*types.ProductImage) error {
	return t.s.replaceImagesLocked(productRef, images)
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s})
}

func paginate[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
