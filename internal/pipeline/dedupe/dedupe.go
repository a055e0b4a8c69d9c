// Package dedupe groups near-duplicate records and picks a master per
// group. Stage 1 (exact source_id) is handled by upsert semantics at the
// store; this package is stage 2: fuzzy similarity over a weighted field
// composite. It never deletes — members point at their master through
// canonical_of.
package dedupe

import (
	"sort"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/types"
)

// Options carries the similarity thresholds. A record joins a group when
// its composite similarity to the group seed is at least the threshold.
type Options struct {
	ProductThreshold  float64
	SupplierThreshold float64
}

// OptionsFromConfig reads the dedupe.* keys.
func OptionsFromConfig() Options {
	return Options{
		ProductThreshold:  config.GetFloat64("dedupe.product-threshold"),
		SupplierThreshold: config.GetFloat64("dedupe.supplier-threshold"),
	}
}

// Deduper computes similarity groups.
type Deduper struct {
	opts Options
}

// New builds a Deduper, defaulting thresholds to 0.85 / 0.80.
func New(opts Options) *Deduper {
	if opts.ProductThreshold <= 0 {
		opts.ProductThreshold = 0.85
	}
	if opts.SupplierThreshold <= 0 {
		opts.SupplierThreshold = 0.80
	}
	return &Deduper{opts: opts}
}

// textSimilarity is a normalized rune-level Levenshtein ratio in [0, 1].
// Comparison is case-insensitive; two empty strings count as equal.
func textSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}

// numberSimilarity compares magnitudes: 1 when equal, falling linearly
// with relative difference. Two zeros are equal; one-sided zero is 0.
func numberSimilarity(a, b float64) float64 {
	if a == b {
		return 1
	}
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return a / b
}

// productSimilarity is the weighted composite: title 0.4, price_min 0.3,
// supplier 0.2, moq 0.1.
func productSimilarity(a, b *types.Product) float64 {
	supplier := 0.0
	if a.SupplierRef != "" && a.SupplierRef == b.SupplierRef {
		supplier = 1
	}
	return 0.4*textSimilarity(a.Title, b.Title) +
		0.3*numberSimilarity(a.PriceMin, b.PriceMin) +
		0.2*supplier +
		0.1*numberSimilarity(float64(a.MOQ), float64(b.MOQ))
}

// supplierSimilarity: name 0.4, phone 0.3, company_name 0.2, address 0.1.
func supplierSimilarity(a, b *types.Supplier) float64 {
	phone := 0.0
	if pa, pb := a.Contact["phone"], b.Contact["phone"]; pa != "" && pa == pb {
		phone = 1
	}
	addrA := a.Province + " " + a.City
	addrB := b.Province + " " + b.City
	return 0.4*textSimilarity(a.Name, b.Name) +
		0.3*phone +
		0.2*textSimilarity(a.CompanyName, b.CompanyName) +
		0.1*textSimilarity(addrA, addrB)
}

// ProductGroup is one dedup group with its chosen master.
type ProductGroup struct {
	Master  *types.Product
	Members []*types.Product // excludes the master
}

// SupplierGroup is one supplier dedup group.
type SupplierGroup struct {
	Master  *types.Supplier
	Members []*types.Supplier
}

// Products groups the batch and assigns CanonicalOf on every non-master
// member. verifiedSuppliers marks which supplier refs are verified, for
// master preference. Input order does not affect the result: records are
// processed in source_id order, so grouping is stable.
func (d *Deduper) Products(batch []*types.Product, verifiedSuppliers map[string]bool) []ProductGroup {
	sorted := make([]*types.Product, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	var groups [][]*types.Product
	for _, p := range sorted {
		placed := false
		for gi, group := range groups {
			if productSimilarity(group[0], p) >= d.opts.ProductThreshold {
				groups[gi] = append(group, p)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []*types.Product{p})
		}
	}

	out := make([]ProductGroup, 0, len(groups))
	for _, group := range groups {
		master := selectProductMaster(group, verifiedSuppliers)
		g := ProductGroup{Master: master}
		for _, p := range group {
			if p == master {
				p.CanonicalOf = ""
				continue
			}
			p.CanonicalOf = master.SourceID
			g.Members = append(g.Members, p)
		}
		out = append(out, g)
	}
	return out
}

// selectProductMaster prefers a verified supplier, then higher sales,
// then earlier created_at, then lexicographic source_id.
func selectProductMaster(group []*types.Product, verified map[string]bool) *types.Product {
	best := group[0]
	for _, p := range group[1:] {
		if productBetter(p, best, verified) {
			best = p
		}
	}
	return best
}

func productBetter(a, b *types.Product, verified map[string]bool) bool {
	av, bv := verified[a.SupplierRef], verified[b.SupplierRef]
	if av != bv {
		return av
	}
	if a.SalesCount != b.SalesCount {
		return a.SalesCount > b.SalesCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		// A zero created_at (new record) never beats a known earlier one.
		if a.CreatedAt.IsZero() {
			return false
		}
		if b.CreatedAt.IsZero() {
			return true
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.SourceID < b.SourceID
}

// Suppliers groups a supplier batch, assigning CanonicalOf on members.
// Master preference: verified, then product count, then earlier
// created_at, then lexicographic source_id.
func (d *Deduper) Suppliers(batch []*types.Supplier) []SupplierGroup {
	sorted := make([]*types.Supplier, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	var groups [][]*types.Supplier
	for _, s := range sorted {
		placed := false
		for gi, group := range groups {
			if supplierSimilarity(group[0], s) >= d.opts.SupplierThreshold {
				groups[gi] = append(group, s)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []*types.Supplier{s})
		}
	}

	out := make([]SupplierGroup, 0, len(groups))
	for _, group := range groups {
		master := group[0]
		for _, s := range group[1:] {
			if supplierBetter(s, master) {
				master = s
			}
		}
		g := SupplierGroup{Master: master}
		for _, s := range group {
			if s == master {
				s.CanonicalOf = ""
				continue
			}
			s.CanonicalOf = master.SourceID
			g.Members = append(g.Members, s)
		}
		out = append(out, g)
	}
	return out
}

func supplierBetter(a, b *types.Supplier) bool {
	if a.Verified != b.Verified {
		return a.Verified
	}
	if a.ProductCount != b.ProductCount {
		return a.ProductCount > b.ProductCount
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.IsZero() {
			return false
		}
		if b.CreatedAt.IsZero() {
			return true
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.SourceID < b.SourceID
}
