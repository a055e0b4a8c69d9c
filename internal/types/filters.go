package types

// ProductFilter narrows product listings on the admin surface.
// Zero values mean "no constraint".
type ProductFilter struct {
	Query       string        `json:"query,omitempty"`
	CategoryID  string        `json:"category_id,omitempty"`
	SupplierRef string        `json:"supplier_ref,omitempty"`
	Status      ProductStatus `json:"status,omitempty"`
	SyncStatus  SyncStatus    `json:"sync_status,omitempty"`
	PriceMin    float64       `json:"price_min,omitempty"`
	PriceMax    float64       `json:"price_max,omitempty"`
	RatingMin   float64       `json:"rating_min,omitempty"`
	IncludeDeleted bool       `json:"include_deleted,omitempty"`
	Offset      int           `json:"offset,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}

// SupplierFilter narrows supplier listings.
type SupplierFilter struct {
	Query        string       `json:"query,omitempty"`
	Province     string       `json:"province,omitempty"`
	BusinessType BusinessType `json:"business_type,omitempty"`
	VerifiedOnly bool         `json:"verified_only,omitempty"`
	IncludeDeleted bool       `json:"include_deleted,omitempty"`
	Offset       int          `json:"offset,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// RunFilter narrows sync-run listings.
type RunFilter struct {
	Status   RunStatus `json:"status,omitempty"`
	SyncType SyncType  `json:"sync_type,omitempty"`
	Offset   int       `json:"offset,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}
