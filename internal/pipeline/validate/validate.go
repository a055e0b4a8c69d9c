// Package validate grades canonical records before persistence. Field
// rules run through validator/v10; cross-field rules are explicit
// closures. Issues carry a severity: an error blocks persistence,
// warnings and infos are preserved on the record's journey.
package validate

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/tradewind/marketsync/internal/types"
)

// Validator validates products and suppliers.
type Validator struct {
	v *validator.Validate
}

// New builds a Validator with the standard rule-set.
func New() *Validator {
	return &Validator{v: validator.New()}
}

// fieldRule is one single-field check expressed as a validator/v10 tag.
type fieldRule struct {
	field    string
	value    interface{}
	tag      string
	severity types.Severity
	code     string
	message  string
}

func (va *Validator) runRules(rules []fieldRule) []types.ValidationIssue {
	var issues []types.ValidationIssue
	for _, r := range rules {
		if err := va.v.Var(r.value, r.tag); err != nil {
			issues = append(issues, types.ValidationIssue{
				Field:    r.field,
				Severity: r.severity,
				Code:     r.code,
				Message:  r.message,
			})
		}
	}
	return issues
}

// Product validates a canonical product. The returned issues include all
// severities; the error is non-nil only when a blocking issue exists.
func (va *Validator) Product(p *types.Product) ([]types.ValidationIssue, error) {
	issues := va.runRules([]fieldRule{
		{"source_id", p.SourceID, "required,max=128", types.SeverityError,
			"required", "source_id is required"},
		{"title", p.Title, "required,max=500", types.SeverityError,
			"required", "title is required and at most 500 characters"},
		{"description", p.Description, "max=20000", types.SeverityWarning,
			"too_long", "description exceeds 20000 characters"},
		{"price_min", p.PriceMin, "gte=0", types.SeverityError,
			"negative", "price_min must not be negative"},
		{"price_max", p.PriceMax, "gte=0", types.SeverityError,
			"negative", "price_max must not be negative"},
		{"rating", p.Rating, "gte=0,lte=5", types.SeverityError,
			"out_of_range", "rating must be within [0, 5]"},
		{"moq", p.MOQ, "gte=0", types.SeverityError,
			"negative", "moq must not be negative"},
		{"sales_count", p.SalesCount, "gte=0", types.SeverityError,
			"negative", "sales_count must not be negative"},
	})
	if p.MainImageURL != "" {
		issues = append(issues, va.runRules([]fieldRule{
			{"main_image_url", p.MainImageURL, "url", types.SeverityWarning,
				"bad_url", "main_image_url is not a valid URL"},
		})...)
	}
	if p.Currency != "" {
		issues = append(issues, va.runRules([]fieldRule{
			{"currency", p.Currency, "oneof=CNY USD EUR", types.SeverityWarning,
				"unknown_currency", fmt.Sprintf("unknown currency %q", p.Currency)},
		})...)
	}

	// Cross-field rules.
	if p.PriceMax > 0 && p.PriceMin > p.PriceMax {
		issues = append(issues, types.ValidationIssue{
			Field: "price_min", Severity: types.SeverityError, Code: "range_inverted",
			Message: fmt.Sprintf("price_min %.2f exceeds price_max %.2f", p.PriceMin, p.PriceMax),
		})
	}
	if p.PriceMin == 0 && p.PriceMax == 0 {
		issues = append(issues, types.ValidationIssue{
			Field: "price_min", Severity: types.SeverityWarning, Code: "no_price",
			Message: "no price parsed from source",
		})
	}
	if p.SupplierRef == "" {
		issues = append(issues, types.ValidationIssue{
			Field: "supplier_ref", Severity: types.SeverityWarning, Code: "missing_ref",
			Message: "product has no supplier reference",
		})
	}
	if p.MOQ == 0 {
		issues = append(issues, types.ValidationIssue{
			Field: "moq", Severity: types.SeverityInfo, Code: "no_moq",
			Message: "no minimum order quantity parsed",
		})
	}
	if p.Status != "" && !p.Status.Valid() {
		issues = append(issues, types.ValidationIssue{
			Field: "status", Severity: types.SeverityError, Code: "bad_enum",
			Message: fmt.Sprintf("unknown status %q", p.Status),
		})
	}

	return issues, blocking(issues)
}

// Supplier validates a canonical supplier.
func (va *Validator) Supplier(s *types.Supplier) ([]types.ValidationIssue, error) {
	issues := va.runRules([]fieldRule{
		{"source_id", s.SourceID, "required,max=128", types.SeverityError,
			"required", "source_id is required"},
		{"name", s.Name, "required,max=300", types.SeverityError,
			"required", "name is required and at most 300 characters"},
		{"rating", s.Rating, "gte=0,lte=5", types.SeverityError,
			"out_of_range", "rating must be within [0, 5]"},
		{"response_rate", s.ResponseRate, "gte=0,lte=1", types.SeverityError,
			"out_of_range", "response_rate must be within [0, 1]"},
	})
	if email, ok := s.Contact["email"]; ok && email != "" {
		issues = append(issues, va.runRules([]fieldRule{
			{"contact.email", email, "email", types.SeverityWarning,
				"bad_email", "contact email is not a valid address"},
		})...)
	}
	if phone, ok := s.Contact["phone"]; ok && phone != "" {
		issues = append(issues, va.runRules([]fieldRule{
			{"contact.phone", phone, "min=5,max=20", types.SeverityWarning,
				"bad_phone", "contact phone length is implausible"},
		})...)
	}
	if s.BusinessType != "" && !s.BusinessType.Valid() {
		issues = append(issues, types.ValidationIssue{
			Field: "business_type", Severity: types.SeverityWarning, Code: "bad_enum",
			Message: fmt.Sprintf("unknown business type %q", s.BusinessType),
		})
	}
	return issues, blocking(issues)
}

// blocking returns a *types.ValidationError when any issue is an error.
func blocking(issues []types.ValidationIssue) error {
	var errs []types.ValidationIssue
	for _, i := range issues {
		if i.Severity == types.SeverityError {
			errs = append(errs, i)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &types.ValidationError{Issues: errs}
}
