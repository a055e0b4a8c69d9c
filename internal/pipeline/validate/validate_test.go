package validate

import (
	"errors"
	"testing"

	"github.com/tradewind/marketsync/internal/types"
)

func validProduct() *types.Product {
	return &types.Product{
		SourceID:    "p-1",
		Title:       "Bottle",
		PriceMin:    10,
		PriceMax:    20,
		Currency:    "CNY",
		MOQ:         100,
		SupplierRef: "s-1",
		Rating:      4.5,
		Status:      types.ProductActive,
	}
}

func hasIssue(issues []types.ValidationIssue, field, code string) bool {
	for _, i := range issues {
		if i.Field == field && i.Code == code {
			return true
		}
	}
	return false
}

func TestValidProductPasses(t *testing.T) {
	va := New()
	issues, err := va.Product(validProduct())
	if err != nil {
		t.Fatalf("valid product blocked: %v (issues %v)", err, issues)
	}
	for _, i := range issues {
		if i.Severity == types.SeverityError {
			t.Errorf("unexpected error issue: %+v", i)
		}
	}
}

func TestMissingTitleBlocks(t *testing.T) {
	va := New()
	p := validProduct()
	p.Title = ""
	issues, err := va.Product(p)

	var ve *types.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if !hasIssue(issues, "title", "required") {
		t.Errorf("missing title issue, got %v", issues)
	}
}

func TestInvertedPriceRangeBlocks(t *testing.T) {
	va := New()
	p := validProduct()
	p.PriceMin, p.PriceMax = 30, 20
	issues, err := va.Product(p)
	if err == nil {
		t.Fatal("inverted range not blocked")
	}
	if !hasIssue(issues, "price_min", "range_inverted") {
		t.Errorf("missing range_inverted, got %v", issues)
	}
}

func TestWarningsDoNotBlock(t *testing.T) {
	va := New()
	p := validProduct()
	p.SupplierRef = ""
	p.PriceMin, p.PriceMax = 0, 0
	p.MOQ = 0
	issues, err := va.Product(p)
	if err != nil {
		t.Fatalf("warnings blocked persistence: %v", err)
	}
	if !hasIssue(issues, "supplier_ref", "missing_ref") {
		t.Error("missing_ref warning absent")
	}
	if !hasIssue(issues, "price_min", "no_price") {
		t.Error("no_price warning absent")
	}
	if !hasIssue(issues, "moq", "no_moq") {
		t.Error("no_moq info absent")
	}
}

func TestRatingRange(t *testing.T) {
	va := New()
	p := validProduct()
	p.Rating = 7.2
	if _, err := va.Product(p); err == nil {
		t.Error("rating 7.2 not blocked")
	}
}

func TestSupplierValidation(t *testing.T) {
	va := New()
	s := &types.Supplier{
		SourceID:     "s-1",
		Name:         "Acme",
		Rating:       4.6,
		ResponseRate: 0.92,
		Contact:      map[string]string{"email": "sales@acme.example", "phone": "05791234567"},
	}
	if _, err := va.Supplier(s); err != nil {
		t.Fatalf("valid supplier blocked: %v", err)
	}

	s.Name = ""
	if _, err := va.Supplier(s); err == nil {
		t.Error("nameless supplier not blocked")
	}

	s.Name = "Acme"
	s.ResponseRate = 92 // percent not normalized upstream
	if _, err := va.Supplier(s); err == nil {
		t.Error("response_rate 92 not blocked")
	}
}

func TestBadEmailWarnsOnly(t *testing.T) {
	va := New()
	s := &types.Supplier{
		SourceID: "s-1", Name: "Acme",
		Contact: map[string]string{"email": "not-an-email"},
	}
	issues, err := va.Supplier(s)
	if err != nil {
		t.Fatalf("bad email blocked: %v", err)
	}
	if !hasIssue(issues, "contact.email", "bad_email") {
		t.Errorf("bad_email warning absent, got %v", issues)
	}
}
