package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

const detailPage = `<html><body>
<div class="detail-main" data-offer-id="offer-123">
  <div class="d-breadcrumb" data-category-id="cat-7"><span class="leaf">Drinkware</span></div>
  <h1 class="d-title">  Stainless Steel Bottle  </h1>
  <p class="d-subtitle">500ml vacuum insulated</p>
  <div class="d-price"><span class="value">¥12.50 - ¥18.00</span><span class="unit">个</span></div>
  <div class="d-moq"><span class="value">100 个起批</span></div>
  <div class="d-sales"><span class="value">2300</span></div>
  <div class="d-rating"><span class="value">4.8</span></div>
  <div class="d-gallery">
    <img class="main" src="https://cdn.example.com/main.jpg">
    <img class="thumb" src="https://cdn.example.com/1.jpg">
    <img class="thumb" src="https://cdn.example.com/2.jpg">
  </div>
  <div class="d-supplier"><a data-supplier-id="sup-9">Acme</a></div>
  <div class="d-description">A bottle.</div>
  <div class="d-specs"><table>
    <tr><th>Material</th><td>304 steel</td></tr>
    <tr><th>Color</th><td>Silver</td></tr>
  </table></div>
</div>
</body></html>`

const supplierPage = `<html><body>
<div class="company-main" data-supplier-id="sup-9">
  <h1 class="company-name">Acme Trading</h1>
  <div class="company-legal-name">Acme Trading Co., Ltd.</div>
  <span class="addr-province">Zhejiang</span><span class="addr-city">Yiwu</span>
  <div class="company-rating"><span class="value">4.6</span></div>
  <div class="company-response"><span class="value">92%</span></div>
  <div class="company-type">manufacturer</div>
  <div class="company-products"><span class="tag">bottles</span><span class="tag">cups</span></div>
  <div class="company-badges"><span class="verified">verified</span></div>
  <div class="company-contact"><span class="phone">0579-1234567</span><span class="email">sales@acme.example</span></div>
</div>
</body></html>`

const listPage = `<html><body>
<div class="offer-list">
  <div class="offer-card" data-offer-id="offer-1">
    <a class="offer-link" href="https://www.example.com/offer/1"><span class="title">One</span></a>
    <span class="price">¥10.00</span>
  </div>
  <div class="offer-card" data-offer-id="offer-2">
    <a class="offer-link" href="https://www.example.com/offer/2"><span class="title">Two</span></a>
    <span class="price">¥20.00</span>
  </div>
</div>
</body></html>`

func defaultExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := New("", nil)
	if err != nil {
		t.Fatalf("failed to build extractor: %v", err)
	}
	return e
}

func TestExtractProduct(t *testing.T) {
	e := defaultExtractor(t)
	rec, err := e.ExtractProduct([]byte(detailPage))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if rec.SourceID != "offer-123" {
		t.Errorf("source_id = %q", rec.SourceID)
	}
	if rec.Title != "Stainless Steel Bottle" {
		t.Errorf("title = %q, want trimmed title", rec.Title)
	}
	if rec.PriceText != "¥12.50 - ¥18.00" {
		t.Errorf("price_text = %q", rec.PriceText)
	}
	if rec.SupplierRef != "sup-9" {
		t.Errorf("supplier_ref = %q", rec.SupplierRef)
	}
	if rec.MainImageURL != "https://cdn.example.com/main.jpg" {
		t.Errorf("main_image = %q", rec.MainImageURL)
	}
	if len(rec.DetailImages) != 2 {
		t.Errorf("detail_images = %v", rec.DetailImages)
	}
	if rec.Specifications["Material"] != "304 steel" {
		t.Errorf("specs = %v", rec.Specifications)
	}
	if rec.CategoryID != "cat-7" || rec.CategoryName != "Drinkware" {
		t.Errorf("category = %q/%q", rec.CategoryID, rec.CategoryName)
	}
}

func TestExtractSupplier(t *testing.T) {
	e := defaultExtractor(t)
	rec, err := e.ExtractSupplier([]byte(supplierPage))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if rec.SourceID != "sup-9" || rec.Name != "Acme Trading" {
		t.Errorf("identity = %q/%q", rec.SourceID, rec.Name)
	}
	if !rec.Verified {
		t.Error("verified badge not detected")
	}
	if rec.Contact["phone"] != "0579-1234567" {
		t.Errorf("contact = %v", rec.Contact)
	}
	if len(rec.MainProducts) != 2 {
		t.Errorf("main_products = %v", rec.MainProducts)
	}
}

func TestExtractList(t *testing.T) {
	e := defaultExtractor(t)
	rec, err := e.ExtractList([]byte(listPage))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(rec.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(rec.Items))
	}
	if rec.Items[0].SourceID != "offer-1" || rec.Items[0].URL != "https://www.example.com/offer/1" {
		t.Errorf("item[0] = %+v", rec.Items[0])
	}
}

func TestExtractUnknownLayoutReportsFingerprint(t *testing.T) {
	e := defaultExtractor(t)
	_, err := e.ExtractProduct([]byte(`<html><body><div class="totally-new-layout">x</div></body></html>`))

	var xe *types.ExtractionError
	if !errors.As(err, &xe) {
		t.Fatalf("err = %v, want ExtractionError", err)
	}
	if xe.Kind != string(KindDetailPage) {
		t.Errorf("kind = %q", xe.Kind)
	}
	if xe.Fingerprint == "" {
		t.Error("fingerprint empty")
	}

	// Same layout, same fingerprint.
	_, err2 := e.ExtractProduct([]byte(`<html><body><div class="totally-new-layout">y</div></body></html>`))
	var xe2 *types.ExtractionError
	if errors.As(err2, &xe2) && xe2.Fingerprint != xe.Fingerprint {
		t.Errorf("fingerprints differ: %q vs %q", xe.Fingerprint, xe2.Fingerprint)
	}
}

func TestRulesDirLoadAndVersionPreference(t *testing.T) {
	dir := t.TempDir()
	rules := `
[[ruleset]]
kind = "detail_page"
source_version = "2023.01"
fingerprint = ["div.old-main"]
[ruleset.selectors]
source_id = "div.old-main @data-id"
title = "h1.old-title"

[[ruleset]]
kind = "detail_page"
source_version = "2024.01"
fingerprint = ["div.new-main"]
[ruleset.selectors]
source_id = "div.new-main @data-id"
title = "h1.new-title"
`
	if err := os.WriteFile(filepath.Join(dir, "rules.toml"), []byte(rules), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	e, err := New(dir, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(e.RuleSets()) != 2 {
		t.Fatalf("rulesets = %d, want 2", len(e.RuleSets()))
	}

	// A page matching only the old layout still extracts.
	old := `<html><body><div class="old-main" data-id="a-1"><h1 class="old-title">Old</h1></div></body></html>`
	rec, err := e.ExtractProduct([]byte(old))
	if err != nil {
		t.Fatalf("old-layout extract failed: %v", err)
	}
	if rec.SourceVersion != "2023.01" || rec.Title != "Old" {
		t.Errorf("got version %q title %q", rec.SourceVersion, rec.Title)
	}
}

func TestWatchReloadsRules(t *testing.T) {
	dir := t.TempDir()
	v1 := `
[[ruleset]]
kind = "detail_page"
source_version = "1"
fingerprint = ["div.v1"]
[ruleset.selectors]
source_id = "div.v1 @data-id"
title = "h1"
`
	path := filepath.Join(dir, "rules.toml")
	if err := os.WriteFile(path, []byte(v1), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	e, err := New(dir, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := e.Watch(); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer e.Close()

	v2 := v1 + `
[[ruleset]]
kind = "detail_page"
source_version = "2"
fingerprint = ["div.v2"]
[ruleset.selectors]
source_id = "div.v2 @data-id"
title = "h1"
`
	if err := os.WriteFile(path, []byte(v2), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.RuleSets()) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("rules not reloaded, have %d rulesets", len(e.RuleSets()))
}
