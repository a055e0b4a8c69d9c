package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Kind names the page layouts the extractor understands.
type Kind string

const (
	KindListPage     Kind = "list_page"
	KindDetailPage   Kind = "detail_page"
	KindSupplierPage Kind = "supplier_page"
)

// RuleSet is one selector rule-set for a page kind, tagged with the
// source layout version it was written against. A rule-set matches a
// page when every fingerprint selector finds at least one node.
type RuleSet struct {
	Kind          Kind              `toml:"kind"`
	SourceVersion string            `toml:"source_version"`
	Fingerprint   []string          `toml:"fingerprint"`
	Item          string            `toml:"item"`      // list pages: the repeated element
	Selectors     map[string]string `toml:"selectors"` // field -> "css" or "css @attr"
}

type rulesFile struct {
	RuleSets []RuleSet `toml:"ruleset"`
}

// selector splits a "css @attr" spec. An empty attr means text content.
func splitSelector(spec string) (css, attr string) {
	if i := strings.LastIndex(spec, " @"); i >= 0 {
		return strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i+2:])
	}
	return strings.TrimSpace(spec), ""
}

func (r *RuleSet) validate() error {
	if r.Kind != KindListPage && r.Kind != KindDetailPage && r.Kind != KindSupplierPage {
		return fmt.Errorf("ruleset %s: unknown kind %q", r.SourceVersion, r.Kind)
	}
	if r.SourceVersion == "" {
		return fmt.Errorf("ruleset for %s: missing source_version", r.Kind)
	}
	if len(r.Fingerprint) == 0 {
		return fmt.Errorf("ruleset %s/%s: missing fingerprint selectors", r.Kind, r.SourceVersion)
	}
	if r.Kind == KindListPage && r.Item == "" {
		return fmt.Errorf("ruleset %s/%s: list_page needs an item selector", r.Kind, r.SourceVersion)
	}
	return nil
}

// loadRulesDir parses every .toml file in dir. Newer source versions sort
// first so the freshest matching layout wins.
func loadRulesDir(dir string) ([]RuleSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules dir: %w", err)
	}
	var out []RuleSet
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var f rulesFile
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("failed to parse rules file %s: %w", e.Name(), err)
		}
		for i := range f.RuleSets {
			if err := f.RuleSets[i].validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name(), err)
			}
		}
		out = append(out, f.RuleSets...)
	}
	sortRuleSets(out)
	return out, nil
}

func parseRules(text string) ([]RuleSet, error) {
	var f rulesFile
	if _, err := toml.Decode(text, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	for i := range f.RuleSets {
		if err := f.RuleSets[i].validate(); err != nil {
			return nil, err
		}
	}
	out := f.RuleSets
	sortRuleSets(out)
	return out, nil
}

func sortRuleSets(rules []RuleSet) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].SourceVersion > rules[j].SourceVersion
	})
}

// defaultRules covers the marketplace layout current at time of writing.
// The rules dir, when configured, replaces these entirely.
const defaultRules = `
[[ruleset]]
kind = "list_page"
source_version = "2024.06"
fingerprint = ["div.offer-list", "div.offer-list .offer-card"]
item = "div.offer-list .offer-card"

[ruleset.selectors]
source_id = ". @data-offer-id"
url = "a.offer-link @href"
title = "a.offer-link .title"
price = ".price"

[[ruleset]]
kind = "detail_page"
source_version = "2024.06"
fingerprint = ["div.detail-main", "h1.d-title"]

[ruleset.selectors]
source_id = "div.detail-main @data-offer-id"
title = "h1.d-title"
subtitle = "p.d-subtitle"
description = "div.d-description"
price = "div.d-price .value"
moq = "div.d-moq .value"
unit = "div.d-price .unit"
main_image = "div.d-gallery img.main @src"
detail_images = "div.d-gallery img.thumb @src"
supplier_ref = "div.d-supplier a @data-supplier-id"
sales = "div.d-sales .value"
rating = "div.d-rating .value"
category_id = "div.d-breadcrumb @data-category-id"
category_name = "div.d-breadcrumb .leaf"
spec_rows = "div.d-specs tr"
spec_key = "th"
spec_value = "td"

[[ruleset]]
kind = "supplier_page"
source_version = "2024.06"
fingerprint = ["div.company-main", "h1.company-name"]

[ruleset.selectors]
source_id = "div.company-main @data-supplier-id"
name = "h1.company-name"
company_name = "div.company-legal-name"
province = "span.addr-province"
city = "span.addr-city"
rating = "div.company-rating .value"
response_rate = "div.company-response .value"
business_type = "div.company-type"
main_products = "div.company-products span.tag"
verified = "div.company-badges .verified"
contact_phone = "div.company-contact .phone"
contact_email = "div.company-contact .email"
`
