// Package extract maps raw fetched pages onto raw records using CSS
// selector rule-sets. Rule-sets live in TOML files tagged with the source
// layout version they were written for; when no rule-set matches a page,
// extraction fails with the observed layout fingerprint so rules can be
// updated offline. No network I/O happens here.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/types"
)

// ListItem is one entry on a listing page.
type ListItem struct {
	SourceID  string `json:"source_id"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	PriceText string `json:"price_text,omitempty"`
}

// ListRecord is the extraction result of a list page.
type ListRecord struct {
	Items         []ListItem `json:"items"`
	NextPageURL   string     `json:"next_page_url,omitempty"`
	SourceVersion string     `json:"source_version"`
}

// ProductRecord carries the raw string fields of a detail page. The
// cleaner turns it into a canonical types.Product.
type ProductRecord struct {
	SourceID       string            `json:"source_id"`
	Title          string            `json:"title"`
	Subtitle       string            `json:"subtitle,omitempty"`
	Description    string            `json:"description,omitempty"`
	PriceText      string            `json:"price_text,omitempty"`
	MOQText        string            `json:"moq_text,omitempty"`
	UnitText       string            `json:"unit_text,omitempty"`
	MainImageURL   string            `json:"main_image_url,omitempty"`
	DetailImages   []string          `json:"detail_images,omitempty"`
	Specifications map[string]string `json:"specifications,omitempty"`
	SupplierRef    string            `json:"supplier_ref,omitempty"`
	SalesText      string            `json:"sales_text,omitempty"`
	RatingText     string            `json:"rating_text,omitempty"`
	CategoryID     string            `json:"category_id,omitempty"`
	CategoryName   string            `json:"category_name,omitempty"`
	SourceVersion  string            `json:"source_version"`
}

// SupplierRecord carries the raw string fields of a supplier page.
type SupplierRecord struct {
	SourceID         string            `json:"source_id"`
	Name             string            `json:"name"`
	CompanyName      string            `json:"company_name,omitempty"`
	Contact          map[string]string `json:"contact,omitempty"`
	Province         string            `json:"province,omitempty"`
	City             string            `json:"city,omitempty"`
	RatingText       string            `json:"rating_text,omitempty"`
	ResponseRateText string            `json:"response_rate_text,omitempty"`
	BusinessTypeText string            `json:"business_type_text,omitempty"`
	MainProducts     []string          `json:"main_products,omitempty"`
	Verified         bool              `json:"verified"`
	SourceVersion    string            `json:"source_version"`
}

// Extractor holds the loaded rule-sets. Safe for concurrent use; a
// watcher goroutine may swap the rules under the lock on file changes.
type Extractor struct {
	logger *zap.Logger

	mu    sync.RWMutex
	rules []RuleSet
	dir   string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads rule-sets from dir, or the built-in defaults when dir is
// empty.
func New(dir string, logger *zap.Logger) (*Extractor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{logger: logger, dir: dir}
	if dir == "" {
		rules, err := parseRules(defaultRules)
		if err != nil {
			return nil, err
		}
		e.rules = rules
		return e, nil
	}
	rules, err := loadRulesDir(dir)
	if err != nil {
		return nil, err
	}
	e.rules = rules
	return e, nil
}

// Watch reloads the rules dir on file changes until Close. No-op when
// running on the built-in defaults.
func (e *Extractor) Watch() error {
	if e.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	if err := w.Add(e.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch rules dir: %w", err)
	}
	e.watcher = w
	e.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				rules, err := loadRulesDir(e.dir)
				if err != nil {
					e.logger.Warn("rules reload failed, keeping previous rules",
						zap.String("event", ev.String()), zap.Error(err))
					continue
				}
				e.mu.Lock()
				e.rules = rules
				e.mu.Unlock()
				e.logger.Info("extraction rules reloaded",
					zap.Int("rulesets", len(rules)))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.logger.Warn("rules watcher error", zap.Error(err))
			case <-e.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (e *Extractor) Close() error {
	if e.watcher != nil {
		close(e.done)
		return e.watcher.Close()
	}
	return nil
}

// RuleSets returns the currently loaded rule-sets.
func (e *Extractor) RuleSets() []RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]RuleSet, len(e.rules))
	copy(out, e.rules)
	return out
}

// match finds the newest rule-set of the kind whose fingerprint selectors
// all hit the document.
func (e *Extractor) match(doc *goquery.Document, kind Kind) *RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range e.rules {
		r := &e.rules[i]
		if r.Kind != kind {
			continue
		}
		ok := true
		for _, sel := range r.Fingerprint {
			if doc.Find(sel).Length() == 0 {
				ok = false
				break
			}
		}
		if ok {
			return r
		}
	}
	return nil
}

// pageFingerprint is a short stable hash of the page's structural shape,
// reported when no rule-set matches.
func pageFingerprint(doc *goquery.Document) string {
	var sig strings.Builder
	doc.Find("body *").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if i >= 200 {
			return false
		}
		sig.WriteString(goquery.NodeName(s))
		if class, ok := s.Attr("class"); ok {
			sig.WriteByte('.')
			sig.WriteString(class)
		}
		sig.WriteByte(';')
		return true
	})
	sum := sha256.Sum256([]byte(sig.String()))
	return hex.EncodeToString(sum[:])[:12]
}

func parseDoc(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// field extracts one selector spec relative to a selection. An absent
// spec yields an empty field.
func field(s *goquery.Selection, spec string) string {
	if spec == "" {
		return ""
	}
	css, attr := splitSelector(spec)
	target := s
	if css != "." && css != "" {
		target = s.Find(css)
	}
	if target.Length() == 0 {
		return ""
	}
	if attr != "" {
		v, _ := target.First().Attr(attr)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(target.First().Text())
}

// fieldAll extracts a selector spec as a list over every matching node.
func fieldAll(s *goquery.Selection, spec string) []string {
	if spec == "" {
		return nil
	}
	css, attr := splitSelector(spec)
	var out []string
	s.Find(css).Each(func(_ int, n *goquery.Selection) {
		var v string
		if attr != "" {
			v, _ = n.Attr(attr)
		} else {
			v = n.Text()
		}
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	})
	return out
}

// ExtractList parses a listing page into list items.
func (e *Extractor) ExtractList(body []byte) (*ListRecord, error) {
	doc, err := parseDoc(body)
	if err != nil {
		return nil, &types.ExtractionError{Kind: string(KindListPage), Err: err}
	}
	r := e.match(doc, KindListPage)
	if r == nil {
		return nil, &types.ExtractionError{
			Kind: string(KindListPage), Fingerprint: pageFingerprint(doc),
		}
	}

	rec := &ListRecord{SourceVersion: r.SourceVersion}
	doc.Find(r.Item).Each(func(_ int, item *goquery.Selection) {
		li := ListItem{
			SourceID:  field(item, r.Selectors["source_id"]),
			URL:       field(item, r.Selectors["url"]),
			Title:     field(item, r.Selectors["title"]),
			PriceText: field(item, r.Selectors["price"]),
		}
		if li.SourceID != "" || li.URL != "" {
			rec.Items = append(rec.Items, li)
		}
	})
	if next, ok := r.Selectors["next_page"]; ok {
		rec.NextPageURL = field(doc.Selection, next)
	}
	return rec, nil
}

// ExtractProduct parses a detail page into a raw product record.
func (e *Extractor) ExtractProduct(body []byte) (*ProductRecord, error) {
	doc, err := parseDoc(body)
	if err != nil {
		return nil, &types.ExtractionError{Kind: string(KindDetailPage), Err: err}
	}
	r := e.match(doc, KindDetailPage)
	if r == nil {
		return nil, &types.ExtractionError{
			Kind: string(KindDetailPage), Fingerprint: pageFingerprint(doc),
		}
	}

	sel := doc.Selection
	rec := &ProductRecord{
		SourceID:      field(sel, r.Selectors["source_id"]),
		Title:         field(sel, r.Selectors["title"]),
		Subtitle:      field(sel, r.Selectors["subtitle"]),
		Description:   field(sel, r.Selectors["description"]),
		PriceText:     field(sel, r.Selectors["price"]),
		MOQText:       field(sel, r.Selectors["moq"]),
		UnitText:      field(sel, r.Selectors["unit"]),
		MainImageURL:  field(sel, r.Selectors["main_image"]),
		DetailImages:  fieldAll(sel, r.Selectors["detail_images"]),
		SupplierRef:   field(sel, r.Selectors["supplier_ref"]),
		SalesText:     field(sel, r.Selectors["sales"]),
		RatingText:    field(sel, r.Selectors["rating"]),
		CategoryID:    field(sel, r.Selectors["category_id"]),
		CategoryName:  field(sel, r.Selectors["category_name"]),
		SourceVersion: r.SourceVersion,
	}

	if rows, ok := r.Selectors["spec_rows"]; ok {
		keySel := r.Selectors["spec_key"]
		valSel := r.Selectors["spec_value"]
		specs := make(map[string]string)
		doc.Find(rows).Each(func(_ int, row *goquery.Selection) {
			k := field(row, keySel)
			v := field(row, valSel)
			if k != "" && v != "" {
				specs[k] = v
			}
		})
		if len(specs) > 0 {
			rec.Specifications = specs
		}
	}
	return rec, nil
}

// ExtractSupplier parses a supplier page into a raw supplier record.
func (e *Extractor) ExtractSupplier(body []byte) (*SupplierRecord, error) {
	doc, err := parseDoc(body)
	if err != nil {
		return nil, &types.ExtractionError{Kind: string(KindSupplierPage), Err: err}
	}
	r := e.match(doc, KindSupplierPage)
	if r == nil {
		return nil, &types.ExtractionError{
			Kind: string(KindSupplierPage), Fingerprint: pageFingerprint(doc),
		}
	}

	sel := doc.Selection
	rec := &SupplierRecord{
		SourceID:         field(sel, r.Selectors["source_id"]),
		Name:             field(sel, r.Selectors["name"]),
		CompanyName:      field(sel, r.Selectors["company_name"]),
		Province:         field(sel, r.Selectors["province"]),
		City:             field(sel, r.Selectors["city"]),
		RatingText:       field(sel, r.Selectors["rating"]),
		ResponseRateText: field(sel, r.Selectors["response_rate"]),
		BusinessTypeText: field(sel, r.Selectors["business_type"]),
		MainProducts:     fieldAll(sel, r.Selectors["main_products"]),
		SourceVersion:    r.SourceVersion,
	}
	if v, ok := r.Selectors["verified"]; ok {
		rec.Verified = doc.Find(firstCSS(v)).Length() > 0
	}

	contact := make(map[string]string)
	if phone := field(sel, r.Selectors["contact_phone"]); phone != "" {
		contact["phone"] = phone
	}
	if email := field(sel, r.Selectors["contact_email"]); email != "" {
		contact["email"] = email
	}
	if len(contact) > 0 {
		rec.Contact = contact
	}
	return rec, nil
}

func firstCSS(spec string) string {
	css, _ := splitSelector(spec)
	return css
}
