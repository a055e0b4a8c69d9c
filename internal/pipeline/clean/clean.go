// Package clean normalizes raw extracted records into canonical entities:
// whitespace, prices, units, URLs, contact info and dates. Every
// normalization is idempotent, so records that have already been cleaned
// pass through unchanged.
package clean

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tradewind/marketsync/internal/extract"
	"github.com/tradewind/marketsync/internal/types"
)

// unitMap maps marketplace unit spellings onto the canonical unit set
// {piece, set, pair, kg, m, m²}.
var unitMap = map[string]string{
	"个": "piece", "件": "piece", "只": "piece", "pcs": "piece", "pc": "piece", "piece": "piece",
	"套": "set", "set": "set",
	"对": "pair", "双": "pair", "pair": "pair",
	"公斤": "kg", "千克": "kg", "kg": "kg",
	"米": "m", "m": "m",
	"平方米": "m²", "平米": "m²", "m2": "m²", "m²": "m²",
}

// trackingParams are stripped from every URL.
var trackingParams = map[string]bool{
	"spm": true, "tracelog": true, "clickid": true, "ali_trackid": true,
	"gclid": true, "fbclid": true, "scm": true, "pvid": true,
}

var (
	spaceRE = regexp.MustCompile(`\s+`)
	// ¥12.50 - ¥18.00 | ¥12.50 | ¥12.50/个 | 12.5元 | RMB 12.50
	priceRangeRE  = regexp.MustCompile(`[¥￥]\s*([0-9]+(?:\.[0-9]+)?)\s*[-~—]\s*[¥￥]?\s*([0-9]+(?:\.[0-9]+)?)`)
	priceSingleRE = regexp.MustCompile(`[¥￥]\s*([0-9]+(?:\.[0-9]+)?)(?:\s*/\s*(\S+))?`)
	priceYuanRE   = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*元`)
	priceRMBRE    = regexp.MustCompile(`(?i)RMB\s*([0-9]+(?:\.[0-9]+)?)`)
	numberRE      = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)
	intRE         = regexp.MustCompile(`[0-9]+`)
	phoneJunkRE   = regexp.MustCompile(`[\s\-()（）]+`)
)

// Text collapses runs of whitespace and trims. Idempotent.
func Text(s string) string {
	return strings.TrimSpace(spaceRE.ReplaceAllString(s, " "))
}

// Price parses a price expression into (min, max, unit). Supported
// shapes: "¥X", "¥X - ¥Y", "¥X/unit", "X元", "RMB X". A single price
// yields min == max. Unrecognized text yields zeros.
func Price(text string) (min, max float64, unit string) {
	text = Text(text)
	if m := priceRangeRE.FindStringSubmatch(text); m != nil {
		min, _ = strconv.ParseFloat(m[1], 64)
		max, _ = strconv.ParseFloat(m[2], 64)
		if max < min {
			min, max = max, min
		}
		return min, max, ""
	}
	if m := priceSingleRE.FindStringSubmatch(text); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return v, v, Unit(m[2])
	}
	if m := priceYuanRE.FindStringSubmatch(text); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return v, v, ""
	}
	if m := priceRMBRE.FindStringSubmatch(text); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return v, v, ""
	}
	return 0, 0, ""
}

// Unit maps a raw unit spelling to the canonical set. Unknown units pass
// through lowercased so nothing is silently lost.
func Unit(u string) string {
	u = strings.ToLower(Text(u))
	if u == "" {
		return ""
	}
	if canonical, ok := unitMap[u]; ok {
		return canonical
	}
	return u
}

// MOQ parses a minimum-order quantity out of text like "100 个起批".
func MOQ(text string) int {
	if m := intRE.FindString(Text(text)); m != "" {
		n, _ := strconv.Atoi(m)
		return n
	}
	return 0
}

// Number parses the first number out of text, for sales counts and
// ratings.
func Number(text string) float64 {
	if m := numberRE.FindString(Text(text)); m != "" {
		v, _ := strconv.ParseFloat(m, 64)
		return v
	}
	return 0
}

// Percent parses "92%" to 0.92. Values already in [0,1] pass through.
func Percent(text string) float64 {
	v := Number(text)
	if strings.Contains(text, "%") || v > 1 {
		return v / 100
	}
	return v
}

// URL strips tracking parameters and fragments, and upgrades
// protocol-relative URLs to https. Idempotent. Malformed input passes
// through trimmed.
func URL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for param := range q {
		if trackingParams[param] || strings.HasPrefix(param, "utm_") {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

// Phone strips separators and parenthesized area-code decoration.
func Phone(raw string) string {
	return phoneJunkRE.ReplaceAllString(strings.TrimSpace(raw), "")
}

// dateLayouts covers the formats seen in marketplace pages and imports.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"2006年01月02日",
}

// Date coerces a date string to UTC. Returns the zero time when no
// layout matches.
func Date(text string) time.Time {
	text = Text(text)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// businessTypes maps raw business-type text onto the enum.
func businessType(text string) types.BusinessType {
	switch strings.ToLower(Text(text)) {
	case "manufacturer", "生产厂家", "工厂":
		return types.BusinessManufacturer
	case "trader", "trading company", "贸易公司", "经销商":
		return types.BusinessTrader
	case "individual", "个人", "个体经营":
		return types.BusinessIndividual
	}
	return ""
}

// Product turns a raw product record into a canonical entity. Validation
// happens downstream; this only normalizes.
func Product(rec *extract.ProductRecord) *types.Product {
	min, max, unitFromPrice := Price(rec.PriceText)
	unit := Unit(rec.UnitText)
	if unit == "" {
		unit = unitFromPrice
	}

	p := &types.Product{
		SourceID:     Text(rec.SourceID),
		Title:        Text(rec.Title),
		Subtitle:     Text(rec.Subtitle),
		Description:  Text(rec.Description),
		PriceMin:     min,
		PriceMax:     max,
		Currency:     "CNY",
		MOQ:          MOQ(rec.MOQText),
		PriceUnit:    unit,
		MainImageURL: URL(rec.MainImageURL),
		SupplierRef:  Text(rec.SupplierRef),
		SalesCount:   int(Number(rec.SalesText)),
		Rating:       Number(rec.RatingText),
		CategoryID:   Text(rec.CategoryID),
		CategoryName: Text(rec.CategoryName),
		Status:       types.ProductActive,
		SyncStatus:   types.SyncPending,
	}
	for _, img := range rec.DetailImages {
		if u := URL(img); u != "" {
			p.DetailImages = append(p.DetailImages, u)
		}
	}
	if len(rec.Specifications) > 0 {
		p.Specifications = make(map[string]string, len(rec.Specifications))
		for k, v := range rec.Specifications {
			p.Specifications[Text(k)] = Text(v)
		}
	}
	return p
}

// Supplier turns a raw supplier record into a canonical entity.
func Supplier(rec *extract.SupplierRecord) *types.Supplier {
	s := &types.Supplier{
		SourceID:     Text(rec.SourceID),
		Name:         Text(rec.Name),
		CompanyName:  Text(rec.CompanyName),
		Province:     Text(rec.Province),
		City:         Text(rec.City),
		Rating:       Number(rec.RatingText),
		ResponseRate: Percent(rec.ResponseRateText),
		BusinessType: businessType(rec.BusinessTypeText),
		Verified:     rec.Verified,
	}
	for _, mp := range rec.MainProducts {
		if t := Text(mp); t != "" {
			s.MainProducts = append(s.MainProducts, t)
		}
	}
	if len(rec.Contact) > 0 {
		s.Contact = make(map[string]string, len(rec.Contact))
		for k, v := range rec.Contact {
			if k == "phone" {
				s.Contact[k] = Phone(v)
			} else {
				s.Contact[k] = Text(v)
			}
		}
	}
	return s
}
