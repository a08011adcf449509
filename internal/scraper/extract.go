package scraper

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"sjsage522/pricewatch/internal/models"
)

// DefaultPriceSelectors are tried in order after a competitor's custom selector.
var DefaultPriceSelectors = []string{
	"[data-price]",
	".price",
	".product-price",
	"#price",
	`[itemprop="price"]`,
	".sale-price",
	".current-price",
	".ProductPrice",
	".product__price",
	`[class*="price"]`,
}

var (
	currencyPattern = regexp.MustCompile(`["']currency["']\s*:\s*["']([A-Z]{3})["']`)
	currencyCode    = regexp.MustCompile(`\b[A-Z]{3}\b`)
)

// Result is the outcome of a single extraction.
type Result struct {
	Success      bool
	Price        decimal.Decimal
	Currency     string
	CanonicalURL string
	ImageURL     string
	// Strategy names what produced the price: "meta" or the matching selector
	Strategy string
	// Fetcher is set by the Scraper to the fetcher whose page was used
	Fetcher string
	Error   string
}

// Extractor pulls a price out of a page. It holds no state and is safe for concurrent use.
type Extractor struct {
	selectors []string
}

// NewExtractor creates an extractor using the given fallback selectors,
// or DefaultPriceSelectors when none are given.
func NewExtractor(selectors ...string) *Extractor {
	if len(selectors) == 0 {
		selectors = DefaultPriceSelectors
	}
	return &Extractor{selectors: selectors}
}

// Extract runs the strategy chain over page. The first strategy that yields a price wins.
func (e *Extractor) Extract(page []byte, custom models.Selectors) Result {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return Result{Error: "HTML parse error: " + err.Error()}
	}

	var res Result

	// 1. Open Graph / product meta tags
	if amount, ok := metaContent(doc, "og:price:amount", "product:price:amount"); ok {
		if price := SanitizePrice(amount); price.Valid {
			res.Price = price.Decimal
			res.Success = true
			res.Strategy = "meta"
			if cur, ok := metaContent(doc, "og:price:currency", "product:price:currency"); ok {
				res.Currency = strings.ToUpper(strings.TrimSpace(cur))
			}
		}
	}

	// 2. DOM selectors, custom first
	if !res.Success {
		for _, sel := range e.candidates(custom) {
			if price, ok := priceFromElement(doc.Find(sel).First()); ok {
				res.Price = price
				res.Success = true
				res.Strategy = sel
				break
			}
		}
	}

	// 3. Currency fallbacks
	if res.Currency == "" && custom.Currency != "" {
		text := strings.ToUpper(doc.Find(custom.Currency).First().Text())
		res.Currency = currencyCode.FindString(text)
	}
	if res.Currency == "" {
		if m := currencyPattern.FindSubmatch(page); m != nil {
			res.Currency = string(m[1])
		}
	}

	// Page metadata
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		res.CanonicalURL = strings.TrimSpace(href)
	}
	if img, ok := metaContent(doc, "og:image"); ok {
		res.ImageURL = strings.TrimSpace(img)
	}

	if !res.Success {
		res.Error = "Could not extract price from page"
	}
	return res
}

func (e *Extractor) candidates(custom models.Selectors) []string {
	if custom.Price == "" {
		return e.selectors
	}
	return append([]string{custom.Price}, e.selectors...)
}

// priceFromElement checks data-price, then content, then trimmed text.
func priceFromElement(s *goquery.Selection) (decimal.Decimal, bool) {
	if s.Length() == 0 {
		return decimal.Decimal{}, false
	}

	if v, ok := s.Attr("data-price"); ok && v != "" {
		if p := SanitizePrice(v); p.Valid {
			return p.Decimal, true
		}
	}
	if v, ok := s.Attr("content"); ok && v != "" {
		if p := SanitizePrice(v); p.Valid {
			return p.Decimal, true
		}
	}
	if text := strings.TrimSpace(s.Text()); text != "" {
		if p := SanitizePrice(text); p.Valid {
			return p.Decimal, true
		}
	}
	return decimal.Decimal{}, false
}

// metaContent returns the content of the first <meta property=...> among names that has one.
func metaContent(doc *goquery.Document, names ...string) (string, bool) {
	for _, name := range names {
		v, ok := doc.Find(`meta[property="` + name + `"]`).First().Attr("content")
		if ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}
