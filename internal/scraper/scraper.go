package scraper

import (
	"context"

	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/logger"
	perrors "sjsage522/pricewatch/pkg/errors"
)

// Scraper runs fetch and extract with the lightweight-then-browser fallback policy.
type Scraper struct {
	static    Fetcher
	browser   Fetcher
	extractor *Extractor
	log       *logger.Logger
}

// New creates a Scraper. browser may be nil to disable the rendering fallback.
func New(static, browser Fetcher, extractor *Extractor) *Scraper {
	if extractor == nil {
		extractor = NewExtractor()
	}
	return &Scraper{
		static:    static,
		browser:   browser,
		extractor: extractor,
		log:       logger.ForScraper(),
	}
}

// Scrape fetches url and extracts a price. When the static page yields nothing the whole
// cycle is repeated through the browser fetcher. A blocked domain is not retried.
func (s *Scraper) Scrape(ctx context.Context, url string, sel models.Selectors) (Result, error) {
	res, err := s.attempt(ctx, s.static, url, sel)
	if err == nil {
		return res, nil
	}

	if s.browser == nil || perrors.TypeOf(err) == perrors.ErrorTypeBlocked || ctx.Err() != nil {
		return res, err
	}

	s.log.Debug().Err(err).Str("url", url).Msg("Static scrape failed, retrying with browser")

	res, browserErr := s.attempt(ctx, s.browser, url, sel)
	if browserErr != nil {
		return res, browserErr
	}
	return res, nil
}

func (s *Scraper) attempt(ctx context.Context, f Fetcher, url string, sel models.Selectors) (Result, error) {
	body, err := f.Fetch(ctx, url)
	if err != nil {
		return Result{Fetcher: f.Name(), Error: err.Error()}, err
	}

	res := s.extractor.Extract(body, sel)
	res.Fetcher = f.Name()
	if !res.Success {
		return res, perrors.NewExtraction(url, res.Error)
	}
	return res, nil
}
