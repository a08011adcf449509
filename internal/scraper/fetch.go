package scraper

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sjsage522/pricewatch/helpers"
	perrors "sjsage522/pricewatch/pkg/errors"
)

// Fetcher retrieves the HTML of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Name() string
}

// StaticFetcher performs a single HTTP GET with browser-like headers.
type StaticFetcher struct {
	client   *http.Client
	courtesy *Courtesy
}

// NewStaticFetcher creates a static fetcher. courtesy may be nil.
func NewStaticFetcher(timeout time.Duration, courtesy *Courtesy) *StaticFetcher {
	return &StaticFetcher{
		client:   helpers.NewHTTPClient(timeout),
		courtesy: courtesy,
	}
}

// Name implements Fetcher
func (f *StaticFetcher) Name() string { return "static" }

// Fetch implements Fetcher
func (f *StaticFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.courtesy != nil {
		if err := f.courtesy.Wait(ctx, url); err != nil {
			return nil, err
		}
	}

	body, err := helpers.FetchWithRandomHeaders(ctx, f.client, url)
	if err != nil {
		var rateErr *helpers.RateLimitError
		if errors.As(err, &rateErr) && f.courtesy != nil {
			blockFor := f.courtesy.Block(url)
			return nil, perrors.New(perrors.ErrorTypeBlocked, helpers.ExtractDomain(url), "rate limited, blocked for "+blockFor.String(), err)
		}
		return nil, perrors.NewFetch(url, "static fetch failed", err)
	}
	return body, nil
}
