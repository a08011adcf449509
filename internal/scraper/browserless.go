package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sjsage522/pricewatch/helpers"
	"sjsage522/pricewatch/logger"
	perrors "sjsage522/pricewatch/pkg/errors"
)

// browserlessStrategy is one way of asking the remote browser for a page
type browserlessStrategy struct {
	Name      string
	WaitUntil string
}

// BrowserlessFetcher renders pages through a remote headless-browser service
// exposing a POST /content endpoint.
type BrowserlessFetcher struct {
	addr       string
	client     *http.Client
	timeout    time.Duration
	courtesy   *Courtesy
	strategies []browserlessStrategy
}

// NewBrowserlessFetcher creates a remote browser fetcher for the service at addr.
func NewBrowserlessFetcher(addr string, timeout time.Duration, courtesy *Courtesy) *BrowserlessFetcher {
	return &BrowserlessFetcher{
		addr:     strings.TrimRight(addr, "/"),
		client:   &http.Client{Timeout: timeout + 5*time.Second},
		timeout:  timeout,
		courtesy: courtesy,
		strategies: []browserlessStrategy{
			// Network idle (best for dynamic content)
			{Name: "networkidle-content", WaitUntil: "networkidle0"},
			// Basic load (faster, works for static content)
			{Name: "basic-content", WaitUntil: "load"},
		},
	}
}

// Name implements Fetcher
func (f *BrowserlessFetcher) Name() string { return "browser" }

// Fetch implements Fetcher. Strategies are tried in order until one returns HTML.
func (f *BrowserlessFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.courtesy != nil {
		if err := f.courtesy.Wait(ctx, url); err != nil {
			return nil, err
		}
	}

	log := logger.ForScraper().WithField("url", url)

	var lastErr error
	for i, strategy := range f.strategies {
		body, err := f.execute(ctx, url, strategy)
		if err == nil {
			log.Debug().Str("strategy", strategy.Name).Int("bytes", len(body)).Msg("Remote browser strategy succeeded")
			return body, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("strategy", strategy.Name).Msgf("Remote browser strategy %d/%d failed", i+1, len(f.strategies))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, perrors.NewFetch(url, "all remote browser strategies failed", lastErr)
}

func (f *BrowserlessFetcher) execute(ctx context.Context, url string, strategy browserlessStrategy) ([]byte, error) {
	payload := map[string]any{
		"url": url,
		"gotoOptions": map[string]any{
			"waitUntil": strategy.WaitUntil,
			"timeout":   f.timeout.Milliseconds(),
		},
		"userAgent": helpers.RandomUserAgent(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.addr+"/content", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return checkHTML(body)
}

// checkHTML rejects responses that are clearly not a rendered page
func checkHTML(data []byte) ([]byte, error) {
	if len(data) < 50 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	lower := strings.ToLower(string(data[:min(len(data), 4096)]))
	if strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype") || strings.Contains(lower, "<body") {
		return data, nil
	}
	return nil, fmt.Errorf("response doesn't appear to be valid HTML")
}
