package scraper

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"sjsage522/pricewatch/helpers"
	perrors "sjsage522/pricewatch/pkg/errors"
)

// RodFetcher renders pages in a headless Chromium driven by go-rod.
// The browser is launched on first use and shared by all fetches.
type RodFetcher struct {
	bin      string
	timeout  time.Duration
	courtesy *Courtesy

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRodFetcher creates a browser fetcher. bin may be empty to let rod find or download a browser.
func NewRodFetcher(bin string, timeout time.Duration, courtesy *Courtesy) *RodFetcher {
	return &RodFetcher{bin: bin, timeout: timeout, courtesy: courtesy}
}

// Name implements Fetcher
func (f *RodFetcher) Name() string { return "browser" }

// Fetch implements Fetcher. It waits for the page to load and go quiet before reading the DOM.
func (f *RodFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.courtesy != nil {
		if err := f.courtesy.Wait(ctx, url); err != nil {
			return nil, err
		}
	}

	browser, err := f.connect()
	if err != nil {
		return nil, perrors.NewFetch(url, "launch browser", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		f.reset()
		return nil, perrors.NewFetch(url, "open page", err)
	}
	defer page.Close()

	timed := page.Context(ctx).Timeout(f.timeout)

	if err := timed.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: helpers.RandomUserAgent()}); err != nil {
		return nil, perrors.NewFetch(url, "set user agent", err)
	}
	if err := timed.Navigate(url); err != nil {
		return nil, perrors.NewFetch(url, "navigate", err)
	}
	if err := timed.WaitLoad(); err != nil {
		return nil, perrors.NewFetch(url, "wait load", err)
	}
	// Best effort: pages that never go idle are still read
	_ = timed.WaitStable(time.Second)

	html, err := timed.HTML()
	if err != nil {
		return nil, perrors.NewFetch(url, "read page html", err)
	}
	return []byte(html), nil
}

// Close shuts the shared browser down
func (f *RodFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func (f *RodFetcher) connect() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		return f.browser, nil
	}

	l := launcher.New().Headless(true).NoSandbox(true).Logger(io.Discard)
	if f.bin != "" {
		l = l.Bin(f.bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, err
	}

	f.launcher = l
	f.browser = browser
	return browser, nil
}

// reset drops a browser that stopped answering so the next fetch relaunches it
func (f *RodFetcher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.closeLocked()
}

func (f *RodFetcher) closeLocked() error {
	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	if f.launcher != nil {
		f.launcher.Cleanup()
		f.launcher = nil
	}
	return err
}
