package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"sjsage522/pricewatch/helpers"
	perrors "sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/cache"
)

const robotsAgent = "PricewatchBot"

// CourtesyOptions configures how politely a domain is fetched.
type CourtesyOptions struct {
	// RequestsPerMinute per domain; zero disables rate limiting
	RequestsPerMinute int
	// BlockTime is how long a domain is left alone after a 429/430
	BlockTime time.Duration
	// RespectRobots enables robots.txt checks
	RespectRobots bool
	// Client used to fetch robots.txt
	Client *http.Client
}

// Courtesy enforces per-domain limits shared by every fetcher: block windows after
// rate-limit answers, a request rate, and robots.txt rules.
type Courtesy struct {
	cache     cache.CacheService
	blockTime time.Duration
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	robots *robotsChecker
}

// NewCourtesy creates a Courtesy. Block windows live in cacheSvc so every worker sees them.
func NewCourtesy(cacheSvc cache.CacheService, opts CourtesyOptions) *Courtesy {
	if opts.BlockTime <= 0 {
		opts.BlockTime = 5 * time.Minute
	}
	c := &Courtesy{
		cache:     cacheSvc,
		blockTime: opts.BlockTime,
		perMinute: opts.RequestsPerMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
	if opts.RespectRobots {
		client := opts.Client
		if client == nil {
			client = helpers.NewHTTPClient(10 * time.Second)
		}
		c.robots = newRobotsChecker(client, time.Hour)
	}
	return c
}

// Wait blocks until rawURL may be requested, or returns a blocked error.
func (c *Courtesy) Wait(ctx context.Context, rawURL string) error {
	domain := helpers.ExtractDomain(rawURL)
	if domain == "" {
		return perrors.NewFetch(rawURL, "invalid url", nil)
	}

	if c.Blocked(domain) {
		return perrors.NewBlocked(domain, c.blockTime)
	}

	if c.robots != nil {
		allowed, err := c.robots.allowed(ctx, rawURL)
		if err == nil && !allowed {
			return perrors.New(perrors.ErrorTypeBlocked, domain, "disallowed by robots.txt", nil)
		}
	}

	if limiter := c.limiter(domain); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return perrors.NewFetch(rawURL, "rate limiter wait", err)
		}
	}
	return nil
}

// Blocked reports whether domain is inside a block window.
func (c *Courtesy) Blocked(domain string) bool {
	if c.cache == nil {
		return false
	}
	_, err := c.cache.Get(blockKey(domain))
	return err == nil
}

// Block opens a block window for the domain of rawURL.
func (c *Courtesy) Block(rawURL string) time.Duration {
	domain := helpers.ExtractDomain(rawURL)
	if c.cache != nil && domain != "" {
		c.cache.Set(blockKey(domain), []byte(strconv.Itoa(int(c.blockTime/time.Second))), c.blockTime)
	}
	return c.blockTime
}

func (c *Courtesy) limiter(domain string) *rate.Limiter {
	if c.perMinute <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.perMinute)), 1)
		c.limiters[domain] = l
	}
	return l
}

func blockKey(domain string) string {
	return "block:" + domain
}

// robotsChecker caches robots.txt per origin.
type robotsChecker struct {
	client *http.Client
	ttl    time.Duration

	mu     sync.RWMutex
	rules  map[string]*robotstxt.RobotsData
	expiry map[string]time.Time
}

func newRobotsChecker(client *http.Client, ttl time.Duration) *robotsChecker {
	return &robotsChecker{
		client: client,
		ttl:    ttl,
		rules:  make(map[string]*robotstxt.RobotsData),
		expiry: make(map[string]time.Time),
	}
}

func (r *robotsChecker) allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, err
	}

	data, err := r.get(ctx, u.Scheme+"://"+u.Host)
	if err != nil {
		// Unreachable robots.txt allows the request
		return true, err
	}
	return data.TestAgent(u.RequestURI(), robotsAgent), nil
}

func (r *robotsChecker) get(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	r.mu.RLock()
	data, ok := r.rules[origin]
	exp := r.expiry[origin]
	r.mu.RUnlock()
	if ok && time.Now().Before(exp) {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", robotsAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}

	data, err = robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	if data == nil {
		return nil, errors.New("empty robots.txt data")
	}

	r.mu.Lock()
	r.rules[origin] = data
	r.expiry[origin] = time.Now().Add(r.ttl)
	r.mu.Unlock()
	return data, nil
}
