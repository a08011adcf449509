// Package rates provides USD-based exchange rates with a fallback chain and currency conversion.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"sjsage522/pricewatch/logger"
	"sjsage522/pricewatch/services/cache"
)

const (
	DefaultAPIURL = "https://open.er-api.com/v6/latest/USD"
	apiTimeout    = 10 * time.Second
	sharedTTL     = 24 * time.Hour
	dateLayout    = "2006-01-02"
	// retryBackoff is how long a stale or fallback table is served before the API is tried again
	retryBackoff = 5 * time.Minute
)

// ErrUnsupportedCurrency is returned when a currency has no known rate
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// Source tells which link of the chain produced a rate table.
type Source string

const (
	SourceMemory   Source = "memory"
	SourceShared   Source = "shared"
	SourceFile     Source = "file"
	SourceAPI      Source = "api"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
)

// Fallback is used when no live or cached table is available. Values are units per USD.
var Fallback = map[string]float64{
	"USD": 1.00,
	"EUR": 0.92,
	"GBP": 0.79,
	"ILS": 3.62,
	"CAD": 1.36,
	"AUD": 1.55,
	"JPY": 150.2,
	"CNY": 7.24,
	"INR": 83.1,
	"CHF": 0.88,
	"SEK": 10.45,
	"NOK": 10.62,
	"DKK": 6.88,
	"NZD": 1.67,
	"MXN": 17.15,
	"BRL": 4.97,
	"KRW": 1325,
	"SGD": 1.34,
	"HKD": 7.82,
	"PLN": 4.02,
	"CZK": 22.8,
	"TRY": 30.5,
	"ZAR": 18.9,
}

// Table is one day's rates.
type Table struct {
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

type apiResponse struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

// Options configure a Service. Zero values pick the defaults.
type Options struct {
	APIURL    string
	CacheFile string
	Client    *http.Client
	// Shared is an optional cross-process cache consulted before the file
	Shared cache.CacheService
}

// Service resolves the rate table through memory, shared cache, file, API, stale file and
// finally the Fallback table.
type Service struct {
	apiURL    string
	cacheFile string
	client    *http.Client
	shared    cache.CacheService
	now       func() time.Time
	group     singleflight.Group
	log       *logger.Logger

	mu     sync.RWMutex
	memory *Table
	held   *heldTable
}

// heldTable is a degraded table served until the next API attempt is due.
type heldTable struct {
	resolved
	day   string
	until time.Time
}

// NewService creates a Service
func NewService(opts Options) *Service {
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: apiTimeout}
	}
	return &Service{
		apiURL:    opts.APIURL,
		cacheFile: opts.CacheFile,
		client:    opts.Client,
		shared:    opts.Shared,
		now:       time.Now,
		log:       logger.ForComponent("rates"),
	}
}

// Rates returns today's table and where it came from. It never fails; the Fallback table is the
// last resort.
func (s *Service) Rates(ctx context.Context) (map[string]float64, Source) {
	today := s.now().UTC().Format(dateLayout)

	s.mu.RLock()
	mem, held := s.memory, s.held
	s.mu.RUnlock()
	if mem != nil && mem.Date == today {
		return mem.Rates, SourceMemory
	}
	if held != nil && held.day == today && s.now().Before(held.until) {
		return held.table.Rates, held.source
	}

	v, _, _ := s.group.Do(today, func() (any, error) {
		table, source := s.resolve(ctx, today)
		return resolved{table, source}, nil
	})
	r := v.(resolved)
	return r.table.Rates, r.source
}

type resolved struct {
	table  *Table
	source Source
}

func (s *Service) resolve(ctx context.Context, today string) (*Table, Source) {
	if table := s.readShared(today); table != nil {
		s.remember(table)
		return table, SourceShared
	}

	file := s.readFile()
	if file != nil && file.Date == today {
		s.remember(file)
		s.writeShared(file)
		return file, SourceFile
	}

	rates, err := s.fetch(ctx)
	if err == nil {
		table := &Table{Date: today, Rates: rates}
		s.remember(table)
		s.writeShared(table)
		if err := s.writeFile(table); err != nil {
			s.log.Warn().Err(err).Msg("Failed to write exchange rate cache file")
		}
		s.log.Info().Str("date", today).Int("currencies", len(rates)).Msg("Fetched fresh exchange rates")
		return table, SourceAPI
	}
	s.log.Error().Err(err).Msg("Failed to fetch exchange rates")

	if file != nil {
		s.log.Warn().Str("date", file.Date).Dur("retry_in", retryBackoff).Msg("Using stale exchange rates")
		s.hold(today, file, SourceStale)
		return file, SourceStale
	}

	s.log.Warn().Dur("retry_in", retryBackoff).Msg("Using fallback exchange rates")
	table := &Table{Date: today, Rates: Fallback}
	s.hold(today, table, SourceFallback)
	return table, SourceFallback
}

func (s *Service) remember(t *Table) {
	s.mu.Lock()
	s.memory = t
	s.held = nil
	s.mu.Unlock()
}

func (s *Service) hold(today string, t *Table, source Source) {
	s.mu.Lock()
	s.held = &heldTable{resolved: resolved{t, source}, day: today, until: s.now().Add(retryBackoff)}
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange rate API returned HTTP %d", resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode exchange rates: %w", err)
	}
	if body.Result != "success" || len(body.Rates) == 0 {
		return nil, fmt.Errorf("exchange rate API returned unexpected response: %q", body.Result)
	}
	return body.Rates, nil
}

func (s *Service) readFile() *Table {
	if s.cacheFile == "" {
		return nil
	}
	raw, err := os.ReadFile(s.cacheFile)
	if err != nil {
		return nil
	}
	var t Table
	if err := json.Unmarshal(raw, &t); err != nil || len(t.Rates) == 0 {
		return nil
	}
	return &t
}

func (s *Service) writeFile(t *Table) error {
	if s.cacheFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cacheFile), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.cacheFile, raw, 0o644)
}

func sharedKey(date string) string {
	return "rates:" + date
}

func (s *Service) readShared(today string) *Table {
	if s.shared == nil {
		return nil
	}
	raw, err := s.shared.Get(sharedKey(today))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Debug().Err(err).Msg("Shared rate cache unavailable")
		}
		return nil
	}
	var t Table
	if err := json.Unmarshal(raw, &t); err != nil || t.Date != today || len(t.Rates) == 0 {
		return nil
	}
	return &t
}

func (s *Service) writeShared(t *Table) {
	if s.shared == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.shared.Set(sharedKey(t.Date), raw, sharedTTL); err != nil {
		s.log.Debug().Err(err).Msg("Failed to share exchange rates")
	}
}

// Convert converts amount between currencies using today's table.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	table, _ := s.Rates(ctx)
	return Convert(amount, from, to, table)
}

// Currencies lists the currency codes of today's table, sorted.
func (s *Service) Currencies(ctx context.Context) []string {
	table, _ := s.Rates(ctx)
	out := make([]string, 0, len(table))
	for code := range table {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Convert converts amount from one currency to another through USD, rounded to 2 decimals.
// Empty codes mean USD. Equal codes return amount unchanged.
func Convert(amount decimal.Decimal, from, to string, table map[string]float64) (decimal.Decimal, error) {
	from = normalize(from)
	to = normalize(to)
	if from == to {
		return amount, nil
	}
	if table == nil {
		table = Fallback
	}

	fromRate, ok := table[from]
	if !ok || fromRate == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, from)
	}
	toRate, ok := table[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, to)
	}

	usd := amount.Div(decimal.NewFromFloat(fromRate))
	return usd.Mul(decimal.NewFromFloat(toRate)).Round(2), nil
}

func normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "USD"
	}
	return code
}
