package checker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/internal/scraper"
	perrors "sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/lock"
	"sjsage522/pricewatch/services/publisher"
	"sjsage522/pricewatch/services/store"
)

// MockScraper returns its results in order, repeating the last one
type MockScraper struct {
	results []scraper.Result
	errs    []error
	calls   int
}

var _ Scraper = (*MockScraper)(nil)

func (m *MockScraper) Scrape(ctx context.Context, url string, sel models.Selectors) (scraper.Result, error) {
	i := min(m.calls, len(m.results)-1)
	m.calls++
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return m.results[i], err
}

func priceResult(price, currency string) scraper.Result {
	return scraper.Result{Success: true, Price: decimal.RequireFromString(price), Currency: currency}
}

// MockRules records every evaluation
type MockRules struct {
	calls    int
	previous []decimal.NullDecimal
	err      error
}

var _ RuleEvaluator = (*MockRules)(nil)

func (m *MockRules) EvaluatePriceChange(ctx context.Context, c *models.Competitor, p *models.Product, newPrice decimal.Decimal, previous decimal.NullDecimal) ([]models.Rule, error) {
	m.calls++
	m.previous = append(m.previous, previous)
	if m.err != nil {
		return nil, m.err
	}
	return []models.Rule{{ID: "r1"}}, nil
}

type fixture struct {
	store      *store.Memory
	scraper    *MockScraper
	rules      *MockRules
	pub        *publisher.Memory
	checker    *Checker
	competitor *models.Competitor
	product    *models.Product
}

func newFixture(t *testing.T, current string, results ...scraper.Result) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	u := &models.User{Email: "a@example.com", IsActive: true, Plan: models.PlanPro}
	require.NoError(t, st.CreateUser(ctx, u))
	p := &models.Product{UserID: u.ID, Name: "Widget", Currency: "USD", IsActive: true}
	require.NoError(t, st.CreateProduct(ctx, p))
	c := &models.Competitor{UserID: u.ID, ProductID: p.ID, Name: "Shop", URL: "https://shop.example/w", IsActive: true}
	if current != "" {
		c.CurrentPrice = decimal.NewNullDecimal(decimal.RequireFromString(current))
		c.Currency = "USD"
	}
	require.NoError(t, st.CreateCompetitor(ctx, c))

	f := &fixture{
		store:      st,
		scraper:    &MockScraper{results: results},
		rules:      &MockRules{},
		pub:        &publisher.Memory{},
		competitor: c,
		product:    p,
	}
	f.checker = New(st, f.scraper, f.rules, f.pub)
	return f
}

func (f *fixture) history(t *testing.T) []models.PriceHistory {
	t.Helper()
	h, err := f.store.ListHistory(context.Background(), f.competitor.ID, 0)
	require.NoError(t, err)
	return h
}

func TestCheckDiscovery(t *testing.T) {
	f := newFixture(t, "", priceResult("49.99", "USD"))

	out, err := f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.True(t, out.FirstCheck)
	assert.False(t, out.Changed)
	assert.Nil(t, out.Change)

	got, err := f.store.GetCompetitor(context.Background(), f.competitor.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Decimal.Equal(decimal.RequireFromString("49.99")))
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, models.CheckSuccess, got.CheckStatus)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.LastPriceChange)

	history := f.history(t)
	require.Len(t, history, 1)
	assert.True(t, history[0].Price.Equal(decimal.RequireFromString("49.99")))
	assert.False(t, history[0].PreviousPrice.Valid)
	assert.False(t, history[0].PriceChange.Valid)
	assert.Equal(t, models.SourceScraper, history[0].Source)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPriceDiscovered, events[0].Type)
	assert.Equal(t, 0, f.rules.calls)
	assert.Len(t, f.pub.Events(), 1)
}

func TestCheckZeroStoredPriceIsDiscovery(t *testing.T) {
	f := newFixture(t, "0", priceResult("49.99", "USD"))

	var out Outcome
	var err error
	require.NotPanics(t, func() {
		out, err = f.checker.Check(context.Background(), f.competitor.ID)
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.True(t, out.FirstCheck)
	assert.False(t, out.Changed)
	assert.Nil(t, out.Change)

	got, err := f.store.GetCompetitor(context.Background(), f.competitor.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Decimal.Equal(decimal.RequireFromString("49.99")))
	assert.Nil(t, got.LastPriceChange)

	history := f.history(t)
	require.Len(t, history, 1)
	assert.False(t, history[0].PreviousPrice.Valid)
	assert.False(t, history[0].PriceChange.Valid)

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPriceDiscovered, events[0].Type)
	assert.Equal(t, 0, f.rules.calls)
}

func TestCheckRoundsToCurrencyMinorUnit(t *testing.T) {
	f := newFixture(t, "", priceResult("12.345", "KWD"))

	out, err := f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)
	assert.Equal(t, "12.345", out.Price.Decimal.String())
	assert.Equal(t, "KWD", out.Currency)

	// a sub-cent move is still a change for a three decimal currency
	f.scraper.results = []scraper.Result{priceResult("12.341", "KWD")}
	out, err = f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	require.NotNil(t, out.Change)
	assert.Equal(t, "-0.004", out.Change.Amount.String())
	assert.Equal(t, "drop", out.Change.Direction())
	assert.Equal(t, 1, f.rules.calls)

	history := f.history(t)
	require.Len(t, history, 2)
	assert.Equal(t, "-0.004", history[0].PriceChange.Decimal.String())
}

func TestCheckUnchangedIsIdempotent(t *testing.T) {
	f := newFixture(t, "", priceResult("20.00", "USD"))
	ctx := context.Background()

	_, err := f.checker.Check(ctx, f.competitor.ID)
	require.NoError(t, err)
	baseline, _ := f.store.GetCompetitor(ctx, f.competitor.ID)
	baselineEvents := len(f.store.Events())

	for i := 0; i < 2; i++ {
		out, err := f.checker.Check(ctx, f.competitor.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, out.Status)
		assert.False(t, out.Changed)
		assert.False(t, out.FirstCheck)
	}

	got, _ := f.store.GetCompetitor(ctx, f.competitor.ID)
	assert.True(t, got.CurrentPrice.Decimal.Equal(baseline.CurrentPrice.Decimal))
	assert.Equal(t, baseline.LastPriceChange, got.LastPriceChange)
	assert.Len(t, f.history(t), 3)
	assert.Len(t, f.store.Events(), baselineEvents)
	assert.Equal(t, 0, f.rules.calls)

	// unchanged rows still carry a zero delta against the prior price
	latest := f.history(t)[0]
	assert.True(t, latest.PriceChange.Decimal.IsZero())
	assert.True(t, latest.PreviousPrice.Valid)
}

func TestCheckChangeSeverityBands(t *testing.T) {
	cases := []struct {
		name     string
		newPrice string
		event    models.EventType
		severity models.Severity
	}{
		{"small drop", "97.00", models.EventPriceDrop, models.SeverityInfo},
		{"exactly five percent", "95.00", models.EventPriceDrop, models.SeverityInfo},
		{"warning drop", "94.00", models.EventPriceDrop, models.SeverityWarning},
		{"exactly ten percent", "110.00", models.EventPriceIncrease, models.SeverityWarning},
		{"alert increase", "110.01", models.EventPriceIncrease, models.SeverityAlert},
		{"alert drop", "50.00", models.EventPriceDrop, models.SeverityAlert},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "100.00", priceResult(tc.newPrice, "USD"))

			out, err := f.checker.Check(context.Background(), f.competitor.ID)
			require.NoError(t, err)
			assert.True(t, out.Changed)
			assert.Equal(t, 1, out.TriggeredRules)

			events := f.store.Events()
			require.Len(t, events, 1)
			assert.Equal(t, tc.event, events[0].Type)
			assert.Equal(t, tc.severity, events[0].Severity)

			require.Equal(t, 1, f.rules.calls)
			assert.True(t, f.rules.previous[0].Decimal.Equal(decimal.RequireFromString("100")))

			got, _ := f.store.GetCompetitor(context.Background(), f.competitor.ID)
			assert.NotNil(t, got.LastPriceChange)
		})
	}
}

func TestCheckHistoryCarriesDelta(t *testing.T) {
	f := newFixture(t, "80.00", priceResult("60.00", "USD"))

	_, err := f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)

	h := f.history(t)
	require.Len(t, h, 1)
	assert.True(t, h[0].PreviousPrice.Decimal.Equal(decimal.RequireFromString("80")))
	assert.Equal(t, "-20", h[0].PriceChange.Decimal.String())
	assert.Equal(t, "-25", h[0].PriceChangePercent.Decimal.String())
}

func TestCheckFailureRecordsError(t *testing.T) {
	f := newFixture(t, "10.00", scraper.Result{Error: "no price"})
	f.scraper.errs = []error{perrors.NewExtraction(f.competitor.URL, "no price found")}

	out, err := f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, out.Status)
	require.Error(t, out.Err)
	assert.True(t, perrors.IsRetryable(out.Err))

	got, _ := f.store.GetCompetitor(context.Background(), f.competitor.ID)
	assert.Equal(t, models.CheckError, got.CheckStatus)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "no price found")
	assert.True(t, got.CurrentPrice.Decimal.Equal(decimal.RequireFromString("10")))

	events := f.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventCompetitorError, events[0].Type)
	assert.Equal(t, models.SeverityWarning, events[0].Severity)
	assert.Empty(t, f.history(t))
}

func TestCheckBlockedDomain(t *testing.T) {
	f := newFixture(t, "", scraper.Result{})
	f.scraper.errs = []error{perrors.NewBlocked("shop.example", 5*time.Minute)}

	out, err := f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, out.Status)

	got, _ := f.store.GetCompetitor(context.Background(), f.competitor.ID)
	assert.Equal(t, models.CheckBlocked, got.CheckStatus)
}

func TestCheckOrphanedCompetitorIsSkipped(t *testing.T) {
	f := newFixture(t, "", priceResult("5.00", "USD"))
	f.store.DeleteProduct(context.Background(), f.product.ID)

	out, err := f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Equal(t, perrors.ErrorTypeNotFound, perrors.TypeOf(out.Err))
	assert.False(t, perrors.IsRetryable(out.Err))
	assert.Equal(t, 0, f.scraper.calls)
	assert.Empty(t, f.store.Events())
}

func TestCheckMissingCompetitor(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.checker.Check(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, perrors.ErrorTypeNotFound, perrors.TypeOf(err))
}

func TestCheckSkipsBusyCompetitor(t *testing.T) {
	f := newFixture(t, "10.00", priceResult("8.00", "USD"))
	ctx := context.Background()
	locker := lock.NewMemoryLocker()
	f.checker.WithLocker(locker, time.Minute)

	token, err := locker.TryLock(ctx, lock.CompetitorKey(f.competitor.ID), time.Minute)
	require.NoError(t, err)

	out, err := f.checker.Check(ctx, f.competitor.ID)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrorTypeConflict, perrors.TypeOf(err))
	assert.True(t, IsBusy(out))
	assert.Equal(t, 0, f.scraper.calls)
	assert.Empty(t, f.history(t))

	got, _ := f.store.GetCompetitor(ctx, f.competitor.ID)
	assert.True(t, got.CurrentPrice.Decimal.Equal(decimal.RequireFromString("10")))

	// released by the holder, the next check runs and leaves the lock free
	require.NoError(t, locker.Unlock(ctx, lock.CompetitorKey(f.competitor.ID), token))
	out, err = f.checker.Check(ctx, f.competitor.ID)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, 1, f.scraper.calls)

	token, err = locker.TryLock(ctx, lock.CompetitorKey(f.competitor.ID), time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestCheckRuleErrorDoesNotFailCheck(t *testing.T) {
	f := newFixture(t, "100.00", priceResult("90.00", "USD"))
	f.rules.err = errors.New("rules unavailable")

	out, err := f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 1, f.rules.calls)
}

func TestCheckBackfillsMetadataOnce(t *testing.T) {
	res := priceResult("12.00", "")
	res.CanonicalURL = "https://shop.example/canonical"
	res.ImageURL = "https://shop.example/img.png"
	f := newFixture(t, "", res)

	existing := "https://shop.example/kept.png"
	f.competitor.ImageURL = &existing
	require.NoError(t, f.store.UpdateCompetitor(context.Background(), f.competitor))

	_, err := f.checker.Check(context.Background(), f.competitor.ID)
	require.NoError(t, err)

	got, _ := f.store.GetCompetitor(context.Background(), f.competitor.ID)
	require.NotNil(t, got.CanonicalURL)
	assert.Equal(t, "https://shop.example/canonical", *got.CanonicalURL)
	assert.Equal(t, existing, *got.ImageURL)
	// no currency extracted and none stored
	assert.Equal(t, "USD", got.Currency)
}

func TestCalculatePriceChange(t *testing.T) {
	assert.Nil(t, CalculatePriceChange(decimal.NewFromInt(5), decimal.NullDecimal{}))
	assert.Nil(t, CalculatePriceChange(decimal.NewFromInt(5), decimal.NewNullDecimal(decimal.Zero)))

	c := CalculatePriceChange(decimal.RequireFromString("94"), decimal.NewNullDecimal(decimal.NewFromInt(100)))
	require.NotNil(t, c)
	assert.Equal(t, "-6", c.Amount.String())
	assert.Equal(t, "-6", c.Percent.String())
	assert.Equal(t, "drop", c.Direction())

	c = CalculatePriceChange(decimal.RequireFromString("10"), decimal.NewNullDecimal(decimal.NewFromInt(3)))
	assert.Equal(t, "233.33", c.Percent.String())
	assert.Equal(t, "increase", c.Direction())
}

func TestCurrencyPlaces(t *testing.T) {
	assert.Equal(t, int32(2), CurrencyPlaces("USD"))
	assert.Equal(t, int32(2), CurrencyPlaces(""))
	assert.Equal(t, int32(3), CurrencyPlaces("kwd"))
	assert.Equal(t, int32(0), CurrencyPlaces("JPY"))

	assert.Equal(t, "1235", RoundPrice(decimal.RequireFromString("1234.6"), "JPY").String())
	assert.Equal(t, "9.99", RoundPrice(decimal.RequireFromString("9.994"), "EUR").String())
	assert.Equal(t, "0.500", FormatPrice(decimal.RequireFromString("0.5"), "BHD"))
}
