package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/pricewatch/config"
	"sjsage522/pricewatch/internal/api"
	"sjsage522/pricewatch/internal/checker"
	"sjsage522/pricewatch/internal/jobs"
	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/internal/rules"
	"sjsage522/pricewatch/internal/scraper"
	"sjsage522/pricewatch/services/cache"
	"sjsage522/pricewatch/services/lock"
	"sjsage522/pricewatch/services/notifier"
	"sjsage522/pricewatch/services/publisher"
	"sjsage522/pricewatch/services/store"
	"sjsage522/pricewatch/services/worker"
)

// productPage mimics a competitor product page
const productPage = `
<!DOCTYPE html>
<html>
<head>
    <title>Espresso Grinder</title>
    <meta property="og:url" content="https://shop.example/grinder" />
</head>
<body>
    <div class="product">
        <h1>Espresso Grinder</h1>
        <span class="price">$%s</span>
    </div>
</body>
</html>
`

// shop serves productPage with a price that can be changed between checks
type shop struct {
	mu    sync.Mutex
	price string
}

func (s *shop) setPrice(p string) {
	s.mu.Lock()
	s.price = p
	s.mu.Unlock()
}

func (s *shop) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, productPage, s.price)
}

type delivery struct {
	body      []byte
	signature string
	timestamp string
}

// receiver records webhook deliveries
type receiver struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.deliveries = append(r.deliveries, delivery{
		body:      body,
		signature: req.Header.Get(notifier.SignatureHeader),
		timestamp: req.Header.Get(notifier.TimestampHeader),
	})
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) received() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

type pipeline struct {
	store      *store.Memory
	pub        *publisher.Memory
	enqueuer   *jobs.StoreEnqueuer
	dispatcher *worker.Dispatcher
	checker    *checker.Checker
	locker     *lock.MemoryLocker
	competitor *models.Competitor
	webhook    *models.Webhook
}

func newPipeline(t *testing.T, shopURL, hookURL string) *pipeline {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	u := &models.User{Email: "owner@example.com", Name: "Owner", IsActive: true, Plan: models.PlanPro}
	require.NoError(t, st.CreateUser(ctx, u))
	p := &models.Product{UserID: u.ID, Name: "Espresso Grinder", Currency: "USD", IsActive: true,
		MyPrice: decimal.NewNullDecimal(decimal.RequireFromString("95"))}
	require.NoError(t, st.CreateProduct(ctx, p))
	c := &models.Competitor{UserID: u.ID, ProductID: p.ID, Name: "Grinder Shop", URL: shopURL, IsActive: true}
	require.NoError(t, st.CreateCompetitor(ctx, c))

	require.NoError(t, st.CreateRule(ctx, &models.Rule{
		UserID:     u.ID,
		Name:       "Big drop",
		Type:       models.RulePriceDropPercent,
		Conditions: models.RuleConditions{ThresholdPercent: decimal.NewNullDecimal(decimal.NewFromInt(10))},
		Actions:    models.RuleActions{{Type: models.ActionLog}, {Type: models.ActionWebhook}},
		IsActive:   true,
	}))

	hook := &models.Webhook{UserID: u.ID, URL: hookURL, Secret: "s3cret", Events: models.StringList{models.WebhookEventRuleTriggered}, IsActive: true}
	require.NoError(t, st.CreateWebhook(ctx, hook))

	courtesy := scraper.NewCourtesy(cache.NewMemoryCache(), scraper.CourtesyOptions{RequestsPerMinute: 600})
	s := scraper.New(scraper.NewStaticFetcher(5*time.Second, courtesy), nil, scraper.NewExtractor())

	pub := &publisher.Memory{}
	enq := jobs.NewEnqueuer(st)
	engine := rules.New(st, enq, pub)
	locker := lock.NewMemoryLocker()
	chk := checker.New(st, s, engine, pub).WithLocker(locker, time.Minute)

	templates, err := notifier.LoadTemplates("http://localhost:3000")
	require.NoError(t, err)

	runner := jobs.NewRunner(jobs.RunnerDeps{
		Store:    st,
		Checker:  chk,
		Webhooks: notifier.NewWebhookSender(st),
		Renderer: templates,
		Email:    notifier.NewEmailSender(&config.Config{}),
		Enqueuer: enq,
	})

	return &pipeline{
		store:      st,
		pub:        pub,
		enqueuer:   enq,
		dispatcher: worker.NewDispatcher(st, runner, worker.Options{MaxConcurrency: 4, Owner: "it"}),
		checker:    chk,
		locker:     locker,
		competitor: c,
		webhook:    hook,
	}
}

// drain runs due jobs until none are left
func (p *pipeline) drain(ctx context.Context) {
	for p.dispatcher.ProcessOnce(ctx) > 0 {
		p.dispatcher.Wait()
	}
}

func (p *pipeline) check(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := p.enqueuer.Enqueue(ctx, jobs.CheckCompetitor{CompetitorID: p.competitor.ID})
	require.NoError(t, err)
	p.drain(ctx)
}

func TestPriceDropReachesWebhook(t *testing.T) {
	ctx := context.Background()

	page := &shop{price: "100.00"}
	shopServer := httptest.NewServer(page)
	defer shopServer.Close()

	hooks := &receiver{}
	hookServer := httptest.NewServer(hooks)
	defer hookServer.Close()

	p := newPipeline(t, shopServer.URL+"/grinder", hookServer.URL)

	// First check discovers the price
	p.check(t)

	got, err := p.store.GetCompetitor(ctx, p.competitor.ID)
	require.NoError(t, err)
	require.True(t, got.CurrentPrice.Valid)
	assert.True(t, got.CurrentPrice.Decimal.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, "USD", got.Currency)
	assert.Empty(t, hooks.received())

	// A 20% drop fires the rule and its webhook action
	page.setPrice("80.00")
	p.check(t)

	got, err = p.store.GetCompetitor(ctx, p.competitor.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Decimal.Equal(decimal.RequireFromString("80")))

	history, err := p.store.ListHistory(ctx, p.competitor.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	events, err := p.store.ListEventsSince(ctx, p.competitor.UserID, time.Now().Add(-time.Hour), 50)
	require.NoError(t, err)
	types := map[models.EventType]int{}
	for _, e := range events {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[models.EventPriceDiscovered])
	assert.Equal(t, 1, types[models.EventPriceDrop])
	assert.Equal(t, 1, types[models.EventRuleTriggered])
	assert.NotEmpty(t, p.pub.Events())

	deliveries := hooks.received()
	require.Len(t, deliveries, 1)
	d := deliveries[0]
	assert.True(t, notifier.Verify("s3cret", d.body, d.timestamp, d.signature))

	var body map[string]any
	require.NoError(t, json.Unmarshal(d.body, &body))
	assert.Equal(t, models.WebhookEventRuleTriggered, body["event"])
	assert.Equal(t, "Big drop", body["rule"].(map[string]any)["name"])
	assert.InDelta(t, 80.0, body["priceData"].(map[string]any)["newPrice"], 0.001)
	assert.InDelta(t, -20.0, body["priceData"].(map[string]any)["priceChangePercent"], 0.001)

	hook, err := p.store.GetWebhook(ctx, p.webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, hook.FailureCount)
	require.NotNil(t, hook.LastStatus)
	assert.Equal(t, http.StatusNoContent, *hook.LastStatus)

	// Every one-shot job has run to completion
	all, err := p.store.ListJobs(ctx, "")
	require.NoError(t, err)
	for _, j := range all {
		assert.Nil(t, j.NextRunAt, string(j.Name))
		assert.Zero(t, j.FailCount, string(j.Name))
	}

	stats := p.dispatcher.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestUnreachablePageRetries(t *testing.T) {
	ctx := context.Background()

	shopServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer shopServer.Close()

	p := newPipeline(t, shopServer.URL, "http://127.0.0.1:1")
	p.check(t)

	got, err := p.store.GetCompetitor(ctx, p.competitor.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckError, got.CheckStatus)
	require.NotNil(t, got.ErrorMessage)

	queued, err := p.store.ListJobs(ctx, models.JobCheckCompetitor)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].FailCount)
	require.NotNil(t, queued[0].NextRunAt)
	assert.True(t, queued[0].NextRunAt.After(time.Now()))
	assert.NotEmpty(t, queued[0].FailReason)
}

func TestCheckPathsShareCompetitorLock(t *testing.T) {
	ctx := context.Background()

	page := &shop{price: "100.00"}
	shopServer := httptest.NewServer(page)
	defer shopServer.Close()

	p := newPipeline(t, shopServer.URL+"/grinder", "http://127.0.0.1:1")
	server := api.NewServer(api.Deps{Checker: p.checker, Enqueuer: p.enqueuer, Store: p.store})

	// a worker holds the competitor
	key := lock.CompetitorKey(p.competitor.ID)
	token, err := p.locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/competitors/"+p.competitor.ID+"/check", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	// a queued check for the same competitor is dropped, not retried
	p.check(t)
	history, err := p.store.ListHistory(ctx, p.competitor.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	queued, err := p.store.ListJobs(ctx, models.JobCheckCompetitor)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Nil(t, queued[0].NextRunAt)
	assert.Zero(t, queued[0].FailCount)

	require.NoError(t, p.locker.Unlock(ctx, key, token))
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/competitors/"+p.competitor.ID+"/check", nil))
	require.Equal(t, http.StatusOK, w.Code)

	history, err = p.store.ListHistory(ctx, p.competitor.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
