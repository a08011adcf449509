package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"sjsage522/pricewatch/config"
	"sjsage522/pricewatch/internal/checker"
	"sjsage522/pricewatch/internal/jobs"
	"sjsage522/pricewatch/internal/rates"
	"sjsage522/pricewatch/internal/rules"
	"sjsage522/pricewatch/internal/scraper"
	"sjsage522/pricewatch/logger"
	"sjsage522/pricewatch/services/cache"
	"sjsage522/pricewatch/services/lock"
	"sjsage522/pricewatch/services/notifier"
	"sjsage522/pricewatch/services/publisher"
	"sjsage522/pricewatch/services/store"
	"sjsage522/pricewatch/services/worker"
)

// Services holds every initialized collaborator
type Services struct {
	Store      store.Store
	Redis      *redis.Client
	Cache      cache.CacheService
	Locker     lock.Locker
	Publisher  publisher.Publisher
	Scraper    *scraper.Scraper
	Checker    *checker.Checker
	Rules      *rules.Engine
	Enqueuer   *jobs.StoreEnqueuer
	Runner     *jobs.Runner
	Dispatcher *worker.Dispatcher
	Rates      *rates.Service

	closers []io.Closer
}

// Cleanup releases every service in reverse construction order
func (s *Services) Cleanup() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.Default.Warn().Err(err).Msg("Failed to close service")
		}
	}
}

// initializeServices wires the pipeline from the configuration
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	log := logger.Default
	s := &Services{}

	// Store
	switch cfg.StoreDriver {
	case "memory":
		s.Store = store.NewMemory()
		log.Warn().Msg("Using in-memory store, data is lost on exit")
	default:
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		s.Store = pg
		s.closers = append(s.closers, pg)
		log.Info().Msg("Connected to Postgres")
	}

	// Redis backs the competitor locks and the event stream
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, using process-local locks and no event stream")
		client.Close()
		s.Locker = lock.NewMemoryLocker()
		s.Publisher = publisher.Nop{}
	} else {
		s.Redis = client
		s.Locker = lock.NewRedisLocker(client)
		s.Publisher = publisher.NewRedisPublisher(client, cfg.RedisEventStream, cfg.RedisStreamMaxLength)
		s.closers = append(s.closers, s.Publisher)
		log.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Str("stream", cfg.RedisEventStream).Msg("Connected to Redis")
	}

	// Memcache holds domain block windows and shared exchange rates
	mc := cache.NewMemcacheService(cfg.MemcacheAddr, "pricewatch:")
	if err := mc.Ping(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.MemcacheAddr).Msg("Memcache unavailable, using in-memory cache")
		s.Cache = cache.NewMemoryCache()
	} else {
		s.Cache = mc
		log.Info().Str("addr", cfg.MemcacheAddr).Msg("Connected to Memcache")
	}

	// Fetching
	courtesy := scraper.NewCourtesy(s.Cache, scraper.CourtesyOptions{
		RequestsPerMinute: cfg.DomainRatePerMinute,
		BlockTime:         cfg.BlockTime,
		RespectRobots:     cfg.RespectRobots,
	})
	static := scraper.NewStaticFetcher(cfg.FetchTimeout, courtesy)

	var browser scraper.Fetcher
	switch cfg.BrowserMode {
	case "rod":
		rod := scraper.NewRodFetcher(cfg.RodBrowserBin, cfg.FetchTimeout, courtesy)
		s.closers = append(s.closers, rod)
		browser = rod
	case "browserless":
		browser = scraper.NewBrowserlessFetcher(cfg.BrowserlessAddr, cfg.FetchTimeout, courtesy)
	}
	s.Scraper = scraper.New(static, browser, scraper.NewExtractor())

	// Core pipeline
	s.Enqueuer = jobs.NewEnqueuer(s.Store)
	s.Rules = rules.New(s.Store, s.Enqueuer, s.Publisher)
	// one lock per competitor shared by the API and the worker
	s.Checker = checker.New(s.Store, s.Scraper, s.Rules, s.Publisher).WithLocker(s.Locker, cfg.LockLifetime)

	// Notifications
	templates, err := notifier.LoadTemplates(cfg.AppURL)
	if err != nil {
		return nil, err
	}
	email := notifier.NewEmailSender(cfg)
	if !email.Configured() {
		log.Warn().Msg("SMTP_HOST not set, emails will be skipped")
	}

	s.Runner = jobs.NewRunner(jobs.RunnerDeps{
		Store:    s.Store,
		Checker:  s.Checker,
		Webhooks: notifier.NewWebhookSender(s.Store),
		Renderer: templates,
		Email:    email,
		Enqueuer: s.Enqueuer,
	})

	s.Dispatcher = worker.NewDispatcher(s.Store, s.Runner, worker.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		LockLifetime:   cfg.LockLifetime,
		ProcessEvery:   cfg.ProcessEvery,
	})
	s.Enqueuer.OnEnqueue(s.Dispatcher.Wake)

	s.Rates = rates.NewService(rates.Options{
		APIURL:    cfg.ExchangeRateAPI,
		CacheFile: cfg.ExchangeRateCacheFile,
		Shared:    s.Cache,
	})

	return s, nil
}
