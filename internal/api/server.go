// Package api exposes the HTTP entry points of the pipeline: synchronous and queued checks, job
// submission, read helpers, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"sjsage522/pricewatch/internal/checker"
	"sjsage522/pricewatch/internal/jobs"
	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/logger"
	"sjsage522/pricewatch/services/worker"
)

// Checker is the part of the CompetitorPriceChecker the API calls.
type Checker interface {
	Check(ctx context.Context, competitorID string) (checker.Outcome, error)
	History(ctx context.Context, competitorID string, limit int) ([]models.PriceHistory, error)
	LatestEvents(ctx context.Context, userID string, since time.Time, limit int) ([]models.Event, error)
}

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsProvider reports dispatcher counters.
type StatsProvider interface {
	Stats() worker.Stats
}

// RateService converts between currencies.
type RateService interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
	Currencies(ctx context.Context) []string
}

// Deps are the collaborators of a Server. Dispatcher and Rates are optional.
type Deps struct {
	Checker    Checker
	Enqueuer   jobs.Enqueuer
	Store      Pinger
	Dispatcher StatsProvider
	Rates      RateService
}

// Server is the HTTP API.
type Server struct {
	deps      Deps
	engine    *gin.Engine
	startedAt time.Time
	log       *logger.Logger
}

// NewServer creates a Server with every route registered
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		engine:    gin.New(),
		startedAt: time.Now(),
		log:       logger.ForAPI(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/competitors/:id/check", s.checkCompetitor)
		v1.GET("/competitors/:id/history", s.history)
		v1.GET("/users/:id/events", s.events)
		v1.POST("/jobs", s.createJob)
	}

	if s.deps.Rates != nil {
		r := v1.Group("/rates")
		{
			r.GET("/currencies", s.currencies)
			r.GET("/convert", s.convert)
		}
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	event := s.log.Debug()
	if c.Writer.Status() >= http.StatusInternalServerError {
		event = s.log.Error()
	}
	event.
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).
		Dur("latency", time.Since(start)).
		Str("client_ip", c.ClientIP()).
		Msg("Request handled")
}
