package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"sjsage522/pricewatch/internal/checker"
	"sjsage522/pricewatch/internal/jobs"
	"sjsage522/pricewatch/internal/models"
	perrors "sjsage522/pricewatch/pkg/errors"
)

const (
	defaultHistoryLimit = 50
	maxListLimit        = 500
	defaultEventsWindow = 7 * 24 * time.Hour
)

type errorResponse struct {
	Error string `json:"error"`
}

type checkResponse struct {
	Status         checker.Status      `json:"status"`
	Price          decimal.NullDecimal `json:"price"`
	Currency       string              `json:"currency,omitempty"`
	Changed        bool                `json:"changed"`
	FirstCheck     bool                `json:"firstCheck"`
	Change         *changeResponse     `json:"change,omitempty"`
	TriggeredRules int                 `json:"triggeredRules"`
	Error          string              `json:"error,omitempty"`
	Competitor     *models.Competitor  `json:"competitor,omitempty"`
}

type changeResponse struct {
	Amount    decimal.Decimal `json:"amount"`
	Percent   decimal.Decimal `json:"percent"`
	Direction string          `json:"direction"`
}

type jobRequest struct {
	Name models.JobName  `json:"name" binding:"required"`
	Data json.RawMessage `json:"data"`
}

type jobResponse struct {
	ID        string         `json:"id"`
	Name      models.JobName `json:"name"`
	NextRunAt *time.Time     `json:"nextRunAt"`
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = err.Error()
		} else {
			body["store"] = "ok"
		}
	}
	if s.deps.Dispatcher != nil {
		body["dispatcher"] = s.deps.Dispatcher.Stats()
	}

	c.JSON(status, body)
}

// checkCompetitor runs a check and reflects its outcome, or queues one with ?async=true.
// A failed fetch is still a 200; the failure is carried by status and the competitor's checkStatus.
// A competitor already being checked by another caller is a 409.
func (s *Server) checkCompetitor(c *gin.Context) {
	id := c.Param("id")

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		job, err := s.deps.Enqueuer.Enqueue(c.Request.Context(), jobs.CheckCompetitor{CompetitorID: id})
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, jobResponse{ID: job.ID, Name: job.Name, NextRunAt: job.NextRunAt})
		return
	}

	out, err := s.deps.Checker.Check(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}

	resp := checkResponse{
		Status:         out.Status,
		Price:          out.Price,
		Currency:       out.Currency,
		Changed:        out.Changed,
		FirstCheck:     out.FirstCheck,
		TriggeredRules: out.TriggeredRules,
		Competitor:     out.Competitor,
	}
	if out.Change != nil {
		resp.Change = &changeResponse{Amount: out.Change.Amount, Percent: out.Change.Percent, Direction: out.Change.Direction()}
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) history(c *gin.Context) {
	limit := queryLimit(c, defaultHistoryLimit)
	rows, err := s.deps.Checker.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	if rows == nil {
		rows = []models.PriceHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}

func (s *Server) events(c *gin.Context) {
	since := time.Now().Add(-defaultEventsWindow)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}

	events, err := s.deps.Checker.LatestEvents(c.Request.Context(), c.Param("id"), since, queryLimit(c, defaultHistoryLimit))
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// createJob inserts a job record; the payload is validated against its job kind
func (s *Server) createJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	payload, err := jobs.Decode(req.Name, models.JobData(req.Data))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	job, err := s.deps.Enqueuer.Enqueue(c.Request.Context(), payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, jobResponse{ID: job.ID, Name: job.Name, NextRunAt: job.NextRunAt})
}

func (s *Server) currencies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"currencies": s.deps.Rates.Currencies(c.Request.Context())})
}

func (s *Server) convert(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "amount must be a number"})
		return
	}

	converted, err := s.deps.Rates.Convert(c.Request.Context(), amount, c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": converted, "from": c.Query("from"), "to": c.Query("to")})
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func statusFor(err error) int {
	switch perrors.TypeOf(err) {
	case perrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case perrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case perrors.ErrorTypeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
