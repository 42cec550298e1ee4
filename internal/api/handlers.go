package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"listing-bot/internal/analytics"
	"listing-bot/internal/clock"
	"listing-bot/internal/database"
	"listing-bot/internal/errors"
	"listing-bot/internal/logger"
	"listing-bot/internal/models"
	"listing-bot/internal/orchestrator"
	"listing-bot/internal/ratelimit"
	"listing-bot/internal/scheduler"
	"listing-bot/internal/websocket"
)

const defaultListLimit = 50

// Server holds all HTTP handlers and dependencies.
type Server struct {
	db          *database.DB
	orch        *orchestrator.Orchestrator
	analytics   *analytics.Engine
	scheduler   *scheduler.Scheduler
	rateLimiter *ratelimit.Limiter
	wsManager   *websocket.Manager
	gatherer    prometheus.Gatherer
	clock       clock.Clock
	log         logger.Logger
}

// Config wires a Server. Scheduler and WSManager may be nil; Clock defaults
// to the wall clock.
type Config struct {
	DB               *database.DB
	Orchestrator     *orchestrator.Orchestrator
	Analytics        *analytics.Engine
	Scheduler        *scheduler.Scheduler
	WSManager        *websocket.Manager
	Gatherer         prometheus.Gatherer
	Clock            clock.Clock
	Logger           logger.Logger
	TriggerPerMinute int
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		db:          cfg.DB,
		orch:        cfg.Orchestrator,
		analytics:   cfg.Analytics,
		scheduler:   cfg.Scheduler,
		rateLimiter: ratelimit.New(cfg.TriggerPerMinute, 0),
		wsManager:   cfg.WSManager,
		gatherer:    cfg.Gatherer,
		clock:       cfg.Clock,
		log:         cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	return s
}

// RunRequest is the body of a trigger call. Params values may be strings,
// numbers or booleans.
type RunRequest struct {
	Params  map[string]any `json:"params"`
	Queue   bool           `json:"queue"`
	Preview bool           `json:"preview"`
}

// RunOperation triggers an operation and reports its outcome.
func (s *Server) RunOperation(c *gin.Context) {
	var req RunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	params := make(map[string]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = fmt.Sprint(v)
	}
	if req.Queue {
		params[orchestrator.OptQueue] = "true"
	}
	if req.Preview {
		params[orchestrator.OptPreview] = "true"
	}

	out := s.execute(c.Request.Context(), c.Param("name"), params)

	var unknown *orchestrator.UnknownOperationError
	var invalid *orchestrator.ValidationError
	switch {
	case errors.As(out.Err, &unknown):
		c.JSON(http.StatusNotFound, gin.H{"error": unknown.Error(), "valid_operations": unknown.Valid})
	case errors.Is(out.Err, scheduler.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": out.Err.Error()})
	case errors.As(out.Err, &invalid):
		body := gin.H{"error": invalid.Error(), "param": invalid.Param}
		if len(invalid.Valid) > 0 {
			body["valid"] = invalid.Valid
		}
		c.JSON(http.StatusUnprocessableEntity, body)
	case out.ExitCode != 0:
		c.JSON(http.StatusInternalServerError, gin.H{
			"exit_code": out.ExitCode,
			"run_id":    out.RunID,
			"status":    models.RunFailed,
			"error":     errMessage(out.Err),
		})
	default:
		c.JSON(http.StatusOK, out)
	}
}

// execute goes through the scheduler when one is wired so manual triggers
// respect the overlap lock of scheduled operations.
func (s *Server) execute(ctx context.Context, name string, params map[string]string) orchestrator.Outcome {
	if s.scheduler != nil {
		return s.scheduler.RunNow(ctx, name, params)
	}
	return s.orch.Execute(ctx, name, params)
}

func errMessage(err error) string {
	if err == nil {
		return "operation failed"
	}
	return err.Error()
}

type paramInfo struct {
	Name        string   `json:"name"`
	Default     string   `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Choices     []string `json:"choices,omitempty"`
}

type operationInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Steps       []string    `json:"steps"`
	Params      []paramInfo `json:"params"`
	Cadence     string      `json:"cadence,omitempty"`
	NextRun     *time.Time  `json:"next_run,omitempty"`
}

// ListOperations describes every registered operation and its schedule.
func (s *Server) ListOperations(c *gin.Context) {
	schedule := map[string]scheduler.Entry{}
	if s.scheduler != nil {
		for _, e := range s.scheduler.Entries() {
			schedule[e.Operation] = e
		}
	}

	ops := s.orch.Operations()
	out := make([]operationInfo, 0, len(ops))
	for _, op := range ops {
		info := operationInfo{Name: op.Name, Description: op.Description, Steps: op.StepNames(), Params: []paramInfo{}}
		for _, p := range op.Params {
			info.Params = append(info.Params, paramInfo{Name: p.Name, Default: p.Default, Description: p.Description, Choices: p.Choices})
		}
		if e, ok := schedule[op.Name]; ok {
			next := e.Next
			info.Cadence = string(e.Cadence)
			info.NextRun = &next
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"operations": out})
}

// ListRuns returns recent run records.
func (s *Server) ListRuns(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	runs, err := s.db.ListRuns(c.Request.Context(), database.RunFilter{
		Operation: c.Query("operation"),
		Status:    models.RunStatus(c.Query("status")),
		Limit:     limit,
	})
	if err != nil {
		s.internalError(c, "list runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetRun returns one run record.
func (s *Server) GetRun(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run id must be an integer"})
		return
	}
	run, err := s.db.GetRun(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("run %d not found", id)})
		return
	}
	if err != nil {
		s.internalError(c, "get run", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListJobs returns recent jobs, optionally filtered.
func (s *Server) ListJobs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	filter := database.JobFilter{
		Queue:  c.Query("queue"),
		Kind:   c.Query("kind"),
		Status: models.JobStatus(c.Query("status")),
		Limit:  limit,
	}
	if raw := c.Query("run_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "run_id must be an integer"})
			return
		}
		filter.RunID = &id
	}
	jobs, err := s.db.ListJobs(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, "list jobs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// JobStats returns totals and per-queue job counts.
func (s *Server) JobStats(c *gin.Context) {
	queues, err := s.db.QueueStats(c.Request.Context())
	if err != nil {
		s.internalError(c, "queue stats", err)
		return
	}
	var total models.JobStats
	for _, q := range queues {
		total.Pending += q.Pending
		total.Running += q.Running
		total.Done += q.Done
		total.Failed += q.Failed
		total.Retried += q.Retried
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "queues": queues})
}

// ListNotifications returns a recipient's notifications.
func (s *Server) ListNotifications(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	filter := database.NotificationFilter{Type: c.Query("type"), Limit: limit}
	if raw := c.Query("recipient_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipient_id must be an integer"})
			return
		}
		filter.RecipientID = &id
	}
	notifications, err := s.db.ListNotifications(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, "list notifications", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

// Trends serves a period's metrics and trends from the analytics cache.
func (s *Server) Trends(c *gin.Context) {
	kind, ok := models.ParsePeriodKind(c.DefaultQuery("period", string(models.PeriodDaily)))
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "period must be daily, weekly or monthly"})
		return
	}
	date := s.clock.Now().UTC()
	if raw := c.Query("date"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		date = d
	}

	report, err := s.analytics.Trends(c.Request.Context(), kind, analytics.Anchor(kind, date))
	if err != nil {
		s.internalError(c, "analytics trends", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Health reports liveness and store reachability.
func (s *Server) Health(c *gin.Context) {
	body := gin.H{"status": "ok", "time": s.clock.Now().UTC()}
	if s.wsManager != nil {
		body["websocket_clients"] = s.wsManager.ClientCount()
	}
	if err := s.db.PingContext(c.Request.Context()); err != nil {
		s.log.Error("Health check failed", logger.Error(err))
		body["status"] = "unavailable"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

func (s *Server) internalError(c *gin.Context, what string, err error) {
	s.log.Error("Request failed", logger.String("op", what), logger.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": what + " failed"})
}
