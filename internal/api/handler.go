// Package api exposes the admin service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/domain"
	"github.com/djlord-it/triggerd/internal/logging"
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// Service is the admin surface used by the handlers. Satisfied by *admin.Service.
type Service interface {
	CreateTrigger(ctx context.Context, req admin.CreateTriggerRequest) (domain.Trigger, error)
	DeleteTrigger(ctx context.Context, name string) (int, error)
	GetTrigger(ctx context.Context, name string) (domain.Trigger, error)
	ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error)
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
	ListAttempts(ctx context.Context, eventID uuid.UUID) ([]domain.DeliveryAttempt, error)
	Stats(ctx context.Context, name string) (map[string]int64, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	service Service
	db      HealthChecker
	logger  zerolog.Logger
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service, logger: logging.Component("api")}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) WithLogger(logger zerolog.Logger) *Handler {
	h.logger = logger
	return h
}

// Router builds the gin engine serving the admin API.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/health", h.health)

	v1 := r.Group("/v1")
	v1.POST("/triggers", h.createTrigger)
	v1.GET("/triggers", h.listTriggers)
	v1.GET("/triggers/:name", h.getTrigger)
	v1.DELETE("/triggers/:name", h.deleteTrigger)
	v1.GET("/triggers/:name/events", h.listTriggerEvents)
	v1.GET("/triggers/:name/stats", h.triggerStats)
	v1.GET("/events", h.listEvents)
	v1.GET("/events/:id/attempts", h.listAttempts)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	})
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(c *gin.Context) {
	if c.Query("verbose") != "true" || h.db == nil {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok", Components: make(map[string]string)}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.Components["database"] = "healthy"
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) createTrigger(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)

	var req admin.CreateTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	trigger, err := h.service.CreateTrigger(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, "failed to create trigger")
		return
	}
	c.JSON(http.StatusCreated, triggerResponse(trigger))
}

func (h *Handler) listTriggers(c *gin.Context) {
	limit, offset, err := parsePagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	triggers, err := h.service.ListTriggers(c.Request.Context(), limit, offset)
	if err != nil {
		h.writeError(c, err, "failed to list triggers")
		return
	}

	resp := ListTriggersResponse{Triggers: make([]TriggerResponse, len(triggers))}
	for i, t := range triggers {
		resp.Triggers[i] = triggerResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTrigger(c *gin.Context) {
	trigger, err := h.service.GetTrigger(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err, "failed to get trigger")
		return
	}
	c.JSON(http.StatusOK, triggerResponse(trigger))
}

func (h *Handler) deleteTrigger(c *gin.Context) {
	name := c.Param("name")
	removed, err := h.service.DeleteTrigger(c.Request.Context(), name)
	if err != nil {
		h.writeError(c, err, "failed to delete trigger")
		return
	}
	c.JSON(http.StatusOK, DeleteTriggerResponse{Name: name, EventsRemoved: removed})
}

func (h *Handler) listTriggerEvents(c *gin.Context) {
	h.respondEvents(c, c.Param("name"))
}

func (h *Handler) listEvents(c *gin.Context) {
	h.respondEvents(c, c.Query("trigger"))
}

func (h *Handler) respondEvents(c *gin.Context, triggerName string) {
	limit, offset, err := parsePagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	events, err := h.service.ListEvents(c.Request.Context(), domain.EventFilter{
		TriggerName: triggerName,
		Status:      domain.EventStatus(c.Query("status")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		h.writeError(c, err, "failed to list events")
		return
	}

	resp := ListEventsResponse{Events: make([]EventResponse, len(events))}
	for i, e := range events {
		resp.Events[i] = eventResponse(e)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listAttempts(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid event id"})
		return
	}

	attempts, err := h.service.ListAttempts(c.Request.Context(), eventID)
	if err != nil {
		h.writeError(c, err, "failed to list attempts")
		return
	}

	resp := ListAttemptsResponse{Attempts: make([]AttemptResponse, len(attempts))}
	for i, a := range attempts {
		resp.Attempts[i] = attemptResponse(a)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) triggerStats(c *gin.Context) {
	name := c.Param("name")
	totals, err := h.service.Stats(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, admin.ErrAnalyticsDisabled) {
			c.JSON(http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
			return
		}
		h.writeError(c, err, "failed to load stats")
		return
	}
	c.JSON(http.StatusOK, StatsResponse{Name: name, Outcomes: totals})
}

// writeError maps service errors to status codes. Unexpected errors are
// logged and replaced by fallback.
func (h *Handler) writeError(c *gin.Context, err error, fallback string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, domain.ErrDuplicateName):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg(fallback)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: fallback})
	}
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns admin.DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds admin.MaxLimit or if values are negative/invalid.
func parsePagination(c *gin.Context) (limit, offset int, err error) {
	limit = admin.DefaultLimit
	offset = 0

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > admin.MaxLimit {
			return 0, 0, &limitExceededError{max: admin.MaxLimit}
		}
		if limit == 0 {
			limit = admin.DefaultLimit
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
