// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/engine"
)

// Engine is the subset of engine.Engine the handlers call.
type Engine interface {
	Retrieve(ctx context.Context, rawQuery, subjectID string) (engine.Retrieval, error)
	RecordFeedback(ctx context.Context, messageID string, rating int, reason string) (engine.Ack, error)
	Snapshot() accuracy.Snapshot
	ProposeConfig(ctx context.Context, w accuracy.Weights, th accuracy.Thresholds) (accuracy.AccuracyConfig, error)
	Config(ctx context.Context, version int64) (accuracy.AccuracyConfig, error)
	Configs(ctx context.Context, limit int) ([]accuracy.AccuracyConfig, error)
}

// #region requests
type retrieveRequest struct {
	Query     string `json:"query"`
	SubjectID string `json:"subject_id"`
}

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Rating    *int   `json:"rating"`
	Reason    string `json:"reason"`
}

type proposeRequest struct {
	Weights    accuracy.Weights    `json:"weights"`
	Thresholds accuracy.Thresholds `json:"thresholds"`
}

type activeResponse struct {
	Active    accuracy.AccuracyConfig  `json:"active"`
	Candidate *accuracy.AccuracyConfig `json:"candidate,omitempty"`
}

// #endregion requests

// #region handler
// Handler serves the /v1 routes.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(e Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: e, logger: logger}
}

// Register mounts all routes on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	v1 := e.Group("/v1")
	v1.POST("/retrieve", h.Retrieve)
	v1.POST("/feedback", h.Feedback)
	v1.GET("/configs/active", h.ActiveConfig)
	v1.GET("/configs/:version", h.GetConfig)
	v1.GET("/configs", h.ListConfigs)
	v1.POST("/configs", h.ProposeConfig)
}

// NewServer builds an echo instance with request logging and recovery.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/healthz"
		},
		LogStatus:   true,
		LogURI:      true,
		LogError:    true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			rctx := c.Request().Context()
			if v.Error == nil {
				h.logger.InfoContext(rctx, "request_completed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds())
			} else {
				h.logger.ErrorContext(rctx, "request_failed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency_ms", v.Latency.Milliseconds(),
					"error", v.Error.Error())
			}
			return nil
		},
	}))
	e.Use(middleware.Recover())

	h.Register(e)
	return e
}

// #endregion handler

// #region routes
// Health reports liveness and the version currently serving.
func (h *Handler) Health(c echo.Context) error {
	snap := h.engine.Snapshot()
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"active_version": snap.Active.Version,
	})
}

// Retrieve handles POST /v1/retrieve.
func (h *Handler) Retrieve(c echo.Context) error {
	var req retrieveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.engine.Retrieve(c.Request().Context(), req.Query, req.SubjectID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// Feedback handles POST /v1/feedback. A duplicate message id is accepted
// with 200; a first-time event gets 202.
func (h *Handler) Feedback(c echo.Context) error {
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Rating == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "rating is required")
	}
	ack, err := h.engine.RecordFeedback(c.Request().Context(), req.MessageID, *req.Rating, req.Reason)
	if err != nil {
		return mapError(err)
	}
	status := http.StatusAccepted
	if ack.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, ack)
}

// ActiveConfig handles GET /v1/configs/active.
func (h *Handler) ActiveConfig(c echo.Context) error {
	snap := h.engine.Snapshot()
	return c.JSON(http.StatusOK, activeResponse{Active: snap.Active, Candidate: snap.Candidate})
}

// GetConfig handles GET /v1/configs/:version.
func (h *Handler) GetConfig(c echo.Context) error {
	v, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || v <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
	}
	rec, err := h.engine.Config(c.Request().Context(), v)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// ListConfigs handles GET /v1/configs?limit=N.
func (h *Handler) ListConfigs(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	list, err := h.engine.Configs(c.Request().Context(), limit)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"configs": list})
}

// ProposeConfig handles POST /v1/configs.
func (h *Handler) ProposeConfig(c echo.Context) error {
	var req proposeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := h.engine.ProposeConfig(c.Request().Context(), req.Weights, req.Thresholds)
	if err != nil {
		return mapError(err)
	}
	h.logger.Info("config_proposed_via_api", "version", rec.Version)
	return c.JSON(http.StatusCreated, rec)
}

// #endregion routes
