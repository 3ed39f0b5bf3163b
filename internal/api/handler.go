// Package api implements the HTTP adapter: the Echo routes, request/response
// DTOs, and error translation described by the session orchestration engine.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dockyard/dockyard/internal/apierr"
	"github.com/dockyard/dockyard/internal/batch"
	"github.com/dockyard/dockyard/internal/hooks"
	"github.com/dockyard/dockyard/internal/session"
)

// Handler wires the session manager and batch coordinator into the HTTP
// surface. Grounded on the teacher's Handler struct holding injected
// collaborators, per-route methods registered in RegisterRoutes.
type Handler struct {
	manager *session.Manager
	batcher *batch.Coordinator
	hooks   hooks.Hooks
	apiKey  string
	title   string
	version string
}

// NewHandler constructs a Handler. apiKey, when non-empty, gates every
// /sessions and /environments route behind the API-key middleware (key read
// from the X-Dockyard-API-Key header or the api_key query parameter);
// GET /health is never gated. title and version are
// transport-adapter metadata (spec.md §3's ServerConfig.title/version),
// both surfaced on GET /health.
func NewHandler(manager *session.Manager, batcher *batch.Coordinator, h hooks.Hooks, apiKey, title, version string) *Handler {
	return &Handler{manager: manager, batcher: batcher, hooks: h, apiKey: apiKey, title: title, version: version}
}

// RegisterRoutes installs the session-oriented routes plus the ambient
// transport middleware (§6.1A): request logging, CORS, and optional auth.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.Use(requestLogger())
	e.Use(middleware.CORS())

	g := e.Group("")
	if h.apiKey != "" {
		g.Use(h.authMiddleware)
	}

	g.POST("/sessions", h.createSession)
	g.GET("/sessions/:id", h.getSession)
	g.POST("/sessions/:id/step", h.step)
	g.DELETE("/sessions/:id", h.deleteSession)
	g.DELETE("/sessions", h.deleteAllSessions)
	g.GET("/environments", h.listEnvironments)
	e.GET("/health", h.health)
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-Dockyard-API-Key")
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if key != h.apiKey {
			return writeError(c, apierr.Wrap(apierr.ErrInternal, "unauthorized"))
		}
		return next(c)
	}
}

// requestLogger emits one structured log line per request, grounded on the
// ambient-stack rule: the teacher's own middleware.Logger() call is present
// but commented out, so this carries the rest of the pack's structured-
// logging convention through the transport layer instead.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Info().
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

// --- DTOs -------------------------------------------------------------

type createSessionRequest struct {
	EnvID  *string                    `json:"env_id"`
	Params map[string]json.RawMessage `json:"params"`
}

type stepRequest struct {
	Action string `json:"action"`
}

type sessionResponse struct {
	SessionID   string                     `json:"session_id"`
	EnvID       string                     `json:"env_id"`
	Observation string                     `json:"observation"`
	Info        map[string]json.RawMessage `json:"info"`
	Status      string                     `json:"status"`
	CreatedAt   time.Time                  `json:"created_at"`
	LastActive  time.Time                  `json:"last_active_at"`
}

type stepResponse struct {
	SessionID   string                     `json:"session_id"`
	Observation string                     `json:"observation"`
	Reward      float64                    `json:"reward"`
	Done        bool                       `json:"done"`
	Info        map[string]json.RawMessage `json:"info"`
}

func toSessionResponse(snap session.Snapshot) sessionResponse {
	return sessionResponse{
		SessionID:   snap.SessionID,
		EnvID:       snap.EnvID,
		Observation: snap.Observation,
		Info:        emptyIfNil(snap.Info),
		Status:      string(snap.Status),
		CreatedAt:   snap.CreatedAt.UTC(),
		LastActive:  snap.LastActive.UTC(),
	}
}

func emptyIfNil(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return map[string]json.RawMessage{}
	}
	return m
}

// --- handlers -------------------------------------------------------------

func (h *Handler) createSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apierr.Wrap(apierr.ErrInternal, "invalid request body"))
	}

	payload, err := h.hooks.OnCreateSession(c.Request().Context(), req.EnvID, req.Params)
	if err != nil {
		return writeError(c, apierr.Wrapf(apierr.ErrInternal, "hook failed: %v", err))
	}

	sess, err := h.manager.CreateSession(c.Request().Context(), payload.EnvID, payload.Params)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, toSessionResponse(sess.Snapshot()))
}

func (h *Handler) getSession(c echo.Context) error {
	sess, err := h.manager.GetSession(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess.Snapshot()))
}

func (h *Handler) step(c echo.Context) error {
	sess, err := h.manager.GetSession(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}

	var req stepRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apierr.Wrap(apierr.ErrInternal, "invalid request body"))
	}

	resp, err := h.batcher.SubmitStep(c.Request().Context(), sess, req.Action)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, stepResponse{
		SessionID:   sess.ID,
		Observation: resp.Observation,
		Reward:      resp.RewardOrZero(),
		Done:        resp.Done,
		Info:        emptyIfNil(resp.Info),
	})
}

func (h *Handler) deleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.DeleteSession(c.Request().Context(), id); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "session_id": id})
}

func (h *Handler) deleteAllSessions(c echo.Context) error {
	deleted := h.manager.DeleteAllSessions(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"deleted": deleted,
		"count":   len(deleted),
	})
}

func (h *Handler) listEnvironments(c echo.Context) error {
	envs := h.manager.Environments()
	return c.JSON(http.StatusOK, map[string]any{
		"environments": envs,
		"total":        len(envs),
	})
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":                  "ok",
		"title":                   h.title,
		"version":                 h.version,
		"active_sessions":         h.manager.ActiveCount(),
		"max_sessions":            h.manager.MaxSessions(),
		"available_environments":  len(h.manager.Environments()),
	})
}

func writeError(c echo.Context, err error) error {
	status, code := apierr.ToHTTP(err)
	return c.JSON(status, apierr.Body{Detail: err.Error(), ErrorCode: code})
}
