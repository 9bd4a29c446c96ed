package v1

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mineclover/autobe/internal/service"
)

// CreateSession creates a session.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req service.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session, err := h.service.CreateSession(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// GetSession returns a session with its aggregate and live connections.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	summary, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// ListSnapshots returns a page of the session's event log.
// GET /v1/sessions/:session_id/snapshots?after_ts=<unix micros>&limit=
func (h *Handler) ListSnapshots(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}
	var after time.Time
	if ts := c.QueryParam("after_ts"); ts != "" {
		val, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "after_ts must be unix microseconds"})
		}
		after = time.UnixMicro(val)
	}

	snapshots, err := h.service.ListSnapshots(c.Request().Context(), c.Param("session_id"), after, limit)
	if err != nil {
		return errorJSON(c, err)
	}

	resp := map[string]interface{}{
		"snapshots": snapshots,
		"has_more":  len(snapshots) == limit,
	}
	if n := len(snapshots); n > 0 {
		resp["next_after_ts"] = snapshots[n-1].CreatedAt.UnixMicro()
	}
	return c.JSON(http.StatusOK, resp)
}

// ListHistories returns the session's archived results.
// GET /v1/sessions/:session_id/histories
func (h *Handler) ListHistories(c echo.Context) error {
	histories, err := h.service.ListHistories(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"histories": histories,
	})
}
